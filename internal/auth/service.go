package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lms-realtime/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuth is returned for any missing, malformed, expired or forged credential.
var ErrAuth = errors.New("authentication failed")

// Claims is the credential issued by the LMS login service.
type Claims struct {
	UserID   string      `json:"user_id"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

type Service struct {
	secret []byte
	issuer string
}

func NewService(secret []byte) *Service {
	return &Service{secret: secret, issuer: "lms"}
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// Authenticate resolves a token to the identity downstream checks trust.
// Every failure collapses to ErrAuth so callers fail closed.
func (s *Service) Authenticate(tokenString string) (models.Identity, error) {
	if tokenString == "" {
		return models.Identity{}, fmt.Errorf("%w: missing token", ErrAuth)
	}

	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if claims.UserID == "" {
		return models.Identity{}, fmt.Errorf("%w: invalid user ID in token", ErrAuth)
	}
	if !claims.Role.Valid() {
		return models.Identity{}, fmt.Errorf("%w: invalid role %q", ErrAuth, claims.Role)
	}

	username := claims.Username
	if username == "" {
		username = claims.UserID
	}
	return models.Identity{UserID: claims.UserID, Username: username, Role: claims.Role}, nil
}

// AuthenticateRequest reads a bearer token from the Authorization header.
func (s *Service) AuthenticateRequest(r *http.Request) (models.Identity, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return models.Identity{}, fmt.Errorf("%w: missing bearer token", ErrAuth)
	}
	return s.Authenticate(strings.TrimSpace(token))
}

// IssueToken signs a credential. The login service owns issuance in
// production; this is used by tooling and tests.
func (s *Service) IssueToken(id models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
