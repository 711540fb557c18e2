package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lms-realtime/internal/database"
	"lms-realtime/internal/models"
)

var (
	ErrForbidden = models.ErrForbidden
	ErrNotFound  = database.ErrNotFound
	// ErrPersistence wraps durable store failures on the post path. It is
	// always surfaced to the caller.
	ErrPersistence = errors.New("message could not be stored")
)

// ContentRejectedError covers both invalid input and content the spam filter
// refused. Score is zero for plain validation failures.
type ContentRejectedError struct {
	Reasons []string
	Score   int
}

func (e *ContentRejectedError) Error() string {
	if e.Score > 0 {
		return fmt.Sprintf("content rejected as spam (score %d): %s", e.Score, strings.Join(e.Reasons, ", "))
	}
	return "invalid content: " + strings.Join(e.Reasons, ", ")
}

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Millisecond))
}
