package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lms-realtime/internal/models"
	"lms-realtime/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT 'student',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS classroom_members (
	classroom_id TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	PRIMARY KEY (classroom_id, user_id)
);

CREATE TABLE IF NOT EXISTS groups (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	all_students BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	PRIMARY KEY (group_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	seq         BIGSERIAL PRIMARY KEY,
	id          UUID NOT NULL UNIQUE,
	room        TEXT NOT NULL,
	author_id   TEXT NOT NULL,
	author_name TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	attachments JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL,
	deleted     BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_by  TEXT,
	deleted_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS messages_room_created_idx ON messages (room, created_at DESC, seq DESC);
`

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// Message Repository Implementation
func (db *PostgresDB) CreateMessage(ctx context.Context, msg *models.Message) error {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}

	query := `
		INSERT INTO messages (id, room, author_id, author_name, content, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := db.pool.Exec(ctx, query,
		msg.ID, string(msg.Room), msg.AuthorID, msg.AuthorName, msg.Content, attachments, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (db *PostgresDB) FindMessages(ctx context.Context, q models.MessageQuery) ([]*models.Message, error) {
	var before *time.Time
	if !q.Before.IsZero() {
		before = &q.Before
	}

	query := `
		SELECT id, room, author_id, author_name, content, attachments, created_at
		FROM messages
		WHERE room = $1 AND NOT deleted AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, seq DESC
		LIMIT $3`

	rows, err := db.pool.Query(ctx, query, string(q.Room), before, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var room string
		if err := rows.Scan(&msg.ID, &room, &msg.AuthorID, &msg.AuthorName, &msg.Content, &msg.Attachments, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Room = models.RoomID(room)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to show oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (db *PostgresDB) GetMessage(ctx context.Context, room models.RoomID, id uuid.UUID) (*models.Message, error) {
	query := `
		SELECT id, room, author_id, author_name, content, attachments, created_at, deleted, deleted_by, deleted_at
		FROM messages WHERE id = $1 AND room = $2`

	msg := &models.Message{}
	var (
		roomStr   string
		deletedBy *string
	)
	err := db.pool.QueryRow(ctx, query, id, string(room)).Scan(
		&msg.ID, &roomStr, &msg.AuthorID, &msg.AuthorName, &msg.Content, &msg.Attachments,
		&msg.CreatedAt, &msg.Deleted, &deletedBy, &msg.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg.Room = models.RoomID(roomStr)
	if deletedBy != nil {
		msg.DeletedBy = *deletedBy
	}
	return msg, nil
}

func (db *PostgresDB) SoftDeleteMessage(ctx context.Context, room models.RoomID, id uuid.UUID, deletedBy string, at time.Time) error {
	query := `UPDATE messages SET deleted = TRUE, deleted_by = $3, deleted_at = $4 WHERE id = $1 AND room = $2`
	tag, err := db.pool.Exec(ctx, query, id, string(room), deletedBy, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Membership Repository Implementation
func (db *PostgresDB) IsClassroomMember(ctx context.Context, classroomID, userID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM classroom_members WHERE classroom_id = $1 AND user_id = $2)`

	var exists bool
	err := db.pool.QueryRow(ctx, query, classroomID, userID).Scan(&exists)
	return exists, err
}

func (db *PostgresDB) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	group := &models.Group{ID: groupID}
	err := db.pool.QueryRow(ctx, `SELECT owner_id, all_students FROM groups WHERE id = $1`, groupID).
		Scan(&group.OwnerID, &group.AllStudents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.pool.Query(ctx, `SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	group.Members = members
	return group, nil
}

// User Repository Implementation
func (db *PostgresDB) GetUsernames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}

	rows, err := db.pool.Query(ctx, `SELECT id, username FROM users WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, username string
		if err := rows.Scan(&id, &username); err != nil {
			return nil, err
		}
		names[id] = username
	}
	return names, rows.Err()
}
