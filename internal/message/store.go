// Package message provides PostgreSQL-backed storage for group messages.
// Messages are immutable once written; the only mutation is moderator
// deletion, which removes the row entirely.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HistoryLimit is the number of recent messages returned on group join.
const HistoryLimit = 50

// ErrNotFound is returned when a message does not exist in the given group.
var ErrNotFound = errors.New("message: not found")

// Message is one durably stored group message. Content is the delivered
// (possibly filtered) text; Flagged is true iff it differs from what the
// sender submitted.
type Message struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Flagged   bool      `json:"flagged"`
	FileRef   *string   `json:"file_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the durable message backing. Tests substitute an in-memory fake.
type Store interface {
	Insert(ctx context.Context, m Message) error
	Recent(ctx context.Context, groupID string, limit int) ([]Message, error)
	Get(ctx context.Context, groupID, messageID string) (Message, error)
	Delete(ctx context.Context, groupID, messageID string) error
}

// PGStore is the PostgreSQL-backed Store.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a message store backed by the given database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Insert writes a message row.
func (s *PGStore) Insert(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, group_id, user_id, content, flagged, file_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.GroupID, m.UserID, m.Content, m.Flagged, m.FileRef, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("message: insert: %w", err)
	}
	return nil
}

// Recent returns the latest messages for a group in chronological order
// (oldest first), ready to replay to a joining session.
func (s *PGStore) Recent(ctx context.Context, groupID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = HistoryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, user_id, content, flagged, file_ref, created_at
		 FROM messages
		 WHERE group_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("message: recent: %w", err)
	}
	defer rows.Close()

	var newestFirst []Message
	for rows.Next() {
		var m Message
		var fileRef sql.NullString
		if err := rows.Scan(&m.ID, &m.GroupID, &m.UserID, &m.Content, &m.Flagged, &fileRef, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: recent scan: %w", err)
		}
		if fileRef.Valid {
			v := fileRef.String
			m.FileRef = &v
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: recent rows: %w", err)
	}

	// Reverse into oldest-first order.
	out := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(out)-1-i] = m
	}
	return out, nil
}

// Get returns a message scoped to its group.
func (s *PGStore) Get(ctx context.Context, groupID, messageID string) (Message, error) {
	var m Message
	var fileRef sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, group_id, user_id, content, flagged, file_ref, created_at
		 FROM messages WHERE id = $1 AND group_id = $2`,
		messageID, groupID).Scan(&m.ID, &m.GroupID, &m.UserID, &m.Content, &m.Flagged, &fileRef, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("message: get: %w", err)
	}
	if fileRef.Valid {
		v := fileRef.String
		m.FileRef = &v
	}
	return m, nil
}

// Delete removes a message row. Warning ledger entries referencing the
// message are untouched.
func (s *PGStore) Delete(ctx context.Context, groupID, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = $1 AND group_id = $2`, messageID, groupID)
	if err != nil {
		return fmt.Errorf("message: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message: delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
