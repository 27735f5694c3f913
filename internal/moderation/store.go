package moderation

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Warning is one append-only audit entry against a user's message. IssuedBy
// is nil for automatic filter-triggered warnings and set for warnings issued
// by a moderator. Warnings are never deleted, even when the message they
// reference is.
type Warning struct {
	ID              int64
	UserID          string
	GroupID         string
	Reason          string
	OriginalContent string // unfiltered snapshot of what the sender submitted
	IssuedBy        *string
	CreatedAt       time.Time
}

// WarningStore is the durable warning ledger.
type WarningStore interface {
	Insert(ctx context.Context, w Warning) error
	CountFor(ctx context.Context, userID, groupID string) (int, error)
}

// PGWarningStore is the PostgreSQL-backed WarningStore.
type PGWarningStore struct {
	db *sql.DB
}

// NewPGWarningStore creates a warning store backed by the given database handle.
func NewPGWarningStore(db *sql.DB) *PGWarningStore {
	return &PGWarningStore{db: db}
}

// Insert appends a warning row.
func (s *PGWarningStore) Insert(ctx context.Context, w Warning) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO warnings (user_id, group_id, reason, original_content, issued_by)
		 VALUES ($1, $2, $3, $4, $5)`,
		w.UserID, w.GroupID, w.Reason, w.OriginalContent, w.IssuedBy)
	if err != nil {
		return fmt.Errorf("moderation: insert warning: %w", err)
	}
	return nil
}

// CountFor returns the number of warnings recorded against a user in a group,
// for moderator review surfaces.
func (s *PGWarningStore) CountFor(ctx context.Context, userID, groupID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM warnings WHERE user_id = $1 AND group_id = $2`,
		userID, groupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("moderation: count warnings: %w", err)
	}
	return n, nil
}
