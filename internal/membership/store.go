package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Store is the durable backing for groups, memberships, and bans. The
// Postgres implementation below is the writer of record; tests substitute
// an in-memory fake.
type Store interface {
	GroupExists(ctx context.Context, groupID string) (bool, error)
	RoleOf(ctx context.Context, userID, groupID string) (Role, bool, error)
	Insert(ctx context.Context, m Membership) error
	Delete(ctx context.Context, userID, groupID string) error
	UpdateRole(ctx context.Context, userID, groupID string, role Role) error
	ActiveBan(ctx context.Context, userID, groupID string) (*Ban, error)
	// ApplyBan removes the target's membership row and inserts the ban row
	// in a single transaction, returning the stored ban.
	ApplyBan(ctx context.Context, b Ban) (Ban, error)
}

// PGStore is the PostgreSQL-backed Store.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a membership store backed by the given database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// GroupExists reports whether a group row exists.
func (s *PGStore) GroupExists(ctx context.Context, groupID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM groups WHERE id = $1)`, groupID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("membership: group exists: %w", err)
	}
	return exists, nil
}

// RoleOf returns the user's role in the group and whether a membership exists.
func (s *PGStore) RoleOf(ctx context.Context, userID, groupID string) (Role, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM memberships WHERE user_id = $1 AND group_id = $2`,
		userID, groupID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return RoleMember, false, nil
	}
	if err != nil {
		return RoleMember, false, fmt.Errorf("membership: role lookup: %w", err)
	}
	role, err := ParseRole(raw)
	if err != nil {
		return RoleMember, false, err
	}
	return role, true, nil
}

// Insert creates a membership row.
func (s *PGStore) Insert(ctx context.Context, m Membership) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (user_id, group_id, role, created_at)
		 VALUES ($1, $2, $3, $4)`,
		m.UserID, m.GroupID, m.Role.String(), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("membership: insert: %w", err)
	}
	return nil
}

// Delete removes a membership row. Deleting a missing row is not an error.
func (s *PGStore) Delete(ctx context.Context, userID, groupID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE user_id = $1 AND group_id = $2`,
		userID, groupID)
	if err != nil {
		return fmt.Errorf("membership: delete: %w", err)
	}
	return nil
}

// UpdateRole changes the role on an existing membership row.
func (s *PGStore) UpdateRole(ctx context.Context, userID, groupID string, role Role) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET role = $3 WHERE user_id = $1 AND group_id = $2`,
		userID, groupID, role.String())
	if err != nil {
		return fmt.Errorf("membership: update role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("membership: update role: %w", err)
	}
	if n == 0 {
		return ErrNotMember
	}
	return nil
}

// ActiveBan returns the most recent ban row that is still in force, or nil.
// Expiry is evaluated in the query at call time; expired rows stay for audit.
func (s *PGStore) ActiveBan(ctx context.Context, userID, groupID string) (*Ban, error) {
	var b Ban
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, group_id, user_id, reason, issued_by, expires_at, created_at
		 FROM bans
		 WHERE group_id = $1 AND user_id = $2
		   AND (expires_at IS NULL OR expires_at > NOW())
		 ORDER BY created_at DESC
		 LIMIT 1`,
		groupID, userID).Scan(&b.ID, &b.GroupID, &b.UserID, &b.Reason, &b.IssuedBy, &expires, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("membership: active ban lookup: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		b.ExpiresAt = &t
	}
	return &b, nil
}

// ApplyBan deletes the target's membership and writes the ban row atomically,
// so a banned user can never retain a membership row.
func (s *PGStore) ApplyBan(ctx context.Context, b Ban) (Ban, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Ban{}, fmt.Errorf("membership: apply ban begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memberships WHERE user_id = $1 AND group_id = $2`,
		b.UserID, b.GroupID); err != nil {
		return Ban{}, fmt.Errorf("membership: apply ban delete member: %w", err)
	}

	var expires interface{}
	if b.ExpiresAt != nil {
		expires = *b.ExpiresAt
	}
	row := tx.QueryRowContext(ctx,
		`INSERT INTO bans (group_id, user_id, reason, issued_by, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		b.GroupID, b.UserID, b.Reason, b.IssuedBy, expires)
	if err := row.Scan(&b.ID, &b.CreatedAt); err != nil {
		return Ban{}, fmt.Errorf("membership: apply ban insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Ban{}, fmt.Errorf("membership: apply ban commit: %w", err)
	}
	return b, nil
}
