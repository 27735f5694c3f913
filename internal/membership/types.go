// Package membership is the source of truth for who belongs to which group,
// at what role, and whether they are currently banned from it. Every
// group-scoped action consults it before touching group state.
package membership

import (
	"errors"
	"fmt"
	"time"
)

// Group is a discussion channel. Groups are created by the platform's
// course/community flows; this service only reads them.
type Group struct {
	ID          string
	Name        string
	Description string
	Category    string
	CreatedAt   time.Time
}

// Membership is a user's role within a single group. At most one row exists
// per (user, group) pair.
type Membership struct {
	UserID    string
	GroupID   string
	Role      Role
	CreatedAt time.Time
}

// Ban restricts a user from joining or posting in a group. Rows are kept
// for audit; the active ban is the most recent row whose ExpiresAt is nil
// (permanent) or in the future, evaluated lazily at check time.
type Ban struct {
	ID        int64
	GroupID   string
	UserID    string
	Reason    string
	IssuedBy  string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Active reports whether the ban is still in force at the given instant.
func (b *Ban) Active(now time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// Sentinel errors for authorization and lookup failures.
var (
	ErrNotMember     = errors.New("membership: not a member of group")
	ErrUnauthorized  = errors.New("membership: insufficient role")
	ErrGroupNotFound = errors.New("membership: group not found")
)

// BannedError is returned when an active ban blocks an action. ExpiresAt is
// nil for permanent bans; otherwise it is surfaced so clients can show a
// countdown.
type BannedError struct {
	Reason    string
	ExpiresAt *time.Time
}

func (e *BannedError) Error() string {
	if e.ExpiresAt == nil {
		return "membership: banned permanently"
	}
	return fmt.Sprintf("membership: banned until %s", e.ExpiresAt.Format(time.RFC3339))
}

// AlreadyMemberError is returned by JoinStrict when a membership row already
// exists for the (user, group) pair.
type AlreadyMemberError struct {
	UserID  string
	GroupID string
}

func (e *AlreadyMemberError) Error() string {
	return fmt.Sprintf("membership: user %s already a member of group %s", e.UserID, e.GroupID)
}
