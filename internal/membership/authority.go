package membership

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coursehub/chat-app/internal/ban"
)

// Authority makes membership and ban decisions on top of a Store. An optional
// Redis ban cache accelerates the hot-path ActiveBan check; Postgres remains
// authoritative and is consulted on every cache miss.
type Authority struct {
	store Store
	bans  *ban.Cache // nil disables the fast path
	log   *zap.Logger
	now   func() time.Time
}

// NewAuthority creates an Authority. bans may be nil.
func NewAuthority(store Store, bans *ban.Cache, log *zap.Logger) *Authority {
	if log == nil {
		log = zap.NewNop()
	}
	return &Authority{store: store, bans: bans, log: log, now: time.Now}
}

// RoleOf returns the user's role in the group, and whether they are a member.
func (a *Authority) RoleOf(ctx context.Context, userID, groupID string) (Role, bool, error) {
	return a.store.RoleOf(ctx, userID, groupID)
}

// ActiveBan returns the ban currently in force for the pair, or nil. Expiry
// is observed lazily at call time; there is no background sweep.
func (a *Authority) ActiveBan(ctx context.Context, userID, groupID string) (*Ban, error) {
	if a.bans != nil {
		entry, err := a.bans.Get(ctx, groupID, userID)
		if err != nil {
			// Fail open to the durable store.
			a.log.Warn("ban cache lookup failed",
				zap.String("group_id", groupID), zap.String("user_id", userID), zap.Error(err))
		} else if entry != nil {
			return &Ban{
				GroupID:   groupID,
				UserID:    userID,
				Reason:    entry.Reason,
				ExpiresAt: entry.ExpiresAt,
			}, nil
		}
	}

	b, err := a.store.ActiveBan(ctx, userID, groupID)
	if err != nil || b == nil {
		return b, err
	}

	if a.bans != nil {
		if err := a.bans.Put(ctx, groupID, userID, ban.Entry{Reason: b.Reason, ExpiresAt: b.ExpiresAt}); err != nil {
			a.log.Warn("ban cache prime failed",
				zap.String("group_id", groupID), zap.String("user_id", userID), zap.Error(err))
		}
	}
	return b, nil
}

// Join adds the user to the group with member role. It fails with a
// BannedError while an active ban exists. Join is idempotent: if a
// membership row already exists it is returned unchanged.
func (a *Authority) Join(ctx context.Context, userID, groupID string) (Membership, error) {
	return a.join(ctx, userID, groupID, false)
}

// JoinStrict behaves like Join but returns AlreadyMemberError instead of the
// existing row, for callers that need exactly-once semantics.
func (a *Authority) JoinStrict(ctx context.Context, userID, groupID string) (Membership, error) {
	return a.join(ctx, userID, groupID, true)
}

func (a *Authority) join(ctx context.Context, userID, groupID string, strict bool) (Membership, error) {
	exists, err := a.store.GroupExists(ctx, groupID)
	if err != nil {
		return Membership{}, err
	}
	if !exists {
		return Membership{}, ErrGroupNotFound
	}

	if b, err := a.ActiveBan(ctx, userID, groupID); err != nil {
		return Membership{}, err
	} else if b != nil {
		return Membership{}, &BannedError{Reason: b.Reason, ExpiresAt: b.ExpiresAt}
	}

	role, member, err := a.store.RoleOf(ctx, userID, groupID)
	if err != nil {
		return Membership{}, err
	}
	if member {
		if strict {
			return Membership{}, &AlreadyMemberError{UserID: userID, GroupID: groupID}
		}
		return Membership{UserID: userID, GroupID: groupID, Role: role}, nil
	}

	m := Membership{UserID: userID, GroupID: groupID, Role: RoleMember, CreatedAt: a.now()}
	if err := a.store.Insert(ctx, m); err != nil {
		return Membership{}, err
	}
	a.log.Info("member joined", zap.String("group_id", groupID), zap.String("user_id", userID))
	return m, nil
}

// Leave removes the user's membership. Leaving a group the user is not a
// member of is a no-op.
func (a *Authority) Leave(ctx context.Context, userID, groupID string) error {
	return a.store.Delete(ctx, userID, groupID)
}

// SetRole changes a member's role. Only an admin membership in the group may
// call it, and no caller can raise any role above their own level.
func (a *Authority) SetRole(ctx context.Context, actorID, groupID, targetID string, newRole Role) (Membership, error) {
	actorRole, member, err := a.store.RoleOf(ctx, actorID, groupID)
	if err != nil {
		return Membership{}, err
	}
	if !member {
		return Membership{}, ErrNotMember
	}
	if actorRole != RoleAdmin || !actorRole.AtLeast(newRole) {
		return Membership{}, ErrUnauthorized
	}

	if _, member, err := a.store.RoleOf(ctx, targetID, groupID); err != nil {
		return Membership{}, err
	} else if !member {
		return Membership{}, ErrNotMember
	}

	if err := a.store.UpdateRole(ctx, targetID, groupID, newRole); err != nil {
		return Membership{}, err
	}
	a.log.Info("role changed",
		zap.String("group_id", groupID),
		zap.String("actor_id", actorID),
		zap.String("target_id", targetID),
		zap.String("role", newRole.String()))
	return Membership{UserID: targetID, GroupID: groupID, Role: newRole}, nil
}

// Ban issues a ban against the target: the actor must hold moderator or
// admin and must outrank the target. The target's membership row is removed
// and a ban row written in one transaction, then the cache is primed.
// duration <= 0 means permanent.
func (a *Authority) Ban(ctx context.Context, actorID, groupID, targetID, reason string, duration time.Duration) (Ban, error) {
	actorRole, member, err := a.store.RoleOf(ctx, actorID, groupID)
	if err != nil {
		return Ban{}, err
	}
	if !member {
		return Ban{}, ErrNotMember
	}
	if !actorRole.CanModerate() {
		return Ban{}, ErrUnauthorized
	}

	targetRole, targetMember, err := a.store.RoleOf(ctx, targetID, groupID)
	if err != nil {
		return Ban{}, err
	}
	if targetMember && targetRole.AtLeast(actorRole) {
		return Ban{}, ErrUnauthorized
	}

	b := Ban{
		GroupID:  groupID,
		UserID:   targetID,
		Reason:   reason,
		IssuedBy: actorID,
	}
	if duration > 0 {
		t := a.now().Add(duration)
		b.ExpiresAt = &t
	}

	stored, err := a.store.ApplyBan(ctx, b)
	if err != nil {
		return Ban{}, err
	}

	if a.bans != nil {
		if err := a.bans.Put(ctx, groupID, targetID, ban.Entry{Reason: stored.Reason, ExpiresAt: stored.ExpiresAt}); err != nil {
			a.log.Warn("ban cache prime failed",
				zap.String("group_id", groupID), zap.String("user_id", targetID), zap.Error(err))
		}
	}

	a.log.Info("ban issued",
		zap.String("group_id", groupID),
		zap.String("actor_id", actorID),
		zap.String("target_id", targetID),
		zap.String("reason", reason),
		zap.Duration("duration", duration))
	return stored, nil
}
