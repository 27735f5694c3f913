package membership

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeStore is an in-memory Store for Authority tests.
type fakeStore struct {
	groups      map[string]bool
	memberships map[string]Membership // key user|group
	bans        map[string]Ban        // key user|group
	nextBanID   int64
	now         func() time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		groups:      make(map[string]bool),
		memberships: make(map[string]Membership),
		bans:        make(map[string]Ban),
		now:         time.Now,
	}
}

func key(userID, groupID string) string { return userID + "|" + groupID }

func (s *fakeStore) GroupExists(ctx context.Context, groupID string) (bool, error) {
	return s.groups[groupID], nil
}

func (s *fakeStore) RoleOf(ctx context.Context, userID, groupID string) (Role, bool, error) {
	m, ok := s.memberships[key(userID, groupID)]
	return m.Role, ok, nil
}

func (s *fakeStore) Insert(ctx context.Context, m Membership) error {
	s.memberships[key(m.UserID, m.GroupID)] = m
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, userID, groupID string) error {
	delete(s.memberships, key(userID, groupID))
	return nil
}

func (s *fakeStore) UpdateRole(ctx context.Context, userID, groupID string, role Role) error {
	k := key(userID, groupID)
	m, ok := s.memberships[k]
	if !ok {
		return ErrNotMember
	}
	m.Role = role
	s.memberships[k] = m
	return nil
}

func (s *fakeStore) ActiveBan(ctx context.Context, userID, groupID string) (*Ban, error) {
	b, ok := s.bans[key(userID, groupID)]
	if !ok {
		return nil, nil
	}
	// Lazy expiry, matching the SQL predicate.
	if b.ExpiresAt != nil && !b.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	return &b, nil
}

func (s *fakeStore) ApplyBan(ctx context.Context, b Ban) (Ban, error) {
	delete(s.memberships, key(b.UserID, b.GroupID))
	s.nextBanID++
	b.ID = s.nextBanID
	b.CreatedAt = s.now()
	s.bans[key(b.UserID, b.GroupID)] = b
	return b, nil
}

func seedStore() *fakeStore {
	s := newFakeStore()
	s.groups["g1"] = true
	s.memberships[key("admin1", "g1")] = Membership{UserID: "admin1", GroupID: "g1", Role: RoleAdmin}
	s.memberships[key("mod1", "g1")] = Membership{UserID: "mod1", GroupID: "g1", Role: RoleModerator}
	s.memberships[key("u1", "g1")] = Membership{UserID: "u1", GroupID: "g1", Role: RoleMember}
	return s
}

func TestJoin_CreatesMembership(t *testing.T) {
	s := seedStore()
	a := NewAuthority(s, nil, nil)

	m, err := a.Join(context.Background(), "newuser", "g1")
	if err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if m.Role != RoleMember {
		t.Errorf("new member role = %v, want RoleMember", m.Role)
	}
	if _, member, _ := s.RoleOf(context.Background(), "newuser", "g1"); !member {
		t.Error("membership row not created")
	}
}

func TestJoin_UnknownGroup(t *testing.T) {
	a := NewAuthority(seedStore(), nil, nil)

	_, err := a.Join(context.Background(), "u1", "nope")
	if !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("Join err = %v, want ErrGroupNotFound", err)
	}
}

func TestJoin_Idempotent(t *testing.T) {
	a := NewAuthority(seedStore(), nil, nil)

	// Joining again returns the existing row with its role preserved.
	m, err := a.Join(context.Background(), "mod1", "g1")
	if err != nil {
		t.Fatalf("second Join returned error: %v", err)
	}
	if m.Role != RoleModerator {
		t.Errorf("existing role = %v, want RoleModerator preserved", m.Role)
	}
}

func TestJoinStrict_AlreadyMember(t *testing.T) {
	a := NewAuthority(seedStore(), nil, nil)

	_, err := a.JoinStrict(context.Background(), "u1", "g1")
	var amErr *AlreadyMemberError
	if !errors.As(err, &amErr) {
		t.Fatalf("JoinStrict err = %v, want AlreadyMemberError", err)
	}
	if amErr.UserID != "u1" || amErr.GroupID != "g1" {
		t.Errorf("AlreadyMemberError = %+v, want u1/g1", amErr)
	}
}

func TestJoin_RejectedWhileBanned(t *testing.T) {
	s := seedStore()
	s.bans[key("banned1", "g1")] = Ban{GroupID: "g1", UserID: "banned1", Reason: "spam"}
	a := NewAuthority(s, nil, nil)

	_, err := a.Join(context.Background(), "banned1", "g1")
	var banErr *BannedError
	if !errors.As(err, &banErr) {
		t.Fatalf("Join err = %v, want BannedError", err)
	}
	if banErr.Reason != "spam" {
		t.Errorf("BannedError.Reason = %q, want %q", banErr.Reason, "spam")
	}
}

func TestJoin_AllowedAfterBanExpires(t *testing.T) {
	s := seedStore()
	past := time.Now().Add(-time.Minute)
	s.bans[key("banned1", "g1")] = Ban{GroupID: "g1", UserID: "banned1", Reason: "spam", ExpiresAt: &past}
	a := NewAuthority(s, nil, nil)

	// The expired ban row still exists but is not in force.
	if _, err := a.Join(context.Background(), "banned1", "g1"); err != nil {
		t.Fatalf("Join after ban expiry returned error: %v", err)
	}
}

func TestBan_RemovesMembership(t *testing.T) {
	s := seedStore()
	a := NewAuthority(s, nil, nil)

	b, err := a.Ban(context.Background(), "mod1", "g1", "u1", "harassment", 0)
	if err != nil {
		t.Fatalf("Ban returned error: %v", err)
	}
	if b.ExpiresAt != nil {
		t.Error("zero duration should produce a permanent ban")
	}
	if b.IssuedBy != "mod1" {
		t.Errorf("IssuedBy = %q, want mod1", b.IssuedBy)
	}

	if _, member, _ := s.RoleOf(context.Background(), "u1", "g1"); member {
		t.Error("banned user still has a membership row")
	}
	active, _ := a.ActiveBan(context.Background(), "u1", "g1")
	if active == nil {
		t.Fatal("no active ban after Ban")
	}
}

func TestBan_TemporaryGetsExpiry(t *testing.T) {
	a := NewAuthority(seedStore(), nil, nil)

	b, err := a.Ban(context.Background(), "admin1", "g1", "u1", "cooldown", 10*time.Minute)
	if err != nil {
		t.Fatalf("Ban returned error: %v", err)
	}
	if b.ExpiresAt == nil {
		t.Fatal("temporary ban has no expiry")
	}
	if until := time.Until(*b.ExpiresAt); until < 9*time.Minute || until > 11*time.Minute {
		t.Errorf("expiry %s from now, want ~10m", until)
	}
}

func TestBan_RoleGates(t *testing.T) {
	tests := []struct {
		name    string
		actor   string
		target  string
		wantErr error
	}{
		{"member cannot ban", "u1", "mod1", ErrUnauthorized},
		{"non-member cannot ban", "stranger", "u1", ErrNotMember},
		{"moderator cannot ban moderator", "mod1", "mod1b", ErrUnauthorized},
		{"moderator cannot ban admin", "mod1", "admin1", ErrUnauthorized},
		{"admin can ban moderator", "admin1", "mod1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seedStore()
			s.memberships[key("mod1b", "g1")] = Membership{UserID: "mod1b", GroupID: "g1", Role: RoleModerator}
			a := NewAuthority(s, nil, nil)

			_, err := a.Ban(context.Background(), tt.actor, "g1", tt.target, "test", 0)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Ban returned error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Ban err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBan_NonMemberTarget(t *testing.T) {
	a := NewAuthority(seedStore(), nil, nil)

	// Banning a user with no membership row is allowed (pre-emptive ban).
	if _, err := a.Ban(context.Background(), "mod1", "g1", "outsider", "evading", 0); err != nil {
		t.Fatalf("Ban of non-member returned error: %v", err)
	}
	b, _ := a.ActiveBan(context.Background(), "outsider", "g1")
	if b == nil {
		t.Fatal("no active ban recorded for non-member target")
	}
}

func TestSetRole(t *testing.T) {
	tests := []struct {
		name    string
		actor   string
		target  string
		role    Role
		wantErr error
	}{
		{"admin promotes member", "admin1", "u1", RoleModerator, nil},
		{"admin demotes moderator", "admin1", "mod1", RoleMember, nil},
		{"admin promotes to admin", "admin1", "u1", RoleAdmin, nil},
		{"moderator cannot set roles", "mod1", "u1", RoleModerator, ErrUnauthorized},
		{"member cannot set roles", "u1", "mod1", RoleMember, ErrUnauthorized},
		{"non-member actor", "stranger", "u1", RoleModerator, ErrNotMember},
		{"non-member target", "admin1", "stranger", RoleModerator, ErrNotMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seedStore()
			a := NewAuthority(s, nil, nil)

			m, err := a.SetRole(context.Background(), tt.actor, "g1", tt.target, tt.role)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("SetRole err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetRole returned error: %v", err)
			}
			if m.Role != tt.role {
				t.Errorf("returned role = %v, want %v", m.Role, tt.role)
			}
			if got, _, _ := s.RoleOf(context.Background(), tt.target, "g1"); got != tt.role {
				t.Errorf("stored role = %v, want %v", got, tt.role)
			}
		})
	}
}

func TestLeave_Idempotent(t *testing.T) {
	s := seedStore()
	a := NewAuthority(s, nil, nil)

	if err := a.Leave(context.Background(), "u1", "g1"); err != nil {
		t.Fatalf("Leave returned error: %v", err)
	}
	if _, member, _ := s.RoleOf(context.Background(), "u1", "g1"); member {
		t.Error("membership row still present after Leave")
	}
	// Leaving again is a no-op.
	if err := a.Leave(context.Background(), "u1", "g1"); err != nil {
		t.Fatalf("second Leave returned error: %v", err)
	}
}

func TestBanActive(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		ban  Ban
		want bool
	}{
		{"permanent", Ban{}, true},
		{"future expiry", Ban{ExpiresAt: &future}, true},
		{"past expiry", Ban{ExpiresAt: &past}, false},
	}

	for _, tt := range tests {
		if got := tt.ban.Active(now); got != tt.want {
			t.Errorf("%s: Active = %v, want %v", tt.name, got, tt.want)
		}
	}
}
