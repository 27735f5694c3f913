package session

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_AddGet(t *testing.T) {
	r := NewRegistry()

	s := r.Add("c1", "u1", "student")
	if s.ConnID != "c1" || s.UserID != "u1" || s.Role != "student" {
		t.Errorf("Add returned %+v, want c1/u1/student", s)
	}
	if s.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if got := r.Get("c1"); got != s {
		t.Error("Get returned a different session")
	}
	if got := r.Get("nope"); got != nil {
		t.Errorf("Get of unknown connection = %v, want nil", got)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRegistry_MultipleConnectionsPerUser(t *testing.T) {
	r := NewRegistry()
	r.Add("c1", "u1", "student")
	r.Add("c2", "u1", "student")
	r.Add("c3", "u2", "student")

	sessions := r.OfUser("u1")
	if len(sessions) != 2 {
		t.Fatalf("OfUser(u1) returned %d sessions, want 2", len(sessions))
	}
	if len(r.OfUser("u2")) != 1 {
		t.Errorf("OfUser(u2) = %d sessions, want 1", len(r.OfUser("u2")))
	}
	if len(r.OfUser("ghost")) != 0 {
		t.Errorf("OfUser of unknown user = %d sessions, want 0", len(r.OfUser("ghost")))
	}
}

func TestRegistry_RemoveKeepsGroupSet(t *testing.T) {
	r := NewRegistry()
	r.Add("c1", "u1", "student")
	r.AddGroup("c1", "g1")
	r.AddGroup("c1", "g2")

	s := r.Remove("c1")
	if s == nil {
		t.Fatal("Remove returned nil for live session")
	}
	// The final group set survives removal so the caller can unsubscribe.
	if len(s.Groups()) != 2 {
		t.Errorf("removed session has %d groups, want 2", len(s.Groups()))
	}

	if r.Get("c1") != nil {
		t.Error("session still retrievable after Remove")
	}
	if len(r.OfUser("u1")) != 0 {
		t.Error("user index still holds removed session")
	}
	if r.Remove("c1") != nil {
		t.Error("second Remove returned non-nil")
	}
}

func TestRegistry_RemoveOneOfTwo(t *testing.T) {
	r := NewRegistry()
	r.Add("c1", "u1", "student")
	r.Add("c2", "u1", "student")

	r.Remove("c1")
	sessions := r.OfUser("u1")
	if len(sessions) != 1 || sessions[0].ConnID != "c2" {
		t.Errorf("OfUser after partial remove = %v, want only c2", sessions)
	}
}

func TestSession_GroupTracking(t *testing.T) {
	r := NewRegistry()
	s := r.Add("c1", "u1", "student")

	r.AddGroup("c1", "g1")
	if !s.Subscribed("g1") {
		t.Error("Subscribed(g1) = false after AddGroup")
	}
	if s.Subscribed("g2") {
		t.Error("Subscribed(g2) = true, never added")
	}

	r.RemoveGroup("c1", "g1")
	if s.Subscribed("g1") {
		t.Error("Subscribed(g1) = true after RemoveGroup")
	}

	// Unknown connections are a no-op, not a panic.
	r.AddGroup("ghost", "g1")
	r.RemoveGroup("ghost", "g1")
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", i)
			r.Add(connID, fmt.Sprintf("u%d", i%10), "student")
			r.AddGroup(connID, "g1")
			r.Get(connID)
			r.OfUser(fmt.Sprintf("u%d", i%10))
			if i%2 == 0 {
				r.Remove(connID)
			}
		}()
	}
	wg.Wait()

	if r.Count() != 25 {
		t.Errorf("Count = %d after concurrent adds/removes, want 25", r.Count())
	}
}
