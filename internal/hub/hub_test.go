package hub

import (
	"sync"
	"testing"
	"time"
)

// collector is a WriteFunc target that records delivered frames.
type collector struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *collector) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *collector) frame(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.frames[i])
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestPublish_DeliversToAllIncludingSender(t *testing.T) {
	h := New(0, nil)
	c1, c2 := &collector{}, &collector{}
	h.Attach("conn1", c1.write)
	h.Attach("conn2", c2.write)
	if err := h.Subscribe("conn1", "g1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := h.Subscribe("conn2", "g1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	h.Publish("g1", []byte("hello"))

	waitFor(t, func() bool { return c1.count() == 1 && c2.count() == 1 })
	if c1.frame(0) != "hello" || c2.frame(0) != "hello" {
		t.Errorf("delivered frames = %q, %q, want %q", c1.frame(0), c2.frame(0), "hello")
	}
}

func TestPublish_OnlySubscribedRoom(t *testing.T) {
	h := New(0, nil)
	c1, c2 := &collector{}, &collector{}
	h.Attach("conn1", c1.write)
	h.Attach("conn2", c2.write)
	_ = h.Subscribe("conn1", "g1")
	_ = h.Subscribe("conn2", "g2")

	h.Publish("g1", []byte("for g1"))

	waitFor(t, func() bool { return c1.count() == 1 })
	time.Sleep(10 * time.Millisecond)
	if c2.count() != 0 {
		t.Errorf("conn2 received %d frames from a room it is not in", c2.count())
	}
}

func TestSubscribe_NotAttached(t *testing.T) {
	h := New(0, nil)
	if err := h.Subscribe("ghost", "g1"); err != ErrNotAttached {
		t.Fatalf("Subscribe err = %v, want ErrNotAttached", err)
	}
}

func TestPublish_SlowConsumerEvicted(t *testing.T) {
	h := New(2, nil)

	var dropped []string
	var mu sync.Mutex
	h.SetOnDrop(func(connID, groupID string) {
		mu.Lock()
		dropped = append(dropped, connID+":"+groupID)
		mu.Unlock()
	})

	// A write function that blocks forever, so the pump stalls and the
	// queue fills.
	block := make(chan struct{})
	h.Attach("slow", func(data []byte) error {
		<-block
		return nil
	})
	defer close(block)
	_ = h.Subscribe("slow", "g1")

	// queueSize 2 plus one frame in flight at the pump; publish until the
	// select hits default and evicts.
	for i := 0; i < 5; i++ {
		h.Publish("g1", []byte("x"))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dropped) > 0
	})
	mu.Lock()
	if dropped[0] != "slow:g1" {
		t.Errorf("dropped = %v, want slow:g1", dropped)
	}
	mu.Unlock()

	if subs := h.Subscribers("g1"); len(subs) != 0 {
		t.Errorf("slow consumer still subscribed: %v", subs)
	}
}

func TestDetach_RemovesFromAllRooms(t *testing.T) {
	h := New(0, nil)
	c := &collector{}
	h.Attach("conn1", c.write)
	_ = h.Subscribe("conn1", "g1")
	_ = h.Subscribe("conn1", "g2")

	groups := h.Detach("conn1")
	if len(groups) != 2 {
		t.Fatalf("Detach returned %d groups, want 2: %v", len(groups), groups)
	}
	if h.Rooms() != 0 {
		t.Errorf("Rooms() = %d after sole subscriber detached, want 0", h.Rooms())
	}

	// Publishing after detach reaches nobody.
	h.Publish("g1", []byte("x"))
	time.Sleep(10 * time.Millisecond)
	if c.count() != 0 {
		t.Errorf("detached connection received %d frames", c.count())
	}
}

func TestDetach_Unknown(t *testing.T) {
	h := New(0, nil)
	if groups := h.Detach("ghost"); groups != nil {
		t.Errorf("Detach of unknown connection returned %v, want nil", groups)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	h := New(0, nil)
	c := &collector{}
	h.Attach("conn1", c.write)
	_ = h.Subscribe("conn1", "g1")

	h.Unsubscribe("conn1", "g1")
	h.Unsubscribe("conn1", "g1")
	h.Unsubscribe("conn1", "never-joined")

	if h.Rooms() != 0 {
		t.Errorf("Rooms() = %d, want 0", h.Rooms())
	}
}

func TestSendTo(t *testing.T) {
	h := New(0, nil)
	c := &collector{}
	h.Attach("conn1", c.write)

	if !h.SendTo("conn1", []byte("direct")) {
		t.Fatal("SendTo returned false for attached connection")
	}
	waitFor(t, func() bool { return c.count() == 1 })
	if c.frame(0) != "direct" {
		t.Errorf("frame = %q, want %q", c.frame(0), "direct")
	}

	if h.SendTo("ghost", []byte("x")) {
		t.Error("SendTo returned true for unknown connection")
	}
}

func TestPublish_OrderPreservedPerConnection(t *testing.T) {
	h := New(128, nil)
	c := &collector{}
	h.Attach("conn1", c.write)
	_ = h.Subscribe("conn1", "g1")

	frames := []string{"one", "two", "three", "four", "five"}
	for _, f := range frames {
		h.Publish("g1", []byte(f))
	}

	waitFor(t, func() bool { return c.count() == len(frames) })
	for i, want := range frames {
		if got := c.frame(i); got != want {
			t.Errorf("frame[%d] = %q, want %q", i, got, want)
		}
	}
}
