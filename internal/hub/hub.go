// Package hub fans messages out to the sessions subscribed to each group.
// All hub state is ephemeral and per-process: it can be rebuilt from the
// membership store after a restart, losing only live subscriptions.
package hub

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueSize is the per-session outbound queue capacity. A session
// that falls this many frames behind a room's stream is dropped from the
// room rather than ever blocking the publisher.
const DefaultQueueSize = 64

// ErrNotAttached is returned when subscribing a connection the hub does not
// know about.
var ErrNotAttached = errors.New("hub: connection not attached")

// WriteFunc delivers one encoded frame to a connection.
type WriteFunc func(data []byte) error

type subscriber struct {
	connID string
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Hub maintains room membership and a bounded outbound pump per attached
// connection. Publish never blocks on a slow consumer.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber            // conn_id -> pump
	rooms     map[string]map[string]*subscriber // group_id -> conn_id -> pump
	queueSize int
	log       *zap.Logger
	onDrop    func(connID, groupID string)
}

// New creates an empty Hub. queueSize <= 0 selects DefaultQueueSize.
func New(queueSize int, log *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs:      make(map[string]*subscriber),
		rooms:     make(map[string]map[string]*subscriber),
		queueSize: queueSize,
		log:       log,
	}
}

// SetOnDrop registers a callback invoked when a session is evicted from a
// room because its queue overflowed. Used for metrics.
func (h *Hub) SetOnDrop(fn func(connID, groupID string)) {
	h.onDrop = fn
}

// Attach registers a connection and starts its outbound pump. The write
// function is called from a single goroutine, so implementations only need
// their own frame-level locking.
func (h *Hub) Attach(connID string, write WriteFunc) {
	s := &subscriber{
		connID: connID,
		out:    make(chan []byte, h.queueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if prev, ok := h.subs[connID]; ok {
		prev.stop()
	}
	h.subs[connID] = s
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case data := <-s.out:
				// Write failures are left to the transport's read path to
				// detect; the pump keeps draining so Publish never backs up.
				_ = write(data)
			}
		}
	}()
}

// Detach stops the connection's pump and removes it from every room it was
// subscribed to, synchronously, so no ghost subscriptions survive a
// disconnect. It returns the groups the connection was subscribed to.
func (h *Hub) Detach(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.subs[connID]
	if !ok {
		return nil
	}
	s.stop()
	delete(h.subs, connID)

	var groups []string
	for groupID, room := range h.rooms {
		if _, in := room[connID]; in {
			delete(room, connID)
			groups = append(groups, groupID)
			if len(room) == 0 {
				delete(h.rooms, groupID)
			}
		}
	}
	return groups
}

// Subscribe adds the connection to a group's room. The caller is responsible
// for authorization; the hub only tracks subscriptions.
func (h *Hub) Subscribe(connID, groupID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.subs[connID]
	if !ok {
		return ErrNotAttached
	}
	room := h.rooms[groupID]
	if room == nil {
		room = make(map[string]*subscriber)
		h.rooms[groupID] = room
	}
	room[connID] = s
	return nil
}

// Unsubscribe removes the connection from a group's room. Idempotent.
func (h *Hub) Unsubscribe(connID, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(connID, groupID)
}

func (h *Hub) removeLocked(connID, groupID string) {
	room, ok := h.rooms[groupID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, groupID)
	}
}

// Publish delivers a frame to every session subscribed to the group,
// including the sender's own session. Sessions whose queue is full are
// evicted from the room; the publisher never waits.
func (h *Hub) Publish(groupID string, data []byte) {
	h.mu.RLock()
	room := h.rooms[groupID]
	members := make([]*subscriber, 0, len(room))
	for _, s := range room {
		members = append(members, s)
	}
	h.mu.RUnlock()

	var overflowed []string
	for _, s := range members {
		select {
		case s.out <- data:
		case <-s.done:
		default:
			overflowed = append(overflowed, s.connID)
		}
	}

	if len(overflowed) == 0 {
		return
	}

	h.mu.Lock()
	for _, connID := range overflowed {
		h.removeLocked(connID, groupID)
	}
	h.mu.Unlock()

	for _, connID := range overflowed {
		h.log.Warn("slow consumer dropped from room",
			zap.String("conn_id", connID), zap.String("group_id", groupID))
		if h.onDrop != nil {
			h.onDrop(connID, groupID)
		}
	}
}

// SendTo enqueues a frame for one attached connection, outside any room.
// Returns false when the connection is unknown or its queue is full; the
// frame is dropped in that case, never blocking the caller.
func (h *Hub) SendTo(connID string, data []byte) bool {
	h.mu.RLock()
	s, ok := h.subs[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case s.out <- data:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Rooms returns the number of groups with at least one subscriber.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Subscribers returns a snapshot of the connection IDs in a group's room.
func (h *Hub) Subscribers(groupID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room := h.rooms[groupID]
	ids := make([]string, 0, len(room))
	for id := range room {
		ids = append(ids, id)
	}
	return ids
}
