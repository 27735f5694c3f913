package hub

import "sync"

// Queues serializes the operations that mutate a group's message stream.
// Each group gets its own lazily created queue, acquired in arrival order
// and retired as soon as no caller holds or waits for it, so unrelated
// groups proceed fully in parallel and an idle server holds no per-group
// state.
type Queues struct {
	mu sync.Mutex
	qs map[string]*groupQueue
}

type groupQueue struct {
	mu   sync.Mutex
	refs int
}

// NewQueues creates an empty queue set.
func NewQueues() *Queues {
	return &Queues{qs: make(map[string]*groupQueue)}
}

// Do runs fn while holding the group's queue. Calls for the same group run
// one at a time; calls for different groups are independent.
func (q *Queues) Do(groupID string, fn func() error) error {
	q.mu.Lock()
	gq, ok := q.qs[groupID]
	if !ok {
		gq = &groupQueue{}
		q.qs[groupID] = gq
	}
	gq.refs++
	q.mu.Unlock()

	gq.mu.Lock()
	err := fn()
	gq.mu.Unlock()

	q.mu.Lock()
	gq.refs--
	if gq.refs == 0 {
		delete(q.qs, groupID)
	}
	q.mu.Unlock()

	return err
}

// Active returns the number of groups with a live queue. Exposed for
// metrics and tests.
func (q *Queues) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.qs)
}
