package server

import "sync"

// sequencer runs the edits of each resource one at a time. It is held from
// the registry write until the edit is stored and published, which the
// registry's own lock does not cover. Locks are kept for the life of the
// server, like the resources they guard.
type sequencer struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSequencer() *sequencer {
	return &sequencer{locks: make(map[string]*sync.Mutex)}
}

// lock blocks until resource is free and returns the function releasing it.
func (q *sequencer) lock(resource string) func() {
	q.mu.Lock()
	l, ok := q.locks[resource]
	if !ok {
		l = &sync.Mutex{}
		q.locks[resource] = l
	}
	q.mu.Unlock()

	l.Lock()
	return l.Unlock
}
