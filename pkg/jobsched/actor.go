package jobsched

import (
	"errors"
	"sync"
)

var errNotInitialized = errors.New("jobsched: not initialized")

// actor is the state every actor shares: a guard and the hub it was
// initialized with. Actors only take their own guard, so a slow operation
// on one never blocks another.
type actor struct {
	mu  sync.RWMutex
	hub *Hub
}

func (a *actor) bind(h *Hub) {
	a.mu.Lock()
	a.hub = h
	a.mu.Unlock()
}

func (a *actor) current() (*Hub, error) {
	a.mu.RLock()
	h := a.hub
	a.mu.RUnlock()
	if h == nil {
		return nil, errNotInitialized
	}
	return h, nil
}
