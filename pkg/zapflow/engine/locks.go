// Package engine – locks.go serializes work per conversation id.
// The orchestration loop and the collaboration transitions for one
// conversation must never interleave; different conversations proceed
// independently.
package engine

import (
	"sync"
)

// ConvLocks hands out one mutex per conversation id.
type ConvLocks struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

// convLock is a refcounted mutex so idle entries can be reclaimed.
type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewConvLocks creates an empty lock manager.
func NewConvLocks() *ConvLocks {
	return &ConvLocks{locks: make(map[string]*convLock)}
}

// Lock acquires the conversation's mutex, returning the unlock function.
func (c *ConvLocks) Lock(conversationID string) func() {
	c.mu.Lock()
	l, ok := c.locks[conversationID]
	if !ok {
		l = &convLock{}
		c.locks[conversationID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, conversationID)
		}
		c.mu.Unlock()
	}
}
