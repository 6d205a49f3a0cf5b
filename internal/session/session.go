// Package session issues an opaque invalidation token per download so
// in-flight asynchronous callbacks can recognize when they've been
// superseded by a pause, cancel, or restart (spec.md §4.7).
package session

import (
	"sync"

	"github.com/google/uuid"
)

// Manager tracks the current token for each active download.
type Manager struct {
	mu     sync.RWMutex
	tokens map[int64]string
}

// New constructs an empty session Manager.
func New() *Manager {
	return &Manager{tokens: make(map[int64]string)}
}

// CreateSession generates a fresh token for id, replacing any prior one,
// and returns it.
func (m *Manager) CreateSession(id int64) string {
	token := uuid.NewString()
	m.mu.Lock()
	m.tokens[id] = token
	m.mu.Unlock()
	return token
}

// IsCurrent reports whether token is still the live token for id. An
// empty token is "unconditional" and always reports current, so callers
// outside a session-bound callback (e.g. a direct user command) aren't
// forced to look one up first.
func (m *Manager) IsCurrent(id int64, token string) bool {
	if token == "" {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens[id] == token
}

// Invalidate drops id's stored token. A subsequent IsCurrent check with
// the old token returns false.
func (m *Manager) Invalidate(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, id)
}
