// Package session tracks MCP sessions with idle-TTL cleanup.
package session

import (
	"fmt"
	"sync"
	"time"
)

// Session is one client MCP session. Terminated sessions linger until the
// TTL sweep so a validation can distinguish "terminated" from "unknown".
type Session struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	updatedAt  time.Time
	terminated bool
	tokenID    string
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// UpdatedAt returns the last activity time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Touch records activity, extending the session's idle TTL.
func (s *Session) Touch() {
	s.mu.Lock()
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// Terminate marks the session as explicitly ended.
func (s *Session) Terminate() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
}

// Terminated reports whether the session was explicitly ended.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// BindToken associates the authenticated client token with the session.
func (s *Session) BindToken(tokenID string) {
	s.mu.Lock()
	s.tokenID = tokenID
	s.mu.Unlock()
}

// TokenID returns the bound client token, or "".
func (s *Session) TokenID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenID
}

// Manager holds sessions and garbage-collects the idle ones.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager with the given idle TTL and starts
// the cleanup worker.
func NewManager(ttl time.Duration) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
	go m.cleanupRoutine()
	return m
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

// AddWithID registers a new session under the provided ID.
func (m *Manager) AddWithID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return fmt.Errorf("session ID %q already exists", id)
	}

	now := time.Now()
	m.sessions[id] = &Session{id: id, createdAt: now, updatedAt: now}
	return nil
}

// Get retrieves a session by ID, touching it when found.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.Touch()
	return s, true
}

// Delete removes a session by ID.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupExpired removes sessions idle past the TTL.
func (m *Manager) CleanupExpired() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.UpdatedAt().Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}

// Stop stops the cleanup worker.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
