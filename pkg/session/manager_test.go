package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(time.Minute)
	defer m.Stop()

	require.NoError(t, m.AddWithID("s1"))
	assert.Error(t, m.AddWithID("s1"), "duplicate IDs are rejected")
	assert.Error(t, m.AddWithID(""), "empty IDs are rejected")

	s, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "s1", s.ID())
	assert.False(t, s.Terminated())

	_, ok = m.Get("unknown")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Count())
}

func TestGetExtendsIdleTTL(t *testing.T) {
	t.Parallel()
	m := NewManager(time.Minute)
	defer m.Stop()

	require.NoError(t, m.AddWithID("s1"))
	s, _ := m.Get("s1")
	first := s.UpdatedAt()

	time.Sleep(5 * time.Millisecond)
	m.Get("s1")
	assert.True(t, s.UpdatedAt().After(first))
}

func TestCleanupExpired(t *testing.T) {
	t.Parallel()
	m := NewManager(10 * time.Millisecond)
	defer m.Stop()

	require.NoError(t, m.AddWithID("stale"))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.AddWithID("fresh"))

	m.CleanupExpired()

	_, ok := m.Get("stale")
	assert.False(t, ok)
	_, ok = m.Get("fresh")
	assert.True(t, ok)
}

func TestTerminateKeepsSessionUntilSweep(t *testing.T) {
	t.Parallel()
	m := NewManager(time.Minute)
	defer m.Stop()

	require.NoError(t, m.AddWithID("s1"))
	s, _ := m.Get("s1")
	s.Terminate()

	// Still present so validation can answer "terminated" rather than
	// "unknown".
	got, ok := m.Get("s1")
	require.True(t, ok)
	assert.True(t, got.Terminated())
}

func TestTokenBinding(t *testing.T) {
	t.Parallel()
	m := NewManager(time.Minute)
	defer m.Stop()

	require.NoError(t, m.AddWithID("s1"))
	s, _ := m.Get("s1")
	assert.Empty(t, s.TokenID())

	s.BindToken("t42")
	assert.Equal(t, "t42", s.TokenID())
}
