package settings

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

// stubSettings is an in-memory SettingsStore with controllable failures.
type stubSettings struct {
	mu     sync.Mutex
	values map[string]string
	err    error
	reads  atomic.Int32
}

func newStubSettings() *stubSettings {
	return &stubSettings{values: make(map[string]string)}
}

func (s *stubSettings) GetSetting(_ context.Context, key string) (string, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	value, ok := s.values[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return value, nil
}

func (s *stubSettings) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.values[key] = value
	return nil
}

func (s *stubSettings) ListSettings(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *stubSettings) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func TestGetCachesWithinTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stub := newStubSettings()
	require.NoError(t, stub.SetSetting(ctx, store.SettingSearchSourceMode, store.SourceCombined))
	stub.reads.Store(0)

	cache := New(stub, time.Minute, nil)
	for i := 0; i < 5; i++ {
		assert.Equal(t, store.SourceCombined, cache.Get(ctx, store.SettingSearchSourceMode))
	}
	assert.EqualValues(t, 1, stub.reads.Load())
}

func TestGetRefreshesAfterExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stub := newStubSettings()
	require.NoError(t, stub.SetSetting(ctx, store.SettingSelectionStrategy, store.StrategyRoundRobin))

	now := time.Now()
	cache := New(stub, time.Second, nil)
	cache.SetClock(func() time.Time { return now })

	assert.Equal(t, store.StrategyRoundRobin, cache.SelectionStrategy(ctx))

	// An admin write lands; the cache serves stale until expiry.
	require.NoError(t, stub.SetSetting(ctx, store.SettingSelectionStrategy, store.StrategyRandom))
	assert.Equal(t, store.StrategyRoundRobin, cache.SelectionStrategy(ctx))

	now = now.Add(2 * time.Second)
	assert.Equal(t, store.StrategyRandom, cache.SelectionStrategy(ctx))
}

func TestMissingKeyServesFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache := New(newStubSettings(), time.Minute, map[string]string{
		store.SettingSearchSourceMode: store.SourceBravePreferFallback,
	})
	assert.Equal(t, store.SourceBravePreferFallback, cache.SourceMode(ctx))
	assert.False(t, cache.ResearchEnabled(ctx))
}

func TestRefreshFailureServesLastKnown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stub := newStubSettings()
	require.NoError(t, stub.SetSetting(ctx, store.SettingResearchEnabled, "true"))

	now := time.Now()
	cache := New(stub, time.Second, nil)
	cache.SetClock(func() time.Time { return now })

	assert.True(t, cache.ResearchEnabled(ctx))

	stub.fail(assert.AnError)
	now = now.Add(2 * time.Second)
	assert.True(t, cache.ResearchEnabled(ctx), "stale value survives a failed refresh")

	// The failure entry carries a short TTL, so recovery is picked up at
	// the next read after it.
	stub.fail(nil)
	require.NoError(t, stub.SetSetting(ctx, store.SettingResearchEnabled, "false"))
	now = now.Add(time.Second)
	assert.False(t, cache.ResearchEnabled(ctx))
}

func TestSetWritesThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stub := newStubSettings()
	cache := New(stub, time.Minute, nil)

	require.NoError(t, cache.Set(ctx, store.SettingSearchSourceMode, store.SourceTavilyOnly))

	stored, err := stub.GetSetting(ctx, store.SettingSearchSourceMode)
	require.NoError(t, err)
	assert.Equal(t, store.SourceTavilyOnly, stored)

	stub.reads.Store(0)
	assert.Equal(t, store.SourceTavilyOnly, cache.SourceMode(ctx))
	assert.Zero(t, stub.reads.Load(), "write-through populates the cache")
}

func TestConcurrentExpiredReadsShareOneRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	stub := newStubSettings()
	require.NoError(t, stub.SetSetting(ctx, store.SettingSearchSourceMode, store.SourceCombined))
	stub.reads.Store(0)

	cache := New(stub, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, store.SourceCombined, cache.SourceMode(ctx))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, stub.reads.Load(), int32(2), "cold reads collapse into a shared refresh")
}
