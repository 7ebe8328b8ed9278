package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ykq007/mcp-tavily-bridge/pkg/config"
	"github.com/ykq007/mcp-tavily-bridge/pkg/errors"
	"github.com/ykq007/mcp-tavily-bridge/pkg/keypool"
	"github.com/ykq007/mcp-tavily-bridge/pkg/rategate"
	"github.com/ykq007/mcp-tavily-bridge/pkg/settings"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream"
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream/brave"
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream/tavily"
)

// memSettings is a minimal in-memory SettingsStore.
type memSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memSettings) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return "", store.ErrNotFound
}

func (m *memSettings) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memSettings) ListSettings(context.Context) (map[string]string, error) {
	return nil, nil
}

// stubKeys hands out handles in order and records outcomes.
type stubKeys struct {
	mu          sync.Mutex
	tavilyKeys  []keypool.KeyHandle
	braveKeys   []keypool.KeyHandle
	tavilyIdx   int
	braveIdx    int
	tavilyState map[string]error
	braveState  map[string]error
}

func newStubKeys() *stubKeys {
	return &stubKeys{tavilyState: map[string]error{}, braveState: map[string]error{}}
}

func (s *stubKeys) SelectTavily(context.Context) (keypool.KeyHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tavilyIdx >= len(s.tavilyKeys) {
		return keypool.KeyHandle{}, errors.NewNoActiveKeysError("no active tavily keys")
	}
	handle := s.tavilyKeys[s.tavilyIdx]
	s.tavilyIdx++
	return handle, nil
}

func (s *stubKeys) SelectBrave(context.Context) (keypool.KeyHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.braveIdx >= len(s.braveKeys) {
		return keypool.KeyHandle{}, errors.NewNoActiveKeysError("no active brave keys")
	}
	handle := s.braveKeys[s.braveIdx]
	s.braveIdx++
	return handle, nil
}

func (s *stubKeys) RecordTavilyOutcome(_ context.Context, keyID string, callErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tavilyState[keyID] = callErr
}

func (s *stubKeys) RecordBraveOutcome(_ context.Context, keyID string, callErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.braveState[keyID] = callErr
}

type stubTavily struct {
	search   func(secret string, args map[string]any) (*tavily.SearchResponse, error)
	extract  func(args map[string]any) (json.RawMessage, error)
	research func(args map[string]any) (json.RawMessage, error)
}

func (s *stubTavily) Search(_ context.Context, secret string, args map[string]any) (*tavily.SearchResponse, error) {
	return s.search(secret, args)
}

func (s *stubTavily) Extract(_ context.Context, _ string, args map[string]any) (json.RawMessage, error) {
	return s.extract(args)
}

func (s *stubTavily) Crawl(context.Context, string, map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (s *stubTavily) Map(context.Context, string, map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (s *stubTavily) Research(_ context.Context, _ string, args map[string]any) (json.RawMessage, error) {
	return s.research(args)
}

type stubBrave struct {
	web   func(secret string, args map[string]any) (*brave.WebSearchResponse, error)
	local func(args map[string]any) (*brave.LocalSearchResponse, error)
}

func (s *stubBrave) WebSearch(_ context.Context, secret string, args map[string]any) (*brave.WebSearchResponse, error) {
	return s.web(secret, args)
}

func (s *stubBrave) LocalSearch(_ context.Context, _ string, args map[string]any) (*brave.LocalSearchResponse, error) {
	return s.local(args)
}

type env struct {
	dispatcher *Dispatcher
	keys       *stubKeys
	tavilyAPI  *stubTavily
	braveAPI   *stubBrave
	settings   *memSettings
	gate       *rategate.Gate
}

func newEnv(t *testing.T, mode string) *env {
	t.Helper()

	mem := &memSettings{values: map[string]string{store.SettingSearchSourceMode: mode}}
	keys := newStubKeys()
	keys.tavilyKeys = []keypool.KeyHandle{
		{ID: "tk1", Provider: store.ProviderTavily, Secret: "tvly-1"},
		{ID: "tk2", Provider: store.ProviderTavily, Secret: "tvly-2"},
	}
	keys.braveKeys = []keypool.KeyHandle{
		{ID: "bk1", Provider: store.ProviderBrave, Secret: "BSA-1"},
	}

	braveWebRaw := `{"web":{"results":[{"title":"B","url":"https://b.example","description":"from brave"}]}}`
	e := &env{
		keys:     keys,
		settings: mem,
		gate:     rategate.New(0),
		tavilyAPI: &stubTavily{
			search: func(string, map[string]any) (*tavily.SearchResponse, error) {
				return &tavily.SearchResponse{
					Results: []tavily.SearchResult{{Title: "T", URL: "https://t.example", Content: "from tavily"}},
					Raw:     json.RawMessage(`{"results":[{"title":"T","url":"https://t.example","content":"from tavily"}]}`),
				}, nil
			},
			extract: func(map[string]any) (json.RawMessage, error) {
				return json.RawMessage(`{"results":[{"url":"https://t.example","raw_content":"body"}]}`), nil
			},
			research: func(map[string]any) (json.RawMessage, error) {
				return json.RawMessage(`{"status":"completed","report":"r"}`), nil
			},
		},
		braveAPI: &stubBrave{
			web: func(string, map[string]any) (*brave.WebSearchResponse, error) {
				return &brave.WebSearchResponse{
					Results: []brave.WebResult{{Title: "B", URL: "https://b.example", Description: "from brave"}},
					Raw:     json.RawMessage(braveWebRaw),
				}, nil
			},
			local: func(map[string]any) (*brave.LocalSearchResponse, error) {
				return &brave.LocalSearchResponse{
					Results: []brave.LocalResult{{ID: "p1", Name: "POI"}},
					Raw:     json.RawMessage(`{}`),
				}, nil
			},
		},
	}

	e.dispatcher = New(keys, e.tavilyAPI, e.braveAPI, e.gate, settings.New(mem, time.Minute, nil), nil, Config{
		MaxRetries:    2,
		BraveMaxQueue: time.Second,
		BraveOverflow: config.OverflowFallbackToTavily,
	})
	return e
}

func rateLimitedErr() error {
	return &upstream.Error{Provider: "tavily", Kind: upstream.KindRateLimited, StatusCode: 429}
}

func TestPassthroughToolUsesTavily(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceBravePreferFallback)

	res, err := e.dispatcher.Dispatch(context.Background(), ToolTavilyExtract, map[string]any{
		"urls": []any{"https://t.example"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(res.Payload), "raw_content")

	require.Len(t, res.Attempts, 1)
	assert.Equal(t, store.ProviderTavily, res.Attempts[0].Provider)
	assert.Equal(t, "tk1", res.Attempts[0].KeyID)
	assert.Equal(t, store.UsageSuccess, res.Attempts[0].Outcome)
}

func TestTavilyRetryOnRateLimit(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceTavilyOnly)

	calls := 0
	e.tavilyAPI.search = func(secret string, _ map[string]any) (*tavily.SearchResponse, error) {
		calls++
		if secret == "tvly-1" {
			return nil, rateLimitedErr()
		}
		return &tavily.SearchResponse{Raw: json.RawMessage(`{"results":[]}`)}, nil
	}

	res, err := e.dispatcher.Dispatch(context.Background(), ToolTavilySearch, map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, store.UsageError, res.Attempts[0].Outcome)
	assert.Equal(t, store.UsageSuccess, res.Attempts[1].Outcome)
	assert.Equal(t, "tk2", res.Attempts[1].KeyID)

	// The failing key's outcome reached the pool.
	assert.Error(t, e.keys.tavilyState["tk1"])
	assert.NoError(t, e.keys.tavilyState["tk2"])
}

func TestTavilyProviderErrorDoesNotRetry(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceTavilyOnly)

	calls := 0
	e.tavilyAPI.search = func(string, map[string]any) (*tavily.SearchResponse, error) {
		calls++
		return nil, &upstream.Error{Provider: "tavily", Kind: upstream.KindProviderError, StatusCode: 502}
	}

	_, err := e.dispatcher.Dispatch(context.Background(), ToolTavilySearch, map[string]any{"query": "x"})
	require.Error(t, err)
	assert.Equal(t, upstream.KindProviderError, upstream.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestTavilyOnlyReshapesBraveTools(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceTavilyOnly)

	res, err := e.dispatcher.Dispatch(context.Background(), ToolBraveWeb, map[string]any{
		"query": "x", "count": float64(3),
	})
	require.NoError(t, err)

	var payload struct {
		Web struct {
			Results []mergeItem `json:"results"`
		} `json:"web"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &payload))
	require.Len(t, payload.Web.Results, 1)
	assert.Equal(t, "https://t.example", payload.Web.Results[0].URL)
	assert.Equal(t, "from tavily", payload.Web.Results[0].Description, "content maps to description")
}

func TestBraveOnlyWithoutKeysIsSourceUnavailable(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceBraveOnly)
	e.keys.braveKeys = nil

	_, err := e.dispatcher.Dispatch(context.Background(), ToolBraveWeb, map[string]any{"query": "x"})
	assert.True(t, errors.IsSourceUnavailable(err))
}

func TestCombinedMergesInterleaved(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceCombined)

	e.tavilyAPI.search = func(string, map[string]any) (*tavily.SearchResponse, error) {
		return &tavily.SearchResponse{
			Results: []tavily.SearchResult{
				{Title: "A1", URL: "https://shared.example", Content: "tavily wins"},
				{Title: "A2", URL: "https://a2.example", Content: "a2"},
			},
			Raw: json.RawMessage(`{}`),
		}, nil
	}
	e.braveAPI.web = func(string, map[string]any) (*brave.WebSearchResponse, error) {
		raw := `{"web":{"results":[
			{"title":"B1","url":"https://shared.example","description":"brave dup"},
			{"title":"B2","url":"https://b2.example","description":"b2"}
		]}}`
		return &brave.WebSearchResponse{Raw: json.RawMessage(raw)}, nil
	}

	res, err := e.dispatcher.Dispatch(context.Background(), ToolTavilySearch, map[string]any{"query": "x"})
	require.NoError(t, err)

	var payload struct {
		Results []mergeItem `json:"results"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &payload))

	urls := make([]string, 0, len(payload.Results))
	for _, r := range payload.Results {
		urls = append(urls, r.URL)
	}
	assert.Equal(t, []string{"https://shared.example", "https://a2.example", "https://b2.example"}, urls)
	assert.Equal(t, "tavily wins", payload.Results[0].Description)

	// Both providers were exercised.
	assert.Len(t, res.Attempts, 2)
}

func TestCombinedOffsetGoesBraveOnly(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceCombined)

	tavilyCalls := 0
	e.tavilyAPI.search = func(string, map[string]any) (*tavily.SearchResponse, error) {
		tavilyCalls++
		return &tavily.SearchResponse{Raw: json.RawMessage(`{}`)}, nil
	}

	res, err := e.dispatcher.Dispatch(context.Background(), ToolBraveWeb, map[string]any{
		"query": "x", "offset": float64(2),
	})
	require.NoError(t, err)
	assert.Zero(t, tavilyCalls)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, store.ProviderBrave, res.Attempts[0].Provider)
}

func TestCombinedOneSideFails(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceCombined)

	e.braveAPI.web = func(string, map[string]any) (*brave.WebSearchResponse, error) {
		return nil, &upstream.Error{Provider: "brave", Kind: upstream.KindProviderError, StatusCode: 500}
	}

	res, err := e.dispatcher.Dispatch(context.Background(), ToolTavilySearch, map[string]any{"query": "x"})
	require.NoError(t, err)

	var payload struct {
		Results []mergeItem `json:"results"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &payload))
	require.Len(t, payload.Results, 1)
	assert.Equal(t, "https://t.example", payload.Results[0].URL)
}

func TestCombinedBothSidesFail(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceCombined)

	e.tavilyAPI.search = func(string, map[string]any) (*tavily.SearchResponse, error) {
		return nil, &upstream.Error{Provider: "tavily", Kind: upstream.KindProviderError, StatusCode: 500}
	}
	e.braveAPI.web = func(string, map[string]any) (*brave.WebSearchResponse, error) {
		return nil, &upstream.Error{Provider: "brave", Kind: upstream.KindProviderError, StatusCode: 500}
	}

	_, err := e.dispatcher.Dispatch(context.Background(), ToolTavilySearch, map[string]any{"query": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both sources failed")
}

func TestBravePreferredServesBrave(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceBravePreferFallback)

	res, err := e.dispatcher.Dispatch(context.Background(), ToolBraveWeb, map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.Contains(t, string(res.Payload), "from brave")
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, store.ProviderBrave, res.Attempts[0].Provider)
}

func TestBravePreferredFallsBackToTavily(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceBravePreferFallback)

	e.braveAPI.web = func(string, map[string]any) (*brave.WebSearchResponse, error) {
		return nil, &upstream.Error{Provider: "brave", Kind: upstream.KindRateLimited, StatusCode: 429}
	}

	res, err := e.dispatcher.Dispatch(context.Background(), ToolBraveWeb, map[string]any{"query": "coffee"})
	require.NoError(t, err)
	assert.Contains(t, string(res.Payload), "from tavily")

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, store.ProviderBrave, res.Attempts[0].Provider)
	assert.Equal(t, store.UsageError, res.Attempts[0].Outcome)
	assert.Equal(t, store.ProviderTavily, res.Attempts[1].Provider)
	assert.Equal(t, store.UsageSuccess, res.Attempts[1].Outcome)
}

func TestGateTimeoutRejectedWhenOverflowIsReject(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceBravePreferFallback)
	e.dispatcher.cfg.BraveOverflow = config.OverflowReject
	e.dispatcher.cfg.BraveMaxQueue = 50 * time.Millisecond

	// Occupy the gate so the dispatch call times out in the queue.
	release := make(chan struct{})
	blocked := make(chan struct{})
	go func() {
		_ = e.gate.Run(context.Background(), 0, func(context.Context) error {
			close(blocked)
			<-release
			return nil
		})
	}()
	<-blocked
	defer close(release)

	_, err := e.dispatcher.Dispatch(context.Background(), ToolBraveWeb, map[string]any{"query": "x"})
	assert.True(t, errors.IsRateGateTimeout(err))
}

func TestLocalSearchReturnsEnrichedPOIs(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceBravePreferFallback)

	res, err := e.dispatcher.Dispatch(context.Background(), ToolBraveLocal, map[string]any{"query": "pizza"})
	require.NoError(t, err)
	assert.Contains(t, string(res.Payload), "POI")
}

func TestInterleaveMergeTruncatesToCount(t *testing.T) {
	t.Parallel()

	a := []mergeItem{
		{Title: "a1", URL: "u1"}, {Title: "a2", URL: "u2"}, {Title: "a3", URL: "u3"},
	}
	b := []mergeItem{
		{Title: "b1", URL: "u4"}, {Title: "b2", URL: "u5"},
	}

	merged := interleaveMerge(a, b, 3)
	require.Len(t, merged, 3)
	assert.Equal(t, "u1", merged[0].URL)
	assert.Equal(t, "u4", merged[1].URL)
	assert.Equal(t, "u2", merged[2].URL)
}

func TestBraveWebQueryReachesBraveUpstream(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceBraveOnly)

	var seen map[string]any
	e.braveAPI.web = func(_ string, args map[string]any) (*brave.WebSearchResponse, error) {
		seen = args
		return &brave.WebSearchResponse{Raw: json.RawMessage(`{"web":{"results":[]}}`)}, nil
	}

	_, err := e.dispatcher.Dispatch(context.Background(), ToolBraveWeb, map[string]any{
		"query": "coffee", "count": float64(5),
	})
	require.NoError(t, err)
	assert.Equal(t, "coffee", seen["q"], "the Brave API takes the search term as q")
	assert.NotContains(t, seen, "query")
	assert.Equal(t, float64(5), seen["count"], "auxiliary parameters pass through")
}

func TestBraveLocalQueryReachesBraveUpstream(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceBraveOnly)

	var seen map[string]any
	e.braveAPI.local = func(args map[string]any) (*brave.LocalSearchResponse, error) {
		seen = args
		return &brave.LocalSearchResponse{Raw: json.RawMessage(`{}`)}, nil
	}

	_, err := e.dispatcher.Dispatch(context.Background(), ToolBraveLocal, map[string]any{"query": "pizza near sf"})
	require.NoError(t, err)
	assert.Equal(t, "pizza near sf", seen["q"])
	assert.NotContains(t, seen, "query")
}

func TestBraveWebQueryReachesTavilyInTavilyOnly(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceTavilyOnly)

	var seen map[string]any
	e.tavilyAPI.search = func(_ string, args map[string]any) (*tavily.SearchResponse, error) {
		seen = args
		return &tavily.SearchResponse{Raw: json.RawMessage(`{"results":[]}`)}, nil
	}

	_, err := e.dispatcher.Dispatch(context.Background(), ToolBraveWeb, map[string]any{
		"query": "coffee", "count": float64(4),
	})
	require.NoError(t, err)
	assert.Equal(t, "coffee", seen["query"])
	assert.Equal(t, 4, seen["max_results"])
}

func TestBraveWebQueryReachesBothSidesInCombined(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceCombined)

	var tavilySeen, braveSeen map[string]any
	e.tavilyAPI.search = func(_ string, args map[string]any) (*tavily.SearchResponse, error) {
		tavilySeen = args
		return &tavily.SearchResponse{Raw: json.RawMessage(`{"results":[]}`)}, nil
	}
	e.braveAPI.web = func(_ string, args map[string]any) (*brave.WebSearchResponse, error) {
		braveSeen = args
		return &brave.WebSearchResponse{Raw: json.RawMessage(`{"web":{"results":[]}}`)}, nil
	}

	_, err := e.dispatcher.Dispatch(context.Background(), ToolBraveWeb, map[string]any{"query": "coffee"})
	require.NoError(t, err)
	assert.Equal(t, "coffee", tavilySeen["query"])
	assert.Equal(t, "coffee", braveSeen["q"])
}

func TestBraveWebQuerySurvivesTavilyFallback(t *testing.T) {
	t.Parallel()
	e := newEnv(t, store.SourceBravePreferFallback)

	e.braveAPI.web = func(string, map[string]any) (*brave.WebSearchResponse, error) {
		return nil, &upstream.Error{Provider: "brave", Kind: upstream.KindRateLimited, StatusCode: 429}
	}
	var seen map[string]any
	e.tavilyAPI.search = func(_ string, args map[string]any) (*tavily.SearchResponse, error) {
		seen = args
		return &tavily.SearchResponse{Raw: json.RawMessage(`{"results":[]}`)}, nil
	}

	_, err := e.dispatcher.Dispatch(context.Background(), ToolBraveWeb, map[string]any{"query": "coffee"})
	require.NoError(t, err)
	assert.Equal(t, "coffee", seen["query"])
}

func TestInterleaveMergeSkipsEmptyURLs(t *testing.T) {
	t.Parallel()

	merged := interleaveMerge(
		[]mergeItem{{Title: "no url"}, {Title: "a", URL: "u1"}},
		[]mergeItem{{Title: "b", URL: "u1"}},
		0,
	)
	require.Len(t, merged, 1)
	assert.Equal(t, "a", merged[0].Title)
}
