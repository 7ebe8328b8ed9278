package tavily

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream"
)

func TestSearch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer tvly-secret", r.Header.Get("Authorization"))

		var args map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&args))
		assert.Equal(t, "golang generics", args["query"])

		_, _ = w.Write([]byte(`{
			"query": "golang generics",
			"answer": "Type parameters.",
			"results": [{"title": "Go blog", "url": "https://go.dev/blog", "content": "intro", "score": 0.9}]
		}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	resp, err := client.Search(context.Background(), "tvly-secret", map[string]any{"query": "golang generics"})
	require.NoError(t, err)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "https://go.dev/blog", resp.Results[0].URL)
	assert.Equal(t, "Type parameters.", resp.Answer)
	assert.NotEmpty(t, resp.Raw)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		wantKind upstream.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, `{"detail":{"error":"limit"}}`, upstream.KindRateLimited},
		{"unauthorized", http.StatusUnauthorized, `{}`, upstream.KindAuthFailed},
		{"invalid key as 400", http.StatusBadRequest, `{"detail":{"error":"Invalid API key"}}`, upstream.KindAuthFailed},
		{"server error", http.StatusBadGateway, ``, upstream.KindProviderError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client := New(server.URL, time.Second)
			_, err := client.Search(context.Background(), "k", map[string]any{"query": "x"})
			assert.Equal(t, tc.wantKind, upstream.KindOf(err))
		})
	}
}

func TestSearchInvalidResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	_, err := client.Search(context.Background(), "k", map[string]any{"query": "x"})
	assert.Equal(t, upstream.KindInvalidResponse, upstream.KindOf(err))
}

func TestResearchPollsToCompletion(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/research":
			_, _ = w.Write([]byte(`{"request_id": "job-1", "status": "pending"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/research/job-1":
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{"request_id": "job-1", "status": "running"}`))
				return
			}
			_, _ = w.Write([]byte(`{"request_id": "job-1", "status": "completed", "report": "findings"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	result, err := client.Research(context.Background(), "k", map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.Contains(t, string(result), "findings")
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestResearchFailedJobIsPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"request_id": "job-2", "status": "pending"}`))
			return
		}
		_, _ = w.Write([]byte(`{"request_id": "job-2", "status": "failed"}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	_, err := client.Research(context.Background(), "k", map[string]any{"query": "x"})
	assert.Equal(t, upstream.KindProviderError, upstream.KindOf(err))
}

func TestUsage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/usage", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"key": {"usage": 120, "limit": 1000},
			"account": {"plan_usage": 300, "plan_limit": 4000}
		}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	usage, err := client.Usage(context.Background(), "k")
	require.NoError(t, err)

	require.NotNil(t, usage.Key.Usage)
	assert.EqualValues(t, 120, *usage.Key.Usage)
	require.NotNil(t, usage.Account.PlanLimit)
	assert.EqualValues(t, 4000, *usage.Account.PlanLimit)
	assert.Nil(t, usage.Account.PayGoLimit)
}
