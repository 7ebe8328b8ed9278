package brave

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream"
)

func TestWebSearch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/web/search", r.URL.Path)
		assert.Equal(t, "BSA-secret", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "coffee", r.URL.Query().Get("q"))
		assert.Equal(t, "5", r.URL.Query().Get("count"))

		_, _ = w.Write([]byte(`{
			"web": {"results": [
				{"title": "Coffee", "url": "https://example.com/coffee", "description": "beans"}
			]}
		}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	resp, err := client.WebSearch(context.Background(), "BSA-secret", map[string]any{
		"q":     "coffee",
		"count": float64(5),
	})
	require.NoError(t, err)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "https://example.com/coffee", resp.Results[0].URL)
}

func TestWebSearchErrorClassification(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message": "quota exceeded"}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	_, err := client.WebSearch(context.Background(), "k", map[string]any{"q": "x"})
	assert.Equal(t, upstream.KindRateLimited, upstream.KindOf(err))
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestLocalSearchEnrichesPOIs(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/web/search":
			assert.Contains(t, r.URL.Query().Get("result_filter"), "locations")
			_, _ = w.Write([]byte(`{
				"locations": {"results": [{"id": "poi-1"}, {"id": "poi-2"}]},
				"web": {"results": []}
			}`))
		case "/local/pois":
			assert.Equal(t, []string{"poi-1", "poi-2"}, r.URL.Query()["ids"])
			_, _ = w.Write([]byte(`{"results": [
				{"id": "poi-1", "name": "Blue Bottle", "website": "https://bluebottle.example"},
				{"id": "poi-2", "name": "Ritual"}
			]}`))
		case "/local/descriptions":
			_, _ = w.Write([]byte(`{"descriptions": {"poi-1": "third wave coffee"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	resp, err := client.LocalSearch(context.Background(), "k", map[string]any{"q": "coffee near sf"})
	require.NoError(t, err)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, "third wave coffee", resp.Results[0].Description)
	assert.Empty(t, resp.Results[1].Description)
	assert.Empty(t, resp.WebFallback)
}

func TestLocalSearchFallsBackToWeb(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/web/search", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"web": {"results": [{"title": "W", "url": "https://w.example", "description": "d"}]}
		}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	resp, err := client.LocalSearch(context.Background(), "k", map[string]any{"q": "abstract concept"})
	require.NoError(t, err)

	assert.Empty(t, resp.Results)
	require.Len(t, resp.WebFallback, 1)
	assert.Equal(t, "https://w.example", resp.WebFallback[0].URL)
}

func TestQueryValues(t *testing.T) {
	t.Parallel()

	params := queryValues(map[string]any{
		"q":      "espresso",
		"count":  float64(10),
		"offset": float64(0),
		"langs":  []any{"en", "de"},
		"safe":   true,
		"skip":   nil,
	})

	assert.Equal(t, "espresso", params.Get("q"))
	assert.Equal(t, "10", params.Get("count"))
	assert.Equal(t, "0", params.Get("offset"))
	assert.Equal(t, "en,de", params.Get("langs"))
	assert.Equal(t, "true", params.Get("safe"))
	assert.False(t, params.Has("skip"))
}
