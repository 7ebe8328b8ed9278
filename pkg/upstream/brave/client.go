// Package brave is a thin HTTP client for the Brave Search API.
package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream"
)

const (
	// DefaultBaseURL is the public Brave Search API endpoint.
	DefaultBaseURL = "https://api.search.brave.com/res/v1"

	providerName = "brave"

	defaultTimeout = 15 * time.Second
)

// Client calls the Brave Search HTTP API. The per-request key comes from
// the pool at call time.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Brave client. An empty baseURL selects the public API, a
// non-positive timeout selects the default.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WebResult is one hit from web search.
type WebResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// WebSearchResponse is the parsed web search response. Raw preserves the
// full upstream body.
type WebSearchResponse struct {
	Results []WebResult
	Raw     json.RawMessage
}

// webEnvelope is the subset of the upstream body the bridge reads.
type webEnvelope struct {
	Web struct {
		Results []WebResult `json:"results"`
	} `json:"web"`
	Locations struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	} `json:"locations"`
}

// WebSearch performs a web search. Arguments become query parameters and
// pass through unmodified.
func (c *Client) WebSearch(ctx context.Context, apiKey string, args map[string]any) (*WebSearchResponse, error) {
	body, err := c.get(ctx, apiKey, "/web/search", queryValues(args))
	if err != nil {
		return nil, err
	}

	var envelope webEnvelope
	if err := upstream.DecodeJSON(providerName, body, &envelope); err != nil {
		return nil, err
	}
	return &WebSearchResponse{Results: envelope.Web.Results, Raw: body}, nil
}

// LocalResult is one point of interest from local search.
type LocalResult struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Website     string   `json:"website,omitempty"`
	Address     string   `json:"address,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Rating      *float64 `json:"rating,omitempty"`
	Description string   `json:"description,omitempty"`
}

// LocalSearchResponse carries local points of interest, or the plain web
// results when the query matched no locations.
type LocalSearchResponse struct {
	Results     []LocalResult
	WebFallback []WebResult
	Raw         json.RawMessage
}

// LocalSearch runs a location-filtered web search, then enriches the
// matched points of interest with details and descriptions. Queries with no
// location matches fall back to plain web results.
func (c *Client) LocalSearch(ctx context.Context, apiKey string, args map[string]any) (*LocalSearchResponse, error) {
	params := queryValues(args)
	params.Set("result_filter", "locations,web")

	body, err := c.get(ctx, apiKey, "/web/search", params)
	if err != nil {
		return nil, err
	}

	var envelope webEnvelope
	if err := upstream.DecodeJSON(providerName, body, &envelope); err != nil {
		return nil, err
	}

	if len(envelope.Locations.Results) == 0 {
		return &LocalSearchResponse{WebFallback: envelope.Web.Results, Raw: body}, nil
	}

	ids := make([]string, 0, len(envelope.Locations.Results))
	for _, loc := range envelope.Locations.Results {
		ids = append(ids, loc.ID)
	}

	pois, err := c.localPOIs(ctx, apiKey, ids)
	if err != nil {
		return nil, err
	}
	descriptions, err := c.localDescriptions(ctx, apiKey, ids)
	if err != nil {
		return nil, err
	}
	for i := range pois {
		if desc, ok := descriptions[pois[i].ID]; ok {
			pois[i].Description = desc
		}
	}

	return &LocalSearchResponse{Results: pois, Raw: body}, nil
}

func (c *Client) localPOIs(ctx context.Context, apiKey string, ids []string) ([]LocalResult, error) {
	params := url.Values{}
	for _, id := range ids {
		params.Add("ids", id)
	}
	body, err := c.get(ctx, apiKey, "/local/pois", params)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Results []LocalResult `json:"results"`
	}
	if err := upstream.DecodeJSON(providerName, body, &envelope); err != nil {
		return nil, err
	}
	return envelope.Results, nil
}

func (c *Client) localDescriptions(ctx context.Context, apiKey string, ids []string) (map[string]string, error) {
	params := url.Values{}
	for _, id := range ids {
		params.Add("ids", id)
	}
	body, err := c.get(ctx, apiKey, "/local/descriptions", params)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Descriptions map[string]string `json:"descriptions"`
	}
	if err := upstream.DecodeJSON(providerName, body, &envelope); err != nil {
		return nil, err
	}
	return envelope.Descriptions, nil
}

func (c *Client) get(ctx context.Context, apiKey, path string, params url.Values) (json.RawMessage, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading brave response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstream.ClassifyStatus(providerName, resp.StatusCode, body)
	}
	return body, nil
}

// queryValues flattens tool arguments into query parameters. Slices become
// comma-separated values the way the Brave API expects.
func queryValues(args map[string]any) url.Values {
	params := url.Values{}
	for key, value := range args {
		switch v := value.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			params.Set(key, strings.Join(parts, ","))
		case float64:
			// JSON numbers decode as float64; render integers without
			// a fractional part.
			if v == float64(int64(v)) {
				params.Set(key, fmt.Sprintf("%d", int64(v)))
			} else {
				params.Set(key, fmt.Sprint(v))
			}
		default:
			params.Set(key, fmt.Sprint(v))
		}
	}
	return params
}
