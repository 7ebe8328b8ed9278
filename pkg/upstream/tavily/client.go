// Package tavily is a thin HTTP client for the Tavily search API.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream"
)

const (
	// DefaultBaseURL is the public Tavily API endpoint.
	DefaultBaseURL = "https://api.tavily.com"

	providerName = "tavily"

	defaultTimeout = 60 * time.Second

	// Research jobs are asynchronous; polling backs off from 2s by 1.5x
	// up to 10s, bounded overall by the model's ceiling.
	researchPollInitial = 2 * time.Second
	researchPollCap     = 10 * time.Second
	researchCeilingMini = 5 * time.Minute
	researchCeilingPro  = 15 * time.Minute
)

// Client calls the Tavily HTTP API. It holds no credentials; the per-request
// key comes from the pool at call time.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Tavily client. An empty baseURL selects the public API, a
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

// SearchResult is one hit from /search.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// SearchResponse is the parsed /search response. Raw preserves the full
// upstream body so the tool surface stays schema-transparent.
type SearchResponse struct {
	Query   string         `json:"query"`
	Answer  string         `json:"answer,omitempty"`
	Results []SearchResult `json:"results"`
	Raw     json.RawMessage `json:"-"`
}

// Search performs a web search. Arguments pass through unmodified.
func (c *Client) Search(ctx context.Context, apiKey string, args map[string]any) (*SearchResponse, error) {
	body, err := c.post(ctx, apiKey, "/search", args)
	if err != nil {
		return nil, err
	}

	var resp SearchResponse
	if err := upstream.DecodeJSON(providerName, body, &resp); err != nil {
		return nil, err
	}
	resp.Raw = body
	return &resp, nil
}

// Extract fetches page contents for a set of URLs.
func (c *Client) Extract(ctx context.Context, apiKey string, args map[string]any) (json.RawMessage, error) {
	return c.post(ctx, apiKey, "/extract", args)
}

// Crawl walks a site from a root URL.
func (c *Client) Crawl(ctx context.Context, apiKey string, args map[string]any) (json.RawMessage, error) {
	return c.post(ctx, apiKey, "/crawl", args)
}

// Map returns the link graph of a site.
func (c *Client) Map(ctx context.Context, apiKey string, args map[string]any) (json.RawMessage, error) {
	return c.post(ctx, apiKey, "/map", args)
}

// researchStatus is the envelope both the submit and poll endpoints share.
type researchStatus struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Research submits an asynchronous research job and polls it to completion.
// The overall wait is bounded by the requested model's ceiling.
func (c *Client) Research(ctx context.Context, apiKey string, args map[string]any) (json.RawMessage, error) {
	submitBody, err := c.post(ctx, apiKey, "/research", args)
	if err != nil {
		return nil, err
	}

	var submitted researchStatus
	if err := upstream.DecodeJSON(providerName, submitBody, &submitted); err != nil {
		return nil, err
	}
	if submitted.RequestID == "" {
		return nil, &upstream.Error{
			Provider: providerName,
			Kind:     upstream.KindInvalidResponse,
			Message:  "research submission returned no request_id",
		}
	}

	pollCtx, cancel := context.WithTimeout(ctx, researchCeiling(args))
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = researchPollInitial
	expBackoff.Multiplier = 1.5
	expBackoff.MaxInterval = researchPollCap

	operation := func() (json.RawMessage, error) {
		body, pollErr := c.get(pollCtx, apiKey, "/research/"+url.PathEscape(submitted.RequestID), nil)
		if pollErr != nil {
			return nil, backoff.Permanent(pollErr)
		}

		var status researchStatus
		if decodeErr := upstream.DecodeJSON(providerName, body, &status); decodeErr != nil {
			return nil, backoff.Permanent(decodeErr)
		}

		switch status.Status {
		case "completed":
			return body, nil
		case "failed":
			return nil, backoff.Permanent(&upstream.Error{
				Provider: providerName,
				Kind:     upstream.KindProviderError,
				Message:  fmt.Sprintf("research job %s failed", submitted.RequestID),
			})
		default:
			return nil, fmt.Errorf("research job %s still %s", submitted.RequestID, status.Status)
		}
	}

	return backoff.Retry(pollCtx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithNotify(func(_ error, next time.Duration) {
			logger.Debugf("Research job %s pending, next poll in %v", submitted.RequestID, next)
		}),
	)
}

// UsageResponse mirrors the /usage endpoint: per-key and per-account
// counters. Missing fields mean the plan is unlimited on that axis.
type UsageResponse struct {
	Key struct {
		Usage *int64 `json:"usage"`
		Limit *int64 `json:"limit"`
	} `json:"key"`
	Account struct {
		PlanUsage   *int64 `json:"plan_usage"`
		PlanLimit   *int64 `json:"plan_limit"`
		PayGoUsage  *int64 `json:"paygo_usage"`
		PayGoLimit  *int64 `json:"paygo_limit"`
	} `json:"account"`
}

// Usage fetches the current credit counters for the given key.
func (c *Client) Usage(ctx context.Context, apiKey string) (*UsageResponse, error) {
	body, err := c.get(ctx, apiKey, "/usage", nil)
	if err != nil {
		return nil, err
	}
	var resp UsageResponse
	if err := upstream.DecodeJSON(providerName, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func researchCeiling(args map[string]any) time.Duration {
	if model, ok := args["model"].(string); ok && model == "pro" {
		return researchCeilingPro
	}
	return researchCeilingMini
}

func (c *Client) post(ctx context.Context, apiKey, path string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, apiKey)
}

func (c *Client) get(ctx context.Context, apiKey, path string, query url.Values) (json.RawMessage, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", path, err)
	}
	return c.do(req, apiKey)
}

func (c *Client) do(req *http.Request, apiKey string) (json.RawMessage, error) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading tavily response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstream.ClassifyStatus(providerName, resp.StatusCode, body)
	}
	return body, nil
}
