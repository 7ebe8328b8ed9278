// Package dispatch routes tool calls to the upstream providers according to
// the configured source mode, including the parallel combined mode with its
// interleaved dedup merge.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ykq007/mcp-tavily-bridge/pkg/config"
	"github.com/ykq007/mcp-tavily-bridge/pkg/errors"
	"github.com/ykq007/mcp-tavily-bridge/pkg/keypool"
	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/rategate"
	"github.com/ykq007/mcp-tavily-bridge/pkg/settings"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
	"github.com/ykq007/mcp-tavily-bridge/pkg/telemetry"
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream"
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream/brave"
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream/tavily"
)

// Tool names exposed on the MCP surface.
const (
	ToolTavilySearch   = "tavily_search"
	ToolTavilyExtract  = "tavily_extract"
	ToolTavilyCrawl    = "tavily_crawl"
	ToolTavilyMap      = "tavily_map"
	ToolTavilyResearch = "tavily_research"
	ToolBraveWeb       = "brave_web_search"
	ToolBraveLocal     = "brave_local_search"
)

// defaultResultCount caps merged result lists when the caller names no count.
const defaultResultCount = 10

// TavilyAPI is the Tavily client surface the dispatcher needs.
type TavilyAPI interface {
	Search(ctx context.Context, apiKey string, args map[string]any) (*tavily.SearchResponse, error)
	Extract(ctx context.Context, apiKey string, args map[string]any) (json.RawMessage, error)
	Crawl(ctx context.Context, apiKey string, args map[string]any) (json.RawMessage, error)
	Map(ctx context.Context, apiKey string, args map[string]any) (json.RawMessage, error)
	Research(ctx context.Context, apiKey string, args map[string]any) (json.RawMessage, error)
}

// BraveAPI is the Brave client surface the dispatcher needs.
type BraveAPI interface {
	WebSearch(ctx context.Context, apiKey string, args map[string]any) (*brave.WebSearchResponse, error)
	LocalSearch(ctx context.Context, apiKey string, args map[string]any) (*brave.LocalSearchResponse, error)
}

// KeySource is the key pool surface the dispatcher needs.
type KeySource interface {
	SelectTavily(ctx context.Context) (keypool.KeyHandle, error)
	SelectBrave(ctx context.Context) (keypool.KeyHandle, error)
	RecordTavilyOutcome(ctx context.Context, keyID string, callErr error)
	RecordBraveOutcome(ctx context.Context, keyID string, callErr error)
}

// Config carries the dispatcher's tunables.
type Config struct {
	// MaxRetries bounds additional key attempts after a recoverable
	// upstream failure.
	MaxRetries int
	// BraveMaxQueue bounds the wait behind the Brave rate gate.
	BraveMaxQueue time.Duration
	// BraveOverflow picks the behavior when the gate wait expires.
	BraveOverflow string
}

// Attempt records one upstream call made while serving a tool call; the
// orchestrator turns these into usage rows.
type Attempt struct {
	Provider store.Provider
	KeyID    string
	Outcome  store.UsageOutcome
	Latency  time.Duration
	Err      error
}

// Result is a dispatched tool call's payload plus the upstream attempts
// that produced it. Attempts are present even when the call failed.
type Result struct {
	Payload  json.RawMessage
	Attempts []Attempt
}

// Dispatcher routes tool calls per source mode.
type Dispatcher struct {
	pool     KeySource
	tavily   TavilyAPI
	brave    BraveAPI
	gate     *rategate.Gate
	settings *settings.Cache
	metrics  *telemetry.Metrics
	cfg      Config
}

// New creates a dispatcher. metrics may be nil.
func New(pool KeySource, tavilyAPI TavilyAPI, braveAPI BraveAPI, gate *rategate.Gate,
	st *settings.Cache, metrics *telemetry.Metrics, cfg Config) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		tavily:   tavilyAPI,
		brave:    braveAPI,
		gate:     gate,
		settings: st,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// Dispatch serves one tool call. The returned Result carries per-provider
// attempts regardless of outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, tool string, args map[string]any) (*Result, error) {
	res := &Result{}

	switch tool {
	case ToolTavilyExtract, ToolTavilyCrawl, ToolTavilyMap, ToolTavilyResearch:
		payload, err := d.callTavily(ctx, res, func(ctx context.Context, secret string) (json.RawMessage, error) {
			return d.invokePassthrough(ctx, tool, secret, args)
		})
		if err != nil {
			return res, err
		}
		res.Payload = payload
		return res, nil

	case ToolTavilySearch, ToolBraveWeb, ToolBraveLocal:
		return d.dispatchSearch(ctx, tool, args, res)

	default:
		return res, errors.NewNotFoundError(fmt.Sprintf("unknown tool %q", tool))
	}
}

func (d *Dispatcher) invokePassthrough(ctx context.Context, tool, secret string, args map[string]any) (json.RawMessage, error) {
	switch tool {
	case ToolTavilyExtract:
		return d.tavily.Extract(ctx, secret, args)
	case ToolTavilyCrawl:
		return d.tavily.Crawl(ctx, secret, args)
	case ToolTavilyMap:
		return d.tavily.Map(ctx, secret, args)
	default:
		return d.tavily.Research(ctx, secret, args)
	}
}

// dispatchSearch applies the source mode to the three search-shaped tools.
func (d *Dispatcher) dispatchSearch(ctx context.Context, tool string, args map[string]any, res *Result) (*Result, error) {
	mode := d.settings.SourceMode(ctx)

	switch mode {
	case store.SourceTavilyOnly:
		return d.searchTavilyOnly(ctx, tool, args, res)
	case store.SourceBraveOnly:
		return d.searchBraveOnly(ctx, tool, args, res)
	case store.SourceCombined:
		if tool == ToolBraveLocal {
			// Local search has no Tavily counterpart; serve it directly.
			return d.searchBraveOnly(ctx, tool, args, res)
		}
		return d.searchCombined(ctx, tool, args, res)
	default:
		// brave_prefer_tavily_fallback, also the safety net for an
		// unrecognized stored mode.
		return d.searchBravePreferred(ctx, tool, args, res)
	}
}

// searchTavilyOnly serves all three search tools from Tavily, reshaping the
// response for the Brave-named tools.
func (d *Dispatcher) searchTavilyOnly(ctx context.Context, tool string, args map[string]any, res *Result) (*Result, error) {
	resp, err := d.tavilySearch(ctx, res, toTavilyArgs(tool, args))
	if err != nil {
		return res, err
	}

	if tool == ToolTavilySearch {
		res.Payload = resp.Raw
		return res, nil
	}
	payload, err := json.Marshal(braveShapeFromTavily(tool, resp))
	if err != nil {
		return res, fmt.Errorf("encoding reshaped results: %w", err)
	}
	res.Payload = payload
	return res, nil
}

// searchBraveOnly serves all three search tools from Brave; no fallback.
func (d *Dispatcher) searchBraveOnly(ctx context.Context, tool string, args map[string]any, res *Result) (*Result, error) {
	payload, err := d.callBrave(ctx, res, tool, toBraveArgs(tool, args))
	if err != nil {
		if errors.IsNoActiveKeys(err) {
			return res, errors.NewSourceUnavailableError("no active brave key for brave_only mode")
		}
		return res, err
	}
	res.Payload = payload
	return res, nil
}

// searchCombined fans out to both providers in parallel and interleaves the
// merged results. Offset pagination is Brave-only, so a non-zero offset
// skips the fanout.
func (d *Dispatcher) searchCombined(ctx context.Context, tool string, args map[string]any, res *Result) (*Result, error) {
	if intArg(args, "offset") > 0 {
		return d.searchBraveOnly(ctx, tool, args, res)
	}

	var (
		wg            sync.WaitGroup
		tavilyRes     = &Result{}
		braveRes      = &Result{}
		tavilyResp    *tavily.SearchResponse
		braveEnvelope struct {
			Web struct {
				Results []brave.WebResult `json:"results"`
			} `json:"web"`
		}
		tavilyErr error
		braveErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		tavilyResp, tavilyErr = d.tavilySearch(ctx, tavilyRes, toTavilyArgs(tool, args))
	}()
	go func() {
		defer wg.Done()
		var payload json.RawMessage
		payload, braveErr = d.callBrave(ctx, braveRes, ToolBraveWeb, toBraveArgs(tool, args))
		if braveErr == nil {
			braveErr = upstream.DecodeJSON("brave", payload, &braveEnvelope)
		}
	}()
	wg.Wait()

	res.Attempts = append(res.Attempts, tavilyRes.Attempts...)
	res.Attempts = append(res.Attempts, braveRes.Attempts...)

	if tavilyErr != nil && braveErr != nil {
		logger.Warnf("Combined search failed on both sides: tavily: %v; brave: %v", tavilyErr, braveErr)
		return res, fmt.Errorf("both sources failed")
	}

	var aSide, bSide []mergeItem
	if tavilyErr == nil {
		aSide = tavilyItems(tavilyResp)
	}
	if braveErr == nil {
		bSide = braveWebItems(braveEnvelope.Web.Results)
	}

	count := intArg(args, "count")
	if count <= 0 {
		count = intArg(args, "max_results")
	}
	merged := interleaveMerge(aSide, bSide, count)

	payload, err := json.Marshal(map[string]any{"results": merged})
	if err != nil {
		return res, fmt.Errorf("encoding merged results: %w", err)
	}
	res.Payload = payload
	return res, nil
}

// searchBravePreferred tries Brave through the rate gate, falling back to
// Tavily on gate timeout or any upstream failure.
func (d *Dispatcher) searchBravePreferred(ctx context.Context, tool string, args map[string]any, res *Result) (*Result, error) {
	payload, err := d.callBrave(ctx, res, tool, toBraveArgs(tool, args))
	if err == nil {
		res.Payload = payload
		return res, nil
	}

	if errors.IsRateGateTimeout(err) && d.cfg.BraveOverflow == config.OverflowReject {
		return res, err
	}

	logger.Infow("Brave unavailable, falling back to tavily", "tool", tool, "reason", err.Error())
	resp, tavilyErr := d.tavilySearch(ctx, res, toTavilyArgs(tool, args))
	if tavilyErr != nil {
		return res, fmt.Errorf("both sources failed")
	}

	if tool == ToolTavilySearch {
		res.Payload = resp.Raw
		return res, nil
	}
	reshaped, marshalErr := json.Marshal(braveShapeFromTavily(tool, resp))
	if marshalErr != nil {
		return res, fmt.Errorf("encoding reshaped results: %w", marshalErr)
	}
	res.Payload = reshaped
	return res, nil
}

// callTavily runs one Tavily operation with the key retry loop: a key that
// fails with auth_failed or rate_limited is recorded and the call retried on
// another key, bounded by MaxRetries.
func (d *Dispatcher) callTavily(ctx context.Context, res *Result,
	invoke func(ctx context.Context, secret string) (json.RawMessage, error)) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		handle, err := d.pool.SelectTavily(ctx)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		start := time.Now()
		payload, callErr := invoke(ctx, handle.Secret)
		latency := time.Since(start)

		d.pool.RecordTavilyOutcome(ctx, handle.ID, callErr)
		d.recordAttempt(res, store.ProviderTavily, handle.ID, latency, callErr)

		if callErr == nil {
			return payload, nil
		}
		lastErr = callErr

		switch upstream.KindOf(callErr) {
		case upstream.KindAuthFailed, upstream.KindRateLimited:
			logger.Warnf("Tavily key %s failed (%s), retrying on another key", handle.ID, upstream.KindOf(callErr))
		default:
			return nil, callErr
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) tavilySearch(ctx context.Context, res *Result, args map[string]any) (*tavily.SearchResponse, error) {
	var resp *tavily.SearchResponse
	_, err := d.callTavily(ctx, res, func(ctx context.Context, secret string) (json.RawMessage, error) {
		r, err := d.tavily.Search(ctx, secret, args)
		if err != nil {
			return nil, err
		}
		resp = r
		return r.Raw, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// callBrave runs one Brave operation behind the FIFO rate gate.
func (d *Dispatcher) callBrave(ctx context.Context, res *Result, tool string, args map[string]any) (json.RawMessage, error) {
	var payload json.RawMessage
	enqueued := time.Now()

	err := d.gate.Run(ctx, d.cfg.BraveMaxQueue, func(ctx context.Context) error {
		if d.metrics != nil {
			d.metrics.RecordGateWait(time.Since(enqueued))
		}

		handle, err := d.pool.SelectBrave(ctx)
		if err != nil {
			return err
		}

		start := time.Now()
		var callErr error
		switch tool {
		case ToolBraveLocal:
			var resp *brave.LocalSearchResponse
			resp, callErr = d.brave.LocalSearch(ctx, handle.Secret, args)
			if callErr == nil {
				payload, callErr = localPayload(resp)
			}
		default:
			var resp *brave.WebSearchResponse
			resp, callErr = d.brave.WebSearch(ctx, handle.Secret, args)
			if callErr == nil {
				payload = resp.Raw
			}
		}
		latency := time.Since(start)

		d.pool.RecordBraveOutcome(ctx, handle.ID, callErr)
		d.recordAttempt(res, store.ProviderBrave, handle.ID, latency, callErr)
		return callErr
	})

	if errors.IsRateGateTimeout(err) && d.metrics != nil {
		d.metrics.GateTimeouts.Inc()
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// localPayload normalizes a local search response: enriched POIs when the
// query matched locations, the plain web results otherwise.
func localPayload(resp *brave.LocalSearchResponse) (json.RawMessage, error) {
	if len(resp.Results) > 0 {
		return json.Marshal(map[string]any{"results": resp.Results})
	}
	return json.Marshal(map[string]any{"results": resp.WebFallback})
}

func (d *Dispatcher) recordAttempt(res *Result, provider store.Provider, keyID string, latency time.Duration, callErr error) {
	outcome := store.UsageSuccess
	if callErr != nil {
		outcome = store.UsageError
	}
	res.Attempts = append(res.Attempts, Attempt{
		Provider: provider,
		KeyID:    keyID,
		Outcome:  outcome,
		Latency:  latency,
		Err:      callErr,
	})
	if d.metrics != nil {
		d.metrics.RecordUpstream(string(provider), string(outcome), latency)
	}
}

// intArg reads an integer tool argument; JSON numbers arrive as float64.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
