package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ykq007/mcp-tavily-bridge/pkg/crypto"
	"github.com/ykq007/mcp-tavily-bridge/pkg/dispatch"
	"github.com/ykq007/mcp-tavily-bridge/pkg/errors"
	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/settings"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
	"github.com/ykq007/mcp-tavily-bridge/pkg/telemetry"
)

// queryPreviewLimit bounds the plaintext query fragment kept in usage rows.
const queryPreviewLimit = 80

// toolDispatcher is the dispatch surface the handler needs.
type toolDispatcher interface {
	Dispatch(ctx context.Context, tool string, args map[string]any) (*dispatch.Result, error)
}

// toolHandler serves MCP tool calls: it enforces the token's allowed-tools
// set, routes through the dispatcher, and appends per-provider usage rows.
type toolHandler struct {
	dispatcher toolDispatcher
	usage      store.UsageStore
	vault      *crypto.Vault
	settings   *settings.Cache
	metrics    *telemetry.Metrics
}

// handle builds the MCP handler for one tool.
func (h *toolHandler) handle(toolName string) func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()

		token := tokenFromContext(ctx)
		if token == nil {
			return mcp.NewToolResultError("unauthenticated"), nil
		}

		if !token.AllowsTool(toolName) {
			h.recordCall(toolName, "denied", start)
			return mcp.NewToolResultError(fmt.Sprintf(
				"tool %q is not allowed for this token; allowed tools: %s",
				toolName, strings.Join(token.AllowedTools, ", "))), nil
		}

		var args map[string]any
		if err := request.BindArguments(&args); err != nil {
			h.recordCall(toolName, "error", start)
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args == nil {
			args = map[string]any{}
		}

		// The filter hides the tool from tools/list but direct calls still
		// arrive; reject them the same way.
		if toolName == dispatch.ToolTavilyResearch && !h.settings.ResearchEnabled(ctx) {
			h.recordCall(toolName, "denied", start)
			return mcp.NewToolResultError("tavily_research is disabled on this server"), nil
		}

		result, err := h.dispatcher.Dispatch(ctx, toolName, args)
		h.writeUsage(ctx, token, toolName, args, result)

		if err != nil {
			h.recordCall(toolName, "error", start)
			logger.Warnw("Tool call failed", "tool", toolName, "token", token.Prefix, "error", err.Error())
			return mcp.NewToolResultError(userMessage(err)), nil
		}

		h.recordCall(toolName, "success", start)
		return mcp.NewToolResultText(string(result.Payload)), nil
	}
}

func (h *toolHandler) recordCall(toolName, outcome string, start time.Time) {
	if h.metrics != nil {
		h.metrics.RecordToolCall(toolName, outcome, time.Since(start))
	}
}

// writeUsage appends one usage row per provider touched by the call. Retried
// attempts on the same provider collapse into the final one so the log
// reflects what actually served (or definitively failed) the request.
func (h *toolHandler) writeUsage(ctx context.Context, token *store.ClientToken, toolName string,
	args map[string]any, result *dispatch.Result) {
	if result == nil || len(result.Attempts) == 0 {
		return
	}

	final := make(map[store.Provider]dispatch.Attempt, 2)
	order := make([]store.Provider, 0, 2)
	for _, attempt := range result.Attempts {
		if _, seen := final[attempt.Provider]; !seen {
			order = append(order, attempt.Provider)
		}
		final[attempt.Provider] = attempt
	}

	query := queryArg(args)
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}

	for _, provider := range order {
		attempt := final[provider]
		latencyMs := attempt.Latency.Milliseconds()
		rec := store.UsageRecord{
			ID:                uuid.NewString(),
			Provider:          provider,
			Timestamp:         time.Now().UTC(),
			ToolName:          toolName,
			Outcome:           attempt.Outcome,
			LatencyMs:         &latencyMs,
			ClientTokenID:     token.ID,
			ClientTokenPrefix: token.Prefix,
			UpstreamKeyID:     attempt.KeyID,
			ArgsJSON:          string(argsJSON),
		}
		if query != "" {
			rec.QueryHash = h.vault.QueryHash(query)
			rec.QueryPreview = previewQuery(query)
		}
		if attempt.Err != nil {
			rec.ErrorMessage = attempt.Err.Error()
		}
		if err := h.usage.InsertUsage(ctx, rec); err != nil {
			logger.Warnf("Failed to append usage row for %s: %v", provider, err)
		}
	}
}

// queryArg extracts the search query from tool arguments, covering both the
// Tavily and Brave parameter names.
func queryArg(args map[string]any) string {
	for _, key := range []string{"query", "q", "input"} {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// previewQuery produces the short plaintext fragment stored alongside the
// query hash: control characters stripped, whitespace collapsed, truncated.
func previewQuery(query string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, query)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	runes := []rune(cleaned)
	if len(runes) <= queryPreviewLimit {
		return cleaned
	}
	return string(runes[:queryPreviewLimit]) + "…"
}

// userMessage renders a dispatch error for the MCP client. Typed errors keep
// their kind prefix; throttling errors carry the retry hint.
func userMessage(err error) string {
	msg := err.Error()
	if retryAfter := errors.RetryAfterMs(err); retryAfter > 0 && !strings.Contains(msg, "retry") {
		msg = fmt.Sprintf("%s (retry after %dms)", msg, retryAfter)
	}
	return msg
}
