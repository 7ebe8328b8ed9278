package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ykq007/mcp-tavily-bridge/pkg/crypto"
	"github.com/ykq007/mcp-tavily-bridge/pkg/dispatch"
	"github.com/ykq007/mcp-tavily-bridge/pkg/errors"
	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

// maxProbeBody bounds how much of a request body the middleware will buffer
// to sniff the JSON-RPC method.
const maxProbeBody = 4 << 20

type tokenContextKey struct{}

// tokenFromContext returns the authenticated client token, or nil.
func tokenFromContext(ctx context.Context) *store.ClientToken {
	tok, _ := ctx.Value(tokenContextKey{}).(*store.ClientToken)
	return tok
}

// withToken stores the authenticated client token on the context.
func withToken(ctx context.Context, tok *store.ClientToken) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, tok)
}

// clientAuthMiddleware authenticates the bearer token, applies the global and
// per-token fixed-window limits, and runs the credit preflight for tools/call
// requests. It wraps the streamable MCP handler.
func (s *Server) clientAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := s.authenticate(r)
		if err != nil {
			logger.Debugf("Client auth failed: %v", err)
			writeUnauthorized(w)
			return
		}

		if res := s.globalLimiter.Check("global"); !res.OK {
			s.metrics.RecordRateLimited("global")
			writeRateLimited(w, rateLimitedBody, res.RetryAfter)
			return
		}
		limit := token.RateLimit
		if limit <= 0 {
			limit = s.cfg.RateLimitPerMinute
		}
		if res := s.tokenLimiter.CheckWithLimit(token.ID, limit); !res.OK {
			s.metrics.RecordRateLimited("token")
			writeRateLimited(w, rateLimitedBody, res.RetryAfter)
			return
		}

		if !s.bindSession(r, token) {
			writeUnauthorized(w)
			return
		}

		toolName, isToolsCall, err := probeToolsCall(r)
		if err != nil {
			http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
			return
		}
		if isToolsCall && s.needsPreflight(r.Context(), toolName) {
			if err := s.pool.Preflight(r.Context()); err != nil {
				if errors.IsPreflightExhausted(err) {
					s.metrics.RecordRateLimited("preflight")
					writeRateLimited(w, noCreditsBody, time.Duration(errors.RetryAfterMs(err))*time.Millisecond)
					return
				}
				// Anything else is surfaced by the dispatcher with full
				// context; do not fail the request here.
				logger.Debugf("Preflight check inconclusive: %v", err)
			}
		}

		next.ServeHTTP(w, r.WithContext(withToken(r.Context(), token)))
	})
}

// authenticate resolves and verifies the client credential on a request.
// The bearer token has the form `<prefix>.<secret>`; only the secret's
// SHA-256 is stored, and the comparison is constant-time.
func (s *Server) authenticate(r *http.Request) (*store.ClientToken, error) {
	raw := bearerToken(r)
	if raw == "" && s.cfg.EnableQueryAuth {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return nil, errors.NewAuthMissingError("no bearer token supplied")
	}

	prefix, secret, ok := strings.Cut(raw, ".")
	if !ok || prefix == "" || secret == "" {
		return nil, errors.NewAuthInvalidError("malformed token")
	}

	token, err := s.st.GetTokenByPrefix(r.Context(), prefix)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewAuthInvalidError("unknown token prefix")
		}
		return nil, err
	}

	if !crypto.ConstantTimeEquals(crypto.SHA256Hex([]byte(secret)), token.SecretHash) {
		return nil, errors.NewAuthInvalidError("secret mismatch")
	}
	if !token.Valid(time.Now()) {
		return nil, errors.NewAuthInvalidError("token revoked or expired")
	}
	return &token, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if len(header) > len(scheme) && strings.EqualFold(header[:len(scheme)], scheme) {
		return header[len(scheme):]
	}
	return ""
}

// bindSession pins the first authenticated token to the MCP session and
// rejects requests presenting the same session under a different token.
func (s *Server) bindSession(r *http.Request, token *store.ClientToken) bool {
	sid := r.Header.Get("Mcp-Session-Id")
	if sid == "" {
		return true
	}
	sess, ok := s.sessions.Get(sid)
	if !ok {
		// Unknown IDs are the SDK session manager's concern.
		return true
	}
	if bound := sess.TokenID(); bound != "" {
		if bound != token.ID {
			logger.Warnw("Session token mismatch", "sessionId", sid, "boundToken", bound, "presentedToken", token.ID)
			return false
		}
		return true
	}
	sess.BindToken(token.ID)
	return true
}

type rpcProbe struct {
	Method string `json:"method"`
	Params struct {
		Name string `json:"name"`
	} `json:"params"`
}

// probeToolsCall inspects the JSON-RPC body for a tools/call method without
// consuming it, restoring the body for the downstream handler. Returns the
// target tool name when found.
func probeToolsCall(r *http.Request) (toolName string, isToolsCall bool, err error) {
	if r.Method != http.MethodPost || r.Body == nil {
		return "", false, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProbeBody+1))
	if err != nil {
		return "", false, err
	}
	if len(body) > maxProbeBody {
		return "", false, fmt.Errorf("request body exceeds %d bytes", maxProbeBody)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return "", false, nil
	}
	if trimmed[0] == '[' {
		var batch []rpcProbe
		if json.Unmarshal(trimmed, &batch) != nil {
			return "", false, nil
		}
		for _, probe := range batch {
			if probe.Method == "tools/call" {
				return probe.Params.Name, true, nil
			}
		}
		return "", false, nil
	}

	var probe rpcProbe
	if json.Unmarshal(trimmed, &probe) != nil {
		return "", false, nil
	}
	if probe.Method != "tools/call" {
		return "", false, nil
	}
	return probe.Params.Name, true, nil
}

// needsPreflight reports whether a tool call can reach the Tavily pool under
// the current source mode, and so whether exhausted credits should reject it
// before dispatch.
func (s *Server) needsPreflight(ctx context.Context, toolName string) bool {
	switch toolName {
	case dispatch.ToolTavilyExtract, dispatch.ToolTavilyCrawl, dispatch.ToolTavilyMap, dispatch.ToolTavilyResearch:
		return true
	case dispatch.ToolTavilySearch, dispatch.ToolBraveWeb, dispatch.ToolBraveLocal:
	default:
		return false
	}

	switch s.settings.SourceMode(ctx) {
	case store.SourceBraveOnly:
		return false
	case store.SourceCombined:
		// Local search never fans out to Tavily.
		return toolName != dispatch.ToolBraveLocal
	default:
		return true
	}
}

// writeUnauthorized emits the 401 shape streamable HTTP clients recognise:
// a JSON-RPC error whose message carries the session sentinel, prompting
// them to re-initialise.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error": map[string]any{
			"code":    -32000,
			"message": "Invalid or missing session ID",
		},
	})
}

// 429 body messages. Local window exhaustion and key pool credit
// exhaustion are distinct conditions and clients tell them apart by the
// error string.
const (
	rateLimitedBody = "Rate limit exceeded"
	noCreditsBody   = "No keys with credits"
)

// writeRateLimited emits a 429 with a whole-second Retry-After header and a
// machine-readable body.
func writeRateLimited(w http.ResponseWriter, message string, retryAfter time.Duration) {
	seconds := int64(retryAfter / time.Second)
	if retryAfter%time.Second != 0 {
		seconds++
	}
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":        message,
		"retryAfterMs": retryAfter.Milliseconds(),
	})
}
