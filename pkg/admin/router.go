// Package admin implements the operator-facing HTTP API: key pool and token
// management, server settings, usage reporting, and configuration transfer.
// It is mounted beside the MCP endpoint and protected by the static admin
// token.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ykq007/mcp-tavily-bridge/pkg/config"
	"github.com/ykq007/mcp-tavily-bridge/pkg/crypto"
	"github.com/ykq007/mcp-tavily-bridge/pkg/keypool"
	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/ratelimit"
	"github.com/ykq007/mcp-tavily-bridge/pkg/settings"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

const (
	middlewareTimeout = 60 * time.Second

	// revealPerMinute caps plaintext key reveals per client IP.
	revealPerMinute = 10
)

// Routes carries the dependencies shared by all admin handlers.
type Routes struct {
	cfg      *config.Config
	st       store.Store
	vault    *crypto.Vault
	pool     *keypool.Pool
	settings *settings.Cache

	revealLimiter *ratelimit.Limiter
	started       time.Time
}

// Router builds the admin API handler, rooted at /admin/api.
func Router(cfg *config.Config, st store.Store, vault *crypto.Vault, pool *keypool.Pool,
	settingsCache *settings.Cache) http.Handler {
	routes := &Routes{
		cfg:           cfg,
		st:            st,
		vault:         vault,
		pool:          pool,
		settings:      settingsCache,
		revealLimiter: ratelimit.New(revealPerMinute, time.Minute),
		started:       time.Now(),
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
		routes.authMiddleware,
		routes.auditMiddleware,
	)

	r.Route("/admin/api", func(r chi.Router) {
		r.Get("/server-info", routes.serverInfo)

		r.Route("/tavily-keys", func(r chi.Router) {
			r.Get("/", routes.listTavilyKeys)
			r.Post("/", routes.createTavilyKey)
			r.Post("/import", routes.importTavilyKeys)
			r.Post("/sync-credits", routes.syncCredits)
			r.Patch("/{id}", routes.updateTavilyKey)
			r.Delete("/{id}", routes.deleteTavilyKey)
			r.Get("/{id}/reveal", routes.revealTavilyKey)
			r.Post("/{id}/refresh-credits", routes.refreshCredits)
		})

		r.Route("/brave-keys", func(r chi.Router) {
			r.Get("/", routes.listBraveKeys)
			r.Post("/", routes.createBraveKey)
			r.Post("/import", routes.importBraveKeys)
			r.Patch("/{id}", routes.updateBraveKey)
			r.Delete("/{id}", routes.deleteBraveKey)
			r.Get("/{id}/reveal", routes.revealBraveKey)
		})

		r.Route("/tokens", func(r chi.Router) {
			r.Get("/", routes.listTokens)
			r.Post("/", routes.createToken)
			r.Post("/{id}/revoke", routes.revokeToken)
			r.Delete("/{id}", routes.deleteToken)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", routes.getSettings)
			r.Patch("/", routes.patchSettings)
		})

		r.Route("/usage", func(r chi.Router) {
			r.Get("/", routes.listUsage)
			r.Get("/summary", routes.usageSummary)
			r.Get("/cost-estimate", routes.costEstimate)
		})

		r.Get("/audit", routes.listAudit)
		r.Get("/export", routes.exportConfig)
		r.Post("/import", routes.importConfig)
	})

	return r
}

// authMiddleware enforces the static admin bearer token with a constant-time
// comparison.
func (routes *Routes) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const scheme = "Bearer "
		if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !crypto.ConstantTimeEquals(header[len(scheme):], routes.cfg.AdminToken) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auditMiddleware appends an audit row for every mutating admin request.
func (routes *Routes) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reads are not audited, except reveals: those expose plaintext
		// secrets and belong in the log.
		if r.Method == http.MethodGet && !strings.HasSuffix(r.URL.Path, "/reveal") {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		outcome := "success"
		if ww.Status() >= 400 {
			outcome = "error"
		}
		rec := store.AuditRecord{
			ID:           uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			EventType:    r.Method + " " + r.URL.Path,
			Outcome:      outcome,
			IP:           clientIP(r),
			UserAgent:    r.UserAgent(),
			ResourceType: resourceTypeFromPath(r.URL.Path),
			ResourceID:   chi.URLParam(r, "id"),
		}
		if err := routes.st.InsertAudit(r.Context(), rec); err != nil {
			logger.Warnf("Failed to append audit row: %v", err)
		}
	})
}

func resourceTypeFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/admin/api/")
	if idx := strings.IndexByte(rest, '/'); idx > 0 {
		return rest[:idx]
	}
	return rest
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx > 0 {
		host = host[:idx]
	}
	return host
}

// serverInfo reports the running configuration with secrets elided.
func (routes *Routes) serverInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":                     "mcp-tavily-bridge",
		"uptimeSeconds":            int64(time.Since(routes.started).Seconds()),
		"sourceMode":               routes.settings.SourceMode(ctx),
		"selectionStrategy":        routes.settings.SelectionStrategy(ctx),
		"researchEnabled":          routes.settings.ResearchEnabled(ctx),
		"rateLimitPerMinute":       routes.cfg.RateLimitPerMinute,
		"globalRateLimitPerMinute": routes.cfg.GlobalRateLimitPerMinute,
		"braveMaxQps":              routes.cfg.BraveMaxQPS,
		"braveOverflow":            routes.cfg.BraveOverflow,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}
