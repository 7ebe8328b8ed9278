// Package bridge assembles the MCP-facing surface of the server: the
// streamable HTTP transport, tool registration, client authentication, and
// the local throttling applied before a call reaches the dispatcher.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ykq007/mcp-tavily-bridge/pkg/config"
	"github.com/ykq007/mcp-tavily-bridge/pkg/crypto"
	"github.com/ykq007/mcp-tavily-bridge/pkg/dispatch"
	"github.com/ykq007/mcp-tavily-bridge/pkg/keypool"
	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/ratelimit"
	"github.com/ykq007/mcp-tavily-bridge/pkg/session"
	"github.com/ykq007/mcp-tavily-bridge/pkg/settings"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
	"github.com/ykq007/mcp-tavily-bridge/pkg/telemetry"
)

const (
	serverName    = "mcp-tavily-bridge"
	serverVersion = "0.1.0"

	// shutdownTimeout bounds graceful shutdown of in-flight requests.
	shutdownTimeout = 10 * time.Second
)

// Deps carries the constructed components the server wires together.
// Metrics must be non-nil; AdminHandler may be nil.
type Deps struct {
	Config       *config.Config
	Store        store.Store
	Vault        *crypto.Vault
	Pool         *keypool.Pool
	Dispatcher   *dispatch.Dispatcher
	Settings     *settings.Cache
	Sessions     *session.Manager
	Metrics      *telemetry.Metrics
	AdminHandler http.Handler
}

// Server is the MCP bridge's HTTP server.
type Server struct {
	cfg      *config.Config
	st       store.Store
	pool     *keypool.Pool
	settings *settings.Cache
	sessions *session.Manager
	metrics  *telemetry.Metrics

	globalLimiter *ratelimit.Limiter
	tokenLimiter  *ratelimit.Limiter

	adminHandler http.Handler
	mcpServer    *server.MCPServer
	httpServer   *http.Server
}

// New builds the bridge server and registers its tools.
func New(deps Deps) *Server {
	s := &Server{
		cfg:           deps.Config,
		st:            deps.Store,
		pool:          deps.Pool,
		settings:      deps.Settings,
		sessions:      deps.Sessions,
		metrics:       deps.Metrics,
		globalLimiter: ratelimit.New(deps.Config.GlobalRateLimitPerMinute, time.Minute),
		tokenLimiter:  ratelimit.New(deps.Config.RateLimitPerMinute, time.Minute),
		adminHandler:  deps.AdminHandler,
	}

	s.mcpServer = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithToolFilter(researchToolFilter(deps.Settings)),
	)
	registerTools(s.mcpServer, &toolHandler{
		dispatcher: deps.Dispatcher,
		usage:      deps.Store,
		vault:      deps.Vault,
		settings:   deps.Settings,
		metrics:    deps.Metrics,
	})

	return s
}

// Start runs the server until ctx is cancelled or the listener fails, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	adapter := newSessionIDAdapter(s.sessions)
	streamable := server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithSessionIdManager(adapter),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			// Carry the middleware's authenticated token into tool handlers.
			if tok := tokenFromContext(r.Context()); tok != nil {
				ctx = withToken(ctx, tok)
			}
			return ctx
		}),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/mcp", s.clientAuthMiddleware(streamable))
	if s.adminHandler != nil {
		mux.Handle("/admin/", s.adminHandler)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()
	go s.trackSessions(ctx)

	logger.Infow("MCP bridge listening",
		"addr", addr,
		"version", serverVersion,
		"sourceMode", s.cfg.SearchSourceMode,
	)

	select {
	case <-ctx.Done():
		logger.Infof("Shutting down MCP bridge")
		return s.Stop()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	}
}

// Stop shuts the HTTP server down gracefully and stops the session sweeper.
func (s *Server) Stop() error {
	s.sessions.Stop()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// trackSessions keeps the active-sessions gauge current.
func (s *Server) trackSessions(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"version":  serverVersion,
		"sessions": s.sessions.Count(),
	})
}
