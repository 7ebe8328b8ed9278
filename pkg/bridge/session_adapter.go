package bridge

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/session"
)

// sessionIDAdapter exposes session.Manager through the mark3labs SDK's
// SessionIdManager interface. All storage, idle TTL, and cleanup stay in the
// manager; the SDK only calls Generate, Validate, and Terminate during MCP
// protocol flows.
type sessionIDAdapter struct {
	manager *session.Manager
}

func newSessionIDAdapter(manager *session.Manager) *sessionIDAdapter {
	return &sessionIDAdapter{manager: manager}
}

// Generate creates and registers a fresh session ID. Called by the SDK for
// an initialize request carrying no mcp-session-id header.
func (a *sessionIDAdapter) Generate() string {
	sessionID := uuid.NewString()
	if err := a.manager.AddWithID(sessionID); err != nil {
		// UUID collision is the only way here; one retry covers it.
		logger.Errorf("Failed to create session %s: %v", sessionID, err)
		sessionID = uuid.NewString()
		if err := a.manager.AddWithID(sessionID); err != nil {
			logger.Errorf("Failed to create session on retry: %v", err)
			return ""
		}
	}
	logger.Debugf("Created MCP session %s", sessionID)
	return sessionID
}

// Validate checks a session ID on every non-initialize request. The Get
// touches the session, extending its idle TTL. An unknown ID yields an
// error whose message carries the re-initialise sentinel clients look for.
func (a *sessionIDAdapter) Validate(sessionID string) (isTerminated bool, err error) {
	if sessionID == "" {
		return false, fmt.Errorf("no valid session ID")
	}
	sess, ok := a.manager.Get(sessionID)
	if !ok {
		return false, fmt.Errorf("session not found")
	}
	if sess.Terminated() {
		return true, nil
	}
	return false, nil
}

// Terminate marks a session as ended. It stays in the manager until the TTL
// sweep so Validate can answer "terminated" rather than "unknown".
func (a *sessionIDAdapter) Terminate(sessionID string) (isNotAllowed bool, err error) {
	if sessionID == "" {
		return false, fmt.Errorf("no valid session ID")
	}
	sess, ok := a.manager.Get(sessionID)
	if !ok {
		// Already expired; deleting it again is fine.
		return false, nil
	}
	sess.Terminate()
	logger.Infow("MCP session terminated", "sessionId", sessionID)
	return false, nil
}
