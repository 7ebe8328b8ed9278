package admin

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ykq007/mcp-tavily-bridge/pkg/crypto"
	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

type createTokenRequest struct {
	Description  string   `json:"description"`
	ExpiresAt    *string  `json:"expiresAt,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
	RateLimit    int      `json:"rateLimit,omitempty"`
}

type createTokenResponse struct {
	store.ClientToken
	// Token is the full bearer credential. Returned exactly once; only the
	// secret's hash is stored.
	Token string `json:"token"`
}

func (routes *Routes) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := routes.st.ListTokens(r.Context())
	if err != nil {
		logger.Errorf("Failed to list tokens: %v", err)
		http.Error(w, "Failed to list tokens", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (routes *Routes) createToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		parsed, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			http.Error(w, "expiresAt must be RFC 3339", http.StatusBadRequest)
			return
		}
		utc := parsed.UTC()
		expiresAt = &utc
	}

	prefix, err := randomHex(6)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	secret, err := randomHex(24)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	prefix = "tok_" + prefix

	token := store.ClientToken{
		ID:           uuid.NewString(),
		Description:  req.Description,
		Prefix:       prefix,
		SecretHash:   crypto.SHA256Hex([]byte(secret)),
		ExpiresAt:    expiresAt,
		AllowedTools: req.AllowedTools,
		RateLimit:    req.RateLimit,
		CreatedAt:    time.Now().UTC(),
	}
	if err := routes.st.CreateToken(r.Context(), token); err != nil {
		logger.Errorf("Failed to create token: %v", err)
		http.Error(w, "Failed to create token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, createTokenResponse{
		ClientToken: token,
		Token:       prefix + "." + secret,
	})
}

func (routes *Routes) revokeToken(w http.ResponseWriter, r *http.Request) {
	err := routes.st.RevokeToken(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if writeStoreError(w, err, "Failed to revoke token") {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (routes *Routes) deleteToken(w http.ResponseWriter, r *http.Request) {
	err := routes.st.DeleteToken(r.Context(), chi.URLParam(r, "id"))
	if writeStoreError(w, err, "Failed to delete token") {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
