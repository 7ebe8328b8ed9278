package admin

import (
	stderrors "errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ykq007/mcp-tavily-bridge/pkg/errors"
	"github.com/ykq007/mcp-tavily-bridge/pkg/keypool"
	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

type createKeyRequest struct {
	Label string `json:"label"`
	Key   string `json:"key"`
}

type updateKeyRequest struct {
	Label  *string `json:"label,omitempty"`
	Status *string `json:"status,omitempty"`
}

type importKeysRequest struct {
	Keys []keypool.ImportKey `json:"keys"`
}

func (routes *Routes) listTavilyKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := routes.st.ListTavilyKeys(r.Context())
	if err != nil {
		logger.Errorf("Failed to list tavily keys: %v", err)
		http.Error(w, "Failed to list keys", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (routes *Routes) createTavilyKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Label == "" || req.Key == "" {
		http.Error(w, "label and key are required", http.StatusBadRequest)
		return
	}

	key, err := routes.pool.AddTavilyKey(r.Context(), req.Label, req.Key)
	if err != nil {
		if stderrors.Is(err, store.ErrAlreadyExists) {
			http.Error(w, "A key with this label already exists", http.StatusConflict)
			return
		}
		logger.Errorf("Failed to create tavily key: %v", err)
		http.Error(w, "Failed to create key", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (routes *Routes) updateTavilyKey(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, ok := parseStatus(req.Status)
	if !ok {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}

	err := routes.st.UpdateTavilyKey(r.Context(), chi.URLParam(r, "id"), req.Label, status)
	if writeStoreError(w, err, "Failed to update key") {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (routes *Routes) deleteTavilyKey(w http.ResponseWriter, r *http.Request) {
	err := routes.st.DeleteTavilyKey(r.Context(), chi.URLParam(r, "id"))
	if writeStoreError(w, err, "Failed to delete key") {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// revealTavilyKey returns the decrypted key material. Reveals are rate
// limited per client IP.
func (routes *Routes) revealTavilyKey(w http.ResponseWriter, r *http.Request) {
	if res := routes.revealLimiter.Check(clientIP(r)); !res.OK {
		http.Error(w, "Too many reveal requests", http.StatusTooManyRequests)
		return
	}

	key, err := routes.st.GetTavilyKey(r.Context(), chi.URLParam(r, "id"))
	if writeStoreError(w, err, "Failed to load key") {
		return
	}
	plaintext, err := routes.vault.DecryptString(key.Ciphertext)
	if err != nil {
		logger.Errorf("Failed to decrypt key %s: %v", key.ID, err)
		http.Error(w, "Failed to decrypt key", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": key.ID, "label": key.Label, "key": plaintext})
}

func (routes *Routes) refreshCredits(w http.ResponseWriter, r *http.Request) {
	snapshot, err := routes.pool.RefreshCredits(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case stderrors.Is(err, store.ErrLeaseHeld):
			http.Error(w, "Credits refresh already in progress", http.StatusConflict)
		case stderrors.Is(err, store.ErrNotFound):
			http.Error(w, "Key not found", http.StatusNotFound)
		default:
			logger.Errorf("Failed to refresh credits: %v", err)
			http.Error(w, "Failed to refresh credits", http.StatusBadGateway)
		}
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (routes *Routes) syncCredits(w http.ResponseWriter, r *http.Request) {
	refreshed, skipped, err := routes.pool.SyncCredits(r.Context())
	if err != nil {
		logger.Errorf("Failed to sync credits: %v", err)
		http.Error(w, "Failed to sync credits", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": refreshed, "skipped": skipped})
}

func (routes *Routes) importTavilyKeys(w http.ResponseWriter, r *http.Request) {
	var req importKeysRequest
	if !decodeBody(w, r, &req) {
		return
	}
	imported, err := routes.pool.ImportTavilyKeys(r.Context(), req.Keys)
	if err != nil {
		logger.Errorf("Tavily key import failed after %d keys: %v", len(imported), err)
		http.Error(w, "Import failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": imported})
}

func (routes *Routes) listBraveKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := routes.st.ListBraveKeys(r.Context())
	if err != nil {
		logger.Errorf("Failed to list brave keys: %v", err)
		http.Error(w, "Failed to list keys", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (routes *Routes) createBraveKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Label == "" || req.Key == "" {
		http.Error(w, "label and key are required", http.StatusBadRequest)
		return
	}

	key, err := routes.pool.AddBraveKey(r.Context(), req.Label, req.Key)
	if err != nil {
		if stderrors.Is(err, store.ErrAlreadyExists) {
			http.Error(w, "A key with this label already exists", http.StatusConflict)
			return
		}
		logger.Errorf("Failed to create brave key: %v", err)
		http.Error(w, "Failed to create key", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (routes *Routes) updateBraveKey(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, ok := parseStatus(req.Status)
	if !ok || (status != nil && *status == store.KeyCooldown) {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}

	err := routes.st.UpdateBraveKey(r.Context(), chi.URLParam(r, "id"), req.Label, status)
	if writeStoreError(w, err, "Failed to update key") {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (routes *Routes) deleteBraveKey(w http.ResponseWriter, r *http.Request) {
	err := routes.st.DeleteBraveKey(r.Context(), chi.URLParam(r, "id"))
	if writeStoreError(w, err, "Failed to delete key") {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (routes *Routes) revealBraveKey(w http.ResponseWriter, r *http.Request) {
	if res := routes.revealLimiter.Check(clientIP(r)); !res.OK {
		http.Error(w, "Too many reveal requests", http.StatusTooManyRequests)
		return
	}

	key, err := routes.st.GetBraveKey(r.Context(), chi.URLParam(r, "id"))
	if writeStoreError(w, err, "Failed to load key") {
		return
	}
	plaintext, err := routes.vault.DecryptString(key.Ciphertext)
	if err != nil {
		logger.Errorf("Failed to decrypt key %s: %v", key.ID, err)
		http.Error(w, "Failed to decrypt key", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": key.ID, "label": key.Label, "key": plaintext})
}

func (routes *Routes) importBraveKeys(w http.ResponseWriter, r *http.Request) {
	var req importKeysRequest
	if !decodeBody(w, r, &req) {
		return
	}
	imported, err := routes.pool.ImportBraveKeys(r.Context(), req.Keys)
	if err != nil {
		logger.Errorf("Brave key import failed after %d keys: %v", len(imported), err)
		http.Error(w, "Import failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": imported})
}

// parseStatus validates an optional admin-settable key status. Cooldown and
// invalid are machine-managed for Tavily but an operator may force any state
// except an unknown one.
func parseStatus(raw *string) (*store.KeyStatus, bool) {
	if raw == nil {
		return nil, true
	}
	status := store.KeyStatus(*raw)
	switch status {
	case store.KeyActive, store.KeyDisabled, store.KeyCooldown, store.KeyInvalid:
		return &status, true
	default:
		return nil, false
	}
}

// writeStoreError maps store errors onto HTTP statuses; reports whether a
// response was written.
func writeStoreError(w http.ResponseWriter, err error, message string) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, store.ErrNotFound) || errors.IsNotFound(err) {
		http.Error(w, "Not found", http.StatusNotFound)
		return true
	}
	if stderrors.Is(err, store.ErrAlreadyExists) {
		http.Error(w, "Already exists", http.StatusConflict)
		return true
	}
	logger.Errorf("%s: %v", message, err)
	http.Error(w, message, http.StatusInternalServerError)
	return true
}
