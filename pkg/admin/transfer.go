package admin

import (
	"fmt"
	"net/http"

	"github.com/ykq007/mcp-tavily-bridge/pkg/keypool"
	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
)

// transferSchemaVersion is the export/import document version. Bump on any
// incompatible shape change.
const transferSchemaVersion = 1

type transferDocument struct {
	SchemaVersion int                 `json:"schemaVersion"`
	TavilyKeys    []keypool.ImportKey `json:"tavilyKeys,omitempty"`
	BraveKeys     []keypool.ImportKey `json:"braveKeys,omitempty"`
	Settings      map[string]string   `json:"settings,omitempty"`
}

// exportConfig emits the full portable configuration, secrets included. The
// caller already holds the admin token, which transitively guards the vault.
func (routes *Routes) exportConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc := transferDocument{SchemaVersion: transferSchemaVersion}

	tavilyKeys, err := routes.st.ListTavilyKeys(ctx)
	if err != nil {
		logger.Errorf("Failed to list tavily keys for export: %v", err)
		http.Error(w, "Export failed", http.StatusInternalServerError)
		return
	}
	for _, key := range tavilyKeys {
		plaintext, err := routes.vault.DecryptString(key.Ciphertext)
		if err != nil {
			logger.Errorf("Failed to decrypt key %s for export: %v", key.ID, err)
			http.Error(w, "Export failed", http.StatusInternalServerError)
			return
		}
		doc.TavilyKeys = append(doc.TavilyKeys, keypool.ImportKey{Label: key.Label, Secret: plaintext})
	}

	braveKeys, err := routes.st.ListBraveKeys(ctx)
	if err != nil {
		logger.Errorf("Failed to list brave keys for export: %v", err)
		http.Error(w, "Export failed", http.StatusInternalServerError)
		return
	}
	for _, key := range braveKeys {
		plaintext, err := routes.vault.DecryptString(key.Ciphertext)
		if err != nil {
			logger.Errorf("Failed to decrypt key %s for export: %v", key.ID, err)
			http.Error(w, "Export failed", http.StatusInternalServerError)
			return
		}
		doc.BraveKeys = append(doc.BraveKeys, keypool.ImportKey{Label: key.Label, Secret: plaintext})
	}

	settings, err := routes.st.ListSettings(ctx)
	if err != nil {
		logger.Errorf("Failed to list settings for export: %v", err)
		http.Error(w, "Export failed", http.StatusInternalServerError)
		return
	}
	doc.Settings = settings

	writeJSON(w, http.StatusOK, doc)
}

// importConfig applies an exported document: keys are inserted with label
// renames on collision, settings are validated then overwritten.
func (routes *Routes) importConfig(w http.ResponseWriter, r *http.Request) {
	var doc transferDocument
	if !decodeBody(w, r, &doc) {
		return
	}
	if doc.SchemaVersion != transferSchemaVersion {
		http.Error(w, fmt.Sprintf("Unsupported schemaVersion %d (expected %d)",
			doc.SchemaVersion, transferSchemaVersion), http.StatusBadRequest)
		return
	}
	for key, value := range doc.Settings {
		allowed, known := settingValidators[key]
		if !known || !allowed[value] {
			http.Error(w, fmt.Sprintf("Invalid setting %q=%q", key, value), http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	tavilyImported, err := routes.pool.ImportTavilyKeys(ctx, doc.TavilyKeys)
	if err != nil {
		logger.Errorf("Import failed after %d tavily keys: %v", len(tavilyImported), err)
		http.Error(w, "Import failed", http.StatusInternalServerError)
		return
	}
	braveImported, err := routes.pool.ImportBraveKeys(ctx, doc.BraveKeys)
	if err != nil {
		logger.Errorf("Import failed after %d brave keys: %v", len(braveImported), err)
		http.Error(w, "Import failed", http.StatusInternalServerError)
		return
	}
	for key, value := range doc.Settings {
		if err := routes.settings.Set(ctx, key, value); err != nil {
			logger.Errorf("Failed to apply imported setting %s: %v", key, err)
			http.Error(w, "Import failed", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tavilyKeys": tavilyImported,
		"braveKeys":  braveImported,
		"settings":   len(doc.Settings),
	})
}
