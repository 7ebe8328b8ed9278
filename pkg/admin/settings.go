package admin

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

// settingValidators maps each recognised setting key to its accepted values.
var settingValidators = map[string]map[string]bool{
	store.SettingSelectionStrategy: {
		store.StrategyRoundRobin: true,
		store.StrategyRandom:     true,
	},
	store.SettingSearchSourceMode: {
		store.SourceTavilyOnly:          true,
		store.SourceBraveOnly:           true,
		store.SourceCombined:            true,
		store.SourceBravePreferFallback: true,
	},
	store.SettingResearchEnabled: {
		"true":  true,
		"false": true,
	},
}

func (routes *Routes) getSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stored, err := routes.st.ListSettings(ctx)
	if err != nil {
		logger.Errorf("Failed to list settings: %v", err)
		http.Error(w, "Failed to list settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settings": stored,
		"effective": map[string]any{
			store.SettingSelectionStrategy: routes.settings.SelectionStrategy(ctx),
			store.SettingSearchSourceMode:  routes.settings.SourceMode(ctx),
			store.SettingResearchEnabled:   routes.settings.ResearchEnabled(ctx),
		},
	})
}

// patchSettings updates one or more settings. Unknown keys and values are
// rejected wholesale before anything is written.
func (routes *Routes) patchSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req) == 0 {
		http.Error(w, "No settings supplied", http.StatusBadRequest)
		return
	}

	for key, value := range req {
		allowed, known := settingValidators[key]
		if !known {
			http.Error(w, fmt.Sprintf("Unknown setting %q", key), http.StatusBadRequest)
			return
		}
		if !allowed[value] {
			http.Error(w, fmt.Sprintf("Invalid value %q for setting %q", value, key), http.StatusBadRequest)
			return
		}
	}

	for key, value := range req {
		if err := routes.settings.Set(r.Context(), key, value); err != nil {
			logger.Errorf("Failed to store setting %s: %v", key, err)
			http.Error(w, "Failed to store settings", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (routes *Routes) listUsage(w http.ResponseWriter, r *http.Request) {
	filter := store.UsageFilter{Limit: 100}
	if provider := r.URL.Query().Get("provider"); provider != "" {
		filter.Provider = store.Provider(provider)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = parsed
	}
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	filter.Since = since

	rows, err := routes.st.ListUsage(r.Context(), filter)
	if err != nil {
		logger.Errorf("Failed to list usage: %v", err)
		http.Error(w, "Failed to list usage", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": rows})
}

func (routes *Routes) usageSummary(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	summaries, err := routes.st.SummarizeUsage(r.Context(), since)
	if err != nil {
		logger.Errorf("Failed to summarize usage: %v", err)
		http.Error(w, "Failed to summarize usage", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summaries})
}

// tavilyCreditCost approximates credits consumed per successful call. Crawl
// and research cost disproportionately more than plain search.
var tavilyCreditCost = map[string]int64{
	"tavily_search":   1,
	"tavily_extract":  1,
	"tavily_crawl":    2,
	"tavily_map":      1,
	"tavily_research": 15,
}

// costEstimate projects credit consumption from the usage log. Brave has no
// per-call credit accounting, so only the call count is reported.
func (routes *Routes) costEstimate(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	summaries, err := routes.st.SummarizeUsage(r.Context(), since)
	if err != nil {
		logger.Errorf("Failed to summarize usage: %v", err)
		http.Error(w, "Failed to summarize usage", http.StatusInternalServerError)
		return
	}

	body := map[string]any{}
	for _, summary := range summaries {
		switch summary.Provider {
		case store.ProviderTavily:
			var credits int64
			for tool, calls := range summary.ByTool {
				cost := tavilyCreditCost[tool]
				if cost == 0 {
					cost = 1
				}
				credits += calls * cost
			}
			body["tavily"] = map[string]any{
				"calls":            summary.TotalCalls,
				"estimatedCredits": credits,
			}
		case store.ProviderBrave:
			body["brave"] = map[string]any{"calls": summary.TotalCalls}
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (routes *Routes) listAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	rows, err := routes.st.ListAudit(r.Context(), limit)
	if err != nil {
		logger.Errorf("Failed to list audit log: %v", err)
		http.Error(w, "Failed to list audit log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": rows})
}

// parseSince reads an optional RFC 3339 `since` query parameter. Reports
// false when a response was already written.
func parseSince(w http.ResponseWriter, r *http.Request) (*time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		http.Error(w, "since must be RFC 3339", http.StatusBadRequest)
		return nil, false
	}
	utc := parsed.UTC()
	return &utc, true
}
