package dispatch

import (
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream/brave"
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream/tavily"
)

// mergeItem is the provider-neutral shape of one search hit.
type mergeItem struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// interleaveMerge alternates the two result lists index by index, dropping
// entries whose URL is empty or already seen. The A side wins duplicate
// URLs because it is pushed first at each index. The output is truncated
// to count (default 10).
func interleaveMerge(a, b []mergeItem, count int) []mergeItem {
	if count <= 0 {
		count = defaultResultCount
	}

	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}

	merged := make([]mergeItem, 0, longest)
	seen := make(map[string]struct{})
	push := func(item mergeItem) {
		if item.URL == "" {
			return
		}
		if _, dup := seen[item.URL]; dup {
			return
		}
		seen[item.URL] = struct{}{}
		merged = append(merged, item)
	}

	for i := 0; i < longest; i++ {
		if i < len(a) {
			push(a[i])
		}
		if i < len(b) {
			push(b[i])
		}
	}

	if len(merged) > count {
		merged = merged[:count]
	}
	return merged
}

// tavilyItems maps Tavily hits into the neutral shape; content becomes the
// description.
func tavilyItems(resp *tavily.SearchResponse) []mergeItem {
	if resp == nil {
		return nil
	}
	items := make([]mergeItem, 0, len(resp.Results))
	for _, r := range resp.Results {
		items = append(items, mergeItem{Title: r.Title, URL: r.URL, Description: r.Content})
	}
	return items
}

// braveWebItems maps Brave web hits into the neutral shape.
func braveWebItems(results []brave.WebResult) []mergeItem {
	items := make([]mergeItem, 0, len(results))
	for _, r := range results {
		items = append(items, mergeItem{Title: r.Title, URL: r.URL, Description: r.Description})
	}
	return items
}

// braveShapeFromTavily reshapes a Tavily response into the envelope the
// Brave-named tools return, for tavily_only mode.
func braveShapeFromTavily(tool string, resp *tavily.SearchResponse) map[string]any {
	if tool == ToolBraveLocal {
		results := make([]map[string]any, 0, len(resp.Results))
		for _, r := range resp.Results {
			results = append(results, map[string]any{
				"name":        r.Title,
				"website":     r.URL,
				"description": r.Content,
			})
		}
		return map[string]any{"results": results}
	}

	results := make([]map[string]any, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, map[string]any{
			"title":       r.Title,
			"url":         r.URL,
			"description": r.Content,
		})
	}
	return map[string]any{"web": map[string]any{"results": results}}
}

// toTavilyArgs translates Brave-named tool arguments into Tavily search
// arguments. Tavily tool arguments pass through untouched. All three search
// tools name their search term "query"; only the auxiliary parameters
// differ.
func toTavilyArgs(tool string, args map[string]any) map[string]any {
	if tool == ToolTavilySearch {
		return args
	}
	out := map[string]any{}
	if q := stringArg(args, "query"); q != "" {
		out["query"] = q
	}
	if count := intArg(args, "count"); count > 0 {
		out["max_results"] = count
	}
	return out
}

// toBraveArgs builds the Brave query parameters for any search tool. The
// Brave API names the search term "q", while every tool schema names it
// "query", so the term is renamed here for Brave-named tools too.
func toBraveArgs(tool string, args map[string]any) map[string]any {
	if tool == ToolTavilySearch {
		out := map[string]any{}
		if q := stringArg(args, "query"); q != "" {
			out["q"] = q
		}
		if count := intArg(args, "max_results"); count > 0 {
			out["count"] = count
		}
		return out
	}

	out := make(map[string]any, len(args))
	for key, value := range args {
		if key == "query" {
			continue
		}
		out[key] = value
	}
	if q := stringArg(args, "query"); q != "" {
		out["q"] = q
	}
	return out
}
