package bridge

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ykq007/mcp-tavily-bridge/pkg/dispatch"
	"github.com/ykq007/mcp-tavily-bridge/pkg/settings"
)

// registerTools wires the seven bridge tools onto the MCP server. Every
// handler routes through the dispatcher; the server never talks to an
// upstream directly.
func registerTools(mcpServer *server.MCPServer, h *toolHandler) {
	mcpServer.AddTool(mcp.Tool{
		Name:        dispatch.ToolTavilySearch,
		Description: "Web search with optional AI answer synthesis. Returns ranked results with title, url, content snippet and relevance score.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query",
				},
				"max_results": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of results to return (default 10)",
				},
				"search_depth": map[string]interface{}{
					"type":        "string",
					"description": "Search depth: basic or advanced",
					"enum":        []string{"basic", "advanced"},
				},
				"topic": map[string]interface{}{
					"type":        "string",
					"description": "Search topic: general or news",
					"enum":        []string{"general", "news"},
				},
				"include_answer": map[string]interface{}{
					"type":        "boolean",
					"description": "Include a synthesized answer in the response",
				},
				"include_domains": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Restrict results to these domains",
				},
				"exclude_domains": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Exclude results from these domains",
				},
				"time_range": map[string]interface{}{
					"type":        "string",
					"description": "Restrict results by recency: day, week, month or year",
				},
			},
			Required: []string{"query"},
		},
	}, h.handle(dispatch.ToolTavilySearch))

	mcpServer.AddTool(mcp.Tool{
		Name:        dispatch.ToolTavilyExtract,
		Description: "Extract the readable content of one or more web pages.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"urls": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "URLs to extract content from",
				},
				"extract_depth": map[string]interface{}{
					"type":        "string",
					"description": "Extraction depth: basic or advanced",
					"enum":        []string{"basic", "advanced"},
				},
				"format": map[string]interface{}{
					"type":        "string",
					"description": "Output format: markdown or text",
					"enum":        []string{"markdown", "text"},
				},
			},
			Required: []string{"urls"},
		},
	}, h.handle(dispatch.ToolTavilyExtract))

	mcpServer.AddTool(mcp.Tool{
		Name:        dispatch.ToolTavilyCrawl,
		Description: "Crawl a website starting from a base URL, following links up to a depth and page limit.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "The base URL to crawl from",
				},
				"max_depth": map[string]interface{}{
					"type":        "number",
					"description": "Maximum link depth to follow",
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of pages to process",
				},
				"instructions": map[string]interface{}{
					"type":        "string",
					"description": "Natural language guidance for the crawler",
				},
			},
			Required: []string{"url"},
		},
	}, h.handle(dispatch.ToolTavilyCrawl))

	mcpServer.AddTool(mcp.Tool{
		Name:        dispatch.ToolTavilyMap,
		Description: "Map the link structure of a website without extracting page content.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "The base URL to map from",
				},
				"max_depth": map[string]interface{}{
					"type":        "number",
					"description": "Maximum link depth to follow",
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of links to return",
				},
			},
			Required: []string{"url"},
		},
	}, h.handle(dispatch.ToolTavilyMap))

	mcpServer.AddTool(mcp.Tool{
		Name:        dispatch.ToolTavilyResearch,
		Description: "Run a long-form research task. Submits the task and polls until the report is ready; this can take several minutes.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"input": map[string]interface{}{
					"type":        "string",
					"description": "The research question or task description",
				},
				"model": map[string]interface{}{
					"type":        "string",
					"description": "Research model: mini (faster) or pro (deeper)",
					"enum":        []string{"mini", "pro"},
				},
			},
			Required: []string{"input"},
		},
	}, h.handle(dispatch.ToolTavilyResearch))

	mcpServer.AddTool(mcp.Tool{
		Name:        dispatch.ToolBraveWeb,
		Description: "General web search with pagination and freshness filters.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query (max 400 chars)",
				},
				"count": map[string]interface{}{
					"type":        "number",
					"description": "Number of results to return (1-20, default 10)",
				},
				"offset": map[string]interface{}{
					"type":        "number",
					"description": "Pagination offset (max 9)",
				},
				"country": map[string]interface{}{
					"type":        "string",
					"description": "Two letter country code for result localisation",
				},
				"search_lang": map[string]interface{}{
					"type":        "string",
					"description": "Search language code",
				},
				"safesearch": map[string]interface{}{
					"type":        "string",
					"description": "Adult content filter: off, moderate or strict",
					"enum":        []string{"off", "moderate", "strict"},
				},
				"freshness": map[string]interface{}{
					"type":        "string",
					"description": "Restrict results by discovery time: pd, pw, pm, py or a date range",
				},
			},
			Required: []string{"query"},
		},
	}, h.handle(dispatch.ToolBraveWeb))

	mcpServer.AddTool(mcp.Tool{
		Name:        dispatch.ToolBraveLocal,
		Description: "Search for local businesses and places, enriched with addresses, ratings and descriptions. Falls back to web results when nothing local matches.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The local search query, e.g. 'pizza near Central Park'",
				},
				"count": map[string]interface{}{
					"type":        "number",
					"description": "Number of results to return (1-20, default 5)",
				},
			},
			Required: []string{"query"},
		},
	}, h.handle(dispatch.ToolBraveLocal))
}

// researchToolFilter hides tavily_research from tools/list while the
// researchEnabled setting is off. The handler independently rejects calls to
// the hidden tool.
func researchToolFilter(settingsCache *settings.Cache) server.ToolFilterFunc {
	return func(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
		if settingsCache.ResearchEnabled(ctx) {
			return tools
		}
		filtered := make([]mcp.Tool, 0, len(tools))
		for _, tool := range tools {
			if tool.Name == dispatch.ToolTavilyResearch {
				continue
			}
			filtered = append(filtered, tool)
		}
		return filtered
	}
}
