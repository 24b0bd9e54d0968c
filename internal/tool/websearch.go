package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	einotool "github.com/cloudwego/eino/components/tool"
)

const websearchDescription = `Searches the web for pages matching a query and returns titles, URLs, and snippets.

Usage notes:
  - Use this to find current information not already in your training data or the project.
  - Results are ordered by relevance, not recency; pass "freshness" to bias toward recent pages.
  - This tool is read-only and does not fetch full page content; follow up with webfetch for that.
  - Requires a BRAVE_SEARCH_API_KEY (or FORGE_SEARCH_API_KEY) environment variable; without one this tool fails cleanly.`

const (
	braveSearchEndpoint   = "https://api.search.brave.com/res/v1/web/search"
	defaultSearchCount    = 5
	maxSearchCount        = 10
	searchRequestTimeout  = 30 * time.Second
)

// WebSearchTool queries a web search provider and returns ranked results.
// Grounded on vanducng-goclaw/internal/tools/web_search*.go's Brave Search
// integration; adapted to forge's Tool interface and Result shape.
type WebSearchTool struct {
	workDir string
	client  *http.Client
	apiKey  string
}

// WebSearchInput represents the input for the web_search tool.
type WebSearchInput struct {
	Query     string `json:"query"`
	Count     int    `json:"count,omitempty"`
	Freshness string `json:"freshness,omitempty"`
}

// NewWebSearchTool creates a new web_search tool. The API key is read lazily
// from the environment at construction time, not per-call, matching the
// rest of forge's provider credential loading.
func NewWebSearchTool(workDir string) *WebSearchTool {
	apiKey := os.Getenv("BRAVE_SEARCH_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("FORGE_SEARCH_API_KEY")
	}
	return &WebSearchTool{
		workDir: workDir,
		client:  &http.Client{Timeout: searchRequestTimeout},
		apiKey:  apiKey,
	}
}

func (t *WebSearchTool) ID() string          { return "web_search" }
func (t *WebSearchTool) Description() string { return websearchDescription }

func (t *WebSearchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query"
			},
			"count": {
				"type": "integer",
				"description": "Number of results to return (max 10, default 5)"
			},
			"freshness": {
				"type": "string",
				"description": "Optional recency filter: pd (day), pw (week), pm (month), py (year), or a YYYY-MM-DDtoYYYY-MM-DD range"
			}
		},
		"required": ["query"]
	}`)
}

func (t *WebSearchTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params WebSearchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if t.apiKey == "" {
		return nil, fmt.Errorf("web_search requires BRAVE_SEARCH_API_KEY to be set")
	}

	count := params.Count
	if count <= 0 {
		count = defaultSearchCount
	}
	if count > maxSearchCount {
		count = maxSearchCount
	}

	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("count", fmt.Sprintf("%d", count))
	if params.Freshness != "" {
		q.Set("freshness", strings.ToLower(params.Freshness))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	var out strings.Builder
	for i, r := range parsed.Web.Results {
		if i >= count {
			break
		}
		fmt.Fprintf(&out, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	if out.Len() == 0 {
		out.WriteString("No results found.")
	}

	return &Result{
		Title:  fmt.Sprintf("%q (%d results)", params.Query, len(parsed.Web.Results)),
		Output: strings.TrimSpace(out.String()),
		Metadata: map[string]any{
			"query": params.Query,
			"count": len(parsed.Web.Results),
		},
	}, nil
}

func (t *WebSearchTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
