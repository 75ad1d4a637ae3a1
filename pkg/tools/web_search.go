package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/maruntime/maruntime/pkg/httpclient"
	"github.com/maruntime/maruntime/pkg/protocol"
)

// WebSearchArgs queries a Tavily-compatible search endpoint.
type WebSearchArgs struct {
	Reasoning  string `json:"reasoning" jsonschema:"description=Why this search is needed and what to expect"`
	Query      string `json:"query" jsonschema:"description=Search query in the same language as the user request"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum results to retrieve (1-10),default=5"`
}

// WebSearchTool searches the web through the Tavily search API. Results are
// numbered continuing from the session's accumulated sources so citations
// stay stable across steps.
type WebSearchTool struct {
	apiKey     string
	baseURL    string
	maxResults int
	client     *httpclient.Client
}

func init() {
	RegisterBuilder("pkg/tools:WebSearchTool", func(config map[string]any, deps Deps) (Tool, error) {
		return NewWebSearchTool(config)
	})
}

func NewWebSearchTool(config map[string]any) (*WebSearchTool, error) {
	t := &WebSearchTool{
		baseURL:    "https://api.tavily.com",
		maxResults: 10,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		),
	}
	if config != nil {
		if key, ok := config["api_key"].(string); ok && key != "" {
			t.apiKey = key
		}
		if ref, ok := config["api_key_ref"].(string); ok && t.apiKey == "" {
			t.apiKey = os.Getenv(ref)
		}
		if url, ok := config["api_base_url"].(string); ok && url != "" {
			t.baseURL = strings.TrimRight(url, "/")
		}
		if max, ok := config["max_results"].(float64); ok && max > 0 {
			t.maxResults = int(max)
		}
	}
	if t.apiKey == "" {
		t.apiKey = os.Getenv("TAVILY_API_KEY")
	}
	return t, nil
}

func (t *WebSearchTool) Name() string { return NameWebSearch }

func (t *WebSearchTool) Description() string {
	return "Search the web for real-time information about any topic. " +
		"Use specific terms and context in queries; search in the same language as the user request. " +
		"Returns page titles, URLs and short snippets."
}

func (t *WebSearchTool) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  SchemaFor[WebSearchArgs](),
	}
}

type tavilyRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *WebSearchTool) Execute(ctx context.Context, ec *ExecContext, args map[string]any) (*Result, error) {
	decoded, err := DecodeArgs[WebSearchArgs](args)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if decoded.Query == "" {
		return ErrorResult("query is required"), nil
	}
	maxResults := decoded.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	if maxResults > t.maxResults {
		maxResults = t.maxResults
	}

	payload, err := json.Marshal(tavilyRequest{APIKey: t.apiKey, Query: decoded.Query, MaxResults: maxResults})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", t.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var search tavilyResponse
	if err := json.Unmarshal(body, &search); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search Query: %s\n\n", decoded.Query)
	sb.WriteString("Search Results (titles, links, short snippets):\n\n")

	number := len(ec.Sources)
	for _, r := range search.Results {
		number++
		snippet := r.Content
		if len(snippet) > 100 {
			snippet = snippet[:100] + "..."
		}
		ec.Sources = append(ec.Sources, Source{Number: number, Title: r.Title, URL: r.URL, Snippet: snippet})
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", number, r.Title, r.URL, snippet)
	}
	if len(search.Results) == 0 {
		sb.WriteString("No results found.\n")
	}

	result := OKResult(sb.String())
	result.Data = map[string]any{"query": decoded.Query, "result_count": len(search.Results)}
	return result, nil
}
