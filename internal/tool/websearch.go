package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"aiwriter/internal/domain"
)

const (
	searchTimeout     = 30 * time.Second
	searchMaxBody     = 1 << 20
	DefaultSearchBase = "https://api.tavily.com"
	defaultMaxResults = 5
)

// searchUnavailable is returned instead of an error when no API key is set.
const searchUnavailable = `{"error":"Web search is not available, API key not configured."}`

// WebSearchTool searches the web through the Tavily API.
type WebSearchTool struct {
	apiKey     string
	baseURL    string
	maxResults int
	client     *http.Client
}

type WebSearchConfig struct {
	APIKey     string
	BaseURL    string // default https://api.tavily.com
	MaxResults int    // default 5
	Client     *http.Client
}

func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSearchBase
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: searchTimeout}
	}
	return &WebSearchTool{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		maxResults: cfg.MaxResults,
		client:     cfg.Client,
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Description() string {
	return "Search the web for current information, news, facts, or research on any topic."
}
func (t *WebSearchTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"query": {Type: "string", Description: "The search query to find information about"},
		},
		[]string{"query"},
	)
}

type tavilyRequest struct {
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth"`
	MaxResults        int    `json:"max_results"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

// Execute returns the raw Tavily JSON response. Upstream failures are
// reported as *domain.AugmentedSearchError.
func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query := ArgsString(args, "query")
	if query == "" {
		return "", fmt.Errorf("missing argument: query")
	}
	if t.apiKey == "" {
		return searchUnavailable, nil
	}

	body, err := json.Marshal(tavilyRequest{
		Query:             query,
		SearchDepth:       "advanced",
		MaxResults:        t.maxResults,
		IncludeAnswer:     true,
		IncludeRawContent: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return "", &domain.AugmentedSearchError{Query: query, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &domain.AugmentedSearchError{Query: query, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, searchMaxBody))
	if err != nil {
		return "", &domain.AugmentedSearchError{Query: query, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &domain.AugmentedSearchError{Query: query, Status: resp.StatusCode, Details: string(data)}
	}
	if !json.Valid(data) {
		return "", &domain.AugmentedSearchError{Query: query, Err: fmt.Errorf("invalid JSON response")}
	}
	return string(data), nil
}
