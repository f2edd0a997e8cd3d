package capability

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/codemilestones/Fairy/config"
)

// NewSearcher builds the search client named by config. All providers
// dedupe by URL and cap results at max_results.
func NewSearcher(cfg config.SearchConfig) (Searcher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("search api key not configured")
	}
	http := NewHTTPClient(cfg.Timeout, cfg.MaxRetries, cfg.Backoff)
	switch cfg.Provider {
	case "tavily":
		return &tavilyClient{cfg: cfg, http: http}, nil
	case "brave":
		return &braveClient{cfg: cfg, http: http}, nil
	case "serper":
		return &serperClient{cfg: cfg, http: http}, nil
	default:
		return nil, fmt.Errorf("unsupported search provider %q", cfg.Provider)
	}
}

// -------- Tavily --------

type tavilyClient struct {
	cfg  config.SearchConfig
	http *HTTPClient
}

func (t *tavilyClient) Search(ctx context.Context, query string) ([]Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrSearchUnavailable)
	}
	baseURL := t.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.tavily.com"
	}
	body := map[string]any{
		"query":       query,
		"max_results": t.cfg.MaxResults,
	}
	headers := map[string]string{"Authorization": "Bearer " + t.cfg.APIKey}

	var raw struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := t.http.DoJSON(ctx, "POST", strings.TrimRight(baseURL, "/")+"/search", headers, body, &raw); err != nil {
		return nil, searchErr(ctx, "tavily", err)
	}
	docs := make([]Document, 0, len(raw.Results))
	for _, r := range raw.Results {
		docs = append(docs, Document{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return dedupe(docs, t.cfg.MaxResults), nil
}

// -------- Brave --------

type braveClient struct {
	cfg  config.SearchConfig
	http *HTTPClient
}

func (b *braveClient) Search(ctx context.Context, query string) ([]Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrSearchUnavailable)
	}
	baseURL := b.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.search.brave.com"
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", b.cfg.MaxResults))
	headers := map[string]string{
		"Accept":               "application/json",
		"X-Subscription-Token": b.cfg.APIKey,
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/res/v1/web/search?" + q.Encode()
	if err := b.http.DoJSON(ctx, "GET", endpoint, headers, nil, &raw); err != nil {
		return nil, searchErr(ctx, "brave", err)
	}
	docs := make([]Document, 0, len(raw.Web.Results))
	for _, r := range raw.Web.Results {
		docs = append(docs, Document{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return dedupe(docs, b.cfg.MaxResults), nil
}

// -------- Serper --------

type serperClient struct {
	cfg  config.SearchConfig
	http *HTTPClient
}

func (s *serperClient) Search(ctx context.Context, query string) ([]Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrSearchUnavailable)
	}
	baseURL := s.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://google.serper.dev"
	}
	body := map[string]any{"q": query, "num": s.cfg.MaxResults}
	headers := map[string]string{"X-API-KEY": s.cfg.APIKey}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := s.http.DoJSON(ctx, "POST", strings.TrimRight(baseURL, "/")+"/search", headers, body, &raw); err != nil {
		return nil, searchErr(ctx, "serper", err)
	}
	docs := make([]Document, 0, len(raw.Organic))
	for _, r := range raw.Organic {
		docs = append(docs, Document{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return dedupe(docs, s.cfg.MaxResults), nil
}

// searchErr passes context errors through untouched so callers can tell
// cancellation apart from provider failure.
func searchErr(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %v", ErrSearchUnavailable, provider, err)
}
