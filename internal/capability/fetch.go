package capability

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
)

// PageFetcher downloads a page and extracts its readable text. Fetching is
// an optional enrichment step: failures are reported to the caller, which
// falls back to the search snippet.
type PageFetcher struct {
	client   *http.Client
	maxChars int
}

func NewPageFetcher(timeout time.Duration, maxChars int) *PageFetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if maxChars <= 0 {
		maxChars = 6000
	}
	return &PageFetcher{client: &http.Client{Timeout: timeout}, maxChars: maxChars}
}

// Fetch returns the extracted main text of link, truncated to maxChars.
func (f *PageFetcher) Fetch(ctx context.Context, link string) (string, error) {
	if strings.TrimSpace(link) == "" {
		return "", fmt.Errorf("empty url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "fairy-research/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", link, resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parseURL(link))
	if err != nil {
		return "", fmt.Errorf("extract %s: %v", link, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > f.maxChars {
		text = text[:f.maxChars]
	}
	return text, nil
}

func parseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
