// Package capability wraps the external services the research engine
// depends on: a reasoning model (OpenAI-compatible chat completions) and a
// web search provider (Tavily, Brave or Serper). Callers program against the
// Reasoner and Searcher interfaces so tests can substitute stubs.
package capability

import (
	"context"
	"errors"
)

// ErrReasoningUnavailable marks a reasoning call that failed after retries.
var ErrReasoningUnavailable = errors.New("reasoning capability unavailable")

// ErrSearchUnavailable marks a search call that failed after retries.
var ErrSearchUnavailable = errors.New("search capability unavailable")

// Reasoner produces text from a prompt. system may be empty.
type Reasoner interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Searcher runs a web search and returns ranked documents.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Document, error)
}

// Document is one search hit. Content is filled only when page fetching is
// enabled; otherwise callers work from the snippet.
type Document struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

// dedupe drops documents with empty or repeated URLs, preserving order, and
// caps the result at max (0 means no cap).
func dedupe(docs []Document, max int) []Document {
	seen := make(map[string]struct{}, len(docs))
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d.URL == "" {
			continue
		}
		if _, ok := seen[d.URL]; ok {
			continue
		}
		seen[d.URL] = struct{}{}
		out = append(out, d)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}
