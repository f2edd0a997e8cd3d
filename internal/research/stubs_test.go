package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codemilestones/Fairy/config"
	"github.com/codemilestones/Fairy/internal/capability"
)

// stubReasoner routes prompts to canned completions. It honors context
// cancellation the way a real client would.
type stubReasoner struct {
	fn func(system, prompt string) (string, error)
}

func (s *stubReasoner) Generate(ctx context.Context, system, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.fn(system, prompt)
}

type stubSearcher struct {
	fn func(ctx context.Context, query string) ([]capability.Document, error)
}

func (s *stubSearcher) Search(ctx context.Context, query string) ([]capability.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.fn(ctx, query)
}

// promptTask digs the sub-task description out of a worker prompt so stubs
// can answer per task.
func promptTask(prompt string) string {
	const marker = "SUB-TASK:\n"
	i := strings.Index(prompt, marker)
	if i == -1 {
		return ""
	}
	rest := prompt[i+len(marker):]
	if j := strings.Index(rest, "\n\n"); j != -1 {
		return rest[:j]
	}
	return rest
}

// routeByPrompt answers every pipeline prompt with a plausible canned
// response keyed off the prompt opener.
func routeByPrompt(scopeJSON, planJSON string) func(system, prompt string) (string, error) {
	return func(system, prompt string) (string, error) {
		switch {
		case strings.HasPrefix(prompt, "You are an intelligent scoping agent"):
			return scopeJSON, nil
		case strings.HasPrefix(prompt, "You are a research supervisor"):
			return planJSON, nil
		case strings.HasPrefix(prompt, "You are a research worker formulating"):
			return fmt.Sprintf(`{"query": %q}`, promptTask(prompt)), nil
		case strings.HasPrefix(prompt, "You are a research worker deciding"):
			return `{"done": true, "reason": "covered"}`, nil
		case strings.HasPrefix(prompt, "You are a research worker writing up"):
			return "Findings for " + promptTask(prompt) + " citing http://example.com/a", nil
		case strings.HasPrefix(prompt, "You are a research report writer"):
			return "# Report\n\nEverything answered.", nil
		}
		return "", fmt.Errorf("unexpected prompt: %.80q", prompt)
	}
}

func singleDoc(title, url string) []capability.Document {
	return []capability.Document{{Title: title, URL: url, Snippet: "snippet for " + title}}
}

func testResearchConfig() config.ResearchConfig {
	return config.ResearchConfig{
		MaxTasks:       3,
		MaxConcurrent:  2,
		MaxIterations:  2,
		TaskTimeout:    2 * time.Second,
		OverallTimeout: 10 * time.Second,
		ComposeRetries: 1,
	}
}
