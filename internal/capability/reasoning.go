package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/codemilestones/Fairy/config"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// OpenAIReasoner talks to an OpenAI-compatible chat completions endpoint.
type OpenAIReasoner struct {
	cfg  config.ReasoningConfig
	http *HTTPClient
}

// NewReasoner builds the reasoning client from config. Only the openai
// provider (and compatible endpoints via base_url) is supported.
func NewReasoner(cfg config.ReasoningConfig) (Reasoner, error) {
	if cfg.Provider != "" && cfg.Provider != "openai" {
		return nil, fmt.Errorf("unsupported reasoning provider %q", cfg.Provider)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("reasoning api key not configured")
	}
	return &OpenAIReasoner{
		cfg:  cfg,
		http: NewHTTPClient(cfg.Timeout, cfg.MaxRetries, cfg.Backoff),
	}, nil
}

func (r *OpenAIReasoner) Generate(ctx context.Context, system, prompt string) (string, error) {
	msgs := make([]chatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	baseURL := r.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	req := chatRequest{
		Model:       r.cfg.Model,
		Messages:    msgs,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + r.cfg.APIKey}

	var out chatResponse
	err := r.http.DoJSON(ctx, "POST", strings.TrimRight(baseURL, "/")+"/chat/completions", headers, req, &out)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrReasoningUnavailable, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrReasoningUnavailable)
	}
	return out.Choices[0].Message.Content, nil
}
