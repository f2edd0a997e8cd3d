package research

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/codemilestones/Fairy/internal/capability"
	"github.com/codemilestones/Fairy/internal/session"
)

// ScopeResult is the outcome of one scoping pass over a conversation:
// either a clarifying question or a research brief ready to execute.
type ScopeResult struct {
	Intent     string
	Sufficient bool
	Question   string
	Brief      string
}

// Scope turns conversation history into a research brief with a single
// reasoning call. It never mutates session state; the engine owns that.
type Scope struct {
	reasoner capability.Reasoner
	logger   *log.Logger
}

func NewScope(reasoner capability.Reasoner) *Scope {
	return &Scope{
		reasoner: reasoner,
		logger:   log.New(log.Writer(), "[SCOPE] ", log.LstdFlags),
	}
}

// Resolve makes exactly one reasoning call over the full history. A returned
// error means no decision was reached and the caller must leave the session
// where it was.
func (s *Scope) Resolve(ctx context.Context, history []session.Message) (ScopeResult, error) {
	start := time.Now()

	raw, err := s.reasoner.Generate(ctx, scopeSystem, scopePrompt(history))
	if err != nil {
		return ScopeResult{}, err
	}

	res, err := parseScopeResponse(raw)
	if err != nil {
		return ScopeResult{}, err
	}

	if res.Intent == "" {
		res.Intent = fallbackIntent(history)
	}
	if !res.Sufficient && res.Question == "" {
		s.logger.Printf("insufficient scope without a question, using generic clarification")
		res.Question = "Could you clarify what exactly you want researched?"
	}

	s.logger.Printf("scope resolved in %v (sufficient=%t)", time.Since(start), res.Sufficient)
	return res, nil
}

func parseScopeResponse(raw string) (ScopeResult, error) {
	var parsed struct {
		Intent          string   `json:"intent"`
		Sufficient      bool     `json:"sufficient"`
		Question        string   `json:"question"`
		Objectives      []string `json:"objectives"`
		Constraints     []string `json:"constraints"`
		SuccessCriteria []string `json:"success_criteria"`
	}
	if err := decodeInto(raw, &parsed); err == nil {
		return ScopeResult{
			Intent:     strings.TrimSpace(parsed.Intent),
			Sufficient: parsed.Sufficient,
			Question:   strings.TrimSpace(parsed.Question),
			Brief:      buildBrief(parsed.Intent, parsed.Objectives, parsed.Constraints, parsed.SuccessCriteria),
		}, nil
	}

	// Lenient fallback for models that bend the schema.
	var m map[string]interface{}
	if err := decodeInto(raw, &m); err != nil {
		return ScopeResult{}, fmt.Errorf("parse scope response: %w", err)
	}

	res := ScopeResult{}
	res.Intent, _ = m["intent"].(string)
	res.Intent = strings.TrimSpace(res.Intent)
	switch v := m["sufficient"].(type) {
	case bool:
		res.Sufficient = v
	case string:
		res.Sufficient = strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	res.Question, _ = m["question"].(string)
	res.Question = strings.TrimSpace(res.Question)
	res.Brief = buildBrief(res.Intent, stringSlice(m["objectives"]), stringSlice(m["constraints"]), stringSlice(m["success_criteria"]))
	return res, nil
}

func stringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// buildBrief renders the structured scope into the markdown brief that the
// supervisor and composer consume. Assembly is deterministic so the same
// scope always yields the same brief.
func buildBrief(intent string, objectives, constraints, criteria []string) string {
	var b strings.Builder
	b.WriteString("# Research Brief\n\n")
	b.WriteString(strings.TrimSpace(intent))
	b.WriteString("\n")

	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString("\n## ")
		b.WriteString(title)
		b.WriteString("\n")
		for _, item := range items {
			b.WriteString("- ")
			b.WriteString(item)
			b.WriteString("\n")
		}
	}
	section("Objectives", objectives)
	section("Constraints", constraints)
	section("Success Criteria", criteria)

	return b.String()
}

func fallbackIntent(history []session.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return clip(history[i].Content, 140)
		}
	}
	return "research request"
}
