package research

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/codemilestones/Fairy/internal/capability"
	"github.com/codemilestones/Fairy/internal/session"
)

func history(contents ...string) []session.Message {
	msgs := make([]session.Message, len(contents))
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs[i] = session.Message{Role: role, Content: c}
	}
	return msgs
}

func TestScopeResolveBuildsBrief(t *testing.T) {
	reasoner := &stubReasoner{fn: func(system, prompt string) (string, error) {
		if !strings.Contains(prompt, "compare quantum computing vendors") {
			t.Errorf("conversation missing from prompt")
		}
		return `{
			"intent": "Compare quantum computing vendors",
			"sufficient": true,
			"question": "",
			"objectives": ["list major vendors", "compare qubit counts"],
			"constraints": ["published sources only"],
			"success_criteria": ["at least three vendors covered"]
		}`, nil
	}}

	res, err := NewScope(reasoner).Resolve(context.Background(), history("compare quantum computing vendors"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Sufficient {
		t.Fatal("expected a sufficient scope")
	}
	for _, want := range []string{"# Research Brief", "Compare quantum computing vendors", "## Objectives", "- list major vendors", "## Constraints", "## Success Criteria"} {
		if !strings.Contains(res.Brief, want) {
			t.Errorf("brief missing %q:\n%s", want, res.Brief)
		}
	}
}

func TestScopeResolveAsksForClarification(t *testing.T) {
	reasoner := &stubReasoner{fn: func(system, prompt string) (string, error) {
		return `{"intent": "research something", "sufficient": false, "question": "Which market do you mean?"}`, nil
	}}

	res, err := NewScope(reasoner).Resolve(context.Background(), history("tell me about the market"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Sufficient {
		t.Fatal("expected an insufficient scope")
	}
	if res.Question != "Which market do you mean?" {
		t.Fatalf("unexpected question: %q", res.Question)
	}
}

func TestScopeResolveLenientParsing(t *testing.T) {
	reasoner := &stubReasoner{fn: func(system, prompt string) (string, error) {
		// sufficient as a string breaks the strict schema
		return `Sure thing! {"intent": "x", "sufficient": "yes", "objectives": ["a", 42, "b"]}`, nil
	}}

	res, err := NewScope(reasoner).Resolve(context.Background(), history("x"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Sufficient {
		t.Fatal("lenient parse should coerce sufficient")
	}
	if !strings.Contains(res.Brief, "- a") || !strings.Contains(res.Brief, "- b") {
		t.Fatalf("lenient objectives missing from brief:\n%s", res.Brief)
	}
	if strings.Contains(res.Brief, "42") {
		t.Fatal("non-string objectives should be dropped")
	}
}

func TestScopeResolveFillsMissingPieces(t *testing.T) {
	reasoner := &stubReasoner{fn: func(system, prompt string) (string, error) {
		return `{"sufficient": false, "question": ""}`, nil
	}}

	res, err := NewScope(reasoner).Resolve(context.Background(), history("what about the thing I mentioned"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Question == "" {
		t.Fatal("expected a fallback clarification question")
	}
	if !strings.Contains(res.Intent, "what about the thing") {
		t.Fatalf("expected intent fallback from the last user message, got %q", res.Intent)
	}
}

func TestScopeResolvePassesReasonerErrorThrough(t *testing.T) {
	reasoner := &stubReasoner{fn: func(system, prompt string) (string, error) {
		return "", capability.ErrReasoningUnavailable
	}}

	_, err := NewScope(reasoner).Resolve(context.Background(), history("x"))
	if !errors.Is(err, capability.ErrReasoningUnavailable) {
		t.Fatalf("expected the reasoner error, got %v", err)
	}
}

func TestScopeResolveRejectsGarbage(t *testing.T) {
	reasoner := &stubReasoner{fn: func(system, prompt string) (string, error) {
		return "I could not decide.", nil
	}}

	if _, err := NewScope(reasoner).Resolve(context.Background(), history("x")); err == nil {
		t.Fatal("expected an error for an unparseable response")
	}
}
