package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/codemilestones/Fairy/internal/notes"
	"github.com/codemilestones/Fairy/internal/store"
)

type stubSelector struct {
	hits  []notes.Hit
	err   error
	calls int
	query string
}

func (s *stubSelector) Search(ctx context.Context, sessionID, q string, k int) ([]notes.Hit, error) {
	s.calls++
	s.query = q
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

func manyNotes(n int) []store.Note {
	out := make([]store.Note, n)
	for i := range out {
		out[i] = store.Note{
			ID:      fmt.Sprintf("note-%d", i),
			Title:   fmt.Sprintf("Source %d", i),
			URL:     fmt.Sprintf("http://example.com/%d", i),
			Content: fmt.Sprintf("evidence block %d", i),
		}
	}
	return out
}

func TestComposeSelectsEvidenceOverBudget(t *testing.T) {
	var gotPrompt string
	reasoner := &stubReasoner{fn: func(system, prompt string) (string, error) {
		gotPrompt = prompt
		return "# Report\n\nDone.", nil
	}}
	sel := &stubSelector{hits: []notes.Hit{
		{DocID: "note-3", Rank: 1},
		{DocID: "note-70", Rank: 2},
	}}
	c := NewComposer(reasoner, sel)

	report, err := c.Compose(context.Background(), "sess-1", "# Research Brief\n\ncompare vendors", "findings", manyNotes(80))
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if report == "" {
		t.Fatal("expected a report")
	}
	if sel.calls != 1 {
		t.Fatalf("selector should run once over budget, ran %d times", sel.calls)
	}
	if strings.ContainsAny(sel.query, "#\n") {
		t.Fatalf("selector query must be plain terms, got %q", sel.query)
	}
	for _, want := range []string{"http://example.com/3", "http://example.com/70"} {
		if !strings.Contains(gotPrompt, want) {
			t.Fatalf("prompt missing selected evidence %s", want)
		}
	}
	if strings.Contains(gotPrompt, "http://example.com/50") {
		t.Fatalf("prompt should only carry selected evidence:\n%s", gotPrompt)
	}
}

func TestComposeSkipsSelectorUnderBudget(t *testing.T) {
	reasoner := &stubReasoner{fn: func(system, prompt string) (string, error) {
		return "# Report", nil
	}}
	sel := &stubSelector{err: errors.New("must not be called")}
	c := NewComposer(reasoner, sel)

	if _, err := c.Compose(context.Background(), "sess-1", "brief", "findings", manyNotes(5)); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if sel.calls != 0 {
		t.Fatalf("selector must stay idle under budget, ran %d times", sel.calls)
	}
}

func TestComposeFallsBackToRecencyOnSelectorError(t *testing.T) {
	var gotPrompt string
	reasoner := &stubReasoner{fn: func(system, prompt string) (string, error) {
		gotPrompt = prompt
		return "# Report", nil
	}}
	sel := &stubSelector{err: errors.New("index unavailable")}
	c := NewComposer(reasoner, sel)

	if _, err := c.Compose(context.Background(), "sess-1", "brief", "findings", manyNotes(80)); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	// Recency fallback keeps the newest blocks and sheds the oldest.
	if !strings.Contains(gotPrompt, "http://example.com/79") {
		t.Fatal("fallback should keep the newest evidence")
	}
	if strings.Contains(gotPrompt, "http://example.com/0)") {
		t.Fatal("fallback should shed the oldest evidence")
	}
}
