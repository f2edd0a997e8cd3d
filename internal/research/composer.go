package research

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode"

	"github.com/codemilestones/Fairy/internal/capability"
	"github.com/codemilestones/Fairy/internal/notes"
	"github.com/codemilestones/Fairy/internal/store"
)

// composeEvidenceBudget caps how many note blocks the report prompt carries.
const composeEvidenceBudget = 60

// EvidenceSelector ranks a session's saved notes against a query.
// *notes.Catalog implements it.
type EvidenceSelector interface {
	Search(ctx context.Context, sessionID, q string, k int) ([]notes.Hit, error)
}

// Composer writes the final report with a single reasoning call. Inputs are
// always assembled as brief, then findings, then notes, so a retry over the
// same session state produces the same prompt.
type Composer struct {
	reasoner capability.Reasoner
	selector EvidenceSelector
	logger   *log.Logger
}

func NewComposer(reasoner capability.Reasoner, selector EvidenceSelector) *Composer {
	return &Composer{
		reasoner: reasoner,
		selector: selector,
		logger:   log.New(log.Writer(), "[COMPOSER] ", log.LstdFlags),
	}
}

func (c *Composer) Compose(ctx context.Context, sessionID, brief, findings string, saved []store.Note) (string, error) {
	start := time.Now()

	evidence := c.selectEvidence(ctx, sessionID, brief, saved)
	raw, err := c.reasoner.Generate(ctx, composerSystem, reportPrompt(brief, findings, evidence))
	if err != nil {
		return "", err
	}
	report := strings.TrimSpace(raw)
	if report == "" {
		return "", errors.New("reasoner returned an empty report")
	}

	c.logger.Printf("report composed in %v (%d chars)", time.Since(start), len(report))
	return report, nil
}

// selectEvidence keeps the report prompt bounded. Under the budget every
// note goes in; over it the notes index picks the blocks most relevant to
// the brief. The index is advisory, so any failure falls back to recency
// (notesDigest keeps the newest blocks).
func (c *Composer) selectEvidence(ctx context.Context, sessionID, brief string, saved []store.Note) []store.Note {
	if len(saved) <= composeEvidenceBudget || c.selector == nil {
		return saved
	}

	hits, err := c.selector.Search(ctx, sessionID, evidenceQuery(brief), composeEvidenceBudget)
	if err != nil || len(hits) == 0 {
		if err != nil {
			c.logger.Printf("session %s: evidence selection fell back to recency: %v", sessionID, err)
		}
		return saved
	}

	byID := make(map[string]store.Note, len(saved))
	for _, n := range saved {
		byID[n.ID] = n
	}
	out := make([]store.Note, 0, len(hits))
	for _, h := range hits {
		if n, ok := byID[h.DocID]; ok {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return saved
	}
	c.logger.Printf("session %s: selected %d of %d note blocks for the report", sessionID, len(out), len(saved))
	return out
}

// evidenceQuery reduces the brief to plain search terms so bleve's query
// string parser never trips over markdown punctuation.
func evidenceQuery(brief string) string {
	words := strings.FieldsFunc(brief, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) > 24 {
		words = words[:24]
	}
	return strings.Join(words, " ")
}
