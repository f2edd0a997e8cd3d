package research

import (
	"context"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codemilestones/Fairy/config"
	"github.com/codemilestones/Fairy/internal/capability"
	"github.com/codemilestones/Fairy/internal/store"
)

var workerTracer trace.Tracer = otel.Tracer("fairy/internal/research/worker")

// Task is one unit of research the supervisor hands to a worker.
type Task struct {
	ID          string `json:"id"`
	Index       int    `json:"index"`
	Description string `json:"description"`
}

// TaskResult is what a worker hands back. Degraded results still carry the
// notes collected before the failure so nothing gathered is thrown away.
type TaskResult struct {
	TaskID   string
	Index    int
	Findings string
	Notes    []store.Note
	Degraded bool
	Reason   string
	Elapsed  time.Duration
}

// Worker runs the iterative search loop for a single task: formulate a
// query, search, collect evidence, decide whether to continue. It degrades
// instead of failing; the supervisor never sees an error from it.
type Worker struct {
	cfg      config.ResearchConfig
	reasoner capability.Reasoner
	searcher capability.Searcher
	fetcher  *capability.PageFetcher
	logger   *log.Logger
}

func NewWorker(cfg config.ResearchConfig, reasoner capability.Reasoner, searcher capability.Searcher, fetcher *capability.PageFetcher) *Worker {
	return &Worker{
		cfg:      cfg,
		reasoner: reasoner,
		searcher: searcher,
		fetcher:  fetcher,
		logger:   log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
}

// Run executes the search loop until the stop check says the task is
// covered, the iteration cap is reached, or the context is cancelled.
// Hitting the cap is a normal exit; only capability failures and
// cancellation degrade the result.
func (w *Worker) Run(ctx context.Context, task Task) TaskResult {
	ctx, span := workerTracer.Start(ctx, "worker.run", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int("task.index", task.Index),
	))
	defer span.End()

	start := time.Now()
	res := TaskResult{TaskID: task.ID, Index: task.Index}
	seen := make(map[string]struct{})
	var notes []store.Note

	for iteration := 1; iteration <= w.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return w.degrade(span, res, notes, start, "cancelled", err)
		}

		query, err := w.formulateQuery(ctx, task, notes, iteration)
		if err != nil {
			return w.degrade(span, res, notes, start, "reasoning_unavailable", err)
		}

		docs, err := w.searcher.Search(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return w.degrade(span, res, notes, start, "cancelled", err)
			}
			return w.degrade(span, res, notes, start, "search_unavailable", err)
		}

		added := 0
		for _, doc := range docs {
			if doc.URL == "" {
				continue
			}
			if _, dup := seen[doc.URL]; dup {
				continue
			}
			seen[doc.URL] = struct{}{}
			notes = append(notes, store.Note{
				TaskID:  task.ID,
				Title:   doc.Title,
				URL:     doc.URL,
				Content: w.pageContent(ctx, doc),
			})
			added++
		}
		w.logger.Printf("task %s round %d/%d: query=%q results=%d new=%d",
			task.ID, iteration, w.cfg.MaxIterations, query, len(docs), added)

		if iteration == w.cfg.MaxIterations {
			break
		}
		done, reason, err := w.shouldStop(ctx, task, notes)
		if err != nil {
			return w.degrade(span, res, notes, start, "cancelled", err)
		}
		if done {
			w.logger.Printf("task %s stopping after round %d: %s", task.ID, iteration, reason)
			break
		}
	}

	findings, err := w.compress(ctx, task, notes)
	if err != nil {
		if ctx.Err() != nil {
			return w.degrade(span, res, notes, start, "cancelled", err)
		}
		return w.degrade(span, res, notes, start, "reasoning_unavailable", err)
	}

	res.Findings = findings
	res.Notes = notes
	res.Elapsed = time.Since(start)
	span.SetAttributes(attribute.Int("task.notes", len(notes)))
	return res
}

func (w *Worker) degrade(span trace.Span, res TaskResult, notes []store.Note, start time.Time, reason string, err error) TaskResult {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	w.logger.Printf("task %s degraded (%s): %v", res.TaskID, reason, err)
	res.Degraded = true
	res.Reason = reason
	res.Notes = notes
	res.Elapsed = time.Since(start)
	return res
}

func (w *Worker) formulateQuery(ctx context.Context, task Task, notes []store.Note, iteration int) (string, error) {
	raw, err := w.reasoner.Generate(ctx, workerSystem, queryPrompt(task.Description, notes, iteration, w.cfg.MaxIterations))
	if err != nil {
		return "", err
	}
	var parsed struct {
		Query string `json:"query"`
	}
	if err := decodeInto(raw, &parsed); err != nil || strings.TrimSpace(parsed.Query) == "" {
		w.logger.Printf("task %s: unparseable query response, falling back to task description", task.ID)
		return clip(task.Description, 200), nil
	}
	return strings.TrimSpace(parsed.Query), nil
}

// pageContent prefers a fetched article body over the search snippet.
// Fetch failures are expected (paywalls, robots) and fall back silently.
func (w *Worker) pageContent(ctx context.Context, doc capability.Document) string {
	content := doc.Content
	if content == "" {
		content = doc.Snippet
	}
	if w.fetcher == nil {
		return content
	}
	page, err := w.fetcher.Fetch(ctx, doc.URL)
	if err != nil || strings.TrimSpace(page) == "" {
		return content
	}
	return page
}

// shouldStop asks the reasoner whether the evidence covers the task. The
// returned error is only ever a context error; on any other trouble the
// worker stops with what it has.
func (w *Worker) shouldStop(ctx context.Context, task Task, notes []store.Note) (bool, string, error) {
	raw, err := w.reasoner.Generate(ctx, workerSystem, stopPrompt(task.Description, notes))
	if err != nil {
		if ctx.Err() != nil {
			return false, "", ctx.Err()
		}
		w.logger.Printf("task %s: stop check failed, keeping collected evidence: %v", task.ID, err)
		return true, "stop check unavailable", nil
	}
	var parsed struct {
		Done   bool   `json:"done"`
		Reason string `json:"reason"`
	}
	if err := decodeInto(raw, &parsed); err != nil {
		return true, "stop decision unparseable", nil
	}
	return parsed.Done, parsed.Reason, nil
}

func (w *Worker) compress(ctx context.Context, task Task, notes []store.Note) (string, error) {
	raw, err := w.reasoner.Generate(ctx, workerSystem, compressPrompt(task.Description, notes))
	if err != nil {
		return "", err
	}
	findings := strings.TrimSpace(raw)
	if findings == "" {
		findings = "No findings were collected for this sub-task."
	}
	return findings, nil
}
