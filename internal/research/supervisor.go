package research

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codemilestones/Fairy/config"
	"github.com/codemilestones/Fairy/internal/capability"
	"github.com/codemilestones/Fairy/internal/store"
)

var supervisorTracer trace.Tracer = otel.Tracer("fairy/internal/research/supervisor")

// Supervisor plans sub-tasks from a brief, fans them out to workers and
// aggregates whatever comes back. A degraded task never aborts the batch.
type Supervisor struct {
	cfg      config.ResearchConfig
	reasoner capability.Reasoner
	worker   *Worker
	logger   *log.Logger
}

func NewSupervisor(cfg config.ResearchConfig, reasoner capability.Reasoner, worker *Worker) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		reasoner: reasoner,
		worker:   worker,
		logger:   log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags),
	}
}

// Plan splits the brief into at most cfg.MaxTasks tasks with one reasoning
// call. A response the planner cannot parse falls back to a single task over
// the whole brief; only a failed reasoning call is an error.
func (s *Supervisor) Plan(ctx context.Context, brief string) ([]Task, error) {
	start := time.Now()

	raw, err := s.reasoner.Generate(ctx, planSystem, planPrompt(brief, s.cfg.MaxTasks))
	if err != nil {
		return nil, err
	}

	descriptions := parsePlanResponse(raw)
	if len(descriptions) == 0 {
		s.logger.Printf("unparseable plan response, falling back to a single task")
		descriptions = []string{clip(brief, 400)}
	}
	if len(descriptions) > s.cfg.MaxTasks {
		s.logger.Printf("plan produced %d tasks, truncating to %d", len(descriptions), s.cfg.MaxTasks)
		descriptions = descriptions[:s.cfg.MaxTasks]
	}

	tasks := make([]Task, len(descriptions))
	for i, desc := range descriptions {
		tasks[i] = Task{ID: uuid.NewString(), Index: i, Description: desc}
	}

	s.logger.Printf("planned %d tasks in %v", len(tasks), time.Since(start))
	return tasks, nil
}

func parsePlanResponse(raw string) []string {
	var parsed struct {
		Tasks []struct {
			Description string `json:"description"`
		} `json:"tasks"`
	}
	if err := decodeInto(raw, &parsed); err == nil {
		out := make([]string, 0, len(parsed.Tasks))
		for _, t := range parsed.Tasks {
			if d := strings.TrimSpace(t.Description); d != "" {
				out = append(out, d)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	// Lenient fallback for schema-bending responses.
	var m map[string]interface{}
	if err := decodeInto(raw, &m); err != nil {
		return nil
	}
	arr, ok := m["tasks"].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range arr {
		switch v := item.(type) {
		case string:
			if d := strings.TrimSpace(v); d != "" {
				out = append(out, d)
			}
		case map[string]interface{}:
			if d, _ := v["description"].(string); strings.TrimSpace(d) != "" {
				out = append(out, strings.TrimSpace(d))
			}
		}
	}
	return out
}

// Dispatch runs the tasks with at most cfg.MaxConcurrent workers in flight.
// Results land at the task's creation index regardless of completion order.
// onResult fires once per finished task with the running completion count.
func (s *Supervisor) Dispatch(ctx context.Context, tasks []Task, onResult func(res TaskResult, completed, total int)) []TaskResult {
	ctx, span := supervisorTracer.Start(ctx, "supervisor.dispatch", trace.WithAttributes(
		attribute.Int("tasks.total", len(tasks)),
	))
	defer span.End()

	results := make([]TaskResult, len(tasks))
	semaphore := make(chan struct{}, s.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0

	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				mu.Lock()
				results[t.Index] = TaskResult{TaskID: t.ID, Index: t.Index, Degraded: true, Reason: "cancelled"}
				completed++
				mu.Unlock()
				return
			}

			taskCtx := ctx
			if s.cfg.TaskTimeout > 0 {
				var cancel context.CancelFunc
				taskCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
				defer cancel()
			}

			res := s.worker.Run(taskCtx, t)
			if res.Degraded && res.Reason == "cancelled" && ctx.Err() == nil && taskCtx.Err() == context.DeadlineExceeded {
				res.Reason = "timeout"
			}

			// onResult runs under the lock so completion events append in
			// the order tasks actually finished.
			mu.Lock()
			results[t.Index] = res
			completed++
			if onResult != nil {
				onResult(res, completed, len(tasks))
			}
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	span.SetAttributes(attribute.Int("tasks.degraded", degradedCount(results)))
	return results
}

// Aggregate renders the results in creation order. Degraded tasks keep
// their slot with an explicit marker so the composer sees the gap.
func (s *Supervisor) Aggregate(tasks []Task, results []TaskResult) string {
	var b strings.Builder
	for i, t := range tasks {
		fmt.Fprintf(&b, "## Sub-task %d: %s\n\n", i+1, clip(t.Description, 160))
		res := results[i]
		if res.Degraded {
			fmt.Fprintf(&b, "[degraded: %s] This sub-task did not complete and its coverage is reduced.\n\n", res.Reason)
			continue
		}
		b.WriteString(strings.TrimSpace(res.Findings))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()) + "\n"
}

// flattenNotes concatenates every task's notes in creation-index order;
// Dispatch already slots results by index, so a plain walk suffices.
func flattenNotes(results []TaskResult) []store.Note {
	var out []store.Note
	for _, r := range results {
		out = append(out, r.Notes...)
	}
	return out
}

func degradedCount(results []TaskResult) int {
	n := 0
	for _, r := range results {
		if r.Degraded {
			n++
		}
	}
	return n
}
