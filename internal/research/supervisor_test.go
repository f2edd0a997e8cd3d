package research

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codemilestones/Fairy/internal/capability"
)

func planOnly(planJSON string) *stubReasoner {
	return &stubReasoner{fn: func(system, prompt string) (string, error) {
		return planJSON, nil
	}}
}

func TestPlanParsesAndCapsTasks(t *testing.T) {
	reasoner := planOnly(`{"tasks": [
		{"description": "one"}, {"description": "two"}, {"description": "three"},
		{"description": "four"}, {"description": "five"}
	]}`)
	sup := NewSupervisor(testResearchConfig(), reasoner, nil)

	tasks, err := sup.Plan(context.Background(), "brief")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected the plan capped at 3 tasks, got %d", len(tasks))
	}
	seen := map[string]bool{}
	for i, task := range tasks {
		if task.Index != i {
			t.Fatalf("task %d has index %d", i, task.Index)
		}
		if task.ID == "" || seen[task.ID] {
			t.Fatalf("task ids must be unique and non-empty: %+v", tasks)
		}
		seen[task.ID] = true
	}
	if tasks[0].Description != "one" || tasks[2].Description != "three" {
		t.Fatalf("unexpected task order: %+v", tasks)
	}
}

func TestPlanLenientParsing(t *testing.T) {
	reasoner := planOnly(`Here you go: {"tasks": ["first as plain string", {"description": "second"}, 7]}`)
	sup := NewSupervisor(testResearchConfig(), reasoner, nil)

	tasks, err := sup.Plan(context.Background(), "brief")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks from the lenient parse, got %d", len(tasks))
	}
}

func TestPlanFallsBackToSingleTask(t *testing.T) {
	reasoner := planOnly("I refuse to answer in JSON.")
	sup := NewSupervisor(testResearchConfig(), reasoner, nil)

	tasks, err := sup.Plan(context.Background(), "research the whole brief")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected a single fallback task, got %d", len(tasks))
	}
	if !strings.Contains(tasks[0].Description, "research the whole brief") {
		t.Fatalf("fallback task should cover the brief, got %q", tasks[0].Description)
	}
}

func TestPlanPropagatesReasonerError(t *testing.T) {
	reasoner := &stubReasoner{fn: func(system, prompt string) (string, error) {
		return "", capability.ErrReasoningUnavailable
	}}
	sup := NewSupervisor(testResearchConfig(), reasoner, nil)

	if _, err := sup.Plan(context.Background(), "brief"); !errors.Is(err, capability.ErrReasoningUnavailable) {
		t.Fatalf("expected the reasoner error, got %v", err)
	}
}

func dispatchFixture(t *testing.T, search func(ctx context.Context, query string) ([]capability.Document, error)) (*Supervisor, []Task) {
	t.Helper()
	reasoner := &stubReasoner{fn: routeByPrompt("", "")}
	worker := NewWorker(testResearchConfig(), reasoner, &stubSearcher{fn: search}, nil)
	sup := NewSupervisor(testResearchConfig(), reasoner, worker)
	tasks := []Task{
		{ID: "id-alpha", Index: 0, Description: "alpha"},
		{ID: "id-beta", Index: 1, Description: "beta"},
		{ID: "id-gamma", Index: 2, Description: "gamma"},
	}
	return sup, tasks
}

func TestDispatchKeepsCreationOrder(t *testing.T) {
	sup, tasks := dispatchFixture(t, func(ctx context.Context, query string) ([]capability.Document, error) {
		if strings.Contains(query, "alpha") {
			time.Sleep(50 * time.Millisecond)
		}
		return singleDoc(query, "http://example.com/"+query), nil
	})

	var mu sync.Mutex
	var counts []int
	results := sup.Dispatch(context.Background(), tasks, func(res TaskResult, completed, total int) {
		mu.Lock()
		counts = append(counts, completed)
		mu.Unlock()
		if total != 3 {
			t.Errorf("total should stay 3, got %d", total)
		}
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, task := range tasks {
		if results[i].TaskID != task.ID {
			t.Fatalf("result %d belongs to %s, want %s", i, results[i].TaskID, task.ID)
		}
	}
	if len(counts) != 3 || counts[0] != 1 || counts[1] != 2 || counts[2] != 3 {
		t.Fatalf("completion counts should increase monotonically, got %v", counts)
	}
}

func TestDispatchDegradedTaskDoesNotAbortOthers(t *testing.T) {
	sup, tasks := dispatchFixture(t, func(ctx context.Context, query string) ([]capability.Document, error) {
		if strings.Contains(query, "beta") {
			return nil, capability.ErrSearchUnavailable
		}
		return singleDoc(query, "http://example.com/"+query), nil
	})

	results := sup.Dispatch(context.Background(), tasks, nil)

	if !results[1].Degraded || results[1].Reason != "search_unavailable" {
		t.Fatalf("beta should degrade with search_unavailable, got %+v", results[1])
	}
	if results[0].Degraded || results[2].Degraded {
		t.Fatal("healthy tasks must not be dragged down by a degraded one")
	}
	if degradedCount(results) != 1 {
		t.Fatalf("expected one degraded result, got %d", degradedCount(results))
	}

	agg := sup.Aggregate(tasks, results)
	if !strings.Contains(agg, "## Sub-task 2: beta") || !strings.Contains(agg, "[degraded: search_unavailable]") {
		t.Fatalf("aggregation should mark the degraded slot:\n%s", agg)
	}
	if !strings.Contains(agg, "## Sub-task 1: alpha") || !strings.Contains(agg, "Findings for gamma") {
		t.Fatalf("aggregation should keep healthy findings in order:\n%s", agg)
	}
}

func TestDispatchTaskTimeoutIsLabelled(t *testing.T) {
	sup, tasks := dispatchFixture(t, func(ctx context.Context, query string) ([]capability.Document, error) {
		if strings.Contains(query, "beta") {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return singleDoc(query, "http://example.com/"+query), nil
	})
	sup.cfg.TaskTimeout = 30 * time.Millisecond

	results := sup.Dispatch(context.Background(), tasks, nil)

	if !results[1].Degraded || results[1].Reason != "timeout" {
		t.Fatalf("expected the stuck task to degrade as timeout, got %+v", results[1])
	}
	if results[0].Degraded || results[2].Degraded {
		t.Fatal("the timeout must stay scoped to its own task")
	}
}
