// Package research runs the session pipeline: scope the conversation into a
// brief, fan the brief out to search workers, and compose the final report.
// All durable state changes go through the store so the event channel stays
// gap-free; the engine only decides what happens next.
package research

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/codemilestones/Fairy/config"
	"github.com/codemilestones/Fairy/internal/capability"
	"github.com/codemilestones/Fairy/internal/event"
	"github.com/codemilestones/Fairy/internal/session"
	"github.com/codemilestones/Fairy/internal/store"
)

var engineTracer trace.Tracer = otel.Tracer("fairy/internal/research/engine")

// Params wires an Engine. Config, Store, Hub, Registry, Reasoner and
// Searcher are required; the rest degrade gracefully when absent.
type Params struct {
	Config   *config.Config
	Store    store.Store
	Hub      *event.Hub
	Registry *session.Registry
	Reasoner capability.Reasoner
	Searcher capability.Searcher
	Fetcher  *capability.PageFetcher
	Selector EvidenceSelector
	Redis    *redis.Client
	Meter    otelmetric.Meter
}

// Engine owns the session pipeline. Message submission is accept-and-return:
// the pipeline runs in the background and reports through the event channel.
type Engine struct {
	cfg      *config.Config
	store    store.Store
	hub      *event.Hub
	registry *session.Registry
	scope    *Scope
	sup      *Supervisor
	composer *Composer
	rdb      *redis.Client
	logger   *log.Logger

	eventsAppended  otelmetric.Int64Counter
	reportsComposed otelmetric.Int64Counter
	tasksDegraded   otelmetric.Int64Counter

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	stop      chan struct{}
	closeOnce sync.Once
}

func NewEngine(p Params) (*Engine, error) {
	if p.Config == nil || p.Store == nil || p.Hub == nil || p.Registry == nil {
		return nil, errors.New("research: config, store, hub and registry are required")
	}
	if p.Reasoner == nil {
		return nil, errors.New("research: reasoner is required")
	}
	if p.Searcher == nil {
		return nil, errors.New("research: searcher is required")
	}

	worker := NewWorker(p.Config.Research, p.Reasoner, p.Searcher, p.Fetcher)
	e := &Engine{
		cfg:      p.Config,
		store:    p.Store,
		hub:      p.Hub,
		registry: p.Registry,
		scope:    NewScope(p.Reasoner),
		sup:      NewSupervisor(p.Config.Research, p.Reasoner, worker),
		composer: NewComposer(p.Reasoner, p.Selector),
		rdb:      p.Redis,
		logger:   log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		stop:     make(chan struct{}),
	}

	if p.Meter != nil {
		var err error
		e.eventsAppended, err = p.Meter.Int64Counter("engine_events_appended")
		if err != nil {
			e.logger.Printf("warn: create events counter failed: %v", err)
		}
		e.reportsComposed, err = p.Meter.Int64Counter("engine_reports_composed")
		if err != nil {
			e.logger.Printf("warn: create reports counter failed: %v", err)
		}
		e.tasksDegraded, err = p.Meter.Int64Counter("engine_tasks_degraded")
		if err != nil {
			e.logger.Printf("warn: create degraded counter failed: %v", err)
		}
	}

	if p.Config.Telemetry.PeriodicLogs {
		go e.periodicLog()
	}
	return e, nil
}

// Close stops background logging. Pipelines already in flight keep running.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.stop) })
}

// SubmitMessage records a user message and starts the pipeline in the
// background. Returning the message means the work was accepted, not done.
// Sessions mid-pipeline or past clarification reject new messages.
func (e *Engine) SubmitMessage(ctx context.Context, sessionID, content string) (session.Message, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return session.Message{}, err
	}
	if !session.CanAcceptMessage(sess.Status) {
		return session.Message{}, fmt.Errorf("%w: session %s cannot accept messages while %s",
			session.ErrInvalidTransition, sess.ID, sess.Status)
	}

	release, err := e.registry.Begin(sessionID)
	if err != nil {
		return session.Message{}, err
	}

	msg, err := e.store.AppendMessage(ctx, sessionID, "user", content)
	if err != nil {
		release()
		return session.Message{}, err
	}

	e.submitted.Add(1)
	go e.pipeline(sessionID, release)
	return msg, nil
}

// Cancel stops an active pipeline or fails an idle non-terminal session.
// Terminal sessions cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.IsTerminal(sess.Status) {
		return fmt.Errorf("%w: session %s is already %s", session.ErrInvalidTransition, sess.ID, sess.Status)
	}

	if e.registry.Cancel(sessionID) {
		e.logger.Printf("session %s: cancellation requested", sessionID)
		return nil
	}

	// Nothing in flight, fail the session directly.
	return e.emit(ctx, store.Mutation{
		SessionID: sessionID,
		Status:    session.StatusFailed,
		Update:    &store.SessionUpdate{LastError: store.String("cancelled by user")},
		Event:     draft(event.ErrorEvent("cancelled", "cancelled by user")),
	})
}

func (e *Engine) pipeline(sessionID string, release func()) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Research.OverallTimeout)
	e.registry.SetCancel(sessionID, cancel)
	defer release()
	defer cancel()

	if e.rdb != nil {
		lockKey := "fairy:session:lock:" + sessionID
		ok, err := e.rdb.SetNX(ctx, lockKey, "1", e.cfg.Research.OverallTimeout).Result()
		if err != nil {
			e.logger.Printf("session %s: redis lock check failed, continuing: %v", sessionID, err)
		} else if !ok {
			e.logger.Printf("session %s: already processing on another replica, skipping", sessionID)
			return
		} else {
			defer e.rdb.Del(context.Background(), lockKey)
		}
	}

	ctx, span := engineTracer.Start(ctx, "engine.pipeline", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	if err := e.run(ctx, sessionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		e.failed.Add(1)
		e.logger.Printf("session %s: pipeline stopped: %v", sessionID, err)
		return
	}
	e.completed.Add(1)
}

func (e *Engine) run(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			kind, msg := cancelKind(ctx)
			return e.fail(sessionID, kind, msg)
		}
		return err
	}
	if session.IsTerminal(sess.Status) {
		return nil
	}

	history, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			kind, msg := cancelKind(ctx)
			return e.fail(sessionID, kind, msg)
		}
		return err
	}

	sctx, sspan := engineTracer.Start(ctx, "scope.resolve")
	res, err := e.scope.Resolve(sctx, history)
	if err != nil {
		sspan.RecordError(err)
		sspan.SetStatus(codes.Error, "scope failed")
	}
	sspan.End()
	if err != nil {
		if ctx.Err() != nil {
			kind, msg := cancelKind(ctx)
			return e.fail(sessionID, kind, msg)
		}
		// The session stays where it was so the user can retry by
		// resubmitting the message.
		e.softFail(sessionID, "reasoning_unavailable", err.Error())
		return err
	}

	// Intent lands with the first event; status does not change yet.
	if err := e.emit(ctx, store.Mutation{
		SessionID: sessionID,
		Update:    &store.SessionUpdate{Intent: store.String(res.Intent)},
		Event:     draft(event.IntentDetected(res.Intent)),
	}); err != nil {
		return err
	}

	if !res.Sufficient {
		if err := e.emit(ctx, store.Mutation{
			SessionID: sessionID,
			Status:    session.StatusClarifying,
			Update:    &store.SessionUpdate{ClarificationQuestion: store.String(res.Question)},
			Event:     draft(event.ClarificationNeeded(res.Question)),
		}); err != nil {
			return err
		}
		if _, err := e.store.AppendMessage(ctx, sessionID, "assistant", res.Question); err != nil {
			e.logger.Printf("session %s: recording clarification message failed: %v", sessionID, err)
		}
		e.logger.Printf("session %s waiting for clarification", sessionID)
		return nil
	}

	if err := e.emit(ctx, store.Mutation{
		SessionID: sessionID,
		Status:    session.StatusBriefed,
		Update: &store.SessionUpdate{
			ResearchBrief:         store.String(res.Brief),
			ClarificationQuestion: store.String(""),
		},
		Event: draft(event.BriefReady(res.Brief)),
	}); err != nil {
		return err
	}

	return e.research(ctx, sessionID, res.Brief)
}

// research drives briefed through researching and reporting to done. The
// researching transition and its start event are durable before any worker
// runs, so a crash never leaves an unexplained researching session.
func (e *Engine) research(ctx context.Context, sessionID, brief string) error {
	researchStart := time.Now()

	if err := e.emit(ctx, store.Mutation{
		SessionID: sessionID,
		Status:    session.StatusResearching,
		Event:     draft(event.ProgressStart()),
	}); err != nil {
		return err
	}

	stopHeartbeat := e.startHeartbeat(ctx, sessionID, researchStart)
	defer stopHeartbeat()

	pctx, pspan := engineTracer.Start(ctx, "supervisor.plan")
	tasks, err := e.sup.Plan(pctx, brief)
	if err != nil {
		pspan.RecordError(err)
		pspan.SetStatus(codes.Error, "plan failed")
	}
	pspan.End()
	if err != nil {
		if ctx.Err() != nil {
			kind, msg := cancelKind(ctx)
			return e.fail(sessionID, kind, msg)
		}
		return e.fail(sessionID, "reasoning_unavailable", fmt.Sprintf("plan research: %v", err))
	}

	total := len(tasks)
	results := e.sup.Dispatch(ctx, tasks, func(res TaskResult, completed, total int) {
		if ctx.Err() != nil {
			return
		}
		if res.Degraded {
			e.count(e.tasksDegraded, 1)
		}
		mut := store.Mutation{
			SessionID: sessionID,
			Event:     draft(event.ProgressTaskComplete(res.TaskID, completed, total, time.Since(researchStart))),
		}
		if err := e.emit(ctx, mut); err != nil {
			e.logger.Printf("session %s: task progress emit failed: %v", sessionID, err)
		}
	})
	stopHeartbeat()

	if ctx.Err() != nil {
		kind, msg := cancelKind(ctx)
		return e.fail(sessionID, kind, msg)
	}

	degraded := degradedCount(results)
	findings := e.sup.Aggregate(tasks, results)

	// Notes persist in task creation order, like the aggregated findings,
	// no matter the order workers finished in.
	update := &store.SessionUpdate{AggregatedFindings: store.String(findings)}
	if gathered := flattenNotes(results); len(gathered) > 0 {
		update.AppendNotes = gathered
	}

	if err := e.emit(ctx, store.Mutation{
		SessionID: sessionID,
		Status:    session.StatusReporting,
		Update:    update,
		Event:     draft(event.ResearchComplete(total, degraded, time.Since(researchStart))),
	}); err != nil {
		return err
	}

	notes, err := e.store.ListNotes(ctx, sessionID)
	if err != nil {
		e.logger.Printf("session %s: listing notes for the report failed: %v", sessionID, err)
		notes = nil
	}

	report, err := e.composeWithRetries(ctx, sessionID, brief, findings, notes)
	if err != nil {
		if ctx.Err() != nil {
			kind, msg := cancelKind(ctx)
			return e.fail(sessionID, kind, msg)
		}
		return e.fail(sessionID, "reasoning_unavailable", fmt.Sprintf("compose report: %v", err))
	}

	if err := e.emit(ctx, store.Mutation{
		SessionID: sessionID,
		Status:    session.StatusDone,
		Update: &store.SessionUpdate{
			FinalReport: store.String(report),
			LastError:   store.String(""),
		},
		Event: draft(event.ReportReady(report)),
	}); err != nil {
		return err
	}
	if _, err := e.store.AppendMessage(ctx, sessionID, "assistant", report); err != nil {
		e.logger.Printf("session %s: recording report message failed: %v", sessionID, err)
	}

	e.count(e.reportsComposed, 1)
	e.logger.Printf("session %s done: %d tasks, %d degraded, %v", sessionID, total, degraded, time.Since(researchStart))
	return nil
}

func (e *Engine) composeWithRetries(ctx context.Context, sessionID, brief, findings string, notes []store.Note) (string, error) {
	attempts := e.cfg.Research.ComposeRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		report, err := e.composer.Compose(ctx, sessionID, brief, findings, notes)
		if err == nil {
			return report, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", err
		}
		e.logger.Printf("session %s: compose attempt %d/%d failed: %v", sessionID, attempt, attempts, err)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(e.cfg.Reasoning.Backoff * time.Duration(attempt)):
			}
		}
	}
	return "", lastErr
}

// startHeartbeat emits running progress on the configured interval until the
// returned stop function is called or the context ends. Heartbeats append
// events without touching the session status.
func (e *Engine) startHeartbeat(ctx context.Context, sessionID string, started time.Time) func() {
	interval := e.cfg.Research.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				if err := e.emit(ctx, store.Mutation{
					SessionID: sessionID,
					Event:     draft(event.ProgressRunning(time.Since(started))),
				}); err != nil {
					e.logger.Printf("session %s: heartbeat emit failed: %v", sessionID, err)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// fail moves the session to failed and records why. It runs on a fresh
// context so it still lands after the pipeline context is cancelled, and it
// always returns a non-nil error describing the failure.
func (e *Engine) fail(sessionID, kind, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := e.emit(ctx, store.Mutation{
		SessionID: sessionID,
		Status:    session.StatusFailed,
		Update:    &store.SessionUpdate{LastError: store.String(message)},
		Event:     draft(event.ErrorEvent(kind, message)),
	})
	if err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		e.logger.Printf("session %s: recording failure failed: %v", sessionID, err)
	}
	return fmt.Errorf("%s: %s", kind, message)
}

// softFail records an error event without changing the session status, for
// failures the user can retry by sending another message.
func (e *Engine) softFail(sessionID, kind, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.emit(ctx, store.Mutation{
		SessionID: sessionID,
		Update:    &store.SessionUpdate{LastError: store.String(message)},
		Event:     draft(event.ErrorEvent(kind, message)),
	}); err != nil {
		e.logger.Printf("session %s: recording error failed: %v", sessionID, err)
	}
}

// emit applies a mutation and broadcasts the appended event to subscribers.
func (e *Engine) emit(ctx context.Context, m store.Mutation) error {
	ev, err := e.store.Apply(ctx, m)
	if err != nil {
		return err
	}
	e.hub.Publish(ev)
	e.count(e.eventsAppended, 1)
	return nil
}

func (e *Engine) count(c otelmetric.Int64Counter, n int64) {
	if c != nil {
		c.Add(context.Background(), n)
	}
}

func (e *Engine) periodicLog() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.logger.Printf("pipelines: submitted=%d completed=%d failed=%d",
				e.submitted.Load(), e.completed.Load(), e.failed.Load())
		}
	}
}

func cancelKind(ctx context.Context) (kind, message string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout", "research timed out"
	}
	return "cancelled", "research cancelled"
}

func draft(d event.Draft) *event.Draft { return &d }
