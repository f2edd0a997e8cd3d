package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codemilestones/Fairy/internal/event"
	"github.com/codemilestones/Fairy/internal/session"
)

func newSession(t *testing.T, st *Memory) session.Session {
	t.Helper()
	sess, err := st.CreateSession(context.Background(), "user-1", "solar panels")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != session.StatusNew {
		t.Fatalf("expected new status, got %s", sess.Status)
	}
	return sess
}

func TestMemorySequenceIsGapFree(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	sess := newSession(t, st)

	steps := []Mutation{
		{SessionID: sess.ID, Status: session.StatusBriefed, Event: draft(event.BriefReady("b"))},
		{SessionID: sess.ID, Status: session.StatusResearching, Event: draft(event.ProgressStart())},
		{SessionID: sess.ID, Event: draft(event.ProgressRunning(2 * time.Second))},
		{SessionID: sess.ID, Event: draft(event.ProgressRunning(4 * time.Second))},
		{SessionID: sess.ID, Status: session.StatusReporting, Event: draft(event.ResearchComplete(3, 0, 6*time.Second))},
		{SessionID: sess.ID, Status: session.StatusDone, Event: draft(event.ReportReady("report"))},
	}
	for i, m := range steps {
		ev, err := st.Apply(ctx, m)
		if err != nil {
			t.Fatalf("Apply step %d: %v", i, err)
		}
		if ev.SequenceID != int64(i+1) {
			t.Fatalf("step %d: expected seq %d, got %d", i, i+1, ev.SequenceID)
		}
	}

	events, err := st.ListEventsAfter(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("ListEventsAfter: %v", err)
	}
	if len(events) != len(steps) {
		t.Fatalf("expected %d events, got %d", len(steps), len(events))
	}
	for i, ev := range events {
		if ev.SequenceID != int64(i+1) {
			t.Fatalf("gap at position %d: seq %d", i, ev.SequenceID)
		}
	}
}

func TestMemoryRejectsIllegalTransition(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	sess := newSession(t, st)

	if _, err := st.Apply(ctx, Mutation{SessionID: sess.ID, Status: session.StatusResearching}); !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// the failed attempt must not have touched the session
	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != session.StatusNew {
		t.Fatalf("status changed on failed transition: %s", got.Status)
	}
	events, _ := st.ListEventsAfter(ctx, sess.ID, 0)
	if len(events) != 0 {
		t.Fatalf("events appended on failed transition: %d", len(events))
	}
}

func TestMemoryTerminalIsAbsorbing(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	sess := newSession(t, st)

	if _, err := st.Apply(ctx, Mutation{SessionID: sess.ID, Status: session.StatusFailed, Event: draft(event.ErrorEvent("cancelled", "user cancelled"))}); err != nil {
		t.Fatalf("Apply failed transition: %v", err)
	}
	for _, next := range []session.Status{session.StatusNew, session.StatusBriefed, session.StatusDone, session.StatusFailed} {
		if _, err := st.Apply(ctx, Mutation{SessionID: sess.ID, Status: next}); !errors.Is(err, session.ErrInvalidTransition) {
			t.Fatalf("expected terminal state to absorb %s, got %v", next, err)
		}
	}

	// Status-less appends are rejected too: the terminal event stays the
	// last one on the channel.
	_, err := st.Apply(ctx, Mutation{SessionID: sess.ID, Event: draft(event.IntentDetected("late"))})
	if !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("expected terminal session to reject event appends, got %v", err)
	}
	evs, err := st.ListEventsAfter(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("ListEventsAfter: %v", err)
	}
	if last := evs[len(evs)-1]; last.Type != event.TypeError {
		t.Fatalf("expected the error event to stay last, got %s", last.Type)
	}
}

func TestMemoryApplyUpdatesFieldsAndNotes(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	sess := newSession(t, st)

	_, err := st.Apply(ctx, Mutation{
		SessionID: sess.ID,
		Status:    session.StatusBriefed,
		Update: &SessionUpdate{
			Intent:        String("compare solar panels"),
			ResearchBrief: String("the brief"),
			AppendNotes: []Note{
				{TaskID: "t1", Title: "Doc A", URL: "https://a", Content: "alpha"},
				{TaskID: "t1", Title: "Doc B", URL: "https://b", Content: "beta"},
			},
		},
		Event: draft(event.BriefReady("the brief")),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Intent != "compare solar panels" || got.ResearchBrief != "the brief" {
		t.Fatalf("fields not updated: %+v", got)
	}
	if got.Title != "solar panels" {
		t.Fatalf("untouched field changed: %q", got.Title)
	}

	notes, err := st.ListNotes(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(notes) != 2 || notes[0].Position != 1 || notes[1].Position != 2 {
		t.Fatalf("unexpected note positions: %+v", notes)
	}
}

func TestMemoryPayloadNormalizedLikeJSONB(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	sess := newSession(t, st)

	if _, err := st.Apply(ctx, Mutation{SessionID: sess.ID, Status: session.StatusBriefed, Event: draft(event.BriefReady("b"))}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := st.Apply(ctx, Mutation{SessionID: sess.ID, Status: session.StatusResearching, Event: draft(event.ProgressTaskComplete("t1", 1, 3, time.Second))}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	events, _ := st.ListEventsAfter(ctx, sess.ID, 1)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	// jsonb returns numbers as float64
	if got, ok := events[0].Payload["completed"].(float64); !ok || got != 1 {
		t.Fatalf("expected completed as float64 1, got %#v", events[0].Payload["completed"])
	}
}

func TestMemoryRetentionDeletesTerminalOnly(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	doneSess := newSession(t, st)
	if _, err := st.Apply(ctx, Mutation{SessionID: doneSess.ID, Status: session.StatusFailed, Event: draft(event.ErrorEvent("x", "y"))}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	liveSess := newSession(t, st)

	n, err := st.DeleteSessionsBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteSessionsBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, err := st.GetSession(ctx, doneSess.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("terminal session should be gone, got %v", err)
	}
	if _, err := st.GetSession(ctx, liveSess.ID); err != nil {
		t.Fatalf("live session should survive: %v", err)
	}
	if events, _ := st.ListEventsAfter(ctx, doneSess.ID, 0); len(events) != 0 {
		t.Fatalf("events should cascade on delete")
	}
}

func TestMemoryCreateUserConflict(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	if _, err := st.CreateUser(ctx, "a@b.c", "h1"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := st.CreateUser(ctx, "a@b.c", "h2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryAppendMessageUnknownSession(t *testing.T) {
	st := NewMemory()
	if _, err := st.AppendMessage(context.Background(), "ghost", "user", "hi"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func draft(d event.Draft) *event.Draft { return &d }
