package server

import (
	"context"
	"testing"
	"time"

	"github.com/codemilestones/Fairy/config"
	"github.com/codemilestones/Fairy/internal/event"
	"github.com/codemilestones/Fairy/internal/notes"
	"github.com/codemilestones/Fairy/internal/session"
	"github.com/codemilestones/Fairy/internal/store"
)

func TestSweepRemovesOnlyOldTerminalSessions(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	old, err := st.CreateSession(ctx, "user-1", "finished long ago")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	failSession(t, st, old.ID)

	active, err := st.CreateSession(ctx, "user-1", "still going")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// A negative max age puts the cutoff in the future, so every terminal
	// session qualifies; the non-terminal one must survive regardless.
	r := &Retention{
		Store:   st,
		Catalog: notes.NewCatalog(st),
		Cfg:     config.RetentionConfig{Cron: "0 * * * *", MaxAge: -time.Hour},
		Stop:    make(chan struct{}),
	}
	r.sweep()

	if _, err := st.GetSession(ctx, old.ID); err == nil {
		t.Fatal("old terminal session should be swept")
	}
	if _, err := st.GetSession(ctx, active.ID); err != nil {
		t.Fatalf("active session should survive the sweep: %v", err)
	}
}

func failSession(t *testing.T, st store.Store, id string) {
	t.Helper()
	d := event.ErrorEvent("cancelled", "test")
	_, err := st.Apply(context.Background(), store.Mutation{
		SessionID: id,
		Status:    session.StatusFailed,
		Event:     &d,
	})
	if err != nil {
		t.Fatalf("fail session: %v", err)
	}
}
