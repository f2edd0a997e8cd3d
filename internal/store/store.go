// Package store persists users, sessions, messages, notes and the
// per-session event log. Two drivers exist: Postgres for production and an
// in-memory store for development and tests. Both enforce the session
// lifecycle and assign gap-free event sequence numbers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codemilestones/Fairy/config"
	"github.com/codemilestones/Fairy/internal/event"
	"github.com/codemilestones/Fairy/internal/session"
)

// ErrConflict marks unique constraint violations (duplicate email).
var ErrConflict = errors.New("already exists")

// Note is one source captured by a research task, kept in reading order.
type Note struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Position  int       `json:"position"`
	Title     string    `json:"title,omitempty"`
	URL       string    `json:"url,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionUpdate names the session fields a Mutation may change. Nil pointers
// leave the column untouched.
type SessionUpdate struct {
	Title                 *string
	Intent                *string
	ClarificationQuestion *string
	ResearchBrief         *string
	AggregatedFindings    *string
	FinalReport           *string
	LastError             *string
	AppendNotes           []Note
}

// Mutation is one atomic step of a session: an optional status transition,
// optional field updates and an optional event append. Observers never see a
// status without its announcing event or vice versa.
type Mutation struct {
	SessionID string
	Status    session.Status // empty means keep the current status
	Update    *SessionUpdate
	Event     *event.Draft
}

// Store is the persistence surface of the engine.
type Store interface {
	CreateUser(ctx context.Context, email, passwordHash string) (string, error)
	GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error)

	CreateSession(ctx context.Context, userID, title string) (session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	ListSessions(ctx context.Context, userID string) ([]session.Session, error)

	AppendMessage(ctx context.Context, sessionID, role, content string) (session.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]session.Message, error)

	ListNotes(ctx context.Context, sessionID string) ([]Note, error)
	ListEventsAfter(ctx context.Context, sessionID string, after int64) ([]event.Event, error)

	Apply(ctx context.Context, m Mutation) (event.Event, error)

	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// New builds the store named by config.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "postgres":
		return NewPostgres(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// checkTransition validates a requested status change against the lifecycle.
// An empty next status means no change and is always allowed.
func checkTransition(current, next session.Status) error {
	if next == "" {
		// A terminal session accepts no further appends: the error or
		// report event stays the last word on the channel.
		if session.IsTerminal(current) {
			return fmt.Errorf("%w: session is already %s", session.ErrInvalidTransition, current)
		}
		return nil
	}
	if !session.CanTransition(current, next) {
		return fmt.Errorf("%w: %s -> %s", session.ErrInvalidTransition, current, next)
	}
	return nil
}

// String returns a pointer to s, for building SessionUpdates inline.
func String(s string) *string { return &s }
