package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codemilestones/Fairy/internal/event"
	"github.com/codemilestones/Fairy/internal/session"
)

type memUser struct {
	id   string
	hash string
}

// Memory keeps everything in maps. It mirrors the Postgres semantics,
// including jsonb normalization of event payloads, so tests against it carry
// over.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]memUser // keyed by email
	sessions map[string]session.Session
	messages map[string][]session.Message
	notes    map[string][]Note
	events   map[string][]event.Event
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]memUser),
		sessions: make(map[string]session.Session),
		messages: make(map[string][]session.Message),
		notes:    make(map[string][]Note),
		events:   make(map[string][]event.Event),
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return "", fmt.Errorf("%w: email %s", ErrConflict, email)
	}
	id := uuid.NewString()
	s.users[email] = memUser{id: id, hash: passwordHash}
	return id, nil
}

func (s *Memory) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[email]
	if !ok {
		return "", "", fmt.Errorf("user %s not found", email)
	}
	return u.id, u.hash, nil
}

func (s *Memory) CreateSession(ctx context.Context, userID, title string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	sess := session.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Status:    session.StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *Memory) GetSession(ctx context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Memory) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []session.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) AppendMessage(ctx context.Context, sessionID, role, content string) (session.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return session.Message{}, session.ErrSessionNotFound
	}
	m := session.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[sessionID] = append(s.messages[sessionID], m)
	return m, nil
}

func (s *Memory) ListMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.Message, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out, nil
}

func (s *Memory) ListNotes(ctx context.Context, sessionID string) ([]Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Note, len(s.notes[sessionID]))
	copy(out, s.notes[sessionID])
	return out, nil
}

func (s *Memory) ListEventsAfter(ctx context.Context, sessionID string, after int64) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, ev := range s.events[sessionID] {
		if ev.SequenceID > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Memory) Apply(ctx context.Context, m Mutation) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[m.SessionID]
	if !ok {
		return event.Event{}, session.ErrSessionNotFound
	}
	if err := checkTransition(sess.Status, m.Status); err != nil {
		return event.Event{}, err
	}

	if m.Status != "" {
		sess.Status = m.Status
	}
	if u := m.Update; u != nil {
		if u.Title != nil {
			sess.Title = *u.Title
		}
		if u.Intent != nil {
			sess.Intent = *u.Intent
		}
		if u.ClarificationQuestion != nil {
			sess.ClarificationQuestion = *u.ClarificationQuestion
		}
		if u.ResearchBrief != nil {
			sess.ResearchBrief = *u.ResearchBrief
		}
		if u.AggregatedFindings != nil {
			sess.AggregatedFindings = *u.AggregatedFindings
		}
		if u.FinalReport != nil {
			sess.FinalReport = *u.FinalReport
		}
		if u.LastError != nil {
			sess.LastError = *u.LastError
		}
		for _, n := range u.AppendNotes {
			n.ID = uuid.NewString()
			n.SessionID = m.SessionID
			n.Position = len(s.notes[m.SessionID]) + 1
			n.CreatedAt = time.Now().UTC()
			s.notes[m.SessionID] = append(s.notes[m.SessionID], n)
		}
	}
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[m.SessionID] = sess

	var ev event.Event
	if m.Event != nil {
		ev = event.Event{
			SessionID:  m.SessionID,
			SequenceID: int64(len(s.events[m.SessionID]) + 1),
			Type:       m.Event.Type,
			Payload:    normalizePayload(m.Event.Payload),
			CreatedAt:  time.Now().UTC(),
		}
		s.events[m.SessionID] = append(s.events[m.SessionID], ev)
	}
	return ev, nil
}

func (s *Memory) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if session.IsTerminal(sess.Status) && sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			delete(s.messages, id)
			delete(s.notes, id)
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// normalizePayload round-trips the payload through JSON so numeric types
// match what the Postgres driver returns from jsonb columns.
func normalizePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return p
	}
	out := make(map[string]any, len(p))
	if err := json.Unmarshal(b, &out); err != nil {
		return p
	}
	return out
}
