package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/codemilestones/Fairy/config"
	"github.com/codemilestones/Fairy/internal/event"
	"github.com/codemilestones/Fairy/internal/session"
)

// Postgres is the production store. DB is exported for tests.
type Postgres struct {
	DB *sql.DB
}

// NewPostgres opens and pings the database described by cfg.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{DB: db}, nil
}

func (s *Postgres) Close() error { return s.DB.Close() }

// User operations

func (s *Postgres) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1,$2) RETURNING id`,
		email, passwordHash).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return "", fmt.Errorf("%w: email %s", ErrConflict, email)
		}
		return "", err
	}
	return id, nil
}

func (s *Postgres) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Session operations

const sessionColumns = `id, user_id, title, status, intent, clarification_question, research_brief, aggregated_findings, final_report, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, error) {
	var sess session.Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Status, &sess.Intent,
		&sess.ClarificationQuestion, &sess.ResearchBrief, &sess.AggregatedFindings,
		&sess.FinalReport, &sess.LastError, &sess.CreatedAt, &sess.UpdatedAt)
	return sess, err
}

func (s *Postgres) CreateSession(ctx context.Context, userID, title string) (session.Session, error) {
	row := s.DB.QueryRowContext(ctx,
		`INSERT INTO sessions (user_id, title) VALUES ($1,$2) RETURNING `+sessionColumns,
		userID, title)
	return scanSession(row)
}

func (s *Postgres) GetSession(ctx context.Context, id string) (session.Session, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess, err
}

func (s *Postgres) ListSessions(ctx context.Context, userID string) ([]session.Session, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Message operations

func (s *Postgres) AppendMessage(ctx context.Context, sessionID, role, content string) (session.Message, error) {
	m := session.Message{SessionID: sessionID, Role: role, Content: content}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO messages (session_id, role, content) VALUES ($1,$2,$3) RETURNING id, created_at`,
		sessionID, role, content).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
			return session.Message{}, session.ErrSessionNotFound
		}
		return session.Message{}, err
	}
	return m, nil
}

func (s *Postgres) ListMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id=$1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []session.Message
	for rows.Next() {
		var m session.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Note operations

func (s *Postgres) ListNotes(ctx context.Context, sessionID string) ([]Note, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, session_id, task_id, pos, title, url, content, created_at FROM session_notes WHERE session_id=$1 ORDER BY pos ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.SessionID, &n.TaskID, &n.Position, &n.Title, &n.URL, &n.Content, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Event operations

func (s *Postgres) ListEventsAfter(ctx context.Context, sessionID string, after int64) ([]event.Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT session_id, sequence_id, type, payload, created_at FROM events WHERE session_id=$1 AND sequence_id>$2 ORDER BY sequence_id ASC`,
		sessionID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []event.Event
	for rows.Next() {
		var ev event.Event
		var payload []byte
		if err := rows.Scan(&ev.SessionID, &ev.SequenceID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", ev.SequenceID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Apply runs the mutation in one transaction. The session row lock
// serializes concurrent appenders, which keeps sequence numbers gap-free.
func (s *Postgres) Apply(ctx context.Context, m Mutation) (event.Event, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, err
	}
	defer tx.Rollback()

	var current session.Status
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM sessions WHERE id=$1 FOR UPDATE`, m.SessionID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, session.ErrSessionNotFound
		}
		return event.Event{}, err
	}
	if err := checkTransition(current, m.Status); err != nil {
		return event.Event{}, err
	}

	status := m.Status
	if status == "" {
		status = current
	}
	u := m.Update
	if u == nil {
		u = &SessionUpdate{}
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET
  status = $2,
  title = COALESCE($3, title),
  intent = COALESCE($4, intent),
  clarification_question = COALESCE($5, clarification_question),
  research_brief = COALESCE($6, research_brief),
  aggregated_findings = COALESCE($7, aggregated_findings),
  final_report = COALESCE($8, final_report),
  last_error = COALESCE($9, last_error),
  updated_at = NOW()
WHERE id = $1`,
		m.SessionID, string(status), u.Title, u.Intent, u.ClarificationQuestion,
		u.ResearchBrief, u.AggregatedFindings, u.FinalReport, u.LastError); err != nil {
		return event.Event{}, err
	}

	for _, n := range u.AppendNotes {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO session_notes (session_id, task_id, pos, title, url, content)
VALUES ($1, $2, (SELECT COALESCE(MAX(pos),0)+1 FROM session_notes WHERE session_id=$1), $3, $4, $5)`,
			m.SessionID, n.TaskID, n.Title, n.URL, n.Content); err != nil {
			return event.Event{}, err
		}
	}

	var ev event.Event
	if m.Event != nil {
		payload, err := json.Marshal(m.Event.Payload)
		if err != nil {
			return event.Event{}, err
		}
		ev = event.Event{SessionID: m.SessionID, Type: m.Event.Type, Payload: m.Event.Payload}
		if err := tx.QueryRowContext(ctx, `
INSERT INTO events (session_id, sequence_id, type, payload)
VALUES ($1, (SELECT COALESCE(MAX(sequence_id),0)+1 FROM events WHERE session_id=$1), $2, $3)
RETURNING sequence_id, created_at`,
			m.SessionID, string(m.Event.Type), payload).Scan(&ev.SequenceID, &ev.CreatedAt); err != nil {
			return event.Event{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

// Retention

func (s *Postgres) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM sessions WHERE status IN ('done','failed') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
