// Package session defines the research session lifecycle: its states, the
// legal transitions between them, and the in-process registry that serializes
// work per session.
package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusNew         Status = "new"
	StatusClarifying  Status = "clarifying"
	StatusBriefed     Status = "briefed"
	StatusResearching Status = "researching"
	StatusReporting   Status = "reporting"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
)

// ErrSessionNotFound is returned when a session id does not exist or belongs
// to another user.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidTransition is returned when an operation is not legal in the
// session's current state.
var ErrInvalidTransition = errors.New("invalid session transition")

// transitions lists the legal next states per state. Terminal states have no
// entries: nothing leaves done or failed.
var transitions = map[Status][]Status{
	StatusNew:         {StatusClarifying, StatusBriefed, StatusFailed},
	StatusClarifying:  {StatusClarifying, StatusBriefed, StatusFailed},
	StatusBriefed:     {StatusResearching, StatusFailed},
	StatusResearching: {StatusReporting, StatusFailed},
	StatusReporting:   {StatusDone, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanAcceptMessage reports whether a user message may start or continue
// scoping in the given state.
func CanAcceptMessage(s Status) bool {
	return s == StatusNew || s == StatusClarifying
}

// IsTerminal reports whether the state is absorbing.
func IsTerminal(s Status) bool {
	return s == StatusDone || s == StatusFailed
}

// Session is one research conversation from first message to final report.
type Session struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"user_id"`
	Title                 string    `json:"title,omitempty"`
	Status                Status    `json:"status"`
	Intent                string    `json:"intent,omitempty"`
	ClarificationQuestion string    `json:"clarification_question,omitempty"`
	ResearchBrief         string    `json:"research_brief,omitempty"`
	AggregatedFindings    string    `json:"aggregated_findings,omitempty"`
	FinalReport           string    `json:"final_report,omitempty"`
	LastError             string    `json:"last_error,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Message is one turn of the scoping conversation.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
