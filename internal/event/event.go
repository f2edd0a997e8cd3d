// Package event defines the per-session event log entries and the in-process
// hub that fans them out to live subscribers. The durable log (the store) is
// the source of truth; the hub is only a wake-up channel.
package event

import (
	"context"
	"time"
)

// Type names one kind of session event.
type Type string

const (
	TypeIntentDetected      Type = "intent_detected"
	TypeClarificationNeeded Type = "scope_clarification_needed"
	TypeBriefReady          Type = "research_brief_ready"
	TypeProgress            Type = "research_progress"
	TypeResearchComplete    Type = "research_complete"
	TypeReportReady         Type = "final_report_ready"
	TypeError               Type = "error"
)

// Event is one appended log entry. SequenceID starts at 1 per session and
// increases without gaps.
type Event struct {
	SessionID  string         `json:"session_id"`
	SequenceID int64          `json:"sequence_id"`
	Type       Type           `json:"type"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Draft is an event before the store assigns its sequence number.
type Draft struct {
	Type    Type
	Payload map[string]any
}

// Log is the durable side of the channel, implemented by the store.
type Log interface {
	ListEventsAfter(ctx context.Context, sessionID string, after int64) ([]Event, error)
}

func IntentDetected(intent string) Draft {
	return Draft{Type: TypeIntentDetected, Payload: map[string]any{"intent": intent}}
}

func ClarificationNeeded(question string) Draft {
	return Draft{Type: TypeClarificationNeeded, Payload: map[string]any{"question": question}}
}

func BriefReady(brief string) Draft {
	return Draft{Type: TypeBriefReady, Payload: map[string]any{"brief": brief}}
}

// ProgressStart announces that research work has begun for the session.
func ProgressStart() Draft {
	return Draft{Type: TypeProgress, Payload: map[string]any{"stage": "start", "elapsed_time": 0.0}}
}

// ProgressRunning is the periodic heartbeat while tasks are in flight.
func ProgressRunning(elapsed time.Duration) Draft {
	return Draft{Type: TypeProgress, Payload: map[string]any{"stage": "running", "elapsed_time": elapsed.Seconds()}}
}

// ProgressTaskComplete marks one sub-task finishing.
func ProgressTaskComplete(taskID string, completed, total int, elapsed time.Duration) Draft {
	return Draft{Type: TypeProgress, Payload: map[string]any{
		"stage":        "task_complete",
		"elapsed_time": elapsed.Seconds(),
		"task_id":      taskID,
		"completed":    completed,
		"total":        total,
	}}
}

func ResearchComplete(tasks, degraded int, duration time.Duration) Draft {
	return Draft{Type: TypeResearchComplete, Payload: map[string]any{
		"tasks":            tasks,
		"degraded":         degraded,
		"duration_seconds": duration.Seconds(),
	}}
}

func ReportReady(report string) Draft {
	return Draft{Type: TypeReportReady, Payload: map[string]any{"report": report}}
}

// ErrorEvent records a failure. kind is a stable machine-readable name,
// message is for humans.
func ErrorEvent(kind, message string) Draft {
	return Draft{Type: TypeError, Payload: map[string]any{"kind": kind, "message": message}}
}
