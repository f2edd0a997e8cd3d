package server

import (
	"github.com/codemilestones/Fairy/internal/session"
	"github.com/codemilestones/Fairy/internal/store"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// CreateSessionRequest represents a new research session payload.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// SubmitMessageRequest carries one user message for a session.
type SubmitMessageRequest struct {
	Content string `json:"content"`
}

// MessageAcceptedResponse acknowledges an accepted message. The pipeline
// runs in the background; progress arrives on the event stream.
type MessageAcceptedResponse struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// ReportResponse carries the final report of a done session.
type ReportResponse struct {
	Report string `json:"report"`
}

// SessionDetailResponse is a full session snapshot: the session row plus
// its conversation and the notes research has saved so far.
type SessionDetailResponse struct {
	Session  session.Session   `json:"session"`
	Messages []session.Message `json:"messages"`
	Notes    []store.Note      `json:"notes"`
}
