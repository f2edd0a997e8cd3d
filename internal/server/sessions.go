package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/codemilestones/Fairy/internal/notes"
	"github.com/codemilestones/Fairy/internal/runtime"
	"github.com/codemilestones/Fairy/internal/session"
	"github.com/codemilestones/Fairy/internal/store"
)

// Pipeline is the slice of the research engine the HTTP surface drives.
type Pipeline interface {
	SubmitMessage(ctx context.Context, sessionID, content string) (session.Message, error)
	Cancel(ctx context.Context, sessionID string) error
}

type SessionsHandler struct {
	Store    store.Store
	Pipeline Pipeline
	Catalog  *notes.Catalog
}

func (h *SessionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/messages", h.submitMessage)
	g.POST("/:id/cancel", h.cancel)
	g.GET("/:id/report", h.report)
	g.GET("/:id/search", h.searchNotes)
}

// owned loads the session and hides it behind not-found when it belongs to
// someone else.
func (h *SessionsHandler) owned(c echo.Context, id string) (session.Session, error) {
	sess, err := h.Store.GetSession(c.Request().Context(), id)
	if err != nil {
		return session.Session{}, err
	}
	if userID, _ := c.Get("user_id").(string); sess.UserID != userID {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess, nil
}

// Create session
//
//	@Summary	Create a research session
//	@Tags		sessions
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		CreateSessionRequest	true	"Session payload"
//	@Success	201		{object}	IDResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	500		{object}	HTTPError
//	@Router		/api/sessions [post]
func (h *SessionsHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.Store.CreateSession(c.Request().Context(), userID, strings.TrimSpace(req.Title))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: sess.ID})
}

// List sessions
//
//	@Summary	List the caller's sessions
//	@Tags		sessions
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{array}		session.Session
//	@Failure	500	{object}	HTTPError
//	@Router		/api/sessions [get]
func (h *SessionsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	items, err := h.Store.ListSessions(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// Get session
//
//	@Summary	Session snapshot with messages and notes
//	@Tags		sessions
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Session ID"
//	@Produce	json
//	@Success	200	{object}	SessionDetailResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	500	{object}	HTTPError
//	@Router		/api/sessions/{id} [get]
func (h *SessionsHandler) get(c echo.Context) error {
	sess, err := h.owned(c, c.Param("id"))
	if err != nil {
		return sessionHTTPError(err)
	}
	ctx := c.Request().Context()
	msgs, err := h.Store.ListMessages(ctx, sess.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	noteRows, err := h.Store.ListNotes(ctx, sess.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SessionDetailResponse{Session: sess, Messages: msgs, Notes: noteRows})
}

// Submit message
//
//	@Summary		Submit a user message
//	@Description	Accepts the message and runs the pipeline in the background
//	@Tags			sessions
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Param			id		path	string					true	"Session ID"
//	@Param			payload	body	SubmitMessageRequest	true	"Message payload"
//	@Accept			json
//	@Produce		json
//	@Success		202	{object}	MessageAcceptedResponse
//	@Failure		400	{object}	HTTPError
//	@Failure		404	{object}	HTTPError
//	@Failure		409	{object}	HTTPError
//	@Router			/api/sessions/{id}/messages [post]
func (h *SessionsHandler) submitMessage(c echo.Context) error {
	sess, err := h.owned(c, c.Param("id"))
	if err != nil {
		return sessionHTTPError(err)
	}
	var req SubmitMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content required")
	}
	msg, err := h.Pipeline.SubmitMessage(c.Request().Context(), sess.ID, req.Content)
	if err != nil {
		return sessionHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, MessageAcceptedResponse{
		MessageID: msg.ID,
		SessionID: sess.ID,
		Status:    "accepted",
	})
}

// Cancel session
//
//	@Summary		Cancel a session
//	@Description	Signals an in-flight pipeline to stop at its next step
//	@Tags			sessions
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Param			id	path	string	true	"Session ID"
//	@Produce		json
//	@Success		202	{string}	string	"Accepted"
//	@Failure		404	{object}	HTTPError
//	@Failure		409	{object}	HTTPError
//	@Router			/api/sessions/{id}/cancel [post]
func (h *SessionsHandler) cancel(c echo.Context) error {
	sess, err := h.owned(c, c.Param("id"))
	if err != nil {
		return sessionHTTPError(err)
	}
	if err := h.Pipeline.Cancel(c.Request().Context(), sess.ID); err != nil {
		return sessionHTTPError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// Get report
//
//	@Summary		Final report
//	@Description	Available once the session is done
//	@Tags			sessions
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Param			id	path	string	true	"Session ID"
//	@Produce		json
//	@Success		200	{object}	ReportResponse
//	@Failure		404	{object}	HTTPError
//	@Failure		409	{object}	HTTPError
//	@Router			/api/sessions/{id}/report [get]
func (h *SessionsHandler) report(c echo.Context) error {
	sess, err := h.owned(c, c.Param("id"))
	if err != nil {
		return sessionHTTPError(err)
	}
	if sess.Status != session.StatusDone {
		return echo.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("report not ready: session is %s", sess.Status))
	}
	return c.JSON(http.StatusOK, ReportResponse{Report: sess.FinalReport})
}

// Search notes
//
//	@Summary	Keyword search over the session's research notes
//	@Tags		sessions
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Session ID"
//	@Param		q	query	string	true	"Query string"
//	@Param		k	query	int		false	"Max hits (default 5)"
//	@Produce	json
//	@Success	200	{array}		notes.Hit
//	@Failure	400	{object}	HTTPError
//	@Failure	404	{object}	HTTPError
//	@Router		/api/sessions/{id}/search [get]
func (h *SessionsHandler) searchNotes(c echo.Context) error {
	sess, err := h.owned(c, c.Param("id"))
	if err != nil {
		return sessionHTTPError(err)
	}
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	k := 5
	if v := strings.TrimSpace(c.QueryParam("k")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			k = n
		}
	}
	hits, err := h.Catalog.Search(c.Request().Context(), sess.ID, q, k)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hits == nil {
		hits = []notes.Hit{}
	}
	return c.JSON(http.StatusOK, hits)
}

// sessionHTTPError maps engine/store errors onto HTTP statuses.
func sessionHTTPError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
