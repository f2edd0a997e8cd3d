package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/codemilestones/Fairy/internal/event"
	"github.com/codemilestones/Fairy/internal/runtime"
	"github.com/codemilestones/Fairy/internal/session"
	"github.com/codemilestones/Fairy/internal/store"
)

// keepaliveInterval paces SSE comment frames so proxies keep idle
// connections open while research is quiet.
const keepaliveInterval = 15 * time.Second

type EventsHandler struct {
	Store store.Store
	Hub   *event.Hub
}

func (h *EventsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("/:id/events", h.stream)
}

// stream replays the session's event log from the requested cursor and then
// follows it live via Server-Sent Events.
//
//	@Summary	Session event stream
//	@Tags		events
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id					path	string	true	"Session ID"
//	@Param		after_sequence_id	query	int		false	"Replay cursor; 0 replays from the start"
//	@Produce	text/event-stream
//	@Success	200	{string}	string
//	@Failure	400	{object}	HTTPError
//	@Failure	404	{object}	HTTPError
//	@Failure	503	{object}	HTTPError
//	@Router		/api/sessions/{id}/events [get]
func (h *EventsHandler) stream(c echo.Context) error {
	sess, err := h.Store.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionHTTPError(err)
	}
	if userID, _ := c.Get("user_id").(string); sess.UserID != userID {
		return sessionHTTPError(session.ErrSessionNotFound)
	}

	after, err := resumeCursor(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	ctx := c.Request().Context()
	frames := make(chan event.Event)
	done := make(chan error, 1)
	go func() {
		done <- event.Stream(ctx, h.Store, h.Hub, sess.ID, after, func(ev event.Event) error {
			select {
			case frames <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[SSE] session %s stream ended: %v", sess.ID, err)
			}
			return nil
		case ev := <-frames:
			if err := writeSSE(resp, ev); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(resp, ": keep-alive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

// resumeCursor reads the replay offset from the query string, falling back
// to the Last-Event-ID header EventSource sends on reconnect.
func resumeCursor(c echo.Context) (int64, error) {
	if v := strings.TrimSpace(c.QueryParam("after_sequence_id")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid after_sequence_id %q", v)
		}
		return n, nil
	}
	if v := strings.TrimSpace(c.Request().Header.Get("Last-Event-ID")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n, nil
		}
	}
	return 0, nil
}

func writeSSE(resp *echo.Response, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(resp, "id: %d\nevent: %s\ndata: %s\n\n", ev.SequenceID, ev.Type, data)
	return err
}
