package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/queue"
	"github.com/iliyamo/service-marketplace/internal/repository"
)

// NotificationHandler serves the in-app inbox.  Clients list once, then
// keep the stream open and list again whenever it pushes.
type NotificationHandler struct {
	responder
	Repo      *repository.NotificationRepo
	Fanout    *queue.RedisFanout
	Heartbeat time.Duration
}

func NewNotificationHandler(r *repository.NotificationRepo, f *queue.RedisFanout, log *zap.Logger) *NotificationHandler {
	if r == nil {
		panic("nil repository passed to NewNotificationHandler")
	}
	return &NotificationHandler{responder: newResponder(log), Repo: r, Fanout: f, Heartbeat: 25 * time.Second}
}

// List handles GET /v1/notifications?unread=true&limit=50.
func (h *NotificationHandler) List(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	unread, _ := strconv.ParseBool(c.QueryParam("unread"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	list, err := h.Repo.ListByUser(c.Request().Context(), uid, unread, limit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// MarkRead handles POST /v1/notifications/:id/read.
func (h *NotificationHandler) MarkRead(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid notification id")
	}
	if err := h.Repo.MarkRead(c.Request().Context(), uid, id); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// MarkAllRead handles POST /v1/notifications/read-all.
func (h *NotificationHandler) MarkAllRead(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	n, err := h.Repo.MarkAllRead(c.Request().Context(), uid)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"updated": n})
}

// Stream handles GET /v1/notifications/stream as Server-Sent Events.  Each
// notification stored for the caller arrives as a "notification" event
// whose data is the row as JSON; comment lines keep idle proxies from
// closing the connection.
func (h *NotificationHandler) Stream(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	ctx := c.Request().Context()
	sub := h.Fanout.Subscribe(ctx, uid)
	if sub == nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "push notifications are not configured"})
	}
	defer sub.Close()
	// Wait for the subscription so nothing published right after the
	// client sees "ready" is lost.
	if _, err := sub.Receive(ctx); err != nil {
		return h.fail(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "event: ready\ndata: {}\n\n")
	w.Flush()

	beat := h.Heartbeat
	if beat <= 0 {
		beat = 25 * time.Second
	}
	ticker := time.NewTicker(beat)
	defer ticker.Stop()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "event: notification\ndata: %s\n\n", m.Payload)
			w.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			w.Flush()
		}
	}
}
