package handler

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/model"
	"github.com/iliyamo/service-marketplace/internal/repository"
	"github.com/iliyamo/service-marketplace/internal/service"
)

// AdminHandler serves /v1/admin.
type AdminHandler struct {
	responder
	Market      *service.Marketplace
	Commissions *repository.CommissionRepo
	Content     *repository.ContentRepo
}

func NewAdminHandler(m *service.Marketplace, c *repository.CommissionRepo, content *repository.ContentRepo, log *zap.Logger) *AdminHandler {
	if m == nil || c == nil || content == nil {
		panic("nil dependency passed to NewAdminHandler")
	}
	return &AdminHandler{responder: newResponder(log), Market: m, Commissions: c, Content: content}
}

var contentKeyRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ListCommissions handles GET /v1/admin/commissions?status=.
func (h *AdminHandler) ListCommissions(c echo.Context) error {
	status := c.QueryParam("status")
	switch status {
	case "", model.CommissionPending, model.CommissionSubmitted, model.CommissionApproved, model.CommissionRejected:
	default:
		return badRequest(c, "unknown status")
	}
	list, err := h.Commissions.ListByStatus(c.Request().Context(), status)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, commissionViews(list, time.Now()))
}

type reviewReq struct {
	Approve *bool  `json:"approve"`
	Note    string `json:"note"`
}

// Review handles POST /v1/admin/commissions/:id/review with
// {"approve": bool, "note": "..."}.  Rejections need a note.
func (h *AdminHandler) Review(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid payment id")
	}
	var req reviewReq
	if err := c.Bind(&req); err != nil || req.Approve == nil {
		return badRequest(c, "approve is required")
	}
	p, err := h.Market.ReviewCommission(c.Request().Context(), uid, id, *req.Approve, req.Note)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// LiftSuspension handles POST /v1/admin/providers/:id/lift-suspension.
func (h *AdminHandler) LiftSuspension(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid provider id")
	}
	if err := h.Market.LiftSuspension(c.Request().Context(), uid, id); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// CancelBooking handles POST /v1/admin/bookings/:id/cancel.
func (h *AdminHandler) CancelBooking(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid booking id")
	}
	var req noteReq
	_ = c.Bind(&req)
	b, err := h.Market.CancelBooking(c.Request().Context(), uid, model.RoleAdmin, id, req.Note)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

type contentReq struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Position  int    `json:"position"`
	Published *bool  `json:"published"`
}

// UpsertContent handles PUT /v1/admin/content/:key.  Sections are
// published unless the body says otherwise.
func (h *AdminHandler) UpsertContent(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	key := strings.ToLower(strings.TrimSpace(c.Param("key")))
	if !contentKeyRE.MatchString(key) {
		return badRequest(c, "invalid content key")
	}
	var req contentReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Title) == "" {
		return badRequest(c, "title is required")
	}
	published := true
	if req.Published != nil {
		published = *req.Published
	}
	ctx := c.Request().Context()
	err := h.Content.Upsert(ctx, model.ContentSection{
		Key:       key,
		Title:     strings.TrimSpace(req.Title),
		Body:      req.Body,
		Position:  req.Position,
		Published: published,
		UpdatedBy: &uid,
	})
	if err != nil {
		return h.fail(c, err)
	}
	section, err := h.Content.GetByKey(ctx, key)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, section)
}
