package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/middleware"
	"github.com/iliyamo/service-marketplace/internal/model"
	"github.com/iliyamo/service-marketplace/internal/repository"
	"github.com/iliyamo/service-marketplace/internal/service"
)

// BookingHandler serves the customer side of bookings.  JWT and role checks
// happen in middleware.
type BookingHandler struct {
	responder
	Market   *service.Marketplace
	Bookings *repository.BookingRepo
}

func NewBookingHandler(m *service.Marketplace, b *repository.BookingRepo, log *zap.Logger) *BookingHandler {
	if m == nil || b == nil {
		panic("nil dependency passed to NewBookingHandler")
	}
	return &BookingHandler{responder: newResponder(log), Market: m, Bookings: b}
}

type noteReq struct {
	Note string `json:"note"`
}

// Create handles POST /v1/bookings.
func (h *BookingHandler) Create(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	var req service.BookingRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	b, err := h.Market.CreateBooking(c.Request().Context(), uid, req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, b)
}

// Mine handles GET /v1/my-bookings?status=.
func (h *BookingHandler) Mine(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	status := c.QueryParam("status")
	if status != "" && !validBookingStatus(status) {
		return badRequest(c, "unknown status")
	}
	list, err := h.Bookings.ListByCustomer(c.Request().Context(), uid, status)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// Cancel handles POST /v1/bookings/:id/cancel.
func (h *BookingHandler) Cancel(c echo.Context) error {
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
	b, err := h.Market.CancelBooking(c.Request().Context(), uid, model.RoleCustomer, id, req.Note)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// NoShow handles POST /v1/bookings/:id/no-show.
func (h *BookingHandler) NoShow(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid booking id")
	}
	b, err := h.Market.ReportNoShow(c.Request().Context(), uid, id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// History handles GET /v1/bookings/:id/history for either party of the
// booking and for admins.
func (h *BookingHandler) History(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid booking id")
	}
	ctx := c.Request().Context()
	b, err := h.Bookings.GetByID(ctx, id)
	if err != nil {
		return h.fail(c, err)
	}
	if b.CustomerID != uid && b.ProviderID != uid && middleware.Role(c) != model.RoleAdmin {
		return h.fail(c, repository.ErrForbidden)
	}
	events, err := h.Bookings.ListEvents(ctx, id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"booking": b, "events": events})
}

func validBookingStatus(s string) bool {
	switch s {
	case model.BookingConfirmed, model.BookingInProgress, model.BookingCompleted, model.BookingCancelled:
		return true
	}
	return false
}
