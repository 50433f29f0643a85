package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/model"
	"github.com/iliyamo/service-marketplace/internal/repository"
	"github.com/iliyamo/service-marketplace/internal/service"
	"github.com/iliyamo/service-marketplace/internal/storage"
)

// ProviderHandler serves /v1/provider: the provider's own listing, the jobs
// booked with them and their commission payments.
type ProviderHandler struct {
	responder
	Market      *service.Marketplace
	Providers   *repository.ProviderRepo
	Bookings    *repository.BookingRepo
	Commissions *repository.CommissionRepo
	// Uploads is nil when no storage backend is configured.
	Uploads   service.Uploader
	MaxUpload int64
}

type ProviderDeps struct {
	Market      *service.Marketplace
	Providers   *repository.ProviderRepo
	Bookings    *repository.BookingRepo
	Commissions *repository.CommissionRepo
	Uploads     service.Uploader
	MaxUpload   int64
	Log         *zap.Logger
}

func NewProviderHandler(d ProviderDeps) *ProviderHandler {
	if d.Market == nil || d.Providers == nil || d.Bookings == nil || d.Commissions == nil {
		panic("nil dependency passed to NewProviderHandler")
	}
	return &ProviderHandler{
		responder:   newResponder(d.Log),
		Market:      d.Market,
		Providers:   d.Providers,
		Bookings:    d.Bookings,
		Commissions: d.Commissions,
		Uploads:     d.Uploads,
		MaxUpload:   d.MaxUpload,
	}
}

type profileReq struct {
	BusinessName string `json:"business_name"`
	Category     string `json:"category"`
	Description  string `json:"description"`
	Phone        string `json:"phone"`
}

// GetProfile handles GET /v1/provider/profile.
func (h *ProviderHandler) GetProfile(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	p, err := h.Providers.GetByUserID(c.Request().Context(), uid)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// UpsertProfile handles PUT /v1/provider/profile.
func (h *ProviderHandler) UpsertProfile(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	var req profileReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	switch {
	case strings.TrimSpace(req.BusinessName) == "":
		return badRequest(c, "business_name is required")
	case strings.TrimSpace(req.Category) == "":
		return badRequest(c, "category is required")
	case len(req.BusinessName) > 150 || len(req.Category) > 60 || len(req.Phone) > 32:
		return badRequest(c, "field too long")
	}
	ctx := c.Request().Context()
	err := h.Providers.Upsert(ctx, repository.ProfileInput{
		UserID:       uid,
		BusinessName: req.BusinessName,
		Category:     req.Category,
		Description:  req.Description,
		Phone:        req.Phone,
	})
	if err != nil {
		return h.fail(c, err)
	}
	p, err := h.Providers.GetByUserID(ctx, uid)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// ShopPhoto handles POST /v1/provider/shop-photo (multipart field "file").
func (h *ProviderHandler) ShopPhoto(c echo.Context) error {
	return h.uploadDocument(c, storage.BucketShopPhotos, h.Providers.SetShopPhotoPath)
}

// VerificationDoc handles POST /v1/provider/verification-doc.
func (h *ProviderHandler) VerificationDoc(c echo.Context) error {
	return h.uploadDocument(c, storage.BucketVerificationDocs, h.Providers.SetVerificationDocPath)
}

func (h *ProviderHandler) uploadDocument(c echo.Context, bucket string, record func(ctx context.Context, uid uint64, path string) error) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	if h.Uploads == nil {
		return h.fail(c, service.ErrStorageDisabled)
	}
	ctx := c.Request().Context()
	// The profile must exist before anything is stored for it.
	if _, err := h.Providers.GetByUserID(ctx, uid); err != nil {
		return h.fail(c, err)
	}
	f, closeFn, err := formFile(c, "file", h.MaxUpload)
	if err != nil {
		return h.fail(c, err)
	}
	defer closeFn()

	path, err := h.Uploads.Put(ctx, bucket, strconv.FormatUint(uid, 10), f)
	if err != nil {
		return h.fail(c, err)
	}
	if err := record(ctx, uid, path); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"bucket": bucket, "path": path})
}

// ListBookings handles GET /v1/provider/bookings?status=.
func (h *ProviderHandler) ListBookings(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	status := c.QueryParam("status")
	if status != "" && !validBookingStatus(status) {
		return badRequest(c, "unknown status")
	}
	list, err := h.Bookings.ListByProvider(c.Request().Context(), uid, status)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// Start handles POST /v1/provider/bookings/:id/start.
func (h *ProviderHandler) Start(c echo.Context) error {
	uid, id, ok := h.bookingTarget(c)
	if !ok {
		return nil
	}
	b, err := h.Market.StartBooking(c.Request().Context(), uid, id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Complete handles POST /v1/provider/bookings/:id/complete.  The response
// carries the commission payment when this job closed a cycle.
func (h *ProviderHandler) Complete(c echo.Context) error {
	uid, id, ok := h.bookingTarget(c)
	if !ok {
		return nil
	}
	b, commission, err := h.Market.CompleteBooking(c.Request().Context(), uid, id)
	if err != nil {
		return h.fail(c, err)
	}
	resp := echo.Map{"booking": b}
	if commission != nil {
		resp["commission"] = commission
	}
	return c.JSON(http.StatusOK, resp)
}

// Cancel handles POST /v1/provider/bookings/:id/cancel.
func (h *ProviderHandler) Cancel(c echo.Context) error {
	uid, id, ok := h.bookingTarget(c)
	if !ok {
		return nil
	}
	var req noteReq
	_ = c.Bind(&req)
	b, err := h.Market.CancelBooking(c.Request().Context(), uid, model.RoleProvider, id, req.Note)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// ListCommissions handles GET /v1/provider/commissions.
func (h *ProviderHandler) ListCommissions(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	list, err := h.Commissions.ListByProvider(c.Request().Context(), uid)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, commissionViews(list, time.Now()))
}

// SubmitProof handles POST /v1/provider/commissions/:id/proof (multipart
// field "file").
func (h *ProviderHandler) SubmitProof(c echo.Context) error {
	uid, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid payment id")
	}
	f, closeFn, err := formFile(c, "file", h.MaxUpload)
	if err != nil {
		return h.fail(c, err)
	}
	defer closeFn()

	p, err := h.Market.SubmitCommissionProof(c.Request().Context(), uid, id, f)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// bookingTarget reads the caller and the :id parameter.  When it returns
// false the error response has already been written.
func (h *ProviderHandler) bookingTarget(c echo.Context) (uint64, uint64, bool) {
	uid, ok := currentUser(c)
	if !ok {
		_ = unauthorized(c)
		return 0, 0, false
	}
	id, ok := pathID(c, "id")
	if !ok {
		_ = badRequest(c, "invalid booking id")
		return 0, 0, false
	}
	return uid, id, true
}
