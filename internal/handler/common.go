// Package handler holds the echo handlers of the marketplace API.
package handler

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/logging"
	"github.com/iliyamo/service-marketplace/internal/middleware"
	"github.com/iliyamo/service-marketplace/internal/model"
	"github.com/iliyamo/service-marketplace/internal/repository"
	"github.com/iliyamo/service-marketplace/internal/service"
	"github.com/iliyamo/service-marketplace/internal/storage"
)

// responder turns errors into JSON responses.  Handlers embed it.
type responder struct {
	log *zap.Logger
}

func newResponder(log *zap.Logger) responder {
	return responder{log: logging.OrNop(log)}
}

// fail writes the response for err.  Known errors keep their message;
// anything else is logged and reported as a bare 500.
func (r responder) fail(c echo.Context, err error) error {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		r.log.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Error(err))
	}
	return c.JSON(status, echo.Map{"error": msg})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, repository.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, repository.ErrEmailExists):
		return http.StatusConflict, "email already exists"
	case errors.Is(err, repository.ErrConflict),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrProviderUnavailable),
		errors.Is(err, service.ErrNoShowTooEarly):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, storage.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, service.ErrStorageDisabled):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal error"
}

func currentUser(c echo.Context) (uint64, bool) {
	return middleware.UserID(c)
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

// formFile opens the multipart file in field.  The caller closes the
// returned body.  Files bigger than max are refused before they are read.
func formFile(c echo.Context, field string, max int64) (storage.File, func(), error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return storage.File{}, nil, fmt.Errorf("%w: multipart field %q is required", service.ErrInvalidInput, field)
	}
	if max > 0 && fh.Size > max {
		return storage.File{}, nil, fmt.Errorf("%w: %d bytes, limit %d", storage.ErrTooLarge, fh.Size, max)
	}
	f, err := fh.Open()
	if err != nil {
		return storage.File{}, nil, err
	}
	ct := fh.Header.Get(echo.HeaderContentType)
	if ct == "" || ct == echo.MIMEOctetStream {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(fh.Filename))); byExt != "" {
			ct = byExt
		}
	}
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return storage.File{Name: fh.Filename, ContentType: ct, Size: fh.Size, Body: f}, func() { _ = f.Close() }, nil
}

// commissionView adds the overdue flag clients use to warn that bookings
// are blocked.
type commissionView struct {
	model.CommissionPayment
	Overdue bool `json:"overdue"`
}

func commissionViews(list []model.CommissionPayment, now time.Time) []commissionView {
	out := make([]commissionView, len(list))
	for i, p := range list {
		out[i] = commissionView{CommissionPayment: p, Overdue: p.Overdue(now)}
	}
	return out
}
