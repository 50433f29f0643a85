package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/service-marketplace/internal/handler"
	"github.com/iliyamo/service-marketplace/internal/middleware"
	"github.com/iliyamo/service-marketplace/internal/model"
)

// RegisterCustomer registers customer-scoped booking endpoints under /v1.
// They share the /v1 prefix with public routes, so the middleware is
// attached per route rather than on the group.
func RegisterCustomer(e *echo.Echo, h *handler.BookingHandler, jwtSecret string) {
	auth := middleware.JWTAuth(jwtSecret)
	customer := middleware.RequireRole(model.RoleCustomer)

	g := e.Group("/v1")
	g.POST("/bookings", h.Create, auth, customer)
	g.GET("/my-bookings", h.Mine, auth, customer)
	g.POST("/bookings/:id/cancel", h.Cancel, auth, customer)
	g.POST("/bookings/:id/no-show", h.NoShow, auth, customer)

	// Both parties of a booking and admins may read its history.
	g.GET("/bookings/:id/history", h.History, auth,
		middleware.RequireRole(model.RoleCustomer, model.RoleProvider, model.RoleAdmin))
}
