package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/service-marketplace/internal/handler"
	"github.com/iliyamo/service-marketplace/internal/middleware"
	"github.com/iliyamo/service-marketplace/internal/model"
)

// RegisterProvider registers PROVIDER-scoped endpoints under /v1/provider.
func RegisterProvider(e *echo.Echo, p *handler.ProviderHandler, jwtSecret string) {
	g := e.Group(
		"/v1/provider",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleProvider),
	)

	g.GET("/profile", p.GetProfile)
	g.PUT("/profile", p.UpsertProfile)
	g.POST("/shop-photo", p.ShopPhoto)
	g.POST("/verification-doc", p.VerificationDoc)

	g.GET("/bookings", p.ListBookings)
	g.POST("/bookings/:id/start", p.Start)
	g.POST("/bookings/:id/complete", p.Complete)
	g.POST("/bookings/:id/cancel", p.Cancel)

	g.GET("/commissions", p.ListCommissions)
	g.POST("/commissions/:id/proof", p.SubmitProof)
}
