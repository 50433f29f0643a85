// Package router registers the HTTP routes of the marketplace API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/service-marketplace/internal/handler"
	"github.com/iliyamo/service-marketplace/internal/middleware"
	"github.com/iliyamo/service-marketplace/internal/model"
)

// RegisterRoutes registers routes that need neither a session nor the
// response cache.
func RegisterRoutes(e *echo.Echo, h *handler.HealthHandler) {
	e.GET("/healthz", h.Health)
}

// RegisterAuth registers the session endpoints.  Register, login, refresh
// and logout live under /v1/auth without a JWT; /v1/me requires one.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	g.POST("/logout", a.Logout)

	e.GET("/v1/me", a.Me, middleware.JWTAuth(jwtSecret))
}

// RegisterPublic registers the guest browse endpoints.  cache is applied to
// every route here; pass nil to disable it.
func RegisterPublic(e *echo.Echo, p *handler.PublicHandler, cache echo.MiddlewareFunc) {
	var mw []echo.MiddlewareFunc
	if cache != nil {
		mw = append(mw, cache)
	}
	g := e.Group("/v1")
	g.GET("/providers", p.ListProviders, mw...)
	g.GET("/providers/:id", p.GetProvider, mw...)
	g.GET("/categories", p.Categories, mw...)
	g.GET("/content", p.ListContent, mw...)
	g.GET("/content/:key", p.GetContent, mw...)
	g.GET("/stats", p.GetStats, mw...)
}

// RegisterNotifications registers the inbox endpoints for any signed-in
// role.  The stream also takes the token from ?access_token= because
// EventSource cannot send headers.
func RegisterNotifications(e *echo.Echo, n *handler.NotificationHandler, jwtSecret string) {
	g := e.Group("/v1/notifications")
	auth := middleware.JWTAuth(jwtSecret)
	g.GET("", n.List, auth)
	g.POST("/:id/read", n.MarkRead, auth)
	g.POST("/read-all", n.MarkAllRead, auth)
	g.GET("/stream", n.Stream, middleware.JWTAuth(jwtSecret, middleware.WithQueryToken("access_token")))
}

// RegisterAdmin registers ADMIN-scoped endpoints under /v1/admin.
func RegisterAdmin(e *echo.Echo, a *handler.AdminHandler, jwtSecret string) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleAdmin),
	)
	g.GET("/commissions", a.ListCommissions)
	g.POST("/commissions/:id/review", a.Review)
	g.POST("/providers/:id/lift-suspension", a.LiftSuspension)
	g.POST("/bookings/:id/cancel", a.CancelBooking)
	g.PUT("/content/:key", a.UpsertContent)
}
