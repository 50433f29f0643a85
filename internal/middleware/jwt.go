package middleware // reusable echo middleware: authentication, roles, rate limiting, caching, logging

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/service-marketplace/internal/model"
	"github.com/iliyamo/service-marketplace/internal/utils"
)

// Context keys set by JWTAuth.
const (
	CtxUserID = "user_id"
	CtxRole   = "role"
)

// JWTOption tweaks JWTAuth.
type JWTOption func(*jwtOptions)

type jwtOptions struct {
	queryParam string
}

// WithQueryToken also accepts the token from the named query parameter.
// EventSource clients cannot set headers, so the notification stream needs
// this.
func WithQueryToken(name string) JWTOption {
	return func(o *jwtOptions) { o.queryParam = name }
}

// JWTAuth validates a Bearer access token and stores the user ID (uint64)
// and role (string) in the context under CtxUserID and CtxRole.
func JWTAuth(secret string, opts ...JWTOption) echo.MiddlewareFunc {
	var o jwtOptions
	for _, fn := range opts {
		fn(&o)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := ""
			if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				raw = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			} else if o.queryParam != "" {
				raw = c.QueryParam(o.queryParam)
			}
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			claims, err := utils.ParseAccessToken(secret, raw)
			if err != nil || !model.ValidRole(claims.Role) {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			uid, err := claims.UserID()
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			c.Set(CtxUserID, uid)
			c.Set(CtxRole, claims.Role)
			return next(c)
		}
	}
}
