package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// HealthHandler reports whether the API and its backing stores respond.
type HealthHandler struct {
	DB    *sql.DB
	Redis *redis.Client
}

// Health answers GET /healthz.  The database is required; Redis is
// reported but optional.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	body := echo.Map{"status": "ok", "db": "ok", "redis": "disabled"}
	status := http.StatusOK
	if h.DB != nil {
		if err := h.DB.PingContext(ctx); err != nil {
			body["status"], body["db"] = "degraded", "down"
			status = http.StatusServiceUnavailable
		}
	}
	if h.Redis != nil {
		body["redis"] = "ok"
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			body["redis"] = "down"
		}
	}
	return c.JSON(status, body)
}
