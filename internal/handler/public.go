package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/model"
	"github.com/iliyamo/service-marketplace/internal/repository"
)

// PublicHandler serves the unauthenticated browse endpoints: provider
// listings, category cards, site content and the stats snapshot.
type PublicHandler struct {
	responder
	Providers *repository.ProviderRepo
	Content   *repository.ContentRepo
	Stats     *repository.StatsRepo
	// PhotoURL turns a stored shop photo path into a public URL.  Nil
	// leaves photo_url out of the response.
	PhotoURL func(path string) string
	Now      func() time.Time
}

func NewPublicHandler(p *repository.ProviderRepo, content *repository.ContentRepo, stats *repository.StatsRepo, log *zap.Logger) *PublicHandler {
	if p == nil || content == nil || stats == nil {
		panic("nil repository passed to NewPublicHandler")
	}
	return &PublicHandler{
		responder: newResponder(log),
		Providers: p,
		Content:   content,
		Stats:     stats,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

type publicProvider struct {
	model.ProviderProfile
	PhotoURL string `json:"photo_url,omitempty"`
	Bookable bool   `json:"bookable"`
}

func (h *PublicHandler) present(p model.ProviderProfile, now time.Time) publicProvider {
	out := publicProvider{ProviderProfile: p, Bookable: p.IsActive && !p.SuspendedAt(now)}
	if h.PhotoURL != nil && p.ShopPhotoPath != nil {
		out.PhotoURL = h.PhotoURL(*p.ShopPhotoPath)
	}
	return out
}

// ListProviders handles GET /v1/providers?category=.
func (h *PublicHandler) ListProviders(c echo.Context) error {
	now := h.Now()
	list, err := h.Providers.ListActive(c.Request().Context(), c.QueryParam("category"), now)
	if err != nil {
		return h.fail(c, err)
	}
	out := make([]publicProvider, 0, len(list))
	for _, p := range list {
		out = append(out, h.present(p, now))
	}
	return c.JSON(http.StatusOK, out)
}

// GetProvider handles GET /v1/providers/:id.  Inactive providers are
// hidden; suspended ones are shown with bookable=false.
func (h *PublicHandler) GetProvider(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid provider id")
	}
	p, err := h.Providers.GetByUserID(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	if !p.IsActive {
		return h.fail(c, repository.ErrNotFound)
	}
	return c.JSON(http.StatusOK, h.present(p, h.Now()))
}

// Categories handles GET /v1/categories.
func (h *PublicHandler) Categories(c echo.Context) error {
	cats, err := h.Providers.Categories(c.Request().Context(), h.Now())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, cats)
}

// ListContent handles GET /v1/content.
func (h *PublicHandler) ListContent(c echo.Context) error {
	list, err := h.Content.ListPublished(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// GetContent handles GET /v1/content/:key.  Unpublished sections are 404.
func (h *PublicHandler) GetContent(c echo.Context) error {
	s, err := h.Content.GetByKey(c.Request().Context(), c.Param("key"))
	if err != nil {
		return h.fail(c, err)
	}
	if !s.Published {
		return h.fail(c, repository.ErrNotFound)
	}
	return c.JSON(http.StatusOK, s)
}

// GetStats handles GET /v1/stats.
func (h *PublicHandler) GetStats(c echo.Context) error {
	s, err := h.Stats.Snapshot(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, s)
}
