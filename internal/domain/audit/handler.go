package audit

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/radiology/internal/platform/apperr"
	"github.com/ehr/radiology/internal/platform/auth"
	"github.com/ehr/radiology/pkg/pagination"
)

// Handler serves the read-only audit trail to administrators.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleAdmin))
	g.GET("/audit-entries", h.List)
}

// List handles GET /audit-entries?entity_type=&entity_id=&actor_id=&action=.
func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		EntityType: c.QueryParam("entity_type"),
		EntityID:   c.QueryParam("entity_id"),
		ActorID:    c.QueryParam("actor_id"),
		Action:     c.QueryParam("action"),
	}
	items, total, err := h.store.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(apperr.FromStore(err))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}
