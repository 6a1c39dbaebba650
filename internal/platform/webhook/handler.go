package webhook

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/radiology/internal/platform/auth"
	"github.com/ehr/radiology/pkg/pagination"
)

// Handler exposes the delivery log for operators.
type Handler struct {
	d *Distributor
}

func NewHandler(d *Distributor) *Handler {
	return &Handler{d: d}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/distribution/deliveries", h.ListDeliveries, auth.RequireRole(auth.RoleAdmin))
}

// ListDeliveries handles GET /distribution/deliveries?study_uid=.
func (h *Handler) ListDeliveries(c echo.Context) error {
	p := pagination.FromContext(c)
	all := h.d.Attempts(c.QueryParam("study_uid"))
	start, end := p.Window(len(all))
	return c.JSON(http.StatusOK, pagination.NewResponse(all[start:end], len(all), p))
}
