package accession

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/radiology/internal/platform/apperr"
	"github.com/ehr/radiology/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleScheduler, auth.RoleRadiologist))
	g.GET("/accessions/preview", h.Preview)
	g.POST("/accessions", h.Next)
}

type nextRequest struct {
	Prefix   string `json:"prefix"`
	Modality string `json:"modality"`
}

// Preview handles GET /accessions/preview?prefix=.
func (h *Handler) Preview(c echo.Context) error {
	acc, err := h.svc.Preview(c.Request().Context(), c.QueryParam("prefix"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"accession": acc})
}

// Next handles POST /accessions.
func (h *Handler) Next(c echo.Context) error {
	var req nextRequest
	if err := c.Bind(&req); err != nil {
		return apperr.HTTPError(apperr.Validation("invalid request body"))
	}
	issued, err := h.svc.Next(c.Request().Context(), req.Prefix, req.Modality)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, issued)
}
