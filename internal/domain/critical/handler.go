package critical

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/radiology/internal/platform/apperr"
	"github.com/ehr/radiology/internal/platform/auth"
	"github.com/ehr/radiology/internal/platform/notification"
	"github.com/ehr/radiology/pkg/pagination"
)

// DeliveryLog exposes the page attempts made for a finding.
type DeliveryLog interface {
	Deliveries(findingID string) []notification.Delivery
}

type Handler struct {
	svc        *Service
	deliveries DeliveryLog
}

// NewHandler builds the critical findings API. deliveries may be nil, in
// which case the deliveries route is not registered.
func NewHandler(svc *Service, deliveries DeliveryLog) *Handler {
	return &Handler{svc: svc, deliveries: deliveries}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleRadiologist, auth.RolePhysician, auth.RoleNurse))
	g.POST("/critical-findings", h.Mark)
	g.GET("/critical-findings/pending", h.ListPending)
	g.GET("/critical-findings/:id", h.Get)
	g.POST("/critical-findings/:id/acknowledge", h.Acknowledge)
	g.GET("/studies/:studyUID/critical-findings", h.ListByStudy)
	if h.deliveries != nil {
		g.GET("/critical-findings/:id/deliveries", h.Deliveries)
	}
}

type markRequest struct {
	StudyUID string `json:"study_uid"`
	ReportID string `json:"report_id"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
	NotifyTo string `json:"notify_to"`
}

type ackRequest struct {
	AckBy string `json:"ack_by"`
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.HTTPError(apperr.Validation("invalid critical finding id"))
	}
	return id, nil
}

func (h *Handler) Mark(c echo.Context) error {
	var req markRequest
	if err := c.Bind(&req); err != nil {
		return apperr.HTTPError(apperr.Validation("invalid request body"))
	}
	f, err := h.svc.MarkCritical(c.Request().Context(), MarkInput(req))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, f)
}

// ListPending handles GET /critical-findings/pending. The full pending set is
// loaded so the gauge reflects it; limit and offset only shape the page.
func (h *Handler) ListPending(c echo.Context) error {
	items, err := h.svc.ListPending(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	p := pagination.FromContext(c)
	start, end := p.Window(len(items))
	return c.JSON(http.StatusOK, pagination.NewResponse(items[start:end], len(items), p))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	f, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) ListByStudy(c echo.Context) error {
	items, err := h.svc.ListByStudy(c.Request().Context(), c.Param("studyUID"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

// Acknowledge handles POST /critical-findings/:id/acknowledge. Without an
// explicit ack_by the authenticated user acknowledges.
func (h *Handler) Acknowledge(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req ackRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return apperr.HTTPError(apperr.Validation("invalid request body"))
		}
	}
	if req.AckBy == "" {
		req.AckBy = auth.UserIDFromContext(c.Request().Context())
	}
	f, err := h.svc.Acknowledge(c.Request().Context(), id, req.AckBy)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) Deliveries(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if _, err := h.svc.Get(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	items := h.deliveries.Deliveries(id.String())
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}
