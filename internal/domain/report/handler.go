package report

import (
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
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
	// Read endpoints: anyone on the care team
	read := api.Group("", auth.RequireRole(auth.RoleRadiologist, auth.RolePhysician, auth.RoleNurse))
	read.GET("/reports/:studyUID", h.Get)
	read.GET("/reports/:studyUID/addenda", h.ListAddenda)
	read.GET("/reports/:studyUID/key-images", h.ListKeyImages)
	read.GET("/key-images/:id/content", h.OpenKeyImage)

	// Write endpoints: reporting radiologists
	write := api.Group("", auth.RequireRole(auth.RoleRadiologist))
	write.POST("/reports/:studyUID/load", h.Load)
	write.PUT("/reports/:studyUID/draft", h.SaveDraft)
	write.PUT("/reports/:studyUID/preliminary", h.SetPreliminary)
	write.POST("/reports/:studyUID/finalize", h.Finalize)
	write.POST("/reports/:studyUID/addenda", h.AddAddendum)
	write.POST("/reports/:studyUID/key-images", h.UploadKeyImage)
	write.POST("/key-images/:id/confirmations", h.RequestKeyImageDeletion)
	write.DELETE("/key-images/:id", h.DeleteKeyImage)
	write.POST("/reports/:studyUID/key-images/purge-confirmations", h.RequestKeyImagePurge)
	write.DELETE("/reports/:studyUID/key-images", h.PurgeKeyImages)
}

type contentRequest struct {
	Content      string `json:"content"`
	Title        string `json:"title"`
	WorkflowNote string `json:"workflow_note"`
}

func (r contentRequest) metadata() Metadata {
	return Metadata{Title: r.Title, WorkflowNote: r.WorkflowNote}
}

type finalizeRequest struct {
	contentRequest
	SignerName         string `json:"signer_name"`
	DisclaimerAccepted bool   `json:"disclaimer_accepted"`
}

type addendumRequest struct {
	Note string `json:"note"`
}

func badBody() error {
	return apperr.HTTPError(apperr.Validation("invalid request body"))
}

func (h *Handler) Get(c echo.Context) error {
	r, err := h.svc.Get(c.Request().Context(), c.Param("studyUID"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// Load handles POST /reports/:studyUID/load with an optional local draft.
func (h *Handler) Load(c echo.Context) error {
	var local *LocalDraft
	if c.Request().ContentLength != 0 {
		var body LocalDraft
		if err := c.Bind(&body); err != nil {
			return badBody()
		}
		local = &body
	}
	loaded, err := h.svc.Load(c.Request().Context(), c.Param("studyUID"), local)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, loaded)
}

func (h *Handler) SaveDraft(c echo.Context) error {
	var req contentRequest
	if err := c.Bind(&req); err != nil {
		return badBody()
	}
	r, err := h.svc.SaveDraft(c.Request().Context(), c.Param("studyUID"), req.Content, req.metadata())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) SetPreliminary(c echo.Context) error {
	var req contentRequest
	if err := c.Bind(&req); err != nil {
		return badBody()
	}
	r, err := h.svc.SetPreliminary(c.Request().Context(), c.Param("studyUID"), req.Content, req.metadata())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Finalize(c echo.Context) error {
	var req finalizeRequest
	if err := c.Bind(&req); err != nil {
		return badBody()
	}
	r, err := h.svc.Finalize(c.Request().Context(), c.Param("studyUID"),
		req.Content, req.SignerName, req.DisclaimerAccepted, req.metadata())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) AddAddendum(c echo.Context) error {
	var req addendumRequest
	if err := c.Bind(&req); err != nil {
		return badBody()
	}
	a, err := h.svc.AddAddendum(c.Request().Context(), c.Param("studyUID"), req.Note)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAddenda(c echo.Context) error {
	items, err := h.svc.ListAddenda(c.Request().Context(), c.Param("studyUID"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

// UploadKeyImage handles a multipart upload with fields "file" and "caption".
func (h *Handler) UploadKeyImage(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return apperr.HTTPError(apperr.Validation("multipart field \"file\" is required"))
	}
	f, err := fh.Open()
	if err != nil {
		return apperr.HTTPError(apperr.Validation("could not read upload"))
	}
	defer f.Close()

	k, err := h.svc.UploadKeyImage(c.Request().Context(), c.Param("studyUID"), UploadInput{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Caption:     c.FormValue("caption"),
		Content:     f,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, k)
}

func (h *Handler) ListKeyImages(c echo.Context) error {
	items, err := h.svc.ListKeyImages(c.Request().Context(), c.Param("studyUID"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func parseImageID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.HTTPError(apperr.Validation("invalid key image id"))
	}
	return id, nil
}

func (h *Handler) OpenKeyImage(c echo.Context) error {
	id, err := parseImageID(c)
	if err != nil {
		return err
	}
	rc, k, err := h.svc.OpenKeyImage(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(k.Size, 10))
	c.Response().Header().Set(echo.HeaderContentDisposition, "inline; filename=\""+k.FileName+"\"")
	c.Response().Header().Set("ETag", "\""+k.SHA256+"\"")
	return c.Stream(http.StatusOK, k.ContentType, io.LimitReader(rc, k.Size))
}

func confirmationToken(c echo.Context) string {
	if t := c.Request().Header.Get("X-Confirmation-Token"); t != "" {
		return t
	}
	return c.QueryParam("token")
}

func (h *Handler) RequestKeyImageDeletion(c echo.Context) error {
	id, err := parseImageID(c)
	if err != nil {
		return err
	}
	tok, err := h.svc.RequestKeyImageDeletion(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, tok)
}

func (h *Handler) DeleteKeyImage(c echo.Context) error {
	id, err := parseImageID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteKeyImage(c.Request().Context(), id, confirmationToken(c)); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RequestKeyImagePurge(c echo.Context) error {
	tok, err := h.svc.RequestKeyImagePurge(c.Request().Context(), c.Param("studyUID"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, tok)
}

func (h *Handler) PurgeKeyImages(c echo.Context) error {
	n, err := h.svc.PurgeKeyImages(c.Request().Context(), c.Param("studyUID"), confirmationToken(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}
