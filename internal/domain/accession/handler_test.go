package accession

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler(repo Repository) (*Handler, *echo.Echo) {
	svc, _ := newTestService(repo)
	return NewHandler(svc), echo.New()
}

func TestHandler_Next(t *testing.T) {
	h, e := newTestHandler(NewMemoryRepo())
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prefix":"acc","modality":"CT"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Next(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var issued Issued
	json.Unmarshal(rec.Body.Bytes(), &issued)
	if issued.Accession != "ACC20251125-000001" {
		t.Errorf("unexpected accession %q", issued.Accession)
	}
}

func TestHandler_Preview(t *testing.T) {
	h, e := newTestHandler(NewMemoryRepo())
	req := httptest.NewRequest(http.MethodGet, "/?prefix=MR", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Preview(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "MR20251125-000001") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_Next_Unavailable(t *testing.T) {
	h, e := newTestHandler(failingRepo{err: errors.New("down")})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.Next(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", httpErr.Code)
	}
}
