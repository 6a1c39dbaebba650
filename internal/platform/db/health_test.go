package db

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_Unreachable(t *testing.T) {
	// pgxpool connects lazily, so the pool is created without a server.
	pool, err := pgxpool.New(context.Background(), "postgres://u:p@127.0.0.1:1/none?connect_timeout=1")
	require.NoError(t, err)
	defer pool.Close()

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

	require.NoError(t, HealthHandler(pool)(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "unhealthy", h.Status)
	assert.NotEmpty(t, h.Error)
	assert.Empty(t, h.Latency)
	assert.Equal(t, int32(0), h.Pool.Acquired)
}
