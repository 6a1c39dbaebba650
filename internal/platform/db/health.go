package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const pingTimeout = 2 * time.Second

// PoolStats is the subset of pgxpool statistics worth alerting on. Waits
// climbing under load usually means accession issuance is queueing for
// connections.
type PoolStats struct {
	Total    int32  `json:"total"`
	Idle     int32  `json:"idle"`
	Acquired int32  `json:"acquired"`
	Max      int32  `json:"max"`
	Waits    int64  `json:"waits"`
	WaitTime string `json:"wait_time"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		Total:    s.TotalConns(),
		Idle:     s.IdleConns(),
		Acquired: s.AcquiredConns(),
		Max:      s.MaxConns(),
		Waits:    s.EmptyAcquireCount(),
		WaitTime: s.AcquireDuration().String(),
	}
}

// Health is the body of GET /health/db.
type Health struct {
	Status  string    `json:"status"`
	Latency string    `json:"latency,omitempty"`
	Error   string    `json:"error,omitempty"`
	Pool    PoolStats `json:"pool"`
}

// HealthHandler answers 503 when the database does not respond to a ping.
// Sign-off and accession issuance both need it, so load balancers should
// route away.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()

		start := time.Now()
		err := pool.Ping(ctx)
		h := Health{Status: "healthy", Pool: poolStats(pool)}
		if err != nil {
			h.Status = "unhealthy"
			h.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, h)
		}
		h.Latency = time.Since(start).String()
		return c.JSON(http.StatusOK, h)
	}
}
