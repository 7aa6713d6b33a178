package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const pingTimeout = 5 * time.Second

// PoolStats is the pool snapshot reported by /health/db.
type PoolStats struct {
	Total         int32 `json:"total"`
	Idle          int32 `json:"idle"`
	Acquired      int32 `json:"acquired"`
	Max           int32 `json:"max"`
	Acquires      int64 `json:"acquires"`
	AcquireWaitMS int64 `json:"acquire_wait_ms"`
}

// StatsOf snapshots the pool counters.
func StatsOf(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		Total:         s.TotalConns(),
		Idle:          s.IdleConns(),
		Acquired:      s.AcquiredConns(),
		Max:           s.MaxConns(),
		Acquires:      s.AcquireCount(),
		AcquireWaitMS: s.AcquireDuration().Milliseconds(),
	}
}

// HealthHandler pings the database and reports pool usage. An unreachable
// database is a 503.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return healthHandler(pool.Ping, func() PoolStats { return StatsOf(pool) })
}

func healthHandler(ping func(context.Context) error, stats func() PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()

		body := map[string]interface{}{"status": "up", "pool": stats()}
		if err := ping(ctx); err != nil {
			body["status"] = "down"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
