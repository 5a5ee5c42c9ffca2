package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the connection pool snapshot reported by /health/db.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Checker is what the health endpoint needs from a pool.
type Checker interface {
	Ping(ctx context.Context) error
	Stats() *PoolStats
}

type poolChecker struct{ pool *pgxpool.Pool }

func (p poolChecker) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
func (p poolChecker) Stats() *PoolStats              { return GetPoolStats(p.pool) }

// PoolChecker wraps a pgx pool as a Checker.
func PoolChecker(pool *pgxpool.Pool) Checker {
	return poolChecker{pool: pool}
}

// HealthHandler pings the database with a 5s budget and reports pool stats.
// It responds 503 when the ping fails.
func HealthHandler(c Checker) echo.HandlerFunc {
	return func(ec echo.Context) error {
		ctx, cancel := context.WithTimeout(ec.Request().Context(), 5*time.Second)
		defer cancel()

		err := c.Ping(ctx)
		stats := c.Stats()
		if err != nil {
			return ec.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":            "unhealthy",
				"error":             "database_unavailable",
				"error_description": err.Error(),
				"pool":              stats,
			})
		}

		return ec.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}
