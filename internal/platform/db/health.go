package db

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthCheckTimeout = 5 * time.Second

// PoolStats is the connection pool part of the health report.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	AcquireCount  int64  `json:"acquire_count"`
	AcquireWait   string `json:"acquire_wait"`
}

func poolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		AcquireCount:  stat.AcquireCount(),
		AcquireWait:   stat.AcquireDuration().String(),
	}
}

// Health is the body of GET /health/db.
type Health struct {
	Status            string     `json:"status"`
	Schema            string     `json:"schema"`
	PendingMigrations []string   `json:"pending_migrations,omitempty"`
	Pool              *PoolStats `json:"pool,omitempty"`
	Error             string     `json:"error,omitempty"`
}

const (
	HealthOK                = "healthy"
	HealthUnreachable       = "unhealthy"
	HealthMigrationsPending = "migrations_pending"
)

// pendingMigrations names every migration not yet applied, in version order.
func pendingMigrations(status []MigrationStatus) []string {
	var out []string
	for _, s := range status {
		if !s.Applied {
			out = append(out, fmt.Sprintf("%03d_%s", s.Version, s.Name))
		}
	}
	return out
}

// classify maps the probe outcome onto a report status and HTTP code. A
// schema with pending migrations counts as unavailable.
func classify(h *Health, pingErr error) int {
	switch {
	case pingErr != nil:
		h.Status = HealthUnreachable
		h.Error = pingErr.Error()
		return http.StatusServiceUnavailable
	case h.Error != "":
		h.Status = HealthUnreachable
		return http.StatusServiceUnavailable
	case len(h.PendingMigrations) > 0:
		h.Status = HealthMigrationsPending
		return http.StatusServiceUnavailable
	default:
		h.Status = HealthOK
		return http.StatusOK
	}
}

// HealthHandler pings the database and checks that the default tenant's
// schema is fully migrated.
func HealthHandler(pool *pgxpool.Pool, migrator *Migrator, tenantID string) echo.HandlerFunc {
	schema := SchemaName(tenantID)
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
		defer cancel()

		h := &Health{Schema: schema}
		pingErr := pool.Ping(ctx)
		if pingErr == nil && migrator != nil {
			status, err := migrator.Status(ctx, schema)
			if err != nil {
				h.Error = err.Error()
			} else {
				h.PendingMigrations = pendingMigrations(status)
			}
		}
		h.Pool = poolStats(pool)
		return c.JSON(classify(h, pingErr), h)
	}
}
