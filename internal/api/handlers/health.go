package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/kfold-ensemble-go/internal/cache"
	"github.com/irfndi/kfold-ensemble-go/internal/services"
	"github.com/shirou/gopsutil/v3/mem"
)

var startTime = time.Now()

// HealthChecker is satisfied by the postgres and redis clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RuntimeStats exposes the refresh service's cache counters and breaker state.
type RuntimeStats interface {
	CacheStats() cache.FoldCacheStats
	BreakerState() services.CircuitBreakerState
}

// HealthHandler reports dependency and host health.
type HealthHandler struct {
	db      HealthChecker
	redis   HealthChecker
	stats   RuntimeStats
	version string
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                `json:"status"`
	Timestamp time.Time             `json:"timestamp"`
	Services  map[string]string     `json:"services"`
	Cache     *cache.FoldCacheStats `json:"cache,omitempty"`
	Memory    *MemoryStats          `json:"memory,omitempty"`
	Version   string                `json:"version"`
	Uptime    string                `json:"uptime"`
}

// MemoryStats is a summary of host memory usage.
type MemoryStats struct {
	TotalMB     uint64  `json:"total_mb"`
	UsedMB      uint64  `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// NewHealthHandler creates a health handler. A nil redis checker means the service
// runs on the in-memory fold cache; nil stats omits the cache and breaker report.
func NewHealthHandler(db HealthChecker, redis HealthChecker, stats RuntimeStats, version string) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, stats: stats, version: version}
}

// HealthCheck reports healthy only when the database answers. Redis is optional.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	status := "healthy"

	if h.db == nil {
		checks["database"] = "unhealthy: not configured"
		status = "unhealthy"
	} else if err := h.db.HealthCheck(ctx); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
		status = "unhealthy"
	} else {
		checks["database"] = "healthy"
	}

	switch {
	case h.redis == nil:
		checks["redis"] = "disabled: using in-memory cache"
	case h.redis.HealthCheck(ctx) != nil:
		checks["redis"] = "unhealthy"
		if status == "healthy" {
			status = "degraded"
		}
	default:
		checks["redis"] = "healthy"
	}

	var cacheStats *cache.FoldCacheStats
	if h.stats != nil {
		state := h.stats.BreakerState()
		checks["refresh_breaker"] = state.String()
		if state != services.Closed && status == "healthy" {
			status = "degraded"
		}
		st := h.stats.CacheStats()
		cacheStats = &st
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Services:  checks,
		Cache:     cacheStats,
		Version:   h.version,
		Uptime:    time.Since(startTime).String(),
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		response.Memory = &MemoryStats{
			TotalMB:     vm.Total / 1024 / 1024,
			UsedMB:      vm.Used / 1024 / 1024,
			UsedPercent: vm.UsedPercent,
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}
