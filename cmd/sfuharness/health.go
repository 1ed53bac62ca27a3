package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/sfuforge/routingcore/internal/config"
	"github.com/sfuforge/routingcore/internal/core"
)

// healthHandler serves the liveness/readiness probes. Liveness only
// proves the process is up; readiness additionally verifies the
// routing core responds and, when the block store is Redis-backed,
// that Redis answers a ping.
type healthHandler struct {
	core  *core.Core
	redis *redis.Client
}

func newHealthHandler(c *core.Core, cfg config.Config) *healthHandler {
	h := &healthHandler{core: c}
	if cfg.BlockStore == config.BlockStoreRedis {
		h.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	return h
}

type livenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type readinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Sessions  int               `json:"sessions"`
	Rooms     int               `json:"rooms"`
	Timestamp string            `json:"timestamp"`
}

// GET /health/live
func (h *healthHandler) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, livenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// GET /health/ready
func (h *healthHandler) readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"session_table": "healthy",
		"switchboard":   "healthy",
	}
	allHealthy := true

	if h.redis != nil {
		status := "healthy"
		if err := h.redis.Ping(ctx).Err(); err != nil {
			status = "unhealthy"
			allHealthy = false
		}
		checks["redis_block_store"] = status
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, readinessResponse{
		Status:    status,
		Checks:    checks,
		Sessions:  h.core.Sessions(),
		Rooms:     len(h.core.Rooms()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
