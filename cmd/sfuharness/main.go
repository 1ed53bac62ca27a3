// Command sfuharness exercises the routing core end-to-end without a
// real gateway host: a WebSocket endpoint stands in for the host's
// control channel (with a tiny binary framing for media), plus the
// operator surface -- Prometheus metrics and liveness/readiness
// probes. It is a demonstration and test fixture, not part of the
// routing core itself.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/sfuforge/routingcore/internal/config"
	"github.com/sfuforge/routingcore/internal/core"
	"github.com/sfuforge/routingcore/internal/logging"
	"github.com/sfuforge/routingcore/internal/tracing"
)

func main() {
	// Load .env for local development; fall back to real environment.
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			break
		}
	}

	cfg := config.Default()
	if path := os.Getenv("SFU_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			slog.Error("Failed to load config", "error", err)
			return
		}
		cfg = loaded
	}

	if err := logging.Initialize(cfg.Development); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		return
	}

	if collector := os.Getenv("OTEL_COLLECTOR_ADDR"); collector != "" {
		tp, err := tracing.InitTracer(context.Background(), "sfu-routingcore", collector, cfg.TraceSampleRatio)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			return
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	hub := newHub()
	c, err := core.New(context.Background(), cfg, hub)
	if err != nil {
		slog.Error("Failed to assemble routing core", "error", err)
		return
	}
	hub.core = c

	// --- Set up Server ---
	router := gin.Default()
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))
	router.Use(otelgin.Middleware("sfu-routingcore"))
	router.Use(gin.Recovery())

	router.GET("/ws", hub.serveWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	health := newHealthHandler(c, cfg)
	router.GET("/health/live", health.liveness)
	router.GET("/health/ready", health.readiness)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		slog.Info("Harness server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down harness...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		slog.Error("Core forced to shutdown", "error", err)
	}

	slog.Info("Harness exiting")
}

func allowedOriginsFromEnv(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, origin := range splitAndTrim(raw, ",") {
		if origin != "" {
			out = append(out, origin)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
