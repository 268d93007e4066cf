package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chadiek/sales-coach/internal/config"
)

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
}

// New constructs the HTTP server with routes. relay serves the coaching
// WebSocket; gatherer backs /metrics and may be nil.
func New(cfg config.Config, relay http.Handler, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := newEcho(logger)

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "online"})
	})

	ws := echo.WrapHandler(relay)
	auth := requirePassword(cfg.AuthPassword)
	e.GET("/ws", ws, auth)
	e.GET("/", ws, auth)

	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return &Server{Router: e}
}
