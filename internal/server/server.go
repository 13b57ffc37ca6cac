package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"castsync/internal/app"
	"castsync/internal/config"
	"castsync/internal/observability"
)

// Syncer is the part of app.Orchestrator the HTTP layer drives.
type Syncer interface {
	SyncChannel(ctx context.Context, channel string) app.ChannelResult
	SyncAll(ctx context.Context, channels []string) (*app.Summary, error)
	Reset(ctx context.Context, channel string) (bool, error)
}

type Server struct {
	echo           *echo.Echo
	syncer         Syncer
	defaultChannel string
	logger         *observability.Logger
}

func New(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, syncer Syncer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:           e,
		syncer:         syncer,
		defaultChannel: cfg.Sync.DefaultChannel,
		logger:         logger,
	}

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return path == "/healthz" || path == cfg.Observability.MetricsPath
		},
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []interface{}{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				fields = append(fields, "error", v.Error.Error())
			}
			logger.Info("HTTP request completed", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/", s.handleSyncChannel)
	e.GET("/sync", s.handleSyncAll)
	e.POST("/channels/:channel/reset", s.handleReset)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		e.GET(cfg.Observability.MetricsPath, echo.WrapHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	}

	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	s.logger.Info("HTTP server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// GET /?channel=<id>
func (s *Server) handleSyncChannel(c echo.Context) error {
	channel := strings.TrimSpace(c.QueryParam("channel"))
	if channel == "" {
		channel = s.defaultChannel
	}
	res := s.syncer.SyncChannel(c.Request().Context(), channel)
	return c.JSON(http.StatusOK, app.Summary{RunID: res.RunID, Results: []app.ChannelResult{res}})
}

// GET /sync?channels=a,b
func (s *Server) handleSyncAll(c echo.Context) error {
	var channels []string
	for _, ch := range strings.Split(c.QueryParam("channels"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			channels = append(channels, ch)
		}
	}

	sum, err := s.syncer.SyncAll(c.Request().Context(), channels)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, sum)
}

// POST /channels/:channel/reset
func (s *Server) handleReset(c echo.Context) error {
	channel := c.Param("channel")

	found, err := s.syncer.Reset(c.Request().Context(), channel)
	switch {
	case errors.Is(err, app.ErrCycleInProgress):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	case !found:
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no cursor state for channel " + channel})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"channel": channel, "reset": true})
}
