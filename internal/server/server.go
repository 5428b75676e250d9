// Package server exposes the job pipeline over HTTP: job submission and
// lifecycle endpoints, an SSE event stream with history replay, and the
// report archive.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finbrief/finbrief/config"
	"github.com/finbrief/finbrief/internal/jobs"
	"github.com/finbrief/finbrief/internal/persist"
	"github.com/finbrief/finbrief/internal/skill"
	"github.com/finbrief/finbrief/internal/telemetry"
)

// Server wires the HTTP surface to the job manager and the archive.
type Server struct {
	cfg     *config.Config
	e       *echo.Echo
	manager *jobs.Manager
	store   *persist.Store
	tele    *telemetry.Telemetry
	logger  *log.Logger
}

// New builds the echo instance, middleware, and routes.
func New(cfg *config.Config, manager *jobs.Manager, store *persist.Store, tele *telemetry.Telemetry) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		store:   store,
		tele:    tele,
		logger:  log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.POST("/jobs", s.createJob)
	api.GET("/jobs", s.listJobs)
	api.GET("/jobs/:id", s.getJob)
	api.DELETE("/jobs/:id", s.cancelJob)
	api.POST("/jobs/:id/start", s.startJob)
	api.GET("/jobs/:id/events", s.streamEvents)
	api.POST("/jobs/:id/attachments", s.addAttachment)
	api.DELETE("/jobs/:id/attachments/:attachment_id", s.removeAttachment)
	api.GET("/reports", s.listReports)
	api.GET("/reports/:job_id", s.getReport)
	api.GET("/costs", s.costSummary)

	s.e = e
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	addr := s.cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	s.logger.Printf("listening on %s", addr)
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains HTTP connections, then tears down the job manager.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.e.Shutdown(ctx); err != nil {
		s.logger.Printf("http shutdown: %v", err)
	}
	return s.manager.Shutdown(ctx)
}

// httpError maps a pipeline error onto an HTTP status.
func httpError(err error) error {
	var serr *skill.StageError
	if !errors.As(err, &serr) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	code := serr.Status
	if code == 0 {
		switch serr.Kind {
		case skill.KindCapacity:
			code = http.StatusTooManyRequests
		case skill.KindTimeout:
			code = http.StatusGatewayTimeout
		default:
			code = http.StatusBadRequest
		}
	}
	return echo.NewHTTPError(code, serr.Message)
}
