// Package server exposes the operational HTTP surface: registry queries,
// routing, approvals and workflow instance control.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/approval"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/engine"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/priority"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/routing"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// Deps are the components the handlers call. Engine and Router are
// required; Scorer defaults to the default thresholds.
type Deps struct {
	Engine *engine.Engine
	Router *routing.Router
	Scorer *priority.Scorer
	Logger *slog.Logger
}

// Server holds the echo instance and its dependencies.
type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	router *routing.Router
	scorer *priority.Scorer
	logger *slog.Logger
	http   *http.Server
}

// New creates a Server with every route mounted.
func New(deps Deps) (*Server, error) {
	if deps.Engine == nil || deps.Router == nil {
		return nil, errors.New("server: engine and router are required")
	}
	s := &Server{
		echo:   echo.New(),
		engine: deps.Engine,
		router: deps.Router,
		scorer: deps.Scorer,
		logger: deps.Logger,
	}
	if s.scorer == nil {
		s.scorer = priority.NewScorer(priority.DefaultConfig())
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware("sundayhug"))
	e.Use(s.logRequests)

	s.http = &http.Server{
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.health)
	e.GET("/stats", s.stats)
	e.GET("/units/:id", s.getUnit)
	e.POST("/route", s.route)

	e.GET("/approvals", s.listApprovals)
	e.POST("/approvals/:id/resolve", s.resolveApproval)

	e.GET("/workflows", s.listWorkflows)
	e.POST("/workflows/:id/start", s.startWorkflow)

	e.GET("/instances", s.listInstances)
	e.GET("/instances/:id", s.getInstance)
	e.GET("/instances/:id/events", s.instanceEvents)
	e.POST("/instances/:id/pause", s.control(s.engine.Pause))
	e.POST("/instances/:id/resume", s.control(s.engine.Resume))
	e.POST("/instances/:id/cancel", s.control(s.engine.Cancel))
	e.POST("/instances/:id/retry", s.control(s.engine.Retry))
}

// Handler returns the root handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.logger.Info("server starting", slog.String("address", addr))
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown error", slog.String("error", err.Error()))
		return s.http.Close()
	}
	return nil
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		s.logger.DebugContext(req.Context(), "http request",
			slog.String("method", req.Method),
			slog.String("path", c.Path()),
			slog.Int("status", c.Response().Status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return nil
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrInvalidTransition),
		errors.Is(err, api.ErrAlreadyRegistered),
		errors.Is(err, approval.ErrAlreadyResolved),
		errors.Is(err, approval.ErrExpired):
		return http.StatusConflict
	case errors.Is(err, api.ErrRouting):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	} else {
		code = statusFor(err)
	}
	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request().Context(), "request failed",
			slog.String("path", c.Path()),
			slog.String("error", err.Error()),
		)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, errorBody{Error: msg})
	}
	if err != nil {
		s.logger.Warn("writing error response", slog.String("error", err.Error()))
	}
}
