// Package rpc exposes a butler's tools over HTTP and invokes tools on
// remote butlers. The wire contract is JSON both ways: a tool call is a
// POST of the args object, a failure is always an {"error":{"class":...,
// "message":...}} envelope with a status from the error taxonomy, never a
// bare transport error.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/metrics"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/pkg/telemetry"
	"github.com/butler-platform/butlerd/pkg/tools"
	"github.com/butler-platform/butlerd/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"

	healthCheckTimeout = 5 * time.Second
)

// HealthCheck is one component's entry in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Butler  string                 `json:"butler"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// Server serves a daemon's tool registry over HTTP.
//
// Routes: POST /rpc/v1/tools/:tool invokes a tool, GET /health reports
// component health, GET /metrics is the Prometheus scrape endpoint. Health
// and metrics keep serving while the daemon drains; tool invokes do not.
type Server struct {
	butlerName string
	registry   *tools.Registry
	db         *postgres.Client
	metrics    *metrics.Metrics

	echo     *echo.Echo
	draining atomic.Bool

	mu           sync.Mutex
	httpServer   *http.Server
	healthChecks map[string]func(context.Context) error
}

// NewServer builds the server and registers its routes. db may be nil on
// daemons without their own database; metrics may be nil in tests.
func NewServer(butlerName string, registry *tools.Registry, db *postgres.Client, m *metrics.Metrics) *Server {
	s := &Server{
		butlerName:   butlerName,
		registry:     registry,
		db:           db,
		metrics:      m,
		echo:         echo.New(),
		healthChecks: make(map[string]func(context.Context) error),
	}

	s.echo.Use(recoverPanics())
	s.echo.POST("/rpc/v1/tools/:tool", s.invokeToolHandler, s.rejectWhileDraining())
	s.echo.GET("/health", s.healthHandler)
	if m != nil {
		s.echo.GET("/metrics", func(c *echo.Context) error {
			m.Handler().ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
	return s
}

// AddHealthCheck registers a component check for /health. A failing check
// degrades the reported status; only a database failure makes the endpoint
// return 503. Register during startup, before Start.
func (s *Server) AddHealthCheck(name string, check func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthChecks[name] = check
}

// SetDraining switches the invoke route between serving and rejecting.
// While draining, invokes return 503 with class shutting_down.
func (s *Server) SetDraining(draining bool) {
	s.draining.Store(draining)
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called; a clean shutdown returns http.ErrServerClosed.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// invokeToolHandler handles POST /rpc/v1/tools/:tool. The request body is
// the tool's args object; an embedded trace_context is restored into the
// request context so the tool's spans continue the caller's trace.
func (s *Server) invokeToolHandler(c *echo.Context) error {
	toolName := c.Param("tool")

	args, err := decodeArgs(c.Request().Body)
	if err != nil {
		return s.writeToolError(c, toolName, fault.NewValidationError("body", err.Error()))
	}

	ctx := c.Request().Context()
	if tc := traceContextArg(args); tc != nil {
		ctx = telemetry.Extract(ctx, tc)
	}

	result, err := s.registry.Invoke(ctx, toolName, args)
	if err != nil {
		return s.writeToolError(c, toolName, err)
	}

	if s.metrics != nil {
		s.metrics.ToolInvocations.WithLabelValues(toolName, "ok").Inc()
	}
	if result == nil {
		result = map[string]any{}
	}
	return c.JSON(http.StatusOK, result)
}

// writeToolError translates err into the wire failure envelope. Internal
// errors are logged with detail and masked on the wire; a database outage
// shifts the status from 500 to 503.
func (s *Server) writeToolError(c *echo.Context, toolName string, err error) error {
	if s.metrics != nil {
		s.metrics.ToolInvocations.WithLabelValues(toolName, "error").Inc()
	}

	class := fault.Class(err)
	var te *ToolError
	if errors.As(err, &te) {
		// A nested remote failure keeps its original class on the way out.
		class = te.Class
	}

	status := statusForClass(class)
	message := err.Error()
	if class == fault.ClassInternal {
		slog.Error("Tool invocation failed",
			"tool", toolName,
			"butler", s.butlerName,
			"error", err)
		if postgres.IsUnavailable(err) {
			status = http.StatusServiceUnavailable
		}
		message = "internal error"
	}

	return c.JSON(status, errorBody{Error: wireError{Class: class, Message: message}})
}

// healthHandler handles GET /health. Only the daemon's own components are
// checked; external peers are excluded so an orchestrator never restarts
// this daemon because a neighbour is down.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.db != nil {
		if _, err := s.db.Health(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	for name, check := range s.componentChecks() {
		if err := check(reqCtx); err != nil {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks[name] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks[name] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Butler:  s.butlerName,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

func (s *Server) componentChecks() map[string]func(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	checks := make(map[string]func(context.Context) error, len(s.healthChecks))
	for name, check := range s.healthChecks {
		checks[name] = check
	}
	return checks
}

// rejectWhileDraining returns middleware that refuses tool invokes once the
// shutdown sequence has begun.
func (s *Server) rejectWhileDraining() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if s.draining.Load() {
				return c.JSON(http.StatusServiceUnavailable, errorBody{
					Error: wireError{Class: fault.ClassShuttingDown, Message: "daemon is shutting down"},
				})
			}
			return next(c)
		}
	}
}

// recoverPanics converts handler panics into internal_error envelopes so a
// misbehaving tool never tears down the whole RPC surface.
func recoverPanics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Handler panicked",
						"path", c.Request().URL.Path,
						"panic", r)
					err = c.JSON(http.StatusInternalServerError, errorBody{
						Error: wireError{Class: fault.ClassInternal, Message: "internal error"},
					})
				}
			}()
			return next(c)
		}
	}
}

// decodeArgs reads the request body as a JSON object. An empty body means
// no arguments.
func decodeArgs(r io.Reader) (map[string]any, error) {
	args := map[string]any{}
	err := json.NewDecoder(r).Decode(&args)
	if err == io.EOF {
		return args, nil
	}
	if err != nil {
		return nil, fmt.Errorf("request body is not a JSON object: %v", err)
	}
	return args, nil
}

// traceContextArg extracts the optional trace_context field from the args.
func traceContextArg(args map[string]any) map[string]string {
	raw, ok := args["trace_context"].(map[string]any)
	if !ok {
		return nil
	}
	tc := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			tc[k] = s
		}
	}
	if len(tc) == 0 {
		return nil
	}
	return tc
}
