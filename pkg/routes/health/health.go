package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// PingFunc checks one dependency
type PingFunc func(ctx context.Context) error

type check struct {
	name string
	ping PingFunc
}

// Checker handles health check endpoints
type Checker struct {
	checks    []check
	version   string
	timeout   time.Duration
	startTime time.Time
	ready     atomic.Bool
}

func NewChecker(version string) *Checker {
	return &Checker{
		version:   version,
		timeout:   2 * time.Second,
		startTime: time.Now(),
	}
}

// Add registers a dependency. A nil ping is skipped so optional
// dependencies can be passed unconditionally.
func (c *Checker) Add(name string, ping PingFunc) *Checker {
	if ping != nil {
		c.checks = append(c.checks, check{name: name, ping: ping})
	}
	return c
}

// SetReady sets the readiness state
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// RegisterRoutes registers health check endpoints
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", c.Health)
	e.GET("/live", c.Live)
	e.GET("/ready", c.Ready)
}

type HealthStatus struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	ReportedAt time.Time               `json:"reported_at"`
}

type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Health pings every dependency
func (c *Checker) Health(ctx echo.Context) error {
	status := &HealthStatus{
		Status:     StatusHealthy,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     make(map[string]*CheckResult, len(c.checks)),
		ReportedAt: time.Now().UTC(),
	}

	for _, chk := range c.checks {
		result := c.run(ctx.Request().Context(), chk)
		if result.Status != StatusHealthy {
			status.Status = StatusUnhealthy
		}
		status.Checks[chk.name] = result
	}

	httpStatus := http.StatusOK
	if status.Status == StatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return ctx.JSON(httpStatus, status)
}

func (c *Checker) run(ctx context.Context, chk check) *CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	if err := chk.ping(ctx); err != nil {
		return &CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return &CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
}

// Live returns the liveness status (is the service running)
func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// Ready returns the readiness status (is the service ready to accept traffic)
func (c *Checker) Ready(ctx echo.Context) error {
	if c.ready.Load() {
		return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
	return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}
