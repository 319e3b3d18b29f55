// Package routes assembles the HTTP API. Each resource lives in its own
// package with a Handler and a Register method.
package routes

import (
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/pkg/platform/middleware"
	"github.com/Ramsey-B/fern/pkg/routes/audit"
	"github.com/Ramsey-B/fern/pkg/routes/entities"
	"github.com/Ramsey-B/fern/pkg/routes/gates"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/mergerecords"
	"github.com/Ramsey-B/fern/pkg/routes/records"
	"github.com/Ramsey-B/fern/pkg/routes/relationships"
	"github.com/Ramsey-B/fern/pkg/routes/reviewitems"
	"github.com/Ramsey-B/fern/pkg/routes/thresholds"
	"github.com/Ramsey-B/fern/pkg/store"
	thresholdset "github.com/Ramsey-B/fern/pkg/thresholds"
)

const BasePath = "/api/v1"

type Options struct {
	AppName         string
	AllowOrigins    []string
	AllowMethods    []string
	AnalysisTimeout time.Duration
	// Auth guards the API group when set. Health and metrics stay open.
	Auth echo.MiddlewareFunc
}

// Services are the handlers' dependencies
type Services struct {
	Store       store.Store
	Pipeline    records.Processor
	Analyzer    entities.Analyzer
	Reverser    mergerecords.Reverser
	Review      reviewitems.Queue
	Audit       audit.Sampler
	Thresholder thresholds.Thresholder
	Tune        thresholdset.TuneOptions
	Health      *health.Checker
}

// New builds the echo server with every route mounted
func New(opts Options, svc Services, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	if opts.AppName != "" {
		e.Use(otelecho.Middleware(opts.AppName))
	}
	e.Use(echomw.Recover())
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	if len(opts.AllowOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: opts.AllowOrigins,
			AllowMethods: opts.AllowMethods,
		}))
	}

	if svc.Health != nil {
		svc.Health.RegisterRoutes(e)
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group(BasePath)
	if opts.Auth != nil {
		api.Use(opts.Auth)
	}

	records.NewHandler(svc.Pipeline).Register(api.Group("/records"))
	entities.NewHandler(svc.Store, svc.Analyzer, opts.AnalysisTimeout).Register(api.Group("/entities"))
	relationships.NewHandler(svc.Store).Register(api.Group("/relationships"))
	mergerecords.NewHandler(svc.Store, svc.Reverser).Register(api.Group("/merge-records"))
	reviewitems.NewHandler(svc.Review).Register(api.Group("/review-items"))
	audit.NewHandler(svc.Audit).Register(api.Group("/audit"))
	gates.NewHandler(svc.Thresholder).Register(api.Group("/gates"))
	thresholds.NewHandler(svc.Thresholder, svc.Store, svc.Tune).Register(api.Group("/thresholds"))

	return e
}
