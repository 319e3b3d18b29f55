package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/platform/middleware"
	"github.com/Ramsey-B/fern/pkg/platform/redis"
	"github.com/Ramsey-B/fern/pkg/platform/startup"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/reliability"
	"github.com/Ramsey-B/fern/pkg/routes"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/store"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, ingestion workers and reliability scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newServer(opts.cfg, opts.logger).Run(cmd.Context())
		},
	}
}

// server owns every long-lived dependency of the service. Each is brought
// up by one startup step and torn down in reverse.
type server struct {
	cfg     config.Config
	logger  ectologger.Logger
	startup *startup.Startup
	checker *health.Checker

	stopTracing func(context.Context) error
	db          database.DB
	store       store.Store
	rdb         *goredis.Client
	graph       *graph.Client
	producer    *kafka.Producer
	services    *services
	workers     *pipeline.Workers
	scheduler   *reliability.Scheduler
	http        *http.Server
	httpErr     chan error
}

func newServer(cfg config.Config, logger ectologger.Logger) *server {
	s := &server{
		cfg:     cfg,
		logger:  logger,
		startup: startup.New(logger, cfg.StartupMaxAttempts),
		checker: health.NewChecker(Version),
		httpErr: make(chan error, 1),
	}

	s.startup.Add(
		startup.Func{ID: "tracing", OnStart: s.startTracing, OnStop: s.stopTracingProvider},
		startup.Func{ID: "database", OnStart: s.startDatabase, OnStop: s.stopDatabase},
		startup.Func{ID: "migrations", Requires: []string{"database"}, OnStart: s.migrate},
	)

	core := []string{"tracing", "migrations"}
	if cfg.Redis.Enabled {
		s.startup.Add(startup.Func{ID: "redis", OnStart: s.startRedis, OnStop: s.stopRedis})
		core = append(core, "redis")
	}
	if cfg.Graph.Enabled {
		s.startup.Add(startup.Func{ID: "graph", OnStart: s.startGraph, OnStop: s.stopGraph})
		core = append(core, "graph")
	}
	if cfg.Kafka.ProducerEnabled {
		s.startup.Add(startup.Func{ID: "kafka-producer", OnStart: s.startProducer, OnStop: s.stopProducer})
		core = append(core, "kafka-producer")
	}

	s.startup.Add(startup.Func{ID: "services", Requires: core, OnStart: s.startServices})
	if cfg.Kafka.ConsumerEnabled {
		s.startup.Add(startup.Func{ID: "workers", Requires: []string{"services"}, OnStart: s.startWorkers, OnStop: s.stopWorkers})
	}
	s.startup.Add(
		startup.Func{ID: "reliability-scheduler", Requires: []string{"services"}, OnStart: s.startScheduler, OnStop: s.stopScheduler},
		startup.Func{ID: "http", Requires: []string{"services"}, OnStart: s.startHTTP, OnStop: s.stopHTTP},
	)
	return s
}

// Run starts everything, blocks until ctx is cancelled or the listener
// fails, then shuts down.
func (s *server) Run(ctx context.Context) error {
	if err := s.startup.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return errors.Join(err, s.startup.Stop(stopCtx))
	}
	s.checker.SetReady(true)
	s.logger.WithField("port", s.cfg.Port).Info("fern is serving")

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down")
	case runErr = <-s.httpErr:
		s.logger.WithError(runErr).Error("HTTP listener failed")
	}
	s.checker.SetReady(false)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, s.startup.Stop(stopCtx))
}

func (s *server) startTracing(ctx context.Context) error {
	shutdown, err := tracing.Setup(ctx, s.cfg.AppName, s.cfg.Tracing)
	if err != nil {
		return err
	}
	s.stopTracing = shutdown
	return nil
}

func (s *server) stopTracingProvider(ctx context.Context) error {
	if s.stopTracing == nil {
		return nil
	}
	return s.stopTracing(ctx)
}

func (s *server) startDatabase(ctx context.Context) error {
	db, st, err := openStore(ctx, s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.db, s.store = db, st
	s.checker.Add("database", st.Ping)
	return nil
}

func (s *server) stopDatabase(context.Context) error {
	return s.db.Close()
}

func (s *server) migrate(context.Context) error {
	return runMigrations(s.cfg, s.db, s.logger)
}

func (s *server) startRedis(ctx context.Context) error {
	rdb, err := redis.Connect(ctx, s.cfg.Redis, s.logger)
	if err != nil {
		return err
	}
	s.rdb = rdb
	s.checker.Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	return nil
}

func (s *server) stopRedis(context.Context) error {
	return s.rdb.Close()
}

func (s *server) startGraph(ctx context.Context) error {
	client, err := graph.NewClient(s.cfg.Graph, s.logger)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close(ctx)
		return fmt.Errorf("graph unreachable: %w", err)
	}
	s.graph = client
	s.checker.Add("graph", client.Ping)
	return nil
}

func (s *server) stopGraph(ctx context.Context) error {
	return s.graph.Close(ctx)
}

func (s *server) startProducer(context.Context) error {
	s.producer = kafka.NewProducer(s.cfg.Kafka.Producer, s.logger)
	return nil
}

func (s *server) stopProducer(context.Context) error {
	return s.producer.Close()
}

func (s *server) startServices(ctx context.Context) error {
	in := infra{store: s.store}

	if s.rdb != nil {
		in.locker = locks.NewRedisLocker(s.rdb, s.cfg.Locks, s.logger)
		in.judgments = cache.NewLayered(
			cache.NewMemory(s.cfg.Cache.LocalTTL, s.cfg.Cache.CleanupInterval),
			cache.NewRedis(s.rdb, s.cfg.Cache.RedisPrefix),
			s.cfg.Cache.LocalTTL,
		)
	} else {
		in.locker = locks.NewMemoryLocker()
		in.judgments = cache.NewMemory(s.cfg.Cache.LocalTTL, s.cfg.Cache.CleanupInterval)
	}

	if s.producer != nil {
		in.observers = append(in.observers, events.NewEmitter(s.producer, s.logger))
	}
	if s.graph != nil {
		in.observers = append(in.observers, graph.NewProjector(s.graph, s.logger))
	}

	svc, err := buildServices(ctx, s.cfg, in, s.logger)
	if err != nil {
		return err
	}
	s.services = svc
	return nil
}

func (s *server) startWorkers(ctx context.Context) error {
	s.workers = pipeline.NewWorkers(s.services.pipeline, s.cfg.Workers, s.cfg.Kafka.Consumer, s.logger)
	return s.workers.Start(ctx)
}

func (s *server) stopWorkers(context.Context) error {
	return s.workers.Stop()
}

func (s *server) startScheduler(ctx context.Context) error {
	var locker locks.KeyedLocker = locks.NewMemoryLocker()
	if s.rdb != nil {
		locker = locks.NewRedisLocker(s.rdb, s.cfg.Locks, s.logger)
	}
	s.scheduler = reliability.NewScheduler(s.services.reliability, locker, s.logger)
	return s.scheduler.Start(ctx)
}

func (s *server) stopScheduler(ctx context.Context) error {
	return s.scheduler.Stop(ctx)
}

func (s *server) startHTTP(ctx context.Context) error {
	opts := routes.Options{
		AppName:         s.cfg.AppName,
		AllowOrigins:    s.cfg.HTTP.AllowOrigins,
		AllowMethods:    s.cfg.HTTP.AllowMethods,
		AnalysisTimeout: s.cfg.HTTP.AnalysisTimeout,
	}
	if s.cfg.Auth.Enabled {
		auth, err := middleware.Authentication(ctx, s.logger, s.cfg.Auth.IssuerURL, s.cfg.Auth.ClientID)
		if err != nil {
			return err
		}
		opts.Auth = auth
	}

	svc := s.services
	e := routes.New(opts, routes.Services{
		Store:       s.store,
		Pipeline:    svc.pipeline,
		Analyzer:    svc.analyzer,
		Reverser:    svc.engine,
		Review:      svc.queue,
		Audit:       svc.sampler,
		Thresholder: svc.thresholder,
		Tune:        s.cfg.Tune,
		Health:      s.checker,
	}, s.logger)

	s.http = newHTTPServer(s.cfg, e)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.httpErr <- err
		}
	}()
	return nil
}

func (s *server) stopHTTP(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func newHTTPServer(cfg config.Config, handler *echo.Echo) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.HTTP.MaxHeaderBytes,
	}
}
