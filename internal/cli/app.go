package cli

import (
	"context"
	"errors"
	"io/fs"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/escalation"
	"github.com/Ramsey-B/fern/pkg/extractor"
	"github.com/Ramsey-B/fern/pkg/gates"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/keys"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/reliability"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/review"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/thresholds"
)

// openStore connects to Postgres and returns the repository-backed store.
// Callers close the returned DB.
func openStore(ctx context.Context, cfg config.Config, logger ectologger.Logger) (database.DB, *repositories.Store, error) {
	db, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	return db, repositories.NewStore(db, logger), nil
}

func runMigrations(cfg config.Config, db database.DB, logger ectologger.Logger) error {
	return database.NewMigrationService(logger, cfg.Migration).Migrate(cfg.Database.Name, db)
}

// loadThresholds reads the threshold file, falling back to the built-in
// set when it does not exist.
func loadThresholds(cfg config.Config, logger ectologger.Logger) (thresholds.ThresholdSet, error) {
	set, err := thresholds.LoadFile(cfg.ThresholdsFile)
	if errors.Is(err, fs.ErrNotExist) {
		logger.WithField("path", cfg.ThresholdsFile).Warn("Threshold file not found, using built-in defaults")
		return thresholds.DefaultSet(), nil
	}
	return set, err
}

func newThresholder(ctx context.Context, cfg config.Config, labels store.GoldLabels, logger ectologger.Logger) (*thresholds.Thresholder, error) {
	set, err := loadThresholds(cfg, logger)
	if err != nil {
		return nil, err
	}
	return thresholds.NewThresholder(set, gates.NewEvaluator(cfg.Gates, logger), labels, logger)
}

// infra is what the services run on. Locker and judgments fall back to
// in-process implementations when Redis is off.
type infra struct {
	store     store.Store
	locker    locks.KeyedLocker
	judgments cache.Cache
	observers []merging.Observer
}

type services struct {
	reliability *reliability.Service
	engine      *merging.Engine
	queue       *review.Manager
	sampler     *audit.Sampler
	thresholder *thresholds.Thresholder
	escalator   *escalation.Escalator
	pipeline    *pipeline.Pipeline
	analyzer    *pipeline.Analyzer
}

func buildServices(ctx context.Context, cfg config.Config, in infra, logger ectologger.Logger) (*services, error) {
	svc := &services{}
	svc.reliability = reliability.NewService(in.store, cfg.Reliability, logger)

	normalizer := keys.NewNormalizer(cfg.Keys)
	svc.engine = merging.NewEngine(in.store, in.locker, normalizer, cfg.Merging, logger)
	svc.queue = review.NewManager(in.store, svc.engine, cfg.Review, logger)
	svc.sampler = audit.NewSampler(svc.queue, cfg.Audit, logger)
	svc.engine.Observe(in.observers...)
	svc.engine.Observe(svc.sampler)

	var err error
	svc.thresholder, err = newThresholder(ctx, cfg, in.store, logger)
	if err != nil {
		return nil, err
	}

	registry := matching.NewModelRegistry()
	if err := registry.LoadModelDir(cfg.ModelDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		logger.WithField("model_dir", cfg.ModelDir).Warn("Model directory not found, Tier 2 will route candidates to review")
	}

	var escalator resolution.Escalator
	if cfg.Escalation.Enabled {
		reasoner, err := escalation.NewReasoner(cfg.Reasoner.APIKey, cfg.Reasoner.BaseURL, cfg.Escalation.Model)
		if err != nil {
			return nil, err
		}
		var labels store.GoldLabels
		if cfg.Escalation.FeedbackToGoldLabels {
			labels = in.store
		}
		svc.escalator = escalation.NewEscalator(reasoner, in.judgments, labels, cfg.Escalation, logger)
		escalator = svc.escalator
	}

	resolver := resolution.NewResolver(
		normalizer,
		matching.NewDeterministicMatcher(in.store, cfg.Tier1, logger),
		in.store,
		matching.NewFeatureExtractor(normalizer, svc.reliability),
		matching.NewScorer(registry, logger),
		escalator,
		svc.thresholder,
		svc.reliability,
		cfg.Resolution,
		logger,
	)

	profiles, err := extractor.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return nil, err
	}
	ex, err := extractor.New(profiles, logger)
	if err != nil {
		return nil, err
	}

	svc.pipeline = pipeline.New(
		ingest.NewDeduplicator(in.store, cfg.Ingest, logger),
		ex,
		in.store,
		resolver,
		svc.engine,
		svc.queue,
		cfg.Pipeline,
		logger,
	)
	svc.analyzer = pipeline.NewAnalyzer(in.store, escalator, svc.thresholder, svc.engine, logger)

	logger.WithContext(ctx).WithFields(map[string]any{
		"thresholds": svc.thresholder.Active().Version,
		"escalation": cfg.Escalation.Enabled,
		"audit_rate": cfg.Audit.Rate,
	}).Info("Resolution services ready")
	return svc, nil
}

func closeAll(ctx context.Context, logger ectologger.Logger, closers ...func(context.Context) error) {
	for _, c := range closers {
		if err := c(ctx); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("Failed to release resource")
		}
	}
}
