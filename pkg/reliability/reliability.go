// Package reliability estimates per-source precision from the gold-label
// set and serves it as the Tier 2 source prior.
package reliability

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/stats"
	"github.com/Ramsey-B/fern/pkg/store"
)

type Config struct {
	MaxAge       time.Duration `mapstructure:"max_age"`
	DefaultPrior float64       `mapstructure:"default_prior"`
	Confidence   float64       `mapstructure:"confidence"`
	// Interval between scheduled recomputes
	Interval time.Duration `mapstructure:"interval"`
}

func DefaultConfig() Config {
	return Config{
		MaxAge:       30 * 24 * time.Hour,
		DefaultPrior: 0.5,
		Confidence:   0.95,
		Interval:     720 * time.Hour,
	}
}

// Store is the storage the service reads and writes
type Store interface {
	store.GoldLabels
	store.SourceReliability
}

// Prior is a source prior together with how it was obtained
type Prior struct {
	SourceID string                          `json:"source_id"`
	Value    float64                         `json:"value"`
	Stale    bool                            `json:"stale"`
	Record   *models.SourceReliabilityRecord `json:"record,omitempty"`
}

type Service struct {
	store  Store
	config Config
	logger ectologger.Logger
	now    func() time.Time
}

func NewService(s Store, config Config, logger ectologger.Logger) *Service {
	return &Service{store: s, config: config, logger: logger, now: time.Now}
}

// Recompute rebuilds every source's record from the gold labels
func (s *Service) Recompute(ctx context.Context, now time.Time) ([]models.SourceReliabilityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "reliability.Service.Recompute")
	defer span.End()

	labels, err := s.store.ListGoldLabels(ctx, store.GoldLabelFilter{})
	if err != nil {
		return nil, err
	}

	type tally struct{ matches, total int }
	bySource := map[string]*tally{}
	for _, l := range labels {
		if l.SourceID == "" {
			continue
		}
		t, ok := bySource[l.SourceID]
		if !ok {
			t = &tally{}
			bySource[l.SourceID] = t
		}
		t.total++
		if l.IsMatch() {
			t.matches++
		}
	}

	at := now.UTC().Truncate(time.Microsecond)
	out := make([]models.SourceReliabilityRecord, 0, len(bySource))
	for sourceID, t := range bySource {
		iv := stats.Wilson(t.matches, t.total, s.config.Confidence)
		rec := models.SourceReliabilityRecord{
			SourceID:   sourceID,
			Precision:  iv.Point,
			Lower:      iv.Lower,
			Upper:      iv.Upper,
			SampleSize: t.total,
			UpdatedAt:  at,
		}
		if err := s.store.UpsertSourceReliability(ctx, rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"sources": len(out),
		"labels":  len(labels),
	}).Info("Recomputed source reliability")
	return out, nil
}

// Prior returns the source's precision, or the default prior marked stale
// when the record is missing or older than MaxAge.
func (s *Service) Prior(ctx context.Context, sourceID string, now time.Time) (Prior, error) {
	rec, err := s.store.GetSourceReliability(ctx, sourceID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return Prior{}, err
	}
	if err == nil && !rec.IsStale(now, s.config.MaxAge) {
		return Prior{SourceID: sourceID, Value: rec.Precision, Record: &rec}, nil
	}

	metrics.StaleReliabilityReads.Inc()
	log := s.logger.WithContext(ctx).WithFields(map[string]any{"source_id": sourceID, "default_prior": s.config.DefaultPrior})
	p := Prior{SourceID: sourceID, Value: s.config.DefaultPrior, Stale: true}
	if err == nil {
		p.Record = &rec
		log.WithFields(map[string]any{"updated_at": rec.UpdatedAt}).Warn("Source reliability is stale, using default prior")
	} else {
		log.Debug("No source reliability record, using default prior")
	}
	return p, nil
}

// SourcePrior implements matching.SourcePriors
func (s *Service) SourcePrior(ctx context.Context, sourceID string) float64 {
	p, err := s.Prior(ctx, sourceID, s.now())
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source_id": sourceID}).Warn("Failed to read source reliability")
		return s.config.DefaultPrior
	}
	return p.Value
}

// List returns every stored record
func (s *Service) List(ctx context.Context) ([]models.SourceReliabilityRecord, error) {
	return s.store.ListSourceReliability(ctx)
}
