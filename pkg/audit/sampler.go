// Package audit samples auto-accepted decisions for blind human re-review.
package audit

import (
	"context"
	"math/rand/v2"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/review"
)

type Config struct {
	// Rate is the probability that an auto-accept is sampled
	Rate     float64 `mapstructure:"rate"`
	Priority float64 `mapstructure:"priority"`
}

func DefaultConfig() Config {
	return Config{Rate: 0.15}
}

// Queue is the part of the review queue the sampler needs
type Queue interface {
	Enqueue(ctx context.Context, cand models.Candidate, confidence, priority float64, reason models.ReviewReason, opts ...review.EnqueueOptions) (models.ReviewItem, error)
	List(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewItem, error)
}

// Sampler is a merging.Observer. Random draws come from Float64, which
// tests replace with a fixed sequence.
type Sampler struct {
	queue   Queue
	config  Config
	logger  ectologger.Logger
	Float64 func() float64
}

func NewSampler(queue Queue, config Config, logger ectologger.Logger) *Sampler {
	return &Sampler{
		queue:   queue,
		config:  config,
		logger:  logger,
		Float64: rand.Float64,
	}
}

// MergeApplied implements merging.Observer
func (s *Sampler) MergeApplied(ctx context.Context, rec models.MergeRecord) {
	if _, err := s.Consider(ctx, rec); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"merge_record_id": rec.ID}).Error("Failed to enqueue audit sample")
	}
}

// Consider samples rec when it is an automatic accept. It reports whether
// an audit item was enqueued.
func (s *Sampler) Consider(ctx context.Context, rec models.MergeRecord) (bool, error) {
	cand, ok := auditCandidate(rec)
	if !ok || s.config.Rate <= 0 {
		return false, nil
	}
	if s.Float64() >= s.config.Rate {
		return false, nil
	}

	ctx, span := tracing.StartSpan(ctx, "audit.Sampler.Consider")
	defer span.End()

	id := rec.ID
	item, err := s.queue.Enqueue(ctx, cand, rec.Confidence, s.config.Priority, models.ReasonAudit, review.EnqueueOptions{
		Blind:         true,
		MergeRecordID: &id,
	})
	if err != nil {
		return false, err
	}

	metrics.AuditSamples.Inc()
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"merge_record_id":   rec.ID,
		"review_item_id":    item.ID,
		"relationship_type": cand.RelationshipType,
	}).Debug("Sampled auto-accept for audit")
	return true, nil
}

// Sample returns pending audit items, blinded
func (s *Sampler) Sample(ctx context.Context, limit int) ([]models.ReviewItem, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Sampler.Sample")
	defer span.End()

	return s.queue.List(ctx, models.ReviewFilter{
		Status: models.ReviewPending,
		Reason: models.ReasonAudit,
		Limit:  limit,
	})
}

// auditCandidate rebuilds the candidate an automatic accept decided on
func auditCandidate(rec models.MergeRecord) (models.Candidate, bool) {
	if rec.DecisionSource != models.DecisionSourceAuto || rec.Reverses != nil {
		return models.Candidate{}, false
	}
	switch rec.Kind {
	case models.MergeKindEntityMerge:
		return models.Candidate{
			Kind:             models.CandidateEntityMatch,
			RelationshipType: models.SameAs,
			EntityIDs:        rec.EntityIDs,
			ModelVersion:     rec.ModelVersion,
		}, true
	case models.MergeKindRelationshipWrite:
		if len(rec.After.Relationships) == 0 {
			return models.Candidate{}, false
		}
		row := rec.After.Relationships[0]
		if row.Status != models.StatusAutoAccepted {
			return models.Candidate{}, false
		}
		return models.Candidate{
			Kind:             models.CandidateRelationship,
			RelationshipType: row.Type,
			FromEntityID:     row.FromEntityID,
			ToEntityID:       row.ToEntityID,
			RelationshipID:   row.ID,
			Evidence:         row.Evidence,
			ModelVersion:     rec.ModelVersion,
		}, true
	}
	return models.Candidate{}, false
}
