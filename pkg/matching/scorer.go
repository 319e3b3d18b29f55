package matching

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

var errNoModel = errors.New("no model registered")

// Score is a Tier 2 probability and the model that produced it
type Score struct {
	Probability  float64
	ModelVersion string
}

type Scorer struct {
	registry *ModelRegistry
	logger   ectologger.Logger
}

func NewScorer(registry *ModelRegistry, logger ectologger.Logger) *Scorer {
	return &Scorer{registry: registry, logger: logger}
}

// Score runs the model registered for relationshipType. Every failure is
// reported as *models.ScorerUnavailableError.
func (s *Scorer) Score(ctx context.Context, relationshipType string, features FeatureVector) (Score, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Scorer.Score")
	defer span.End()

	m, ok := s.registry.Get(relationshipType)
	if !ok {
		return Score{}, s.unavailable(ctx, relationshipType, "", errNoModel)
	}

	p, err := m.Predict(ctx, features)
	if err != nil {
		return Score{}, s.unavailable(ctx, relationshipType, m.Version(), err)
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return Score{}, s.unavailable(ctx, relationshipType, m.Version(), fmt.Errorf("probability %v out of range", p))
	}
	return Score{Probability: p, ModelVersion: m.Version()}, nil
}

func (s *Scorer) unavailable(ctx context.Context, relationshipType, version string, err error) error {
	metrics.ScorerFailures.WithLabelValues(relationshipType).Inc()
	s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"relationship_type": relationshipType,
		"model_version":     version,
	}).Warn("Scorer unavailable")
	return &models.ScorerUnavailableError{RelationshipType: relationshipType, ModelVersion: version, Err: err}
}
