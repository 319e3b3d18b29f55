// Package thresholds maps Tier confidences to Accept, Review or Reject per
// relationship type and tunes the bands from labeled data.
package thresholds

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/Gobusters/ectologger"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/gates"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/store"
)

// Band is the review band [Low, High). Confidences at or above High are
// accepted, below Low rejected.
type Band struct {
	High float64 `json:"high" yaml:"high" validate:"gte=0,lte=1"`
	Low  float64 `json:"low" yaml:"low" validate:"gte=0,lte=1"`
}

func (b Band) Validate() error {
	if math.IsNaN(b.High) || math.IsNaN(b.Low) || b.Low < 0 || b.High > 1 || b.Low > b.High {
		return models.NewValidationError("band", fmt.Sprintf("require 0 <= low <= high <= 1, got low=%v high=%v", b.Low, b.High))
	}
	return nil
}

// ThresholdSet holds the band per relationship type
type ThresholdSet struct {
	Version string          `json:"version" yaml:"version"`
	Default Band            `json:"default" yaml:"default"`
	Types   map[string]Band `json:"types" yaml:"types"`
}

func DefaultSet() ThresholdSet {
	return ThresholdSet{
		Version: "default",
		Default: Band{High: 0.95, Low: 0.5},
		Types: map[string]Band{
			models.SameAs: {High: 0.95, Low: 0.5},
		},
	}
}

func (s ThresholdSet) Validate() error {
	if err := s.Default.Validate(); err != nil {
		return err
	}
	for t, b := range s.Types {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	}
	return nil
}

// Band returns the band for relationshipType, or the default band
func (s ThresholdSet) Band(relationshipType string) Band {
	if b, ok := s.Types[relationshipType]; ok {
		return b
	}
	return s.Default
}

// Decide applies the band. NaN and out-of-range confidences go to review.
func (s ThresholdSet) Decide(relationshipType string, confidence float64) models.Decision {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return models.DecisionReview
	}
	b := s.Band(relationshipType)
	switch {
	case confidence >= b.High:
		return models.DecisionAccept
	case confidence < b.Low:
		return models.DecisionReject
	default:
		return models.DecisionReview
	}
}

// Clone deep-copies the set
func (s ThresholdSet) Clone() ThresholdSet {
	out := s
	out.Types = make(map[string]Band, len(s.Types))
	for t, b := range s.Types {
		out.Types[t] = b
	}
	return out
}

// LoadFile reads a YAML threshold set
func LoadFile(path string) (ThresholdSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ThresholdSet{}, fmt.Errorf("failed to read thresholds %s: %w", path, err)
	}
	var s ThresholdSet
	if err := yaml.Unmarshal(data, &s); err != nil {
		return ThresholdSet{}, fmt.Errorf("failed to parse thresholds %s: %w", path, err)
	}
	return s, s.Validate()
}

// Thresholder serves the active set and guards changes with release gates
type Thresholder struct {
	mu        sync.RWMutex
	active    ThresholdSet
	evaluator *gates.Evaluator
	labels    store.GoldLabels
	logger    ectologger.Logger
}

func NewThresholder(initial ThresholdSet, evaluator *gates.Evaluator, labels store.GoldLabels, logger ectologger.Logger) (*Thresholder, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Thresholder{active: initial.Clone(), evaluator: evaluator, labels: labels, logger: logger}, nil
}

func (t *Thresholder) Decide(relationshipType string, confidence float64) models.Decision {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active.Decide(relationshipType, confidence)
}

func (t *Thresholder) Active() ThresholdSet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active.Clone()
}

// Evaluate replays the gold set through set and runs the release gates
func (t *Thresholder) Evaluate(ctx context.Context, set ThresholdSet) (gates.Report, error) {
	labels, err := t.labels.ListGoldLabels(ctx, store.GoldLabelFilter{})
	if err != nil {
		return gates.Report{}, err
	}
	return t.evaluator.Evaluate(ctx, gates.MetricsFromLabels(labels, set)), nil
}

// Apply swaps in set when every gate passes, otherwise returns
// *models.GateFailureError and keeps the active set.
func (t *Thresholder) Apply(ctx context.Context, set ThresholdSet) (gates.Report, error) {
	ctx, span := tracing.StartSpan(ctx, "thresholds.Thresholder.Apply")
	defer span.End()

	if err := set.Validate(); err != nil {
		return gates.Report{}, err
	}

	report, err := t.Evaluate(ctx, set)
	if err != nil {
		return gates.Report{}, err
	}

	log := t.logger.WithContext(ctx).WithFields(map[string]any{
		"version":       set.Version,
		"failing_gates": report.FailingGates,
	})
	if err := report.Err("apply thresholds"); err != nil {
		log.Error("Threshold change blocked by release gates")
		return report, err
	}

	t.mu.Lock()
	t.active = set.Clone()
	t.mu.Unlock()

	log.Info("Applied threshold set")
	return report, nil
}
