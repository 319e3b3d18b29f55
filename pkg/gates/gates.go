// Package gates decides whether a threshold set or scorer version may be
// deployed. Every gate compares a Wilson bound, never a point estimate.
package gates

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/stats"
)

const (
	GateEntityResolution  = "entity_resolution"
	GateFalsePositiveRate = "false_positive_rate"
)

type Config struct {
	Confidence               float64            `mapstructure:"confidence" yaml:"confidence"`
	MinSamples               int                `mapstructure:"min_samples" yaml:"min_samples"`
	MinERPrecision           float64            `mapstructure:"min_er_precision" yaml:"min_er_precision"`
	MinRelationshipPrecision float64            `mapstructure:"min_relationship_precision" yaml:"min_relationship_precision"`
	RelationshipOverrides    map[string]float64 `mapstructure:"relationship_overrides" yaml:"relationship_overrides"`
	MaxFalsePositiveRate     float64            `mapstructure:"max_false_positive_rate" yaml:"max_false_positive_rate"`
}

func DefaultConfig() Config {
	return Config{
		Confidence:               0.95,
		MinSamples:               200,
		MinERPrecision:           0.99,
		MinRelationshipPrecision: 0.99,
		MaxFalsePositiveRate:     0.02,
	}
}

// Counts is a success count over a sample
type Counts struct {
	Successes int `json:"successes"`
	N         int `json:"n"`
}

// Metrics are the labeled outcomes the gates judge. EntityResolution and
// Relationships count correct accepts among accepted candidates.
// FalsePositives counts accepted candidates among true non-matches.
type Metrics struct {
	EntityResolution Counts            `json:"entity_resolution"`
	Relationships    map[string]Counts `json:"relationships"`
	FalsePositives   Counts            `json:"false_positives"`
}

type GateResult struct {
	Name     string  `json:"name"`
	Passed   bool    `json:"passed"`
	Observed float64 `json:"observed"`
	Bound    float64 `json:"bound"`
	Required float64 `json:"required"`
	Samples  int     `json:"samples"`
	Reason   string  `json:"reason,omitempty"`
}

type Report struct {
	CanDeploy    bool         `json:"can_deploy"`
	FailingGates []string     `json:"failing_gates"`
	Gates        []GateResult `json:"gates"`
	Confidence   float64      `json:"confidence"`
	EvaluatedAt  time.Time    `json:"evaluated_at"`
}

// Err returns a *models.GateFailureError for action when the report fails
func (r Report) Err(action string) error {
	if r.CanDeploy {
		return nil
	}
	return &models.GateFailureError{Action: action, FailingGates: r.FailingGates}
}

type Evaluator struct {
	config Config
	logger ectologger.Logger
	now    func() time.Time
}

func NewEvaluator(config Config, logger ectologger.Logger) *Evaluator {
	return &Evaluator{config: config, logger: logger, now: time.Now}
}

func (e *Evaluator) Config() Config {
	return e.config
}

// Evaluate runs every gate. Gates with fewer than MinSamples observations
// fail.
func (e *Evaluator) Evaluate(ctx context.Context, m Metrics) Report {
	_, span := tracing.StartSpan(ctx, "gates.Evaluator.Evaluate")
	defer span.End()

	report := Report{CanDeploy: true, FailingGates: []string{}, Confidence: e.config.Confidence, EvaluatedAt: e.now().UTC()}

	report.add(e.precisionGate(GateEntityResolution, m.EntityResolution, e.config.MinERPrecision))

	types := make([]string, 0, len(m.Relationships))
	for t := range m.Relationships {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		report.add(e.precisionGate(t, m.Relationships[t], e.requiredFor(t)))
	}

	report.add(e.falsePositiveGate(m.FalsePositives))

	for _, g := range report.Gates {
		result := "pass"
		if !g.Passed {
			result = "fail"
		}
		metrics.GateEvaluations.WithLabelValues(g.Name, result).Inc()
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"can_deploy":    report.CanDeploy,
		"failing_gates": report.FailingGates,
	})
	if report.CanDeploy {
		log.Info("Release gates passed")
	} else {
		log.Warn("Release gates failed")
	}
	return report
}

func (e *Evaluator) requiredFor(relationshipType string) float64 {
	if v, ok := e.config.RelationshipOverrides[relationshipType]; ok {
		return v
	}
	return e.config.MinRelationshipPrecision
}

func (r *Report) add(g GateResult) {
	r.Gates = append(r.Gates, g)
	if !g.Passed {
		r.CanDeploy = false
		r.FailingGates = append(r.FailingGates, g.Name)
	}
}

func (e *Evaluator) precisionGate(name string, c Counts, required float64) GateResult {
	iv := stats.Wilson(c.Successes, c.N, e.config.Confidence)
	g := GateResult{Name: name, Observed: iv.Point, Bound: iv.Lower, Required: required, Samples: c.N}
	switch {
	case c.N < e.config.MinSamples:
		g.Reason = fmt.Sprintf("insufficient samples: %d < %d", c.N, e.config.MinSamples)
	case iv.Lower < required:
		g.Reason = fmt.Sprintf("precision lower bound %.4f below %.4f", iv.Lower, required)
	default:
		g.Passed = true
	}
	return g
}

func (e *Evaluator) falsePositiveGate(c Counts) GateResult {
	iv := stats.Wilson(c.Successes, c.N, e.config.Confidence)
	g := GateResult{
		Name:     GateFalsePositiveRate,
		Observed: iv.Point,
		Bound:    iv.Upper,
		Required: e.config.MaxFalsePositiveRate,
		Samples:  c.N,
	}
	switch {
	case c.N < e.config.MinSamples:
		g.Reason = fmt.Sprintf("insufficient samples: %d < %d", c.N, e.config.MinSamples)
	case iv.Upper > e.config.MaxFalsePositiveRate:
		g.Reason = fmt.Sprintf("false positive rate upper bound %.4f above %.4f", iv.Upper, e.config.MaxFalsePositiveRate)
	default:
		g.Passed = true
	}
	return g
}

// Decider maps a confidence to a decision for a relationship type
type Decider interface {
	Decide(relationshipType string, confidence float64) models.Decision
}

// MetricsFromLabels replays the gold set through a threshold set: labels
// that would be accepted count toward precision, and true non-matches count
// toward the false positive rate.
func MetricsFromLabels(labels []models.GoldLabel, decider Decider) Metrics {
	m := Metrics{Relationships: map[string]Counts{}}
	for _, l := range labels {
		accepted := decider.Decide(l.RelationshipType, l.Confidence) == models.DecisionAccept

		if !l.IsMatch() {
			m.FalsePositives.N++
			if accepted {
				m.FalsePositives.Successes++
			}
		}
		if !accepted {
			continue
		}

		if l.RelationshipType == models.SameAs {
			m.EntityResolution.N++
			if l.IsMatch() {
				m.EntityResolution.Successes++
			}
			continue
		}
		c := m.Relationships[l.RelationshipType]
		c.N++
		if l.IsMatch() {
			c.Successes++
		}
		m.Relationships[l.RelationshipType] = c
	}
	return m
}
