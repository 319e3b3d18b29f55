package resolution

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/escalation"
	"github.com/Ramsey-B/fern/pkg/keys"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store/memory"
	"github.com/Ramsey-B/fern/pkg/thresholds"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fixedModel struct {
	p   float64
	err error
}

func (m fixedModel) Version() string { return "fixed-1" }

func (m fixedModel) Predict(context.Context, matching.FeatureVector) (float64, error) {
	return m.p, m.err
}

type stubEscalator struct {
	judgment escalation.Judgment
	calls    int
}

func (s *stubEscalator) Eligible(pair escalation.CandidatePair) bool {
	return pair.Probability >= 0.4 && pair.Probability <= 0.8
}

func (s *stubEscalator) Resolve(context.Context, escalation.CandidatePair) (escalation.Judgment, error) {
	s.calls++
	return s.judgment, nil
}

type fixture struct {
	store    *memory.Store
	engine   *merging.Engine
	registry *matching.ModelRegistry
	resolver *Resolver
}

func newFixture(t *testing.T, esc Escalator) *fixture {
	t.Helper()
	st := memory.New()
	normalizer := keys.NewNormalizer(keys.DefaultConfig())
	registry := matching.NewModelRegistry()

	set := thresholds.DefaultSet()
	set.Types[models.SameAs] = thresholds.Band{High: 0.85, Low: 0.5}
	set.Types["owns"] = thresholds.Band{High: 0.9, Low: 0.6}

	r := NewResolver(
		normalizer,
		matching.NewDeterministicMatcher(st, matching.DefaultDeterministicConfig(), testLogger()),
		st,
		matching.NewFeatureExtractor(normalizer, nil),
		matching.NewScorer(registry, testLogger()),
		esc,
		set,
		matching.StaticPrior(0.8),
		DefaultConfig(),
		testLogger(),
	)
	return &fixture{
		store:    st,
		engine:   merging.NewEngine(st, locks.NewMemoryLocker(), normalizer, merging.DefaultConfig(), testLogger()),
		registry: registry,
		resolver: r,
	}
}

func (f *fixture) seed(t *testing.T, name string, fields map[string]string) models.Entity {
	t.Helper()
	rec := company(name, fields)
	mr, err := f.engine.ApplyDecision(context.Background(), models.Candidate{Kind: models.CandidateEntityMatch, Record: &rec}, models.DecisionAccept, merging.DecisionMeta{Confidence: 1})
	require.NoError(t, err)
	return mr.After.Entities[0]
}

func company(name string, fields map[string]string) models.Record {
	f := map[string]string{models.FieldName: name}
	for k, v := range fields {
		f[k] = v
	}
	return models.Record{EntityType: models.EntityTypeCompany, Fields: f, SourceID: "sos", FactID: "fact-" + name}
}

func TestResolver_Tier1(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	smith := f.seed(t, "Smith Holdings LLC", map[string]string{models.FieldRegisteredAgent: "Smith & Associates Inc"})
	acme := f.seed(t, "Acme LLC", map[string]string{models.FieldTaxID: "12-3456789"})
	_ = f.seed(t, "Acme Widgets LLC", map[string]string{models.FieldEmail: "sales@acmewidgets.com"})

	t.Run("registered agent hit is accepted", func(t *testing.T) {
		out, err := f.resolver.ResolveRecord(ctx, company("Smith Holdings", map[string]string{
			models.FieldRegisteredAgent: "Smith & Associates, Inc.",
			models.FieldPhone:           "(201) 555-0123",
		}))
		require.NoError(t, err)
		assert.Equal(t, models.DecisionAccept, out.Decision)
		assert.Equal(t, models.TierDeterministic, out.Tier)
		assert.InDelta(t, 0.98, out.Confidence, 1e-9)
		assert.Equal(t, []string{smith.ID}, out.Candidate.EntityIDs)
	})

	t.Run("keys owned by two entities conflict", func(t *testing.T) {
		out, err := f.resolver.ResolveRecord(ctx, company("Acme Smith", map[string]string{
			models.FieldTaxID:           "12-3456789",
			models.FieldRegisteredAgent: "Smith & Associates Inc",
		}))
		require.NoError(t, err)
		assert.Equal(t, models.DecisionReview, out.Decision)
		assert.Equal(t, models.ReasonMatchConflict, out.ReviewReason)
		require.NotNil(t, out.Conflict)
		assert.ElementsMatch(t, []string{smith.ID, acme.ID}, out.Candidate.EntityIDs)
		assert.Equal(t, DefaultConfig().ConflictPriority, out.Priority)
	})

	t.Run("weak key hit is held rather than rejected", func(t *testing.T) {
		set := thresholds.DefaultSet()
		set.Types[models.SameAs] = thresholds.Band{High: 0.99, Low: 0.9}
		prev := f.resolver.thresholds
		f.resolver.thresholds = set
		defer func() { f.resolver.thresholds = prev }()

		out, err := f.resolver.ResolveRecord(ctx, company("Widgets", map[string]string{models.FieldEmail: "info@acmewidgets.com"}))
		require.NoError(t, err)
		assert.Equal(t, models.DecisionReview, out.Decision)
		assert.Equal(t, models.ReasonReviewBand, out.ReviewReason)
	})
}

func TestResolver_Tier2(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		model      matching.Model
		judgment   *escalation.Judgment
		wantDec    models.Decision
		wantTier   models.Tier
		wantReason models.ReviewReason
		wantConf   float64
	}{
		{
			name:       "review band",
			model:      fixedModel{p: 0.62},
			wantDec:    models.DecisionReview,
			wantTier:   models.TierScored,
			wantReason: models.ReasonReviewBand,
			wantConf:   0.62,
		},
		{
			name:     "high score accepted",
			model:    fixedModel{p: 0.9},
			wantDec:  models.DecisionAccept,
			wantTier: models.TierScored,
			wantConf: 0.9,
		},
		{
			name:     "low score rejected",
			model:    fixedModel{p: 0.2},
			wantDec:  models.DecisionReject,
			wantTier: models.TierScored,
			wantConf: 0.2,
		},
		{
			name:       "missing model",
			wantDec:    models.DecisionReview,
			wantTier:   models.TierScored,
			wantReason: models.ReasonScorerUnavailable,
		},
		{
			name:       "model error",
			model:      fixedModel{err: errors.New("model crashed")},
			wantDec:    models.DecisionReview,
			wantTier:   models.TierScored,
			wantReason: models.ReasonScorerUnavailable,
		},
		{
			name:     "escalation match raises confidence",
			model:    fixedModel{p: 0.62},
			judgment: &escalation.Judgment{Verdict: models.VerdictMatch, Confidence: 0.93},
			wantDec:  models.DecisionAccept,
			wantTier: models.TierEscalated,
			wantConf: 0.93,
		},
		{
			name:     "escalation no_match lowers confidence",
			model:    fixedModel{p: 0.62},
			judgment: &escalation.Judgment{Verdict: models.VerdictNoMatch, Confidence: 0.9},
			wantDec:  models.DecisionReject,
			wantTier: models.TierEscalated,
			wantConf: 0.1,
		},
		{
			name:       "escalation fallback keeps the score",
			model:      fixedModel{p: 0.62},
			judgment:   &escalation.Judgment{Verdict: models.VerdictNoMatch, Fallback: true},
			wantDec:    models.DecisionReview,
			wantTier:   models.TierScored,
			wantReason: models.ReasonEscalationFallback,
			wantConf:   0.62,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var esc Escalator
			if tt.judgment != nil {
				esc = &stubEscalator{judgment: *tt.judgment}
			}
			f := newFixture(t, esc)
			if tt.model != nil {
				f.registry.Register(models.SameAs, tt.model)
			}
			existing := f.seed(t, "Northwind Trading Company", nil)

			out, err := f.resolver.ResolveRecord(ctx, company("Northwind Traders", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.wantDec, out.Decision)
			assert.Equal(t, tt.wantTier, out.Tier)
			assert.Equal(t, tt.wantReason, out.ReviewReason)
			assert.InDelta(t, tt.wantConf, out.Confidence, 1e-9)
			if tt.wantDec == models.DecisionReject {
				assert.Empty(t, out.Candidate.EntityIDs)
				require.NotNil(t, out.Candidate.Record)
			} else {
				assert.Equal(t, []string{existing.ID}, out.Candidate.EntityIDs)
			}
		})
	}
}

func TestResolver_NoCandidates(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(models.SameAs, fixedModel{p: 0.99})
	_ = f.seed(t, "Globex Corporation", nil)

	out, err := f.resolver.ResolveRecord(context.Background(), company("Initech", nil))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionReject, out.Decision)
	assert.Equal(t, models.TierNone, out.Tier)
	assert.Empty(t, out.Candidate.EntityIDs)
}

func TestResolver_Validation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.resolver.ResolveRecord(context.Background(), models.Record{EntityType: "vessel", Fields: map[string]string{"name": "x"}})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.resolver.ResolveRecord(context.Background(), models.Record{EntityType: models.EntityTypePerson})
	require.ErrorAs(t, err, &verr)
}

func TestResolver_ScoreRelationship(t *testing.T) {
	tests := []struct {
		name       string
		model      matching.Model
		wantDec    models.Decision
		wantReason models.ReviewReason
	}{
		{name: "accepted", model: fixedModel{p: 0.95}, wantDec: models.DecisionAccept},
		{name: "review", model: fixedModel{p: 0.7}, wantDec: models.DecisionReview, wantReason: models.ReasonReviewBand},
		{name: "rejected", model: fixedModel{p: 0.3}, wantDec: models.DecisionReject},
		{name: "no model", wantDec: models.DecisionReview, wantReason: models.ReasonScorerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tt.model != nil {
				f.registry.Register("owns", tt.model)
			}
			out, err := f.resolver.ScoreRelationship(context.Background(), RelationshipInput{
				Type:                 "owns",
				FromEntityID:         "company-1",
				ToEntityID:           "parcel-1",
				SourceID:             "assessor",
				ExtractionConfidence: 0.9,
				Corroborations:       2,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantDec, out.Decision)
			assert.Equal(t, tt.wantReason, out.ReviewReason)
			assert.Equal(t, models.CandidateRelationship, out.Candidate.Kind)
			assert.Equal(t, 0.8, out.Candidate.Features[matching.FeatureSourcePrior])
			assert.Equal(t, 2.0, out.Candidate.Features[FeatureCorroborations])
		})
	}

	t.Run("missing endpoint", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.resolver.ScoreRelationship(context.Background(), RelationshipInput{Type: "owns", FromEntityID: "a"})
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
	})
}
