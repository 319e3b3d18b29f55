package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Timeout = 50 * time.Millisecond
	cfg.RatePerSecond = 0
	cfg.Model.ModelID = "reasoner-large"
	cfg.Model.ModelVersion = "2026-01-01"
	return cfg
}

func pair() CandidatePair {
	return CandidatePair{
		RelationshipType: models.SameAs,
		Probability:      0.6,
		ModelVersion:     "same_as-3",
		Record: models.Record{
			SourceID: "county-assessor",
			Fields: map[string]string{
				models.FieldName:            "Acme Holdings LLC",
				models.FieldRegisteredAgent: "Jane Roe",
				models.FieldTaxID:           "123456789",
			},
		},
		Entity: models.Entity{
			ID:          "entity-should-not-leak",
			DisplayName: "ACME Holdings",
			Keys:        []models.DeterministicKey{{Type: models.KeyRegisteredAgent, Value: "jane roe"}},
		},
	}
}

func TestBoundedEvidenceSet(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFieldLength = 4

	got := BoundedEvidenceSet(pair(), cfg)
	require.Len(t, got, 2)
	assert.Equal(t, EvidenceItem{Field: models.FieldName, RecordValue: "Acme", EntityValue: "ACME"}, got[0])
	assert.Equal(t, models.FieldRegisteredAgent, got[1].Field)

	for _, item := range got {
		assert.NotContains(t, item.EntityValue, "entity-should-not-leak")
		assert.NotEqual(t, models.FieldTaxID, item.Field)
	}

	cfg.MaxFields = 1
	assert.Len(t, BoundedEvidenceSet(pair(), cfg), 1)
}

func TestCacheKey(t *testing.T) {
	cfg := testConfig()
	evidence := BoundedEvidenceSet(pair(), cfg)
	base := CacheKey(cfg.Model, models.SameAs, evidence)

	assert.Equal(t, base, CacheKey(cfg.Model, models.SameAs, evidence))

	changes := map[string]func(p *ModelParams){
		"model version":  func(p *ModelParams) { p.ModelVersion = "2026-02-01" },
		"prompt version": func(p *ModelParams) { p.PromptVersion = "v2" },
		"temperature":    func(p *ModelParams) { p.Temperature = 0.2 },
		"top p":          func(p *ModelParams) { p.TopP = 0.9 },
		"max tokens":     func(p *ModelParams) { p.MaxTokens = 512 },
		"seed":           func(p *ModelParams) { p.Seed = 7 },
	}
	for name, change := range changes {
		t.Run(name, func(t *testing.T) {
			p := cfg.Model
			change(&p)
			assert.NotEqual(t, base, CacheKey(p, models.SameAs, evidence))
		})
	}
}

func TestEscalator_Eligible(t *testing.T) {
	e := NewEscalator(&StaticReasoner{}, nil, nil, testConfig(), testLogger())

	assert.True(t, e.Eligible(pair()))

	outside := pair()
	outside.Probability = 0.95
	assert.False(t, e.Eligible(outside))

	thin := pair()
	thin.Entity.Keys = nil
	assert.False(t, e.Eligible(thin))

	off := testConfig()
	off.Enabled = false
	assert.False(t, NewEscalator(&StaticReasoner{}, nil, nil, off, testLogger()).Eligible(pair()))
}

func TestEscalator_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("answer is cached under the versioned key", func(t *testing.T) {
		reasoner := &StaticReasoner{Reply: `Sure. {"verdict": "match", "confidence": 0.92}`}
		c := cache.NewMemory(time.Hour, time.Hour)
		e := NewEscalator(reasoner, c, nil, testConfig(), testLogger())

		first, err := e.Resolve(ctx, pair())
		require.NoError(t, err)
		assert.Equal(t, models.VerdictMatch, first.Verdict)
		assert.Equal(t, 0.92, first.Confidence)
		assert.False(t, first.Cached)

		second, err := e.Resolve(ctx, pair())
		require.NoError(t, err)
		assert.True(t, second.Cached)
		assert.Equal(t, first.CacheKey, second.CacheKey)
		assert.Equal(t, 1, reasoner.Calls())
	})

	t.Run("timeout falls back and is not cached", func(t *testing.T) {
		reasoner := &StaticReasoner{Reply: `{"verdict": "match", "confidence": 0.9}`, Delay: time.Second}
		c := cache.NewMemory(time.Hour, time.Hour)
		e := NewEscalator(reasoner, c, nil, testConfig(), testLogger())

		j, err := e.Resolve(ctx, pair())
		require.NoError(t, err)
		assert.True(t, j.Fallback)
		assert.Equal(t, models.VerdictNoMatch, j.Verdict)
		assert.Equal(t, 0.0, j.Confidence)

		var timeout *models.EscalationTimeoutError
		assert.ErrorAs(t, j.FallbackCause, &timeout)
		assert.Equal(t, 0, c.Len())
		assert.Equal(t, 0.6, j.Combine(0.6))
	})

	t.Run("reasoner error and garbage reply fall back", func(t *testing.T) {
		for _, r := range []*StaticReasoner{
			{Err: errors.New("503 overloaded")},
			{Reply: "I think so"},
			{Reply: `{"verdict": "maybe", "confidence": 0.5}`},
		} {
			e := NewEscalator(r, nil, nil, testConfig(), testLogger())
			j, err := e.Resolve(ctx, pair())
			require.NoError(t, err)
			assert.True(t, j.Fallback)
			assert.Error(t, j.FallbackCause)
		}
	})

	t.Run("ineligible pair", func(t *testing.T) {
		e := NewEscalator(&StaticReasoner{}, nil, nil, testConfig(), testLogger())
		p := pair()
		p.Probability = 0.1
		_, err := e.Resolve(ctx, p)
		assert.ErrorIs(t, err, ErrNotEligible)
	})

	t.Run("confident answers feed the gold set when enabled", func(t *testing.T) {
		st := memory.New()
		cfg := testConfig()
		cfg.FeedbackToGoldLabels = true
		e := NewEscalator(&StaticReasoner{Reply: `{"verdict": "no_match", "confidence": 0.95}`}, nil, st, cfg, testLogger())

		_, err := e.Resolve(ctx, pair())
		require.NoError(t, err)

		labels, err := st.ListGoldLabels(ctx, store.GoldLabelFilter{})
		require.NoError(t, err)
		require.Len(t, labels, 1)
		assert.Equal(t, models.LabelOriginEscalation, labels[0].Origin)
		assert.Equal(t, models.VerdictNoMatch, labels[0].Verdict)
		assert.Equal(t, "county-assessor", labels[0].SourceID)
	})
}

func TestJudgment_Combine(t *testing.T) {
	tests := []struct {
		name string
		j    Judgment
		p    float64
		want float64
	}{
		{"match raises", Judgment{Verdict: models.VerdictMatch, Confidence: 0.9}, 0.6, 0.9},
		{"match never lowers", Judgment{Verdict: models.VerdictMatch, Confidence: 0.5}, 0.7, 0.7},
		{"no match lowers", Judgment{Verdict: models.VerdictNoMatch, Confidence: 0.9}, 0.6, 0.1},
		{"fallback is neutral", Judgment{Verdict: models.VerdictNoMatch, Fallback: true}, 0.6, 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.j.Combine(tt.p), 1e-9)
		})
	}
}

func TestNewReasoner(t *testing.T) {
	tests := []struct {
		provider string
		want     any
		wantErr  bool
	}{
		{provider: "anthropic", want: &AnthropicReasoner{}},
		{provider: "openai", want: &OpenAIReasoner{}},
		{provider: "ouija", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			r, err := NewReasoner("key", "", ModelParams{Provider: tt.provider, ModelID: "m"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, r)
		})
	}
}
