package thresholds

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/gates"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/stats"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestThresholdSet_Decide(t *testing.T) {
	set := ThresholdSet{
		Default: Band{High: 0.9, Low: 0.4},
		Types:   map[string]Band{models.SameAs: {High: 0.85, Low: 0.5}},
	}

	tests := []struct {
		name       string
		relType    string
		confidence float64
		want       models.Decision
	}{
		{"at high accepts", models.SameAs, 0.85, models.DecisionAccept},
		{"inside band reviews", models.SameAs, 0.62, models.DecisionReview},
		{"at low reviews", models.SameAs, 0.5, models.DecisionReview},
		{"below low rejects", models.SameAs, 0.49, models.DecisionReject},
		{"unknown type uses default", "owns", 0.87, models.DecisionReview},
		{"nan reviews", models.SameAs, math.NaN(), models.DecisionReview},
		{"above one reviews", models.SameAs, 1.2, models.DecisionReview},
		{"negative reviews", models.SameAs, -0.1, models.DecisionReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, set.Decide(tt.relType, tt.confidence))
		})
	}
}

func TestThresholdSet_DecideIsMonotone(t *testing.T) {
	bands := []Band{
		{High: 0.9, Low: 0.4},
		{High: 0.85, Low: 0.5},
		{High: 0.5, Low: 0.5},
		{High: 1, Low: 0},
		{High: 0, Low: 0},
		{High: 1, Low: 1},
		{High: 0.9119, Low: 0.1905},
	}
	const steps = 1000
	for _, band := range bands {
		t.Run(fmt.Sprintf("high=%v low=%v", band.High, band.Low), func(t *testing.T) {
			set := ThresholdSet{Default: band}
			prev := set.Decide(models.SameAs, 0)
			for i := 1; i <= steps; i++ {
				c := float64(i) / steps
				got := set.Decide(models.SameAs, c)
				require.GreaterOrEqual(t, got.Strength(), prev.Strength(), "confidence %v decided %s after %s", c, got, prev)
				prev = got
			}
			assert.Equal(t, models.DecisionAccept, set.Decide(models.SameAs, math.Max(band.High, 0)))
			if band.Low > 0 {
				assert.Equal(t, models.DecisionReject, set.Decide(models.SameAs, math.Nextafter(band.Low, 0)))
			}
		})
	}
}

func TestThresholdSet_Validate(t *testing.T) {
	assert.NoError(t, DefaultSet().Validate())

	bad := DefaultSet()
	bad.Types["owns"] = Band{High: 0.4, Low: 0.6}
	var verr *models.ValidationError
	assert.ErrorAs(t, bad.Validate(), &verr)

	assert.Error(t, ThresholdSet{Default: Band{High: 1.1, Low: 0}}.Validate())
}

func label(relType string, confidence float64, match bool) models.GoldLabel {
	v := models.VerdictNoMatch
	if match {
		v = models.VerdictMatch
	}
	return models.GoldLabel{ID: uuid.NewString(), RelationshipType: relType, Confidence: confidence, Verdict: v}
}

func validationSet() []models.GoldLabel {
	var labels []models.GoldLabel
	for i := 0; i < 500; i++ {
		labels = append(labels, label(models.SameAs, 0.9+float64(i)*0.0001, true))
	}
	for i := 0; i < 100; i++ {
		labels = append(labels, label(models.SameAs, 0.8+float64(i)*0.0005, i%2 == 0))
	}
	for i := 0; i < 500; i++ {
		labels = append(labels, label(models.SameAs, float64(i)*0.0005, false))
	}
	return labels
}

func TestTune(t *testing.T) {
	t.Run("highest cut meeting the bound", func(t *testing.T) {
		// 381 clean matches is the smallest band whose 95% Wilson lower bound reaches 0.99
		got, err := Tune(validationSet(), DefaultTuneOptions())
		require.NoError(t, err)
		assert.InDelta(t, 0.9119, got.Threshold, 1e-9)
		assert.Equal(t, 381, got.Samples)
		assert.GreaterOrEqual(t, got.Interval.Lower, 0.99)

		below := stats.Wilson(380, 380, 0.95)
		assert.Less(t, below.Lower, 0.99)
	})

	t.Run("min samples holds the cut down", func(t *testing.T) {
		opts := DefaultTuneOptions()
		opts.MinSamples = 450
		got, err := Tune(validationSet(), opts)
		require.NoError(t, err)
		assert.Equal(t, 450, got.Samples)
		assert.InDelta(t, 0.905, got.Threshold, 1e-9)
	})

	t.Run("ties are kept in one band", func(t *testing.T) {
		var labels []models.GoldLabel
		for i := 0; i < 400; i++ {
			labels = append(labels, label(models.SameAs, 0.95, true))
		}
		got, err := Tune(labels, DefaultTuneOptions())
		require.NoError(t, err)
		assert.Equal(t, 400, got.Samples)
	})

	t.Run("too few labels", func(t *testing.T) {
		_, err := Tune(validationSet()[:100], DefaultTuneOptions())
		assert.ErrorIs(t, err, ErrNoThreshold)
	})
}

func TestTuneLow(t *testing.T) {
	got, err := TuneLow(validationSet(), DefaultTuneOptions())
	require.NoError(t, err)
	assert.InDelta(t, 0.1905, got.Threshold, 1e-9)
	assert.Equal(t, 381, got.Samples)
}

func TestTuneSet(t *testing.T) {
	set, failures := TuneSet(DefaultSet(), validationSet(), DefaultTuneOptions(), "tuned-1")
	assert.Empty(t, failures)
	assert.Equal(t, "tuned-1", set.Version)
	assert.InDelta(t, 0.9119, set.Types[models.SameAs].High, 1e-9)
	assert.InDelta(t, 0.1905, set.Types[models.SameAs].Low, 1e-9)
	assert.NoError(t, set.Validate())
}

func TestThresholder_Apply(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	for i := 0; i < 100; i++ {
		require.NoError(t, st.InsertGoldLabel(ctx, label(models.SameAs, 0.97, true)))
		require.NoError(t, st.InsertGoldLabel(ctx, label(models.SameAs, 0.3, false)))
	}

	cfg := gates.DefaultConfig()
	cfg.MinSamples = 50
	cfg.MinERPrecision = 0.95
	cfg.MaxFalsePositiveRate = 0.05
	th, err := NewThresholder(DefaultSet(), gates.NewEvaluator(cfg, testLogger()), st, testLogger())
	require.NoError(t, err)

	t.Run("unsafe set is blocked and the active set kept", func(t *testing.T) {
		unsafe := DefaultSet()
		unsafe.Version = "unsafe"
		unsafe.Types[models.SameAs] = Band{High: 0.2, Low: 0.1}

		report, err := th.Apply(ctx, unsafe)
		var gateErr *models.GateFailureError
		require.ErrorAs(t, err, &gateErr)
		assert.ElementsMatch(t, []string{gates.GateEntityResolution, gates.GateFalsePositiveRate}, gateErr.FailingGates)
		assert.False(t, report.CanDeploy)
		assert.Equal(t, "default", th.Active().Version)
	})

	t.Run("safe set is applied", func(t *testing.T) {
		safe := DefaultSet()
		safe.Version = "safe"
		safe.Types[models.SameAs] = Band{High: 0.96, Low: 0.4}

		report, err := th.Apply(ctx, safe)
		require.NoError(t, err)
		assert.True(t, report.CanDeploy)
		assert.Equal(t, "safe", th.Active().Version)
		assert.Equal(t, models.DecisionReview, th.Decide(models.SameAs, 0.95))
	})

	t.Run("invalid set is rejected before gates run", func(t *testing.T) {
		_, err := th.Apply(ctx, ThresholdSet{Default: Band{High: 0.1, Low: 0.9}})
		var verr *models.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}
