package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/gates"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/logging"
	"github.com/Ramsey-B/fern/pkg/store/memory"
	"github.com/Ramsey-B/fern/pkg/thresholds"
)

var labeledAt = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ThresholdsFile = filepath.Join(t.TempDir(), "absent.yaml")
	cfg.Gates.MinSamples = 50
	cfg.Gates.MinERPrecision = 0.9
	cfg.Gates.MaxFalsePositiveRate = 0.05
	cfg.Tune = thresholds.TuneOptions{TargetPrecision: 0.9, MinSamples: 50, Confidence: 0.95}
	return cfg
}

// seedLabels stores n confident matches and n low-confidence non-matches
func seedLabels(t *testing.T, st *memory.Store, n int) {
	t.Helper()
	for i := range n {
		for _, l := range []models.GoldLabel{
			{ID: fmt.Sprintf("m-%d", i), RelationshipType: models.SameAs, SourceID: "sos", Confidence: 0.97, Verdict: models.VerdictMatch},
			{ID: fmt.Sprintf("n-%d", i), RelationshipType: models.SameAs, SourceID: "sos", Confidence: 0.2, Verdict: models.VerdictNoMatch},
		} {
			l.Origin = models.LabelOriginReview
			l.CreatedAt = labeledAt
			require.NoError(t, st.InsertGoldLabel(context.Background(), l))
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "fern "+Version+"\n", out.String())
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"serve"}, {"migrate"}, {"gates"}, {"tune"}, {"reliability", "recompute"}, {"version"}} {
		found, _, err := cmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], found.Name())
	}
}

func TestRunGates(t *testing.T) {
	tests := []struct {
		name     string
		labels   int
		json     bool
		wantPass bool
		contains string
	}{
		{name: "no labels fail", labels: 0, contains: "FAIL"},
		{name: "enough good labels pass", labels: 100, wantPass: true, contains: "can_deploy=true"},
		{name: "json report", labels: 100, json: true, wantPass: true, contains: `"can_deploy": true`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			seedLabels(t, st, tt.labels)

			var out bytes.Buffer
			err := runGates(context.Background(), &out, testConfig(t), st, gatesFlags{json: tt.json}, logging.Discard())
			if tt.wantPass {
				require.NoError(t, err)
			} else {
				var gate *models.GateFailureError
				require.ErrorAs(t, err, &gate)
				assert.Contains(t, gate.FailingGates, gates.GateEntityResolution)
			}
			assert.Contains(t, out.String(), tt.contains)

			if tt.json {
				var report gates.Report
				require.NoError(t, json.Unmarshal(out.Bytes(), &report))
				assert.True(t, report.CanDeploy)
			}
		})
	}
}

func TestRunTune(t *testing.T) {
	t.Run("writes a passing proposal", func(t *testing.T) {
		st := memory.New()
		seedLabels(t, st, 100)
		path := filepath.Join(t.TempDir(), "thresholds.yaml")

		var out bytes.Buffer
		err := runTune(context.Background(), &out, testConfig(t), st, tuneFlags{version: "tuned-1", out: path}, logging.Discard())
		require.NoError(t, err, out.String())

		set, err := thresholds.LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "tuned-1", set.Version)
		band := set.Band(models.SameAs)
		assert.InDelta(t, 0.97, band.High, 1e-9)
		assert.LessOrEqual(t, band.Low, band.High)
		assert.Contains(t, out.String(), "wrote "+path)
	})

	t.Run("nothing is written when gates fail", func(t *testing.T) {
		st := memory.New()
		seedLabels(t, st, 10)
		path := filepath.Join(t.TempDir(), "thresholds.yaml")

		var out bytes.Buffer
		err := runTune(context.Background(), &out, testConfig(t), st, tuneFlags{version: "tuned-2", out: path}, logging.Discard())
		var gate *models.GateFailureError
		require.ErrorAs(t, err, &gate)
		assert.NoFileExists(t, path)
		assert.Contains(t, out.String(), "kept:")
	})
}

func TestRunRecompute(t *testing.T) {
	st := memory.New()
	seedLabels(t, st, 30)

	var out bytes.Buffer
	require.NoError(t, runRecompute(context.Background(), &out, testConfig(t), st, labeledAt.Add(time.Hour), logging.Discard()))
	assert.Contains(t, out.String(), "sos")

	rec, err := st.GetSourceReliability(context.Background(), "sos")
	require.NoError(t, err)
	assert.Equal(t, 60, rec.SampleSize)
}
