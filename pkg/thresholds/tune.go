package thresholds

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/stats"
)

// ErrNoThreshold is returned when no cut meets the target on the labels
var ErrNoThreshold = errors.New("no threshold meets the precision target")

type TuneOptions struct {
	TargetPrecision float64 `mapstructure:"target_precision" json:"target_precision"`
	MinSamples      int     `mapstructure:"min_samples" json:"min_samples"`
	Confidence      float64 `mapstructure:"confidence" json:"confidence"`
}

func DefaultTuneOptions() TuneOptions {
	return TuneOptions{TargetPrecision: 0.99, MinSamples: 200, Confidence: 0.95}
}

type TuneResult struct {
	Threshold float64        `json:"threshold"`
	Interval  stats.Interval `json:"interval"`
	Samples   int            `json:"samples"`
}

// Tune scans labels by confidence descending and returns the highest cut τ
// whose accept band {confidence >= τ} holds at least MinSamples labels with a
// Wilson lower bound of precision at or above the target. Cuts below it
// accept more and are left to the gates to justify.
func Tune(labels []models.GoldLabel, opts TuneOptions) (TuneResult, error) {
	sorted := sortedByConfidence(labels, true)

	hits := 0
	for i, l := range sorted {
		if l.IsMatch() {
			hits++
		}
		if i+1 < len(sorted) && sorted[i+1].Confidence == l.Confidence {
			continue
		}
		n := i + 1
		iv := stats.Wilson(hits, n, opts.Confidence)
		if n >= opts.MinSamples && iv.Lower >= opts.TargetPrecision {
			return TuneResult{Threshold: l.Confidence, Interval: iv, Samples: n}, nil
		}
	}
	return TuneResult{}, fmt.Errorf("%w: %d labels, target %.4f", ErrNoThreshold, len(labels), opts.TargetPrecision)
}

// TuneLow mirrors Tune for the reject band {confidence < τ}: scanning
// ascending, the lowest τ whose band holds at least MinSamples labels with a
// Wilson lower bound of the non-match rate at or above the target.
func TuneLow(labels []models.GoldLabel, opts TuneOptions) (TuneResult, error) {
	sorted := sortedByConfidence(labels, false)

	misses := 0
	for i, l := range sorted {
		if !l.IsMatch() {
			misses++
		}
		next := math.Nextafter(l.Confidence, math.Inf(1))
		if i+1 < len(sorted) {
			if sorted[i+1].Confidence == l.Confidence {
				continue
			}
			next = sorted[i+1].Confidence
		}
		n := i + 1
		iv := stats.Wilson(misses, n, opts.Confidence)
		if n >= opts.MinSamples && iv.Lower >= opts.TargetPrecision {
			return TuneResult{Threshold: math.Min(next, 1), Interval: iv, Samples: n}, nil
		}
	}
	return TuneResult{}, fmt.Errorf("%w: %d labels, target %.4f", ErrNoThreshold, len(labels), opts.TargetPrecision)
}

// TuneSet tunes a band per relationship type present in labels, keeping the
// current band for types that cannot be tuned.
func TuneSet(current ThresholdSet, labels []models.GoldLabel, opts TuneOptions, version string) (ThresholdSet, map[string]error) {
	byType := map[string][]models.GoldLabel{}
	for _, l := range labels {
		byType[l.RelationshipType] = append(byType[l.RelationshipType], l)
	}

	out := current.Clone()
	out.Version = version
	failures := map[string]error{}
	for t, ls := range byType {
		band := current.Band(t)
		high, err := Tune(ls, opts)
		if err != nil {
			failures[t] = err
			continue
		}
		band.High = high.Threshold
		if low, err := TuneLow(ls, opts); err == nil && low.Threshold <= band.High {
			band.Low = low.Threshold
		}
		if band.Low > band.High {
			band.Low = band.High
		}
		out.Types[t] = band
	}
	return out, failures
}

func sortedByConfidence(labels []models.GoldLabel, desc bool) []models.GoldLabel {
	out := make([]models.GoldLabel, len(labels))
	copy(out, labels)
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Confidence < out[j].Confidence
	})
	return out
}
