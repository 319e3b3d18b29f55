// Package stats holds the interval estimates used by threshold tuning,
// release gates and source reliability.
package stats

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Interval is a binomial proportion estimate with its confidence bounds
type Interval struct {
	Successes  int     `json:"successes"`
	N          int     `json:"n"`
	Point      float64 `json:"point"`
	Lower      float64 `json:"lower"`
	Upper      float64 `json:"upper"`
	Confidence float64 `json:"confidence"`
}

// Z returns the two-sided standard normal critical value for a confidence
// level, 1.96 for 0.95.
func Z(confidence float64) float64 {
	if confidence <= 0 || confidence >= 1 {
		return 0
	}
	return distuv.UnitNormal.Quantile(1 - (1-confidence)/2)
}

// Wilson returns the Wilson score interval for successes out of n. n == 0
// yields the uninformative interval [0, 1].
func Wilson(successes, n int, confidence float64) Interval {
	out := Interval{Successes: successes, N: n, Confidence: confidence, Upper: 1}
	if n <= 0 {
		return out
	}

	z := Z(confidence)
	nf := float64(n)
	p := float64(successes) / nf
	z2 := z * z

	denom := 1 + z2/nf
	centre := p + z2/(2*nf)
	margin := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))

	out.Point = p
	out.Lower = clamp((centre - margin) / denom)
	out.Upper = clamp((centre + margin) / denom)
	return out
}

// WilsonLower is shorthand for Wilson(...).Lower
func WilsonLower(successes, n int, confidence float64) float64 {
	return Wilson(successes, n, confidence).Lower
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
