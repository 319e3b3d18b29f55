package models

import "time"

// SourceReliabilityRecord is the precision estimate for one source
type SourceReliabilityRecord struct {
	SourceID   string    `json:"source_id" db:"source_id"`
	Precision  float64   `json:"precision" db:"precision"`
	Lower      float64   `json:"lower" db:"lower_bound"`
	Upper      float64   `json:"upper" db:"upper_bound"`
	SampleSize int       `json:"sample_size" db:"sample_size"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// IsStale reports whether the record is older than maxAge at now
func (r SourceReliabilityRecord) IsStale(now time.Time, maxAge time.Duration) bool {
	if r.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(r.UpdatedAt) > maxAge
}
