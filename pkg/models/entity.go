package models

import (
	"slices"
	"time"
)

// EntityStatus is the lifecycle state of an entity
type EntityStatus string

const (
	EntityStatusLive       EntityStatus = "live"
	EntityStatusSuperseded EntityStatus = "superseded"
)

// Entity is a canonical real-world actor
type Entity struct {
	ID           string             `json:"id" db:"id"`
	Type         EntityType         `json:"type" db:"entity_type"`
	DisplayName  string             `json:"display_name" db:"display_name"`
	Keys         []DeterministicKey `json:"keys" db:"-"`
	Confidence   float64            `json:"confidence" db:"confidence"`
	Status       EntityStatus       `json:"status" db:"status"`
	SupersededBy *string            `json:"superseded_by,omitempty" db:"superseded_by"`
	FactIDs      []string           `json:"fact_ids" db:"-"`
	Version      int                `json:"version" db:"version"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" db:"updated_at"`
}

// IsLive reports whether the entity participates in the key index
func (e Entity) IsLive() bool {
	return e.Status == EntityStatusLive
}

// HasKey reports whether the entity carries key k
func (e Entity) HasKey(k DeterministicKey) bool {
	return slices.Contains(e.Keys, k)
}

// Clone returns a deep copy so snapshots never alias live state
func (e Entity) Clone() Entity {
	out := e
	out.Keys = slices.Clone(e.Keys)
	out.FactIDs = slices.Clone(e.FactIDs)
	if e.SupersededBy != nil {
		s := *e.SupersededBy
		out.SupersededBy = &s
	}
	return out
}

// MoreEstablished reports whether e should survive a merge with other:
// the older entity wins, ties go to the smaller id.
func (e Entity) MoreEstablished(other Entity) bool {
	if !e.CreatedAt.Equal(other.CreatedAt) {
		return e.CreatedAt.Before(other.CreatedAt)
	}
	return e.ID < other.ID
}
