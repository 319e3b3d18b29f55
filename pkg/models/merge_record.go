package models

import (
	"time"
)

// MergeKind classifies a MergeRecord
type MergeKind string

const (
	MergeKindEntityCreate      MergeKind = "entity_create"
	MergeKindEntityMerge       MergeKind = "entity_merge"
	MergeKindRelationshipWrite MergeKind = "relationship_write"
	MergeKindRejection         MergeKind = "rejection"
	MergeKindReversal          MergeKind = "reversal"
)

// Reversible reports whether records of this kind can be reversed
func (k MergeKind) Reversible() bool {
	return k == MergeKindEntityMerge || k == MergeKindRelationshipWrite
}

// DecisionSource records who made a decision
type DecisionSource string

const (
	DecisionSourceAuto  DecisionSource = "auto"
	DecisionSourceHuman DecisionSource = "human"
)

// Snapshot is the full state of every entity and relationship a decision touched
type Snapshot struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// Entity returns the snapshot copy of an entity by id
func (s Snapshot) Entity(id string) (Entity, bool) {
	for _, e := range s.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}

// MergeRecord is the append-only history entry for one decision
type MergeRecord struct {
	ID              string         `json:"id" db:"id"`
	Kind            MergeKind      `json:"kind" db:"kind"`
	EntityIDs       []string       `json:"entity_ids" db:"-"`
	RelationshipIDs []string       `json:"relationship_ids" db:"-"`
	Before          Snapshot       `json:"before" db:"-"`
	After           Snapshot       `json:"after" db:"-"`
	DecisionSource  DecisionSource `json:"decision_source" db:"decision_source"`
	ReviewerID      *string        `json:"reviewer_id,omitempty" db:"reviewer_id"`
	Confidence      float64        `json:"confidence" db:"confidence"`
	ModelVersion    string         `json:"model_version,omitempty" db:"model_version"`
	Reverses        *string        `json:"reverses,omitempty" db:"reverses"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`

	// Read-model fields derived from the reversal that references this record
	ReversedBy *string    `json:"reversed_by,omitempty" db:"-"`
	ReversedAt *time.Time `json:"reversed_at,omitempty" db:"-"`
}

// Reversed reports whether a reversal record references this record
func (m MergeRecord) Reversed() bool {
	return m.ReversedBy != nil
}
