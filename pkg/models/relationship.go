package models

import (
	"slices"
	"time"
)

// ValidationStatus is the review state of a relationship row
type ValidationStatus string

const (
	StatusAutoAccepted   ValidationStatus = "auto_accepted"
	StatusUnderReview    ValidationStatus = "under_review"
	StatusHumanValidated ValidationStatus = "human_validated"
	StatusRejected       ValidationStatus = "rejected"
)

var allowedTransitions = map[ValidationStatus][]ValidationStatus{
	StatusUnderReview:  {StatusAutoAccepted, StatusHumanValidated, StatusRejected},
	StatusAutoAccepted: {StatusHumanValidated, StatusRejected},
}

// CanTransition reports whether a relationship may move from one status to
// another without a reversal.
func CanTransition(from, to ValidationStatus) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// Relationship is a typed edge between two entities. Rows are never edited
// except for the SupersededBy link set when a newer row replaces them.
type Relationship struct {
	ID           string           `json:"id" db:"id"`
	FromEntityID string           `json:"from_entity_id" db:"from_entity_id"`
	ToEntityID   string           `json:"to_entity_id" db:"to_entity_id"`
	Type         string           `json:"type" db:"relationship_type"`
	Confidence   float64          `json:"confidence" db:"confidence"`
	Evidence     []string         `json:"evidence" db:"-"`
	Status       ValidationStatus `json:"status" db:"status"`
	ModelVersion string           `json:"model_version,omitempty" db:"model_version"`
	Supersedes   *string          `json:"supersedes,omitempty" db:"supersedes"`
	SupersededBy *string          `json:"superseded_by,omitempty" db:"superseded_by"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

// IsCurrent reports whether the row is the head of its supersession chain
func (r Relationship) IsCurrent() bool {
	return r.SupersededBy == nil
}

// Clone returns a deep copy
func (r Relationship) Clone() Relationship {
	out := r
	out.Evidence = slices.Clone(r.Evidence)
	if r.Supersedes != nil {
		s := *r.Supersedes
		out.Supersedes = &s
	}
	if r.SupersededBy != nil {
		s := *r.SupersededBy
		out.SupersededBy = &s
	}
	return out
}

// RelationshipFilter selects relationships for downstream readers
type RelationshipFilter struct {
	EntityID       string             `query:"entity_id"`
	Type           string             `query:"type"`
	Statuses       []ValidationStatus `query:"status"`
	MinConfidence  float64            `query:"min_confidence" validate:"gte=0,lte=1"`
	IncludeHistory bool               `query:"include_history"`
	Limit          int                `query:"limit"`
}
