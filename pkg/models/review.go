package models

import (
	"time"
)

// SameAs is the relationship type used for entity-to-entity matches
const SameAs = "same_as"

// CandidateKind distinguishes entity matches from relationship candidates
type CandidateKind string

const (
	CandidateEntityMatch  CandidateKind = "entity_match"
	CandidateRelationship CandidateKind = "relationship"
)

// Tier identifies which stage of the cascade produced a confidence
type Tier int

const (
	TierNone          Tier = 0
	TierDeterministic Tier = 1
	TierScored        Tier = 2
	TierEscalated     Tier = 3
)

// Candidate is a proposed merge or relationship write
type Candidate struct {
	Kind             CandidateKind      `json:"kind"`
	RelationshipType string             `json:"relationship_type"`
	Record           *Record            `json:"record,omitempty"`
	EntityIDs        []string           `json:"entity_ids,omitempty"`
	FromEntityID     string             `json:"from_entity_id,omitempty"`
	ToEntityID       string             `json:"to_entity_id,omitempty"`
	RelationshipID   string             `json:"relationship_id,omitempty"`
	Evidence         []string           `json:"evidence,omitempty"`
	Tier             Tier               `json:"tier"`
	ModelVersion     string             `json:"model_version,omitempty"`
	Features         map[string]float64 `json:"features,omitempty"`
}

// Decision is the outcome of three-band thresholding
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReview Decision = "review"
	DecisionReject Decision = "reject"
)

// Strength orders decisions: Accept > Review > Reject
func (d Decision) Strength() int {
	switch d {
	case DecisionAccept:
		return 2
	case DecisionReview:
		return 1
	default:
		return 0
	}
}

// Verdict is a human or audit judgment
type Verdict string

const (
	VerdictMatch   Verdict = "match"
	VerdictNoMatch Verdict = "no_match"
)

// Valid reports whether v is a known verdict
func (v Verdict) Valid() bool {
	return v == VerdictMatch || v == VerdictNoMatch
}

// Decision maps a verdict to the merge decision it implies
func (v Verdict) Decision() Decision {
	if v == VerdictMatch {
		return DecisionAccept
	}
	return DecisionReject
}

// ReviewReason explains why an item is in the queue
type ReviewReason string

const (
	ReasonReviewBand         ReviewReason = "review_band"
	ReasonMatchConflict      ReviewReason = "match_conflict"
	ReasonScorerUnavailable  ReviewReason = "scorer_unavailable"
	ReasonEscalationFallback ReviewReason = "escalation_fallback"
	ReasonAudit              ReviewReason = "audit"
)

// ReviewStatus is the queue state of an item
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewResolved ReviewStatus = "resolved"
)

// ReviewItem is a decision awaiting human judgment
type ReviewItem struct {
	ID            string       `json:"id" db:"id"`
	Candidate     Candidate    `json:"candidate" db:"-"`
	Confidence    float64      `json:"confidence" db:"confidence"`
	Priority      float64      `json:"priority" db:"priority"`
	Reason        ReviewReason `json:"reason" db:"reason"`
	Blind         bool         `json:"blind" db:"blind"`
	MergeRecordID *string      `json:"merge_record_id,omitempty" db:"merge_record_id"`
	Status        ReviewStatus `json:"status" db:"status"`
	Verdict       *Verdict     `json:"verdict,omitempty" db:"verdict"`
	ReviewerID    *string      `json:"reviewer_id,omitempty" db:"reviewer_id"`
	EnqueuedAt    time.Time    `json:"enqueued_at" db:"enqueued_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Touches reports whether the item's candidate involves the entity
func (r ReviewItem) Touches(entityID string) bool {
	c := r.Candidate
	if c.FromEntityID == entityID || c.ToEntityID == entityID {
		return true
	}
	for _, id := range c.EntityIDs {
		if id == entityID {
			return true
		}
	}
	return false
}

// ReviewFilter selects queue items
type ReviewFilter struct {
	Status           ReviewStatus `query:"status"`
	Reason           ReviewReason `query:"reason"`
	RelationshipType string       `query:"relationship_type"`
	EntityID         string       `query:"entity_id"`
	Limit            int          `query:"limit"`
}

// LabelOrigin records where a gold label came from
type LabelOrigin string

const (
	LabelOriginReview     LabelOrigin = "review"
	LabelOriginAudit      LabelOrigin = "audit"
	LabelOriginEscalation LabelOrigin = "escalation"
)

// GoldLabel is an append-only verified match/non-match example
type GoldLabel struct {
	ID               string      `json:"id" db:"id"`
	ReviewItemID     *string     `json:"review_item_id,omitempty" db:"review_item_id"`
	RelationshipType string      `json:"relationship_type" db:"relationship_type"`
	SourceID         string      `json:"source_id" db:"source_id"`
	Confidence       float64     `json:"confidence" db:"confidence"`
	Verdict          Verdict     `json:"verdict" db:"verdict"`
	Origin           LabelOrigin `json:"origin" db:"origin"`
	ModelVersion     string      `json:"model_version,omitempty" db:"model_version"`
	ReviewerID       *string     `json:"reviewer_id,omitempty" db:"reviewer_id"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
}

// IsMatch reports whether the label says the candidate was correct
func (g GoldLabel) IsMatch() bool {
	return g.Verdict == VerdictMatch
}
