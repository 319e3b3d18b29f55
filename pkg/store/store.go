// Package store defines the persistence ports used by the resolution core.
// Implementations: store/memory for tests and local runs, and the Postgres
// repositories under internal/repositories.
package store

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

type RawFacts interface {
	// InsertRawFact writes fact unless its content hash exists. inserted is
	// false for a duplicate.
	InsertRawFact(ctx context.Context, fact models.RawFact) (inserted bool, err error)
	GetRawFact(ctx context.Context, id string) (models.RawFact, error)
	GetRawFactByHash(ctx context.Context, hash string) (models.RawFact, error)
}

type StructuredFacts interface {
	InsertStructuredFacts(ctx context.Context, facts []models.StructuredFact) error
	GetStructuredFact(ctx context.Context, id string) (models.StructuredFact, error)
	ListStructuredFacts(ctx context.Context, rawFactID string) ([]models.StructuredFact, error)
	// MarkStructuredFactResolved records that the fact's outcome is stored
	MarkStructuredFactResolved(ctx context.Context, id string, at time.Time) error
}

type Entities interface {
	GetEntity(ctx context.Context, id string) (models.Entity, error)
	// GetEntities returns entities in the order of ids, or ErrNotFound
	GetEntities(ctx context.Context, ids []string) ([]models.Entity, error)
	// PutEntities upserts entities and re-indexes their keys. A key held by
	// another live entity yields a *models.MatchConflictError.
	PutEntities(ctx context.Context, entities ...models.Entity) error
	// LookupKeys maps each key to the live entity that holds it
	LookupKeys(ctx context.Context, keys []models.DeterministicKey) (map[models.DeterministicKey]string, error)
	// FindCandidates returns live entities of a type whose names share tokens
	FindCandidates(ctx context.Context, entityType models.EntityType, nameTokens []string, limit int) ([]models.Entity, error)
}

type Relationships interface {
	InsertRelationship(ctx context.Context, rel models.Relationship) error
	GetRelationship(ctx context.Context, id string) (models.Relationship, error)
	SupersedeRelationship(ctx context.Context, id, supersededBy string) error
	// CurrentRelationship returns the head row for (from, to, type)
	CurrentRelationship(ctx context.Context, from, to, relType string) (models.Relationship, error)
	ListRelationships(ctx context.Context, filter models.RelationshipFilter) ([]models.Relationship, error)
}

type MergeRecords interface {
	// InsertMergeRecord appends a record. A second reversal of the same
	// record yields models.ErrAlreadyReversed.
	InsertMergeRecord(ctx context.Context, rec models.MergeRecord) error
	GetMergeRecord(ctx context.Context, id string) (models.MergeRecord, error)
	ListMergeRecordsByEntity(ctx context.Context, entityID string) ([]models.MergeRecord, error)
}

// QueueStats summarises pending review items
type QueueStats struct {
	Pending          int
	OldestEnqueuedAt *time.Time
}

type ReviewItems interface {
	InsertReviewItem(ctx context.Context, item models.ReviewItem) error
	GetReviewItem(ctx context.Context, id string) (models.ReviewItem, error)
	// ResolveReviewItem records a verdict on a pending item, otherwise
	// models.ErrAlreadyResolved.
	ResolveReviewItem(ctx context.Context, id string, verdict models.Verdict, reviewerID string, at time.Time) error
	// ListReviewItems orders by priority desc, confidence asc, enqueue time asc
	ListReviewItems(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewItem, error)
	ReviewStats(ctx context.Context) (QueueStats, error)
}

// GoldLabelFilter selects labels for tuning and gate metrics
type GoldLabelFilter struct {
	RelationshipType string
	SourceID         string
	Since            time.Time
}

type GoldLabels interface {
	InsertGoldLabel(ctx context.Context, label models.GoldLabel) error
	ListGoldLabels(ctx context.Context, filter GoldLabelFilter) ([]models.GoldLabel, error)
}

type SourceReliability interface {
	UpsertSourceReliability(ctx context.Context, rec models.SourceReliabilityRecord) error
	GetSourceReliability(ctx context.Context, sourceID string) (models.SourceReliabilityRecord, error)
	ListSourceReliability(ctx context.Context) ([]models.SourceReliabilityRecord, error)
}

// Store is the single logical store with per-operation transactions
type Store interface {
	RawFacts
	StructuredFacts
	Entities
	Relationships
	MergeRecords
	ReviewItems
	GoldLabels
	SourceReliability

	// WithinTx runs fn in one transaction. Nested calls join the outer one.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
}
