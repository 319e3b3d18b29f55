package models

import (
	"time"
)

// ContentType describes how a raw payload is encoded
type ContentType string

const (
	ContentTypeJSON ContentType = "json"
	ContentTypeHTML ContentType = "html"
	ContentTypeText ContentType = "text"
)

// EntityType is the kind of real-world actor an entity represents
type EntityType string

const (
	EntityTypePerson  EntityType = "person"
	EntityTypeCompany EntityType = "company"
	EntityTypeParcel  EntityType = "parcel"
)

// Valid reports whether t is a known entity type
func (t EntityType) Valid() bool {
	switch t {
	case EntityTypePerson, EntityTypeCompany, EntityTypeParcel:
		return true
	}
	return false
}

// RawRecord is an upstream record as produced by a scraper
type RawRecord struct {
	SourceID    string      `json:"source_id" validate:"required"`
	SourceURL   string      `json:"source_url" validate:"required,url"`
	RetrievedAt time.Time   `json:"retrieved_at" validate:"required"`
	ContentType ContentType `json:"content_type" validate:"omitempty,oneof=json html text"`
	Selector    string      `json:"selector,omitempty"`
	Payload     []byte      `json:"payload" validate:"required"`
}

// RawFact is the immutable, deduplicated form of a RawRecord
type RawFact struct {
	ID          string      `json:"id" db:"id"`
	SourceID    string      `json:"source_id" db:"source_id"`
	SourceURL   string      `json:"source_url" db:"source_url"`
	ContentHash string      `json:"content_hash" db:"content_hash"`
	ContentType ContentType `json:"content_type" db:"content_type"`
	Selector    string      `json:"selector" db:"selector"`
	RetrievedAt time.Time   `json:"retrieved_at" db:"retrieved_at"`
	Payload     []byte      `json:"payload" db:"payload"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// RelationDirection says which side of a relation claim the subject sits on
type RelationDirection string

const (
	RelationOutgoing RelationDirection = "outgoing"
	RelationIncoming RelationDirection = "incoming"
)

// RelationClaim is a relationship asserted by a structured fact between its
// subject and a counterparty.
type RelationClaim struct {
	Type                 string            `json:"type"`
	Direction            RelationDirection `json:"direction"`
	Counterparty         Record            `json:"counterparty"`
	ExtractionConfidence float64           `json:"extraction_confidence"`
}

// StructuredFact is a typed field set extracted from one RawFact
type StructuredFact struct {
	ID                   string            `json:"id" db:"id"`
	RawFactID            string            `json:"raw_fact_id" db:"raw_fact_id"`
	FactType             string            `json:"fact_type" db:"fact_type"`
	EntityType           EntityType        `json:"entity_type" db:"entity_type"`
	Ordinal              int               `json:"ordinal" db:"ordinal"`
	Fields               map[string]string `json:"fields" db:"-"`
	Relations            []RelationClaim   `json:"relations,omitempty" db:"-"`
	ExtractorVersion     string            `json:"extractor_version" db:"extractor_version"`
	ExtractionConfidence float64           `json:"extraction_confidence" db:"extraction_confidence"`
	CreatedAt            time.Time         `json:"created_at" db:"created_at"`
	// ResolvedAt is set once every candidate the fact produced has an outcome
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Resolved reports whether the fact's candidates have all been decided
func (f StructuredFact) Resolved() bool {
	return f.ResolvedAt != nil
}

// Record is the resolvable view of a structured fact
type Record struct {
	EntityType EntityType        `json:"entity_type"`
	Fields     map[string]string `json:"fields"`
	SourceID   string            `json:"source_id,omitempty"`
	FactID     string            `json:"fact_id,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
	Relations  []RelationClaim   `json:"relations,omitempty"`
}

// Field names understood by the normalizer and feature extractor
const (
	FieldName            = "name"
	FieldTaxID           = "tax_id"
	FieldDocumentNumber  = "document_number"
	FieldParcelID        = "parcel_id"
	FieldRegisteredAgent = "registered_agent"
	FieldAddress         = "address"
	FieldPhone           = "phone"
	FieldEmail           = "email"
)

// Field returns the trimmed value of a field, or "" when absent
func (r Record) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// RecordFromFact builds the resolvable record for a structured fact
func RecordFromFact(fact StructuredFact, sourceID string, observedAt time.Time) Record {
	return Record{
		EntityType: fact.EntityType,
		Fields:     fact.Fields,
		SourceID:   sourceID,
		FactID:     fact.ID,
		ObservedAt: observedAt,
		Relations:  fact.Relations,
	}
}
