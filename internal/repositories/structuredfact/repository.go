package structuredfact

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

const structuredFactsTable = "structured_facts"

// FactRow is the structured_facts row
type FactRow struct {
	ID                   string                                `db:"id"`
	RawFactID            string                                `db:"raw_fact_id"`
	FactType             string                                `db:"fact_type"`
	EntityType           string                                `db:"entity_type"`
	Ordinal              int                                   `db:"ordinal"`
	Fields               database.JSONB[map[string]string]     `db:"fields"`
	Relations            database.JSONB[[]models.RelationClaim] `db:"relations"`
	ExtractorVersion     string                                `db:"extractor_version"`
	ExtractionConfidence float64                               `db:"extraction_confidence"`
	CreatedAt            time.Time                             `db:"created_at"`
	ResolvedAt           *time.Time                            `db:"resolved_at"`
}

var factStruct = database.NewStruct(new(FactRow))

func fromFact(f models.StructuredFact) *FactRow {
	relations := f.Relations
	if relations == nil {
		relations = []models.RelationClaim{}
	}
	return &FactRow{
		ID:                   f.ID,
		RawFactID:            f.RawFactID,
		FactType:             f.FactType,
		EntityType:           string(f.EntityType),
		Ordinal:              f.Ordinal,
		Fields:               database.NewJSONB(f.Fields),
		Relations:            database.NewJSONB(relations),
		ExtractorVersion:     f.ExtractorVersion,
		ExtractionConfidence: f.ExtractionConfidence,
		CreatedAt:            f.CreatedAt,
		ResolvedAt:           f.ResolvedAt,
	}
}

func (row FactRow) toFact() models.StructuredFact {
	fact := models.StructuredFact{
		ID:                   row.ID,
		RawFactID:            row.RawFactID,
		FactType:             row.FactType,
		EntityType:           models.EntityType(row.EntityType),
		Ordinal:              row.Ordinal,
		Fields:               row.Fields.Data,
		Relations:            row.Relations.Data,
		ExtractorVersion:     row.ExtractorVersion,
		ExtractionConfidence: row.ExtractionConfidence,
		CreatedAt:            row.CreatedAt.UTC(),
	}
	if row.ResolvedAt != nil {
		at := row.ResolvedAt.UTC()
		fact.ResolvedAt = &at
	}
	return fact
}

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// InsertStructuredFacts writes all facts or none. A second extraction of the
// same raw fact by the same extractor version violates the unique key.
func (r *Repository) InsertStructuredFacts(ctx context.Context, facts []models.StructuredFact) error {
	ctx, span := tracing.StartSpan(ctx, "structuredfact.Repository.InsertStructuredFacts")
	defer span.End()

	if len(facts) == 0 {
		return nil
	}
	rows := make([]any, len(facts))
	for i, f := range facts {
		rows[i] = fromFact(f)
	}
	query, args := factStruct.InsertInto(structuredFactsTable, rows...).Build()

	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"raw_fact_id": facts[0].RawFactID,
			"facts":       len(facts),
		}).Error("Failed to insert structured facts")
		return fmt.Errorf("insert structured facts: %w", database.Classify(err))
	}
	return nil
}

func (r *Repository) GetStructuredFact(ctx context.Context, id string) (models.StructuredFact, error) {
	ctx, span := tracing.StartSpan(ctx, "structuredfact.Repository.GetStructuredFact")
	defer span.End()

	sb := factStruct.SelectFrom(structuredFactsTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row FactRow
	if err := r.db.Conn(ctx).GetContext(ctx, &row, query, args...); err != nil {
		return models.StructuredFact{}, fmt.Errorf("get structured fact %s: %w", id, database.Classify(err))
	}
	return row.toFact(), nil
}

func (r *Repository) ListStructuredFacts(ctx context.Context, rawFactID string) ([]models.StructuredFact, error) {
	ctx, span := tracing.StartSpan(ctx, "structuredfact.Repository.ListStructuredFacts")
	defer span.End()

	sb := factStruct.SelectFrom(structuredFactsTable)
	sb.Where(sb.Equal("raw_fact_id", rawFactID))
	sb.OrderBy("fact_type", "ordinal")
	query, args := sb.Build()

	var rows []FactRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list structured facts: %w", database.Classify(err))
	}
	out := make([]models.StructuredFact, len(rows))
	for i, row := range rows {
		out[i] = row.toFact()
	}
	return out, nil
}

func (r *Repository) MarkStructuredFactResolved(ctx context.Context, id string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "structuredfact.Repository.MarkStructuredFactResolved")
	defer span.End()

	ub := database.NewUpdate()
	ub.Update(structuredFactsTable)
	ub.Set(ub.Assign("resolved_at", at))
	ub.Where(ub.Equal("id", id))
	query, args := ub.Build()

	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("fact_id", id).Error("Failed to mark structured fact resolved")
		return fmt.Errorf("mark structured fact %s resolved: %w", id, database.Classify(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("structured fact %s: %w", id, models.ErrNotFound)
	}
	return nil
}
