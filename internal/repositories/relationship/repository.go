package relationship

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

const relationshipsTable = "relationships"

// RelationshipRow is one row of the append-only relationships table. seq
// is assigned by the database and only used for ordering.
type RelationshipRow struct {
	ID               string                   `db:"id"`
	FromEntityID     string                   `db:"from_entity_id"`
	ToEntityID       string                   `db:"to_entity_id"`
	RelationshipType string                   `db:"relationship_type"`
	Confidence       float64                  `db:"confidence"`
	Evidence         database.JSONB[[]string] `db:"evidence"`
	Status           string                   `db:"status"`
	ModelVersion     string                   `db:"model_version"`
	Supersedes       *string                  `db:"supersedes"`
	SupersededBy     *string                  `db:"superseded_by"`
	CreatedAt        time.Time                `db:"created_at"`
}

var relationshipStruct = database.NewStruct(new(RelationshipRow))

func fromRelationship(r models.Relationship) *RelationshipRow {
	evidence := r.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	return &RelationshipRow{
		ID:               r.ID,
		FromEntityID:     r.FromEntityID,
		ToEntityID:       r.ToEntityID,
		RelationshipType: r.Type,
		Confidence:       r.Confidence,
		Evidence:         database.NewJSONB(evidence),
		Status:           string(r.Status),
		ModelVersion:     r.ModelVersion,
		Supersedes:       r.Supersedes,
		SupersededBy:     r.SupersededBy,
		CreatedAt:        r.CreatedAt,
	}
}

func (row RelationshipRow) toRelationship() models.Relationship {
	return models.Relationship{
		ID:           row.ID,
		FromEntityID: row.FromEntityID,
		ToEntityID:   row.ToEntityID,
		Type:         row.RelationshipType,
		Confidence:   row.Confidence,
		Evidence:     row.Evidence.Data,
		Status:       models.ValidationStatus(row.Status),
		ModelVersion: row.ModelVersion,
		Supersedes:   row.Supersedes,
		SupersededBy: row.SupersededBy,
		CreatedAt:    row.CreatedAt.UTC(),
	}
}

func toRelationships(rows []RelationshipRow) []models.Relationship {
	out := make([]models.Relationship, len(rows))
	for i, row := range rows {
		out[i] = row.toRelationship()
	}
	return out
}

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) InsertRelationship(ctx context.Context, rel models.Relationship) error {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.InsertRelationship")
	defer span.End()

	query, args := relationshipStruct.InsertInto(relationshipsTable, fromRelationship(rel)).Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"relationship_id":   rel.ID,
			"relationship_type": rel.Type,
		}).Error("Failed to insert relationship")
		return fmt.Errorf("insert relationship: %w", database.Classify(err))
	}
	return nil
}

func (r *Repository) GetRelationship(ctx context.Context, id string) (models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.GetRelationship")
	defer span.End()

	sb := relationshipStruct.SelectFrom(relationshipsTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row RelationshipRow
	if err := r.db.Conn(ctx).GetContext(ctx, &row, query, args...); err != nil {
		return models.Relationship{}, fmt.Errorf("get relationship %s: %w", id, database.Classify(err))
	}
	return row.toRelationship(), nil
}

// SupersedeRelationship links a head row to its replacement. It is the only
// update the table ever sees.
func (r *Repository) SupersedeRelationship(ctx context.Context, id, supersededBy string) error {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.SupersedeRelationship")
	defer span.End()

	ub := database.NewUpdate()
	ub.Update(relationshipsTable)
	ub.Set(ub.Assign("superseded_by", supersededBy))
	ub.Where(ub.Equal("id", id), ub.IsNull("superseded_by"))
	query, args := ub.Build()

	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("supersede relationship %s: %w", id, database.Classify(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	existing, err := r.GetRelationship(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("relationship %s already superseded by %s", id, *existing.SupersededBy)
}

// CurrentRelationship returns the head row for an edge
func (r *Repository) CurrentRelationship(ctx context.Context, from, to, relType string) (models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.CurrentRelationship")
	defer span.End()

	sb := relationshipStruct.SelectFrom(relationshipsTable)
	sb.Where(
		sb.Equal("from_entity_id", from),
		sb.Equal("to_entity_id", to),
		sb.Equal("relationship_type", relType),
		sb.IsNull("superseded_by"),
	)
	sb.OrderBy("seq").Desc().Limit(1)
	query, args := sb.Build()

	var row RelationshipRow
	if err := r.db.Conn(ctx).GetContext(ctx, &row, query, args...); err != nil {
		return models.Relationship{}, fmt.Errorf("relationship %s-%s->%s: %w", from, relType, to, database.Classify(err))
	}
	return row.toRelationship(), nil
}

// ListRelationships returns rows in write order. History rows are skipped
// unless the filter asks for them.
func (r *Repository) ListRelationships(ctx context.Context, filter models.RelationshipFilter) ([]models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.ListRelationships")
	defer span.End()

	sb := relationshipStruct.SelectFrom(relationshipsTable)
	if !filter.IncludeHistory {
		sb.Where(sb.IsNull("superseded_by"))
	}
	if filter.EntityID != "" {
		sb.Where(sb.Or(sb.Equal("from_entity_id", filter.EntityID), sb.Equal("to_entity_id", filter.EntityID)))
	}
	if filter.Type != "" {
		sb.Where(sb.Equal("relationship_type", filter.Type))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		sb.Where("status = ANY(" + sb.Var(pq.Array(statuses)) + ")")
	}
	if filter.MinConfidence > 0 {
		sb.Where(sb.GreaterEqualThan("confidence", filter.MinConfidence))
	}
	sb.OrderBy("seq")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}
	query, args := sb.Build()

	var rows []RelationshipRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list relationships")
		return nil, fmt.Errorf("list relationships: %w", database.Classify(err))
	}
	return toRelationships(rows), nil
}
