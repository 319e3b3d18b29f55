package mergerecord

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

const mergeRecordsTable = "merge_records"

// MergeRecordRow is the stored form of a merge record. ReversedBy and
// ReversedAt are never written; they come from a self join on reverses.
type MergeRecordRow struct {
	ID              string                          `db:"id"`
	Kind            string                          `db:"kind"`
	EntityIDs       pq.StringArray                  `db:"entity_ids"`
	RelationshipIDs pq.StringArray                  `db:"relationship_ids"`
	Before          database.JSONB[models.Snapshot] `db:"before_state"`
	After           database.JSONB[models.Snapshot] `db:"after_state"`
	DecisionSource  string                          `db:"decision_source"`
	ReviewerID      *string                         `db:"reviewer_id"`
	Confidence      float64                         `db:"confidence"`
	ModelVersion    string                          `db:"model_version"`
	Reverses        *string                         `db:"reverses"`
	CreatedAt       time.Time                       `db:"created_at"`
}

type joinedRow struct {
	MergeRecordRow
	ReversedBy *string    `db:"reversed_by"`
	ReversedAt *time.Time `db:"reversed_at"`
}

var mergeRecordStruct = database.NewStruct(new(MergeRecordRow))

func fromRecord(rec models.MergeRecord) *MergeRecordRow {
	return &MergeRecordRow{
		ID:              rec.ID,
		Kind:            string(rec.Kind),
		EntityIDs:       pq.StringArray(nonNil(rec.EntityIDs)),
		RelationshipIDs: pq.StringArray(nonNil(rec.RelationshipIDs)),
		Before:          database.NewJSONB(rec.Before),
		After:           database.NewJSONB(rec.After),
		DecisionSource:  string(rec.DecisionSource),
		ReviewerID:      rec.ReviewerID,
		Confidence:      rec.Confidence,
		ModelVersion:    rec.ModelVersion,
		Reverses:        rec.Reverses,
		CreatedAt:       rec.CreatedAt,
	}
}

func (row joinedRow) toRecord() models.MergeRecord {
	rec := models.MergeRecord{
		ID:              row.ID,
		Kind:            models.MergeKind(row.Kind),
		EntityIDs:       []string(row.EntityIDs),
		RelationshipIDs: []string(row.RelationshipIDs),
		Before:          row.Before.Data,
		After:           row.After.Data,
		DecisionSource:  models.DecisionSource(row.DecisionSource),
		ReviewerID:      row.ReviewerID,
		Confidence:      row.Confidence,
		ModelVersion:    row.ModelVersion,
		Reverses:        row.Reverses,
		CreatedAt:       row.CreatedAt.UTC(),
		ReversedBy:      row.ReversedBy,
	}
	if row.ReversedAt != nil {
		at := row.ReversedAt.UTC()
		rec.ReversedAt = &at
	}
	return rec
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// InsertMergeRecord appends a record. The unique reverses column turns a
// second reversal of the same record into models.ErrAlreadyReversed.
func (r *Repository) InsertMergeRecord(ctx context.Context, rec models.MergeRecord) error {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.InsertMergeRecord")
	defer span.End()

	ib := mergeRecordStruct.InsertInto(mergeRecordsTable, fromRecord(rec))
	if rec.Reverses != nil {
		database.OnConflictDoNothing(ib, "reverses")
	}
	query, args := ib.Build()

	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"merge_record_id": rec.ID,
			"kind":            rec.Kind,
		}).Error("Failed to insert merge record")
		return fmt.Errorf("insert merge record: %w", database.Classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("merge record %s: %w", *rec.Reverses, models.ErrAlreadyReversed)
	}
	return nil
}

func (r *Repository) GetMergeRecord(ctx context.Context, id string) (models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.GetMergeRecord")
	defer span.End()

	sb := selectJoined()
	sb.Where(sb.Equal("m.id", id))
	query, args := sb.Build()

	var row joinedRow
	if err := r.db.Conn(ctx).GetContext(ctx, &row, query, args...); err != nil {
		return models.MergeRecord{}, fmt.Errorf("get merge record %s: %w", id, database.Classify(err))
	}
	return row.toRecord(), nil
}

// ListMergeRecordsByEntity returns every record touching the entity in
// append order.
func (r *Repository) ListMergeRecordsByEntity(ctx context.Context, entityID string) ([]models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "mergerecord.Repository.ListMergeRecordsByEntity")
	defer span.End()

	sb := selectJoined()
	sb.Where(sb.Var(entityID) + " = ANY(m.entity_ids)")
	sb.OrderBy("m.seq")
	query, args := sb.Build()

	var rows []joinedRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list merge records for %s: %w", entityID, database.Classify(err))
	}
	out := make([]models.MergeRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toRecord()
	}
	return out, nil
}

func selectJoined() *sqlbuilder.SelectBuilder {
	sb := database.NewSelect()
	cols := mergeRecordStruct.Columns()
	selected := make([]string, 0, len(cols)+2)
	for _, c := range cols {
		selected = append(selected, "m."+c)
	}
	selected = append(selected, "rev.id AS reversed_by", "rev.created_at AS reversed_at")
	sb.Select(selected...)
	sb.From(sb.As(mergeRecordsTable, "m"))
	sb.JoinWithOption(sqlbuilder.LeftJoin, sb.As(mergeRecordsTable, "rev"), "rev.reverses = m.id")
	return sb
}
