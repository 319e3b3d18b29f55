package reviewitem

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/store"
)

const reviewItemsTable = "review_items"

// ReviewItemRow stores the candidate as JSON. entity_ids and
// relationship_type are copied out of it for filtering.
type ReviewItemRow struct {
	ID               string                           `db:"id"`
	Candidate        database.JSONB[models.Candidate] `db:"candidate"`
	EntityIDs        pq.StringArray                   `db:"entity_ids"`
	RelationshipType string                           `db:"relationship_type"`
	Confidence       float64                          `db:"confidence"`
	Priority         float64                          `db:"priority"`
	Reason           string                           `db:"reason"`
	Blind            bool                             `db:"blind"`
	MergeRecordID    *string                          `db:"merge_record_id"`
	Status           string                           `db:"status"`
	Verdict          *string                          `db:"verdict"`
	ReviewerID       *string                          `db:"reviewer_id"`
	EnqueuedAt       time.Time                        `db:"enqueued_at"`
	ResolvedAt       *time.Time                       `db:"resolved_at"`
}

var reviewItemStruct = database.NewStruct(new(ReviewItemRow))

func fromItem(item models.ReviewItem) *ReviewItemRow {
	c := item.Candidate
	ids := slices.Clone(c.EntityIDs)
	for _, id := range []string{c.FromEntityID, c.ToEntityID} {
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if ids == nil {
		ids = []string{}
	}
	var verdict *string
	if item.Verdict != nil {
		v := string(*item.Verdict)
		verdict = &v
	}
	return &ReviewItemRow{
		ID:               item.ID,
		Candidate:        database.NewJSONB(c),
		EntityIDs:        pq.StringArray(ids),
		RelationshipType: c.RelationshipType,
		Confidence:       item.Confidence,
		Priority:         item.Priority,
		Reason:           string(item.Reason),
		Blind:            item.Blind,
		MergeRecordID:    item.MergeRecordID,
		Status:           string(item.Status),
		Verdict:          verdict,
		ReviewerID:       item.ReviewerID,
		EnqueuedAt:       item.EnqueuedAt,
		ResolvedAt:       item.ResolvedAt,
	}
}

func (row ReviewItemRow) toItem() models.ReviewItem {
	item := models.ReviewItem{
		ID:            row.ID,
		Candidate:     row.Candidate.Data,
		Confidence:    row.Confidence,
		Priority:      row.Priority,
		Reason:        models.ReviewReason(row.Reason),
		Blind:         row.Blind,
		MergeRecordID: row.MergeRecordID,
		Status:        models.ReviewStatus(row.Status),
		ReviewerID:    row.ReviewerID,
		EnqueuedAt:    row.EnqueuedAt.UTC(),
	}
	if row.Verdict != nil {
		v := models.Verdict(*row.Verdict)
		item.Verdict = &v
	}
	if row.ResolvedAt != nil {
		at := row.ResolvedAt.UTC()
		item.ResolvedAt = &at
	}
	return item
}

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) InsertReviewItem(ctx context.Context, item models.ReviewItem) error {
	ctx, span := tracing.StartSpan(ctx, "reviewitem.Repository.InsertReviewItem")
	defer span.End()

	query, args := reviewItemStruct.InsertInto(reviewItemsTable, fromItem(item)).Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"review_item_id": item.ID,
			"reason":         item.Reason,
		}).Error("Failed to insert review item")
		return fmt.Errorf("insert review item: %w", database.Classify(err))
	}
	return nil
}

func (r *Repository) GetReviewItem(ctx context.Context, id string) (models.ReviewItem, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewitem.Repository.GetReviewItem")
	defer span.End()

	sb := reviewItemStruct.SelectFrom(reviewItemsTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row ReviewItemRow
	if err := r.db.Conn(ctx).GetContext(ctx, &row, query, args...); err != nil {
		return models.ReviewItem{}, fmt.Errorf("get review item %s: %w", id, database.Classify(err))
	}
	return row.toItem(), nil
}

// ResolveReviewItem only touches pending rows, so two reviewers racing on
// one item see exactly one success.
func (r *Repository) ResolveReviewItem(ctx context.Context, id string, verdict models.Verdict, reviewerID string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "reviewitem.Repository.ResolveReviewItem")
	defer span.End()

	ub := database.NewUpdate()
	ub.Update(reviewItemsTable)
	ub.Set(
		ub.Assign("status", string(models.ReviewResolved)),
		ub.Assign("verdict", string(verdict)),
		ub.Assign("reviewer_id", reviewerID),
		ub.Assign("resolved_at", at),
	)
	ub.Where(ub.Equal("id", id), ub.Equal("status", string(models.ReviewPending)))
	query, args := ub.Build()

	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("resolve review item %s: %w", id, database.Classify(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.GetReviewItem(ctx, id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return fmt.Errorf("resolve review item %s: %w", id, err)
	}
	return fmt.Errorf("review item %s: %w", id, models.ErrAlreadyResolved)
}

func (r *Repository) ListReviewItems(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewItem, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewitem.Repository.ListReviewItems")
	defer span.End()

	sb := reviewItemStruct.SelectFrom(reviewItemsTable)
	if filter.Status != "" {
		sb.Where(sb.Equal("status", string(filter.Status)))
	}
	if filter.Reason != "" {
		sb.Where(sb.Equal("reason", string(filter.Reason)))
	}
	if filter.RelationshipType != "" {
		sb.Where(sb.Equal("relationship_type", filter.RelationshipType))
	}
	if filter.EntityID != "" {
		sb.Where(sb.Var(filter.EntityID) + " = ANY(entity_ids)")
	}
	sb.OrderBy("priority DESC", "confidence ASC", "enqueued_at ASC", "id ASC")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}
	query, args := sb.Build()

	var rows []ReviewItemRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list review items")
		return nil, fmt.Errorf("list review items: %w", database.Classify(err))
	}
	out := make([]models.ReviewItem, len(rows))
	for i, row := range rows {
		out[i] = row.toItem()
	}
	return out, nil
}

func (r *Repository) ReviewStats(ctx context.Context) (store.QueueStats, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewitem.Repository.ReviewStats")
	defer span.End()

	sb := database.NewSelect()
	sb.Select("count(*) AS pending", "min(enqueued_at) AS oldest").From(reviewItemsTable)
	sb.Where(sb.Equal("status", string(models.ReviewPending)))
	query, args := sb.Build()

	var row struct {
		Pending int        `db:"pending"`
		Oldest  *time.Time `db:"oldest"`
	}
	if err := r.db.Conn(ctx).GetContext(ctx, &row, query, args...); err != nil {
		return store.QueueStats{}, fmt.Errorf("review stats: %w", database.Classify(err))
	}
	stats := store.QueueStats{Pending: row.Pending}
	if row.Oldest != nil {
		at := row.Oldest.UTC()
		stats.OldestEnqueuedAt = &at
	}
	return stats, nil
}
