package goldlabel

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/store"
)

const goldLabelsTable = "gold_labels"

var goldLabelStruct = database.NewStruct(new(models.GoldLabel))

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) InsertGoldLabel(ctx context.Context, label models.GoldLabel) error {
	ctx, span := tracing.StartSpan(ctx, "goldlabel.Repository.InsertGoldLabel")
	defer span.End()

	query, args := goldLabelStruct.InsertInto(goldLabelsTable, &label).Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"gold_label_id":     label.ID,
			"relationship_type": label.RelationshipType,
			"origin":            label.Origin,
		}).Error("Failed to insert gold label")
		return fmt.Errorf("insert gold label: %w", database.Classify(err))
	}
	return nil
}

// ListGoldLabels returns labels oldest first
func (r *Repository) ListGoldLabels(ctx context.Context, filter store.GoldLabelFilter) ([]models.GoldLabel, error) {
	ctx, span := tracing.StartSpan(ctx, "goldlabel.Repository.ListGoldLabels")
	defer span.End()

	sb := goldLabelStruct.SelectFrom(goldLabelsTable)
	if filter.RelationshipType != "" {
		sb.Where(sb.Equal("relationship_type", filter.RelationshipType))
	}
	if filter.SourceID != "" {
		sb.Where(sb.Equal("source_id", filter.SourceID))
	}
	if !filter.Since.IsZero() {
		sb.Where(sb.GreaterEqualThan("created_at", filter.Since))
	}
	sb.OrderBy("created_at", "id")
	query, args := sb.Build()

	var out []models.GoldLabel
	if err := r.db.Conn(ctx).SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list gold labels: %w", database.Classify(err))
	}
	for i := range out {
		out[i].CreatedAt = out[i].CreatedAt.UTC()
	}
	return out, nil
}
