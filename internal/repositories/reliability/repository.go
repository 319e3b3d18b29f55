package reliability

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

const sourceReliabilityTable = "source_reliability"

var reliabilityStruct = database.NewStruct(new(models.SourceReliabilityRecord))

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) UpsertSourceReliability(ctx context.Context, rec models.SourceReliabilityRecord) error {
	ctx, span := tracing.StartSpan(ctx, "reliability.Repository.UpsertSourceReliability")
	defer span.End()

	ib := reliabilityStruct.InsertInto(sourceReliabilityTable, &rec)
	database.OnConflictDoUpdate(ib, []string{"source_id"},
		"precision", "lower_bound", "upper_bound", "sample_size", "updated_at")
	query, args := ib.Build()

	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("source_id", rec.SourceID).Error("Failed to upsert source reliability")
		return fmt.Errorf("upsert source reliability: %w", database.Classify(err))
	}
	return nil
}

func (r *Repository) GetSourceReliability(ctx context.Context, sourceID string) (models.SourceReliabilityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "reliability.Repository.GetSourceReliability")
	defer span.End()

	sb := reliabilityStruct.SelectFrom(sourceReliabilityTable)
	sb.Where(sb.Equal("source_id", sourceID))
	query, args := sb.Build()

	var out models.SourceReliabilityRecord
	if err := r.db.Conn(ctx).GetContext(ctx, &out, query, args...); err != nil {
		return models.SourceReliabilityRecord{}, fmt.Errorf("source reliability %s: %w", sourceID, database.Classify(err))
	}
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}

func (r *Repository) ListSourceReliability(ctx context.Context) ([]models.SourceReliabilityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "reliability.Repository.ListSourceReliability")
	defer span.End()

	sb := reliabilityStruct.SelectFrom(sourceReliabilityTable)
	sb.OrderBy("source_id")
	query, args := sb.Build()

	var out []models.SourceReliabilityRecord
	if err := r.db.Conn(ctx).SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list source reliability: %w", database.Classify(err))
	}
	for i := range out {
		out[i].UpdatedAt = out[i].UpdatedAt.UTC()
	}
	return out, nil
}
