package rawfact

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

const rawFactsTable = "raw_facts"

var rawFactStruct = database.NewStruct(new(models.RawFact))

// Repository stores immutable raw facts keyed by content hash
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// InsertRawFact writes the fact unless its content hash is already stored
func (r *Repository) InsertRawFact(ctx context.Context, fact models.RawFact) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "rawfact.Repository.InsertRawFact")
	defer span.End()

	ib := rawFactStruct.InsertInto(rawFactsTable, &fact)
	database.OnConflictDoNothing(ib, "content_hash")
	query, args := ib.Build()

	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"raw_fact_id":  fact.ID,
			"content_hash": fact.ContentHash,
		}).Error("Failed to insert raw fact")
		return false, fmt.Errorf("insert raw fact: %w", database.Classify(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, database.Classify(err)
	}
	return rows == 1, nil
}

func (r *Repository) GetRawFact(ctx context.Context, id string) (models.RawFact, error) {
	ctx, span := tracing.StartSpan(ctx, "rawfact.Repository.GetRawFact")
	defer span.End()

	sb := rawFactStruct.SelectFrom(rawFactsTable)
	sb.Where(sb.Equal("id", id))
	return r.get(ctx, sb.Build())
}

func (r *Repository) GetRawFactByHash(ctx context.Context, hash string) (models.RawFact, error) {
	ctx, span := tracing.StartSpan(ctx, "rawfact.Repository.GetRawFactByHash")
	defer span.End()

	sb := rawFactStruct.SelectFrom(rawFactsTable)
	sb.Where(sb.Equal("content_hash", hash))
	return r.get(ctx, sb.Build())
}

func (r *Repository) get(ctx context.Context, query string, args []any) (models.RawFact, error) {
	var out models.RawFact
	if err := r.db.Conn(ctx).GetContext(ctx, &out, query, args...); err != nil {
		return models.RawFact{}, fmt.Errorf("get raw fact: %w", database.Classify(err))
	}
	out.RetrievedAt = out.RetrievedAt.UTC()
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}
