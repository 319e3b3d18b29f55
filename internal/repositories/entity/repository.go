package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

const (
	entitiesTable   = "entities"
	entityKeysTable = "entity_keys"
)

// EntityRow is the entities row. Keys are denormalised into entity_keys for
// the uniqueness index and lookups.
type EntityRow struct {
	ID           string                                     `db:"id"`
	EntityType   string                                     `db:"entity_type"`
	DisplayName  string                                     `db:"display_name"`
	Keys         database.JSONB[[]models.DeterministicKey] `db:"keys"`
	NameTokens   pq.StringArray                             `db:"name_tokens"`
	Confidence   float64                                    `db:"confidence"`
	Status       string                                     `db:"status"`
	SupersededBy *string                                    `db:"superseded_by"`
	FactIDs      database.JSONB[[]string]                   `db:"fact_ids"`
	Version      int                                        `db:"version"`
	CreatedAt    time.Time                                  `db:"created_at"`
	UpdatedAt    time.Time                                  `db:"updated_at"`
}

var entityStruct = database.NewStruct(new(EntityRow))

func fromEntity(e models.Entity) *EntityRow {
	keys := e.Keys
	if keys == nil {
		keys = []models.DeterministicKey{}
	}
	factIDs := e.FactIDs
	if factIDs == nil {
		factIDs = []string{}
	}
	return &EntityRow{
		ID:           e.ID,
		EntityType:   string(e.Type),
		DisplayName:  e.DisplayName,
		Keys:         database.NewJSONB(keys),
		NameTokens:   pq.StringArray(normalizers.NameTokens(e.DisplayName)),
		Confidence:   e.Confidence,
		Status:       string(e.Status),
		SupersededBy: e.SupersededBy,
		FactIDs:      database.NewJSONB(factIDs),
		Version:      e.Version,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func (row EntityRow) toEntity() models.Entity {
	return models.Entity{
		ID:           row.ID,
		Type:         models.EntityType(row.EntityType),
		DisplayName:  row.DisplayName,
		Keys:         row.Keys.Data,
		Confidence:   row.Confidence,
		Status:       models.EntityStatus(row.Status),
		SupersededBy: row.SupersededBy,
		FactIDs:      row.FactIDs.Data,
		Version:      row.Version,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
}

type keyRow struct {
	KeyType  string `db:"key_type"`
	KeyValue string `db:"key_value"`
	EntityID string `db:"entity_id"`
}

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) GetEntity(ctx context.Context, id string) (models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetEntity")
	defer span.End()

	sb := entityStruct.SelectFrom(entitiesTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row EntityRow
	if err := r.db.Conn(ctx).GetContext(ctx, &row, query, args...); err != nil {
		return models.Entity{}, fmt.Errorf("get entity %s: %w", id, database.Classify(err))
	}
	return row.toEntity(), nil
}

// GetEntities returns entities in the order of ids
func (r *Repository) GetEntities(ctx context.Context, ids []string) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetEntities")
	defer span.End()

	if len(ids) == 0 {
		return []models.Entity{}, nil
	}
	sb := entityStruct.SelectFrom(entitiesTable)
	sb.Where("id = ANY(" + sb.Var(pq.Array(ids)) + ")")
	query, args := sb.Build()

	var rows []EntityRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("get entities: %w", database.Classify(err))
	}
	byID := make(map[string]EntityRow, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	out := make([]models.Entity, 0, len(ids))
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("entity %s: %w", id, models.ErrNotFound)
		}
		out = append(out, row.toEntity())
	}
	return out, nil
}

// PutEntities upserts entities and re-indexes their keys inside one
// transaction. A key held by an entity outside the batch is a conflict.
func (r *Repository) PutEntities(ctx context.Context, entities ...models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.PutEntities")
	defer span.End()

	if len(entities) == 0 {
		return nil
	}
	return database.WithinTx(ctx, r.db, func(ctx context.Context) error {
		conn := r.db.Conn(ctx)

		ids := make([]string, 0, len(entities))
		rows := make([]any, 0, len(entities))
		for _, e := range entities {
			ids = append(ids, e.ID)
			rows = append(rows, fromEntity(e))
		}

		ib := entityStruct.InsertInto(entitiesTable, rows...)
		database.OnConflictDoUpdate(ib, []string{"id"},
			"entity_type", "display_name", "keys", "name_tokens", "confidence",
			"status", "superseded_by", "fact_ids", "version", "updated_at")
		query, args := ib.Build()
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("entity_ids", ids).Error("Failed to upsert entities")
			return fmt.Errorf("upsert entities: %w", database.Classify(err))
		}

		del := database.NewDelete()
		del.DeleteFrom(entityKeysTable)
		del.Where("entity_id = ANY(" + del.Var(pq.Array(ids)) + ")")
		query, args = del.Build()
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("clear entity keys: %w", database.Classify(err))
		}

		for _, e := range entities {
			if !e.IsLive() {
				continue
			}
			for _, k := range e.Keys {
				if err := r.claimKey(ctx, conn, e.ID, k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// claimKey inserts one key row. A key already held by another entity
// becomes a *models.MatchConflictError naming both entities.
func (r *Repository) claimKey(ctx context.Context, conn database.Executor, entityID string, k models.DeterministicKey) error {
	ib := database.NewInsert()
	ib.InsertInto(entityKeysTable)
	ib.Cols("key_type", "key_value", "entity_id")
	ib.Values(string(k.Type), k.Value, entityID)
	database.OnConflictDoNothing(ib, "key_type", "key_value")
	query, args := ib.Build()

	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("claim key %s: %w", k, database.Classify(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	sb := database.NewSelect()
	sb.Select("entity_id").From(entityKeysTable)
	sb.Where(sb.Equal("key_type", string(k.Type)), sb.Equal("key_value", k.Value))
	query, args = sb.Build()
	var owner string
	if err := conn.GetContext(ctx, &owner, query, args...); err != nil {
		return fmt.Errorf("find owner of key %s: %w", k, database.Classify(err))
	}
	if owner == entityID {
		return nil
	}
	return &models.MatchConflictError{EntityIDs: []string{owner, entityID}, Keys: []models.DeterministicKey{k}}
}

// LookupKeys maps each key to the live entity holding it
func (r *Repository) LookupKeys(ctx context.Context, keys []models.DeterministicKey) (map[models.DeterministicKey]string, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.LookupKeys")
	defer span.End()

	out := make(map[models.DeterministicKey]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	sb := database.NewSelect()
	sb.Select("key_type", "key_value", "entity_id").From(entityKeysTable)
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = sb.And(sb.Equal("key_type", string(k.Type)), sb.Equal("key_value", k.Value))
	}
	sb.Where(sb.Or(conds...))
	query, args := sb.Build()

	var rows []keyRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("lookup keys: %w", database.Classify(err))
	}
	for _, row := range rows {
		out[models.DeterministicKey{Type: models.KeyType(row.KeyType), Value: row.KeyValue}] = row.EntityID
	}
	return out, nil
}

// FindCandidates returns live entities of a type ordered by how many name
// tokens they share with nameTokens.
func (r *Repository) FindCandidates(ctx context.Context, entityType models.EntityType, nameTokens []string, limit int) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.FindCandidates")
	defer span.End()

	if len(nameTokens) == 0 {
		return nil, nil
	}
	sb := entityStruct.SelectFrom(entitiesTable)
	sb.Where(
		sb.Equal("status", string(models.EntityStatusLive)),
		sb.Equal("entity_type", string(entityType)),
		"name_tokens && "+sb.Var(pq.Array(nameTokens))+"::text[]",
	)
	sb.OrderBy(
		"cardinality(ARRAY(SELECT unnest(name_tokens) INTERSECT SELECT unnest("+sb.Var(pq.Array(nameTokens))+"::text[]))) DESC",
		"id",
	)
	if limit > 0 {
		sb.Limit(limit)
	}
	query, args := sb.Build()

	var rows []EntityRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("find candidates: %w", database.Classify(err))
	}
	out := make([]models.Entity, len(rows))
	for i, row := range rows {
		out[i] = row.toEntity()
	}
	return out, nil
}
