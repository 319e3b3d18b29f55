// Package repositories assembles the per-table Postgres repositories into
// one store.Store.
package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/repositories/entity"
	"github.com/Ramsey-B/fern/internal/repositories/goldlabel"
	"github.com/Ramsey-B/fern/internal/repositories/mergerecord"
	"github.com/Ramsey-B/fern/internal/repositories/rawfact"
	"github.com/Ramsey-B/fern/internal/repositories/relationship"
	"github.com/Ramsey-B/fern/internal/repositories/reliability"
	"github.com/Ramsey-B/fern/internal/repositories/reviewitem"
	"github.com/Ramsey-B/fern/internal/repositories/structuredfact"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/store"
)

var _ store.Store = (*Store)(nil)

type (
	rawFacts          = rawfact.Repository
	structuredFacts   = structuredfact.Repository
	entities          = entity.Repository
	relationships     = relationship.Repository
	mergeRecords      = mergerecord.Repository
	reviewItems       = reviewitem.Repository
	goldLabels        = goldlabel.Repository
	sourceReliability = reliability.Repository
)

// Store is the Postgres store.Store
type Store struct {
	*rawFacts
	*structuredFacts
	*entities
	*relationships
	*mergeRecords
	*reviewItems
	*goldLabels
	*sourceReliability

	db database.DB
}

func NewStore(db database.DB, logger ectologger.Logger) *Store {
	return &Store{
		rawfact.NewRepository(db, logger),
		structuredfact.NewRepository(db, logger),
		entity.NewRepository(db, logger),
		relationship.NewRepository(db, logger),
		mergerecord.NewRepository(db, logger),
		reviewitem.NewRepository(db, logger),
		goldlabel.NewRepository(db, logger),
		reliability.NewRepository(db, logger),
		db,
	}
}

// WithinTx joins the transaction on ctx or opens one. Every repository call
// made with the returned ctx runs on it.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.WithinTx(ctx, s.db, fn)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
