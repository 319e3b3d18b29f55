//go:build integration

package repositories_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/keys"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/database"
	"github.com/Ramsey-B/fern/pkg/store"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "db", "pg")
}

func newStore(t *testing.T) *repositories.Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("fern"),
		tcpostgres.WithUsername("fern"),
		tcpostgres.WithPassword("fern"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	conn, err := sqlx.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	db := database.NewDatabaseInstance(conn, testLogger())
	migrations := database.NewMigrationService(testLogger(), database.MigrationConfig{FolderPath: migrationsDir()})
	require.NoError(t, migrations.Migrate("fern", db))

	return repositories.NewStore(db, testLogger())
}

func company(id, name string, keys ...models.DeterministicKey) models.Entity {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return models.Entity{
		ID:          id,
		Type:        models.EntityTypeCompany,
		DisplayName: name,
		Keys:        keys,
		Status:      models.EntityStatusLive,
		Version:     1,
		FactIDs:     []string{"fact-" + id},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestStore_Postgres(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	taxKey := models.DeterministicKey{Type: models.KeyTaxID, Value: "123456789"}
	agentKey := models.DeterministicKey{Type: models.KeyRegisteredAgent, Value: "jane roe"}

	t.Run("raw facts dedupe on content hash", func(t *testing.T) {
		fact := models.RawFact{
			ID: "raw-1", SourceID: "sos", SourceURL: "https://sos.example.gov/1", ContentHash: "abc",
			ContentType: models.ContentTypeJSON, RetrievedAt: time.Now().UTC(), Payload: []byte(`{}`), CreatedAt: time.Now().UTC(),
		}
		inserted, err := s.InsertRawFact(ctx, fact)
		require.NoError(t, err)
		assert.True(t, inserted)

		fact.ID = "raw-2"
		inserted, err = s.InsertRawFact(ctx, fact)
		require.NoError(t, err)
		assert.False(t, inserted)

		got, err := s.GetRawFactByHash(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "raw-1", got.ID)
	})

	t.Run("structured facts record their resolution", func(t *testing.T) {
		fact := models.StructuredFact{
			ID: "fact-raw-1", RawFactID: "raw-1", FactType: "business_filing", EntityType: models.EntityTypeCompany,
			Fields: map[string]string{models.FieldName: "Acme"}, ExtractorVersion: "v1", ExtractionConfidence: 0.9,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.InsertStructuredFacts(ctx, []models.StructuredFact{fact}))

		got, err := s.ListStructuredFacts(ctx, "raw-1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.False(t, got[0].Resolved())

		require.NoError(t, s.MarkStructuredFactResolved(ctx, fact.ID, time.Now().UTC()))
		got, err = s.ListStructuredFacts(ctx, "raw-1")
		require.NoError(t, err)
		assert.True(t, got[0].Resolved())

		assert.ErrorIs(t, s.MarkStructuredFactResolved(ctx, "missing", time.Now().UTC()), models.ErrNotFound)
	})

	t.Run("key held by another live entity conflicts without aborting", func(t *testing.T) {
		require.NoError(t, s.PutEntities(ctx, company("ent-a", "Acme Holdings", taxKey)))

		err := s.WithinTx(ctx, func(ctx context.Context) error {
			err := s.PutEntities(ctx, company("ent-b", "Acme Holdings LLC", taxKey))
			var conflict *models.MatchConflictError
			require.ErrorAs(t, err, &conflict)
			assert.ElementsMatch(t, []string{"ent-a", "ent-b"}, conflict.EntityIDs)
			_, err = s.GetEntity(ctx, "ent-a")
			return err
		})
		require.NoError(t, err)

		owners, err := s.LookupKeys(ctx, []models.DeterministicKey{taxKey, agentKey})
		require.NoError(t, err)
		assert.Equal(t, map[models.DeterministicKey]string{taxKey: "ent-a"}, owners)
	})

	t.Run("candidates rank by shared name tokens", func(t *testing.T) {
		require.NoError(t, s.PutEntities(ctx, company("ent-c", "Borealis Acme Partners")))
		got, err := s.FindCandidates(ctx, models.EntityTypeCompany, []string{"acme", "holdings"}, 10)
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, "ent-a", got[0].ID)
	})

	t.Run("review items resolve once", func(t *testing.T) {
		item := models.ReviewItem{
			ID:         "rev-1",
			Candidate:  models.Candidate{Kind: models.CandidateEntityMatch, RelationshipType: models.SameAs, EntityIDs: []string{"ent-a"}},
			Confidence: 0.6,
			Priority:   0.4,
			Reason:     models.ReasonReviewBand,
			Status:     models.ReviewPending,
			EnqueuedAt: time.Now().UTC(),
		}
		require.NoError(t, s.InsertReviewItem(ctx, item))

		items, err := s.ListReviewItems(ctx, models.ReviewFilter{Status: models.ReviewPending, EntityID: "ent-a"})
		require.NoError(t, err)
		require.Len(t, items, 1)

		stats, err := s.ReviewStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Pending)

		require.NoError(t, s.ResolveReviewItem(ctx, "rev-1", models.VerdictMatch, "reviewer-1", time.Now().UTC()))
		assert.ErrorIs(t, s.ResolveReviewItem(ctx, "rev-1", models.VerdictNoMatch, "reviewer-2", time.Now().UTC()), models.ErrAlreadyResolved)
		assert.ErrorIs(t, s.ResolveReviewItem(ctx, "missing", models.VerdictMatch, "reviewer-1", time.Now().UTC()), models.ErrNotFound)
	})

	t.Run("source reliability upserts", func(t *testing.T) {
		rec := models.SourceReliabilityRecord{SourceID: "sos", Precision: 0.9, Lower: 0.8, Upper: 0.95, SampleSize: 40, UpdatedAt: time.Now().UTC()}
		require.NoError(t, s.UpsertSourceReliability(ctx, rec))
		rec.Precision = 0.92
		require.NoError(t, s.UpsertSourceReliability(ctx, rec))

		got, err := s.GetSourceReliability(ctx, "sos")
		require.NoError(t, err)
		assert.InDelta(t, 0.92, got.Precision, 1e-9)
	})
}

func TestEngine_Postgres(t *testing.T) {
	var s store.Store = newStore(t)
	ctx := context.Background()
	e := merging.NewEngine(s, locks.NewMemoryLocker(), keys.NewNormalizer(keys.DefaultConfig()), merging.DefaultConfig(), testLogger())

	create := func(name string, fields map[string]string) models.Entity {
		f := map[string]string{models.FieldName: name}
		for k, v := range fields {
			f[k] = v
		}
		rec := &models.Record{EntityType: models.EntityTypeCompany, Fields: f, SourceID: "sos", FactID: "fact-" + name}
		mr, err := e.ApplyDecision(ctx, models.Candidate{Kind: models.CandidateEntityMatch, Record: rec}, models.DecisionAccept, merging.DecisionMeta{Confidence: 1})
		require.NoError(t, err)
		return mr.After.Entities[0]
	}

	a := create("Acme Holdings", map[string]string{models.FieldRegisteredAgent: "Jane Roe"})
	b := create("ACME Holdings LLC", map[string]string{models.FieldPhone: "(201) 555-0123"})

	mr, err := e.ApplyDecision(ctx, models.Candidate{
		Kind:      models.CandidateEntityMatch,
		EntityIDs: []string{a.ID, b.ID},
	}, models.DecisionAccept, merging.DecisionMeta{Confidence: 0.97})
	require.NoError(t, err)

	rev, err := e.Reverse(ctx, mr.ID, merging.ReverseMeta{Reason: "audit"})
	require.NoError(t, err)

	_, err = e.Reverse(ctx, mr.ID, merging.ReverseMeta{})
	assert.ErrorIs(t, err, models.ErrAlreadyReversed)

	stored, err := s.GetMergeRecord(ctx, mr.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ReversedBy)
	assert.Equal(t, rev.ID, *stored.ReversedBy)

	restored, err := s.GetEntities(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)
	for _, ent := range restored {
		assert.True(t, ent.IsLive())
	}

	t.Run("relationship history is append only", func(t *testing.T) {
		parcel, err := e.ApplyDecision(ctx, models.Candidate{
			Kind:   models.CandidateEntityMatch,
			Record: &models.Record{EntityType: models.EntityTypeParcel, Fields: map[string]string{models.FieldParcelID: "R-100-2"}},
		}, models.DecisionAccept, merging.DecisionMeta{Confidence: 1})
		require.NoError(t, err)
		to := parcel.After.Entities[0].ID

		cand := models.Candidate{Kind: models.CandidateRelationship, RelationshipType: "owns", FromEntityID: a.ID, ToEntityID: to, Evidence: []string{"deed"}}
		_, err = e.ApplyDecision(ctx, cand, models.DecisionReview, merging.DecisionMeta{Confidence: 0.7})
		require.NoError(t, err)
		reviewer := "reviewer-1"
		_, err = e.ApplyDecision(ctx, cand, models.DecisionAccept, merging.DecisionMeta{Source: models.DecisionSourceHuman, ReviewerID: &reviewer, Confidence: 0.7})
		require.NoError(t, err)

		current, err := s.CurrentRelationship(ctx, a.ID, to, "owns")
		require.NoError(t, err)
		assert.Equal(t, models.StatusHumanValidated, current.Status)

		history, err := s.ListRelationships(ctx, models.RelationshipFilter{EntityID: a.ID, IncludeHistory: true})
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})
}
