package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMaxElapsed = 200 * time.Millisecond
	return cfg
}

func record() models.RawRecord {
	return models.RawRecord{
		SourceID:    "sos-tx",
		SourceURL:   "https://sos.example.gov/entity/123",
		RetrievedAt: time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC),
		ContentType: models.ContentTypeJSON,
		Payload:     []byte(`{"name":"Acme Holdings LLC","agent":"Jane Roe","scraped_at":"2026-03-04T10:15:00Z"}`),
	}
}

func TestDeduplicator_Ingest(t *testing.T) {
	ctx := context.Background()

	t.Run("same record ingested twice stores one fact", func(t *testing.T) {
		d := NewDeduplicator(memory.New(), testConfig(), testLogger())

		first, err := d.Ingest(ctx, record())
		require.NoError(t, err)
		assert.False(t, first.Duplicate)

		second, err := d.Ingest(ctx, record())
		require.NoError(t, err)
		assert.True(t, second.Duplicate)
		assert.Equal(t, first.RawFact.ID, second.RawFact.ID)
	})

	t.Run("volatile fields and later minutes in the same hour are duplicates", func(t *testing.T) {
		d := NewDeduplicator(memory.New(), testConfig(), testLogger())

		_, err := d.Ingest(ctx, record())
		require.NoError(t, err)

		again := record()
		again.RetrievedAt = again.RetrievedAt.Add(30 * time.Minute)
		again.Payload = []byte(`{"agent":"Jane  Roe","name":"Acme Holdings LLC","scraped_at":"2026-03-04T10:45:00Z"}`)
		res, err := d.Ingest(ctx, again)
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
	})

	t.Run("changed payload or selector is a new fact", func(t *testing.T) {
		d := NewDeduplicator(memory.New(), testConfig(), testLogger())
		_, err := d.Ingest(ctx, record())
		require.NoError(t, err)

		changed := record()
		changed.Payload = []byte(`{"name":"Acme Holdings LLC","agent":"John Doe"}`)
		res, err := d.Ingest(ctx, changed)
		require.NoError(t, err)
		assert.False(t, res.Duplicate)

		selected := record()
		selected.Selector = "#officers"
		res, err = d.Ingest(ctx, selected)
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
	})

	t.Run("next hour bucket is a new fact", func(t *testing.T) {
		d := NewDeduplicator(memory.New(), testConfig(), testLogger())
		_, err := d.Ingest(ctx, record())
		require.NoError(t, err)

		later := record()
		later.RetrievedAt = later.RetrievedAt.Add(time.Hour)
		res, err := d.Ingest(ctx, later)
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
	})
}

func TestDeduplicator_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.RawRecord)
		field  string
	}{
		{"missing source", func(r *models.RawRecord) { r.SourceID = " " }, "source_id"},
		{"missing retrieval time", func(r *models.RawRecord) { r.RetrievedAt = time.Time{} }, "retrieved_at"},
		{"empty payload", func(r *models.RawRecord) { r.Payload = nil }, "payload"},
		{"relative url", func(r *models.RawRecord) { r.SourceURL = "/entity/123" }, "source_url"},
		{"unknown content type", func(r *models.RawRecord) { r.ContentType = "pdf" }, "content_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			d := NewDeduplicator(st, testConfig(), testLogger())

			rec := record()
			tt.mutate(&rec)
			_, err := d.Ingest(context.Background(), rec)

			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	t.Run("malformed json payload", func(t *testing.T) {
		d := NewDeduplicator(memory.New(), testConfig(), testLogger())
		rec := record()
		rec.Payload = []byte(`{"name":`)
		_, err := d.Ingest(context.Background(), rec)

		var verr *models.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

type flakyRawFacts struct {
	*memory.Store
	failures int
	err      error
	calls    int
}

func (f *flakyRawFacts) InsertRawFact(ctx context.Context, fact models.RawFact) (bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return false, f.err
	}
	return f.Store.InsertRawFact(ctx, fact)
}

func TestDeduplicator_Retry(t *testing.T) {
	t.Run("transient errors are retried", func(t *testing.T) {
		st := &flakyRawFacts{Store: memory.New(), failures: 2, err: fmt.Errorf("conn reset: %w", models.ErrTransient)}
		d := NewDeduplicator(st, testConfig(), testLogger())

		res, err := d.Ingest(context.Background(), record())
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Equal(t, 3, st.calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		boom := errors.New("disk full")
		st := &flakyRawFacts{Store: memory.New(), failures: 5, err: boom}
		d := NewDeduplicator(st, testConfig(), testLogger())

		_, err := d.Ingest(context.Background(), record())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, st.calls)
	})
}
