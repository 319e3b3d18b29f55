// Package ingest turns upstream raw records into immutable, deduplicated
// RawFacts.
package ingest

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/store"
)

type Config struct {
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`
	VolatileFields  []string      `mapstructure:"volatile_fields"`
	RetryInitial    time.Duration `mapstructure:"retry_initial"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
}

func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes: 10 << 20,
		VolatileFields:  []string{"scraped_at", "fetched_at", "request_id"},
		RetryInitial:    100 * time.Millisecond,
		RetryMaxElapsed: 10 * time.Second,
	}
}

// Result is either a newly stored RawFact or a duplicate signal
type Result struct {
	RawFact   models.RawFact
	Duplicate bool
}

type Deduplicator struct {
	store  store.RawFacts
	fp     *fingerprint.Fingerprinter
	config Config
	logger ectologger.Logger
	now    func() time.Time
}

func NewDeduplicator(rawFacts store.RawFacts, config Config, logger ectologger.Logger) *Deduplicator {
	return &Deduplicator{
		store:  rawFacts,
		fp:     fingerprint.New(config.VolatileFields),
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Ingest stores the record once per composite fingerprint. A repeat returns
// the existing RawFact with Duplicate set and no error.
func (d *Deduplicator) Ingest(ctx context.Context, rec models.RawRecord) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Deduplicator.Ingest")
	defer span.End()

	log := d.logger.WithContext(ctx).WithFields(map[string]any{
		"source_id":  rec.SourceID,
		"source_url": rec.SourceURL,
	})

	if err := d.validate(rec); err != nil {
		log.WithError(err).Warn("Rejected malformed raw record")
		metrics.RecordsIngested.WithLabelValues("invalid").Inc()
		return Result{}, err
	}

	contentType := rec.ContentType
	if contentType == "" {
		contentType = fingerprint.DetectContentType(rec.Payload)
	}

	hash, err := d.fp.Compute(fingerprint.Input{
		Payload:     rec.Payload,
		ContentType: contentType,
		SourceURL:   rec.SourceURL,
		RetrievedAt: rec.RetrievedAt,
		Selector:    rec.Selector,
	})
	if err != nil {
		log.WithError(err).Warn("Rejected malformed raw record")
		metrics.RecordsIngested.WithLabelValues("invalid").Inc()
		return Result{}, err
	}

	fact := models.RawFact{
		ID:          uuid.NewString(),
		SourceID:    rec.SourceID,
		SourceURL:   rec.SourceURL,
		ContentHash: hash,
		ContentType: contentType,
		Selector:    rec.Selector,
		RetrievedAt: rec.RetrievedAt.UTC().Truncate(time.Microsecond),
		Payload:     rec.Payload,
		CreatedAt:   d.now().UTC().Truncate(time.Microsecond),
	}

	var inserted bool
	err = d.retry(ctx, func() error {
		var err error
		inserted, err = d.store.InsertRawFact(ctx, fact)
		return err
	})
	if err != nil {
		log.WithError(err).Error("Failed to store raw fact")
		return Result{}, err
	}

	if !inserted {
		existing, err := d.store.GetRawFactByHash(ctx, hash)
		if err != nil {
			return Result{}, err
		}
		log.WithField("raw_fact_id", existing.ID).Debug("Duplicate raw record ignored")
		metrics.RecordsIngested.WithLabelValues("duplicate").Inc()
		return Result{RawFact: existing, Duplicate: true}, nil
	}

	log.WithField("raw_fact_id", fact.ID).Debug("Stored raw fact")
	metrics.RecordsIngested.WithLabelValues("stored").Inc()
	return Result{RawFact: fact}, nil
}

func (d *Deduplicator) validate(rec models.RawRecord) error {
	switch {
	case strings.TrimSpace(rec.SourceID) == "":
		return models.NewValidationError("source_id", "is required")
	case rec.RetrievedAt.IsZero():
		return models.NewValidationError("retrieved_at", "is required")
	case len(rec.Payload) == 0:
		return models.NewValidationError("payload", "is empty")
	case d.config.MaxPayloadBytes > 0 && len(rec.Payload) > d.config.MaxPayloadBytes:
		return models.NewValidationError("payload", "exceeds maximum size")
	}
	if u, err := url.Parse(rec.SourceURL); err != nil || u.Scheme == "" || u.Host == "" {
		return models.NewValidationError("source_url", "must be an absolute url")
	}
	switch rec.ContentType {
	case "", models.ContentTypeJSON, models.ContentTypeHTML, models.ContentTypeText:
	default:
		return models.NewValidationError("content_type", "must be json, html or text")
	}
	return nil
}

// retry retries transient storage errors with exponential backoff. Any other
// error stops immediately.
func (d *Deduplicator) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.RetryInitial
	b.MaxElapsedTime = d.config.RetryMaxElapsed

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !models.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		d.logger.WithContext(ctx).WithError(err).Warnf("Transient storage error, retrying in %s", wait)
	})
}
