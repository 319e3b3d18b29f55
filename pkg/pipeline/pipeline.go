// Package pipeline drives a raw record through dedup, extraction,
// resolution and the resulting merge, relationship or review writes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/review"
	"github.com/Ramsey-B/fern/pkg/store"
)

const factEvidencePrefix = "fact="

type Config struct {
	MaxResolveAttempts int `mapstructure:"max_resolve_attempts"`
	BatchConcurrency   int `mapstructure:"batch_concurrency"`
}

func DefaultConfig() Config {
	return Config{
		MaxResolveAttempts: 3,
		BatchConcurrency:   8,
	}
}

// Extractor turns a raw fact into structured facts. *extractor.Extractor
// implements it.
type Extractor interface {
	Extract(ctx context.Context, fact models.RawFact) ([]models.StructuredFact, error)
}

// Queue holds candidates for review. *review.Manager implements it.
type Queue interface {
	Enqueue(ctx context.Context, cand models.Candidate, confidence, priority float64, reason models.ReviewReason, opts ...review.EnqueueOptions) (models.ReviewItem, error)
}

// Applied is what happened to one candidate. EntityID is the entity the
// record now belongs to, empty when the record is held for review.
type Applied struct {
	Outcome     resolution.Outcome  `json:"outcome"`
	MergeRecord *models.MergeRecord `json:"merge_record,omitempty"`
	ReviewItem  *models.ReviewItem  `json:"review_item,omitempty"`
	EntityID    string              `json:"entity_id,omitempty"`
}

// RelationResult is the outcome for one relation claim
type RelationResult struct {
	Type         string   `json:"type"`
	Counterparty Applied  `json:"counterparty"`
	Relationship *Applied `json:"relationship,omitempty"`
	Skipped      string   `json:"skipped,omitempty"`
}

// FactResult is the outcome for one structured fact
type FactResult struct {
	FactID    string           `json:"fact_id"`
	Subject   Applied          `json:"subject"`
	Relations []RelationResult `json:"relations,omitempty"`
}

// Result is the outcome of processing one raw record
type Result struct {
	RawFact   models.RawFact `json:"raw_fact"`
	Duplicate bool           `json:"duplicate"`
	Facts     []FactResult   `json:"facts,omitempty"`
}

type Pipeline struct {
	dedup     *ingest.Deduplicator
	extractor Extractor
	store     store.Store
	resolver  *resolution.Resolver
	decider   review.Decider
	queue     Queue
	config    Config
	logger    ectologger.Logger
	now       func() time.Time
}

func New(
	dedup *ingest.Deduplicator,
	extractor Extractor,
	s store.Store,
	resolver *resolution.Resolver,
	decider review.Decider,
	queue Queue,
	config Config,
	logger ectologger.Logger,
) *Pipeline {
	return &Pipeline{
		dedup:     dedup,
		extractor: extractor,
		store:     s,
		resolver:  resolver,
		decider:   decider,
		queue:     queue,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Process ingests a raw record. A duplicate is reported and only the
// structured facts an earlier attempt left without an outcome are resolved.
func (p *Pipeline) Process(ctx context.Context, raw models.RawRecord) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.Process")
	defer span.End()

	ingested, err := p.dedup.Ingest(ctx, raw)
	if err != nil {
		return Result{}, err
	}
	out := Result{RawFact: ingested.RawFact, Duplicate: ingested.Duplicate}
	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"raw_fact_id": ingested.RawFact.ID,
		"source_id":   ingested.RawFact.SourceID,
	})

	var facts []models.StructuredFact
	if ingested.Duplicate {
		facts, err = p.store.ListStructuredFacts(ctx, ingested.RawFact.ID)
		if err != nil {
			return out, err
		}
		if len(facts) > 0 {
			facts = unresolved(facts)
			if len(facts) == 0 {
				return out, nil
			}
			log.WithFields(map[string]any{"facts": len(facts)}).Info("Resuming structured facts left unresolved")
		}
	}

	if len(facts) == 0 {
		facts, err = p.extract(ctx, ingested.RawFact)
		if err != nil {
			return out, err
		}
	}

	for _, fact := range facts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		fr, err := p.processFact(ctx, ingested.RawFact, fact)
		if err != nil {
			log.WithError(err).WithFields(map[string]any{"fact_id": fact.ID}).Error("Failed to resolve structured fact")
			return out, err
		}
		if err := p.store.MarkStructuredFactResolved(ctx, fact.ID, p.now().UTC()); err != nil {
			return out, err
		}
		out.Facts = append(out.Facts, fr)
	}

	log.WithFields(map[string]any{"facts": len(out.Facts)}).Info("Processed raw record")
	return out, nil
}

func (p *Pipeline) extract(ctx context.Context, raw models.RawFact) ([]models.StructuredFact, error) {
	facts, err := p.extractor.Extract(ctx, raw)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("raw_fact_id", raw.ID).Warn("Extraction failed")
		return nil, err
	}
	if len(facts) == 0 {
		p.logger.WithContext(ctx).WithField("raw_fact_id", raw.ID).Debug("Raw fact yielded no structured facts")
		return nil, nil
	}
	if err := p.store.InsertStructuredFacts(ctx, facts); err != nil {
		return nil, err
	}
	return facts, nil
}

func unresolved(facts []models.StructuredFact) []models.StructuredFact {
	var out []models.StructuredFact
	for _, f := range facts {
		if !f.Resolved() {
			out = append(out, f)
		}
	}
	return out
}

func (p *Pipeline) processFact(ctx context.Context, raw models.RawFact, fact models.StructuredFact) (FactResult, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.processFact")
	defer span.End()

	rec := models.RecordFromFact(fact, raw.SourceID, raw.RetrievedAt)
	subject, err := p.ResolveAndApply(ctx, rec)
	if err != nil {
		return FactResult{}, err
	}
	fr := FactResult{FactID: fact.ID, Subject: subject}

	for i, claim := range fact.Relations {
		if subject.EntityID == "" {
			fr.Relations = append(fr.Relations, RelationResult{Type: claim.Type, Skipped: "subject held for review"})
			continue
		}
		rr, err := p.processRelation(ctx, raw, fact, i, claim, subject.EntityID)
		if err != nil {
			return FactResult{}, err
		}
		fr.Relations = append(fr.Relations, rr)
	}
	return fr, nil
}

func (p *Pipeline) processRelation(ctx context.Context, raw models.RawFact, fact models.StructuredFact, i int, claim models.RelationClaim, subjectID string) (RelationResult, error) {
	rr := RelationResult{Type: claim.Type}

	cp := claim.Counterparty
	cp.SourceID = raw.SourceID
	cp.FactID = fmt.Sprintf("%s#%s-%d", fact.ID, claim.Type, i)
	cp.ObservedAt = raw.RetrievedAt

	counterparty, err := p.ResolveAndApply(ctx, cp)
	if err != nil {
		return rr, err
	}
	rr.Counterparty = counterparty
	if counterparty.EntityID == "" {
		rr.Skipped = "counterparty held for review"
		return rr, nil
	}

	from, to := subjectID, counterparty.EntityID
	if claim.Direction == models.RelationIncoming {
		from, to = to, from
	}
	if from == to {
		rr.Skipped = "subject and counterparty resolved to one entity"
		return rr, nil
	}

	evidence, corroborations, err := p.corroboration(ctx, from, to, claim.Type, fact.ID)
	if err != nil {
		return rr, err
	}
	outcome, err := p.resolver.ScoreRelationship(ctx, resolution.RelationshipInput{
		Type:                 claim.Type,
		FromEntityID:         from,
		ToEntityID:           to,
		SourceID:             raw.SourceID,
		ExtractionConfidence: claim.ExtractionConfidence,
		Corroborations:       corroborations,
		Evidence:             evidence,
	})
	if err != nil {
		return rr, err
	}

	applied, err := p.apply(ctx, outcome)
	if errors.Is(err, models.ErrInvalidTransition) {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"from_entity_id":    from,
			"to_entity_id":      to,
			"relationship_type": claim.Type,
		}).Info("Relationship already decided; keeping it")
		rr.Skipped = "relationship already decided"
		return rr, nil
	}
	if err != nil {
		return rr, err
	}
	rr.Relationship = &applied
	return rr, nil
}

// corroboration collects the facts already supporting an edge. The current
// fact is added to the evidence but not counted.
func (p *Pipeline) corroboration(ctx context.Context, from, to, relType, factID string) ([]string, int, error) {
	self := factEvidencePrefix + factID
	current, err := p.store.CurrentRelationship(ctx, from, to, relType)
	if errors.Is(err, models.ErrNotFound) {
		return []string{self}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	var evidence []string
	for _, e := range current.Evidence {
		if strings.HasPrefix(e, factEvidencePrefix) && e != self {
			evidence = append(evidence, e)
		}
	}
	return append(evidence, self), len(evidence), nil
}

// ResolveAndApply resolves a record and applies the decision. A key taken
// by a concurrent writer between resolution and apply triggers a fresh
// resolution.
func (p *Pipeline) ResolveAndApply(ctx context.Context, rec models.Record) (Applied, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.ResolveAndApply")
	defer span.End()

	for attempt := 1; ; attempt++ {
		outcome, err := p.resolver.ResolveRecord(ctx, rec)
		if err != nil {
			return Applied{}, err
		}
		applied, err := p.apply(ctx, outcome)

		var conflict *models.MatchConflictError
		if errors.As(err, &conflict) && attempt < p.config.MaxResolveAttempts {
			p.logger.WithContext(ctx).WithError(err).WithField("attempt", attempt).Debug("Keys moved during apply; resolving again")
			continue
		}
		return applied, err
	}
}

func (p *Pipeline) apply(ctx context.Context, outcome resolution.Outcome) (Applied, error) {
	applied := Applied{Outcome: outcome}

	meta := merging.DecisionMeta{
		Source:       models.DecisionSourceAuto,
		Confidence:   outcome.Confidence,
		ModelVersion: outcome.Candidate.ModelVersion,
	}

	if outcome.Decision == models.DecisionReview {
		if outcome.Candidate.Kind != models.CandidateRelationship {
			item, err := p.queue.Enqueue(ctx, outcome.Candidate, outcome.Confidence, outcome.Priority, outcome.ReviewReason)
			if err != nil {
				return applied, err
			}
			applied.ReviewItem = &item
			return applied, nil
		}
		// The under_review row and its queue item commit together
		var item models.ReviewItem
		meta.InTx = func(ctx context.Context, _ models.MergeRecord) error {
			var err error
			item, err = p.queue.Enqueue(ctx, outcome.Candidate, outcome.Confidence, outcome.Priority, outcome.ReviewReason)
			return err
		}
		rec, err := p.decider.ApplyDecision(ctx, outcome.Candidate, models.DecisionReview, meta)
		if err != nil {
			return applied, err
		}
		applied.MergeRecord = &rec
		applied.ReviewItem = &item
		return applied, nil
	}
	if outcome.Candidate.Kind == models.CandidateEntityMatch && outcome.Decision == models.DecisionReject {
		// A new entity is as certain as the match was doubtful
		meta.Confidence = 1 - outcome.Confidence
	}

	rec, err := p.decider.ApplyDecision(ctx, outcome.Candidate, outcome.Decision, meta)
	if err != nil {
		return applied, err
	}
	applied.MergeRecord = &rec
	if outcome.Candidate.Kind == models.CandidateEntityMatch && len(rec.After.Entities) > 0 {
		applied.EntityID = rec.After.Entities[0].ID
	}
	return applied, nil
}

// BatchItem is the per-record result of ProcessBatch
type BatchItem struct {
	Result Result `json:"result"`
	Error  error  `json:"-"`
}

// ProcessBatch processes records concurrently. Failures are reported per
// item; the batch itself only fails when ctx is cancelled.
func (p *Pipeline) ProcessBatch(ctx context.Context, records []models.RawRecord) ([]BatchItem, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.ProcessBatch")
	defer span.End()

	out := make([]BatchItem, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.config.BatchConcurrency, 1))

	for i, raw := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				out[i].Error = err
				return err
			}
			res, err := p.Process(gctx, raw)
			out[i] = BatchItem{Result: res, Error: err}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}
