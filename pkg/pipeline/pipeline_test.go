package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/escalation"
	"github.com/Ramsey-B/fern/pkg/extractor"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/keys"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/review"
	"github.com/Ramsey-B/fern/pkg/store/memory"
	"github.com/Ramsey-B/fern/pkg/thresholds"
)

const profilesYAML = `
version: sos-2026.1
profiles:
  - source_id: sos
    fact_type: business_filing
    entity_type: company
    confidence: 0.95
    required: [name]
    fields:
      name: name
      tax_id: tax_id
      phone: phone
      registered_agent: agent
    relations:
      - type: owns
        direction: outgoing
        entity_type: parcel
        each: parcels
        confidence: 0.9
        required: [parcel_id]
        fields:
          parcel_id: apn
`

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fixedModel struct {
	p float64
}

func (m fixedModel) Version() string { return "fixed-1" }

func (m fixedModel) Predict(context.Context, matching.FeatureVector) (float64, error) {
	return m.p, nil
}

type stubEscalator struct {
	judgment escalation.Judgment
}

func (s stubEscalator) Eligible(pair escalation.CandidatePair) bool {
	return pair.Probability >= 0.4 && pair.Probability <= 0.8
}

func (s stubEscalator) Resolve(context.Context, escalation.CandidatePair) (escalation.Judgment, error) {
	return s.judgment, nil
}

type fixture struct {
	store      *memory.Store
	engine     *merging.Engine
	queue      *review.Manager
	registry   *matching.ModelRegistry
	thresholds thresholds.ThresholdSet
	pipeline   *Pipeline
	newWith    func(decider review.Decider) *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	normalizer := keys.NewNormalizer(keys.DefaultConfig())
	registry := matching.NewModelRegistry()
	registry.Register("owns", fixedModel{p: 0.95})

	set := thresholds.DefaultSet()
	set.Types[models.SameAs] = thresholds.Band{High: 0.85, Low: 0.5}
	set.Types["owns"] = thresholds.Band{High: 0.9, Low: 0.6}

	profiles, err := extractor.ParseProfiles([]byte(profilesYAML))
	require.NoError(t, err)
	ex, err := extractor.New(profiles, testLogger())
	require.NoError(t, err)

	engine := merging.NewEngine(st, locks.NewMemoryLocker(), normalizer, merging.DefaultConfig(), testLogger())
	queue := review.NewManager(st, engine, review.DefaultConfig(), testLogger())
	resolver := resolution.NewResolver(
		normalizer,
		matching.NewDeterministicMatcher(st, matching.DefaultDeterministicConfig(), testLogger()),
		st,
		matching.NewFeatureExtractor(normalizer, nil),
		matching.NewScorer(registry, testLogger()),
		nil,
		set,
		matching.StaticPrior(0.8),
		resolution.DefaultConfig(),
		testLogger(),
	)

	dedup := ingest.NewDeduplicator(st, ingest.DefaultConfig(), testLogger())
	newWith := func(decider review.Decider) *Pipeline {
		return New(dedup, ex, st, resolver, decider, queue, DefaultConfig(), testLogger())
	}

	return &fixture{
		store:      st,
		engine:     engine,
		queue:      queue,
		registry:   registry,
		thresholds: set,
		pipeline:   newWith(engine),
		newWith:    newWith,
	}
}

var retrievedAt = time.Date(2026, 3, 2, 14, 5, 0, 0, time.UTC)

func filing(t *testing.T, payload map[string]any) models.RawRecord {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return models.RawRecord{
		SourceID:    "sos",
		SourceURL:   fmt.Sprintf("https://sos.example.gov/filings/%v", payload["name"]),
		RetrievedAt: retrievedAt,
		ContentType: models.ContentTypeJSON,
		Payload:     body,
	}
}

func (f *fixture) process(t *testing.T, payload map[string]any) Result {
	t.Helper()
	res, err := f.pipeline.Process(context.Background(), filing(t, payload))
	require.NoError(t, err)
	require.Len(t, res.Facts, 1)
	return res
}

func TestPipeline_SharedRegisteredAgent(t *testing.T) {
	f := newFixture(t)

	first := f.process(t, map[string]any{"name": "Smith Holdings LLC", "agent": "Smith & Associates Inc"})
	created := first.Facts[0].Subject
	assert.Equal(t, models.DecisionReject, created.Outcome.Decision)
	require.NotEmpty(t, created.EntityID)
	require.NotNil(t, created.MergeRecord)
	assert.Equal(t, models.MergeKindEntityCreate, created.MergeRecord.Kind)

	second := f.process(t, map[string]any{"name": "Smith Holdings LLC", "agent": "SMITH & ASSOCIATES, INC.", "phone": "(201) 555-0123"})
	merged := second.Facts[0].Subject
	assert.Equal(t, models.DecisionAccept, merged.Outcome.Decision)
	assert.Equal(t, models.TierDeterministic, merged.Outcome.Tier)
	assert.InDelta(t, 0.98, merged.Outcome.Confidence, 1e-9)
	assert.Equal(t, created.EntityID, merged.EntityID)

	entity, err := f.store.GetEntity(context.Background(), created.EntityID)
	require.NoError(t, err)
	assert.Len(t, entity.Keys, 2)
	assert.Len(t, entity.FactIDs, 2)
}

func TestPipeline_AmbiguousScoreGoesToReview(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(models.SameAs, fixedModel{p: 0.62})

	existing := f.process(t, map[string]any{"name": "Northwind Trading Company"}).Facts[0].Subject
	res := f.process(t, map[string]any{"name": "Northwind Traders"})

	held := res.Facts[0].Subject
	assert.Equal(t, models.DecisionReview, held.Outcome.Decision)
	assert.Empty(t, held.EntityID)
	assert.Nil(t, held.MergeRecord)
	require.NotNil(t, held.ReviewItem)
	assert.Equal(t, models.ReasonReviewBand, held.ReviewItem.Reason)
	assert.InDelta(t, 0.62, held.ReviewItem.Confidence, 1e-9)
	assert.Equal(t, []string{existing.EntityID}, held.ReviewItem.Candidate.EntityIDs)

	records, err := f.store.ListMergeRecordsByEntity(context.Background(), existing.EntityID)
	require.NoError(t, err)
	assert.Len(t, records, 1, "only the create")
}

func TestPipeline_ConflictingKeysAreNotMerged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	x := f.process(t, map[string]any{"name": "Acme LLC", "tax_id": "12-3456789"}).Facts[0].Subject
	y := f.process(t, map[string]any{"name": "Borealis Partners", "agent": "Smith & Associates Inc"}).Facts[0].Subject
	require.NotEqual(t, x.EntityID, y.EntityID)

	res := f.process(t, map[string]any{"name": "Acme Borealis", "tax_id": "12-3456789", "agent": "Smith & Associates Inc"})
	held := res.Facts[0].Subject
	assert.Equal(t, models.DecisionReview, held.Outcome.Decision)
	require.NotNil(t, held.Outcome.Conflict)
	require.NotNil(t, held.ReviewItem)
	assert.Equal(t, models.ReasonMatchConflict, held.ReviewItem.Reason)
	assert.ElementsMatch(t, []string{x.EntityID, y.EntityID}, held.ReviewItem.Candidate.EntityIDs)

	for _, id := range []string{x.EntityID, y.EntityID} {
		records, err := f.store.ListMergeRecordsByEntity(ctx, id)
		require.NoError(t, err)
		assert.Len(t, records, 1, "no merge touched %s", id)
		e, err := f.store.GetEntity(ctx, id)
		require.NoError(t, err)
		assert.True(t, e.IsLive())
	}
}

func TestPipeline_DuplicateIsNotResolvedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := filing(t, map[string]any{"name": "Initech LLC", "tax_id": "98-7654321"})

	first, err := f.pipeline.Process(ctx, raw)
	require.NoError(t, err)
	require.Len(t, first.Facts, 1)

	second, err := f.pipeline.Process(ctx, raw)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.Facts)
	assert.Equal(t, first.RawFact.ID, second.RawFact.ID)

	records, err := f.store.ListMergeRecordsByEntity(ctx, first.Facts[0].Subject.EntityID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// failingDecider fails the failOn-th decision once, then delegates
type failingDecider struct {
	review.Decider
	failOn int
	calls  int
}

func (d *failingDecider) ApplyDecision(ctx context.Context, cand models.Candidate, decision models.Decision, meta merging.DecisionMeta) (models.MergeRecord, error) {
	d.calls++
	if d.calls == d.failOn {
		return models.MergeRecord{}, fmt.Errorf("db blip: %w", models.ErrTransient)
	}
	return d.Decider.ApplyDecision(ctx, cand, decision, meta)
}

func TestPipeline_RedeliveryResumesUnresolvedFacts(t *testing.T) {
	tests := []struct {
		name   string
		failOn int
	}{
		{name: "subject decision fails", failOn: 1},
		{name: "relationship write fails", failOn: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			p := f.newWith(&failingDecider{Decider: f.engine, failOn: tt.failOn})
			raw := filing(t, map[string]any{"name": "Initech LLC", "tax_id": "98-7654321", "parcels": []any{map[string]any{"apn": "R-9"}}})

			first, err := p.Process(ctx, raw)
			require.ErrorIs(t, err, models.ErrTransient)
			require.NotEmpty(t, first.RawFact.ID)

			stored, err := f.store.ListStructuredFacts(ctx, first.RawFact.ID)
			require.NoError(t, err)
			require.Len(t, stored, 1)
			assert.False(t, stored[0].Resolved())

			again, err := p.Process(ctx, raw)
			require.NoError(t, err)
			assert.True(t, again.Duplicate)
			require.Len(t, again.Facts, 1)
			assert.Equal(t, stored[0].ID, again.Facts[0].FactID)

			subject := again.Facts[0].Subject
			require.NotEmpty(t, subject.EntityID)
			entity, err := f.store.GetEntity(ctx, subject.EntityID)
			require.NoError(t, err)
			assert.True(t, entity.IsLive())

			require.Len(t, again.Facts[0].Relations, 1)
			rel := again.Facts[0].Relations[0]
			require.NotNil(t, rel.Relationship)
			_, err = f.store.CurrentRelationship(ctx, subject.EntityID, rel.Counterparty.EntityID, "owns")
			require.NoError(t, err)

			stored, err = f.store.ListStructuredFacts(ctx, again.RawFact.ID)
			require.NoError(t, err)
			assert.True(t, stored[0].Resolved())

			last, err := p.Process(ctx, raw)
			require.NoError(t, err)
			assert.True(t, last.Duplicate)
			assert.Empty(t, last.Facts)
		})
	}
}

func TestPipeline_Relations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.process(t, map[string]any{"name": "Acme Holdings LLC", "tax_id": "12-3456789", "parcels": []any{map[string]any{"apn": "R-100-2"}}})
	require.Len(t, first.Facts[0].Relations, 1)
	rel := first.Facts[0].Relations[0]
	require.Empty(t, rel.Skipped)
	require.NotNil(t, rel.Relationship)
	assert.Equal(t, models.DecisionAccept, rel.Relationship.Outcome.Decision)

	company := first.Facts[0].Subject.EntityID
	parcel := rel.Counterparty.EntityID
	current, err := f.store.CurrentRelationship(ctx, company, parcel, "owns")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAutoAccepted, current.Status)
	assert.Contains(t, current.Evidence, "fact="+first.Facts[0].FactID)

	second := f.process(t, map[string]any{"name": "Acme Holdings LLC", "tax_id": "12-3456789", "phone": "2015550123", "parcels": []any{map[string]any{"apn": "R-100-2"}}})
	rel = second.Facts[0].Relations[0]
	require.NotNil(t, rel.Relationship)
	assert.Equal(t, parcel, rel.Counterparty.EntityID, "parcel key resolves to the same parcel")
	assert.Equal(t, 1.0, rel.Relationship.Outcome.Candidate.Features[resolution.FeatureCorroborations])

	current, err = f.store.CurrentRelationship(ctx, company, parcel, "owns")
	require.NoError(t, err)
	assert.Contains(t, current.Evidence, "fact="+first.Facts[0].FactID)
	assert.Contains(t, current.Evidence, "fact="+second.Facts[0].FactID)
}

func TestPipeline_ReviewBandRelationshipIsWrittenUnderReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.Register("owns", fixedModel{p: 0.7})

	res := f.process(t, map[string]any{"name": "Acme Holdings LLC", "tax_id": "12-3456789", "parcels": []any{map[string]any{"apn": "R-100-2"}}})
	require.Len(t, res.Facts[0].Relations, 1)
	rel := res.Facts[0].Relations[0]
	require.NotNil(t, rel.Relationship)
	assert.Equal(t, models.DecisionReview, rel.Relationship.Outcome.Decision)
	require.NotNil(t, rel.Relationship.ReviewItem)
	require.NotNil(t, rel.Relationship.MergeRecord)
	assert.Equal(t, models.MergeKindRelationshipWrite, rel.Relationship.MergeRecord.Kind)

	company := res.Facts[0].Subject.EntityID
	parcel := rel.Counterparty.EntityID
	pending, err := f.store.CurrentRelationship(ctx, company, parcel, "owns")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnderReview, pending.Status)

	filtered, err := f.store.ListRelationships(ctx, models.RelationshipFilter{EntityID: company, Statuses: []models.ValidationStatus{models.StatusUnderReview}})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, pending.ID, filtered[0].ID)

	_, err = f.queue.RecordVerdict(ctx, rel.Relationship.ReviewItem.ID, models.VerdictMatch, "reviewer-1")
	require.NoError(t, err)

	validated, err := f.store.CurrentRelationship(ctx, company, parcel, "owns")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHumanValidated, validated.Status)
	require.NotNil(t, validated.Supersedes)
	assert.Equal(t, pending.ID, *validated.Supersedes)
}

func TestPipeline_RelationsSkippedWhileSubjectHeld(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(models.SameAs, fixedModel{p: 0.62})

	f.process(t, map[string]any{"name": "Northwind Trading Company"})
	res := f.process(t, map[string]any{"name": "Northwind Traders", "parcels": []any{map[string]any{"apn": "R-7"}}})

	require.Len(t, res.Facts[0].Relations, 1)
	assert.Equal(t, "subject held for review", res.Facts[0].Relations[0].Skipped)
}

func TestPipeline_ProcessBatch(t *testing.T) {
	f := newFixture(t)

	invalid := filing(t, map[string]any{"name": "No Url LLC"})
	invalid.SourceURL = ""
	records := []models.RawRecord{
		filing(t, map[string]any{"name": "Globex Corporation", "tax_id": "11-1111111"}),
		invalid,
		filing(t, map[string]any{"name": "Umbrella Holdings", "tax_id": "22-2222222"}),
		filing(t, map[string]any{"name": "Hooli Inc", "tax_id": "33-3333333"}),
	}

	items, err := f.pipeline.ProcessBatch(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, items, len(records))

	for i, item := range items {
		t.Run(fmt.Sprintf("item %d", i), func(t *testing.T) {
			if i == 1 {
				var verr *models.ValidationError
				assert.ErrorAs(t, item.Error, &verr)
				return
			}
			require.NoError(t, item.Error)
			require.Len(t, item.Result.Facts, 1)
			assert.NotEmpty(t, item.Result.Facts[0].Subject.EntityID)
		})
	}
}

func TestPipeline_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.ProcessBatch(ctx, []models.RawRecord{filing(t, map[string]any{"name": "Late LLC"})})
	assert.ErrorIs(t, err, context.Canceled)
}
