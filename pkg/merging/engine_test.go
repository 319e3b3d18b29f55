package merging

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/keys"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type recorder struct {
	mu      sync.Mutex
	records []models.MergeRecord
}

func (r *recorder) MergeApplied(_ context.Context, rec models.MergeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func newEngine(t *testing.T) (*Engine, *memory.Store, *recorder) {
	t.Helper()
	st := memory.New()
	e := NewEngine(st, locks.NewMemoryLocker(), keys.NewNormalizer(keys.DefaultConfig()), DefaultConfig(), testLogger())
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	e.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	rec := &recorder{}
	e.Observe(rec)
	return e, st, rec
}

func company(name string, fields map[string]string) *models.Record {
	f := map[string]string{models.FieldName: name}
	for k, v := range fields {
		f[k] = v
	}
	return &models.Record{EntityType: models.EntityTypeCompany, Fields: f, SourceID: "sos", FactID: "fact-" + name}
}

func create(t *testing.T, e *Engine, rec *models.Record) models.Entity {
	t.Helper()
	mr, err := e.ApplyDecision(context.Background(), models.Candidate{Kind: models.CandidateEntityMatch, Record: rec}, models.DecisionAccept, DecisionMeta{Confidence: 1})
	require.NoError(t, err)
	require.Equal(t, models.MergeKindEntityCreate, mr.Kind)
	return mr.After.Entities[0]
}

func TestEngine_CreateEntity(t *testing.T) {
	e, st, obs := newEngine(t)
	ctx := context.Background()

	ent := create(t, e, company("Acme Holdings LLC", map[string]string{
		models.FieldTaxID:           "12-3456789",
		models.FieldRegisteredAgent: "Smith & Associates Inc",
	}))
	assert.Len(t, ent.Keys, 2)
	assert.Equal(t, []string{"fact-Acme Holdings LLC"}, ent.FactIDs)

	owners, err := st.LookupKeys(ctx, ent.Keys)
	require.NoError(t, err)
	assert.Len(t, owners, 2)
	assert.Len(t, obs.records, 1)

	t.Run("record whose key is already held conflicts", func(t *testing.T) {
		_, err := e.ApplyDecision(ctx, models.Candidate{
			Kind:   models.CandidateEntityMatch,
			Record: company("Other Co", map[string]string{models.FieldTaxID: "123456789"}),
		}, models.DecisionReject, DecisionMeta{})
		var conflict *models.MatchConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Contains(t, conflict.EntityIDs, ent.ID)
		assert.Empty(t, st.LiveKeyOwners())
	})

	t.Run("entity create is not reversible", func(t *testing.T) {
		_, err := e.Reverse(ctx, obs.records[0].ID, ReverseMeta{})
		assert.ErrorIs(t, err, models.ErrNotReversible)
	})
}

func TestEngine_MergeAndReverse(t *testing.T) {
	e, st, _ := newEngine(t)
	ctx := context.Background()

	a := create(t, e, company("Acme Holdings", map[string]string{models.FieldRegisteredAgent: "Jane Roe"}))
	b := create(t, e, company("ACME Holdings LLC", map[string]string{models.FieldPhone: "(201) 555-0123"}))

	beforeA, err := st.GetEntity(ctx, a.ID)
	require.NoError(t, err)
	beforeB, err := st.GetEntity(ctx, b.ID)
	require.NoError(t, err)

	reviewer := "reviewer-7"
	mr, err := e.ApplyDecision(ctx, models.Candidate{
		Kind:      models.CandidateEntityMatch,
		EntityIDs: []string{b.ID, a.ID},
		Record:    company("Acme Holdings", map[string]string{models.FieldEmail: "ops@acme-holdings.com"}),
	}, models.DecisionAccept, DecisionMeta{Source: models.DecisionSourceHuman, ReviewerID: &reviewer, Confidence: 0.97})
	require.NoError(t, err)

	assert.Equal(t, models.MergeKindEntityMerge, mr.Kind)
	assert.Equal(t, a.ID, mr.EntityIDs[0], "older entity survives")
	survivor, err := st.GetEntity(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, survivor.Keys, 3)
	loser, err := st.GetEntity(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntityStatusSuperseded, loser.Status)
	assert.Equal(t, a.ID, *loser.SupersededBy)
	assert.Empty(t, st.LiveKeyOwners())

	rev, err := e.Reverse(ctx, mr.ID, ReverseMeta{ReviewerID: &reviewer, Reason: "audit"})
	require.NoError(t, err)
	assert.Equal(t, models.MergeKindReversal, rev.Kind)
	assert.Equal(t, mr.ID, *rev.Reverses)

	restoredA, err := st.GetEntity(ctx, a.ID)
	require.NoError(t, err)
	restoredB, err := st.GetEntity(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, SameEntity(beforeA, restoredA))
	assert.True(t, SameEntity(beforeB, restoredB))
	assert.Empty(t, st.LiveKeyOwners())

	owners, err := st.LookupKeys(ctx, beforeB.Keys)
	require.NoError(t, err)
	assert.Equal(t, b.ID, owners[beforeB.Keys[0]])

	original, err := st.GetMergeRecord(ctx, mr.ID)
	require.NoError(t, err)
	assert.Equal(t, rev.ID, *original.ReversedBy)
	assert.Equal(t, mr.After, original.After, "original record is untouched")

	t.Run("second reversal fails", func(t *testing.T) {
		_, err := e.Reverse(ctx, mr.ID, ReverseMeta{})
		assert.ErrorIs(t, err, models.ErrAlreadyReversed)
	})

	t.Run("a reversal cannot be reversed", func(t *testing.T) {
		_, err := e.Reverse(ctx, rev.ID, ReverseMeta{})
		assert.ErrorIs(t, err, models.ErrNotReversible)
	})
}

func TestEngine_StaleReversal(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	a := create(t, e, company("Acme", map[string]string{models.FieldRegisteredAgent: "Jane Roe"}))
	b := create(t, e, company("Acme Inc", nil))
	c := create(t, e, company("Acme Corp", nil))

	first, err := e.ApplyDecision(ctx, models.Candidate{Kind: models.CandidateEntityMatch, EntityIDs: []string{a.ID, b.ID}}, models.DecisionAccept, DecisionMeta{})
	require.NoError(t, err)
	second, err := e.ApplyDecision(ctx, models.Candidate{Kind: models.CandidateEntityMatch, EntityIDs: []string{a.ID, c.ID}}, models.DecisionAccept, DecisionMeta{})
	require.NoError(t, err)

	_, err = e.Reverse(ctx, first.ID, ReverseMeta{})
	assert.ErrorIs(t, err, models.ErrStaleReversal)

	_, err = e.Reverse(ctx, second.ID, ReverseMeta{})
	require.NoError(t, err)
	_, err = e.Reverse(ctx, first.ID, ReverseMeta{})
	assert.NoError(t, err)
}

// barrierLocker holds every Acquire until all callers have arrived once
// the barrier is set.
type barrierLocker struct {
	locks.KeyedLocker
	barrier *sync.WaitGroup
}

func (l *barrierLocker) Acquire(ctx context.Context, keys []string) (locks.Release, error) {
	if l.barrier != nil {
		l.barrier.Done()
		l.barrier.Wait()
	}
	return l.KeyedLocker.Acquire(ctx, keys)
}

func TestEngine_ConcurrentReversalsOfOneMerge(t *testing.T) {
	st := memory.New()
	locker := &barrierLocker{KeyedLocker: locks.NewMemoryLocker()}
	e := NewEngine(st, locker, keys.NewNormalizer(keys.DefaultConfig()), DefaultConfig(), testLogger())
	ctx := context.Background()

	a := create(t, e, company("Acme Holdings", map[string]string{models.FieldRegisteredAgent: "Jane Roe"}))
	b := create(t, e, company("ACME Holdings LLC", nil))
	mr, err := e.ApplyDecision(ctx, models.Candidate{Kind: models.CandidateEntityMatch, EntityIDs: []string{a.ID, b.ID}}, models.DecisionAccept, DecisionMeta{})
	require.NoError(t, err)

	const callers = 4
	locker.barrier = &sync.WaitGroup{}
	locker.barrier.Add(callers)

	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Reverse(ctx, mr.ID, ReverseMeta{Reason: fmt.Sprintf("caller %d", i)})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, models.ErrAlreadyReversed)
		assert.NotErrorIs(t, err, models.ErrStaleReversal)
	}
	assert.Equal(t, 1, succeeded)

	original, err := st.GetMergeRecord(ctx, mr.ID)
	require.NoError(t, err)
	assert.True(t, original.Reversed())
}

func TestEngine_MergeFollowsSupersession(t *testing.T) {
	e, st, _ := newEngine(t)
	ctx := context.Background()

	a := create(t, e, company("Acme", nil))
	b := create(t, e, company("Acme Inc", nil))
	c := create(t, e, company("Acme Corp", nil))

	_, err := e.ApplyDecision(ctx, models.Candidate{Kind: models.CandidateEntityMatch, EntityIDs: []string{a.ID, b.ID}}, models.DecisionAccept, DecisionMeta{})
	require.NoError(t, err)

	mr, err := e.ApplyDecision(ctx, models.Candidate{Kind: models.CandidateEntityMatch, EntityIDs: []string{b.ID, c.ID}}, models.DecisionAccept, DecisionMeta{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, c.ID}, mr.EntityIDs)

	head, err := st.GetEntity(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, head.IsLive())
}

func TestEngine_HookFailureRollsBack(t *testing.T) {
	e, st, obs := newEngine(t)
	ctx := context.Background()
	a := create(t, e, company("Acme", nil))
	b := create(t, e, company("Acme Inc", nil))

	boom := errors.New("review item already resolved")
	_, err := e.ApplyDecision(ctx, models.Candidate{Kind: models.CandidateEntityMatch, EntityIDs: []string{a.ID, b.ID}}, models.DecisionAccept, DecisionMeta{
		InTx: func(context.Context, models.MergeRecord) error { return boom },
	})
	assert.ErrorIs(t, err, boom)

	got, err := st.GetEntity(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLive())
	history, err := st.ListMergeRecordsByEntity(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, obs.records, 2)
}

func TestEngine_Relationships(t *testing.T) {
	e, st, _ := newEngine(t)
	ctx := context.Background()
	owner := create(t, e, company("Acme", nil))
	parcel := create(t, e, &models.Record{EntityType: models.EntityTypeParcel, Fields: map[string]string{models.FieldParcelID: "R-100-2"}})

	cand := models.Candidate{Kind: models.CandidateRelationship, RelationshipType: "owns", FromEntityID: owner.ID, ToEntityID: parcel.ID, Evidence: []string{"deed"}}

	review, err := e.ApplyDecision(ctx, cand, models.DecisionReview, DecisionMeta{Confidence: 0.7})
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnderReview, review.After.Relationships[0].Status)

	reviewer := "reviewer-1"
	accepted, err := e.ApplyDecision(ctx, cand, models.DecisionAccept, DecisionMeta{Source: models.DecisionSourceHuman, ReviewerID: &reviewer, Confidence: 0.7})
	require.NoError(t, err)
	row := accepted.After.Relationships[0]
	assert.Equal(t, models.StatusHumanValidated, row.Status)
	assert.Equal(t, review.After.Relationships[0].ID, *row.Supersedes)

	current, err := st.CurrentRelationship(ctx, owner.ID, parcel.ID, "owns")
	require.NoError(t, err)
	assert.Equal(t, row.ID, current.ID)

	_, err = e.ApplyDecision(ctx, cand, models.DecisionReview, DecisionMeta{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	rev, err := e.Reverse(ctx, accepted.ID, ReverseMeta{})
	require.NoError(t, err)
	current, err = st.CurrentRelationship(ctx, owner.ID, parcel.ID, "owns")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnderReview, current.Status)
	assert.Equal(t, rev.After.Relationships[0].ID, current.ID)

	history, err := st.ListRelationships(ctx, models.RelationshipFilter{EntityID: owner.ID, IncludeHistory: true})
	require.NoError(t, err)
	assert.Len(t, history, 3)

	t.Run("rejecting an unwritten relationship records a rejection", func(t *testing.T) {
		other := cand
		other.RelationshipType = "officer_of"
		mr, err := e.ApplyDecision(ctx, other, models.DecisionReject, DecisionMeta{})
		require.NoError(t, err)
		assert.Equal(t, models.MergeKindRejection, mr.Kind)
		_, err = st.CurrentRelationship(ctx, owner.ID, parcel.ID, "officer_of")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestEngine_KeyUniquenessUnderRandomDecisions(t *testing.T) {
	e, st, _ := newEngine(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	agents := []string{"Jane Roe", "John Doe", "Mary Major", "Richard Miles"}
	phones := []string{"(201) 555-0123", "(201) 555-0124", "(201) 555-0125"}

	var ids []string
	var merges []string
	for i := 0; i < 200; i++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(ids) < 2:
			fields := map[string]string{}
			if rng.Intn(2) == 0 {
				fields[models.FieldRegisteredAgent] = agents[rng.Intn(len(agents))]
			}
			if rng.Intn(2) == 0 {
				fields[models.FieldPhone] = phones[rng.Intn(len(phones))]
			}
			mr, err := e.ApplyDecision(ctx, models.Candidate{Kind: models.CandidateEntityMatch, Record: company(fmt.Sprintf("Co %d", i), fields)}, models.DecisionAccept, DecisionMeta{})
			var conflict *models.MatchConflictError
			if errors.As(err, &conflict) {
				continue
			}
			require.NoError(t, err)
			ids = append(ids, mr.EntityIDs[0])
		case op == 1:
			x, y := ids[rng.Intn(len(ids))], ids[rng.Intn(len(ids))]
			mr, err := e.ApplyDecision(ctx, models.Candidate{Kind: models.CandidateEntityMatch, EntityIDs: []string{x, y}}, models.DecisionAccept, DecisionMeta{})
			var verr *models.ValidationError
			if errors.As(err, &verr) {
				continue
			}
			require.NoError(t, err)
			merges = append(merges, mr.ID)
		default:
			if len(merges) == 0 {
				continue
			}
			_, err := e.Reverse(ctx, merges[rng.Intn(len(merges))], ReverseMeta{})
			if err != nil {
				require.True(t, errors.Is(err, models.ErrStaleReversal) || errors.Is(err, models.ErrAlreadyReversed), err)
			}
		}
		require.Empty(t, st.LiveKeyOwners(), "step %d", i)
	}
}

func TestEngine_ConcurrentOverlappingMerges(t *testing.T) {
	e, st, _ := newEngine(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, create(t, e, company(fmt.Sprintf("Co %d", i), nil)).ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pair := []string{ids[i], ids[(i+1)%len(ids)]}
			for {
				_, err := e.ApplyDecision(ctx, models.Candidate{Kind: models.CandidateEntityMatch, EntityIDs: pair}, models.DecisionAccept, DecisionMeta{})
				if errors.Is(err, errSuperseded) {
					continue
				}
				var verr *models.ValidationError
				if err != nil && !errors.As(err, &verr) {
					assert.NoError(t, err)
				}
				return
			}
		}(i)
	}
	wg.Wait()

	live := 0
	for _, id := range ids {
		ent, err := st.GetEntity(ctx, id)
		require.NoError(t, err)
		if ent.IsLive() {
			live++
		}
	}
	assert.Equal(t, 1, live)
	assert.Empty(t, st.LiveKeyOwners())
}
