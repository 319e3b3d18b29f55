// Package memory is an in-process implementation of store.Store. Writes are
// serialized; WithinTx rolls back by restoring a snapshot of the state.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/store"
)

type txKey struct{}

type state struct {
	rawFacts      map[string]models.RawFact
	rawByHash     map[string]string
	facts         map[string]models.StructuredFact
	factsByRaw    map[string][]string
	entities      map[string]models.Entity
	keyIndex      map[models.DeterministicKey]string
	relationships map[string]models.Relationship
	relOrder      []string
	mergeRecords  map[string]models.MergeRecord
	mergeOrder    []string
	reversals     map[string]string
	reviewItems   map[string]models.ReviewItem
	goldLabels    []models.GoldLabel
	reliability   map[string]models.SourceReliabilityRecord
}

func newState() *state {
	return &state{
		rawFacts:      map[string]models.RawFact{},
		rawByHash:     map[string]string{},
		facts:         map[string]models.StructuredFact{},
		factsByRaw:    map[string][]string{},
		entities:      map[string]models.Entity{},
		keyIndex:      map[models.DeterministicKey]string{},
		relationships: map[string]models.Relationship{},
		mergeRecords:  map[string]models.MergeRecord{},
		reversals:     map[string]string{},
		reviewItems:   map[string]models.ReviewItem{},
		reliability:   map[string]models.SourceReliabilityRecord{},
	}
}

// clone copies the containers. Stored values are never mutated in place, so
// sharing them between snapshots is safe.
func (s *state) clone() *state {
	out := &state{
		rawFacts:      cloneMap(s.rawFacts),
		rawByHash:     cloneMap(s.rawByHash),
		facts:         cloneMap(s.facts),
		factsByRaw:    make(map[string][]string, len(s.factsByRaw)),
		entities:      cloneMap(s.entities),
		keyIndex:      cloneMap(s.keyIndex),
		relationships: cloneMap(s.relationships),
		relOrder:      slices.Clone(s.relOrder),
		mergeRecords:  cloneMap(s.mergeRecords),
		mergeOrder:    slices.Clone(s.mergeOrder),
		reversals:     cloneMap(s.reversals),
		reviewItems:   cloneMap(s.reviewItems),
		goldLabels:    slices.Clone(s.goldLabels),
		reliability:   cloneMap(s.reliability),
	}
	for k, v := range s.factsByRaw {
		out.factsByRaw[k] = slices.Clone(v)
	}
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store is safe for concurrent use
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.st.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	if !inTx(ctx) {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) read(fn func(st *state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, models.ErrNotFound)
}

// RawFacts

func (s *Store) InsertRawFact(ctx context.Context, fact models.RawFact) (bool, error) {
	inserted := false
	err := s.write(ctx, func(st *state) error {
		if _, ok := st.rawByHash[fact.ContentHash]; ok {
			return nil
		}
		fact.Payload = slices.Clone(fact.Payload)
		st.rawFacts[fact.ID] = fact
		st.rawByHash[fact.ContentHash] = fact.ID
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *Store) GetRawFact(_ context.Context, id string) (models.RawFact, error) {
	var out models.RawFact
	err := s.read(func(st *state) error {
		f, ok := st.rawFacts[id]
		if !ok {
			return notFound("raw fact", id)
		}
		out = f
		out.Payload = slices.Clone(f.Payload)
		return nil
	})
	return out, err
}

func (s *Store) GetRawFactByHash(ctx context.Context, hash string) (models.RawFact, error) {
	var id string
	err := s.read(func(st *state) error {
		var ok bool
		if id, ok = st.rawByHash[hash]; !ok {
			return notFound("raw fact with hash", hash)
		}
		return nil
	})
	if err != nil {
		return models.RawFact{}, err
	}
	return s.GetRawFact(ctx, id)
}

// StructuredFacts

func (s *Store) InsertStructuredFacts(ctx context.Context, facts []models.StructuredFact) error {
	return s.write(ctx, func(st *state) error {
		for _, f := range facts {
			if _, ok := st.facts[f.ID]; ok {
				return fmt.Errorf("structured fact %s already exists", f.ID)
			}
			for _, existingID := range st.factsByRaw[f.RawFactID] {
				e := st.facts[existingID]
				if e.ExtractorVersion == f.ExtractorVersion && e.FactType == f.FactType && e.Ordinal == f.Ordinal {
					return fmt.Errorf("structured fact for raw fact %s version %s already extracted", f.RawFactID, f.ExtractorVersion)
				}
			}
		}
		for _, f := range facts {
			st.facts[f.ID] = cloneFact(f)
			st.factsByRaw[f.RawFactID] = append(st.factsByRaw[f.RawFactID], f.ID)
		}
		return nil
	})
}

func cloneFact(f models.StructuredFact) models.StructuredFact {
	out := f
	out.Fields = cloneMap(f.Fields)
	out.Relations = slices.Clone(f.Relations)
	return out
}

func (s *Store) GetStructuredFact(_ context.Context, id string) (models.StructuredFact, error) {
	var out models.StructuredFact
	err := s.read(func(st *state) error {
		f, ok := st.facts[id]
		if !ok {
			return notFound("structured fact", id)
		}
		out = cloneFact(f)
		return nil
	})
	return out, err
}

func (s *Store) ListStructuredFacts(_ context.Context, rawFactID string) ([]models.StructuredFact, error) {
	var out []models.StructuredFact
	err := s.read(func(st *state) error {
		for _, id := range st.factsByRaw[rawFactID] {
			out = append(out, cloneFact(st.facts[id]))
		}
		return nil
	})
	return out, err
}

func (s *Store) MarkStructuredFactResolved(ctx context.Context, id string, at time.Time) error {
	return s.write(ctx, func(st *state) error {
		f, ok := st.facts[id]
		if !ok {
			return notFound("structured fact", id)
		}
		f = cloneFact(f)
		f.ResolvedAt = &at
		st.facts[id] = f
		return nil
	})
}

// Entities

func (s *Store) GetEntity(_ context.Context, id string) (models.Entity, error) {
	var out models.Entity
	err := s.read(func(st *state) error {
		e, ok := st.entities[id]
		if !ok {
			return notFound("entity", id)
		}
		out = e.Clone()
		return nil
	})
	return out, err
}

func (s *Store) GetEntities(_ context.Context, ids []string) ([]models.Entity, error) {
	out := make([]models.Entity, 0, len(ids))
	err := s.read(func(st *state) error {
		for _, id := range ids {
			e, ok := st.entities[id]
			if !ok {
				return notFound("entity", id)
			}
			out = append(out, e.Clone())
		}
		return nil
	})
	return out, err
}

func (s *Store) PutEntities(ctx context.Context, entities ...models.Entity) error {
	return s.write(ctx, func(st *state) error {
		putIDs := make(map[string]bool, len(entities))
		for _, e := range entities {
			putIDs[e.ID] = true
		}

		claimed := map[models.DeterministicKey]string{}
		for _, e := range entities {
			if !e.IsLive() {
				continue
			}
			for _, k := range e.Keys {
				if other, ok := claimed[k]; ok && other != e.ID {
					return &models.MatchConflictError{EntityIDs: []string{other, e.ID}, Keys: []models.DeterministicKey{k}}
				}
				claimed[k] = e.ID
				if owner, ok := st.keyIndex[k]; ok && owner != e.ID && !putIDs[owner] {
					return &models.MatchConflictError{EntityIDs: []string{owner, e.ID}, Keys: []models.DeterministicKey{k}}
				}
			}
		}

		for k, owner := range st.keyIndex {
			if putIDs[owner] {
				delete(st.keyIndex, k)
			}
		}
		for _, e := range entities {
			st.entities[e.ID] = e.Clone()
			if e.IsLive() {
				for _, k := range e.Keys {
					st.keyIndex[k] = e.ID
				}
			}
		}
		return nil
	})
}

func (s *Store) LookupKeys(_ context.Context, keys []models.DeterministicKey) (map[models.DeterministicKey]string, error) {
	out := make(map[models.DeterministicKey]string, len(keys))
	err := s.read(func(st *state) error {
		for _, k := range keys {
			if id, ok := st.keyIndex[k]; ok {
				out[k] = id
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) FindCandidates(_ context.Context, entityType models.EntityType, nameTokens []string, limit int) ([]models.Entity, error) {
	type scored struct {
		entity  models.Entity
		overlap int
	}
	want := make(map[string]bool, len(nameTokens))
	for _, t := range nameTokens {
		want[t] = true
	}

	var hits []scored
	err := s.read(func(st *state) error {
		for _, e := range st.entities {
			if !e.IsLive() || e.Type != entityType {
				continue
			}
			overlap := 0
			for _, t := range normalizers.NameTokens(e.DisplayName) {
				if want[t] {
					overlap++
				}
			}
			if overlap > 0 {
				hits = append(hits, scored{entity: e.Clone(), overlap: overlap})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].overlap != hits[j].overlap {
			return hits[i].overlap > hits[j].overlap
		}
		return hits[i].entity.ID < hits[j].entity.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]models.Entity, len(hits))
	for i, h := range hits {
		out[i] = h.entity
	}
	return out, nil
}

// Relationships

func (s *Store) InsertRelationship(ctx context.Context, rel models.Relationship) error {
	return s.write(ctx, func(st *state) error {
		if _, ok := st.relationships[rel.ID]; ok {
			return fmt.Errorf("relationship %s already exists", rel.ID)
		}
		st.relationships[rel.ID] = rel.Clone()
		st.relOrder = append(st.relOrder, rel.ID)
		return nil
	})
}

func (s *Store) GetRelationship(_ context.Context, id string) (models.Relationship, error) {
	var out models.Relationship
	err := s.read(func(st *state) error {
		r, ok := st.relationships[id]
		if !ok {
			return notFound("relationship", id)
		}
		out = r.Clone()
		return nil
	})
	return out, err
}

func (s *Store) SupersedeRelationship(ctx context.Context, id, supersededBy string) error {
	return s.write(ctx, func(st *state) error {
		r, ok := st.relationships[id]
		if !ok {
			return notFound("relationship", id)
		}
		if r.SupersededBy != nil {
			return fmt.Errorf("relationship %s already superseded by %s", id, *r.SupersededBy)
		}
		r = r.Clone()
		r.SupersededBy = &supersededBy
		st.relationships[id] = r
		return nil
	})
}

func (s *Store) CurrentRelationship(_ context.Context, from, to, relType string) (models.Relationship, error) {
	var out models.Relationship
	err := s.read(func(st *state) error {
		for i := len(st.relOrder) - 1; i >= 0; i-- {
			r := st.relationships[st.relOrder[i]]
			if r.FromEntityID == from && r.ToEntityID == to && r.Type == relType && r.IsCurrent() {
				out = r.Clone()
				return nil
			}
		}
		return notFound("relationship", from+"-"+relType+"->"+to)
	})
	return out, err
}

func (s *Store) ListRelationships(_ context.Context, filter models.RelationshipFilter) ([]models.Relationship, error) {
	var out []models.Relationship
	err := s.read(func(st *state) error {
		for _, id := range st.relOrder {
			r := st.relationships[id]
			if !filter.IncludeHistory && !r.IsCurrent() {
				continue
			}
			if filter.EntityID != "" && r.FromEntityID != filter.EntityID && r.ToEntityID != filter.EntityID {
				continue
			}
			if filter.Type != "" && r.Type != filter.Type {
				continue
			}
			if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, r.Status) {
				continue
			}
			if r.Confidence < filter.MinConfidence {
				continue
			}
			out = append(out, r.Clone())
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// MergeRecords

func (s *Store) InsertMergeRecord(ctx context.Context, rec models.MergeRecord) error {
	return s.write(ctx, func(st *state) error {
		if _, ok := st.mergeRecords[rec.ID]; ok {
			return fmt.Errorf("merge record %s already exists", rec.ID)
		}
		if rec.Reverses != nil {
			if _, ok := st.reversals[*rec.Reverses]; ok {
				return fmt.Errorf("merge record %s: %w", *rec.Reverses, models.ErrAlreadyReversed)
			}
			st.reversals[*rec.Reverses] = rec.ID
		}
		rec.ReversedBy, rec.ReversedAt = nil, nil
		st.mergeRecords[rec.ID] = cloneRecord(rec)
		st.mergeOrder = append(st.mergeOrder, rec.ID)
		return nil
	})
}

func cloneRecord(rec models.MergeRecord) models.MergeRecord {
	out := rec
	out.EntityIDs = slices.Clone(rec.EntityIDs)
	out.RelationshipIDs = slices.Clone(rec.RelationshipIDs)
	out.Before = cloneSnapshot(rec.Before)
	out.After = cloneSnapshot(rec.After)
	return out
}

func cloneSnapshot(s models.Snapshot) models.Snapshot {
	out := models.Snapshot{}
	for _, e := range s.Entities {
		out.Entities = append(out.Entities, e.Clone())
	}
	for _, r := range s.Relationships {
		out.Relationships = append(out.Relationships, r.Clone())
	}
	return out
}

func (st *state) withReversal(rec models.MergeRecord) models.MergeRecord {
	out := cloneRecord(rec)
	if revID, ok := st.reversals[rec.ID]; ok {
		rev := st.mergeRecords[revID]
		at := rev.CreatedAt
		out.ReversedBy = &revID
		out.ReversedAt = &at
	}
	return out
}

func (s *Store) GetMergeRecord(_ context.Context, id string) (models.MergeRecord, error) {
	var out models.MergeRecord
	err := s.read(func(st *state) error {
		rec, ok := st.mergeRecords[id]
		if !ok {
			return notFound("merge record", id)
		}
		out = st.withReversal(rec)
		return nil
	})
	return out, err
}

func (s *Store) ListMergeRecordsByEntity(_ context.Context, entityID string) ([]models.MergeRecord, error) {
	var out []models.MergeRecord
	err := s.read(func(st *state) error {
		for _, id := range st.mergeOrder {
			rec := st.mergeRecords[id]
			if slices.Contains(rec.EntityIDs, entityID) {
				out = append(out, st.withReversal(rec))
			}
		}
		return nil
	})
	return out, err
}

// ReviewItems

func (s *Store) InsertReviewItem(ctx context.Context, item models.ReviewItem) error {
	return s.write(ctx, func(st *state) error {
		if _, ok := st.reviewItems[item.ID]; ok {
			return fmt.Errorf("review item %s already exists", item.ID)
		}
		st.reviewItems[item.ID] = item
		return nil
	})
}

func (s *Store) GetReviewItem(_ context.Context, id string) (models.ReviewItem, error) {
	var out models.ReviewItem
	err := s.read(func(st *state) error {
		item, ok := st.reviewItems[id]
		if !ok {
			return notFound("review item", id)
		}
		out = item
		return nil
	})
	return out, err
}

func (s *Store) ResolveReviewItem(ctx context.Context, id string, verdict models.Verdict, reviewerID string, at time.Time) error {
	return s.write(ctx, func(st *state) error {
		item, ok := st.reviewItems[id]
		if !ok {
			return notFound("review item", id)
		}
		if item.Status != models.ReviewPending {
			return fmt.Errorf("review item %s: %w", id, models.ErrAlreadyResolved)
		}
		item.Status = models.ReviewResolved
		item.Verdict = &verdict
		item.ReviewerID = &reviewerID
		item.ResolvedAt = &at
		st.reviewItems[id] = item
		return nil
	})
}

func (s *Store) ListReviewItems(_ context.Context, filter models.ReviewFilter) ([]models.ReviewItem, error) {
	var out []models.ReviewItem
	err := s.read(func(st *state) error {
		for _, item := range st.reviewItems {
			if filter.Status != "" && item.Status != filter.Status {
				continue
			}
			if filter.Reason != "" && item.Reason != filter.Reason {
				continue
			}
			if filter.RelationshipType != "" && item.Candidate.RelationshipType != filter.RelationshipType {
				continue
			}
			if filter.EntityID != "" && !item.Touches(filter.EntityID) {
				continue
			}
			out = append(out, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Confidence != b.Confidence {
			return a.Confidence < b.Confidence
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ReviewStats(_ context.Context) (store.QueueStats, error) {
	var stats store.QueueStats
	err := s.read(func(st *state) error {
		for _, item := range st.reviewItems {
			if item.Status != models.ReviewPending {
				continue
			}
			stats.Pending++
			if stats.OldestEnqueuedAt == nil || item.EnqueuedAt.Before(*stats.OldestEnqueuedAt) {
				at := item.EnqueuedAt
				stats.OldestEnqueuedAt = &at
			}
		}
		return nil
	})
	return stats, err
}

// GoldLabels

func (s *Store) InsertGoldLabel(ctx context.Context, label models.GoldLabel) error {
	return s.write(ctx, func(st *state) error {
		st.goldLabels = append(st.goldLabels, label)
		return nil
	})
}

func (s *Store) ListGoldLabels(_ context.Context, filter store.GoldLabelFilter) ([]models.GoldLabel, error) {
	var out []models.GoldLabel
	err := s.read(func(st *state) error {
		for _, l := range st.goldLabels {
			if filter.RelationshipType != "" && l.RelationshipType != filter.RelationshipType {
				continue
			}
			if filter.SourceID != "" && l.SourceID != filter.SourceID {
				continue
			}
			if !filter.Since.IsZero() && l.CreatedAt.Before(filter.Since) {
				continue
			}
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

// SourceReliability

func (s *Store) UpsertSourceReliability(ctx context.Context, rec models.SourceReliabilityRecord) error {
	return s.write(ctx, func(st *state) error {
		st.reliability[rec.SourceID] = rec
		return nil
	})
}

func (s *Store) GetSourceReliability(_ context.Context, sourceID string) (models.SourceReliabilityRecord, error) {
	var out models.SourceReliabilityRecord
	err := s.read(func(st *state) error {
		rec, ok := st.reliability[sourceID]
		if !ok {
			return notFound("source reliability", sourceID)
		}
		out = rec
		return nil
	})
	return out, err
}

func (s *Store) ListSourceReliability(_ context.Context) ([]models.SourceReliabilityRecord, error) {
	var out []models.SourceReliabilityRecord
	err := s.read(func(st *state) error {
		for _, rec := range st.reliability {
			out = append(out, rec)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, err
}

// LiveKeyOwners returns every key held by more than one live entity. It is
// empty whenever the key uniqueness invariant holds.
func (s *Store) LiveKeyOwners() map[models.DeterministicKey][]string {
	owners := map[models.DeterministicKey][]string{}
	_ = s.read(func(st *state) error {
		for _, e := range st.entities {
			if !e.IsLive() {
				continue
			}
			for _, k := range e.Keys {
				owners[k] = append(owners[k], e.ID)
			}
		}
		return nil
	})
	for k, ids := range owners {
		if len(ids) < 2 {
			delete(owners, k)
		}
	}
	return owners
}
