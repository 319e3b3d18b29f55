// Package merging applies resolution decisions to entities and relationships.
// Every decision writes one append-only MergeRecord with full before and
// after snapshots, and every merge can be undone by Reverse.
package merging

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/keys"
	"github.com/Ramsey-B/fern/pkg/locks"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/store"
)

const maxResolveAttempts = 3

// errSuperseded signals that a participant was merged away after it was read
var errSuperseded = errors.New("entity superseded while acquiring locks")

type Config struct {
	RecordRejections bool `mapstructure:"record_rejections"`
}

func DefaultConfig() Config {
	return Config{RecordRejections: true}
}

// DecisionMeta describes who decided and how. InTx, when set, runs inside
// the decision's transaction after the MergeRecord is written, so callers
// can make their own writes atomic with the merge.
type DecisionMeta struct {
	Source       models.DecisionSource
	ReviewerID   *string
	Confidence   float64
	ModelVersion string
	InTx         func(ctx context.Context, rec models.MergeRecord) error
}

// Observer is told about every committed MergeRecord
type Observer interface {
	MergeApplied(ctx context.Context, rec models.MergeRecord)
}

type Engine struct {
	store     store.Store
	locker    locks.KeyedLocker
	keys      *keys.Normalizer
	config    Config
	logger    ectologger.Logger
	observers []Observer
	now       func() time.Time
}

func NewEngine(s store.Store, locker locks.KeyedLocker, normalizer *keys.Normalizer, config Config, logger ectologger.Logger) *Engine {
	return &Engine{
		store:  s,
		locker: locker,
		keys:   normalizer,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Observe registers observers called after each commit
func (e *Engine) Observe(observers ...Observer) {
	e.observers = append(e.observers, observers...)
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

func entityLock(id string) string            { return "entity:" + id }
func keyLock(k models.DeterministicKey) string { return "key:" + k.String() }

// ApplyDecision persists a decision on a candidate
func (e *Engine) ApplyDecision(ctx context.Context, cand models.Candidate, decision models.Decision, meta DecisionMeta) (models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.ApplyDecision")
	defer span.End()

	if meta.Source == "" {
		meta.Source = models.DecisionSourceAuto
	}

	var (
		rec models.MergeRecord
		err error
	)
	switch cand.Kind {
	case models.CandidateEntityMatch:
		rec, err = e.applyEntityDecision(ctx, cand, decision, meta)
	case models.CandidateRelationship:
		rec, err = e.applyRelationshipDecision(ctx, cand, decision, meta)
	default:
		err = models.NewValidationError("kind", fmt.Sprintf("unknown candidate kind %q", cand.Kind))
	}
	if err != nil {
		return models.MergeRecord{}, err
	}

	e.committed(ctx, rec)
	return rec, nil
}

func (e *Engine) applyEntityDecision(ctx context.Context, cand models.Candidate, decision models.Decision, meta DecisionMeta) (models.MergeRecord, error) {
	switch decision {
	case models.DecisionAccept:
		if len(cand.EntityIDs) == 0 {
			if cand.Record == nil {
				return models.MergeRecord{}, models.NewValidationError("candidate", "accept needs entities or a record")
			}
			return e.createEntity(ctx, *cand.Record, meta)
		}
		return e.mergeEntities(ctx, cand, meta)
	case models.DecisionReject:
		if cand.Record != nil {
			return e.createEntity(ctx, *cand.Record, meta)
		}
		return e.reject(ctx, cand, meta)
	default:
		return models.MergeRecord{}, models.NewValidationError("decision", "entity matches are only accepted or rejected")
	}
}

func (e *Engine) createEntity(ctx context.Context, rec models.Record, meta DecisionMeta) (models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.createEntity")
	defer span.End()

	if !rec.EntityType.Valid() {
		return models.MergeRecord{}, models.NewValidationError("entity_type", fmt.Sprintf("unknown entity type %q", rec.EntityType))
	}
	recordKeys := e.keys.Normalize(rec)

	lockKeys := make([]string, 0, len(recordKeys))
	for _, k := range recordKeys {
		lockKeys = append(lockKeys, keyLock(k))
	}
	release, err := e.locker.Acquire(ctx, lockKeys)
	if err != nil {
		return models.MergeRecord{}, err
	}
	defer release()

	now := e.timestamp()
	entity := models.Entity{
		ID:          uuid.NewString(),
		Type:        rec.EntityType,
		DisplayName: displayName(rec, recordKeys),
		Keys:        recordKeys,
		Confidence:  meta.Confidence,
		Status:      models.EntityStatusLive,
		FactIDs:     factIDs(nil, rec.FactID),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	mr := e.newRecord(models.MergeKindEntityCreate, meta, now)
	mr.EntityIDs = []string{entity.ID}
	mr.After = models.Snapshot{Entities: []models.Entity{entity}}

	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		owners, err := e.store.LookupKeys(ctx, recordKeys)
		if err != nil {
			return err
		}
		if len(owners) > 0 {
			return conflictFromOwners(owners, entity.ID)
		}
		if err := e.store.PutEntities(ctx, entity); err != nil {
			return err
		}
		return e.persist(ctx, mr, meta)
	})
	if err != nil {
		return models.MergeRecord{}, err
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id":       entity.ID,
		"merge_record_id": mr.ID,
		"keys":            len(recordKeys),
	}).Info("Created entity")
	return mr, nil
}

func (e *Engine) mergeEntities(ctx context.Context, cand models.Candidate, meta DecisionMeta) (models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.mergeEntities")
	defer span.End()

	var recordKeys []models.DeterministicKey
	if cand.Record != nil {
		recordKeys = e.keys.Normalize(*cand.Record)
	}

	for attempt := 1; ; attempt++ {
		ids, err := e.liveIDs(ctx, cand.EntityIDs)
		if err != nil {
			return models.MergeRecord{}, err
		}
		if len(ids) == 1 && cand.Record == nil {
			return models.MergeRecord{}, models.NewValidationError("entity_ids", "merge needs two entities or a record")
		}

		rec, err := e.mergeLocked(ctx, ids, cand.Record, recordKeys, meta)
		if errors.Is(err, errSuperseded) && attempt < maxResolveAttempts {
			continue
		}
		return rec, err
	}
}

func (e *Engine) mergeLocked(ctx context.Context, ids []string, record *models.Record, recordKeys []models.DeterministicKey, meta DecisionMeta) (models.MergeRecord, error) {
	lockKeys := make([]string, 0, len(ids)+len(recordKeys))
	for _, id := range ids {
		lockKeys = append(lockKeys, entityLock(id))
	}
	for _, k := range recordKeys {
		lockKeys = append(lockKeys, keyLock(k))
	}
	release, err := e.locker.Acquire(ctx, lockKeys)
	if err != nil {
		return models.MergeRecord{}, err
	}
	defer release()

	var mr models.MergeRecord
	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		before, err := e.store.GetEntities(ctx, ids)
		if err != nil {
			return err
		}
		for _, ent := range before {
			if !ent.IsLive() {
				return errSuperseded
			}
		}

		owners, err := e.store.LookupKeys(ctx, recordKeys)
		if err != nil {
			return err
		}
		for k, owner := range owners {
			if !slices.Contains(ids, owner) {
				return &models.MatchConflictError{EntityIDs: append(slices.Clone(ids), owner), Keys: []models.DeterministicKey{k}}
			}
		}

		now := e.timestamp()
		after := mergeSnapshot(before, record, recordKeys, meta.Confidence, now)

		if err := e.store.PutEntities(ctx, after...); err != nil {
			return err
		}

		mr = e.newRecord(models.MergeKindEntityMerge, meta, now)
		for _, ent := range after {
			mr.EntityIDs = append(mr.EntityIDs, ent.ID)
		}
		mr.Before = models.Snapshot{Entities: before}
		mr.After = models.Snapshot{Entities: after}
		return e.persist(ctx, mr, meta)
	})
	if err != nil {
		return models.MergeRecord{}, err
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"survivor_id":     mr.EntityIDs[0],
		"entity_ids":      mr.EntityIDs,
		"merge_record_id": mr.ID,
		"source":          meta.Source,
	}).Info("Merged entities")
	return mr, nil
}

// mergeSnapshot returns the survivor first, followed by superseded losers
func mergeSnapshot(before []models.Entity, record *models.Record, recordKeys []models.DeterministicKey, confidence float64, now time.Time) []models.Entity {
	survivor := before[0]
	for _, ent := range before[1:] {
		if ent.MoreEstablished(survivor) {
			survivor = ent
		}
	}

	winner := survivor.Clone()
	var losers []models.Entity
	keySet := slices.Clone(winner.Keys)
	for _, ent := range before {
		if ent.ID == survivor.ID {
			continue
		}
		keySet = append(keySet, ent.Keys...)
		for _, f := range ent.FactIDs {
			winner.FactIDs = factIDs(winner.FactIDs, f)
		}

		loser := ent.Clone()
		loser.Status = models.EntityStatusSuperseded
		loser.SupersededBy = &survivor.ID
		loser.Version++
		loser.UpdatedAt = now
		losers = append(losers, loser)
	}
	keySet = append(keySet, recordKeys...)
	if record != nil {
		winner.FactIDs = factIDs(winner.FactIDs, record.FactID)
		if winner.DisplayName == "" {
			winner.DisplayName = record.Field(models.FieldName)
		}
	}

	winner.Keys = sortedKeys(keySet)
	winner.Confidence = max(winner.Confidence, confidence)
	winner.Version++
	winner.UpdatedAt = now

	sort.Slice(losers, func(i, j int) bool { return losers[i].ID < losers[j].ID })
	return append([]models.Entity{winner}, losers...)
}

func (e *Engine) reject(ctx context.Context, cand models.Candidate, meta DecisionMeta) (models.MergeRecord, error) {
	now := e.timestamp()
	mr := e.newRecord(models.MergeKindRejection, meta, now)
	mr.EntityIDs = slices.Clone(cand.EntityIDs)
	if cand.FromEntityID != "" {
		mr.EntityIDs = []string{cand.FromEntityID, cand.ToEntityID}
	}

	if !e.config.RecordRejections {
		mr.ID = ""
	}

	err := e.store.WithinTx(ctx, func(ctx context.Context) error {
		if mr.ID == "" {
			if meta.InTx != nil {
				return meta.InTx(ctx, mr)
			}
			return nil
		}
		return e.persist(ctx, mr, meta)
	})
	if err != nil {
		return models.MergeRecord{}, err
	}
	return mr, nil
}

// liveIDs maps every id to the live head of its supersession chain
func (e *Engine) liveIDs(ctx context.Context, ids []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		ent, err := e.store.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		for hops := 0; !ent.IsLive() && ent.SupersededBy != nil; hops++ {
			if hops > 64 {
				return nil, fmt.Errorf("supersession chain from %s does not end", id)
			}
			if ent, err = e.store.GetEntity(ctx, *ent.SupersededBy); err != nil {
				return nil, err
			}
		}
		if !seen[ent.ID] {
			seen[ent.ID] = true
			out = append(out, ent.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) newRecord(kind models.MergeKind, meta DecisionMeta, now time.Time) models.MergeRecord {
	return models.MergeRecord{
		ID:             uuid.NewString(),
		Kind:           kind,
		DecisionSource: meta.Source,
		ReviewerID:     meta.ReviewerID,
		Confidence:     meta.Confidence,
		ModelVersion:   meta.ModelVersion,
		CreatedAt:      now,
	}
}

func (e *Engine) persist(ctx context.Context, mr models.MergeRecord, meta DecisionMeta) error {
	if err := e.store.InsertMergeRecord(ctx, mr); err != nil {
		return err
	}
	if meta.InTx != nil {
		return meta.InTx(ctx, mr)
	}
	return nil
}

func (e *Engine) committed(ctx context.Context, rec models.MergeRecord) {
	if rec.ID == "" {
		return
	}
	metrics.MergeRecords.WithLabelValues(string(rec.Kind), string(rec.DecisionSource)).Inc()
	for _, o := range e.observers {
		o.MergeApplied(ctx, rec)
	}
}

func conflictFromOwners(owners map[models.DeterministicKey]string, newID string) error {
	conflict := &models.MatchConflictError{EntityIDs: []string{newID}}
	seen := map[string]bool{}
	for k, id := range owners {
		conflict.Keys = append(conflict.Keys, k)
		if !seen[id] {
			seen[id] = true
			conflict.EntityIDs = append(conflict.EntityIDs, id)
		}
	}
	sort.Slice(conflict.Keys, func(i, j int) bool { return conflict.Keys[i].Less(conflict.Keys[j]) })
	return conflict
}

func sortedKeys(ks []models.DeterministicKey) []models.DeterministicKey {
	out := slices.Clone(ks)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return slices.Compact(out)
}

func factIDs(existing []string, id string) []string {
	if id == "" || slices.Contains(existing, id) {
		return existing
	}
	return append(existing, id)
}

func displayName(rec models.Record, ks []models.DeterministicKey) string {
	if name := rec.Field(models.FieldName); name != "" {
		return name
	}
	if len(ks) > 0 {
		return ks[0].String()
	}
	return ""
}
