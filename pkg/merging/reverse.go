package merging

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

// ReverseMeta names who asked for a reversal. InTx runs inside the
// reversal's transaction after the reversal record is written.
type ReverseMeta struct {
	Source     models.DecisionSource
	ReviewerID *string
	Reason     string
	InTx       func(ctx context.Context, rec models.MergeRecord) error
}

// Reverse undoes a merge or relationship write by appending a reversal
// record. The original record is never modified.
func (e *Engine) Reverse(ctx context.Context, mergeRecordID string, meta ReverseMeta) (models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.Reverse")
	defer span.End()

	if meta.Source == "" {
		meta.Source = models.DecisionSourceHuman
	}

	orig, err := e.store.GetMergeRecord(ctx, mergeRecordID)
	if err != nil {
		return models.MergeRecord{}, err
	}
	if orig.Reversed() {
		return models.MergeRecord{}, fmt.Errorf("merge record %s reversed by %s: %w", orig.ID, *orig.ReversedBy, models.ErrAlreadyReversed)
	}
	if !orig.Kind.Reversible() {
		return models.MergeRecord{}, fmt.Errorf("merge record %s is %s: %w", orig.ID, orig.Kind, models.ErrNotReversible)
	}

	lockKeys := make([]string, 0, len(orig.EntityIDs))
	for _, id := range orig.EntityIDs {
		lockKeys = append(lockKeys, entityLock(id))
	}
	release, err := e.locker.Acquire(ctx, lockKeys)
	if err != nil {
		return models.MergeRecord{}, err
	}
	defer release()

	now := e.timestamp()
	rev := models.MergeRecord{
		ID:             uuid.NewString(),
		Kind:           models.MergeKindReversal,
		EntityIDs:      slices.Clone(orig.EntityIDs),
		Before:         orig.After,
		After:          orig.Before,
		DecisionSource: meta.Source,
		ReviewerID:     meta.ReviewerID,
		Confidence:     orig.Confidence,
		ModelVersion:   orig.ModelVersion,
		Reverses:       &orig.ID,
		CreatedAt:      now,
	}

	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		// A reversal that won the lock first is visible now
		latest, err := e.store.GetMergeRecord(ctx, orig.ID)
		if err != nil {
			return err
		}
		if latest.Reversed() {
			return fmt.Errorf("merge record %s reversed by %s: %w", latest.ID, *latest.ReversedBy, models.ErrAlreadyReversed)
		}

		switch orig.Kind {
		case models.MergeKindEntityMerge:
			if err := e.restoreEntities(ctx, orig); err != nil {
				return err
			}
		case models.MergeKindRelationshipWrite:
			compensating, err := e.compensateRelationship(ctx, orig, now)
			if err != nil {
				return err
			}
			rev.RelationshipIDs = []string{compensating.ID, orig.After.Relationships[0].ID}
			rev.After = models.Snapshot{Relationships: []models.Relationship{compensating}}
		}
		if err := e.store.InsertMergeRecord(ctx, rev); err != nil {
			return err
		}
		if meta.InTx != nil {
			return meta.InTx(ctx, rev)
		}
		return nil
	})
	if err != nil {
		return models.MergeRecord{}, err
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"merge_record_id": orig.ID,
		"reversal_id":     rev.ID,
		"kind":            orig.Kind,
		"reason":          meta.Reason,
	}).Info("Reversed merge record")

	e.committed(ctx, rev)
	return rev, nil
}

// restoreEntities puts back the before snapshot once the current rows are
// confirmed to equal the after snapshot.
func (e *Engine) restoreEntities(ctx context.Context, orig models.MergeRecord) error {
	ids := make([]string, len(orig.After.Entities))
	for i, ent := range orig.After.Entities {
		ids[i] = ent.ID
	}
	current, err := e.store.GetEntities(ctx, ids)
	if err != nil {
		return err
	}
	for i, ent := range current {
		if !SameEntity(ent, orig.After.Entities[i]) {
			return fmt.Errorf("entity %s is at version %d, merge left version %d: %w",
				ent.ID, ent.Version, orig.After.Entities[i].Version, models.ErrStaleReversal)
		}
	}
	return e.store.PutEntities(ctx, orig.Before.Entities...)
}

// compensateRelationship supersedes the written row with a copy of the row
// it replaced, or with a rejected row when it replaced nothing.
func (e *Engine) compensateRelationship(ctx context.Context, orig models.MergeRecord, now time.Time) (models.Relationship, error) {
	if len(orig.After.Relationships) != 1 {
		return models.Relationship{}, fmt.Errorf("merge record %s has %d written relationships", orig.ID, len(orig.After.Relationships))
	}
	written := orig.After.Relationships[0]

	head, err := e.store.GetRelationship(ctx, written.ID)
	if err != nil {
		return models.Relationship{}, err
	}
	if !head.IsCurrent() {
		return models.Relationship{}, fmt.Errorf("relationship %s superseded by %s: %w", head.ID, *head.SupersededBy, models.ErrStaleReversal)
	}

	var restored models.Relationship
	if len(orig.Before.Relationships) == 1 {
		restored = orig.Before.Relationships[0].Clone()
	} else {
		restored = written.Clone()
		restored.Status = models.StatusRejected
	}
	restored.ID = uuid.NewString()
	restored.Supersedes = &written.ID
	restored.SupersededBy = nil
	restored.CreatedAt = now

	if err := e.store.InsertRelationship(ctx, restored); err != nil {
		return models.Relationship{}, err
	}
	if err := e.store.SupersedeRelationship(ctx, written.ID, restored.ID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Relationship{}, fmt.Errorf("relationship %s vanished: %w", written.ID, models.ErrStaleReversal)
		}
		return models.Relationship{}, err
	}
	return restored, nil
}
