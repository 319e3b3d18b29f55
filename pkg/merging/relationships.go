package merging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

func statusFor(decision models.Decision, source models.DecisionSource) (models.ValidationStatus, error) {
	switch decision {
	case models.DecisionAccept:
		if source == models.DecisionSourceHuman {
			return models.StatusHumanValidated, nil
		}
		return models.StatusAutoAccepted, nil
	case models.DecisionReview:
		return models.StatusUnderReview, nil
	case models.DecisionReject:
		return models.StatusRejected, nil
	}
	return "", models.NewValidationError("decision", fmt.Sprintf("unknown decision %q", decision))
}

// applyRelationshipDecision appends a new relationship row. An existing head
// row for the same edge is superseded, never edited.
func (e *Engine) applyRelationshipDecision(ctx context.Context, cand models.Candidate, decision models.Decision, meta DecisionMeta) (models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.applyRelationshipDecision")
	defer span.End()

	if cand.FromEntityID == "" || cand.ToEntityID == "" || cand.RelationshipType == "" {
		return models.MergeRecord{}, models.NewValidationError("candidate", "relationship needs both endpoints and a type")
	}
	status, err := statusFor(decision, meta.Source)
	if err != nil {
		return models.MergeRecord{}, err
	}

	release, err := e.locker.Acquire(ctx, []string{entityLock(cand.FromEntityID), entityLock(cand.ToEntityID)})
	if err != nil {
		return models.MergeRecord{}, err
	}
	defer release()

	var mr models.MergeRecord
	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		current, err := e.store.CurrentRelationship(ctx, cand.FromEntityID, cand.ToEntityID, cand.RelationshipType)
		hasCurrent := err == nil
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}

		if !hasCurrent && status == models.StatusRejected {
			return e.rejectUnwritten(ctx, cand, meta, &mr)
		}
		if hasCurrent && current.Status != status && !models.CanTransition(current.Status, status) {
			return fmt.Errorf("%s -> %s on relationship %s: %w", current.Status, status, current.ID, models.ErrInvalidTransition)
		}

		now := e.timestamp()
		row := models.Relationship{
			ID:           uuid.NewString(),
			FromEntityID: cand.FromEntityID,
			ToEntityID:   cand.ToEntityID,
			Type:         cand.RelationshipType,
			Confidence:   meta.Confidence,
			Evidence:     append([]string(nil), cand.Evidence...),
			Status:       status,
			ModelVersion: meta.ModelVersion,
			CreatedAt:    now,
		}
		mr = e.newRecord(models.MergeKindRelationshipWrite, meta, now)
		mr.EntityIDs = []string{cand.FromEntityID, cand.ToEntityID}
		mr.RelationshipIDs = []string{row.ID}

		if hasCurrent {
			row.Supersedes = &current.ID
			mr.RelationshipIDs = append(mr.RelationshipIDs, current.ID)
			mr.Before = models.Snapshot{Relationships: []models.Relationship{current}}
		}
		if err := e.store.InsertRelationship(ctx, row); err != nil {
			return err
		}
		if hasCurrent {
			if err := e.store.SupersedeRelationship(ctx, current.ID, row.ID); err != nil {
				return err
			}
		}
		mr.After = models.Snapshot{Relationships: []models.Relationship{row}}
		return e.persist(ctx, mr, meta)
	})
	if err != nil {
		return models.MergeRecord{}, err
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"relationship_type": cand.RelationshipType,
		"from_entity_id":    cand.FromEntityID,
		"to_entity_id":      cand.ToEntityID,
		"status":            status,
		"merge_record_id":   mr.ID,
	}).Info("Wrote relationship")
	return mr, nil
}

// rejectUnwritten records the rejection of a relationship that was never
// written. Nothing is stored when rejections are not recorded.
func (e *Engine) rejectUnwritten(ctx context.Context, cand models.Candidate, meta DecisionMeta, out *models.MergeRecord) error {
	*out = e.newRecord(models.MergeKindRejection, meta, e.timestamp())
	out.EntityIDs = []string{cand.FromEntityID, cand.ToEntityID}
	if !e.config.RecordRejections {
		out.ID = ""
		if meta.InTx != nil {
			return meta.InTx(ctx, *out)
		}
		return nil
	}
	return e.persist(ctx, *out, meta)
}
