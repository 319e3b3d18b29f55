// Package review manages the human review queue. Verdicts are applied
// through the merge engine inside the merge's transaction, so an item is
// never resolved without its decision and gold label.
package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/store"
)

// Config holds queue health limits
type Config struct {
	MaxPending   int           `mapstructure:"max_pending"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	GrowthWindow int           `mapstructure:"growth_window"`
	DefaultLimit int           `mapstructure:"default_limit"`
}

func DefaultConfig() Config {
	return Config{
		MaxPending:   1000,
		MaxAge:       72 * time.Hour,
		GrowthWindow: 6,
		DefaultLimit: 100,
	}
}

// Decider applies decisions and reversals. *merging.Engine implements it.
type Decider interface {
	ApplyDecision(ctx context.Context, cand models.Candidate, decision models.Decision, meta merging.DecisionMeta) (models.MergeRecord, error)
	Reverse(ctx context.Context, mergeRecordID string, meta merging.ReverseMeta) (models.MergeRecord, error)
}

type Manager struct {
	store   store.Store
	decider Decider
	config  Config
	logger  ectologger.Logger
	now     func() time.Time

	mu      sync.Mutex
	history []int
}

func NewManager(s store.Store, decider Decider, config Config, logger ectologger.Logger) *Manager {
	return &Manager{
		store:   s,
		decider: decider,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// EnqueueOptions carries the optional fields of a review item
type EnqueueOptions struct {
	Blind         bool
	MergeRecordID *string
}

// Enqueue adds a pending item for a candidate
func (m *Manager) Enqueue(ctx context.Context, cand models.Candidate, confidence, priority float64, reason models.ReviewReason, opts ...EnqueueOptions) (models.ReviewItem, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Manager.Enqueue")
	defer span.End()

	var opt EnqueueOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	if cand.Kind == models.CandidateEntityMatch && cand.RelationshipType == "" {
		cand.RelationshipType = models.SameAs
	}

	item := models.ReviewItem{
		ID:            uuid.NewString(),
		Candidate:     cand,
		Confidence:    confidence,
		Priority:      priority,
		Reason:        reason,
		Blind:         opt.Blind,
		MergeRecordID: opt.MergeRecordID,
		Status:        models.ReviewPending,
		EnqueuedAt:    m.now().UTC().Truncate(time.Microsecond),
	}
	if err := m.store.InsertReviewItem(ctx, item); err != nil {
		return models.ReviewItem{}, err
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"review_item_id":    item.ID,
		"reason":            reason,
		"relationship_type": cand.RelationshipType,
		"confidence":        confidence,
	}).Debug("Enqueued review item")
	return item, nil
}

// List returns items in review order. Blind items have their confidence
// and model output removed.
func (m *Manager) List(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewItem, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Manager.List")
	defer span.End()

	if filter.Limit <= 0 {
		filter.Limit = m.config.DefaultLimit
	}
	items, err := m.store.ListReviewItems(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Blind {
			items[i] = blinded(items[i])
		}
	}
	return items, nil
}

// Get returns one item, blinded when needed
func (m *Manager) Get(ctx context.Context, id string) (models.ReviewItem, error) {
	item, err := m.store.GetReviewItem(ctx, id)
	if err != nil {
		return models.ReviewItem{}, err
	}
	if item.Blind {
		return blinded(item), nil
	}
	return item, nil
}

func blinded(item models.ReviewItem) models.ReviewItem {
	item.Confidence = 0
	item.Candidate.Features = nil
	item.Candidate.ModelVersion = ""
	item.Candidate.Tier = models.TierNone
	return item
}

// RecordVerdict resolves a pending item. The human decision, the gold label
// and the item's resolution commit together or not at all.
func (m *Manager) RecordVerdict(ctx context.Context, itemID string, verdict models.Verdict, reviewerID string) (models.MergeRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Manager.RecordVerdict")
	defer span.End()

	if !verdict.Valid() {
		return models.MergeRecord{}, models.NewValidationError("verdict", fmt.Sprintf("unknown verdict %q", verdict))
	}
	if reviewerID == "" {
		return models.MergeRecord{}, models.NewValidationError("reviewer_id", "required")
	}

	item, err := m.store.GetReviewItem(ctx, itemID)
	if err != nil {
		return models.MergeRecord{}, err
	}
	if item.Status != models.ReviewPending {
		return models.MergeRecord{}, fmt.Errorf("review item %s: %w", itemID, models.ErrAlreadyResolved)
	}

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"review_item_id": item.ID,
		"reason":         item.Reason,
		"verdict":        verdict,
		"reviewer_id":    reviewerID,
	})

	resolve := func(ctx context.Context, rec models.MergeRecord) error {
		at := m.now().UTC().Truncate(time.Microsecond)
		if err := m.store.ResolveReviewItem(ctx, item.ID, verdict, reviewerID, at); err != nil {
			return err
		}
		return m.store.InsertGoldLabel(ctx, m.goldLabel(item, verdict, reviewerID, rec, at))
	}

	var rec models.MergeRecord
	if item.Reason == models.ReasonAudit && item.MergeRecordID != nil {
		rec, err = m.recordAuditVerdict(ctx, item, verdict, reviewerID, resolve)
	} else {
		cand, decision := verdictDecision(item, verdict)
		rec, err = m.decider.ApplyDecision(ctx, cand, decision, merging.DecisionMeta{
			Source:       models.DecisionSourceHuman,
			ReviewerID:   &reviewerID,
			Confidence:   item.Confidence,
			ModelVersion: item.Candidate.ModelVersion,
			InTx:         resolve,
		})
	}
	if err != nil {
		if current, getErr := m.store.GetReviewItem(ctx, item.ID); getErr == nil && current.Status != models.ReviewPending {
			return models.MergeRecord{}, fmt.Errorf("review item %s: %w", item.ID, models.ErrAlreadyResolved)
		}
		log.WithError(err).Warn("Failed to record verdict")
		return models.MergeRecord{}, err
	}

	metrics.Verdicts.WithLabelValues(string(item.Reason), string(verdict)).Inc()
	log.WithFields(map[string]any{"merge_record_id": rec.ID, "kind": rec.Kind}).Info("Recorded verdict")
	return rec, nil
}

// verdictDecision maps a verdict to the decision applied to the candidate.
// A rejected conflict leaves the record unresolved since its keys are held
// by the conflicting entities.
func verdictDecision(item models.ReviewItem, verdict models.Verdict) (models.Candidate, models.Decision) {
	cand := item.Candidate
	if verdict == models.VerdictNoMatch && item.Reason == models.ReasonMatchConflict {
		cand.Record = nil
	}
	return cand, verdict.Decision()
}

// recordAuditVerdict confirms an audited merge, or reverses it on no_match
func (m *Manager) recordAuditVerdict(ctx context.Context, item models.ReviewItem, verdict models.Verdict, reviewerID string, resolve func(context.Context, models.MergeRecord) error) (models.MergeRecord, error) {
	audited, err := m.store.GetMergeRecord(ctx, *item.MergeRecordID)
	if err != nil {
		return models.MergeRecord{}, err
	}

	if verdict == models.VerdictMatch || audited.Reversed() {
		err := m.store.WithinTx(ctx, func(ctx context.Context) error {
			return resolve(ctx, audited)
		})
		return audited, err
	}

	return m.decider.Reverse(ctx, audited.ID, merging.ReverseMeta{
		Source:     models.DecisionSourceHuman,
		ReviewerID: &reviewerID,
		Reason:     "audit verdict no_match",
		InTx:       resolve,
	})
}

func (m *Manager) goldLabel(item models.ReviewItem, verdict models.Verdict, reviewerID string, rec models.MergeRecord, at time.Time) models.GoldLabel {
	origin := models.LabelOriginReview
	if item.Reason == models.ReasonAudit {
		origin = models.LabelOriginAudit
	}
	relType := item.Candidate.RelationshipType
	if relType == "" {
		relType = models.SameAs
	}
	var sourceID string
	if item.Candidate.Record != nil {
		sourceID = item.Candidate.Record.SourceID
	}
	return models.GoldLabel{
		ID:               uuid.NewString(),
		ReviewItemID:     &item.ID,
		RelationshipType: relType,
		SourceID:         sourceID,
		Confidence:       item.Confidence,
		Verdict:          verdict,
		Origin:           origin,
		ModelVersion:     item.Candidate.ModelVersion,
		ReviewerID:       &reviewerID,
		CreatedAt:        at,
	}
}

// QueueHealth reports whether the queue suggests scorer underperformance
type QueueHealth struct {
	Pending    int           `json:"pending"`
	OldestAge  time.Duration `json:"oldest_age"`
	Growth     int           `json:"growth"`
	Degraded   bool          `json:"degraded"`
	Reasons    []string      `json:"reasons,omitempty"`
	ObservedAt time.Time     `json:"observed_at"`
}

// Health observes the queue and updates the queue gauges. Each call is
// one observation in the growth window.
func (m *Manager) Health(ctx context.Context) (QueueHealth, error) {
	ctx, span := tracing.StartSpan(ctx, "review.Manager.Health")
	defer span.End()

	stats, err := m.store.ReviewStats(ctx)
	if err != nil {
		return QueueHealth{}, err
	}
	now := m.now().UTC()
	h := QueueHealth{Pending: stats.Pending, ObservedAt: now}
	if stats.OldestEnqueuedAt != nil {
		h.OldestAge = now.Sub(*stats.OldestEnqueuedAt)
	}

	growing := m.observe(stats.Pending, &h)

	if m.config.MaxPending > 0 && h.Pending > m.config.MaxPending {
		h.Reasons = append(h.Reasons, fmt.Sprintf("pending %d exceeds %d", h.Pending, m.config.MaxPending))
	}
	if m.config.MaxAge > 0 && h.OldestAge > m.config.MaxAge {
		h.Reasons = append(h.Reasons, fmt.Sprintf("oldest item age %s exceeds %s", h.OldestAge.Round(time.Second), m.config.MaxAge))
	}
	if growing {
		h.Reasons = append(h.Reasons, fmt.Sprintf("queue grew on each of the last %d observations", m.config.GrowthWindow))
	}
	h.Degraded = len(h.Reasons) > 0

	metrics.ReviewQueuePending.Set(float64(h.Pending))
	metrics.ReviewQueueOldestAge.Set(h.OldestAge.Seconds())
	if h.Degraded {
		metrics.ReviewQueueDegraded.Set(1)
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"pending":    h.Pending,
			"oldest_age": h.OldestAge.String(),
			"reasons":    h.Reasons,
		}).Warn("Review queue degraded, scorer may be underperforming")
	} else {
		metrics.ReviewQueueDegraded.Set(0)
	}
	return h, nil
}

// observe appends a pending count and reports sustained growth
func (m *Manager) observe(pending int, h *QueueHealth) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := max(m.config.GrowthWindow, 1)
	m.history = append(m.history, pending)
	if len(m.history) > window+1 {
		m.history = m.history[len(m.history)-window-1:]
	}
	h.Growth = pending - m.history[0]
	if len(m.history) < window+1 {
		return false
	}
	for i := 1; i < len(m.history); i++ {
		if m.history[i] <= m.history[i-1] {
			return false
		}
	}
	return true
}

// IsConflict reports whether err means the item can no longer take a verdict
func IsConflict(err error) bool {
	return errors.Is(err, models.ErrAlreadyResolved)
}
