package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/escalation"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/resolution"
	"github.com/Ramsey-B/fern/pkg/review"
	"github.com/Ramsey-B/fern/pkg/store"
)

// Reviewer id recorded on items resolved by re-escalation
const EscalationReviewer = "system:escalation"

// SectionStatus marks how far an analysis section got
type SectionStatus string

const (
	SectionComplete         SectionStatus = "complete"
	SectionInsufficientData SectionStatus = "insufficient_data"
)

const (
	SectionReEscalation = "re_escalation"
	SectionAffiliations = "affiliation_inference"
	SectionProvenance   = "provenance"
)

// Finding is one observation made by an analysis section
type Finding struct {
	Kind         string   `json:"kind"`
	EntityIDs    []string `json:"entity_ids,omitempty"`
	ReviewItemID string   `json:"review_item_id,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
	Detail       string   `json:"detail"`
}

type Section struct {
	Name     string        `json:"name"`
	Status   SectionStatus `json:"status"`
	Findings []Finding     `json:"findings"`
}

// Report is the result of a deep analysis. Partial is set when the request
// was cancelled; merges applied before cancellation are listed in Reversed.
type Report struct {
	EntityID              string    `json:"entity_id"`
	Sections              []Section `json:"sections"`
	AppliedMergeRecordIDs []string  `json:"applied_merge_record_ids"`
	Reversed              []string  `json:"reversed,omitempty"`
	Partial               bool      `json:"partial"`
}

// Analyzer runs on-demand deep analysis of one entity
type Analyzer struct {
	store      store.Store
	escalator  resolution.Escalator
	thresholds resolution.Thresholder
	decider    review.Decider
	logger     ectologger.Logger
	now        func() time.Time
}

// NewAnalyzer builds an analyzer. escalator may be nil, in which case
// re-escalation reports insufficient data.
func NewAnalyzer(s store.Store, escalator resolution.Escalator, thresholds resolution.Thresholder, decider review.Decider, logger ectologger.Logger) *Analyzer {
	return &Analyzer{
		store:      s,
		escalator:  escalator,
		thresholds: thresholds,
		decider:    decider,
		logger:     logger,
		now:        time.Now,
	}
}

type appliedMerge struct {
	recordID string
	item     models.ReviewItem
}

// Analyze runs every section against the entity. Cancellation never fails
// the request: the remaining sections are marked insufficient_data and any
// merge applied so far is reversed.
func (a *Analyzer) Analyze(ctx context.Context, entityID string) (Report, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Analyzer.Analyze")
	defer span.End()

	entity, err := a.store.GetEntity(ctx, entityID)
	if err != nil {
		return Report{}, err
	}

	report := Report{EntityID: entity.ID, AppliedMergeRecordIDs: []string{}}
	var applied []appliedMerge

	sections := []struct {
		name string
		run  func(context.Context) (Section, error)
	}{
		{SectionReEscalation, func(ctx context.Context) (Section, error) {
			s, merges, err := a.reEscalate(ctx, entity)
			applied = append(applied, merges...)
			return s, err
		}},
		{SectionAffiliations, func(ctx context.Context) (Section, error) { return a.affiliations(ctx, entity) }},
		{SectionProvenance, func(ctx context.Context) (Section, error) { return a.provenance(ctx, entity) }},
	}

	for _, sec := range sections {
		if ctx.Err() != nil {
			report.Sections = append(report.Sections, Section{Name: sec.name, Status: SectionInsufficientData, Findings: []Finding{}})
			continue
		}
		s, err := sec.run(ctx)
		if err != nil && !isCancellation(err) {
			return report, err
		}
		if err != nil {
			s.Status = SectionInsufficientData
		}
		report.Sections = append(report.Sections, s)
	}
	for _, m := range applied {
		report.AppliedMergeRecordIDs = append(report.AppliedMergeRecordIDs, m.recordID)
	}

	if ctx.Err() != nil {
		report.Partial = true
		report.Reversed = a.unwind(ctx, applied)
	}
	return report, nil
}

// unwind reverses applied merges newest first and puts their review items
// back in the queue.
func (a *Analyzer) unwind(ctx context.Context, applied []appliedMerge) []string {
	ctx = context.WithoutCancel(ctx)
	var reversed []string
	for i := len(applied) - 1; i >= 0; i-- {
		m := applied[i]
		rec, err := a.decider.Reverse(ctx, m.recordID, merging.ReverseMeta{
			Source: models.DecisionSourceAuto,
			Reason: "deep analysis cancelled",
			InTx: func(ctx context.Context, _ models.MergeRecord) error {
				item := m.item
				item.ID = uuid.NewString()
				item.Status = models.ReviewPending
				item.Verdict = nil
				item.ReviewerID = nil
				item.ResolvedAt = nil
				item.EnqueuedAt = a.timestamp()
				return a.store.InsertReviewItem(ctx, item)
			},
		})
		if err != nil {
			a.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"merge_record_id": m.recordID,
			}).Error("Failed to reverse merge after cancelled analysis")
			continue
		}
		reversed = append(reversed, rec.ID)
	}
	return reversed
}

// reEscalate offers ambiguous pending matches touching the entity to the
// reasoner again and applies the ones that now clear the accept band.
func (a *Analyzer) reEscalate(ctx context.Context, entity models.Entity) (Section, []appliedMerge, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Analyzer.reEscalate")
	defer span.End()

	section := Section{Name: SectionReEscalation, Status: SectionComplete, Findings: []Finding{}}
	if a.escalator == nil {
		section.Status = SectionInsufficientData
		section.Findings = append(section.Findings, Finding{Kind: "escalation_disabled", Detail: "no reasoner is configured"})
		return section, nil, nil
	}

	items, err := a.store.ListReviewItems(ctx, models.ReviewFilter{Status: models.ReviewPending, EntityID: entity.ID})
	if err != nil {
		return section, nil, err
	}

	var applied []appliedMerge
	for _, item := range items {
		if item.Reason != models.ReasonReviewBand && item.Reason != models.ReasonEscalationFallback {
			continue
		}
		cand := item.Candidate
		if cand.Kind != models.CandidateEntityMatch || cand.Record == nil || len(cand.EntityIDs) != 1 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return section, applied, err
		}

		target, err := a.store.GetEntity(ctx, cand.EntityIDs[0])
		if err != nil {
			return section, applied, err
		}
		if !target.IsLive() {
			section.Findings = append(section.Findings, Finding{Kind: "stale_candidate", ReviewItemID: item.ID, EntityIDs: cand.EntityIDs, Detail: "candidate entity was superseded"})
			continue
		}

		pair := escalation.CandidatePair{
			RelationshipType: models.SameAs,
			Record:           *cand.Record,
			Entity:           target,
			Probability:      item.Confidence,
			ModelVersion:     cand.ModelVersion,
		}
		if !a.escalator.Eligible(pair) {
			continue
		}
		judgment, err := a.escalator.Resolve(ctx, pair)
		if err != nil {
			return section, applied, err
		}
		if judgment.Fallback {
			section.Status = SectionInsufficientData
			section.Findings = append(section.Findings, Finding{Kind: "escalation_unavailable", ReviewItemID: item.ID, EntityIDs: cand.EntityIDs, Confidence: item.Confidence, Detail: "reasoner did not answer"})
			continue
		}

		p := judgment.Combine(item.Confidence)
		decision := a.thresholds.Decide(models.SameAs, p)
		finding := Finding{Kind: "re_escalated", ReviewItemID: item.ID, EntityIDs: cand.EntityIDs, Confidence: p, Detail: fmt.Sprintf("reasoner said %s; decision %s", judgment.Verdict, decision)}
		if decision != models.DecisionAccept {
			section.Findings = append(section.Findings, finding)
			continue
		}

		// Past this point cancellation must become a reversal
		if err := ctx.Err(); err != nil {
			return section, applied, err
		}
		cand.Tier = models.TierEscalated
		itemID := item.ID
		rec, err := a.decider.ApplyDecision(ctx, cand, models.DecisionAccept, merging.DecisionMeta{
			Source:       models.DecisionSourceAuto,
			Confidence:   p,
			ModelVersion: judgment.ModelVersion,
			InTx: func(ctx context.Context, _ models.MergeRecord) error {
				return a.store.ResolveReviewItem(ctx, itemID, models.VerdictMatch, EscalationReviewer, a.timestamp())
			},
		})
		var conflict *models.MatchConflictError
		if errors.As(err, &conflict) || errors.Is(err, models.ErrAlreadyResolved) {
			finding.Kind = "re_escalation_skipped"
			finding.Detail = err.Error()
			section.Findings = append(section.Findings, finding)
			continue
		}
		if err != nil {
			return section, applied, err
		}
		finding.Kind = "merged"
		section.Findings = append(section.Findings, finding)
		applied = append(applied, appliedMerge{recordID: rec.ID, item: item})
	}
	return section, applied, nil
}

var acceptedStatuses = []models.ValidationStatus{models.StatusAutoAccepted, models.StatusHumanValidated}

// affiliations reports entities two accepted hops away that have no direct
// edge to the entity.
func (a *Analyzer) affiliations(ctx context.Context, entity models.Entity) (Section, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Analyzer.affiliations")
	defer span.End()

	section := Section{Name: SectionAffiliations, Status: SectionComplete, Findings: []Finding{}}
	direct, err := a.store.ListRelationships(ctx, models.RelationshipFilter{EntityID: entity.ID, Statuses: acceptedStatuses})
	if err != nil {
		return section, err
	}
	if len(direct) == 0 {
		section.Status = SectionInsufficientData
		return section, nil
	}

	adjacent := map[string]bool{entity.ID: true}
	for _, r := range direct {
		adjacent[other(r, entity.ID)] = true
	}

	seen := map[string]bool{}
	for _, first := range direct {
		if err := ctx.Err(); err != nil {
			return section, err
		}
		via := other(first, entity.ID)
		second, err := a.store.ListRelationships(ctx, models.RelationshipFilter{EntityID: via, Statuses: acceptedStatuses})
		if err != nil {
			return section, err
		}
		for _, r := range second {
			target := other(r, via)
			if adjacent[target] || seen[via+"|"+target] {
				continue
			}
			seen[via+"|"+target] = true
			section.Findings = append(section.Findings, Finding{
				Kind:       "affiliation",
				EntityIDs:  []string{entity.ID, via, target},
				Confidence: first.Confidence * r.Confidence,
				Detail:     fmt.Sprintf("%s then %s", first.Type, r.Type),
			})
		}
	}
	return section, nil
}

func other(r models.Relationship, id string) string {
	if r.FromEntityID == id {
		return r.ToEntityID
	}
	return r.FromEntityID
}

// provenance walks each fact id back to its raw fact
func (a *Analyzer) provenance(ctx context.Context, entity models.Entity) (Section, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Analyzer.provenance")
	defer span.End()

	section := Section{Name: SectionProvenance, Status: SectionComplete, Findings: []Finding{}}
	if len(entity.FactIDs) == 0 {
		section.Status = SectionInsufficientData
		return section, nil
	}

	for _, id := range entity.FactIDs {
		if err := ctx.Err(); err != nil {
			return section, err
		}
		// Counterparty records carry "<fact>#<type>-<n>"
		factID, _, _ := strings.Cut(id, "#")
		fact, err := a.store.GetStructuredFact(ctx, factID)
		if errors.Is(err, models.ErrNotFound) {
			section.Findings = append(section.Findings, Finding{Kind: "missing_fact", EntityIDs: []string{entity.ID}, Detail: id})
			continue
		}
		if err != nil {
			return section, err
		}
		if _, err := a.store.GetRawFact(ctx, fact.RawFactID); errors.Is(err, models.ErrNotFound) {
			section.Findings = append(section.Findings, Finding{Kind: "missing_raw_fact", EntityIDs: []string{entity.ID}, Detail: fact.RawFactID})
		} else if err != nil {
			return section, err
		}
	}
	return section, nil
}

func (a *Analyzer) timestamp() time.Time {
	return a.now().UTC().Truncate(time.Microsecond)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
