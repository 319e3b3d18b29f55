// Package resolution runs the tier cascade that turns a record into a
// decision: deterministic keys first, then the scorer, then escalation for
// ambiguous pairs, and finally three-band thresholding.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/escalation"
	"github.com/Ramsey-B/fern/pkg/keys"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/store"
)

// Relationship scoring features
const (
	FeatureExtractionConfidence = "extraction_confidence"
	FeatureCorroborations       = "corroborations"
)

type Config struct {
	Tier2MaxCandidates int `mapstructure:"tier2_max_candidates"`

	// Review priorities by reason. Higher is served first.
	ConflictPriority float64 `mapstructure:"conflict_priority"`
	ScorerPriority   float64 `mapstructure:"scorer_priority"`
	FallbackPriority float64 `mapstructure:"fallback_priority"`
	BandPriority     float64 `mapstructure:"band_priority"`
}

func DefaultConfig() Config {
	return Config{
		Tier2MaxCandidates: 25,
		ConflictPriority:   100,
		ScorerPriority:     50,
		FallbackPriority:   20,
		BandPriority:       10,
	}
}

// Thresholder maps a confidence to a decision for a relationship type
type Thresholder interface {
	Decide(relationshipType string, confidence float64) models.Decision
}

// Escalator judges ambiguous pairs. *escalation.Escalator satisfies it.
type Escalator interface {
	Eligible(pair escalation.CandidatePair) bool
	Resolve(ctx context.Context, pair escalation.CandidatePair) (escalation.Judgment, error)
}

// Outcome is the cascade result for one candidate. Candidate is ready to be
// handed to the merge engine or the review queue.
type Outcome struct {
	Candidate    models.Candidate
	Decision     models.Decision
	Confidence   float64
	Tier         models.Tier
	ReviewReason models.ReviewReason
	Priority     float64
	Judgment     *escalation.Judgment
	Conflict     *models.MatchConflictError
}

type Resolver struct {
	keys       *keys.Normalizer
	tier1      *matching.DeterministicMatcher
	entities   store.Entities
	features   *matching.FeatureExtractor
	scorer     *matching.Scorer
	escalator  Escalator
	thresholds Thresholder
	priors     matching.SourcePriors
	config     Config
	logger     ectologger.Logger
}

// NewResolver wires the cascade. escalator may be nil when Tier 3 is off.
func NewResolver(
	normalizer *keys.Normalizer,
	tier1 *matching.DeterministicMatcher,
	entities store.Entities,
	features *matching.FeatureExtractor,
	scorer *matching.Scorer,
	escalator Escalator,
	thresholds Thresholder,
	priors matching.SourcePriors,
	config Config,
	logger ectologger.Logger,
) *Resolver {
	if priors == nil {
		priors = matching.StaticPrior(0.5)
	}
	return &Resolver{
		keys:       normalizer,
		tier1:      tier1,
		entities:   entities,
		features:   features,
		scorer:     scorer,
		escalator:  escalator,
		thresholds: thresholds,
		priors:     priors,
		config:     config,
		logger:     logger,
	}
}

// ResolveRecord decides what to do with a record: merge it into an existing
// entity, create a new one, or hold it for review.
func (r *Resolver) ResolveRecord(ctx context.Context, rec models.Record) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Resolver.ResolveRecord")
	defer span.End()

	if !rec.EntityType.Valid() {
		return Outcome{}, models.NewValidationError("entity_type", fmt.Sprintf("unknown entity type %q", rec.EntityType))
	}
	if len(rec.Fields) == 0 {
		return Outcome{}, models.NewValidationError("fields", "record has no fields")
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"source_id":   rec.SourceID,
		"fact_id":     rec.FactID,
		"entity_type": rec.EntityType,
	})

	recordKeys := r.keys.Normalize(rec)
	cand := models.Candidate{
		Kind:             models.CandidateEntityMatch,
		RelationshipType: models.SameAs,
		Record:           &rec,
	}

	hit, err := r.tier1.Match(ctx, recordKeys)
	if err != nil {
		return Outcome{}, err
	}

	if hit.Conflict != nil {
		metrics.MatchConflicts.Inc()
		cand.EntityIDs = append([]string(nil), hit.Conflict.EntityIDs...)
		cand.Tier = models.TierDeterministic
		cand.Evidence = keyEvidence(hit.Conflict.Keys)
		log.WithError(hit.Conflict).Warn("Deterministic keys conflict; holding record for review")
		out := r.review(cand, hit.Confidence, models.TierDeterministic, models.ReasonMatchConflict, r.config.ConflictPriority)
		out.Conflict = hit.Conflict
		return out, nil
	}

	if hit.Matched() {
		cand.EntityIDs = []string{hit.EntityID}
		cand.Tier = models.TierDeterministic
		cand.Evidence = []string{"key=" + string(hit.Key.Type)}
		decision := r.thresholds.Decide(models.SameAs, hit.Confidence)
		out := Outcome{
			Candidate:  cand,
			Decision:   decision,
			Confidence: hit.Confidence,
			Tier:       models.TierDeterministic,
		}
		switch decision {
		case models.DecisionReject, models.DecisionReview:
			// An owned key cannot be given to a new entity, so a weak key hit
			// is held for review rather than rejected
			out = r.review(cand, hit.Confidence, models.TierDeterministic, models.ReasonReviewBand, r.config.BandPriority)
		default:
			countDecision(models.SameAs, models.TierDeterministic, decision)
		}
		log.WithFields(map[string]any{
			"entity_id":  hit.EntityID,
			"key_type":   hit.Key.Type,
			"confidence": hit.Confidence,
			"decision":   out.Decision,
		}).Debug("Tier 1 match")
		return out, nil
	}

	return r.scoreRecord(ctx, rec, cand, log)
}

func (r *Resolver) scoreRecord(ctx context.Context, rec models.Record, cand models.Candidate, log ectologger.Logger) (Outcome, error) {
	candidates, err := r.entities.FindCandidates(ctx, rec.EntityType, normalizers.NameTokens(rec.Field(models.FieldName)), r.config.Tier2MaxCandidates)
	if err != nil {
		return Outcome{}, err
	}
	if len(candidates) == 0 {
		countDecision(models.SameAs, models.TierNone, models.DecisionReject)
		return Outcome{Candidate: cand, Decision: models.DecisionReject, Confidence: 0, Tier: models.TierNone}, nil
	}

	var (
		best       models.Entity
		bestScore  matching.Score
		bestVector matching.FeatureVector
	)
	for i, entity := range candidates {
		fv := r.features.Extract(ctx, rec, entity)
		score, err := r.scorer.Score(ctx, models.SameAs, fv)
		if err != nil {
			var unavailable *models.ScorerUnavailableError
			if errors.As(err, &unavailable) {
				cand.EntityIDs = []string{entity.ID}
				cand.Tier = models.TierScored
				cand.ModelVersion = unavailable.ModelVersion
				cand.Features = fv
				return r.review(cand, 0, models.TierScored, models.ReasonScorerUnavailable, r.config.ScorerPriority), nil
			}
			return Outcome{}, err
		}
		if i == 0 || score.Probability > bestScore.Probability {
			best, bestScore, bestVector = entity, score, fv
		}
	}

	cand.EntityIDs = []string{best.ID}
	cand.Tier = models.TierScored
	cand.ModelVersion = bestScore.ModelVersion
	cand.Features = bestVector
	cand.Evidence = bestVector.Evidence()

	confidence := bestScore.Probability
	tier := models.TierScored
	var judgment *escalation.Judgment

	if r.escalator != nil {
		pair := escalation.CandidatePair{
			RelationshipType: models.SameAs,
			Record:           rec,
			Entity:           best,
			Probability:      confidence,
			ModelVersion:     bestScore.ModelVersion,
		}
		if r.escalator.Eligible(pair) {
			j, err := r.escalator.Resolve(ctx, pair)
			switch {
			case errors.Is(err, escalation.ErrNotEligible):
			case err != nil:
				return Outcome{}, err
			default:
				judgment = &j
				if !j.Fallback {
					confidence = j.Combine(confidence)
					tier = models.TierEscalated
					cand.Tier = tier
					cand.Evidence = append(cand.Evidence, fmt.Sprintf("escalation=%s@%.3f", j.Verdict, j.Confidence))
				}
			}
		}
	}

	decision := r.thresholds.Decide(models.SameAs, confidence)
	out := Outcome{
		Candidate:  cand,
		Decision:   decision,
		Confidence: confidence,
		Tier:       tier,
		Judgment:   judgment,
	}
	switch decision {
	case models.DecisionReview:
		out.ReviewReason = models.ReasonReviewBand
		out.Priority = r.config.BandPriority
		if judgment != nil && judgment.Fallback {
			out.ReviewReason = models.ReasonEscalationFallback
			out.Priority = r.config.FallbackPriority
		}
	case models.DecisionReject:
		// The best candidate is not this actor, so the record stands alone
		out.Candidate.EntityIDs = nil
	}

	countDecision(models.SameAs, tier, decision)
	log.WithFields(map[string]any{
		"entity_id":     best.ID,
		"probability":   bestScore.Probability,
		"confidence":    confidence,
		"model_version": bestScore.ModelVersion,
		"tier":          tier,
		"decision":      decision,
	}).Debug("Tier 2 scored")
	return out, nil
}

// RelationshipInput is a relation claim with both endpoints resolved
type RelationshipInput struct {
	Type                 string
	FromEntityID         string
	ToEntityID           string
	SourceID             string
	ExtractionConfidence float64
	// Corroborations counts other current rows that support the same edge
	Corroborations int
	Evidence       []string
}

// ScoreRelationship scores a relationship claim with the model registered
// for its type and thresholds it with that type's bands.
func (r *Resolver) ScoreRelationship(ctx context.Context, in RelationshipInput) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Resolver.ScoreRelationship")
	defer span.End()

	if in.Type == "" || in.FromEntityID == "" || in.ToEntityID == "" {
		return Outcome{}, models.NewValidationError("relationship", "relationship needs both endpoints and a type")
	}

	fv := matching.FeatureVector{
		FeatureExtractionConfidence: in.ExtractionConfidence,
		matching.FeatureSourcePrior: r.priors.SourcePrior(ctx, in.SourceID),
		FeatureCorroborations:       float64(in.Corroborations),
	}
	cand := models.Candidate{
		Kind:             models.CandidateRelationship,
		RelationshipType: in.Type,
		FromEntityID:     in.FromEntityID,
		ToEntityID:       in.ToEntityID,
		Evidence:         append(append([]string(nil), in.Evidence...), relationshipEvidence(fv)...),
		Tier:             models.TierScored,
		Features:         fv,
	}

	score, err := r.scorer.Score(ctx, in.Type, fv)
	if err != nil {
		var unavailable *models.ScorerUnavailableError
		if errors.As(err, &unavailable) {
			cand.ModelVersion = unavailable.ModelVersion
			return r.review(cand, 0, models.TierScored, models.ReasonScorerUnavailable, r.config.ScorerPriority), nil
		}
		return Outcome{}, err
	}
	cand.ModelVersion = score.ModelVersion

	decision := r.thresholds.Decide(in.Type, score.Probability)
	out := Outcome{
		Candidate:  cand,
		Decision:   decision,
		Confidence: score.Probability,
		Tier:       models.TierScored,
	}
	if decision == models.DecisionReview {
		out.ReviewReason = models.ReasonReviewBand
		out.Priority = r.config.BandPriority
	}
	countDecision(in.Type, models.TierScored, decision)
	return out, nil
}

func (r *Resolver) review(cand models.Candidate, confidence float64, tier models.Tier, reason models.ReviewReason, priority float64) Outcome {
	countDecision(cand.RelationshipType, tier, models.DecisionReview)
	return Outcome{
		Candidate:    cand,
		Decision:     models.DecisionReview,
		Confidence:   confidence,
		Tier:         tier,
		ReviewReason: reason,
		Priority:     priority,
	}
}

func countDecision(relationshipType string, tier models.Tier, decision models.Decision) {
	metrics.Decisions.WithLabelValues(relationshipType, strconv.Itoa(int(tier)), string(decision)).Inc()
}

// keyEvidence names key types only; key values may be hashed identifiers
func keyEvidence(ks []models.DeterministicKey) []string {
	seen := make(map[models.KeyType]bool, len(ks))
	out := make([]string, 0, len(ks))
	for _, k := range ks {
		if seen[k.Type] {
			continue
		}
		seen[k.Type] = true
		out = append(out, "key="+string(k.Type))
	}
	sort.Strings(out)
	return out
}

func relationshipEvidence(fv matching.FeatureVector) []string {
	names := make([]string, 0, len(fv))
	for name := range fv {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, fmt.Sprintf("%s=%.3f", name, fv[name]))
	}
	return out
}
