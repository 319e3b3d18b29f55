// Package escalation asks a reasoning model about ambiguous Tier 2 pairs.
// Answers are cached by a key that versions the model, prompt and sampling
// settings; fallbacks are never cached.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Ramsey-B/fern/pkg/cache"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/store"
)

// ErrNotEligible is returned by Resolve for pairs outside the ambiguity band
var ErrNotEligible = errors.New("pair is not eligible for escalation")

type Config struct {
	Enabled               bool          `mapstructure:"enabled"`
	AmbiguousLow          float64       `mapstructure:"ambiguous_low"`
	AmbiguousHigh         float64       `mapstructure:"ambiguous_high"`
	MinContextFields      int           `mapstructure:"min_context_fields"`
	FieldWhitelist        []string      `mapstructure:"field_whitelist"`
	MaxFieldLength        int           `mapstructure:"max_field_length"`
	MaxFields             int           `mapstructure:"max_fields"`
	Timeout               time.Duration `mapstructure:"timeout"`
	FallbackConfidence    float64       `mapstructure:"fallback_confidence"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl"`
	RatePerSecond         float64       `mapstructure:"rate_per_second"`
	Burst                 int           `mapstructure:"burst"`
	FeedbackToGoldLabels  bool          `mapstructure:"feedback_to_gold_labels"`
	FeedbackMinConfidence float64       `mapstructure:"feedback_min_confidence"`
	Model                 ModelParams   `mapstructure:"model"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:          false,
		AmbiguousLow:     0.4,
		AmbiguousHigh:    0.8,
		MinContextFields: 2,
		FieldWhitelist: []string{
			models.FieldName, models.FieldRegisteredAgent, models.FieldAddress,
			models.FieldPhone, models.FieldEmail, models.FieldParcelID,
		},
		MaxFieldLength:        200,
		MaxFields:             8,
		Timeout:               10 * time.Second,
		FallbackConfidence:    0,
		CacheTTL:              30 * 24 * time.Hour,
		RatePerSecond:         2,
		Burst:                 4,
		FeedbackMinConfidence: 0.9,
		Model: ModelParams{
			Provider:      "anthropic",
			PromptVersion: "v1",
			Temperature:   0,
			TopP:          1,
			MaxTokens:     256,
		},
	}
}

// Judgment is a Tier 3 verdict. Fallback judgments carry the cause.
type Judgment struct {
	Verdict       models.Verdict `json:"verdict"`
	Confidence    float64        `json:"confidence"`
	ModelVersion  string         `json:"model_version"`
	CacheKey      string         `json:"cache_key"`
	Cached        bool           `json:"cached"`
	Fallback      bool           `json:"fallback"`
	FallbackCause error          `json:"-"`
}

// Combine folds a judgment into a Tier 2 probability
func (j Judgment) Combine(p float64) float64 {
	if j.Verdict == models.VerdictMatch {
		return max(p, j.Confidence)
	}
	return min(p, 1-j.Confidence)
}

type Escalator struct {
	reasoner Reasoner
	cache    cache.Cache
	labels   store.GoldLabels
	config   Config
	limiter  *rate.Limiter
	group    singleflight.Group
	logger   ectologger.Logger
	now      func() time.Time
}

// NewEscalator wires a reasoner and cache. labels may be nil when feedback
// into the gold set is off.
func NewEscalator(reasoner Reasoner, c cache.Cache, labels store.GoldLabels, config Config, logger ectologger.Logger) *Escalator {
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	return &Escalator{
		reasoner: reasoner,
		cache:    c,
		labels:   labels,
		config:   config,
		limiter:  rate.NewLimiter(limit, max(config.Burst, 1)),
		logger:   logger,
		now:      time.Now,
	}
}

// Enabled reports whether the escalation flag is on
func (e *Escalator) Enabled() bool {
	return e.config.Enabled && e.reasoner != nil
}

// Eligible checks the flag, the ambiguity band and the available context
func (e *Escalator) Eligible(pair CandidatePair) bool {
	if !e.Enabled() {
		return false
	}
	if pair.Probability < e.config.AmbiguousLow || pair.Probability > e.config.AmbiguousHigh {
		return false
	}
	return len(BoundedEvidenceSet(pair, e.config)) >= e.config.MinContextFields
}

// Resolve returns a judgment for an eligible pair. Reasoner failures and
// timeouts produce a fallback judgment and a nil error.
func (e *Escalator) Resolve(ctx context.Context, pair CandidatePair) (Judgment, error) {
	ctx, span := tracing.StartSpan(ctx, "escalation.Escalator.Resolve")
	defer span.End()

	if !e.Eligible(pair) {
		metrics.Escalations.WithLabelValues("ineligible").Inc()
		return Judgment{}, ErrNotEligible
	}

	evidence := BoundedEvidenceSet(pair, e.config)
	key := CacheKey(e.config.Model, pair.RelationshipType, evidence)
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"cache_key":         key,
		"relationship_type": pair.RelationshipType,
		"probability":       pair.Probability,
	})

	if j, ok := e.cached(ctx, key); ok {
		metrics.Escalations.WithLabelValues("cache_hit").Inc()
		log.Debug("Escalation served from cache")
		return j, nil
	}

	v, _, _ := e.group.Do(key, func() (any, error) {
		return e.ask(ctx, key, pair.RelationshipType, evidence), nil
	})
	j := v.(Judgment)

	if j.Fallback {
		metrics.Escalations.WithLabelValues("fallback").Inc()
		log.WithError(j.FallbackCause).Warn("Escalation fell back; pair will be re-attempted later")
		return j, nil
	}

	metrics.Escalations.WithLabelValues("resolved").Inc()
	log.WithFields(map[string]any{"verdict": j.Verdict, "confidence": j.Confidence}).Info("Escalation resolved")

	if err := e.feedback(ctx, pair, j); err != nil {
		log.WithError(err).Warn("Failed to record escalation gold label")
	}
	return j, nil
}

func (e *Escalator) cached(ctx context.Context, key string) (Judgment, bool) {
	if e.cache == nil {
		return Judgment{}, false
	}
	data, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("Escalation cache read failed")
		return Judgment{}, false
	}
	if !ok {
		return Judgment{}, false
	}
	var j Judgment
	if err := json.Unmarshal(data, &j); err != nil {
		return Judgment{}, false
	}
	j.Cached = true
	return j, true
}

func (e *Escalator) ask(ctx context.Context, key, relationshipType string, evidence []EvidenceItem) Judgment {
	start := time.Now()
	defer func() { metrics.EscalationDuration.Observe(time.Since(start).Seconds()) }()

	tctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	raw, err := e.complete(tctx, relationshipType, evidence)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &models.EscalationTimeoutError{CacheKey: key, Timeout: e.config.Timeout}
		}
		return e.fallback(key, err)
	}

	r, err := parseReply(raw)
	if err != nil {
		return e.fallback(key, err)
	}

	j := Judgment{
		Verdict:      r.Verdict,
		Confidence:   r.Confidence,
		ModelVersion: e.config.Model.ModelVersion,
		CacheKey:     key,
	}
	if e.cache != nil {
		data, _ := json.Marshal(j)
		if err := e.cache.Set(ctx, key, data, e.config.CacheTTL); err != nil {
			e.logger.WithContext(ctx).WithError(err).Warn("Escalation cache write failed")
		}
	}
	return j
}

func (e *Escalator) complete(ctx context.Context, relationshipType string, evidence []EvidenceItem) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limited: %w", err)
	}
	return e.reasoner.Complete(ctx, systemPrompt, buildPrompt(relationshipType, evidence))
}

func (e *Escalator) fallback(key string, cause error) Judgment {
	return Judgment{
		Verdict:       models.VerdictNoMatch,
		Confidence:    e.config.FallbackConfidence,
		ModelVersion:  e.config.Model.ModelVersion,
		CacheKey:      key,
		Fallback:      true,
		FallbackCause: cause,
	}
}

func (e *Escalator) feedback(ctx context.Context, pair CandidatePair, j Judgment) error {
	if !e.config.FeedbackToGoldLabels || e.labels == nil || j.Confidence < e.config.FeedbackMinConfidence {
		return nil
	}
	return e.labels.InsertGoldLabel(ctx, models.GoldLabel{
		ID:               uuid.NewString(),
		RelationshipType: pair.RelationshipType,
		SourceID:         pair.Record.SourceID,
		Confidence:       pair.Probability,
		Verdict:          j.Verdict,
		Origin:           models.LabelOriginEscalation,
		ModelVersion:     pair.ModelVersion,
		CreatedAt:        e.now().UTC().Truncate(time.Microsecond),
	})
}
