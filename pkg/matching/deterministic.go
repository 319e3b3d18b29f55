package matching

import (
	"context"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
	"github.com/Ramsey-B/fern/pkg/store"
)

// DeterministicConfig holds the confidence assigned to a match on each key type
type DeterministicConfig struct {
	KeyConfidence map[models.KeyType]float64 `mapstructure:"key_confidence" yaml:"key_confidence"`
}

func DefaultDeterministicConfig() DeterministicConfig {
	return DeterministicConfig{
		KeyConfidence: map[models.KeyType]float64{
			models.KeyTaxID:           0.999,
			models.KeyDocumentNumber:  0.999,
			models.KeyParcelID:        0.995,
			models.KeyRegisteredAgent: 0.98,
			models.KeyAddress:         0.93,
			models.KeyPhone:           0.92,
			models.KeyEmailDomain:     0.85,
		},
	}
}

// DeterministicMatch is the Tier 1 outcome. EntityID is empty when no key
// hit. Conflict is set when keys resolve to more than one entity.
type DeterministicMatch struct {
	EntityID   string
	Key        models.DeterministicKey
	Confidence float64
	Conflict   *models.MatchConflictError
}

// Matched reports whether exactly one entity was found
func (m DeterministicMatch) Matched() bool {
	return m.EntityID != "" && m.Conflict == nil
}

type DeterministicMatcher struct {
	entities store.Entities
	config   DeterministicConfig
	logger   ectologger.Logger
}

func NewDeterministicMatcher(entities store.Entities, config DeterministicConfig, logger ectologger.Logger) *DeterministicMatcher {
	return &DeterministicMatcher{entities: entities, config: config, logger: logger}
}

// Match walks keys in trust order against the live key index
func (m *DeterministicMatcher) Match(ctx context.Context, keys []models.DeterministicKey) (DeterministicMatch, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.DeterministicMatcher.Match")
	defer span.End()

	if len(keys) == 0 {
		return DeterministicMatch{}, nil
	}

	owners, err := m.entities.LookupKeys(ctx, keys)
	if err != nil {
		return DeterministicMatch{}, err
	}

	ordered := make([]models.DeterministicKey, len(keys))
	copy(ordered, keys)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Less(ordered[j]) })

	var (
		match    DeterministicMatch
		distinct []string
		hitKeys  []models.DeterministicKey
	)
	seen := map[string]bool{}
	for _, k := range ordered {
		id, ok := owners[k]
		if !ok {
			continue
		}
		hitKeys = append(hitKeys, k)
		if match.EntityID == "" {
			match.EntityID = id
			match.Key = k
			match.Confidence = m.config.KeyConfidence[k.Type]
		}
		if !seen[id] {
			seen[id] = true
			distinct = append(distinct, id)
		}
	}

	if len(distinct) > 1 {
		match.Conflict = &models.MatchConflictError{EntityIDs: distinct, Keys: hitKeys}
		metrics.MatchConflicts.Inc()
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_ids": distinct,
			"keys":       len(hitKeys),
		}).Warn("Deterministic keys resolve to different entities")
	}
	return match, nil
}
