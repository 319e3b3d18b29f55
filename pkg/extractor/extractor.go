// Package extractor turns raw facts into structured facts using per-source
// extraction profiles of JMESPath expressions.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/jmespath/go-jmespath"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

// AnySource matches every source id
const AnySource = "*"

// ProfileSet is the YAML document holding every profile of one extractor
// version
type ProfileSet struct {
	Version  string    `yaml:"version"`
	Profiles []Profile `yaml:"profiles"`
}

// Profile extracts one fact type from a source's JSON payloads. Each, when
// set, selects a list of subjects; otherwise the whole payload is the
// subject.
type Profile struct {
	SourceID   string            `yaml:"source_id"`
	FactType   string            `yaml:"fact_type"`
	EntityType models.EntityType `yaml:"entity_type"`
	Each       string            `yaml:"each"`
	Confidence float64           `yaml:"confidence"`
	Required   []string          `yaml:"required"`
	Fields     map[string]string `yaml:"fields"`
	Relations  []RelationProfile `yaml:"relations"`
}

// RelationProfile extracts counterparties relative to a subject
type RelationProfile struct {
	Type       string                   `yaml:"type"`
	Direction  models.RelationDirection `yaml:"direction"`
	EntityType models.EntityType        `yaml:"entity_type"`
	Each       string                   `yaml:"each"`
	Confidence float64                  `yaml:"confidence"`
	Required   []string                 `yaml:"required"`
	Fields     map[string]string        `yaml:"fields"`
}

// LoadProfiles reads a profile set from a YAML file
func LoadProfiles(path string) (ProfileSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProfileSet{}, fmt.Errorf("failed to read extraction profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes a YAML profile set
func ParseProfiles(data []byte) (ProfileSet, error) {
	var set ProfileSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return ProfileSet{}, fmt.Errorf("failed to parse extraction profiles: %w", err)
	}
	return set, nil
}

type Extractor struct {
	version  string
	profiles []Profile
	logger   ectologger.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]*jmespath.JMESPath
}

// New validates every profile and compiles its expressions
func New(set ProfileSet, logger ectologger.Logger) (*Extractor, error) {
	if set.Version == "" {
		return nil, models.NewValidationError("version", "extractor version is required")
	}
	e := &Extractor{
		version:  set.Version,
		profiles: set.Profiles,
		logger:   logger,
		now:      time.Now,
		cache:    make(map[string]*jmespath.JMESPath),
	}
	for i, p := range set.Profiles {
		if err := e.validate(p); err != nil {
			return nil, fmt.Errorf("profile %d (%s/%s): %w", i, p.SourceID, p.FactType, err)
		}
	}
	return e, nil
}

func (e *Extractor) Version() string {
	return e.version
}

func (e *Extractor) validate(p Profile) error {
	if p.SourceID == "" || p.FactType == "" {
		return models.NewValidationError("profile", "source_id and fact_type are required")
	}
	if !p.EntityType.Valid() {
		return models.NewValidationError("entity_type", fmt.Sprintf("unknown entity type %q", p.EntityType))
	}
	if len(p.Fields) == 0 {
		return models.NewValidationError("fields", "at least one field is required")
	}
	exprs := []string{p.Each}
	for _, expr := range p.Fields {
		exprs = append(exprs, expr)
	}
	for _, r := range p.Relations {
		if r.Type == "" || !r.EntityType.Valid() {
			return models.NewValidationError("relations", "relation needs a type and a known entity type")
		}
		if r.Direction != models.RelationOutgoing && r.Direction != models.RelationIncoming {
			return models.NewValidationError("direction", fmt.Sprintf("unknown direction %q", r.Direction))
		}
		exprs = append(exprs, r.Each)
		for _, expr := range r.Fields {
			exprs = append(exprs, expr)
		}
	}
	for _, expr := range exprs {
		if expr == "" {
			continue
		}
		if _, err := e.compile(expr); err != nil {
			return err
		}
	}
	return nil
}

// Extract returns the structured facts a raw fact yields under every
// profile for its source. Non-JSON payloads yield nothing.
func (e *Extractor) Extract(ctx context.Context, fact models.RawFact) ([]models.StructuredFact, error) {
	ctx, span := tracing.StartSpan(ctx, "extractor.Extractor.Extract")
	defer span.End()

	if fact.ContentType != models.ContentTypeJSON {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(fact.Payload, &data); err != nil {
		return nil, models.NewValidationError("payload", "payload is not valid JSON")
	}

	now := e.now().UTC().Truncate(time.Microsecond)
	var out []models.StructuredFact
	for _, p := range e.profiles {
		if p.SourceID != fact.SourceID && p.SourceID != AnySource {
			continue
		}
		subjects, err := e.each(p.Each, data)
		if err != nil {
			return nil, err
		}

		ordinal := 0
		for _, subject := range subjects {
			fields, completeness, err := e.fields(p.Fields, p.Required, subject)
			if err != nil {
				return nil, err
			}
			if fields == nil {
				continue
			}
			relations, err := e.relations(p.Relations, subject)
			if err != nil {
				return nil, err
			}
			out = append(out, models.StructuredFact{
				ID:                   uuid.NewString(),
				RawFactID:            fact.ID,
				FactType:             p.FactType,
				EntityType:           p.EntityType,
				Ordinal:              ordinal,
				Fields:               fields,
				Relations:            relations,
				ExtractorVersion:     e.version,
				ExtractionConfidence: p.Confidence * completeness,
				CreatedAt:            now,
			})
			ordinal++
			metrics.FactsExtracted.WithLabelValues(p.FactType).Inc()
		}
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"raw_fact_id": fact.ID,
		"source_id":   fact.SourceID,
		"facts":       len(out),
		"version":     e.version,
	}).Debug("Extracted structured facts")
	return out, nil
}

func (e *Extractor) relations(profiles []RelationProfile, subject any) ([]models.RelationClaim, error) {
	var out []models.RelationClaim
	for _, rp := range profiles {
		counterparties, err := e.each(rp.Each, subject)
		if err != nil {
			return nil, err
		}
		for _, cp := range counterparties {
			fields, completeness, err := e.fields(rp.Fields, rp.Required, cp)
			if err != nil {
				return nil, err
			}
			if fields == nil {
				continue
			}
			out = append(out, models.RelationClaim{
				Type:                 rp.Type,
				Direction:            rp.Direction,
				Counterparty:         models.Record{EntityType: rp.EntityType, Fields: fields},
				ExtractionConfidence: rp.Confidence * completeness,
			})
		}
	}
	return out, nil
}

// fields evaluates every field expression. It returns nil fields when a
// required field is empty or nothing was found.
func (e *Extractor) fields(exprs map[string]string, required []string, subject any) (map[string]string, float64, error) {
	names := make([]string, 0, len(exprs))
	for name := range exprs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]string, len(exprs))
	for _, name := range names {
		v, err := e.evaluate(exprs[name], subject)
		if err != nil {
			return nil, 0, err
		}
		if s := strings.TrimSpace(toString(v)); s != "" {
			out[name] = s
		}
	}
	for _, name := range required {
		if out[name] == "" {
			return nil, 0, nil
		}
	}
	if len(out) == 0 {
		return nil, 0, nil
	}
	return out, float64(len(out)) / float64(len(exprs)), nil
}

// each expands a list expression. An empty expression selects data itself.
func (e *Extractor) each(expr string, data any) ([]any, error) {
	if expr == "" {
		return []any{data}, nil
	}
	v, err := e.evaluate(expr, data)
	if err != nil {
		return nil, err
	}
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return list, nil
	default:
		return []any{list}, nil
	}
}

func (e *Extractor) evaluate(expr string, data any) (any, error) {
	compiled, err := e.compile(expr)
	if err != nil {
		return nil, err
	}
	result, err := compiled.Search(data)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expr, err)
	}
	return result, nil
}

func (e *Extractor) compile(expr string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	compiled, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := jmespath.Compile(expr)
	if err != nil {
		return nil, models.NewValidationError("expression", fmt.Sprintf("invalid expression %q: %v", expr, err))
	}
	e.mu.Lock()
	e.cache[expr] = compiled
	e.mu.Unlock()
	return compiled, nil
}

// toString renders scalars; lists keep their first scalar element
func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		for _, item := range val {
			if s := toString(item); s != "" {
				return s
			}
		}
		return ""
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}
