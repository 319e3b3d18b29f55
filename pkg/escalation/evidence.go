package escalation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// CandidatePair is an ambiguous Tier 2 comparison offered for escalation
type CandidatePair struct {
	RelationshipType string
	Record           models.Record
	Entity           models.Entity
	Probability      float64
	ModelVersion     string
}

// EvidenceItem is one whitelisted field as seen on both sides
type EvidenceItem struct {
	Field       string `json:"field"`
	RecordValue string `json:"record"`
	EntityValue string `json:"entity"`
}

// entityValue renders what the entity knows about a record field. Hashed
// keys cannot be shown, only whether they agree.
func entityValue(e models.Entity, field string, recordValue string) string {
	switch field {
	case models.FieldName:
		return e.DisplayName
	case models.FieldRegisteredAgent:
		return keyValues(e, models.KeyRegisteredAgent)
	case models.FieldPhone:
		return keyValues(e, models.KeyPhone)
	case models.FieldEmail:
		return keyValues(e, models.KeyEmailDomain)
	case models.FieldParcelID:
		return keyValues(e, models.KeyParcelID)
	case models.FieldAddress:
		if !hasKeyType(e, models.KeyAddress) {
			return ""
		}
		if e.HasKey(models.DeterministicKey{Type: models.KeyAddress, Value: normalizers.Hash(normalizers.NormalizeAddress(recordValue))}) {
			return "same address on file"
		}
		return "different address on file"
	}
	return ""
}

func keyValues(e models.Entity, t models.KeyType) string {
	var vals []string
	for _, k := range e.Keys {
		if k.Type == t {
			vals = append(vals, k.Value)
		}
	}
	return strings.Join(vals, "; ")
}

func hasKeyType(e models.Entity, t models.KeyType) bool {
	for _, k := range e.Keys {
		if k.Type == t {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if n > 0 && len(r) > n {
		return string(r[:n])
	}
	return string(r)
}

// BoundedEvidenceSet keeps whitelisted fields present on both sides, each
// truncated, at most MaxFields, ordered by field name. Identifiers never
// appear because only field values are copied.
func BoundedEvidenceSet(pair CandidatePair, cfg Config) []EvidenceItem {
	fields := make([]string, len(cfg.FieldWhitelist))
	copy(fields, cfg.FieldWhitelist)
	sort.Strings(fields)

	var out []EvidenceItem
	for _, f := range fields {
		rv := truncate(pair.Record.Field(f), cfg.MaxFieldLength)
		ev := truncate(entityValue(pair.Entity, f, pair.Record.Field(f)), cfg.MaxFieldLength)
		if rv == "" || ev == "" {
			continue
		}
		out = append(out, EvidenceItem{Field: f, RecordValue: rv, EntityValue: ev})
		if cfg.MaxFields > 0 && len(out) == cfg.MaxFields {
			break
		}
	}
	return out
}

// EvidenceHash is the sha256 of the canonical JSON evidence set
func EvidenceHash(evidence []EvidenceItem) string {
	data, _ := json.Marshal(evidence)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CacheKey versions a cached judgment by every parameter that can change
// the answer.
func CacheKey(p ModelParams, relationshipType string, evidence []EvidenceItem) string {
	parts := []string{
		p.ModelID,
		p.ModelVersion,
		p.PromptVersion,
		strconv.FormatFloat(p.Temperature, 'g', -1, 64),
		strconv.FormatFloat(p.TopP, 'g', -1, 64),
		strconv.Itoa(p.MaxTokens),
		strconv.Itoa(p.Seed),
		relationshipType,
		EvidenceHash(evidence),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
