package matching

import (
	"context"
	"math"
	"strconv"

	"github.com/Ramsey-B/fern/pkg/keys"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

// Feature names produced by FeatureExtractor
const (
	FeatureNameJaroWinkler  = "name_jaro_winkler"
	FeatureNameTokenJaccard = "name_token_jaccard"
	FeatureNameLevenshtein  = "name_levenshtein"
	FeatureNameSoundex      = "name_soundex"
	FeatureAddress          = "address_similarity"
	FeaturePhone            = "phone_match"
	FeatureEmail            = "email_match"
	FeatureSourcePrior      = "source_prior"
	FeatureRecencyDays      = "recency_days"
	FeatureContradictions   = "contradictions"

	missingSuffix = "_missing"
)

// FeatureVector maps feature names to values. Absent comparisons are
// recorded as <name>_missing = 1 rather than a zero similarity.
type FeatureVector map[string]float64

// Missing reports whether a comparison could not be made
func (f FeatureVector) Missing(name string) bool {
	return f[name+missingSuffix] == 1
}

// Evidence renders the non-missing features as "name=value" strings
func (f FeatureVector) Evidence() []string {
	out := make([]string, 0, len(f))
	for _, name := range []string{
		FeatureNameJaroWinkler, FeatureNameTokenJaccard, FeatureAddress, FeaturePhone,
		FeatureEmail, FeatureSourcePrior, FeatureContradictions,
	} {
		if v, ok := f[name]; ok && !f.Missing(name) {
			out = append(out, name+"="+formatFloat(v))
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// SourcePriors supplies the reliability prior of a source
type SourcePriors interface {
	SourcePrior(ctx context.Context, sourceID string) float64
}

type staticPrior float64

func (p staticPrior) SourcePrior(context.Context, string) float64 { return float64(p) }

// StaticPrior returns the same prior for every source
func StaticPrior(p float64) SourcePriors { return staticPrior(p) }

// contradictionTypes are key types where differing values mean different actors
var contradictionTypes = []models.KeyType{models.KeyTaxID, models.KeyDocumentNumber, models.KeyParcelID}

type FeatureExtractor struct {
	keys   *keys.Normalizer
	priors SourcePriors
}

func NewFeatureExtractor(normalizer *keys.Normalizer, priors SourcePriors) *FeatureExtractor {
	if priors == nil {
		priors = StaticPrior(0.5)
	}
	return &FeatureExtractor{keys: normalizer, priors: priors}
}

// Extract compares a record with a candidate entity
func (x *FeatureExtractor) Extract(ctx context.Context, rec models.Record, entity models.Entity) FeatureVector {
	ctx, span := tracing.StartSpan(ctx, "matching.FeatureExtractor.Extract")
	defer span.End()

	fv := FeatureVector{}

	a := normalizers.StripLegalSuffixes(normalizers.NormalizeName(rec.Field(models.FieldName)))
	b := normalizers.StripLegalSuffixes(normalizers.NormalizeName(entity.DisplayName))
	if a == "" || b == "" {
		for _, name := range []string{FeatureNameJaroWinkler, FeatureNameTokenJaccard, FeatureNameLevenshtein, FeatureNameSoundex} {
			fv.missing(name)
		}
	} else {
		fv[FeatureNameJaroWinkler] = JaroWinkler(a, b)
		fv[FeatureNameTokenJaccard] = TokenJaccard(normalizers.NameTokens(a), normalizers.NameTokens(b))
		fv[FeatureNameLevenshtein] = Levenshtein(a, b)
		fv[FeatureNameSoundex] = boolFeature(Soundex(a) == Soundex(b))
	}

	recordKeys := x.keys.Normalize(rec)
	fv.keyFeature(FeatureAddress, models.KeyAddress, recordKeys, entity)
	fv.keyFeature(FeaturePhone, models.KeyPhone, recordKeys, entity)
	fv.keyFeature(FeatureEmail, models.KeyEmailDomain, recordKeys, entity)

	contradictions := 0
	for _, t := range contradictionTypes {
		if v, ok := keyOfType(recordKeys, t); ok {
			if _, ok := entityKeyOfType(entity, t); ok && !entity.HasKey(v) {
				contradictions++
			}
		}
	}
	fv[FeatureContradictions] = float64(contradictions)

	fv[FeatureSourcePrior] = x.priors.SourcePrior(ctx, rec.SourceID)

	if rec.ObservedAt.IsZero() || entity.UpdatedAt.IsZero() {
		fv.missing(FeatureRecencyDays)
	} else {
		fv[FeatureRecencyDays] = math.Abs(rec.ObservedAt.Sub(entity.UpdatedAt).Hours()) / 24
	}

	return fv
}

func (f FeatureVector) missing(name string) {
	f[name] = 0
	f[name+missingSuffix] = 1
}

// keyFeature is 1 when the entity holds the record's key, 0 when both sides
// have a key of that type but they differ, and missing otherwise.
func (f FeatureVector) keyFeature(name string, t models.KeyType, recordKeys []models.DeterministicKey, entity models.Entity) {
	var recordHas bool
	for _, k := range recordKeys {
		if k.Type != t {
			continue
		}
		recordHas = true
		if entity.HasKey(k) {
			f[name] = 1
			return
		}
	}
	if _, entityHas := entityKeyOfType(entity, t); recordHas && entityHas {
		f[name] = 0
		return
	}
	f.missing(name)
}

func keyOfType(ks []models.DeterministicKey, t models.KeyType) (models.DeterministicKey, bool) {
	for _, k := range ks {
		if k.Type == t {
			return k, true
		}
	}
	return models.DeterministicKey{}, false
}

func entityKeyOfType(e models.Entity, t models.KeyType) (models.DeterministicKey, bool) {
	return keyOfType(e.Keys, t)
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
