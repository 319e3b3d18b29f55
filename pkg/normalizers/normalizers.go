// Package normalizers provides the value normalizations behind deterministic
// keys and pairwise features.
package normalizers

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/net/publicsuffix"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

var registry = map[string]Normalizer{
	"lowercase":           strings.ToLower,
	"uppercase":           strings.ToUpper,
	"trim":                strings.TrimSpace,
	"collapse_whitespace": CollapseWhitespace,
	"remove_punctuation":  RemovePunctuation,
	"digits_only":         DigitsOnly,
	"alphanumeric":        Alphanumeric,
	"name":                NormalizeName,
	"registered_agent":    NormalizeRegisteredAgent,
	"address":             NormalizeAddress,
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// ApplyChain applies named normalizers in order. Unknown names are skipped.
func ApplyChain(value string, names ...string) string {
	for _, name := range names {
		if fn, ok := registry[name]; ok {
			value = fn(value)
		}
	}
	return value
}

// CollapseWhitespace trims and folds runs of whitespace into one space
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// RemovePunctuation replaces punctuation and symbols with spaces
func RemovePunctuation(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, s)
}

// DigitsOnly keeps only digits
func DigitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// Alphanumeric keeps letters and digits, uppercased
func Alphanumeric(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return -1
	}, s)
}

// NormalizeName lowercases, drops punctuation (apostrophes join words) and
// collapses whitespace.
func NormalizeName(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("'", "", "’", "").Replace(s)
	return CollapseWhitespace(RemovePunctuation(s))
}

var legalSuffixes = map[string]bool{
	"inc": true, "incorporated": true, "llc": true, "corp": true, "corporation": true,
	"ltd": true, "limited": true, "co": true, "company": true, "lp": true, "llp": true,
	"pc": true, "pllc": true, "plc": true,
}

// StripLegalSuffixes removes trailing legal-form tokens from a normalized name
func StripLegalSuffixes(normalized string) string {
	tokens := strings.Fields(normalized)
	for len(tokens) > 1 && legalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// NormalizeRegisteredAgent turns "Smith & Associates, Inc." into "smith associates"
func NormalizeRegisteredAgent(s string) string {
	return StripLegalSuffixes(NormalizeName(s))
}

var stopTokens = map[string]bool{"the": true, "of": true, "and": true, "a": true}

// NameTokens returns the distinct comparable tokens of a name, in order
func NameTokens(s string) []string {
	tokens := strings.Fields(StripLegalSuffixes(NormalizeName(s)))
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if stopTokens[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

var addressExpansions = map[string]string{
	"st": "street", "str": "street", "ave": "avenue", "av": "avenue", "rd": "road",
	"blvd": "boulevard", "dr": "drive", "ln": "lane", "ct": "court", "pl": "place",
	"pkwy": "parkway", "hwy": "highway", "cir": "circle", "ter": "terrace", "sq": "square",
	"trl": "trail", "wy": "way", "ste": "suite", "apt": "apartment", "fl": "floor",
	"bldg": "building", "rm": "room",
	"n": "north", "s": "south", "e": "east", "w": "west",
	"ne": "northeast", "nw": "northwest", "se": "southeast", "sw": "southwest",
}

// NormalizeAddress lowercases, strips punctuation and expands common
// abbreviations: "123 Main St., SW" becomes "123 main street southwest".
func NormalizeAddress(s string) string {
	tokens := strings.Fields(RemovePunctuation(strings.ToLower(s)))
	for i, t := range tokens {
		if full, ok := addressExpansions[t]; ok {
			tokens[i] = full
		}
	}
	return strings.Join(tokens, " ")
}

// Hash returns the hex sha256 of s
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// PhoneE164 formats a phone number as E.164. ok is false for numbers that do
// not parse or are not valid in their region.
func PhoneE164(s, defaultRegion string) (string, bool) {
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	num, err := phonenumbers.Parse(s, defaultRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

// EmailDomain returns the registrable domain of an email address
func EmailDomain(s string) (string, bool) {
	at := strings.LastIndex(s, "@")
	if at < 1 || at == len(s)-1 {
		return "", false
	}
	host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s[at+1:])), ".")
	if host == "" || strings.ContainsAny(host, " @") {
		return "", false
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", false
	}
	return domain, true
}

// TaxID returns the 9 digits of a US EIN/SSN style identifier
func TaxID(s string) (string, bool) {
	d := DigitsOnly(s)
	if len(d) != 9 {
		return "", false
	}
	return d, true
}
