// Package fingerprint computes the composite content hash used to
// deduplicate raw records.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

const separator = "\x1f"

// Input is everything that participates in the composite fingerprint
type Input struct {
	Payload     []byte
	ContentType models.ContentType
	SourceURL   string
	RetrievedAt time.Time
	Selector    string
}

// Fingerprinter hashes raw records. ExcludeFields names JSON fields (dot
// paths) that change on every render and must not affect the hash.
type Fingerprinter struct {
	ExcludeFields map[string]bool
}

func New(excludeFields []string) *Fingerprinter {
	f := &Fingerprinter{ExcludeFields: make(map[string]bool, len(excludeFields))}
	for _, field := range excludeFields {
		f.ExcludeFields[field] = true
	}
	return f
}

// Compute returns hex(sha256(normalized payload | url | hour bucket | selector))
func (f *Fingerprinter) Compute(in Input) (string, error) {
	payload, err := f.NormalizePayload(in.Payload, in.ContentType)
	if err != nil {
		return "", err
	}
	u, err := canonicalURL(in.SourceURL)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(separator))
	h.Write([]byte(u))
	h.Write([]byte(separator))
	h.Write([]byte(HourBucket(in.RetrievedAt).Format(time.RFC3339)))
	h.Write([]byte(separator))
	h.Write([]byte(strings.TrimSpace(in.Selector)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HourBucket truncates t to the hour in UTC
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// DetectContentType guesses the payload encoding when the source did not say
func DetectContentType(payload []byte) models.ContentType {
	trimmed := bytes.TrimSpace(payload)
	if json.Valid(trimmed) && len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return models.ContentTypeJSON
	}
	if bytes.HasPrefix(trimmed, []byte("<")) && bytes.Contains(trimmed, []byte(">")) {
		return models.ContentTypeHTML
	}
	return models.ContentTypeText
}

// NormalizePayload strips non-semantic differences: markup and whitespace
// for HTML and text, key order and formatting for JSON.
func (f *Fingerprinter) NormalizePayload(payload []byte, contentType models.ContentType) ([]byte, error) {
	if contentType == "" {
		contentType = DetectContentType(payload)
	}

	switch contentType {
	case models.ContentTypeJSON:
		var data any
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&data); err != nil {
			return nil, models.NewValidationError("payload", fmt.Sprintf("invalid json: %v", err))
		}
		if _, err := dec.Token(); err != io.EOF {
			return nil, models.NewValidationError("payload", "trailing data after json document")
		}
		return []byte(f.canonicalize(data, "")), nil
	case models.ContentTypeHTML:
		return []byte(htmlText(payload)), nil
	case models.ContentTypeText:
		return []byte(normalizers.CollapseWhitespace(string(payload))), nil
	default:
		return nil, models.NewValidationError("content_type", fmt.Sprintf("unsupported content type %q", contentType))
	}
}

func (f *Fingerprinter) canonicalize(data any, path string) string {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			fieldPath := k
			if path != "" {
				fieldPath = path + "." + k
			}
			if !f.ExcludeFields[fieldPath] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fieldPath := k
			if path != "" {
				fieldPath = path + "." + k
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			b.WriteString(f.canonicalize(v[k], fieldPath))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = f.canonicalize(item, path)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case string:
		b, _ := json.Marshal(normalizers.CollapseWhitespace(v))
		return string(b)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// htmlText returns the visible text of an HTML document with whitespace
// collapsed. Script and style bodies are dropped.
func htmlText(payload []byte) string {
	z := html.NewTokenizer(bytes.NewReader(payload))
	var parts []string
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return normalizers.CollapseWhitespace(strings.Join(parts, " "))
		case html.StartTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); a == atom.Script || a == atom.Style {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); (a == atom.Script || a == atom.Style) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				parts = append(parts, string(z.Text()))
			}
		}
	}
}

func canonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", models.NewValidationError("source_url", fmt.Sprintf("malformed url %q", raw))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String(), nil
}
