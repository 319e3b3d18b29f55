package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestCompute(t *testing.T) {
	f := New([]string{"meta.scraped_at"})
	base := Input{
		Payload:     []byte(`{"name":"Acme LLC","agent":"Smith & Associates Inc"}`),
		ContentType: models.ContentTypeJSON,
		SourceURL:   "https://registry.example.gov/filings/1",
		RetrievedAt: time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC),
		Selector:    "$.filing",
	}
	want, err := f.Compute(base)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(in Input) Input
		same   bool
	}{
		{"key order and spacing", func(in Input) Input {
			in.Payload = []byte("{ \"agent\": \"Smith &  Associates Inc\",\n \"name\": \"Acme LLC\" }")
			return in
		}, true},
		{"same hour", func(in Input) Input { in.RetrievedAt = in.RetrievedAt.Add(40 * time.Minute); return in }, true},
		{"url host case and fragment", func(in Input) Input {
			in.SourceURL = "https://REGISTRY.example.gov/filings/1#top"
			return in
		}, true},
		{"excluded volatile field", func(in Input) Input {
			in.Payload = []byte(`{"name":"Acme LLC","agent":"Smith & Associates Inc","meta":{"scraped_at":"now"}}`)
			return in
		}, false},
		{"next hour", func(in Input) Input { in.RetrievedAt = in.RetrievedAt.Add(time.Hour); return in }, false},
		{"different selector", func(in Input) Input { in.Selector = "$.officers"; return in }, false},
		{"different url", func(in Input) Input { in.SourceURL = "https://registry.example.gov/filings/2"; return in }, false},
		{"different content", func(in Input) Input { in.Payload = []byte(`{"name":"Acme Inc"}`); return in }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Compute(tt.mutate(base))
			require.NoError(t, err)
			if tt.same {
				assert.Equal(t, want, got)
			} else {
				assert.NotEqual(t, want, got)
			}
		})
	}
}

func TestComputeExcludedFieldIgnored(t *testing.T) {
	f := New([]string{"meta.scraped_at"})
	in := Input{SourceURL: "https://x.example/1", RetrievedAt: time.Now(), ContentType: models.ContentTypeJSON}

	in.Payload = []byte(`{"name":"A","meta":{"scraped_at":"one"}}`)
	a, err := f.Compute(in)
	require.NoError(t, err)

	in.Payload = []byte(`{"name":"A","meta":{"scraped_at":"two"}}`)
	b, err := f.Compute(in)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestNormalizePayloadHTML(t *testing.T) {
	f := New(nil)
	a, err := f.NormalizePayload([]byte(`<html><head><style>p{}</style></head><body><p>Permit  #42</p><script>track()</script></body></html>`), models.ContentTypeHTML)
	require.NoError(t, err)
	b, err := f.NormalizePayload([]byte("<div class=\"new-theme\">\n  <span>Permit #42</span>\n</div>"), models.ContentTypeHTML)
	require.NoError(t, err)

	assert.Equal(t, "Permit #42", string(a))
	assert.Equal(t, a, b)
}

func TestComputeValidation(t *testing.T) {
	f := New(nil)
	var verr *models.ValidationError

	_, err := f.Compute(Input{Payload: []byte(`{"broken"`), ContentType: models.ContentTypeJSON, SourceURL: "https://x.example"})
	assert.ErrorAs(t, err, &verr)

	_, err = f.Compute(Input{Payload: []byte("text"), SourceURL: "not a url"})
	assert.ErrorAs(t, err, &verr)
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, models.ContentTypeJSON, DetectContentType([]byte(` {"a":1}`)))
	assert.Equal(t, models.ContentTypeHTML, DetectContentType([]byte(`<p>hi</p>`)))
	assert.Equal(t, models.ContentTypeText, DetectContentType([]byte(`plain words`)))
}
