package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRegisteredAgent(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"ampersand and suffix", "Smith & Associates Inc", "smith associates"},
		{"punctuated suffix", "Smith & Associates, Inc.", "smith associates"},
		{"stacked suffixes", "Acme Holding Co. LLC", "acme holding"},
		{"extra whitespace", "  Jane   Q.  Doe ", "jane q doe"},
		{"suffix only name kept", "Inc", "inc"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeRegisteredAgent(tt.input))
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"street and quadrant", "1200 Main St., SW", "1200 main street southwest"},
		{"suite", "55 Oak Ave Ste 4", "55 oak avenue suite 4"},
		{"already expanded", "1200 main street southwest", "1200 main street southwest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeAddress(tt.input))
		})
	}

	assert.Equal(t, Hash(NormalizeAddress("1200 Main St SW")), Hash(NormalizeAddress("1200 main street southwest")))
}

func TestPhoneE164(t *testing.T) {
	got, ok := PhoneE164("(201) 555-0123", "US")
	assert.True(t, ok)
	assert.Equal(t, "+12015550123", got)

	_, ok = PhoneE164("12", "US")
	assert.False(t, ok)

	_, ok = PhoneE164("", "US")
	assert.False(t, ok)
}

func TestEmailDomain(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		ok       bool
	}{
		{"Jane@Mail.Example.co.uk", "example.co.uk", true},
		{"ops@acme.com", "acme.com", true},
		{"no-at-sign", "", false},
		{"trailing@", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := EmailDomain(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestTaxID(t *testing.T) {
	got, ok := TaxID("12-3456789")
	assert.True(t, ok)
	assert.Equal(t, "123456789", got)

	_, ok = TaxID("12-345")
	assert.False(t, ok)
}

func TestNameTokens(t *testing.T) {
	assert.Equal(t, []string{"acme", "holdings"}, NameTokens("The Acme Holdings, LLC"))
	assert.Empty(t, NameTokens(""))
}

func TestApplyChain(t *testing.T) {
	assert.Equal(t, "ABC123", ApplyChain(" abc-123 ", "trim", "alphanumeric"))
	assert.Equal(t, "x", ApplyChain("x", "unknown"))
}
