// Package keys derives the deterministic candidate keys of a record.
package keys

import (
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// Config holds the configurable inputs of key derivation
type Config struct {
	// RegisteredAgentFilter lists professional registered-agent services.
	// They serve thousands of unrelated companies and never become keys.
	RegisteredAgentFilter []string `mapstructure:"registered_agent_filter" yaml:"registered_agent_filter"`
	// FreeEmailDomains are shared mailbox providers that never become keys
	FreeEmailDomains []string `mapstructure:"free_email_domains" yaml:"free_email_domains"`
	// PhoneRegion is the region assumed for numbers without a country code
	PhoneRegion string `mapstructure:"phone_region" yaml:"phone_region"`
}

func DefaultConfig() Config {
	return Config{
		RegisteredAgentFilter: []string{
			"CT Corporation System",
			"Corporation Service Company",
			"National Registered Agents, Inc.",
			"Registered Agents Inc.",
			"Northwest Registered Agent LLC",
			"Incorp Services, Inc.",
			"InCorp Services",
			"Cogency Global Inc.",
			"United States Corporation Agents, Inc.",
			"Harbor Compliance",
		},
		FreeEmailDomains: []string{
			"gmail.com", "yahoo.com", "hotmail.com", "outlook.com", "aol.com",
			"icloud.com", "protonmail.com", "live.com", "msn.com",
		},
		PhoneRegion: "US",
	}
}

// Normalizer derives ordered deterministic keys. It holds only immutable
// lookup tables, so it is safe for concurrent use.
type Normalizer struct {
	agentFilter map[string]bool
	freeMail    map[string]bool
	region      string
}

func NewNormalizer(cfg Config) *Normalizer {
	n := &Normalizer{
		agentFilter: make(map[string]bool, len(cfg.RegisteredAgentFilter)),
		freeMail:    make(map[string]bool, len(cfg.FreeEmailDomains)),
		region:      cfg.PhoneRegion,
	}
	for _, agent := range cfg.RegisteredAgentFilter {
		if norm := normalizers.NormalizeRegisteredAgent(agent); norm != "" {
			n.agentFilter[norm] = true
		}
	}
	for _, d := range cfg.FreeEmailDomains {
		n.freeMail[normalizers.CollapseWhitespace(d)] = true
	}
	if n.region == "" {
		n.region = "US"
	}
	return n
}

// IsFilteredAgent reports whether a registered agent name is a known
// professional service
func (n *Normalizer) IsFilteredAgent(name string) bool {
	return n.agentFilter[normalizers.NormalizeRegisteredAgent(name)]
}

// Normalize returns the record's keys ordered by trust rank. Missing or
// unusable fields omit their key.
func (n *Normalizer) Normalize(record models.Record) []models.DeterministicKey {
	var out []models.DeterministicKey
	add := func(t models.KeyType, v string) {
		if v != "" {
			out = append(out, models.DeterministicKey{Type: t, Value: v})
		}
	}

	if v, ok := normalizers.TaxID(record.Field(models.FieldTaxID)); ok {
		add(models.KeyTaxID, v)
	}
	add(models.KeyDocumentNumber, normalizers.Alphanumeric(record.Field(models.FieldDocumentNumber)))
	add(models.KeyParcelID, normalizers.Alphanumeric(record.Field(models.FieldParcelID)))

	if agent := normalizers.NormalizeRegisteredAgent(record.Field(models.FieldRegisteredAgent)); agent != "" && !n.agentFilter[agent] {
		add(models.KeyRegisteredAgent, agent)
	}
	if addr := normalizers.NormalizeAddress(record.Field(models.FieldAddress)); addr != "" {
		add(models.KeyAddress, normalizers.Hash(addr))
	}
	if phone, ok := normalizers.PhoneE164(record.Field(models.FieldPhone), n.region); ok {
		add(models.KeyPhone, phone)
	}
	if domain, ok := normalizers.EmailDomain(record.Field(models.FieldEmail)); ok && !n.freeMail[domain] {
		add(models.KeyEmailDomain, domain)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
