package models

// KeyType identifies the kind of deterministic key
type KeyType string

const (
	KeyTaxID           KeyType = "tax_id"
	KeyDocumentNumber  KeyType = "document_number"
	KeyParcelID        KeyType = "parcel_id"
	KeyRegisteredAgent KeyType = "registered_agent"
	KeyAddress         KeyType = "address"
	KeyPhone           KeyType = "phone"
	KeyEmailDomain     KeyType = "email_domain"
)

// keyRank orders key types by trust, lowest rank is most trusted
var keyRank = map[KeyType]int{
	KeyTaxID:           0,
	KeyDocumentNumber:  0,
	KeyParcelID:        1,
	KeyRegisteredAgent: 2,
	KeyAddress:         3,
	KeyPhone:           4,
	KeyEmailDomain:     5,
}

// Rank returns the trust rank of the key type. Unknown types rank last.
func (k KeyType) Rank() int {
	if r, ok := keyRank[k]; ok {
		return r
	}
	return len(keyRank)
}

// DeterministicKey is a normalized value expected to identify one entity
type DeterministicKey struct {
	Type  KeyType `json:"type" db:"key_type"`
	Value string  `json:"value" db:"key_value"`
}

// String renders the key as type:value
func (k DeterministicKey) String() string {
	return string(k.Type) + ":" + k.Value
}

// Less orders keys by trust rank, then type, then value
func (k DeterministicKey) Less(other DeterministicKey) bool {
	if k.Type.Rank() != other.Type.Rank() {
		return k.Type.Rank() < other.Type.Rank()
	}
	if k.Type != other.Type {
		return k.Type < other.Type
	}
	return k.Value < other.Value
}
