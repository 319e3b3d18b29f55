package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

func record(fields map[string]string) models.Record {
	return models.Record{EntityType: models.EntityTypeCompany, Fields: fields}
}

func TestNormalize(t *testing.T) {
	n := NewNormalizer(DefaultConfig())

	t.Run("orders keys by trust rank", func(t *testing.T) {
		keys := n.Normalize(record(map[string]string{
			models.FieldEmail:           "ops@acme-widgets.com",
			models.FieldPhone:           "(201) 555-0123",
			models.FieldAddress:         "1200 Main St SW",
			models.FieldRegisteredAgent: "Smith & Associates Inc",
			models.FieldParcelID:        "12-34-567",
			models.FieldTaxID:           "12-3456789",
			models.FieldDocumentNumber:  "l-1234",
		}))

		require.Len(t, keys, 7)
		types := make([]models.KeyType, len(keys))
		for i, k := range keys {
			types[i] = k.Type
		}
		assert.Equal(t, []models.KeyType{
			models.KeyDocumentNumber,
			models.KeyTaxID,
			models.KeyParcelID,
			models.KeyRegisteredAgent,
			models.KeyAddress,
			models.KeyPhone,
			models.KeyEmailDomain,
		}, types)
		assert.Equal(t, "L1234", keys[0].Value)
		assert.Equal(t, "123456789", keys[1].Value)
		assert.Equal(t, "smith associates", keys[3].Value)
		assert.Equal(t, normalizers.Hash("1200 main street southwest"), keys[4].Value)
		assert.Equal(t, "+12015550123", keys[5].Value)
		assert.Equal(t, "acme-widgets.com", keys[6].Value)
	})

	t.Run("missing fields omit keys", func(t *testing.T) {
		assert.Empty(t, n.Normalize(record(nil)))
		assert.Empty(t, n.Normalize(record(map[string]string{models.FieldName: "Acme"})))
		assert.Empty(t, n.Normalize(models.Record{}))
	})

	t.Run("filters professional registered agents", func(t *testing.T) {
		keys := n.Normalize(record(map[string]string{models.FieldRegisteredAgent: "CT CORPORATION SYSTEM"}))
		assert.Empty(t, keys)
		assert.True(t, n.IsFilteredAgent("Registered Agents, Inc"))
	})

	t.Run("filter list is configuration", func(t *testing.T) {
		custom := NewNormalizer(Config{RegisteredAgentFilter: []string{"Smith & Associates"}})
		keys := custom.Normalize(record(map[string]string{models.FieldRegisteredAgent: "Smith & Associates Inc"}))
		assert.Empty(t, keys)
	})

	t.Run("drops free mail domains and bad values", func(t *testing.T) {
		keys := n.Normalize(record(map[string]string{
			models.FieldEmail: "someone@gmail.com",
			models.FieldPhone: "not a phone",
			models.FieldTaxID: "123",
		}))
		assert.Empty(t, keys)
	})
}

func TestNormalizeIsDeterministic(t *testing.T) {
	n := NewNormalizer(DefaultConfig())
	inputs := []map[string]string{
		nil,
		{},
		{models.FieldRegisteredAgent: "Smith & Associates Inc", models.FieldAddress: "9 Elm Ave"},
		{models.FieldTaxID: "98-7654321", models.FieldPhone: "+44 20 7946 0958", models.FieldEmail: "A@B.ORG"},
		{models.FieldDocumentNumber: "  ", models.FieldParcelID: "--"},
	}

	for _, fields := range inputs {
		first := n.Normalize(record(fields))
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, n.Normalize(record(fields)))
		}
		other := NewNormalizer(DefaultConfig())
		assert.Equal(t, first, other.Normalize(record(fields)))
	}
}
