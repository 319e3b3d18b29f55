package matching

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

var (
	taxKey   = models.DeterministicKey{Type: models.KeyTaxID, Value: "123456789"}
	agentKey = models.DeterministicKey{Type: models.KeyRegisteredAgent, Value: "jane roe"}
	phoneKey = models.DeterministicKey{Type: models.KeyPhone, Value: "+12015550123"}
)

func liveEntity(id, name string, keys ...models.DeterministicKey) models.Entity {
	return models.Entity{
		ID:          id,
		Type:        models.EntityTypeCompany,
		DisplayName: name,
		Keys:        keys,
		Status:      models.EntityStatusLive,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestDeterministicMatcher_Match(t *testing.T) {
	ctx := context.Background()

	t.Run("no keys no match", func(t *testing.T) {
		m := NewDeterministicMatcher(memory.New(), DefaultDeterministicConfig(), testLogger())
		got, err := m.Match(ctx, nil)
		require.NoError(t, err)
		assert.False(t, got.Matched())
	})

	t.Run("most trusted hit supplies confidence", func(t *testing.T) {
		st := memory.New()
		require.NoError(t, st.PutEntities(ctx, liveEntity("e1", "Acme", taxKey, phoneKey)))
		m := NewDeterministicMatcher(st, DefaultDeterministicConfig(), testLogger())

		got, err := m.Match(ctx, []models.DeterministicKey{phoneKey, taxKey})
		require.NoError(t, err)
		assert.True(t, got.Matched())
		assert.Equal(t, "e1", got.EntityID)
		assert.Equal(t, taxKey, got.Key)
		assert.Equal(t, 0.999, got.Confidence)
	})

	t.Run("keys on different entities conflict", func(t *testing.T) {
		st := memory.New()
		require.NoError(t, st.PutEntities(ctx,
			liveEntity("e1", "Acme", taxKey),
			liveEntity("e2", "Acme Two", agentKey),
		))
		m := NewDeterministicMatcher(st, DefaultDeterministicConfig(), testLogger())

		got, err := m.Match(ctx, []models.DeterministicKey{taxKey, agentKey})
		require.NoError(t, err)
		assert.False(t, got.Matched())
		require.NotNil(t, got.Conflict)
		assert.Equal(t, []string{"e1", "e2"}, got.Conflict.EntityIDs)
	})
}
