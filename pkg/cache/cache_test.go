package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCache struct{ err error }

func (f failingCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return f.err
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute, time.Minute)

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, 1, m.Len())
}

func TestLayered(t *testing.T) {
	ctx := context.Background()

	t.Run("back hit fills front", func(t *testing.T) {
		front := NewMemory(time.Minute, time.Minute)
		back := NewMemory(time.Hour, time.Minute)
		require.NoError(t, back.Set(ctx, "k", []byte("v"), time.Hour))

		l := NewLayered(front, back, time.Minute)
		v, ok, err := l.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("v"), v)
		assert.Equal(t, 1, front.Len())
	})

	t.Run("back failure surfaces on set", func(t *testing.T) {
		boom := errors.New("redis down")
		l := NewLayered(NewMemory(time.Minute, time.Minute), failingCache{err: boom}, time.Minute)
		assert.ErrorIs(t, l.Set(ctx, "k", []byte("v"), time.Hour), boom)

		_, ok, err := l.Get(ctx, "k")
		assert.ErrorIs(t, err, boom)
		assert.False(t, ok)
	})
}
