package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/agent-coordinator/internal/adapter/memory/cache"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func TestCache_SetGetExpire(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := cache.NewWithClock(clk.now)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	clk.t = clk.t.Add(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	assert.True(t, errors.Is(err, cache.ErrNotFound))
	assert.Zero(t, c.Len())
}

func TestCache_Invalidate(t *testing.T) {
	c := cache.New()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Hour))
	require.NoError(t, c.Invalidate(ctx, "k"))

	_, err := c.Get(ctx, "k")
	assert.True(t, errors.Is(err, cache.ErrNotFound))
}

func TestCache_Sweep(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	c := cache.NewWithClock(clk.now)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "short", nil, time.Second))
	require.NoError(t, c.Set(ctx, "long", nil, time.Hour))

	clk.t = clk.t.Add(time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}
