package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCooldownWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	l := NewLimiter(store, nil)
	ctx := context.Background()
	cooldown := 10 * time.Second

	first := l.Allow(ctx, "user:1", cooldown)
	require.True(t, first.Allowed)

	second := l.Allow(ctx, "user:1", cooldown)
	require.False(t, second.Allowed)
	assert.Equal(t, cooldown, second.RetryAfter)

	now = now.Add(4 * time.Second)
	third := l.Allow(ctx, "user:1", cooldown)
	require.False(t, third.Allowed)
	assert.Equal(t, 6*time.Second, third.RetryAfter)

	now = now.Add(6 * time.Second)
	fourth := l.Allow(ctx, "user:1", cooldown)
	assert.True(t, fourth.Allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	l := NewLimiter(store, nil)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "user:1", time.Minute).Allowed)
	assert.True(t, l.Allow(ctx, "user:2", time.Minute).Allowed)
	assert.False(t, l.Allow(ctx, "user:1", time.Minute).Allowed)
}

func TestBypassWithoutStoreOrCooldown(t *testing.T) {
	ctx := context.Background()

	l := NewLimiter(nil, nil)
	assert.True(t, l.Allow(ctx, "user:1", time.Minute).Allowed)

	l = NewLimiter(NewMemoryStore(), nil)
	assert.True(t, l.Allow(ctx, "user:1", 0).Allowed)
	assert.True(t, l.Allow(ctx, "user:1", -time.Second).Allowed)
}

type failingStore struct{}

func (failingStore) Allow(ctx context.Context, key string, cooldown time.Duration) (Decision, error) {
	return Decision{}, errors.New("store down")
}

func TestStoreErrorFailsOpen(t *testing.T) {
	l := NewLimiter(failingStore{}, nil)
	d := l.Allow(context.Background(), "user:1", time.Minute)
	assert.True(t, d.Allowed)
}
