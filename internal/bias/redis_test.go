package bias

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, time.Hour)
}

func TestRedisStoreUpdateAndGet(t *testing.T) {
	ctx := context.Background()
	store := redisStore(t)

	stats, err := store.Update(ctx, "m/one", func(s *ReviewerStats) {
		s.EWMADeviation = 0.3
		s.Sessions = 1
		s.SelfVotes = 1
	})
	require.NoError(t, err)
	assert.Equal(t, "m/one", stats.Model)
	assert.InDelta(t, 0.3, stats.EWMADeviation, 1e-9)

	// A second update sees the persisted state.
	stats, err = store.Update(ctx, "m/one", func(s *ReviewerStats) {
		require.Equal(t, 1, s.Sessions)
		s.Sessions++
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sessions)

	got, ok, err := store.Get(ctx, "m/one")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Sessions)
	assert.Equal(t, 1, got.SelfVotes)
	assert.InDelta(t, 0.3, got.EWMADeviation, 1e-9)
}

func TestRedisStoreGetUnknownModel(t *testing.T) {
	store := redisStore(t)
	_, ok, err := store.Get(context.Background(), "never/seen")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStorePairAccumulates(t *testing.T) {
	ctx := context.Background()
	store := redisStore(t)

	_, err := store.AddPair(ctx, "a", "b", 0.95)
	require.NoError(t, err)
	p, err := store.AddPair(ctx, "b", "a", 0.85) // order-independent key
	require.NoError(t, err)

	assert.Equal(t, 2, p.Sessions)
	assert.InDelta(t, 0.9, p.MeanRho(), 1e-9)

	got, ok, err := store.GetPair(ctx, "a", "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Sessions)
}

func TestAuditorOverRedisStore(t *testing.T) {
	ctx := context.Background()
	a := NewAuditor(redisStore(t), DefaultConfig(), nil)

	for i := 0; i < 4; i++ {
		a.Observe(ctx, []ReviewerSample{sample("biased/model", 0.5)})
	}
	assert.True(t, a.Flagged(ctx, []string{"biased/model"})["biased/model"])
}
