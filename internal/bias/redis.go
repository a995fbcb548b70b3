package bias

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	reviewerKeyPrefix = "council:bias:reviewer:"
	pairKeyPrefix     = "council:bias:pair:"
)

// RedisStore persists reviewer statistics in Redis so flags survive process
// restarts and are shared between server replicas.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. A zero ttl keeps records
// indefinitely.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Update implements Store. The read-modify-write runs under a WATCH
// transaction so concurrent sessions do not lose updates.
func (s *RedisStore) Update(ctx context.Context, model string, fn func(*ReviewerStats)) (ReviewerStats, error) {
	key := reviewerKeyPrefix + model
	var out ReviewerStats

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		stats, err := readReviewer(ctx, tx, key)
		if err != nil {
			return err
		}
		stats.Model = model
		fn(&stats)
		out = stats

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"ewma_deviation", stats.EWMADeviation,
				"sessions", stats.Sessions,
				"self_votes", stats.SelfVotes,
				"top_first_picks", stats.TopFirstPicks,
			)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return ReviewerStats{}, fmt.Errorf("update reviewer stats: %w", err)
	}
	return out, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, model string) (ReviewerStats, bool, error) {
	stats, err := readReviewer(ctx, s.client, reviewerKeyPrefix+model)
	if err != nil {
		return ReviewerStats{}, false, err
	}
	if stats.Sessions == 0 {
		return ReviewerStats{}, false, nil
	}
	stats.Model = model
	return stats, true, nil
}

// AddPair implements Store.
func (s *RedisStore) AddPair(ctx context.Context, modelA, modelB string, rho float64) (PairStats, error) {
	key := pairKeyPrefix + pairKey(modelA, modelB)
	pipe := s.client.TxPipeline()
	sessions := pipe.HIncrBy(ctx, key, "sessions", 1)
	rhoSum := pipe.HIncrByFloat(ctx, key, "rho_sum", rho)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return PairStats{}, fmt.Errorf("update pair stats: %w", err)
	}
	return PairStats{Sessions: int(sessions.Val()), RhoSum: rhoSum.Val()}, nil
}

// GetPair implements Store.
func (s *RedisStore) GetPair(ctx context.Context, modelA, modelB string) (PairStats, bool, error) {
	key := pairKeyPrefix + pairKey(modelA, modelB)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return PairStats{}, false, fmt.Errorf("read pair stats: %w", err)
	}
	if len(fields) == 0 {
		return PairStats{}, false, nil
	}
	var p PairStats
	fmt.Sscanf(fields["sessions"], "%d", &p.Sessions)
	fmt.Sscanf(fields["rho_sum"], "%f", &p.RhoSum)
	return p, true, nil
}

func readReviewer(ctx context.Context, c redis.Cmdable, key string) (ReviewerStats, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return ReviewerStats{}, fmt.Errorf("read reviewer stats: %w", err)
	}
	var stats ReviewerStats
	if len(fields) == 0 {
		return stats, nil
	}
	fmt.Sscanf(fields["ewma_deviation"], "%f", &stats.EWMADeviation)
	fmt.Sscanf(fields["sessions"], "%d", &stats.Sessions)
	fmt.Sscanf(fields["self_votes"], "%d", &stats.SelfVotes)
	fmt.Sscanf(fields["top_first_picks"], "%d", &stats.TopFirstPicks)
	return stats, nil
}
