package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ScratchKV is a process-shared key/value store used by the scratchpad tool
// and the background swarm workers to leave notes for each other across
// request boundaries.
type ScratchKV struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewScratchKV connects to redis at addr (host:port).
func NewScratchKV(addr, password string, db int, ttl time.Duration) (*ScratchKV, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("memory: scratchpad ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ScratchKV{client: client, prefix: "ghost:scratch:", ttl: ttl}, nil
}

func (s *ScratchKV) key(k string) string { return s.prefix + k }

// Set writes a scratch value under key with the store's TTL.
func (s *ScratchKV) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("memory: scratch set: %w", err)
	}
	return nil
}

// Get reads a scratch value, returning ("", false) if absent.
func (s *ScratchKV) Get(ctx context.Context, key string) (string, bool) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

// Delete removes a scratch key.
func (s *ScratchKV) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Close releases the underlying connection pool.
func (s *ScratchKV) Close() error { return s.client.Close() }
