package sequencer

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSequencer allocates sequence numbers with INCR, which is atomic across
// processes. Use it when multiple producers share a session without sharing a
// database.
type RedisSequencer struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisSequencer(client *redis.Client) *RedisSequencer {
	return &RedisSequencer{client: client, keyPrefix: "notary:seq"}
}

func (s *RedisSequencer) key(tenantID, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s", s.keyPrefix, tenantID, sessionID)
}

func (s *RedisSequencer) Next(ctx context.Context, tenantID, sessionID string) (uint64, error) {
	n, err := s.client.Incr(ctx, s.key(tenantID, sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate sequence for %s/%s: %w", tenantID, sessionID, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("sequence counter for %s/%s returned %d", tenantID, sessionID, n)
	}
	return uint64(n), nil
}
