package stats

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"storefront-ledger/pkg/rediskey"

	"github.com/redis/go-redis/v9"
)

// Mirror shares the latest snapshot between replicas.
type Mirror interface {
	Save(ctx context.Context, s *Snapshot) error
	// Load returns nil, nil when no snapshot was published.
	Load(ctx context.Context) (*Snapshot, error)
}

type redisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisMirror(rdb *redis.Client, ttl time.Duration) Mirror {
	return &redisMirror{rdb: rdb, ttl: ttl}
}

func (m *redisMirror) Save(ctx context.Context, s *Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, rediskey.BuildServerStatsKey(), b, m.ttl).Err()
}

func (m *redisMirror) Load(ctx context.Context) (*Snapshot, error) {
	b, err := m.rdb.Get(ctx, rediskey.BuildServerStatsKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
