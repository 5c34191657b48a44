package budget

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisLedger stores one list per month; RPUSH keeps concurrent writers from losing entries.
type RedisLedger struct {
	client redis.Cmdable
	prefix string
}

func NewRedisLedger(client redis.Cmdable, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "researcher:budget"
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) key(month string) string {
	return l.prefix + ":" + month
}

func (l *RedisLedger) Append(ctx context.Context, month string, entry CostEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cost entry: %w", err)
	}
	return l.client.RPush(ctx, l.key(month), b).Err()
}

func (l *RedisLedger) Entries(ctx context.Context, month string) ([]CostEntry, error) {
	raw, err := l.client.LRange(ctx, l.key(month), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]CostEntry, 0, len(raw))
	for _, item := range raw {
		var e CostEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode cost entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
