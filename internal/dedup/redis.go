package dedup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisLedger keeps fingerprints in a redis set so several crawlers can share
// one ledger.
type RedisLedger struct {
	client *redis.Client
	key    string
}

func NewRedisLedger(client *redis.Client, key string) *RedisLedger {
	return &RedisLedger{client: client, key: key}
}

// DialRedisLedger connects to addr and checks the connection.
func DialRedisLedger(ctx context.Context, addr, key string) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	err := client.Ping(ctx).Err()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping redis %s: %v", ErrLedger, addr, err)
	}
	return NewRedisLedger(client, key), nil
}

func (l *RedisLedger) Contains(ctx context.Context, fingerprint string) (bool, error) {
	ok, err := l.client.SIsMember(ctx, l.key, fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("%w: sismember: %v", ErrLedger, err)
	}
	return ok, nil
}

// Append relies on SADD's reply, so of several crawlers adding the same
// fingerprint exactly one sees it as new.
func (l *RedisLedger) Append(ctx context.Context, fingerprint string) (bool, error) {
	added, err := l.client.SAdd(ctx, l.key, fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("%w: sadd: %v", ErrLedger, err)
	}
	return added == 1, nil
}

func (l *RedisLedger) Len(ctx context.Context) (int, error) {
	n, err := l.client.SCard(ctx, l.key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: scard: %v", ErrLedger, err)
	}
	return int(n), nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
