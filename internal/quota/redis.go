package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] balance key; ARGV allowance, required, ttl seconds.
// Returns {code, balance}: 0 allowed, -1 exhausted, -2 insufficient.
var reserveScript = redis.NewScript(`
local balance = redis.call('GET', KEYS[1])
if not balance then
	redis.call('SET', KEYS[1], ARGV[1])
	balance = tonumber(ARGV[1])
	if tonumber(ARGV[3]) > 0 then
		redis.call('EXPIRE', KEYS[1], ARGV[3])
	end
else
	balance = tonumber(balance)
end
if balance < 0 then
	return {-1, balance}
end
local required = tonumber(ARGV[2])
if required > balance then
	return {-2, balance}
end
return {0, redis.call('DECRBY', KEYS[1], ARGV[2])}
`)

// KEYS[1] balance key; ARGV allowance, tokens, ttl seconds.
var chargeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('SET', KEYS[1], ARGV[1])
	if tonumber(ARGV[3]) > 0 then
		redis.call('EXPIRE', KEYS[1], ARGV[3])
	end
end
return redis.call('DECRBY', KEYS[1], ARGV[2])
`)

// RedisStore keeps balances in redis so several processes share them.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "quota:share:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(shareID string) string {
	return s.prefix + shareID
}

func (s *RedisStore) Reserve(ctx context.Context, shareID string, allowance, required int64) (Decision, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{s.key(shareID)}, allowance, required, int64(s.ttl.Seconds())).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run reserve script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected reserve script reply %v", res)
	}

	switch res[0] {
	case 0:
		return Decision{Allowed: true, Balance: res[1]}, nil
	case -1:
		return Decision{Reason: ReasonExhausted, Balance: res[1]}, nil
	case -2:
		return Decision{Reason: ReasonInsufficient, Balance: res[1]}, nil
	}
	return Decision{}, fmt.Errorf("unexpected reserve script code %d", res[0])
}

func (s *RedisStore) Charge(ctx context.Context, shareID string, allowance, tokens int64) (int64, error) {
	left, err := chargeScript.Run(ctx, s.client, []string{s.key(shareID)}, allowance, tokens, int64(s.ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("run charge script: %w", err)
	}
	return left, nil
}

func (s *RedisStore) Balance(ctx context.Context, shareID string) (int64, error) {
	v, err := s.client.Get(ctx, s.key(shareID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNoBalance
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Reset(ctx context.Context, shareID string) error {
	if err := s.client.Del(ctx, s.key(shareID)).Err(); err != nil {
		return fmt.Errorf("delete balance: %w", err)
	}
	return nil
}
