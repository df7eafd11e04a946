package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript atomically checks the stored version of a hash-backed key and,
// if it matches, writes the new version/value. Returns -1 on conflict.
const casScript = `
local cur = redis.call('HGET', KEYS[1], 'version')
if cur == false then cur = '0' end
if tonumber(cur) ~= tonumber(ARGV[1]) then
  return -1
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'value', ARGV[3])
return tonumber(ARGV[2])
`

// zremIfScoreScript removes a sorted-set member only if its score still
// matches the score observed by the caller, guarding against a concurrent
// pop of the same member.
const zremIfScoreScript = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score == false or tonumber(score) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`

// RedisStore implements Store on top of go-redis/v9, grounded in the
// teacher's internal/repo/redis.go and internal/db/redis.go.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	res, err := s.client.HMGet(ctx, key, "version", "value").Result()
	if err != nil {
		return Entry{}, fmt.Errorf("statestore: get %s: %w", key, err)
	}
	if res[0] == nil || res[1] == nil {
		return Entry{}, ErrNotFound
	}
	versionStr, _ := res[0].(string)
	valueStr, _ := res[1].(string)
	var version uint64
	fmt.Sscanf(versionStr, "%d", &version)
	return Entry{Value: []byte(valueStr), Version: version}, nil
}

func (s *RedisStore) CASSet(ctx context.Context, key string, expectedVersion uint64, value []byte) (uint64, error) {
	newVersion := expectedVersion + 1
	result, err := s.client.Eval(ctx, casScript, []string{key}, expectedVersion, newVersion, value).Result()
	if err != nil {
		return 0, fmt.Errorf("statestore: cas_set %s: %w", key, err)
	}
	n, ok := result.(int64)
	if !ok || n < 0 {
		return 0, ErrConflict
	}
	return uint64(n), nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.client.Publish(ctx, topic, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	pubsub := s.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("statestore: subscribe %s: %w", topic, err)
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Event{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cancel := func() { pubsub.Close() }
	return out, cancel, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

// ZPopMinIf scans ascending-score candidates and atomically removes the
// first one the predicate accepts. Because the predicate is an arbitrary Go
// closure it cannot be pushed into the Lua script itself, so the removal is
// guarded by a score-check-then-remove script to stay safe against a
// concurrent pop of the same candidate. Only the 50 lowest-scored members
// are examined; a qualifying member ranked after them is not found.
func (s *RedisStore) ZPopMinIf(ctx context.Context, key string, pred Predicate) (ZMember, bool, error) {
	const scanWindow = 50
	zs, err := s.client.ZRangeWithScores(ctx, key, 0, scanWindow-1).Result()
	if err != nil {
		return ZMember{}, false, fmt.Errorf("statestore: zpop_min_if %s: %w", key, err)
	}

	for _, z := range zs {
		member, _ := z.Member.(string)
		if !pred(member, z.Score) {
			continue
		}
		res, err := s.client.Eval(ctx, zremIfScoreScript, []string{key}, member, z.Score).Result()
		if err != nil {
			return ZMember{}, false, fmt.Errorf("statestore: zpop_min_if remove %s: %w", key, err)
		}
		if n, _ := res.(int64); n == 1 {
			return ZMember{Score: z.Score, Member: member}, true, nil
		}
		// lost the race to another popper; keep scanning.
	}
	return ZMember{}, false, nil
}

func (s *RedisStore) ZRange(ctx context.Context, key string, offset, count int64) ([]ZMember, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, offset, offset+count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("statestore: zrange %s: %w", key, err)
	}
	out := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ZMember{Score: z.Score, Member: member})
	}
	return out, nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, member string) error {
	return s.client.SAdd(ctx, key, member).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, member string) error {
	return s.client.SRem(ctx, key, member).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}
