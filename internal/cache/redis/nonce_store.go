package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/takarun/takaledger/internal/domain"
)

const (
	nonceLockKey = "treasury:nonce:lock"
	nonceNextKey = "treasury:nonce:next"
)

// storeNonceLua writes ARGV[2] as the next nonce while KEYS[1] is held by
// ARGV[1]. The stored value only moves forward. Returns 0 when the lock is
// not held by the caller.
const storeNonceLua = `
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
    return 0
end
local cur = tonumber(redis.call('GET', KEYS[2]) or '0')
local nxt = tonumber(ARGV[2])
if nxt > cur then
    redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`

// NonceStore implements domain.NonceStore on two Redis keys: the lock
// holder with a TTL and the next treasury nonce.
type NonceStore struct {
	c         *Client
	releaseSc *redis.Script
	storeSc   *redis.Script
}

// NewNonceStore creates a NonceStore backed by the given Client.
func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{
		c:         c,
		releaseSc: redis.NewScript(compareAndDelete),
		storeSc:   redis.NewScript(storeNonceLua),
	}
}

func (s *NonceStore) TryAcquire(ctx context.Context, lockID string, ttl time.Duration) (bool, error) {
	ok, err := s.c.rdb.SetNX(ctx, s.c.key(nonceLockKey), lockID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: acquire nonce lock: %w", err)
	}
	return ok, nil
}

func (s *NonceStore) Release(ctx context.Context, lockID string) error {
	if err := s.releaseSc.Run(ctx, s.c.rdb, []string{s.c.key(nonceLockKey)}, lockID).Err(); err != nil {
		return fmt.Errorf("redis: release nonce lock: %w", err)
	}
	return nil
}

func (s *NonceStore) StoredNonce(ctx context.Context) (uint64, error) {
	v, err := s.c.rdb.Get(ctx, s.c.key(nonceNextKey)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: stored nonce: %w", err)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse stored nonce %q: %w", v, err)
	}
	return n, nil
}

func (s *NonceStore) StoreNonce(ctx context.Context, lockID string, next uint64) error {
	held, err := s.storeSc.Run(ctx, s.c.rdb, []string{s.c.key(nonceLockKey), s.c.key(nonceNextKey)}, lockID, next).Int()
	if err != nil {
		return fmt.Errorf("redis: store nonce: %w", err)
	}
	if held == 0 {
		return fmt.Errorf("redis: store nonce %d: %w", next, domain.ErrLockHeld)
	}
	return nil
}

var _ domain.NonceStore = (*NonceStore)(nil)
