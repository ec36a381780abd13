package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "access:perm"
	epochKey      = keyPrefix + ":epoch"
	globalSealKey = keyPrefix + ":sealed"
	defaultLease  = 30 * time.Second
)

var (
	sealScript = redis.NewScript(`
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
return redis.call('INCR', KEYS[1])
`)
	unsealScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[2])
if n <= 0 then redis.call('DEL', KEYS[2]) end
return redis.call('INCR', KEYS[1])
`)
	stampScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[1]) or '0'
local epoch = redis.call('GET', KEYS[3]) or '0'
return {gen, epoch, redis.call('EXISTS', KEYS[2]) + redis.call('EXISTS', KEYS[4])}
`)
	storeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 or redis.call('EXISTS', KEYS[4]) == 1 then return 0 end
if (redis.call('GET', KEYS[1]) or '0') ~= ARGV[1] then return 0 end
if (redis.call('GET', KEYS[3]) or '0') ~= ARGV[2] then return 0 end
redis.call('SET', KEYS[5], ARGV[3], 'PX', ARGV[4])
return 1
`)
	lookupScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 or redis.call('EXISTS', KEYS[4]) == 1 then return false end
local gen = redis.call('GET', KEYS[1]) or '0'
local epoch = redis.call('GET', KEYS[3]) or '0'
return redis.call('GET', ARGV[1] .. epoch .. ':' .. gen .. ':' .. ARGV[2])
`)
)

// RedisCache is the shared backend. Entries are keyed by the epoch and the
// user generation so bumping either orphans old entries until their TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	lease  time.Duration
}

// NewRedisCache wraps client. lease bounds how long a seal survives without
// its Unseal, so it must exceed the longest mutation transaction.
func NewRedisCache(client *redis.Client, ttl, lease time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if lease <= 0 {
		lease = defaultLease
	}
	return &RedisCache{client: client, ttl: ttl, lease: lease}
}

// Lease reports how long a seal survives without its Unseal.
func (c *RedisCache) Lease() time.Duration { return c.lease }

func userKey(userID int64) string {
	return keyPrefix + ":{" + strconv.FormatInt(userID, 10) + "}"
}

func (c *RedisCache) stateKeys(userID int64) []string {
	u := userKey(userID)
	return []string{u + ":gen", u + ":sealed", epochKey, globalSealKey}
}

func entryKey(userID int64, epoch, generation uint64, fingerprint string) string {
	return fmt.Sprintf("%s:e:%d:%d:%s", userKey(userID), epoch, generation, fingerprint)
}

// Lookup implements Cache.
func (c *RedisCache) Lookup(ctx context.Context, userID int64, fingerprint string, at time.Time) (Entry, bool, error) {
	raw, err := lookupScript.Run(ctx, c.client, c.stateKeys(userID), userKey(userID)+":e:", fingerprint).Text()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("permcache: lookup: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, false, nil
	}
	if !entry.ValidAt(at) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Stamp implements Cache.
func (c *RedisCache) Stamp(ctx context.Context, userID int64) (Stamp, error) {
	vals, err := stampScript.Run(ctx, c.client, c.stateKeys(userID)).Slice()
	if err != nil {
		return Stamp{}, fmt.Errorf("permcache: stamp: %w", err)
	}
	if len(vals) != 3 {
		return Stamp{}, fmt.Errorf("permcache: stamp: unexpected reply %v", vals)
	}
	gen, err := parseCounter(vals[0])
	if err != nil {
		return Stamp{}, err
	}
	epoch, err := parseCounter(vals[1])
	if err != nil {
		return Stamp{}, err
	}
	sealed, _ := vals[2].(int64)
	return Stamp{Epoch: epoch, Generation: gen, Sealed: sealed > 0}, nil
}

func parseCounter(v any) (uint64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("permcache: counter %v is not a string", v)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("permcache: parse counter: %w", err)
	}
	return n, nil
}

// Store implements Cache.
func (c *RedisCache) Store(ctx context.Context, userID int64, fingerprint string, stamp Stamp, entry Entry) (bool, error) {
	if stamp.Sealed {
		return false, nil
	}
	entry.StoredAt = time.Now()
	payload, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	keys := append(c.stateKeys(userID), entryKey(userID, stamp.Epoch, stamp.Generation, fingerprint))
	stored, err := storeScript.Run(ctx, c.client, keys,
		strconv.FormatUint(stamp.Generation, 10),
		strconv.FormatUint(stamp.Epoch, 10),
		payload,
		c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("permcache: store: %w", err)
	}
	return stored == 1, nil
}

// Seal implements Cache.
func (c *RedisCache) Seal(ctx context.Context, userID int64) error {
	keys := c.stateKeys(userID)
	err := sealScript.Run(ctx, c.client, keys[:2], c.lease.Milliseconds()).Err()
	return invalidationErr("seal", userID, false, err)
}

// Unseal implements Cache.
func (c *RedisCache) Unseal(ctx context.Context, userID int64) error {
	keys := c.stateKeys(userID)
	err := unsealScript.Run(ctx, c.client, keys[:2]).Err()
	return invalidationErr("unseal", userID, false, err)
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context, userID int64) error {
	if err := c.Seal(ctx, userID); err != nil {
		return err
	}
	return c.Unseal(ctx, userID)
}

// SealAll implements Cache.
func (c *RedisCache) SealAll(ctx context.Context) error {
	err := sealScript.Run(ctx, c.client, []string{epochKey, globalSealKey}, c.lease.Milliseconds()).Err()
	return invalidationErr("seal", 0, true, err)
}

// UnsealAll implements Cache.
func (c *RedisCache) UnsealAll(ctx context.Context) error {
	err := unsealScript.Run(ctx, c.client, []string{epochKey, globalSealKey}).Err()
	return invalidationErr("unseal", 0, true, err)
}

// InvalidateAll implements Cache.
func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	if err := c.SealAll(ctx); err != nil {
		return err
	}
	return c.UnsealAll(ctx)
}

// Close is a no-op; the client belongs to the caller.
func (c *RedisCache) Close() error { return nil }
