package permcache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// InvalidateChan carries "<origin>|<user id>" or "<origin>|*".
	InvalidateChan = "access.invalidate"
	allUsers       = "*"
)

// Broadcast coordinates a process-local cache with sibling processes through
// Redis. Seals and generations live in Redis, the same counters RedisCache
// keeps, and local entries are keyed by the shared version they were filled
// under: a lookup reads the current shared version first, so an entry filled
// before any sibling mutation is never served again. Pub/sub only lets
// siblings drop orphaned entries early.
type Broadcast struct {
	Cache
	shared *RedisCache
	client *redis.Client
	origin string
	logger *slog.Logger
}

// NewBroadcast wraps local. A nil client leaves local uncoordinated, which is
// only correct for a single process. lease bounds a shared seal.
func NewBroadcast(local Cache, client *redis.Client, lease time.Duration, logger *slog.Logger) *Broadcast {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcast{Cache: local, client: client, origin: uuid.NewString(), logger: logger}
	if client != nil {
		b.shared = NewRedisCache(client, 0, lease)
	}
	return b
}

func versioned(fingerprint string, s Stamp) string {
	return fmt.Sprintf("%s@%d:%d", fingerprint, s.Epoch, s.Generation)
}

// Lookup implements Cache. Redis errors are returned so callers recompute.
func (b *Broadcast) Lookup(ctx context.Context, userID int64, fingerprint string, at time.Time) (Entry, bool, error) {
	if b.shared == nil {
		return b.Cache.Lookup(ctx, userID, fingerprint, at)
	}
	current, err := b.shared.Stamp(ctx, userID)
	if err != nil {
		return Entry{}, false, err
	}
	if current.Sealed {
		return Entry{}, false, nil
	}
	return b.Cache.Lookup(ctx, userID, versioned(fingerprint, current), at)
}

// Stamp implements Cache. The returned stamp carries the shared version.
func (b *Broadcast) Stamp(ctx context.Context, userID int64) (Stamp, error) {
	local, err := b.Cache.Stamp(ctx, userID)
	if err != nil || b.shared == nil {
		return local, err
	}
	current, err := b.shared.Stamp(ctx, userID)
	if err != nil {
		return Stamp{}, err
	}
	local.Shared = &current
	local.Sealed = local.Sealed || current.Sealed
	return local, nil
}

// Store implements Cache. Stamps taken without the shared version are refused.
func (b *Broadcast) Store(ctx context.Context, userID int64, fingerprint string, stamp Stamp, entry Entry) (bool, error) {
	if b.shared == nil {
		return b.Cache.Store(ctx, userID, fingerprint, stamp, entry)
	}
	if stamp.Shared == nil || stamp.Sealed {
		return false, nil
	}
	return b.Cache.Store(ctx, userID, versioned(fingerprint, *stamp.Shared), stamp, entry)
}

// Seal seals the user locally and in Redis. When the shared seal fails the
// local one is released and the error is returned.
func (b *Broadcast) Seal(ctx context.Context, userID int64) error {
	if err := b.Cache.Seal(ctx, userID); err != nil {
		return err
	}
	if b.shared == nil {
		return nil
	}
	if err := b.shared.Seal(ctx, userID); err != nil {
		_ = b.Cache.Unseal(context.WithoutCancel(ctx), userID)
		return err
	}
	return nil
}

// Unseal reopens the user locally and in Redis and tells siblings to drop
// their entries.
func (b *Broadcast) Unseal(ctx context.Context, userID int64) error {
	if err := b.Cache.Unseal(ctx, userID); err != nil {
		return err
	}
	if b.shared == nil {
		return nil
	}
	if err := b.shared.Unseal(ctx, userID); err != nil {
		return err
	}
	b.publish(ctx, strconv.FormatInt(userID, 10))
	return nil
}

// Invalidate implements Cache.
func (b *Broadcast) Invalidate(ctx context.Context, userID int64) error {
	if err := b.Seal(ctx, userID); err != nil {
		return err
	}
	return b.Unseal(ctx, userID)
}

// SealAll implements Cache.
func (b *Broadcast) SealAll(ctx context.Context) error {
	if err := b.Cache.SealAll(ctx); err != nil {
		return err
	}
	if b.shared == nil {
		return nil
	}
	if err := b.shared.SealAll(ctx); err != nil {
		_ = b.Cache.UnsealAll(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

// UnsealAll implements Cache.
func (b *Broadcast) UnsealAll(ctx context.Context) error {
	if err := b.Cache.UnsealAll(ctx); err != nil {
		return err
	}
	if b.shared == nil {
		return nil
	}
	if err := b.shared.UnsealAll(ctx); err != nil {
		return err
	}
	b.publish(ctx, allUsers)
	return nil
}

// InvalidateAll implements Cache.
func (b *Broadcast) InvalidateAll(ctx context.Context) error {
	if err := b.SealAll(ctx); err != nil {
		return err
	}
	return b.UnsealAll(ctx)
}

func (b *Broadcast) publish(ctx context.Context, target string) {
	if err := b.client.Publish(ctx, InvalidateChan, b.origin+"|"+target).Err(); err != nil {
		b.logger.Warn("permcache broadcast failed", slog.String("target", target), slog.Any("error", err))
	}
}

// Listen applies invalidations published by other processes until ctx ends.
// It returns once the subscription is confirmed.
func (b *Broadcast) Listen(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, InvalidateChan)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(ctx, msg.Payload)
			}
		}
	}()
	return nil
}

// apply drops local entries only; the shared counters were already bumped by
// the publisher.
func (b *Broadcast) apply(ctx context.Context, payload string) {
	origin, target, ok := strings.Cut(payload, "|")
	if !ok || origin == b.origin {
		return
	}
	if target == allUsers {
		if err := b.Cache.InvalidateAll(ctx); err != nil {
			b.logger.Warn("permcache remote invalidation failed", slog.Any("error", err))
		}
		return
	}
	userID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return
	}
	if err := b.Cache.Invalidate(ctx, userID); err != nil {
		b.logger.Warn("permcache remote invalidation failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}
