package permcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type memoryEntry struct {
	Entry
	epoch     uint64
	expiresAt time.Time
}

// userSlot serializes writers for one user. Readers load the snapshot without
// taking the lock.
type userSlot struct {
	mu         sync.Mutex
	generation atomic.Uint64
	sealed     atomic.Int64
	snapshot   atomic.Pointer[map[string]memoryEntry]
}

// MemoryCache is the in-process backend.
type MemoryCache struct {
	ttl   time.Duration
	now   func() time.Time
	users sync.Map // int64 -> *userSlot

	globalMu sync.Mutex
	epoch    atomic.Uint64
	sealed   atomic.Int64

	closed atomic.Bool
	stop   chan struct{}
	done   chan struct{}
}

// NewMemoryCache starts an in-process cache with a janitor sweeping expired
// entries every sweep interval. A zero ttl uses DefaultTTL.
func NewMemoryCache(ttl, sweep time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &MemoryCache{
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if sweep <= 0 {
		close(c.done)
		return c
	}
	go c.janitor(sweep)
	return c
}

func (c *MemoryCache) slot(userID int64) *userSlot {
	if v, ok := c.users.Load(userID); ok {
		return v.(*userSlot)
	}
	fresh := &userSlot{}
	empty := map[string]memoryEntry{}
	fresh.snapshot.Store(&empty)
	v, _ := c.users.LoadOrStore(userID, fresh)
	return v.(*userSlot)
}

// Lookup implements Cache.
func (c *MemoryCache) Lookup(ctx context.Context, userID int64, fingerprint string, at time.Time) (Entry, bool, error) {
	if c.closed.Load() {
		return Entry{}, false, ErrClosed
	}
	if c.sealed.Load() > 0 {
		return Entry{}, false, nil
	}
	v, ok := c.users.Load(userID)
	if !ok {
		return Entry{}, false, nil
	}
	s := v.(*userSlot)
	if s.sealed.Load() > 0 {
		return Entry{}, false, nil
	}
	entry, ok := (*s.snapshot.Load())[fingerprint]
	if !ok || entry.epoch != c.epoch.Load() || !c.now().Before(entry.expiresAt) || !entry.ValidAt(at) {
		return Entry{}, false, nil
	}
	return entry.Entry, true, nil
}

// Stamp implements Cache.
func (c *MemoryCache) Stamp(ctx context.Context, userID int64) (Stamp, error) {
	if c.closed.Load() {
		return Stamp{}, ErrClosed
	}
	s := c.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	return Stamp{
		Epoch:      c.epoch.Load(),
		Generation: s.generation.Load(),
		Sealed:     c.sealed.Load() > 0 || s.sealed.Load() > 0,
	}, nil
}

// Store implements Cache.
func (c *MemoryCache) Store(ctx context.Context, userID int64, fingerprint string, stamp Stamp, entry Entry) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	if stamp.Sealed {
		return false, nil
	}
	s := c.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c.globalMu.Lock()
	current := c.sealed.Load() == 0 && c.epoch.Load() == stamp.Epoch
	c.globalMu.Unlock()
	if !current || s.sealed.Load() > 0 || s.generation.Load() != stamp.Generation {
		return false, nil
	}
	now := c.now()
	entry.StoredAt = now
	prev := *s.snapshot.Load()
	next := make(map[string]memoryEntry, len(prev)+1)
	for k, v := range prev {
		if now.Before(v.expiresAt) {
			next[k] = v
		}
	}
	next[fingerprint] = memoryEntry{Entry: entry, epoch: stamp.Epoch, expiresAt: now.Add(c.ttl)}
	s.snapshot.Store(&next)
	return true, nil
}

// Seal implements Cache.
func (c *MemoryCache) Seal(ctx context.Context, userID int64) error {
	if c.closed.Load() {
		return invalidationErr("seal", userID, false, ErrClosed)
	}
	s := c.slot(userID)
	s.mu.Lock()
	s.sealed.Add(1)
	s.generation.Add(1)
	empty := map[string]memoryEntry{}
	s.snapshot.Store(&empty)
	s.mu.Unlock()
	return nil
}

// Unseal implements Cache.
func (c *MemoryCache) Unseal(ctx context.Context, userID int64) error {
	s := c.slot(userID)
	s.mu.Lock()
	if s.sealed.Load() > 0 {
		s.sealed.Add(-1)
	}
	s.generation.Add(1)
	s.mu.Unlock()
	return nil
}

// Invalidate implements Cache.
func (c *MemoryCache) Invalidate(ctx context.Context, userID int64) error {
	if err := c.Seal(ctx, userID); err != nil {
		return err
	}
	return c.Unseal(ctx, userID)
}

// SealAll implements Cache.
func (c *MemoryCache) SealAll(ctx context.Context) error {
	if c.closed.Load() {
		return invalidationErr("seal", 0, true, ErrClosed)
	}
	c.globalMu.Lock()
	c.sealed.Add(1)
	c.epoch.Add(1)
	c.globalMu.Unlock()
	return nil
}

// UnsealAll implements Cache.
func (c *MemoryCache) UnsealAll(ctx context.Context) error {
	c.globalMu.Lock()
	if c.sealed.Load() > 0 {
		c.sealed.Add(-1)
	}
	c.epoch.Add(1)
	c.globalMu.Unlock()
	return nil
}

// InvalidateAll implements Cache.
func (c *MemoryCache) InvalidateAll(ctx context.Context) error {
	if err := c.SealAll(ctx); err != nil {
		return err
	}
	return c.UnsealAll(ctx)
}

// Close stops the janitor. Further calls fail with ErrClosed.
func (c *MemoryCache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	select {
	case <-c.done:
	default:
		close(c.stop)
		<-c.done
	}
	return nil
}

func (c *MemoryCache) janitor(every time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCache) sweep() {
	now := c.now()
	epoch := c.epoch.Load()
	c.users.Range(func(key, value any) bool {
		s := value.(*userSlot)
		s.mu.Lock()
		prev := *s.snapshot.Load()
		next := make(map[string]memoryEntry, len(prev))
		for k, v := range prev {
			if v.epoch == epoch && now.Before(v.expiresAt) {
				next[k] = v
			}
		}
		if len(next) != len(prev) {
			s.snapshot.Store(&next)
		}
		s.mu.Unlock()
		return true
	})
}
