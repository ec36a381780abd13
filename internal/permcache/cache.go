// Package permcache memoizes resolved permission sets per user.
//
// Every user has a generation and a seal count, and the cache as a whole has an
// epoch and a seal count. Mutations seal before they write and unseal after
// they commit. While sealed, lookups miss and stores are refused, and every
// seal or unseal advances the generation so a fill that read pre-mutation
// state can never be stored afterwards: Store only succeeds when the Stamp
// taken before the read is still current.
package permcache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL bounds the lifetime of an entry.
const DefaultTTL = 5 * time.Minute

// ErrClosed is returned once the cache has been closed.
var ErrClosed = errors.New("permcache: closed")

// Entry is a memoized permission set.
type Entry struct {
	Permissions []string `json:"permissions"`
	// Denied holds explicitly denied codenames, which also block their
	// wildcard and resource-scoped variants.
	Denied    []string  `json:"denied,omitempty"`
	ValidFrom time.Time `json:"valid_from"`
	// ValidUntil is exclusive; zero means no policy boundary ahead.
	ValidUntil time.Time `json:"valid_until"`
	StoredAt   time.Time `json:"stored_at"`
}

// ValidAt reports whether the policy window of the entry covers t.
func (e Entry) ValidAt(t time.Time) bool {
	if t.Before(e.ValidFrom) {
		return false
	}
	return e.ValidUntil.IsZero() || t.Before(e.ValidUntil)
}

// Stamp captures the generation of a user and the cache epoch before a fill.
type Stamp struct {
	Epoch      uint64
	Generation uint64
	Sealed     bool
	// Shared is the Redis version a coordinated local cache was stamped at.
	Shared *Stamp
}

// Cache is the decision cache contract shared by the in-process and Redis
// backends.
type Cache interface {
	// Lookup returns the entry for (user, fingerprint) if it is current and its
	// policy window covers at.
	Lookup(ctx context.Context, userID int64, fingerprint string, at time.Time) (Entry, bool, error)
	// Stamp must be taken before reading the policy store for a fill.
	Stamp(ctx context.Context, userID int64) (Stamp, error)
	// Store saves the entry unless the stamp went stale. The boolean reports
	// whether the entry was kept.
	Store(ctx context.Context, userID int64, fingerprint string, stamp Stamp, entry Entry) (bool, error)
	// Seal drops the user's entries and refuses fills until Unseal.
	Seal(ctx context.Context, userID int64) error
	Unseal(ctx context.Context, userID int64) error
	// Invalidate is Seal followed by Unseal.
	Invalidate(ctx context.Context, userID int64) error
	SealAll(ctx context.Context) error
	UnsealAll(ctx context.Context) error
	InvalidateAll(ctx context.Context) error
	Close() error
}

// InvalidationError reports that invalidation could not be guaranteed. The
// mutation that triggered it must fail.
type InvalidationError struct {
	UserID int64
	All    bool
	Op     string
	Err    error
}

func (e *InvalidationError) Error() string {
	if e.All {
		return fmt.Sprintf("permcache: %s all users: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("permcache: %s user %d: %v", e.Op, e.UserID, e.Err)
}

func (e *InvalidationError) Unwrap() error { return e.Err }

func invalidationErr(op string, userID int64, all bool, err error) error {
	if err == nil {
		return nil
	}
	return &InvalidationError{UserID: userID, All: all, Op: op, Err: err}
}
