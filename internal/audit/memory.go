package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-process append-only event log.
type MemoryLog struct {
	mu      sync.RWMutex
	events  []Event
	failErr error
	now     func() time.Time
}

// NewMemoryLog constructs an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now}
}

// FailWith makes subsequent Record calls fail with err until cleared with nil.
func (l *MemoryLog) FailWith(err error) {
	l.mu.Lock()
	l.failErr = err
	l.mu.Unlock()
}

// Record appends the event.
func (l *MemoryLog) Record(ctx context.Context, ev Event) error {
	ev, err := l.Check(ctx, ev)
	if err != nil {
		return err
	}
	l.Append(ev)
	return nil
}

// Check validates the event without appending it. Stores staging events inside
// a transaction use it so a failing log aborts the transaction.
func (l *MemoryLog) Check(ctx context.Context, ev Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	l.mu.RLock()
	failErr := l.failErr
	l.mu.RUnlock()
	if failErr != nil {
		return Event{}, failErr
	}
	return Prepare(ev, l.now())
}

// Append adds already prepared events.
func (l *MemoryLog) Append(events ...Event) {
	l.mu.Lock()
	l.events = append(l.events, events...)
	l.mu.Unlock()
}

// Events returns a copy of every recorded event in insertion order.
func (l *MemoryLog) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Event(nil), l.events...)
}

// ListEvents implements Repository, newest first.
func (l *MemoryLog) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	l.mu.RLock()
	matched := make([]Event, 0, len(l.events))
	for _, ev := range l.events {
		if matches(ev, q) {
			matched = append(matched, ev)
		}
	}
	l.mu.RUnlock()
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].OccurredAt.After(matched[j].OccurredAt)
	})
	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func matches(ev Event, q Query) bool {
	if !q.From.IsZero() && ev.OccurredAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && ev.OccurredAt.After(q.To) {
		return false
	}
	if q.ActorID != 0 && ev.ActorID != q.ActorID {
		return false
	}
	if q.SubjectUserID != 0 && ev.SubjectUserID != q.SubjectUserID {
		return false
	}
	if q.Entity != "" && ev.Entity != q.Entity {
		return false
	}
	if q.Action != "" && ev.Action != q.Action {
		return false
	}
	return true
}
