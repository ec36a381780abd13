package rbac

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/permcache"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// PermissionSet is an effective permission set at one instant.
type PermissionSet struct {
	granted map[string]struct{}
	denied  map[string]struct{}
}

func newPermissionSet(granted, denied []string) PermissionSet {
	set := PermissionSet{granted: make(map[string]struct{}, len(granted)), denied: make(map[string]struct{}, len(denied))}
	for _, c := range granted {
		set.granted[c] = struct{}{}
	}
	for _, c := range denied {
		set.denied[c] = struct{}{}
	}
	return set
}

// Contains reports exact membership.
func (s PermissionSet) Contains(codename string) bool {
	_, ok := s.granted[codename]
	return ok
}

// Allows checks codename with wildcard and resource-scoped fallbacks: the
// exact codename, "<codename>_*", then "<codename>_<id>" and
// "<codename>_<resourceType>_<id>" when a resource id is given. An explicit
// deny on the base codename blocks every variant.
func (s PermissionSet) Allows(codename, resourceType, resourceID string) bool {
	if codename == "" {
		return false
	}
	if _, denied := s.denied[codename]; denied {
		return false
	}
	for _, candidate := range candidates(codename, resourceType, resourceID) {
		if s.Contains(candidate) {
			return true
		}
	}
	return false
}

func candidates(codename, resourceType, resourceID string) []string {
	out := []string{codename, codename + "_*"}
	if resourceID != "" {
		out = append(out, codename+"_"+resourceID)
		if resourceType != "" {
			out = append(out, codename+"_"+resourceType+"_"+resourceID)
		}
	}
	return out
}

// Codenames returns the granted codenames in sorted order.
func (s PermissionSet) Codenames() []string {
	out := make([]string, 0, len(s.granted))
	for c := range s.granted {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of granted codenames.
func (s PermissionSet) Len() int { return len(s.granted) }

// Resolver computes effective permission sets. It is safe for concurrent use.
type Resolver struct {
	store   policy.Reader
	cache   permcache.Cache
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	group   singleflight.Group
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithClock overrides the clock used when callers pass a zero time.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver constructs a resolver. A nil cache disables memoization.
func NewResolver(store policy.Reader, cache permcache.Cache, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:  store,
		cache:  cache,
		logger: logger,
		tracer: otel.Tracer("github.com/odyssey-erp/odyssey-access/internal/rbac"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective permission set of principal at the given
// instant. Unauthenticated principals resolve to the empty set. On error the
// returned set is empty.
func (r *Resolver) Resolve(ctx context.Context, principal shared.Principal, at time.Time, rc policy.Context) (PermissionSet, error) {
	if !principal.Authenticated || principal.UserID <= 0 {
		return PermissionSet{}, nil
	}
	if at.IsZero() {
		at = r.now()
	}
	ctx, span := r.tracer.Start(ctx, "rbac.Resolve", trace.WithAttributes(
		attribute.Int64("user.id", principal.UserID),
		attribute.String("context", rc.Fingerprint()),
	))
	defer span.End()

	entry, err := r.resolveEntry(ctx, principal.UserID, at, rc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return PermissionSet{}, err
	}
	return newPermissionSet(entry.Permissions, entry.Denied), nil
}

func (r *Resolver) resolveEntry(ctx context.Context, userID int64, at time.Time, rc policy.Context) (permcache.Entry, error) {
	if r.cache == nil {
		entry, _, err := r.compute(ctx, userID, at, rc)
		return entry, err
	}
	fingerprint := rc.Fingerprint()
	entry, hit, err := r.cache.Lookup(ctx, userID, fingerprint, at)
	switch {
	case err != nil:
		r.metrics.CacheLookup("error")
		r.logger.Warn("decision cache lookup failed", slog.Int64("user_id", userID), slog.Any("error", err))
	case hit:
		r.metrics.CacheLookup("hit")
		return entry, nil
	default:
		r.metrics.CacheLookup("miss")
	}

	// The stamp must precede every store read of the fill.
	stamp, err := r.cache.Stamp(ctx, userID)
	if err != nil || stamp.Sealed {
		entry, _, err := r.compute(ctx, userID, at, rc)
		return entry, err
	}

	key := strconv.FormatInt(userID, 10) + "|" + fingerprint + "|" +
		strconv.FormatUint(stamp.Epoch, 10) + "|" + strconv.FormatUint(stamp.Generation, 10)
	if stamp.Shared != nil {
		key += "|" + strconv.FormatUint(stamp.Shared.Epoch, 10) + "|" + strconv.FormatUint(stamp.Shared.Generation, 10)
	}
	ch := r.group.DoChan(key, func() (any, error) {
		entry, cacheable, err := r.compute(ctx, userID, at, rc)
		if err != nil {
			return permcache.Entry{}, err
		}
		if cacheable && ctx.Err() == nil {
			if _, err := r.cache.Store(ctx, userID, fingerprint, stamp, entry); err != nil {
				r.logger.Warn("decision cache store failed", slog.Int64("user_id", userID), slog.Any("error", err))
			}
		}
		return entry, nil
	})
	select {
	case <-ctx.Done():
		return permcache.Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if isContextErr(res.Err) && ctx.Err() == nil {
				entry, _, err := r.compute(ctx, userID, at, rc)
				return entry, err
			}
			return permcache.Entry{}, res.Err
		}
		flight := res.Val.(permcache.Entry)
		if !flight.ValidAt(at) {
			entry, _, err := r.compute(ctx, userID, at, rc)
			return entry, err
		}
		return flight, nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// window narrows the interval over which a computed set stays unchanged.
type window struct {
	from  time.Time
	until time.Time
}

func (w *window) after(t time.Time) {
	if t.After(w.from) {
		w.from = t
	}
}

func (w *window) before(t time.Time) {
	if w.until.IsZero() || t.Before(w.until) {
		w.until = t
	}
}

// track records the boundaries of a [start, end] currency interval relative
// to at. end is inclusive.
func (w *window) track(active bool, start time.Time, end *time.Time, at time.Time) {
	if !active {
		return
	}
	switch {
	case start.After(at):
		w.before(start)
	case end != nil && end.Before(at):
		w.after(end.Add(time.Nanosecond))
	default:
		w.after(start)
		if end != nil {
			w.before(end.Add(time.Nanosecond))
		}
	}
}

// compute recomputes from the store. The boolean reports whether the result
// may be memoized.
func (r *Resolver) compute(ctx context.Context, userID int64, at time.Time, rc policy.Context) (permcache.Entry, bool, error) {
	start := time.Now()
	defer func() { r.metrics.ObserveResolve(time.Since(start)) }()

	assignments, err := r.store.AssignmentsForUser(ctx, userID)
	if err != nil {
		return permcache.Entry{}, false, err
	}
	overrides, err := r.store.OverridesForUser(ctx, userID)
	if err != nil {
		return permcache.Entry{}, false, err
	}

	var w window
	clocked := false
	granted := make(map[string]struct{})
	bindingsByRole := make(map[int64][]policy.Binding)

	for _, a := range assignments {
		w.track(a.IsActive, a.StartTime, a.EndTime, at)
		if !a.IsCurrent(at) {
			continue
		}
		if a.Role == nil {
			r.inconsistent(&policy.InconsistencyError{UserID: userID, RoleID: a.RoleID, Detail: "assignment " + formatID(a.ID) + " references a missing role"})
			continue
		}
		if a.DepartmentID != nil && (rc.DepartmentID == nil || *rc.DepartmentID != *a.DepartmentID) {
			continue
		}
		match := a.Conditions.Match(rc, at)
		clocked = clocked || match.Clocked
		if !match.Matched {
			continue
		}
		bindings, ok := bindingsByRole[a.RoleID]
		if !ok {
			if bindings, err = r.store.Bindings(ctx, a.RoleID); err != nil {
				return permcache.Entry{}, false, err
			}
			bindingsByRole[a.RoleID] = bindings
		}
		effectiveDept := rc.DepartmentID
		if effectiveDept == nil {
			effectiveDept = a.DepartmentID
		}
		for _, b := range bindings {
			if b.Permission == nil {
				r.inconsistent(&policy.InconsistencyError{UserID: userID, RoleID: a.RoleID, PermissionID: b.PermissionID, Detail: "binding references a missing permission"})
				continue
			}
			match := b.Conditions.Match(rc, at)
			clocked = clocked || match.Clocked
			if !match.Matched || !inScope(b.Permission.DepartmentScope, effectiveDept) {
				continue
			}
			granted[b.Permission.Codename] = struct{}{}
		}
	}

	denied := make(map[string]struct{})
	for _, o := range overrides {
		w.track(o.IsActive, o.StartTime, o.EndTime, at)
		if !o.IsCurrent(at) {
			continue
		}
		if o.Permission == nil {
			r.inconsistent(&policy.InconsistencyError{UserID: userID, PermissionID: o.PermissionID, Detail: "override " + formatID(o.ID) + " references a missing permission"})
			continue
		}
		switch o.OverrideType {
		case policy.OverrideDeny:
			denied[o.Permission.Codename] = struct{}{}
		case policy.OverrideGrant, policy.OverrideModify:
			if inScope(o.Permission.DepartmentScope, rc.DepartmentID) {
				granted[o.Permission.Codename] = struct{}{}
			}
		default:
			r.inconsistent(&policy.InconsistencyError{UserID: userID, PermissionID: o.PermissionID, Detail: "override " + formatID(o.ID) + " has unknown type " + string(o.OverrideType)})
		}
	}
	for c := range denied {
		delete(granted, c)
	}

	entry := permcache.Entry{
		Permissions: keys(granted),
		Denied:      keys(denied),
		ValidFrom:   w.from,
		ValidUntil:  w.until,
	}
	if clocked {
		entry.ValidFrom = at
		entry.ValidUntil = at.Add(time.Nanosecond)
	}
	return entry, !clocked, nil
}

func inScope(scope, dept *int64) bool {
	if scope == nil {
		return true
	}
	return dept != nil && *dept == *scope
}

func (r *Resolver) inconsistent(err *policy.InconsistencyError) {
	r.metrics.Inconsistency()
	r.logger.Warn("policy data inconsistency",
		slog.Int64("user_id", err.UserID),
		slog.Int64("role_id", err.RoleID),
		slog.Int64("permission_id", err.PermissionID),
		slog.String("detail", err.Detail),
	)
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
