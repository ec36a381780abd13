package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
)

type memoryState struct {
	permissions map[int64]Permission
	roles       map[int64]Role
	bindings    map[int64]RolePermission
	assignments map[int64]UserRoleAssignment
	overrides   map[int64]PermissionOverride
	rules       map[int64]ConditionalRule
	requests    map[int64]RoleRequest
	nextID      int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		permissions: make(map[int64]Permission),
		roles:       make(map[int64]Role),
		bindings:    make(map[int64]RolePermission),
		assignments: make(map[int64]UserRoleAssignment),
		overrides:   make(map[int64]PermissionOverride),
		rules:       make(map[int64]ConditionalRule),
		requests:    make(map[int64]RoleRequest),
	}
}

func (s *memoryState) clone() *memoryState {
	return &memoryState{
		permissions: cloneMap(s.permissions),
		roles:       cloneMap(s.roles),
		bindings:    cloneMap(s.bindings),
		assignments: cloneMap(s.assignments),
		overrides:   cloneMap(s.overrides),
		rules:       cloneMap(s.rules),
		requests:    cloneMap(s.requests),
		nextID:      s.nextID,
	}
}

func cloneMap[V any](in map[int64]V) map[int64]V {
	out := make(map[int64]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MemoryStore is an embedded Store. Each transaction works on a copy of the
// state which replaces the live state only on commit, together with the audit
// events recorded inside it. Transaction callbacks must not call back into the
// store.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
	log   *audit.MemoryLog
	now   func() time.Time
}

// NewMemoryStore constructs an empty store writing audit events into log.
func NewMemoryStore(log *audit.MemoryLog) *MemoryStore {
	if log == nil {
		log = audit.NewMemoryLog()
	}
	return &MemoryStore{state: newMemoryState(), log: log, now: time.Now}
}

// AuditLog exposes the log the store commits audit events to.
func (s *MemoryStore) AuditLog() *audit.MemoryLog {
	return s.log
}

// WithTx runs fn against a private copy of the state.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{state: s.state.clone(), log: s.log, now: s.now}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = tx.state
	s.log.Append(tx.staged...)
	return nil
}

func (s *MemoryStore) read() *memoryState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// AssignmentsForUser implements Reader.
func (s *MemoryStore) AssignmentsForUser(ctx context.Context, userID int64) ([]AssignmentEntry, error) {
	st := s.read()
	var out []AssignmentEntry
	for _, a := range st.assignments {
		if a.UserID != userID || !a.IsActive {
			continue
		}
		entry := AssignmentEntry{UserRoleAssignment: a}
		if role, ok := st.roles[a.RoleID]; ok {
			entry.Role = &role
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OverridesForUser implements Reader.
func (s *MemoryStore) OverridesForUser(ctx context.Context, userID int64) ([]OverrideEntry, error) {
	st := s.read()
	var out []OverrideEntry
	for _, o := range st.overrides {
		if o.UserID != userID || !o.IsActive {
			continue
		}
		entry := OverrideEntry{PermissionOverride: o}
		if perm, ok := st.permissions[o.PermissionID]; ok {
			entry.Permission = &perm
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Bindings implements Reader.
func (s *MemoryStore) Bindings(ctx context.Context, roleID int64) ([]Binding, error) {
	st := s.read()
	var out []Binding
	for _, b := range st.bindings {
		if b.RoleID != roleID || !b.IsActive {
			continue
		}
		entry := Binding{RolePermission: b}
		if perm, ok := st.permissions[b.PermissionID]; ok {
			entry.Permission = &perm
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRole implements Reader.
func (s *MemoryStore) GetRole(ctx context.Context, id int64) (Role, error) {
	role, ok := s.read().roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

// RoleByCodename implements Reader.
func (s *MemoryStore) RoleByCodename(ctx context.Context, codename string) (Role, error) {
	for _, role := range s.read().roles {
		if role.Codename == codename {
			return role, nil
		}
	}
	return Role{}, ErrNotFound
}

// GetPermission implements Reader.
func (s *MemoryStore) GetPermission(ctx context.Context, id int64) (Permission, error) {
	perm, ok := s.read().permissions[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return perm, nil
}

// PermissionByCodename implements Reader.
func (s *MemoryStore) PermissionByCodename(ctx context.Context, codename string) (Permission, error) {
	for _, perm := range s.read().permissions {
		if perm.Codename == codename {
			return perm, nil
		}
	}
	return Permission{}, ErrNotFound
}

// GetAssignment implements Reader.
func (s *MemoryStore) GetAssignment(ctx context.Context, id int64) (UserRoleAssignment, error) {
	a, ok := s.read().assignments[id]
	if !ok {
		return UserRoleAssignment{}, ErrNotFound
	}
	return a, nil
}

// GetOverride implements Reader.
func (s *MemoryStore) GetOverride(ctx context.Context, id int64) (PermissionOverride, error) {
	o, ok := s.read().overrides[id]
	if !ok {
		return PermissionOverride{}, ErrNotFound
	}
	return o, nil
}

// GetRoleRequest implements Reader.
func (s *MemoryStore) GetRoleRequest(ctx context.Context, id int64) (RoleRequest, error) {
	r, ok := s.read().requests[id]
	if !ok {
		return RoleRequest{}, ErrNotFound
	}
	return r, nil
}

// ListRoles implements Reader.
func (s *MemoryStore) ListRoles(ctx context.Context) ([]Role, error) {
	st := s.read()
	roles := make([]Role, 0, len(st.roles))
	for _, r := range st.roles {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

// ListPermissions implements Reader.
func (s *MemoryStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	st := s.read()
	perms := make([]Permission, 0, len(st.permissions))
	for _, p := range st.permissions {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Codename < perms[j].Codename })
	return perms, nil
}

// ActiveRules implements Reader, ordered by priority then id.
func (s *MemoryStore) ActiveRules(ctx context.Context) ([]ConditionalRule, error) {
	st := s.read()
	var rules []ConditionalRule
	for _, r := range st.rules {
		if r.IsActive {
			rules = append(rules, r)
		}
	}
	SortRules(rules)
	return rules, nil
}

// SortRules orders rules by ascending priority, ties broken by id.
func SortRules(rules []ConditionalRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

type memoryTx struct {
	state  *memoryState
	log    *audit.MemoryLog
	staged []audit.Event
	now    func() time.Time
}

func (tx *memoryTx) id() int64 {
	tx.state.nextID++
	return tx.state.nextID
}

func (tx *memoryTx) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	for _, existing := range tx.state.permissions {
		if existing.Codename == p.Codename {
			return Permission{}, ErrDuplicate
		}
	}
	p.ID = tx.id()
	p.CreatedAt = tx.now()
	tx.state.permissions[p.ID] = p
	return p, nil
}

func (tx *memoryTx) CreateRole(ctx context.Context, r Role) (Role, error) {
	for _, existing := range tx.state.roles {
		if existing.Codename == r.Codename {
			return Role{}, ErrDuplicate
		}
	}
	r.ID = tx.id()
	r.CreatedAt = tx.now()
	tx.state.roles[r.ID] = r
	return r, nil
}

func (tx *memoryTx) UpsertBinding(ctx context.Context, b RolePermission) (RolePermission, error) {
	if _, ok := tx.state.roles[b.RoleID]; !ok {
		return RolePermission{}, ErrNotFound
	}
	if _, ok := tx.state.permissions[b.PermissionID]; !ok {
		return RolePermission{}, ErrNotFound
	}
	for id, existing := range tx.state.bindings {
		if existing.RoleID == b.RoleID && existing.PermissionID == b.PermissionID {
			existing.Conditions = b.Conditions
			existing.IsActive = true
			tx.state.bindings[id] = existing
			return existing, nil
		}
	}
	b.ID = tx.id()
	b.IsActive = true
	b.CreatedAt = tx.now()
	tx.state.bindings[b.ID] = b
	return b, nil
}

func (tx *memoryTx) DeactivateBinding(ctx context.Context, roleID, permissionID int64) (RolePermission, error) {
	for id, existing := range tx.state.bindings {
		if existing.RoleID == roleID && existing.PermissionID == permissionID {
			if !existing.IsActive {
				return RolePermission{}, ErrInactive
			}
			existing.IsActive = false
			tx.state.bindings[id] = existing
			return existing, nil
		}
	}
	return RolePermission{}, ErrNotFound
}

func (tx *memoryTx) CreateAssignment(ctx context.Context, a UserRoleAssignment) (UserRoleAssignment, error) {
	if _, ok := tx.state.roles[a.RoleID]; !ok {
		return UserRoleAssignment{}, ErrNotFound
	}
	a.ID = tx.id()
	a.IsActive = true
	a.CreatedAt = tx.now()
	tx.state.assignments[a.ID] = a
	return a, nil
}

func (tx *memoryTx) DeactivateAssignment(ctx context.Context, id int64) (UserRoleAssignment, error) {
	a, ok := tx.state.assignments[id]
	if !ok {
		return UserRoleAssignment{}, ErrNotFound
	}
	if !a.IsActive {
		return UserRoleAssignment{}, ErrInactive
	}
	a.IsActive = false
	tx.state.assignments[id] = a
	return a, nil
}

func (tx *memoryTx) CreateOverride(ctx context.Context, o PermissionOverride) (PermissionOverride, error) {
	if _, ok := tx.state.permissions[o.PermissionID]; !ok {
		return PermissionOverride{}, ErrNotFound
	}
	o.ID = tx.id()
	o.IsActive = true
	o.CreatedAt = tx.now()
	tx.state.overrides[o.ID] = o
	return o, nil
}

func (tx *memoryTx) DeactivateOverride(ctx context.Context, id int64) (PermissionOverride, error) {
	o, ok := tx.state.overrides[id]
	if !ok {
		return PermissionOverride{}, ErrNotFound
	}
	if !o.IsActive {
		return PermissionOverride{}, ErrInactive
	}
	o.IsActive = false
	tx.state.overrides[id] = o
	return o, nil
}

func (tx *memoryTx) CreateRule(ctx context.Context, r ConditionalRule) (ConditionalRule, error) {
	r.ID = tx.id()
	r.CreatedAt = tx.now()
	tx.state.rules[r.ID] = r
	return r, nil
}

func (tx *memoryTx) CreateRoleRequest(ctx context.Context, r RoleRequest) (RoleRequest, error) {
	if _, ok := tx.state.roles[r.RoleID]; !ok {
		return RoleRequest{}, ErrNotFound
	}
	r.ID = tx.id()
	r.Status = RequestPending
	r.CreatedAt = tx.now()
	tx.state.requests[r.ID] = r
	return r, nil
}

func (tx *memoryTx) DecideRoleRequest(ctx context.Context, id int64, status RequestStatus, decidedBy int64, at time.Time, assignmentID int64) (RoleRequest, error) {
	r, ok := tx.state.requests[id]
	if !ok {
		return RoleRequest{}, ErrNotFound
	}
	if r.Status != RequestPending {
		return RoleRequest{}, ErrInactive
	}
	r.Status = status
	r.DecidedBy = decidedBy
	r.DecidedAt = &at
	r.AssignmentID = assignmentID
	tx.state.requests[id] = r
	return r, nil
}

func (tx *memoryTx) Recorder() audit.Recorder {
	return stagedRecorder{tx: tx}
}

type stagedRecorder struct {
	tx *memoryTx
}

func (r stagedRecorder) Record(ctx context.Context, ev audit.Event) error {
	prepared, err := r.tx.log.Check(ctx, ev)
	if err != nil {
		return err
	}
	r.tx.staged = append(r.tx.staged, prepared)
	return nil
}
