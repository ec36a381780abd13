package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
)

// Store persists approval workflows.
type Store interface {
	Get(ctx context.Context, id int64) (Workflow, error)
	ByEvaluation(ctx context.Context, evaluationID int64) (Workflow, error)
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}

// Tx is the write side of a workflow transaction. Audit events recorded
// through Recorder commit or roll back with the workflow.
type Tx interface {
	Create(ctx context.Context, wf Workflow) (Workflow, error)
	// Save replaces the workflow when its stored version equals wf.Version
	// and returns it with the version bumped.
	Save(ctx context.Context, wf Workflow) (Workflow, error)
	Recorder() audit.Recorder
}

// MemoryStore keeps workflows in process. Transactions are serialized.
type MemoryStore struct {
	mu        sync.Mutex
	workflows map[int64]Workflow
	byEval    map[int64]int64
	nextID    int64
	nextStep  int64
	log       *audit.MemoryLog
	now       func() time.Time
}

// NewMemoryStore constructs an empty store committing audit events to log.
// A nil log gets a private one.
func NewMemoryStore(log *audit.MemoryLog) *MemoryStore {
	if log == nil {
		log = audit.NewMemoryLog()
	}
	return &MemoryStore{
		workflows: make(map[int64]Workflow),
		byEval:    make(map[int64]int64),
		log:       log,
		now:       time.Now,
	}
}

// AuditLog exposes the log the store commits to.
func (s *MemoryStore) AuditLog() *audit.MemoryLog { return s.log }

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id int64) (Workflow, error) {
	if err := ctx.Err(); err != nil {
		return Workflow{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return Workflow{}, ErrNotFound
	}
	return wf.Clone(), nil
}

// ByEvaluation implements Store.
func (s *MemoryStore) ByEvaluation(ctx context.Context, evaluationID int64) (Workflow, error) {
	if err := ctx.Err(); err != nil {
		return Workflow{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEval[evaluationID]
	if !ok {
		return Workflow{}, ErrNotFound
	}
	return s.workflows[id].Clone(), nil
}

// WithTx implements Store. fn must not call back into the store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{store: s, writes: make(map[int64]Workflow), nextID: s.nextID, nextStep: s.nextStep}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, wf := range tx.writes {
		s.workflows[id] = wf
		s.byEval[wf.EvaluationID] = id
	}
	s.nextID, s.nextStep = tx.nextID, tx.nextStep
	s.log.Append(tx.staged...)
	return nil
}

type memoryTx struct {
	store    *MemoryStore
	writes   map[int64]Workflow
	staged   []audit.Event
	nextID   int64
	nextStep int64
}

func (tx *memoryTx) current(id int64) (Workflow, bool) {
	if wf, ok := tx.writes[id]; ok {
		return wf, true
	}
	wf, ok := tx.store.workflows[id]
	return wf, ok
}

func (tx *memoryTx) assignStepIDs(wf *Workflow) {
	for i := range wf.Steps {
		if wf.Steps[i].ID == 0 {
			tx.nextStep++
			wf.Steps[i].ID = tx.nextStep
		}
	}
}

func (tx *memoryTx) Create(ctx context.Context, wf Workflow) (Workflow, error) {
	if err := ctx.Err(); err != nil {
		return Workflow{}, err
	}
	if _, exists := tx.store.byEval[wf.EvaluationID]; exists {
		return Workflow{}, ErrVersionConflict
	}
	for _, w := range tx.writes {
		if w.EvaluationID == wf.EvaluationID {
			return Workflow{}, ErrVersionConflict
		}
	}
	tx.nextID++
	wf = wf.Clone()
	wf.ID = tx.nextID
	wf.Version = 1
	now := tx.store.now()
	wf.CreatedAt, wf.UpdatedAt = now, now
	tx.assignStepIDs(&wf)
	tx.writes[wf.ID] = wf
	return wf.Clone(), nil
}

func (tx *memoryTx) Save(ctx context.Context, wf Workflow) (Workflow, error) {
	if err := ctx.Err(); err != nil {
		return Workflow{}, err
	}
	stored, ok := tx.current(wf.ID)
	if !ok {
		return Workflow{}, ErrNotFound
	}
	if stored.Version != wf.Version {
		return Workflow{}, ErrVersionConflict
	}
	wf = wf.Clone()
	wf.Version++
	wf.CreatedAt = stored.CreatedAt
	wf.UpdatedAt = tx.store.now()
	tx.assignStepIDs(&wf)
	tx.writes[wf.ID] = wf
	return wf.Clone(), nil
}

func (tx *memoryTx) Recorder() audit.Recorder {
	return stagedRecorder{tx: tx}
}

type stagedRecorder struct {
	tx *memoryTx
}

func (r stagedRecorder) Record(ctx context.Context, ev audit.Event) error {
	prepared, err := r.tx.store.log.Check(ctx, ev)
	if err != nil {
		return err
	}
	r.tx.staged = append(r.tx.staged, prepared)
	return nil
}
