package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Action is the outcome recorded by an audit event.
type Action string

const (
	ActionGranted   Action = "granted"
	ActionRevoked   Action = "revoked"
	ActionModified  Action = "modified"
	ActionEscalated Action = "escalated"
)

// Entities touched by access-control mutations.
const (
	EntityPermission     = "permission"
	EntityRole           = "role"
	EntityRolePermission = "role_permission"
	EntityAssignment     = "role_assignment"
	EntityOverride       = "permission_override"
	EntityRoleRequest    = "role_request"
	EntityRule           = "conditional_rule"
	EntityWorkflow       = "approval_workflow"
)

// Origin describes where a mutation came from.
type Origin struct {
	RequestID string `json:"request_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Event is an immutable audit record. Before and After hold the state of the
// touched record so "who could do what, when" can be reconstructed.
type Event struct {
	ID            uuid.UUID
	ActorID       int64
	SubjectUserID int64
	Entity        string
	EntityID      string
	Permission    string
	Role          string
	Action        Action
	Reason        string
	Before        map[string]any
	After         map[string]any
	Origin        Origin
	OccurredAt    time.Time
}

// ErrInvalidEvent is returned for events missing required fields.
var ErrInvalidEvent = errors.New("audit: event requires action, entity and entity id")

// Recorder appends audit events. Implementations must be append-only.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Prepare validates the event and fills its identity and timestamp.
func Prepare(ev Event, now time.Time) (Event, error) {
	if ev.Action == "" || ev.Entity == "" || ev.EntityID == "" {
		return Event{}, ErrInvalidEvent
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	return ev, nil
}

type originKey struct{}

// WithOrigin stores the request origin in the context.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFromContext extracts the request origin, if any.
func OriginFromContext(ctx context.Context) Origin {
	o, _ := ctx.Value(originKey{}).(Origin)
	return o
}
