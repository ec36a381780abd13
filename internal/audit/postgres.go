package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRecorder writes events into access_audit_events. Bound to a pgx.Tx it
// shares the fate of the surrounding mutation.
type PostgresRecorder struct {
	db DBTX
}

// NewPostgresRecorder binds a recorder to a pool or transaction.
func NewPostgresRecorder(db DBTX) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// Record inserts the event.
func (r *PostgresRecorder) Record(ctx context.Context, ev Event) error {
	ev, err := Prepare(ev, time.Now())
	if err != nil {
		return err
	}
	before, err := json.Marshal(ev.Before)
	if err != nil {
		return fmt.Errorf("audit: encode before: %w", err)
	}
	after, err := json.Marshal(ev.After)
	if err != nil {
		return fmt.Errorf("audit: encode after: %w", err)
	}
	origin, err := json.Marshal(ev.Origin)
	if err != nil {
		return fmt.Errorf("audit: encode origin: %w", err)
	}
	_, err = r.db.Exec(ctx, `INSERT INTO access_audit_events
(id, actor_id, subject_user_id, entity, entity_id, permission_codename, role_codename, action, reason, before_state, after_state, origin, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ev.ID, ev.ActorID, ev.SubjectUserID, ev.Entity, ev.EntityID, ev.Permission, ev.Role,
		string(ev.Action), ev.Reason, before, after, origin, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// PostgresRepository reads events for the timeline.
type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository constructs the read side.
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ListEvents returns events newest first.
func (r *PostgresRepository) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, strings.Replace(clause, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if !q.From.IsZero() {
		add("occurred_at >= ?", toPgTime(q.From))
	}
	if !q.To.IsZero() {
		add("occurred_at <= ?", toPgTime(q.To))
	}
	if q.ActorID != 0 {
		add("actor_id = ?", q.ActorID)
	}
	if q.SubjectUserID != 0 {
		add("subject_user_id = ?", q.SubjectUserID)
	}
	if q.Entity != "" {
		add("entity = ?", q.Entity)
	}
	if q.Action != "" {
		add("action = ?", string(q.Action))
	}
	sql := `SELECT id, actor_id, subject_user_id, entity, entity_id, permission_codename, role_codename, action, reason, before_state, after_state, origin, occurred_at
FROM access_audit_events`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY occurred_at DESC, id"
	args = append(args, q.Offset)
	sql += " OFFSET $" + strconv.Itoa(len(args))
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += " LIMIT $" + strconv.Itoa(len(args))
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var (
			ev                    Event
			action                string
			before, after, origin []byte
			at                    pgtype.Timestamptz
		)
		if err := rows.Scan(&ev.ID, &ev.ActorID, &ev.SubjectUserID, &ev.Entity, &ev.EntityID, &ev.Permission, &ev.Role,
			&action, &ev.Reason, &before, &after, &origin, &at); err != nil {
			return nil, err
		}
		ev.Action = Action(action)
		if at.Valid {
			ev.OccurredAt = at.Time
		}
		_ = json.Unmarshal(before, &ev.Before)
		_ = json.Unmarshal(after, &ev.After)
		_ = json.Unmarshal(origin, &ev.Origin)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
