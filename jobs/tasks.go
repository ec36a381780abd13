package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-access/internal/escalation"
	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskEscalationNotify delivers the notify action of an escalation rule.
	TaskEscalationNotify = "access:escalation_notify"
)

// EscalationNotifyPayload is the approver notification produced by a matched rule.
type EscalationNotifyPayload struct {
	WorkflowID  int64  `json:"workflow_id"`
	ReferenceID int64  `json:"reference_id"`
	RuleID      int64  `json:"rule_id"`
	ApproverID  int64  `json:"approver_id"`
	Reason      string `json:"reason"`
}

// NewEscalationNotifyTask constructs an Asynq task.
func NewEscalationNotifyTask(n escalation.Notification) (*asynq.Task, error) {
	data, err := json.Marshal(EscalationNotifyPayload(n))
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEscalationNotify, data, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// Deliverer hands a notification to the delivery channel.
type Deliverer interface {
	Deliver(ctx context.Context, payload EscalationNotifyPayload) error
}

// LogDeliverer writes notifications to the log. Delivery channels plug in
// behind Deliverer.
type LogDeliverer struct {
	Logger *slog.Logger
}

// Deliver implements Deliverer.
func (d LogDeliverer) Deliver(ctx context.Context, p EscalationNotifyPayload) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("approval required",
		slog.Int64("approver_id", p.ApproverID),
		slog.Int64("evaluation_id", p.ReferenceID),
		slog.Int64("workflow_id", p.WorkflowID),
		slog.Int64("rule_id", p.RuleID),
		slog.String("reason", p.Reason),
	)
	return nil
}

// EscalationNotifyJob processes TaskEscalationNotify tasks.
type EscalationNotifyJob struct {
	Deliverer Deliverer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// Handle decodes the payload and delivers it. Malformed payloads are not retried.
func (j *EscalationNotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Deliverer == nil {
		return errors.New("escalation notify: handler not configured")
	}
	tracker := j.Metrics.Track(TaskEscalationNotify)
	defer func() { err = tracker.End(err) }()

	var payload EscalationNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return errors.Join(err, asynq.SkipRetry)
	}
	if payload.ApproverID <= 0 {
		j.logger().Warn("escalation notification without recipient", slog.Int64("workflow_id", payload.WorkflowID))
		return asynq.SkipRetry
	}
	return j.Deliverer.Deliver(ctx, payload)
}

func (j *EscalationNotifyJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
