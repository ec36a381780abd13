package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/policy"
)

// DefaultScoreThreshold applies when a score_threshold rule has no threshold.
const DefaultScoreThreshold = 50.0

// DefaultPredicateTimeout bounds a custom predicate.
const DefaultPredicateTimeout = 2 * time.Second

// Predicate is a named custom condition. It must honour ctx.
type Predicate func(ctx context.Context, sub Submission) (bool, error)

type registry struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
}

func newRegistry() *registry {
	return &registry{predicates: make(map[string]Predicate)}
}

func (r *registry) register(name string, p Predicate) error {
	name = strings.TrimSpace(name)
	if name == "" || p == nil {
		return fmt.Errorf("escalation: predicate name and function required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.predicates[name]; exists {
		return fmt.Errorf("%w: %s", ErrPredicateExists, name)
	}
	r.predicates[name] = p
	return nil
}

func (r *registry) lookup(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	return p, ok
}

// matches evaluates the rule condition against the submission. Anything
// ambiguous is a non-match.
func (e *Engine) matches(ctx context.Context, rule policy.ConditionalRule, sub Submission) bool {
	params := rule.ConditionParameters
	switch rule.ConditionType {
	case policy.ConditionScoreThreshold:
		threshold := DefaultScoreThreshold
		if raw, ok := params["threshold"]; ok {
			v, ok := number(raw)
			if !ok {
				e.badParameter(rule, "threshold", raw)
				return false
			}
			threshold = v
		}
		return sub.Score < threshold
	case policy.ConditionKPIFailure:
		return e.kpiFailed(rule, sub)
	case policy.ConditionDepartment:
		want, ok := integer(params["department_id"])
		return ok && sub.DepartmentID != nil && *sub.DepartmentID == want
	case policy.ConditionRole:
		if raw, ok := params["role_id"]; ok {
			want, ok := integer(raw)
			return ok && sub.RoleID != nil && *sub.RoleID == want
		}
		want, _ := params["role"].(string)
		return want != "" && strings.EqualFold(want, sub.RoleCodename)
	case policy.ConditionCustom:
		return e.custom(ctx, rule, sub)
	default:
		e.logger.Warn("unknown rule condition type", slog.Int64("rule_id", rule.ID), slog.String("condition_type", string(rule.ConditionType)))
		return false
	}
}

func (e *Engine) kpiFailed(rule policy.ConditionalRule, sub Submission) bool {
	params := rule.ConditionParameters
	var selected map[int64]bool
	if raw, ok := params["kpi_ids"]; ok {
		ids, ok := raw.([]any)
		if !ok {
			e.badParameter(rule, "kpi_ids", raw)
			return false
		}
		selected = make(map[int64]bool, len(ids))
		for _, v := range ids {
			id, ok := integer(v)
			if !ok {
				e.badParameter(rule, "kpi_ids", raw)
				return false
			}
			selected[id] = true
		}
	} else if raw, ok := params["kpi_id"]; ok {
		id, ok := integer(raw)
		if !ok {
			e.badParameter(rule, "kpi_id", raw)
			return false
		}
		selected = map[int64]bool{id: true}
	}
	minScore, hasMin := 0.0, false
	if raw, ok := params["min_score"]; ok {
		if minScore, hasMin = number(raw); !hasMin {
			e.badParameter(rule, "min_score", raw)
			return false
		}
	}
	for _, kpi := range sub.KPIResults {
		if selected != nil && !selected[kpi.KPIID] {
			continue
		}
		passing := kpi.PassingValue
		if hasMin {
			passing = minScore
		}
		if kpi.Score < passing {
			return true
		}
	}
	return false
}

// custom runs a registered predicate under the predicate timeout. Timeouts,
// errors, panics and unknown names are non-matches.
func (e *Engine) custom(ctx context.Context, rule policy.ConditionalRule, sub Submission) bool {
	name, _ := rule.ConditionParameters["predicate"].(string)
	p, ok := e.predicates.lookup(name)
	if !ok {
		e.logger.Warn("custom rule references unknown predicate", slog.Int64("rule_id", rule.ID), slog.String("predicate", name))
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, e.predicateTimeout)
	defer cancel()

	type outcome struct {
		matched bool
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("predicate panic: %v", r)}
			}
		}()
		matched, err := p(ctx, sub)
		done <- outcome{matched: matched, err: err}
	}()

	select {
	case <-ctx.Done():
		e.logger.Warn("custom predicate timed out", slog.Int64("rule_id", rule.ID), slog.String("predicate", name))
		return false
	case out := <-done:
		if out.err != nil {
			e.logger.Warn("custom predicate failed", slog.Int64("rule_id", rule.ID), slog.String("predicate", name), slog.Any("error", out.err))
			return false
		}
		return out.matched
	}
}

func (e *Engine) badParameter(rule policy.ConditionalRule, key string, raw any) {
	e.logger.Warn("rule parameter has wrong type",
		slog.Int64("rule_id", rule.ID),
		slog.String("parameter", key),
		slog.String("value", fmt.Sprint(raw)),
	)
}

func number(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func integer(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return id, err == nil
	}
	f, ok := number(raw)
	if !ok || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}
