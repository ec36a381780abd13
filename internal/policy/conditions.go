package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Condition keys understood by Match.
const (
	CondDepartmentID     = "department_id"
	CondTimeRestrictions = "time_restrictions"
	CondDayRestrictions  = "day_restrictions"
)

// Conditions is the JSON condition map stored on bindings and assignments.
type Conditions map[string]any

// MatchResult reports the outcome of a condition check.
type MatchResult struct {
	Matched bool
	// Clocked is set when the outcome depends on time of day or weekday, which
	// makes the result unsafe to memoize.
	Clocked bool
}

// Match evaluates the conditions against the request context at t. Unknown
// keys and malformed values never match.
func (c Conditions) Match(rc Context, t time.Time) MatchResult {
	res := MatchResult{Matched: true}
	for key, raw := range c {
		switch key {
		case CondDepartmentID:
			want, ok := toInt64(raw)
			if !ok || rc.DepartmentID == nil || *rc.DepartmentID != want {
				return MatchResult{Clocked: res.Clocked}
			}
		case CondTimeRestrictions:
			res.Clocked = true
			if !matchTimeWindow(raw, t) {
				return MatchResult{Clocked: true}
			}
		case CondDayRestrictions:
			res.Clocked = true
			if !matchWeekday(raw, t) {
				return MatchResult{Clocked: true}
			}
		default:
			return MatchResult{Clocked: res.Clocked}
		}
	}
	return res
}

// JSON encodes the conditions for storage columns.
func (c Conditions) JSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(c))
}

// ParseConditions decodes a JSON column into Conditions.
func ParseConditions(raw []byte) (Conditions, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("policy: decode conditions: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return Conditions(out), nil
}

func matchTimeWindow(raw any, t time.Time) bool {
	window, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if start, ok := window["start_time"]; ok {
		m, ok := parseClock(start)
		if !ok || minute < m {
			return false
		}
	}
	if end, ok := window["end_time"]; ok {
		m, ok := parseClock(end)
		if !ok || minute > m {
			return false
		}
	}
	return true
}

// matchWeekday uses Monday = 0.
func matchWeekday(raw any, t time.Time) bool {
	var days []any
	switch v := raw.(type) {
	case []any:
		days = v
	case []int:
		for _, d := range v {
			days = append(days, d)
		}
	case []int64:
		for _, d := range v {
			days = append(days, d)
		}
	default:
		return false
	}
	today := (int64(t.Weekday()) + 6) % 7
	for _, d := range days {
		if v, ok := toInt64(d); ok && v == today {
			return true
		}
	}
	return false
}

func parseClock(raw any) (int, bool) {
	s, ok := raw.(string)
	if !ok {
		return 0, false
	}
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
