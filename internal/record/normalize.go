package record

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// AgentIDFromKey derives the agent id from a composite session key such as
// "agent:honzik:main". Keys without the "agent" prefix yield UnknownAgent.
func AgentIDFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 2 && parts[0] == "agent" && parts[1] != "" {
		return parts[1]
	}
	return UnknownAgent
}

// NormalizeSession maps a raw runtime session object to a Session.
// Runtime versions disagree on field names, so every field has aliases and
// a default. now fills missing timestamps.
func NormalizeSession(raw any, now time.Time) (Session, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Session{}, ErrNotObject
	}

	key := str(obj, "key", "sessionKey", "sessionId", "session_key")
	if key == "" {
		return Session{}, ErrMissingKey
	}

	agentID := str(obj, "agentId", "agent_id")
	if agentID == "" {
		agentID = AgentIDFromKey(key)
	}

	return Session{
		Key:           key,
		AgentID:       agentID,
		Model:         str(obj, "model"),
		Status:        sessionStatus(str(obj, "status")),
		TokensIn:      integer(obj, "inputTokens", "tokens_in", "tokensIn"),
		TokensOut:     integer(obj, "outputTokens", "tokens_out", "totalTokens"),
		ContextTokens: integer(obj, "contextTokens", "context_tokens"),
		StartedAt:     timestamp(obj, now, "startedAt", "started_at", "createdAt"),
		LastActivity:  timestamp(obj, now, "lastActivity", "last_activity", "updatedAt"),
	}, nil
}

// NormalizeSessions normalizes a batch. The first malformed element aborts
// the batch.
func NormalizeSessions(raw []any, now time.Time) ([]Session, error) {
	out := make([]Session, 0, len(raw))
	for i, r := range raw {
		s, err := NormalizeSession(r, now)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func sessionStatus(s string) SessionStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "active", "running", "busy":
		return StatusActive
	case "error", "failed":
		return StatusError
	case "idle", "inactive", "stopped", "ended", "aborted":
		return StatusIdle
	default:
		return StatusActive
	}
}

// NormalizeJobRun maps a raw scheduled-job object to a JobRun. Jobs without
// an id are keyed by name.
func NormalizeJobRun(raw any, now time.Time) (JobRun, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return JobRun{}, ErrNotObject
	}

	name := str(obj, "name", "job_name", "jobName")
	id := str(obj, "id", "jobId", "job_id")
	if id == "" {
		id = name
	}
	if id == "" {
		return JobRun{}, ErrMissingKey
	}
	if name == "" {
		name = id
	}

	status := str(obj, "status", "lastStatus", "last_status")
	if status == "" {
		status = "unknown"
	}

	j := JobRun{
		JobID:   id,
		JobName: name,
		Status:  status,
		RanAt:   timestamp(obj, now, "lastRun", "last_run", "ran_at", "ranAt"),
	}
	if t, ok := optTimestamp(obj, "nextRun", "next_run"); ok {
		j.NextRun = &t
	}
	if msg := str(obj, "errorMessage", "lastError", "error_message", "error"); msg != "" {
		j.ErrorMessage = &msg
	}
	if v, ok := lookup(obj, "durationMs", "duration_ms", "lastDurationMs"); ok {
		if d, ok := toInt64(v); ok {
			j.DurationMs = &d
		}
	}
	return j, nil
}

// NormalizeJobRuns normalizes a batch of job objects, preserving order.
func NormalizeJobRuns(raw []any, now time.Time) ([]JobRun, error) {
	out := make([]JobRun, 0, len(raw))
	for i, r := range raw {
		j, err := NormalizeJobRun(r, now)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		out = append(out, j)
	}
	return out, nil
}

// NormalizeLogEntry maps a raw log object to a LogEntry.
func NormalizeLogEntry(raw any, now time.Time) (LogEntry, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return LogEntry{}, ErrNotObject
	}

	e := LogEntry{
		AgentID:   str(obj, "agentId", "agent_id", "agent"),
		Level:     logLevel(str(obj, "level", "severity")),
		Message:   str(obj, "message", "msg"),
		Timestamp: timestamp(obj, now, "timestamp", "ts", "time"),
	}
	if sid := str(obj, "sessionId", "session_id", "sessionKey"); sid != "" {
		e.SessionID = &sid
		if e.AgentID == "" {
			e.AgentID = AgentIDFromKey(sid)
		}
	}
	if e.AgentID == "" {
		e.AgentID = UnknownAgent
	}
	if md, ok := lookup(obj, "metadata", "meta"); ok {
		b, err := json.Marshal(md)
		if err != nil {
			return LogEntry{}, fmt.Errorf("encoding metadata: %w", err)
		}
		e.Metadata = b
	}
	return e, nil
}

// NormalizeLogEntries normalizes a batch of log objects.
func NormalizeLogEntries(raw []any, now time.Time) ([]LogEntry, error) {
	out := make([]LogEntry, 0, len(raw))
	for i, r := range raw {
		e, err := NormalizeLogEntry(r, now)
		if err != nil {
			return nil, fmt.Errorf("log %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func logLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warn", "warning":
		return LevelWarn
	case "error", "fatal":
		return LevelError
	default:
		return LevelInfo
	}
}

// NormalizeMetrics turns a metrics object into one sample per key, ordered
// by name. Object values are stored as-is, scalars as {"value": v}.
func NormalizeMetrics(metrics map[string]any, now time.Time) ([]MetricSample, error) {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]MetricSample, 0, len(names))
	for _, name := range names {
		v := metrics[name]
		if _, isObj := v.(map[string]any); !isObj {
			v = map[string]any{"value": v}
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", name, err)
		}
		out = append(out, MetricSample{Name: name, Value: b, RecordedAt: now.UTC()})
	}
	return out, nil
}

// MetricsFromStatus derives the dashboard metrics object from a runtime
// status payload.
func MetricsFromStatus(status map[string]any, sessionCount int) map[string]any {
	active := integer(status, "activeSessionsCount")
	if active == 0 {
		active = int64(sessionCount)
	}
	gateway := "unknown"
	if g, ok := status["gateway"].(map[string]any); ok {
		if s := str(g, "status"); s != "" {
			gateway = s
		}
	}
	m := map[string]any{
		"queueDepth":     nested(status, "queue", "depth"),
		"cacheHitRate":   nestedFloat(status, "cache", "hitRate"),
		"activeSessions": active,
		"gatewayStatus":  gateway,
		"compactions":    integer(status, "compactions"),
	}
	if cw, ok := lookup(status, "contextWindow"); ok {
		m["contextWindow"] = cw
	}
	return m
}

func nested(obj map[string]any, outer, inner string) int64 {
	if o, ok := obj[outer].(map[string]any); ok {
		return integer(o, inner)
	}
	return 0
}

func nestedFloat(obj map[string]any, outer, inner string) float64 {
	o, ok := obj[outer].(map[string]any)
	if !ok {
		return 0
	}
	v, ok := lookup(o, inner)
	if !ok {
		return 0
	}
	f, _ := toFloat(v)
	return f
}

// lookup returns the first non-null value among names.
func lookup(obj map[string]any, names ...string) (any, bool) {
	for _, n := range names {
		if v, ok := obj[n]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func str(obj map[string]any, names ...string) string {
	v, ok := lookup(obj, names...)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func integer(obj map[string]any, names ...string) int64 {
	v, ok := lookup(obj, names...)
	if !ok {
		return 0
	}
	n, _ := toInt64(v)
	return n
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

func timestamp(obj map[string]any, now time.Time, names ...string) time.Time {
	if t, ok := optTimestamp(obj, names...); ok {
		return t
	}
	return now.UTC()
}

// maxEpochMillis is 9999-12-31T23:59:59.999Z.
const maxEpochMillis = 253402300799999

// optTimestamp accepts RFC 3339 strings and epoch numbers. Numbers of at
// least 1e12 are milliseconds, smaller ones seconds. Results outside years
// 1..9999 are treated as absent.
func optTimestamp(obj map[string]any, names ...string) (time.Time, bool) {
	v, ok := lookup(obj, names...)
	if !ok {
		return time.Time{}, false
	}
	if s, isStr := v.(string); isStr {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return inRange(t.UTC())
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 || f > maxEpochMillis || math.IsNaN(f) {
		return time.Time{}, false
	}
	if f >= 1e12 {
		return inRange(time.UnixMilli(int64(f)).UTC())
	}
	return inRange(time.Unix(int64(f), 0).UTC())
}

func inRange(t time.Time) (time.Time, bool) {
	if y := t.Year(); y < 1 || y > 9999 {
		return time.Time{}, false
	}
	return t, true
}
