package record

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies a collector payload type on the store endpoint.
type Kind string

const (
	KindSessions Kind = "sessions"
	KindLogs     Kind = "logs"
	KindCron     Kind = "cron"
	KindMetrics  Kind = "metrics"
	KindCleanup  Kind = "cleanup"
)

// Valid reports whether k is a known payload type.
func (k Kind) Valid() bool {
	switch k {
	case KindSessions, KindLogs, KindCron, KindMetrics, KindCleanup:
		return true
	}
	return false
}

// UnknownAgent is the agent id used when none can be determined.
const UnknownAgent = "unknown"

var (
	// ErrNotObject is returned when a raw payload element is not a JSON object.
	ErrNotObject = errors.New("record is not an object")
	// ErrMissingKey is returned when a record has no usable identifier.
	ErrMissingKey = errors.New("record has no key")
)

type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusIdle   SessionStatus = "idle"
	StatusError  SessionStatus = "error"
)

// Session is the current state of one agent run, keyed by session_key.
type Session struct {
	Key           string        `json:"session_key"`
	AgentID       string        `json:"agent_id"`
	Model         string        `json:"model,omitempty"`
	Status        SessionStatus `json:"status"`
	TokensIn      int64         `json:"tokens_in"`
	TokensOut     int64         `json:"tokens_out"`
	ContextTokens int64         `json:"context_tokens"`
	StartedAt     time.Time     `json:"started_at"`
	LastActivity  time.Time     `json:"last_activity"`
}

// JobRun is the latest known state of a scheduled job. One row per JobID.
type JobRun struct {
	JobID        string     `json:"job_id"`
	JobName      string     `json:"job_name"`
	Status       string     `json:"status"`
	RanAt        time.Time  `json:"ran_at"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LogEntry is an append-only event. ID is assigned by the store.
type LogEntry struct {
	ID        string          `json:"id,omitempty"`
	SessionID *string         `json:"session_id,omitempty"`
	AgentID   string          `json:"agent_id"`
	Level     Level           `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MetricSample is a named JSON value observed at RecordedAt.
type MetricSample struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"metric_name"`
	Value      json.RawMessage `json:"value"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// TokenUsage is the per-agent sum of session token counters.
type TokenUsage struct {
	AgentID   string `json:"agent_id"`
	Sessions  int    `json:"sessions"`
	TokensIn  int64  `json:"tokens_in"`
	TokensOut int64  `json:"tokens_out"`
}
