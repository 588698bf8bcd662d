package collector

import (
	"encoding/json"
	"time"

	"github.com/kalambet/orbit/internal/record"
)

// Report summarizes one cycle. Counts are rows in successful dispatches;
// Dispatched lists every kind submitted, in order, failed ones included.
type Report struct {
	StatusFetched bool
	Sessions      int
	Jobs          int
	Logs          int
	Metrics       int
	Failures      int
	Dispatched    []record.Kind
}

// seen is what the previous cycle observed for a session.
type seen struct {
	Status    record.SessionStatus
	TokensIn  int64
	TokensOut int64
}

// State is the last-seen view of sessions. It is immutable once stored;
// each cycle builds a fresh one.
type State struct {
	sessions map[string]seen
}

// Len returns the number of sessions in the state.
func (s *State) Len() int {
	return len(s.sessions)
}

// Diff compares the current sessions with s and returns the replacement
// state along with log entries for newly seen sessions and transitions
// into the error state.
func (s *State) Diff(sessions []record.Session, now time.Time) (*State, []record.LogEntry) {
	next := &State{sessions: make(map[string]seen, len(sessions))}
	var logs []record.LogEntry

	for _, sess := range sessions {
		cur := seen{Status: sess.Status, TokensIn: sess.TokensIn, TokensOut: sess.TokensOut}
		next.sessions[sess.Key] = cur

		old, known := s.sessions[sess.Key]
		switch {
		case !known:
			logs = append(logs, sessionLog(sess, record.LevelInfo, "session started", nil, now))
		case old.Status != record.StatusError && cur.Status == record.StatusError:
			logs = append(logs, sessionLog(sess, record.LevelError, "session entered error state",
				map[string]any{"previous_status": old.Status}, now))
		}
	}
	return next, logs
}

func sessionLog(sess record.Session, level record.Level, msg string, extra map[string]any, now time.Time) record.LogEntry {
	md := map[string]any{
		"status":     sess.Status,
		"tokens_in":  sess.TokensIn,
		"tokens_out": sess.TokensOut,
	}
	if sess.Model != "" {
		md["model"] = sess.Model
	}
	for k, v := range extra {
		md[k] = v
	}
	b, _ := json.Marshal(md)

	key := sess.Key
	return record.LogEntry{
		SessionID: &key,
		AgentID:   sess.AgentID,
		Level:     level,
		Message:   msg,
		Metadata:  b,
		Timestamp: now,
	}
}
