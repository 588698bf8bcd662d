package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/orbit/internal/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_agent_sessions_last_activity", "idx_agent_logs_timestamp", "idx_system_metric_samples_recorded"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestUpsertSessions_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []record.Session{
		{Key: "agent:honzik:main", AgentID: "honzik", Status: record.StatusActive, TokensIn: 10, StartedAt: base, LastActivity: base},
		{Key: "agent:kea:main", AgentID: "kea", Status: record.StatusIdle, StartedAt: base, LastActivity: base},
	}
	if _, err := s.UpsertSessions(ctx, batch); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	batch[0].TokensIn = 99
	batch[0].Model = "claude-opus"
	batch[0].LastActivity = base.Add(time.Minute)
	n, err := s.UpsertSessions(ctx, batch)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	var rows int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM agent_sessions").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Errorf("rows = %d, want 2", rows)
	}

	got, err := s.GetSession(ctx, "agent:honzik:main")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.TokensIn != 99 || got.Model != "claude-opus" {
		t.Errorf("session = %+v, want second submission values", got)
	}
	if !got.LastActivity.Equal(base.Add(time.Minute)) {
		t.Errorf("LastActivity = %v", got.LastActivity)
	}
}

func TestUpsertSessions_LastActivityMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	later := base.Add(time.Hour)
	if _, err := s.UpsertSessions(ctx, []record.Session{{Key: "k", AgentID: "a", Status: record.StatusActive, StartedAt: base, LastActivity: later}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertSessions(ctx, []record.Session{{Key: "k", AgentID: "a", Status: record.StatusIdle, StartedAt: later, LastActivity: base}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastActivity.Equal(later) {
		t.Errorf("LastActivity = %v, want %v (must not decrease)", got.LastActivity, later)
	}
	if !got.StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want earliest %v", got.StartedAt, base)
	}
	if got.Status != record.StatusIdle {
		t.Errorf("Status = %q, want idle", got.Status)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertJobRuns_LaterInBatchWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := "boom"
	runs := []record.JobRun{
		{JobID: "j1", JobName: "monitor-scan", Status: "ok", RanAt: base},
		{JobID: "j1", JobName: "monitor-scan", Status: "error", RanAt: base.Add(time.Minute), ErrorMessage: &msg},
	}
	if _, err := s.UpsertJobRuns(ctx, runs); err != nil {
		t.Fatalf("UpsertJobRuns: %v", err)
	}

	got, err := s.ListJobRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("rows = %d, want 1", len(got))
	}
	if got[0].Status != "error" || got[0].ErrorMessage == nil || *got[0].ErrorMessage != "boom" {
		t.Errorf("job = %+v, want later record", got[0])
	}
	if got[0].NextRun != nil || got[0].DurationMs != nil {
		t.Errorf("nullable fields should stay nil: %+v", got[0])
	}
}

func TestListLogs_FilterAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []record.LogEntry{
		{AgentID: "monitor", Level: record.LevelInfo, Message: "Scanning leaderboard", Timestamp: base},
		{AgentID: "evaluator", Level: record.LevelWarn, Message: "Price requires >88% WR", Timestamp: base.Add(time.Second)},
		{AgentID: "executor", Level: record.LevelError, Message: "No approved signals", Timestamp: base.Add(2 * time.Second), Metadata: []byte(`{"n":0}`)},
	}
	if n, err := s.InsertLogs(ctx, entries); err != nil || n != 3 {
		t.Fatalf("InsertLogs = %d, %v", n, err)
	}

	all, err := s.ListLogs(ctx, LogQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].AgentID != "executor" {
		t.Fatalf("ListLogs = %+v, want newest first", all)
	}
	if all[0].ID == "" || string(all[0].Metadata) != `{"n":0}` {
		t.Errorf("entry = %+v", all[0])
	}

	warns, err := s.ListLogs(ctx, LogQuery{Level: record.LevelWarn})
	if err != nil {
		t.Fatal(err)
	}
	if len(warns) != 1 || warns[0].AgentID != "evaluator" {
		t.Errorf("level filter = %+v", warns)
	}

	found, err := s.ListLogs(ctx, LogQuery{Search: "LEADERBOARD"})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].AgentID != "monitor" {
		t.Errorf("search = %+v", found)
	}
}

func TestRetentionBoundary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cutoff := base.Add(-7 * 24 * time.Hour)

	entries := []record.LogEntry{
		{AgentID: "a", Level: record.LevelInfo, Message: "8d", Timestamp: base.Add(-8 * 24 * time.Hour)},
		{AgentID: "a", Level: record.LevelInfo, Message: "7d", Timestamp: cutoff},
		{AgentID: "a", Level: record.LevelInfo, Message: "6d", Timestamp: base.Add(-6 * 24 * time.Hour)},
	}
	if _, err := s.InsertLogs(ctx, entries); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	left, err := s.ListLogs(ctx, LogQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 || left[0].Message != "6d" || left[1].Message != "7d" {
		t.Errorf("remaining = %+v", left)
	}

	n, err = s.DeleteLogsBefore(ctx, cutoff)
	if err != nil || n != 0 {
		t.Errorf("second sweep = %d, %v; want 0", n, err)
	}
}

func TestRetentionBoundary_SubMillisecond(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cutoff := base.Add(-7*24*time.Hour + 1500*time.Microsecond)

	entries := []record.LogEntry{
		{AgentID: "a", Level: record.LevelInfo, Message: "older by 300us", Timestamp: cutoff.Add(-300 * time.Microsecond)},
		{AgentID: "a", Level: record.LevelInfo, Message: "at cutoff", Timestamp: cutoff},
	}
	if _, err := s.InsertLogs(ctx, entries); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	left, err := s.ListLogs(ctx, LogQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].Message != "at cutoff" || !left[0].Timestamp.Equal(cutoff) {
		t.Errorf("remaining = %+v", left)
	}
}

func TestContainsPattern(t *testing.T) {
	tests := []struct {
		term string
		want string
	}{
		{"timeout", "%timeout%"},
		{"50%", `%50\%%`},
		{"file_a", `%file\_a%`},
		{`C:\tmp`, `%C:\\tmp%`},
	}
	for _, tt := range tests {
		if got := ContainsPattern(tt.term); got != tt.want {
			t.Errorf("ContainsPattern(%q) = %q, want %q", tt.term, got, tt.want)
		}
	}
}

func TestDeleteSessionsBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := base.Add(-10 * 24 * time.Hour)
	if _, err := s.UpsertSessions(ctx, []record.Session{
		{Key: "old", AgentID: "a", Status: record.StatusIdle, StartedAt: old, LastActivity: old},
		{Key: "new", AgentID: "a", Status: record.StatusActive, StartedAt: base, LastActivity: base},
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteSessionsBefore(ctx, base.Add(-7*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("DeleteSessionsBefore = %d, %v", n, err)
	}
	if _, err := s.GetSession(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old session still present: %v", err)
	}
}

func TestMetrics_LatestAndSeries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := []record.MetricSample{{Name: "queueDepth", Value: []byte(`{"value":1}`), RecordedAt: base}}
	second := []record.MetricSample{{Name: "queueDepth", Value: []byte(`{"value":5}`), RecordedAt: base.Add(time.Minute)}}

	for _, batch := range [][]record.MetricSample{first, second} {
		if _, err := s.UpsertMetrics(ctx, batch); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AppendMetrics(ctx, batch); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := s.ListMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 1 || string(latest[0].Value) != `{"value":5}` {
		t.Errorf("latest = %+v", latest)
	}

	series, err := s.ListMetricSamples(ctx, "queueDepth", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 2 || string(series[0].Value) != `{"value":5}` {
		t.Errorf("series = %+v", series)
	}

	n, err := s.DeleteMetricSamplesBefore(ctx, base.Add(30*time.Second))
	if err != nil || n != 1 {
		t.Errorf("DeleteMetricSamplesBefore = %d, %v", n, err)
	}
}

func TestTokenUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertSessions(ctx, []record.Session{
		{Key: "agent:honzik:main", AgentID: "honzik", Status: record.StatusActive, TokensIn: 100, TokensOut: 10, StartedAt: base, LastActivity: base},
		{Key: "agent:honzik:sub", AgentID: "honzik", Status: record.StatusActive, TokensIn: 50, TokensOut: 5, StartedAt: base, LastActivity: base},
		{Key: "agent:monitor:main", AgentID: "monitor", Status: record.StatusActive, TokensIn: 80, TokensOut: 8, StartedAt: base, LastActivity: base},
	}); err != nil {
		t.Fatal(err)
	}

	usage, err := s.TokenUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 2 {
		t.Fatalf("len = %d, want 2", len(usage))
	}
	if usage[0].AgentID != "honzik" || usage[0].TokensIn != 150 || usage[0].TokensOut != 15 || usage[0].Sessions != 2 {
		t.Errorf("usage[0] = %+v", usage[0])
	}
}
