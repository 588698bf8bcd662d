package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kalambet/orbit/internal/record"
	"github.com/kalambet/orbit/internal/storage"
)

// openTestDB connects to ORBIT_TEST_DATABASE_URL and truncates all tables.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("ORBIT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ORBIT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := New(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.pool.Exec(ctx, `TRUNCATE agent_sessions, cron_runs, agent_logs, system_metrics, system_metric_samples`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func TestIntegration_SessionUpsertMonotonic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := base.Add(time.Hour)

	if _, err := db.UpsertSessions(ctx, []record.Session{{Key: "agent:honzik:main", AgentID: "honzik", Status: record.StatusActive, TokensIn: 1, StartedAt: base, LastActivity: later}}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertSessions(ctx, []record.Session{{Key: "agent:honzik:main", AgentID: "honzik", Status: record.StatusIdle, TokensIn: 2, StartedAt: later, LastActivity: base}}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetSession(ctx, "agent:honzik:main")
	if err != nil {
		t.Fatal(err)
	}
	if got.TokensIn != 2 || got.Status != record.StatusIdle {
		t.Errorf("session = %+v, want second submission values", got)
	}
	if !got.LastActivity.Equal(later) || !got.StartedAt.Equal(base) {
		t.Errorf("timestamps = %v/%v", got.StartedAt, got.LastActivity)
	}
}

func TestIntegration_JobRunsLaterWins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := db.UpsertJobRuns(ctx, []record.JobRun{
		{JobID: "j1", JobName: "scan", Status: "ok", RanAt: now},
		{JobID: "j1", JobName: "scan", Status: "error", RanAt: now},
	}); err != nil {
		t.Fatal(err)
	}
	runs, err := db.ListJobRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "error" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestIntegration_LogsRetention(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := db.InsertLogs(ctx, []record.LogEntry{
		{AgentID: "a", Level: record.LevelInfo, Message: "old", Timestamp: now.Add(-8 * 24 * time.Hour)},
		{AgentID: "a", Level: record.LevelWarn, Message: "new", Timestamp: now, Metadata: []byte(`{"k":1}`)},
	}); err != nil {
		t.Fatal(err)
	}
	n, err := db.DeleteLogsBefore(ctx, now.Add(-7*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("DeleteLogsBefore = %d, %v", n, err)
	}
	logs, err := db.ListLogs(ctx, storage.LogQuery{Level: record.LevelWarn})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Message != "new" {
		t.Errorf("logs = %+v", logs)
	}
}
