// Package pgstore is the PostgreSQL backend for hosted deployments. It
// mirrors the table layout and upsert semantics of the SQLite store.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/orbit/internal/record"
	"github.com/kalambet/orbit/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to dsn, verifies the connection, and applies pending migrations.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

// Close releases all pooled connections.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("pgstore: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("pgstore: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("pgstore: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("pgstore: read migration %s: %w", name, err)
		}

		db.logger.Info("running migration", "file", name)
		if _, err := db.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("pgstore: execute migration %s: %w", name, err)
		}
		if _, err := db.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("pgstore: record migration %s: %w", name, err)
		}
	}
	return nil
}

// sendBatch queues one statement per row so that duplicate keys within a
// batch are applied in order instead of failing the whole statement.
func (db *DB) sendBatch(ctx context.Context, b *pgx.Batch) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, b).Close()
	})
}

// --- Sessions ---

func (db *DB) UpsertSessions(ctx context.Context, sessions []record.Session) (int, error) {
	if len(sessions) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, s := range sessions {
		var model *string
		if s.Model != "" {
			model = &s.Model
		}
		b.Queue(`
			INSERT INTO agent_sessions (session_key, agent_id, model, status, tokens_in, tokens_out, context_tokens, started_at, last_activity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (session_key) DO UPDATE SET
				agent_id = EXCLUDED.agent_id,
				model = EXCLUDED.model,
				status = EXCLUDED.status,
				tokens_in = EXCLUDED.tokens_in,
				tokens_out = EXCLUDED.tokens_out,
				context_tokens = EXCLUDED.context_tokens,
				started_at = LEAST(agent_sessions.started_at, EXCLUDED.started_at),
				last_activity = GREATEST(agent_sessions.last_activity, EXCLUDED.last_activity)`,
			s.Key, s.AgentID, model, string(s.Status), s.TokensIn, s.TokensOut, s.ContextTokens,
			s.StartedAt.UTC(), s.LastActivity.UTC(),
		)
	}
	if err := db.sendBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("pgstore: upsert sessions: %w", err)
	}
	return len(sessions), nil
}

const sessionColumns = `session_key, agent_id, COALESCE(model, ''), status, tokens_in, tokens_out, context_tokens, started_at, last_activity`

func scanSession(row pgx.Row) (record.Session, error) {
	var s record.Session
	var status string
	if err := row.Scan(&s.Key, &s.AgentID, &s.Model, &status, &s.TokensIn, &s.TokensOut, &s.ContextTokens, &s.StartedAt, &s.LastActivity); err != nil {
		return record.Session{}, err
	}
	s.Status = record.SessionStatus(status)
	s.StartedAt = s.StartedAt.UTC()
	s.LastActivity = s.LastActivity.UTC()
	return s, nil
}

func (db *DB) GetSession(ctx context.Context, key string) (record.Session, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE session_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return record.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return record.Session{}, fmt.Errorf("pgstore: get session: %w", err)
	}
	return s, nil
}

func (db *DB) ListSessions(ctx context.Context, limit int) ([]record.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions ORDER BY last_activity DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list sessions: %w", err)
	}
	defer rows.Close()

	var out []record.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) TokenUsage(ctx context.Context) ([]record.TokenUsage, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT agent_id, COUNT(*)::int, COALESCE(SUM(tokens_in), 0)::bigint, COALESCE(SUM(tokens_out), 0)::bigint
		FROM agent_sessions GROUP BY agent_id ORDER BY SUM(tokens_in) DESC, agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: token usage: %w", err)
	}
	defer rows.Close()

	var out []record.TokenUsage
	for rows.Next() {
		var u record.TokenUsage
		if err := rows.Scan(&u.AgentID, &u.Sessions, &u.TokensIn, &u.TokensOut); err != nil {
			return nil, fmt.Errorf("pgstore: scan token usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (db *DB) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM agent_sessions WHERE last_activity < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pgstore: delete sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Job runs ---

func (db *DB) UpsertJobRuns(ctx context.Context, runs []record.JobRun) (int, error) {
	if len(runs) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, j := range runs {
		var nextRun *time.Time
		if j.NextRun != nil {
			t := j.NextRun.UTC()
			nextRun = &t
		}
		b.Queue(`
			INSERT INTO cron_runs (job_id, job_name, status, ran_at, next_run, error_message, duration_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (job_id) DO UPDATE SET
				job_name = EXCLUDED.job_name,
				status = EXCLUDED.status,
				ran_at = EXCLUDED.ran_at,
				next_run = EXCLUDED.next_run,
				error_message = EXCLUDED.error_message,
				duration_ms = EXCLUDED.duration_ms`,
			j.JobID, j.JobName, j.Status, j.RanAt.UTC(), nextRun, j.ErrorMessage, j.DurationMs,
		)
	}
	if err := db.sendBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("pgstore: upsert job runs: %w", err)
	}
	return len(runs), nil
}

func (db *DB) ListJobRuns(ctx context.Context) ([]record.JobRun, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT job_id, job_name, status, ran_at, next_run, error_message, duration_ms
		FROM cron_runs ORDER BY job_name ASC, job_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list job runs: %w", err)
	}
	defer rows.Close()

	var out []record.JobRun
	for rows.Next() {
		var j record.JobRun
		if err := rows.Scan(&j.JobID, &j.JobName, &j.Status, &j.RanAt, &j.NextRun, &j.ErrorMessage, &j.DurationMs); err != nil {
			return nil, fmt.Errorf("pgstore: scan job run: %w", err)
		}
		j.RanAt = j.RanAt.UTC()
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- Logs ---

func (db *DB) InsertLogs(ctx context.Context, entries []record.LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = uuid.New().String()
		}
		var metadata any
		if len(e.Metadata) > 0 {
			metadata = string(e.Metadata)
		}
		b.Queue(`
			INSERT INTO agent_logs (id, session_id, agent_id, level, message, metadata, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
			id, e.SessionID, e.AgentID, string(e.Level), e.Message, metadata, e.Timestamp.UTC(),
		)
	}
	if err := db.sendBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("pgstore: insert logs: %w", err)
	}
	return len(entries), nil
}

func (db *DB) ListLogs(ctx context.Context, q storage.LogQuery) ([]record.LogEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id::text, session_id, agent_id, level, message, metadata::text, timestamp
		FROM agent_logs
		WHERE ($1 = '' OR level = $1) AND ($2 = '' OR message ILIKE $3 ESCAPE '\')
		ORDER BY timestamp DESC LIMIT $4`,
		string(q.Level), q.Search, storage.ContainsPattern(q.Search), limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list logs: %w", err)
	}
	defer rows.Close()

	var out []record.LogEntry
	for rows.Next() {
		var e record.LogEntry
		var level string
		var metadata *string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.AgentID, &level, &e.Message, &metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("pgstore: scan log: %w", err)
		}
		e.Level = record.Level(level)
		if metadata != nil {
			e.Metadata = []byte(*metadata)
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (db *DB) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM agent_logs WHERE timestamp < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pgstore: delete logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Metrics ---

func (db *DB) UpsertMetrics(ctx context.Context, samples []record.MetricSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, m := range samples {
		b.Queue(`
			INSERT INTO system_metrics (metric_name, value, recorded_at) VALUES ($1, $2::jsonb, $3)
			ON CONFLICT (metric_name) DO UPDATE SET value = EXCLUDED.value, recorded_at = EXCLUDED.recorded_at`,
			m.Name, string(m.Value), m.RecordedAt.UTC(),
		)
	}
	if err := db.sendBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("pgstore: upsert metrics: %w", err)
	}
	return len(samples), nil
}

func (db *DB) AppendMetrics(ctx context.Context, samples []record.MetricSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, m := range samples {
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		b.Queue(`INSERT INTO system_metric_samples (id, metric_name, value, recorded_at) VALUES ($1, $2, $3::jsonb, $4)`,
			id, m.Name, string(m.Value), m.RecordedAt.UTC())
	}
	if err := db.sendBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("pgstore: append metrics: %w", err)
	}
	return len(samples), nil
}

func (db *DB) ListMetrics(ctx context.Context) ([]record.MetricSample, error) {
	rows, err := db.pool.Query(ctx, `SELECT metric_name, value::text, recorded_at FROM system_metrics ORDER BY metric_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list metrics: %w", err)
	}
	defer rows.Close()

	var out []record.MetricSample
	for rows.Next() {
		var m record.MetricSample
		var value string
		if err := rows.Scan(&m.Name, &value, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan metric: %w", err)
		}
		m.Value = []byte(value)
		m.RecordedAt = m.RecordedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *DB) ListMetricSamples(ctx context.Context, name string, limit int) ([]record.MetricSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id::text, metric_name, value::text, recorded_at FROM system_metric_samples
		WHERE metric_name = $1 ORDER BY recorded_at DESC LIMIT $2`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list metric samples: %w", err)
	}
	defer rows.Close()

	var out []record.MetricSample
	for rows.Next() {
		var m record.MetricSample
		var value string
		if err := rows.Scan(&m.ID, &m.Name, &value, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan metric sample: %w", err)
		}
		m.Value = []byte(value)
		m.RecordedAt = m.RecordedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *DB) DeleteMetricSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM system_metric_samples WHERE recorded_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pgstore: delete metric samples: %w", err)
	}
	return tag.RowsAffected(), nil
}
