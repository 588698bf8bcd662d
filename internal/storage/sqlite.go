package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/orbit/internal/record"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding sessions, job runs, logs, and metrics.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "orbit.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection: avoids "database is locked" and keeps :memory: alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Sessions ---

// UpsertSessions inserts or updates sessions keyed on session_key, in order.
// last_activity never moves backwards and started_at keeps the earliest value.
func (s *Store) UpsertSessions(ctx context.Context, sessions []record.Session) (int, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO agent_sessions (session_key, agent_id, model, status, tokens_in, tokens_out, context_tokens, started_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_key) DO UPDATE SET
				agent_id = excluded.agent_id,
				model = excluded.model,
				status = excluded.status,
				tokens_in = excluded.tokens_in,
				tokens_out = excluded.tokens_out,
				context_tokens = excluded.context_tokens,
				started_at = min(agent_sessions.started_at, excluded.started_at),
				last_activity = max(agent_sessions.last_activity, excluded.last_activity)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range sessions {
			if _, err := stmt.ExecContext(ctx,
				r.Key, r.AgentID, nullString(r.Model), string(r.Status),
				r.TokensIn, r.TokensOut, r.ContextTokens,
				formatTime(r.StartedAt), formatTime(r.LastActivity),
			); err != nil {
				return fmt.Errorf("upserting session %s: %w", r.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

func (s *Store) GetSession(ctx context.Context, key string) (record.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, agent_id, model, status, tokens_in, tokens_out, context_tokens, started_at, last_activity
		FROM agent_sessions WHERE session_key = ?`, key)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return record.Session{}, ErrNotFound
	}
	return sess, err
}

// ListSessions returns sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]record.Session, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, agent_id, model, status, tokens_in, tokens_out, context_tokens, started_at, last_activity
		FROM agent_sessions ORDER BY last_activity DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []record.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (record.Session, error) {
	var r record.Session
	var model sql.NullString
	var status, startedAt, lastActivity string
	if err := sc.Scan(&r.Key, &r.AgentID, &model, &status, &r.TokensIn, &r.TokensOut, &r.ContextTokens, &startedAt, &lastActivity); err != nil {
		return record.Session{}, err
	}
	r.Model = model.String
	r.Status = record.SessionStatus(status)
	var err error
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return record.Session{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.LastActivity, err = parseTime(lastActivity); err != nil {
		return record.Session{}, fmt.Errorf("parsing last_activity: %w", err)
	}
	return r, nil
}

// TokenUsage sums session token counters per agent, largest input first.
func (s *Store) TokenUsage(ctx context.Context) ([]record.TokenUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0)
		FROM agent_sessions GROUP BY agent_id ORDER BY SUM(tokens_in) DESC, agent_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []record.TokenUsage
	for rows.Next() {
		var u record.TokenUsage
		if err := rows.Scan(&u.AgentID, &u.Sessions, &u.TokensIn, &u.TokensOut); err != nil {
			return nil, err
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// DeleteSessionsBefore removes sessions whose last activity is strictly older than cutoff.
func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE last_activity < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Job runs ---

// UpsertJobRuns overwrites the current-state row of each job, in order, so a
// later duplicate in the same batch wins.
func (s *Store) UpsertJobRuns(ctx context.Context, runs []record.JobRun) (int, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cron_runs (job_id, job_name, status, ran_at, next_run, error_message, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				job_name = excluded.job_name,
				status = excluded.status,
				ran_at = excluded.ran_at,
				next_run = excluded.next_run,
				error_message = excluded.error_message,
				duration_ms = excluded.duration_ms`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, j := range runs {
			var nextRun sql.NullString
			if j.NextRun != nil {
				nextRun = sql.NullString{String: formatTime(*j.NextRun), Valid: true}
			}
			var errMsg sql.NullString
			if j.ErrorMessage != nil {
				errMsg = sql.NullString{String: *j.ErrorMessage, Valid: true}
			}
			var dur sql.NullInt64
			if j.DurationMs != nil {
				dur = sql.NullInt64{Int64: *j.DurationMs, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, j.JobID, j.JobName, j.Status, formatTime(j.RanAt), nextRun, errMsg, dur); err != nil {
				return fmt.Errorf("upserting job %s: %w", j.JobID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(runs), nil
}

// ListJobRuns returns all job rows ordered by name.
func (s *Store) ListJobRuns(ctx context.Context) ([]record.JobRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, job_name, status, ran_at, next_run, error_message, duration_ms
		FROM cron_runs ORDER BY job_name ASC, job_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []record.JobRun
	for rows.Next() {
		var j record.JobRun
		var ranAt string
		var nextRun, errMsg sql.NullString
		var dur sql.NullInt64
		if err := rows.Scan(&j.JobID, &j.JobName, &j.Status, &ranAt, &nextRun, &errMsg, &dur); err != nil {
			return nil, err
		}
		if j.RanAt, err = parseTime(ranAt); err != nil {
			return nil, fmt.Errorf("parsing ran_at for job %s: %w", j.JobID, err)
		}
		if nextRun.Valid {
			t, err := parseTime(nextRun.String)
			if err != nil {
				return nil, fmt.Errorf("parsing next_run for job %s: %w", j.JobID, err)
			}
			j.NextRun = &t
		}
		if errMsg.Valid {
			j.ErrorMessage = &errMsg.String
		}
		if dur.Valid {
			j.DurationMs = &dur.Int64
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

// --- Logs ---

// InsertLogs appends log entries. Duplicates are accepted.
func (s *Store) InsertLogs(ctx context.Context, entries []record.LogEntry) (int, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO agent_logs (id, session_id, agent_id, level, message, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			id := e.ID
			if id == "" {
				id = uuid.New().String()
			}
			var sessionID sql.NullString
			if e.SessionID != nil {
				sessionID = sql.NullString{String: *e.SessionID, Valid: true}
			}
			var metadata sql.NullString
			if len(e.Metadata) > 0 {
				metadata = sql.NullString{String: string(e.Metadata), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, id, sessionID, e.AgentID, string(e.Level), e.Message, metadata, formatTime(e.Timestamp)); err != nil {
				return fmt.Errorf("inserting log: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// ListLogs returns log entries newest first.
func (s *Store) ListLogs(ctx context.Context, q LogQuery) ([]record.LogEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT id, session_id, agent_id, level, message, metadata, timestamp FROM agent_logs WHERE 1=1`
	var args []any
	if q.Level != "" {
		query += ` AND level = ?`
		args = append(args, string(q.Level))
	}
	if q.Search != "" {
		query += ` AND message LIKE ? ESCAPE '\'`
		args = append(args, ContainsPattern(q.Search))
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []record.LogEntry
	for rows.Next() {
		var e record.LogEntry
		var sessionID, metadata sql.NullString
		var level, ts string
		if err := rows.Scan(&e.ID, &sessionID, &e.AgentID, &level, &e.Message, &metadata, &ts); err != nil {
			return nil, err
		}
		e.Level = record.Level(level)
		if sessionID.Valid {
			e.SessionID = &sessionID.String
		}
		if metadata.Valid {
			e.Metadata = []byte(metadata.String)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// DeleteLogsBefore removes log entries strictly older than cutoff.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_logs WHERE timestamp < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Metrics ---

// UpsertMetrics keeps one current value per metric name.
func (s *Store) UpsertMetrics(ctx context.Context, samples []record.MetricSample) (int, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO system_metrics (metric_name, value, recorded_at) VALUES (?, ?, ?)
			ON CONFLICT(metric_name) DO UPDATE SET value = excluded.value, recorded_at = excluded.recorded_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range samples {
			if _, err := stmt.ExecContext(ctx, m.Name, string(m.Value), formatTime(m.RecordedAt)); err != nil {
				return fmt.Errorf("upserting metric %s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(samples), nil
}

// AppendMetrics records samples in the time-series table.
func (s *Store) AppendMetrics(ctx context.Context, samples []record.MetricSample) (int, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO system_metric_samples (id, metric_name, value, recorded_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range samples {
			id := m.ID
			if id == "" {
				id = uuid.New().String()
			}
			if _, err := stmt.ExecContext(ctx, id, m.Name, string(m.Value), formatTime(m.RecordedAt)); err != nil {
				return fmt.Errorf("appending metric %s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(samples), nil
}

// ListMetrics returns the current value of every metric, by name.
func (s *Store) ListMetrics(ctx context.Context) ([]record.MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT metric_name, value, recorded_at FROM system_metrics ORDER BY metric_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []record.MetricSample
	for rows.Next() {
		var m record.MetricSample
		var value, recordedAt string
		if err := rows.Scan(&m.Name, &value, &recordedAt); err != nil {
			return nil, err
		}
		m.Value = []byte(value)
		if m.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// ListMetricSamples returns the newest samples of one metric from the series table.
func (s *Store) ListMetricSamples(ctx context.Context, name string, limit int) ([]record.MetricSample, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, metric_name, value, recorded_at FROM system_metric_samples
		WHERE metric_name = ? ORDER BY recorded_at DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []record.MetricSample
	for rows.Next() {
		var m record.MetricSample
		var value, recordedAt string
		if err := rows.Scan(&m.ID, &m.Name, &value, &recordedAt); err != nil {
			return nil, err
		}
		m.Value = []byte(value)
		if m.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// DeleteMetricSamplesBefore prunes the series table.
func (s *Store) DeleteMetricSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM system_metric_samples WHERE recorded_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
