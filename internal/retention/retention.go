package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/orbit/internal/observability"
)

// Result holds per-table deletion counts of one sweep.
type Result struct {
	Logs          int64 `json:"agent_logs"`
	Sessions      int64 `json:"agent_sessions"`
	MetricSamples int64 `json:"system_metric_samples"`
}

// Total is the number of rows deleted across all tables.
func (r Result) Total() int64 {
	return r.Logs + r.Sessions + r.MetricSamples
}

// Pruner deletes rows strictly older than a cutoff.
type Pruner interface {
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteMetricSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cutoff returns now minus the retention window.
func Cutoff(now time.Time, days int) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour).Truncate(time.Microsecond)
}

// Sweep deletes log entries, sessions, and metric samples older than the
// retention window. Running it twice with the same now deletes nothing the
// second time.
func Sweep(ctx context.Context, p Pruner, now time.Time, days int) (Result, error) {
	if days <= 0 {
		return Result{}, fmt.Errorf("retention days must be positive, got %d", days)
	}
	cutoff := Cutoff(now, days)

	var res Result
	var err error
	if res.Logs, err = p.DeleteLogsBefore(ctx, cutoff); err != nil {
		return res, fmt.Errorf("deleting agent_logs: %w", err)
	}
	observability.RecordRowsSwept("agent_logs", res.Logs)

	if res.Sessions, err = p.DeleteSessionsBefore(ctx, cutoff); err != nil {
		return res, fmt.Errorf("deleting agent_sessions: %w", err)
	}
	observability.RecordRowsSwept("agent_sessions", res.Sessions)

	if res.MetricSamples, err = p.DeleteMetricSamplesBefore(ctx, cutoff); err != nil {
		return res, fmt.Errorf("deleting system_metric_samples: %w", err)
	}
	observability.RecordRowsSwept("system_metric_samples", res.MetricSamples)

	return res, nil
}

// Cleaner runs a sweep with the given window, locally or remotely.
type Cleaner interface {
	Cleanup(ctx context.Context, days int) (Result, error)
}

// LocalCleaner sweeps a store in-process.
type LocalCleaner struct {
	store Pruner
	now   func() time.Time
}

func NewLocalCleaner(store Pruner) *LocalCleaner {
	return &LocalCleaner{store: store, now: time.Now}
}

func (c *LocalCleaner) Cleanup(ctx context.Context, days int) (Result, error) {
	return Sweep(ctx, c.store, c.now().UTC(), days)
}
