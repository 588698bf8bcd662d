// Package collector runs the poll cycle: fetch runtime state, normalize it,
// and dispatch it to the store endpoint.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/orbit/internal/dispatch"
	"github.com/kalambet/orbit/internal/observability"
	"github.com/kalambet/orbit/internal/record"
	"github.com/kalambet/orbit/internal/source"
)

// ErrCycleInProgress is returned by Collect when another cycle is running.
var ErrCycleInProgress = errors.New("collection cycle already in progress")

// Dispatcher submits one batch of a kind to the store.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind record.Kind, payload any) (dispatch.Result, error)
}

// Options configures a Collector. Zero values get defaults.
type Options struct {
	Interval time.Duration
	Host     HostSampler
	Logger   *slog.Logger
}

// Collector owns the polling loop and the last-seen session state that
// successive cycles diff against.
type Collector struct {
	src      source.Source
	dst      Dispatcher
	interval time.Duration
	host     HostSampler
	logger   *slog.Logger
	now      func() time.Time

	running atomic.Bool
	skipped atomic.Int64
	state   atomic.Pointer[State]
	wg      sync.WaitGroup
}

// New creates a Collector reading from src and writing to dst.
func New(src source.Source, dst Dispatcher, opts Options) *Collector {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Collector{
		src:      src,
		dst:      dst,
		interval: opts.Interval,
		host:     opts.Host,
		logger:   opts.Logger,
		now:      time.Now,
	}
	c.state.Store(&State{})
	return c
}

// Run collects immediately, then every interval, until ctx is cancelled.
// Ticks that arrive while a cycle is in flight are skipped. On cancel Run
// waits for the in-flight cycle to finish.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("collector started", "interval", c.interval)
	c.tick(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			c.logger.Info("collector stopped", "skipped_ticks", c.skipped.Load())
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// Collect runs exactly one cycle. The returned error is non-nil when the
// status fetch or normalization failed; dispatch failures are only
// reported in the Report.
func (c *Collector) Collect(ctx context.Context) (Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Report{}, ErrCycleInProgress
	}
	defer c.running.Store(false)
	return c.runCycle(ctx)
}

// Skipped returns how many ticks were dropped by the single-flight guard.
func (c *Collector) Skipped() int64 {
	return c.skipped.Load()
}

func (c *Collector) tick(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.skipped.Add(1)
		observability.RecordSkippedTick()
		c.logger.Warn("previous collection cycle still running, skipping tick")
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		// A started cycle runs to completion; transport timeouts bound it.
		_, _ = c.runCycle(context.WithoutCancel(ctx))
	}()
}

func (c *Collector) runCycle(ctx context.Context) (Report, error) {
	start := time.Now()
	prev := c.state.Load()

	rep, next, err := c.cycle(ctx, prev)
	c.state.Store(next)

	result := "ok"
	switch {
	case err != nil:
		result = "error"
		c.logger.Error("collection cycle failed", "error", err)
	case rep.Failures > 0:
		result = "partial"
	}
	observability.RecordCycle(result, time.Since(start))

	c.logger.Info("collection complete",
		"sessions", rep.Sessions,
		"jobs", rep.Jobs,
		"logs", rep.Logs,
		"metrics", rep.Metrics,
		"failures", rep.Failures,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return rep, err
}

// cycle runs one fetch-normalize-dispatch pass against prev and returns
// the state the next cycle should diff against.
func (c *Collector) cycle(ctx context.Context, prev *State) (Report, *State, error) {
	now := c.now().UTC()
	next := prev
	var rep Report
	var fatal error
	var logs []record.LogEntry

	st, err := c.src.Status(ctx)
	if err != nil {
		observability.RecordSourceError("status")
		c.logger.Warn("status source unreachable", "error", err)
		logs = append(logs, sourceLog("status source unreachable", err, now))
		fatal = fmt.Errorf("fetching status: %w", err)
	} else {
		rep.StatusFetched = true
		if sessions, err := record.NormalizeSessions(st.Sessions, now); err != nil {
			c.logger.Error("normalizing sessions", "error", err)
			fatal = fmt.Errorf("normalizing sessions: %w", err)
		} else {
			sessions = record.Dedupe(sessions, record.SessionKey)
			if len(sessions) > 0 && c.send(ctx, &rep, record.KindSessions, sessions) {
				rep.Sessions = len(sessions)
			}
			var diff []record.LogEntry
			next, diff = prev.Diff(sessions, now)
			logs = append(logs, diff...)
		}

		metrics := record.MetricsFromStatus(st.Raw, len(st.Sessions))
		c.addHostMetrics(ctx, metrics)
		if len(metrics) > 0 && c.send(ctx, &rep, record.KindMetrics, metrics) {
			rep.Metrics = len(metrics)
		}

		if len(st.Logs) > 0 {
			runtimeLogs, err := record.NormalizeLogEntries(st.Logs, now)
			if err != nil {
				c.logger.Warn("dropping malformed runtime logs", "error", err)
			} else {
				logs = append(logs, runtimeLogs...)
			}
		}
	}

	if raw, err := c.src.Jobs(ctx); err != nil {
		observability.RecordSourceError("jobs")
		c.logger.Warn("job source unreachable", "error", err)
		logs = append(logs, sourceLog("job source unreachable", err, now))
	} else if jobs, err := record.NormalizeJobRuns(raw, now); err != nil {
		c.logger.Error("normalizing jobs", "error", err)
		if fatal == nil {
			fatal = fmt.Errorf("normalizing jobs: %w", err)
		}
	} else if len(jobs) > 0 && c.send(ctx, &rep, record.KindCron, jobs) {
		rep.Jobs = len(jobs)
	}

	if len(logs) > 0 && c.send(ctx, &rep, record.KindLogs, logs) {
		rep.Logs = len(logs)
	}

	return rep, next, fatal
}

// send dispatches one batch. A rejected batch is logged and not retried;
// the next cycle resends current state.
func (c *Collector) send(ctx context.Context, rep *Report, kind record.Kind, payload any) bool {
	rep.Dispatched = append(rep.Dispatched, kind)
	res, err := c.dst.Dispatch(ctx, kind, payload)
	if err != nil {
		rep.Failures++
		c.logger.Error("dispatch failed", "type", kind, "error", err)
		return false
	}
	c.logger.Debug("dispatched", "type", kind, "count", res.Count)
	return true
}

func (c *Collector) addHostMetrics(ctx context.Context, metrics map[string]any) {
	if c.host == nil {
		return
	}
	hm, err := c.host.Sample(ctx)
	if err != nil {
		c.logger.Warn("sampling host metrics", "error", err)
		return
	}
	for k, v := range hm {
		metrics[k] = v
	}
}

func sourceLog(msg string, err error, now time.Time) record.LogEntry {
	md, _ := json.Marshal(map[string]string{"error": err.Error()})
	return record.LogEntry{
		AgentID:   "collector",
		Level:     record.LevelWarn,
		Message:   msg,
		Metadata:  md,
		Timestamp: now,
	}
}
