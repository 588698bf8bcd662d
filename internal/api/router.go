// Package api serves the collector store endpoint and the dashboard reads.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/orbit/internal/observability"
	"github.com/kalambet/orbit/internal/record"
	"github.com/kalambet/orbit/internal/retention"
	"github.com/kalambet/orbit/internal/storage"
)

const maxRequestBodySize = 4 << 20 // 4MB

// Metric storage modes.
const (
	MetricsLatest = "latest"
	MetricsSeries = "series"
)

// Store is implemented by storage.Store and pgstore.DB.
type Store interface {
	retention.Pruner

	UpsertSessions(ctx context.Context, sessions []record.Session) (int, error)
	ListSessions(ctx context.Context, limit int) ([]record.Session, error)
	TokenUsage(ctx context.Context) ([]record.TokenUsage, error)

	UpsertJobRuns(ctx context.Context, runs []record.JobRun) (int, error)
	ListJobRuns(ctx context.Context) ([]record.JobRun, error)

	InsertLogs(ctx context.Context, entries []record.LogEntry) (int, error)
	ListLogs(ctx context.Context, q storage.LogQuery) ([]record.LogEntry, error)

	UpsertMetrics(ctx context.Context, samples []record.MetricSample) (int, error)
	AppendMetrics(ctx context.Context, samples []record.MetricSample) (int, error)
	ListMetrics(ctx context.Context) ([]record.MetricSample, error)
	ListMetricSamples(ctx context.Context, name string, limit int) ([]record.MetricSample, error)
}

type Deps struct {
	Store         Store
	Token         string
	MetricsMode   string
	RetentionDays int
	Logger        *slog.Logger
	Now           func() time.Time
}

// NewHandler builds the HTTP handler. The collector POST and all /api reads
// sit behind BearerAuth; /health, /metrics and GET /api/collector are open.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MetricsMode == "" {
		deps.MetricsMode = MetricsLatest
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())
	r.Get("/api/collector", handleCollectorHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/api/collector", handleCollect(deps))
		r.Get("/api/sessions", handleListSessions(deps))
		r.Get("/api/tokens", handleTokenUsage(deps))
		r.Get("/api/cron", handleListJobRuns(deps))
		r.Get("/api/logs", handleListLogs(deps))
		r.Get("/api/metrics", handleListMetrics(deps))
		r.Get("/api/metrics/{name}/samples", handleListMetricSamples(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// instrument records request counts and latency per route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RecordHTTPRequest(r.Method, path, strconv.Itoa(status), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
