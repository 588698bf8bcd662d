package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/orbit/internal/record"
	"github.com/kalambet/orbit/internal/storage"
)

const maxListLimit = 1000

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, maxListLimit)

		sessions, err := deps.Store.ListSessions(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to list sessions: %v", err)
			return
		}
		if sessions == nil {
			sessions = []record.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func handleTokenUsage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usage, err := deps.Store.TokenUsage(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to aggregate tokens: %v", err)
			return
		}
		if usage == nil {
			usage = []record.TokenUsage{}
		}
		writeJSON(w, http.StatusOK, usage)
	}
}

func handleListJobRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := deps.Store.ListJobRuns(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to list cron runs: %v", err)
			return
		}
		if runs == nil {
			runs = []record.JobRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleListLogs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := storage.LogQuery{
			Limit:  parseIntParam(r, "limit", 100, maxListLimit),
			Search: r.URL.Query().Get("q"),
		}
		if lvl := r.URL.Query().Get("level"); lvl != "" && lvl != "all" {
			switch l := record.Level(lvl); l {
			case record.LevelInfo, record.LevelWarn, record.LevelError:
				q.Level = l
			default:
				httpError(w, http.StatusBadRequest, "unknown level %q", lvl)
				return
			}
		}

		logs, err := deps.Store.ListLogs(r.Context(), q)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to list logs: %v", err)
			return
		}
		if logs == nil {
			logs = []record.LogEntry{}
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

func handleListMetrics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics, err := deps.Store.ListMetrics(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to list metrics: %v", err)
			return
		}
		if metrics == nil {
			metrics = []record.MetricSample{}
		}
		writeJSON(w, http.StatusOK, metrics)
	}
}

func handleListMetricSamples(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		limit := parseIntParam(r, "limit", 100, maxListLimit)

		samples, err := deps.Store.ListMetricSamples(r.Context(), name, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to list metric samples: %v", err)
			return
		}
		if samples == nil {
			samples = []record.MetricSample{}
		}
		writeJSON(w, http.StatusOK, samples)
	}
}
