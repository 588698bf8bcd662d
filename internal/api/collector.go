package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kalambet/orbit/internal/observability"
	"github.com/kalambet/orbit/internal/record"
	"github.com/kalambet/orbit/internal/retention"
)

type collectRequest struct {
	Type    record.Kind     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type collectResponse struct {
	Success bool              `json:"success"`
	Count   int               `json:"count"`
	Deleted *retention.Result `json:"deleted,omitempty"`
}

type cleanupRequest struct {
	RetentionDays *int `json:"retentionDays"`
}

// errBadPayload marks a client error in a typed payload handler.
type errBadPayload struct{ msg string }

func (e errBadPayload) Error() string { return e.msg }

func badPayload(msg string) error { return errBadPayload{msg} }

func handleCollectorHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"message":   "Orbit collector API",
			"timestamp": deps.Now().UTC().Format(time.RFC3339),
		})
	}
}

func handleCollect(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req collectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if !req.Type.Valid() {
			httpError(w, http.StatusBadRequest, "unknown type %q", req.Type)
			return
		}

		var (
			resp collectResponse
			err  error
		)
		switch req.Type {
		case record.KindSessions:
			resp.Count, err = collectSessions(r, deps, req.Payload)
		case record.KindCron:
			resp.Count, err = collectJobs(r, deps, req.Payload)
		case record.KindLogs:
			resp.Count, err = collectLogs(r, deps, req.Payload)
		case record.KindMetrics:
			resp.Count, err = collectMetrics(r, deps, req.Payload)
		case record.KindCleanup:
			var res retention.Result
			res, err = collectCleanup(r, deps, req.Payload)
			resp.Count = int(res.Total())
			resp.Deleted = &res
		}

		var bad errBadPayload
		switch {
		case errors.As(err, &bad):
			httpError(w, http.StatusBadRequest, "%s", bad.msg)
			return
		case err != nil:
			deps.Logger.Error("store rejected batch", "type", req.Type, "error", err)
			httpError(w, http.StatusInternalServerError, "%v", err)
			return
		}

		observability.RecordRowsWritten(string(req.Type), resp.Count)
		resp.Success = true
		writeJSON(w, http.StatusOK, resp)
	}
}

func decodeArray(payload json.RawMessage) ([]any, error) {
	var items []any
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, badPayload("payload must be an array")
	}
	return items, nil
}

func collectSessions(r *http.Request, deps Deps, payload json.RawMessage) (int, error) {
	raw, err := decodeArray(payload)
	if err != nil {
		return 0, err
	}
	sessions, err := record.NormalizeSessions(raw, deps.Now().UTC())
	if err != nil {
		return 0, badPayload(err.Error())
	}
	sessions = record.Dedupe(sessions, record.SessionKey)
	if len(sessions) == 0 {
		return 0, nil
	}
	return deps.Store.UpsertSessions(r.Context(), sessions)
}

// collectJobs upserts in payload order, so a later duplicate id wins.
func collectJobs(r *http.Request, deps Deps, payload json.RawMessage) (int, error) {
	raw, err := decodeArray(payload)
	if err != nil {
		return 0, err
	}
	runs, err := record.NormalizeJobRuns(raw, deps.Now().UTC())
	if err != nil {
		return 0, badPayload(err.Error())
	}
	if len(runs) == 0 {
		return 0, nil
	}
	return deps.Store.UpsertJobRuns(r.Context(), runs)
}

func collectLogs(r *http.Request, deps Deps, payload json.RawMessage) (int, error) {
	raw, err := decodeArray(payload)
	if err != nil {
		return 0, err
	}
	entries, err := record.NormalizeLogEntries(raw, deps.Now().UTC())
	if err != nil {
		return 0, badPayload(err.Error())
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return deps.Store.InsertLogs(r.Context(), entries)
}

// collectMetrics refreshes the latest-value table, and in series mode also
// appends to the sample history.
func collectMetrics(r *http.Request, deps Deps, payload json.RawMessage) (int, error) {
	var metrics map[string]any
	if err := json.Unmarshal(payload, &metrics); err != nil || metrics == nil {
		return 0, badPayload("payload must be an object")
	}
	if len(metrics) == 0 {
		return 0, nil
	}
	samples, err := record.NormalizeMetrics(metrics, deps.Now().UTC())
	if err != nil {
		return 0, badPayload(err.Error())
	}
	if deps.MetricsMode == MetricsSeries {
		if _, err := deps.Store.AppendMetrics(r.Context(), samples); err != nil {
			return 0, err
		}
	}
	return deps.Store.UpsertMetrics(r.Context(), samples)
}

func collectCleanup(r *http.Request, deps Deps, payload json.RawMessage) (retention.Result, error) {
	days := deps.RetentionDays
	if p := bytes.TrimSpace(payload); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
		var req cleanupRequest
		if err := json.Unmarshal(p, &req); err != nil {
			return retention.Result{}, badPayload("payload must be an object")
		}
		if req.RetentionDays != nil {
			days = *req.RetentionDays
		}
	}
	if days <= 0 {
		return retention.Result{}, badPayload("retentionDays must be positive")
	}
	res, err := retention.Sweep(r.Context(), deps.Store, deps.Now().UTC(), days)
	if err != nil {
		return res, err
	}
	deps.Logger.Info("retention sweep via endpoint", "days", days, "deleted", res.Total())
	return res, nil
}
