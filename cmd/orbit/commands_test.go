package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/kalambet/orbit/internal/dispatch"
	"github.com/kalambet/orbit/internal/retention"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":"not found"}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func fixNow(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestStatusCommand(t *testing.T) {
	fixNow(t, time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC))

	ts := newTestServer(t, map[string]string{
		"GET /api/collector": `{"status":"ok","message":"Orbit collector API","timestamp":"2026-03-08T12:00:00Z"}`,
		"GET /api/sessions": `[{"session_key":"agent:main:abc","agent_id":"main","status":"active",
			"tokens_in":120,"tokens_out":45,"context_tokens":0,
			"started_at":"2026-03-08T11:00:00Z","last_activity":"2026-03-08T11:55:00Z"}]`,
		"GET /api/tokens": `[{"agent_id":"main","sessions":1,"tokens_in":120,"tokens_out":45}]`,
		"GET /api/cron": `[{"job_id":"j1","job_name":"nightly digest","status":"failed",
			"ran_at":"2026-03-08T10:00:00Z","next_run":"2026-03-09T10:00:00Z","error_message":"timeout"}]`,
	})

	var out bytes.Buffer
	if err := runStatus(ctx, ts.client(), &out); err != nil {
		t.Fatalf("runStatus: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"Orbit collector API",
		"agent:main:abc",
		"5m ago",
		"sessions=1 in=120 out=45",
		"nightly digest",
		"ran 2h ago, next in 22h",
		"timeout",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	if len(ts.requests) != 4 {
		t.Fatalf("expected 4 requests, got %d", len(ts.requests))
	}
	if ts.requests[1].Path != "/api/sessions?limit=20" {
		t.Errorf("sessions path = %q", ts.requests[1].Path)
	}
	for _, r := range ts.requests {
		if r.Auth != "Bearer test-token" {
			t.Errorf("%s %s: auth = %q", r.Method, r.Path, r.Auth)
		}
	}
}

func TestStatusCommand_EmptyStore(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/collector": `{"status":"ok","message":"Orbit collector API"}`,
		"GET /api/sessions":  `[]`,
		"GET /api/tokens":    `[]`,
		"GET /api/cron":      `[]`,
	})

	var out bytes.Buffer
	if err := runStatus(ctx, ts.client(), &out); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	if strings.Count(out.String(), "none") != 3 {
		t.Errorf("expected three empty sections:\n%s", out.String())
	}
}

func TestStatusCommand_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/collector": `{"status":"ok"}`,
	})

	err := runStatus(ctx, ts.client(), &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for missing sessions endpoint")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v", err)
	}
}

func TestStatusCommand_Unreachable(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: &http.Client{Timeout: time.Second}}
	err := runStatus(ctx, c, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("expected reachability error, got %v", err)
	}
}

func TestLogsCommand(t *testing.T) {
	fixNow(t, time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC))

	ts := newTestServer(t, map[string]string{
		"GET /api/logs": `[{"id":"1","agent_id":"main","level":"error","message":"session entered error state","timestamp":"2026-03-08T11:00:00Z"}]`,
	})

	var out bytes.Buffer
	if err := runLogs(ctx, ts.client(), &out, "error", "session", 10); err != nil {
		t.Fatalf("runLogs: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	path := ts.requests[0].Path
	for _, want := range []string{"level=error", "q=session", "limit=10"} {
		if !strings.Contains(path, want) {
			t.Errorf("path %q missing %q", path, want)
		}
	}
	if !strings.Contains(out.String(), "ERROR") || !strings.Contains(out.String(), "1h ago") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestLogsCommand_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /api/logs": `[]`})

	var out bytes.Buffer
	if err := runLogs(ctx, ts.client(), &out, "", "", 0); err != nil {
		t.Fatalf("runLogs: %v", err)
	}
	if ts.requests[0].Path != "/api/logs" {
		t.Errorf("path = %q, want no query", ts.requests[0].Path)
	}
	if !strings.Contains(out.String(), "no log entries") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

type fakeCleaner struct {
	days int
	res  retention.Result
	err  error
}

func (f *fakeCleaner) Cleanup(_ context.Context, days int) (retention.Result, error) {
	f.days = days
	return f.res, f.err
}

func TestSweep(t *testing.T) {
	c := &fakeCleaner{res: retention.Result{Logs: 3, Sessions: 1}}
	if err := runSweep(ctx, c, 14); err != nil {
		t.Fatalf("runSweep: %v", err)
	}
	if c.days != 14 {
		t.Errorf("days = %d, want 14", c.days)
	}
}

func TestSweep_InvalidDays(t *testing.T) {
	c := &fakeCleaner{}
	if err := runSweep(ctx, c, 0); err == nil {
		t.Fatal("expected error for zero days")
	}
	if c.days != 0 {
		t.Error("cleaner should not be called")
	}
}

func TestSweep_CleanerError(t *testing.T) {
	c := &fakeCleaner{err: errors.New("boom")}
	err := runSweep(ctx, c, 7)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestSweep_Remote(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/collector": `{"success":true,"count":0,"deleted":{"agent_logs":2,"agent_sessions":0,"system_metric_samples":5}}`,
	})

	client := dispatch.NewClient(ts.server.URL, "test-token", ts.server.Client())
	if err := runSweep(ctx, client, 7); err != nil {
		t.Fatalf("runSweep: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	body := ts.requests[0].Body
	if !strings.Contains(body, `"type":"cleanup"`) || !strings.Contains(body, `"retentionDays":7`) {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestCheckStore(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/collector": `{"status":"ok","message":"Orbit collector API"}`,
	})

	client := dispatch.NewClient(ts.server.URL, "test-token", ts.server.Client())
	if !checkStore(ctx, client, ts.server.URL) {
		t.Error("healthy store reported unhealthy")
	}
	if len(ts.requests) != 1 || ts.requests[0].Method != http.MethodGet || ts.requests[0].Path != "/api/collector" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestCheckStore_Unhealthy(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	client := dispatch.NewClient(ts.server.URL, "", ts.server.Client())
	if checkStore(ctx, client, ts.server.URL) {
		t.Error("404 from the store should be unhealthy")
	}

	down := dispatch.NewClient("http://127.0.0.1:1", "", &http.Client{Timeout: time.Second})
	if checkStore(ctx, down, "http://127.0.0.1:1") {
		t.Error("unreachable store should be unhealthy")
	}
}
