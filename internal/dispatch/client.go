// Package dispatch submits collected batches to the store endpoint.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/orbit/internal/observability"
	"github.com/kalambet/orbit/internal/record"
	"github.com/kalambet/orbit/internal/retention"
)

// Envelope is the request body of POST /api/collector.
type Envelope struct {
	Type    record.Kind `json:"type"`
	Payload any         `json:"payload"`
}

// Result is the success body of POST /api/collector.
type Result struct {
	Success bool              `json:"success"`
	Count   int               `json:"count"`
	Deleted *retention.Result `json:"deleted,omitempty"`
}

// StatusError is a non-2xx answer from the store endpoint.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store endpoint returned %d: %s", e.Code, e.Message)
}

// Client posts envelopes to {baseURL}/api/collector. It does not retry.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a Client. A nil httpClient gets a 30s timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// Dispatch submits one batch of the given kind.
func (c *Client) Dispatch(ctx context.Context, kind record.Kind, payload any) (Result, error) {
	res, err := c.post(ctx, Envelope{Type: kind, Payload: payload})
	if err != nil {
		observability.RecordDispatch(string(kind), "error")
		return Result{}, fmt.Errorf("dispatching %s: %w", kind, err)
	}
	observability.RecordDispatch(string(kind), "ok")
	return res, nil
}

// Cleanup asks the store endpoint to run a retention sweep. It satisfies
// retention.Cleaner.
func (c *Client) Cleanup(ctx context.Context, days int) (retention.Result, error) {
	res, err := c.Dispatch(ctx, record.KindCleanup, map[string]int{"retentionDays": days})
	if err != nil {
		return retention.Result{}, err
	}
	if res.Deleted == nil {
		return retention.Result{}, nil
	}
	return *res.Deleted, nil
}

// Health calls GET /api/collector.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/collector", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, env Envelope) (Result, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Result{}, fmt.Errorf("encoding envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/collector", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("posting: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return Result{}, &StatusError{Code: resp.StatusCode, Message: msg}
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("decoding response: %w", err)
	}
	return res, nil
}
