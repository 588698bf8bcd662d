package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBody bounds a single runtime response.
const maxBody = 8 << 20

// HTTPSource polls a runtime gateway over HTTP.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTP creates an HTTPSource for the gateway at baseURL. Every request
// is bounded by timeout.
func NewHTTP(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Status fetches GET {base}/status.
func (s *HTTPSource) Status(ctx context.Context) (*Status, error) {
	body, err := s.get(ctx, "/status")
	if err != nil {
		return nil, err
	}
	return ParseStatus(body)
}

// Jobs fetches GET {base}/cron.
func (s *HTTPSource) Jobs(ctx context.Context) ([]any, error) {
	body, err := s.get(ctx, "/cron")
	if err != nil {
		return nil, err
	}
	return ParseJobs(body)
}

func (s *HTTPSource) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("requesting %s: unexpected status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return body, nil
}
