package netmon

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober measures backend reachability. Probe returns the round-trip latency
// on success.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// HTTPProber issues a lightweight GET against the backend health endpoint.
type HTTPProber struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPProber creates a prober for baseURL's health endpoint with a
// bounded per-probe timeout.
func NewHTTPProber(baseURL string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		url:     baseURL + "/health",
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build probe request: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("backend probe returned status %d", resp.StatusCode)
	}

	return time.Since(start), nil
}
