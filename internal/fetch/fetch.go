// Package fetch retrieves raw source content over HTTP with bounded
// timeouts, capped retries, and per-domain rate limiting. A failing source
// is reported, never fatal; identity and diffing live elsewhere.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxBodyBytes = 10 * 1024 * 1024

// retryable HTTP statuses; everything else 4xx is terminal.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Result holds a successful fetch.
type Result struct {
	Content     []byte
	StatusCode  int
	ContentType string
}

// Fetcher downloads source pages with retries and rate limiting.
type Fetcher struct {
	client      *http.Client
	maxAttempts int
	minDelay    time.Duration
	lastFetch   map[string]time.Time

	// sleep is swappable in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// New creates a Fetcher. timeout bounds each request; maxAttempts caps
// retries per URL; minDelay spaces requests to the same domain.
func New(timeout time.Duration, maxAttempts int, minDelay time.Duration) *Fetcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		maxAttempts: maxAttempts,
		minDelay:    minDelay,
		lastFetch:   make(map[string]time.Time),
		sleep:       time.Sleep,
	}
}

// Fetch downloads one URL, retrying transient failures with exponential
// backoff and jitter. Terminal HTTP errors (403/404/410) fail immediately.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("bad url %q: %w", rawURL, err)
	}
	f.rateLimit(strings.ToLower(u.Host))

	var lastErr error
	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			f.sleep(backoff(attempt))
		}

		res, retry, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", f.maxAttempts, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (*Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "agendawatch/1.0 (agenda monitoring)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		// Connection errors and timeouts are worth retrying.
		return nil, true, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, retryableStatus[resp.StatusCode],
			fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, true, fmt.Errorf("reading body: %w", err)
	}

	return &Result{
		Content:     body,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}, false, nil
}

// rateLimit enforces the minimum delay between requests to one domain.
func (f *Fetcher) rateLimit(domain string) {
	if f.minDelay <= 0 {
		return
	}
	if last, ok := f.lastFetch[domain]; ok {
		if wait := f.minDelay - time.Since(last); wait > 0 {
			f.sleep(wait)
		}
	}
	f.lastFetch[domain] = time.Now()
}

// backoff returns the wait before retry n, capped at 60s, with jitter.
func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > time.Minute {
		base = time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return base + jitter
}
