package arxiv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"arxivdigest/internal/ports"
)

// CrawlerOptions bounds the full-document crawler.
type CrawlerOptions struct {
	BaseURL       string
	MaxConcurrent int
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// Crawler fetches the HTML rendition of individual papers. Concurrency is
// gated by its own permit pool, separate from the completion client's.
// Transport errors retry a fixed number of times with a fixed delay; a 404
// means the paper has no HTML rendition and is reported absent immediately.
type Crawler struct {
	baseURL    string
	client     *http.Client
	sem        *semaphore.Weighted
	maxRetries int
	retryDelay time.Duration
	log        *slog.Logger
}

var _ ports.PageFetcher = (*Crawler)(nil)

// NewCrawler wires an HTTP client; a nil client gets the configured timeout.
func NewCrawler(opts CrawlerOptions, client *http.Client, log *slog.Logger) *Crawler {
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://arxiv.org"
	}

	return &Crawler{
		baseURL:    baseURL,
		client:     client,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		maxRetries: maxRetries,
		retryDelay: opts.RetryDelay,
		log:        log,
	}
}

func (c *Crawler) pageURL(id string) string {
	return fmt.Sprintf("%s/html/%s", c.baseURL, id)
}

// Fetch retrieves one paper's HTML page. The boolean reports presence;
// absence covers both a missing HTML rendition and exhausted retries.
func (c *Crawler) Fetch(ctx context.Context, id string) (string, bool) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", false
	}
	defer c.sem.Release(1)

	return c.fetchLocked(ctx, id)
}

func (c *Crawler) fetchLocked(ctx context.Context, id string) (string, bool) {
	url := c.pageURL(id)

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		body, retryable, err := c.doRequest(ctx, url)
		if err == nil {
			if body == "" {
				return "", false
			}
			c.log.Debug("fetched paper page", "id", id, "bytes", len(body))
			return body, true
		}
		if !retryable {
			c.log.Warn("fetch aborted", "id", id, "error", err)
			return "", false
		}

		c.log.Warn("fetch failed",
			"id", id, "attempt", attempt, "max_retries", c.maxRetries, "error", err)
		if attempt < c.maxRetries {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return "", false
			}
		}
	}

	c.log.Error("fetch exhausted retries", "id", id, "attempts", c.maxRetries)
	return "", false
}

// doRequest performs one attempt. A nil error with empty body means a
// definitive absence (no HTML rendition); retryable marks transient
// transport failures.
func (c *Crawler) doRequest(ctx context.Context, url string) (body string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "arxivdigest/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection errors are transient.
		return "", true, fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return "", false, fmt.Errorf("read body: %w", readErr)
		}
		return string(raw), false, nil
	case resp.StatusCode == http.StatusNotFound:
		// The paper legitimately has no HTML rendition; retrying cannot help.
		return "", false, nil
	default:
		return "", false, fmt.Errorf("unexpected status %s", resp.Status)
	}
}

// FetchBatch fetches all ids concurrently under the shared permit pool.
// The returned map has one entry per id; the empty string marks absence.
// One id exhausting its retries never blocks the others.
func (c *Crawler) FetchBatch(ctx context.Context, ids []string) map[string]string {
	results := make(map[string]string, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			body, ok := c.Fetch(ctx, id)
			if !ok {
				body = ""
			}
			mu.Lock()
			results[id] = body
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	fetched := 0
	for _, body := range results {
		if body != "" {
			fetched++
		}
	}
	c.log.Info("batch fetch complete", "requested", len(ids), "fetched", fetched)

	return results
}
