// Package source provides the rate-limited client for the paginated
// kline endpoint. Every outbound request passes through a single
// pacing gate enforcing a minimum inter-request delay; transport
// failures and server errors are retried with capped exponential
// backoff, and source-reported rate-limit signals additionally raise
// the pacing delay for the remainder of the run.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/klinesync/klinesync/internal/errs"
	"github.com/klinesync/klinesync/internal/models"
)

const (
	// DefaultBaseURL is the public spot API host.
	DefaultBaseURL = "https://api.binance.com"

	klinesEndpoint = "/api/v3/klines"

	// MaxPageLimit is the endpoint's page size cap.
	MaxPageLimit = 1000

	// DefaultRequestDelay is the conservative minimum inter-request
	// delay applied when none is configured.
	DefaultRequestDelay = 500 * time.Millisecond

	// DefaultMaxRetries bounds retry attempts per page.
	DefaultMaxRetries = 3

	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 30 * time.Second

	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
	retryMultiplier   = 2.0
	retryJitter       = 0.5

	// maxAdaptiveDelay caps the throttled inter-request delay after
	// repeated rate-limit signals.
	maxAdaptiveDelay = time.Minute
)

// Binance error codes that signal rate limiting even without a 429
// status.
var rateLimitCodes = map[int64]bool{
	-1003: true, // TOO_MANY_REQUESTS
	-1015: true, // TOO_MANY_ORDERS
}

// Options configures a Client.
type Options struct {
	BaseURL      string
	RequestDelay time.Duration
	MaxRetries   int
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client fetches raw kline pages for one stream. Safe for use by a
// single orchestrator; the pacing gate serializes requests either way.
type Client struct {
	stream     models.Stream
	baseURL    string
	httpClient *http.Client
	maxRetries int
	logger     *slog.Logger

	limiter *rate.Limiter

	mu       sync.Mutex
	curDelay time.Duration
}

// NewClient creates a klines client for the given stream.
func NewClient(stream models.Stream, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.RequestDelay <= 0 {
		opts.RequestDelay = DefaultRequestDelay
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		stream:     stream,
		baseURL:    opts.BaseURL,
		httpClient: opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger.With("component", "source", "stream", stream.ID()),
		limiter:    rate.NewLimiter(rate.Every(opts.RequestDelay), 1),
		curDelay:   opts.RequestDelay,
	}
}

// RequestDelay returns the currently enforced inter-request delay.
// It grows under adaptive throttling and reverts only when a new
// client is built for the next run.
func (c *Client) RequestDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curDelay
}

// FetchPage requests one page of up to limit raw klines starting at
// from (ms epoch, inclusive), bounded by end when end > 0. Records
// come back in ascending open-time order, possibly fewer than limit
// at the live edge. After retries are exhausted the page fails with a
// FetchFailedError; a requested range is never silently skipped.
func (c *Client) FetchPage(ctx context.Context, from, end int64, limit int) ([]models.RawKline, error) {
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryDelay
	bo.MaxInterval = maxRetryDelay
	bo.Multiplier = retryMultiplier
	bo.RandomizationFactor = retryJitter
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	attempts := 0
	var page []models.RawKline

	operation := func() error {
		attempts++

		// Pacing gate: every attempt waits for the inter-request
		// delay, independent of any backoff sleep.
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		records, err := c.fetchOnce(ctx, from, end, limit)
		if err != nil {
			if after, ok := errs.IsRateLimit(err); ok {
				c.throttle()
				if after > 0 {
					c.logger.Warn("rate limited, honoring retry-after", "retry_after", after)
					select {
					case <-time.After(after):
					case <-ctx.Done():
						return backoff.Permanent(ctx.Err())
					}
				}
				return err
			}
			if errs.Retryable(err) {
				c.logger.Warn("page fetch failed, will retry",
					"attempt", attempts,
					"from", from,
					"error", err)
				return err
			}
			return backoff.Permanent(err)
		}

		page = records
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errs.FetchFailedError{Attempts: attempts, Err: err}
	}

	return page, nil
}

// fetchOnce performs a single HTTP attempt and classifies failures
// into the pipeline taxonomy.
func (c *Client) fetchOnce(ctx context.Context, from, end int64, limit int) ([]models.RawKline, error) {
	params := url.Values{}
	params.Set("symbol", c.stream.Symbol)
	params.Set("interval", c.stream.Interval)
	params.Set("startTime", strconv.FormatInt(from, 10))
	if end > 0 {
		params.Set("endTime", strconv.FormatInt(end, 10))
	}
	params.Set("limit", strconv.Itoa(limit))

	requestURL := c.baseURL + klinesEndpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &errs.TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.TransientError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &errs.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return nil, &errs.TransientError{Err: fmt.Errorf("server error %d: %s", resp.StatusCode, truncate(body, 200))}
	case resp.StatusCode >= 400:
		// The source reports rate limiting through its own error
		// codes as well as the HTTP status.
		if code := gjson.GetBytes(body, "code"); rateLimitCodes[code.Int()] {
			return nil, &errs.RateLimitError{}
		}
		return nil, fmt.Errorf("client error %d: %s", resp.StatusCode, truncate(body, 200))
	}

	return parseKlines(body)
}

// parseKlines slices the positional array-of-arrays payload into raw
// records. Schema interpretation is the validator's job; here each
// element is only stringified in order.
func parseKlines(body []byte) ([]models.RawKline, error) {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("unexpected response shape: not an array: %s", truncate(body, 200))
	}

	rows := parsed.Array()
	records := make([]models.RawKline, 0, len(rows))
	for _, row := range rows {
		if !row.IsArray() {
			return nil, fmt.Errorf("unexpected kline row shape: %s", row.Raw)
		}
		fields := row.Array()
		record := make(models.RawKline, 0, len(fields))
		for _, f := range fields {
			record = append(record, f.String())
		}
		records = append(records, record)
	}
	return records, nil
}

// throttle raises the pacing delay after a rate-limit signal. The
// increase persists for the rest of the run.
func (c *Client) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.curDelay * 2
	if next > maxAdaptiveDelay {
		next = maxAdaptiveDelay
	}
	if next == c.curDelay {
		return
	}
	c.curDelay = next
	c.limiter.SetLimit(rate.Every(next))
	c.logger.Warn("adaptive throttle engaged", "request_delay", next)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
