package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinesync/klinesync/internal/errs"
	"github.com/klinesync/klinesync/internal/models"
)

var testStream = models.Stream{Symbol: "BTCUSDT", Interval: "1m"}

// klinesBody renders n consecutive rows starting at from in the
// positional wire format, mixing string and numeric JSON types the way
// the endpoint does.
func klinesBody(from int64, n int) string {
	body := "["
	for i := 0; i < n; i++ {
		if i > 0 {
			body += ","
		}
		open := from + int64(i)*60000
		body += fmt.Sprintf(
			`[%d,"4261.48","4313.62","4261.32","4308.83","47.18",%d,"202366.13",171,"35.16","150952.47","0"]`,
			open, open+59999)
	}
	return body + "]"
}

func newTestClient(baseURL string, delay time.Duration, retries int) *Client {
	return NewClient(testStream, Options{
		BaseURL:      baseURL,
		RequestDelay: delay,
		MaxRetries:   retries,
	})
}

func TestFetchPage(t *testing.T) {
	var gotQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		fmt.Fprint(w, klinesBody(1502942400000, 3))
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 3)

	page, err := client.FetchPage(context.Background(), 1502942400000, 1502949600000, 500)
	require.NoError(t, err)
	require.Len(t, page, 3)

	first := page[0]
	require.GreaterOrEqual(t, len(first), 11)
	assert.Equal(t, "1502942400000", first[0])
	assert.Equal(t, "4261.48", first[1])
	assert.Equal(t, "171", first[8])

	q := gotQuery.Load().(url.Values)
	assert.Equal(t, "BTCUSDT", q.Get("symbol"))
	assert.Equal(t, "1m", q.Get("interval"))
	assert.Equal(t, "1502942400000", q.Get("startTime"))
	assert.Equal(t, "1502949600000", q.Get("endTime"))
	assert.Equal(t, "500", q.Get("limit"))
}

func TestFetchPageEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "[]")
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 3)
	page, err := client.FetchPage(context.Background(), 1502942400000, 0, 1000)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestFetchPageRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, klinesBody(1502942400000, 1))
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 3)
	client.httpClient = server.Client()

	page, err := client.FetchPage(context.Background(), 1502942400000, 0, 1000)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchPageExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 2)

	_, err := client.FetchPage(context.Background(), 1502942400000, 0, 1000)
	require.Error(t, err)

	var failed *errs.FetchFailedError
	require.ErrorAs(t, err, &failed)
	// 1 initial attempt plus 2 retries.
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchPageClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 3)

	_, err := client.FetchPage(context.Background(), 1502942400000, 0, 1000)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchPageRateLimitThrottles(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, `{"code":-1003,"msg":"Too many requests."}`, http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, klinesBody(1502942400000, 1))
	}))
	defer server.Close()

	delay := 2 * time.Millisecond
	client := newTestClient(server.URL, delay, 3)
	require.Equal(t, delay, client.RequestDelay())

	page, err := client.FetchPage(context.Background(), 1502942400000, 0, 1000)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	// One rate-limit signal doubles the pacing delay for the rest of
	// the run.
	assert.Equal(t, 2*delay, client.RequestDelay())
}

func TestFetchPageRateLimitErrorCodeWithout429(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"code":-1003,"msg":"Way too much request weight used."}`, http.StatusTeapot)
			return
		}
		fmt.Fprint(w, klinesBody(1502942400000, 1))
	}))
	defer server.Close()

	delay := 2 * time.Millisecond
	client := newTestClient(server.URL, delay, 3)

	_, err := client.FetchPage(context.Background(), 1502942400000, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2*delay, client.RequestDelay())
}

func TestThrottleCapped(t *testing.T) {
	client := newTestClient("http://localhost", maxAdaptiveDelay/2, 3)
	client.throttle()
	assert.Equal(t, maxAdaptiveDelay, client.RequestDelay())
	client.throttle()
	assert.Equal(t, maxAdaptiveDelay, client.RequestDelay())
}

func TestPacingGate(t *testing.T) {
	var stamps []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, time.Now())
		fmt.Fprint(w, klinesBody(1502942400000, 1))
	}))
	defer server.Close()

	delay := 50 * time.Millisecond
	client := newTestClient(server.URL, delay, 3)

	ctx := context.Background()
	_, err := client.FetchPage(ctx, 1502942400000, 0, 1000)
	require.NoError(t, err)
	_, err = client.FetchPage(ctx, 1502942460000, 0, 1000)
	require.NoError(t, err)

	require.Len(t, stamps, 2)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), delay/2)
}

func TestFetchPageContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.FetchPage(ctx, 1502942400000, 0, 1000)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseKlinesBadShape(t *testing.T) {
	_, err := parseKlines([]byte(`{"code":-1121}`))
	assert.Error(t, err)

	_, err = parseKlines([]byte(`["not-a-row"]`))
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}

func TestLimitClamped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		assert.Equal(t, MaxPageLimit, limit)
		fmt.Fprint(w, "[]")
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 3)
	_, err := client.FetchPage(context.Background(), 1502942400000, 0, 5000)
	require.NoError(t, err)
}
