package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, StatusHealthy, Classify(200*time.Millisecond))
	assert.Equal(t, StatusDegraded, Classify(time.Second))
	assert.Equal(t, StatusDegraded, Classify(2999*time.Millisecond))
	assert.Equal(t, StatusSlow, Classify(3*time.Second))
}

func TestCheck_HealthyAndCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/favicon.ico", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewChecker(CheckerConfig{Logger: testLogger()})
	r := c.Check(context.Background(), srv.URL+"/")
	assert.Equal(t, StatusHealthy, r.Status, "any HTTP response counts as reachable")
	assert.Equal(t, srv.URL, r.Origin)

	c.Check(context.Background(), srv.URL)
	assert.EqualValues(t, 1, hits.Load())

	c.Invalidate(srv.URL)
	c.Check(context.Background(), srv.URL)
	assert.EqualValues(t, 2, hits.Load())
}

func TestCheck_CacheExpires(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	c := NewChecker(CheckerConfig{Logger: testLogger()})
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Check(context.Background(), srv.URL)

	now = now.Add(DefaultCacheTTL)
	c.Check(context.Background(), srv.URL)
	assert.EqualValues(t, 2, hits.Load())
}

func TestCheck_TimeoutIsDown(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewChecker(CheckerConfig{Timeout: 50 * time.Millisecond, Logger: testLogger()})
	r := c.Check(context.Background(), srv.URL)
	assert.Equal(t, StatusDown, r.Status)
	assert.Contains(t, r.Error, "timed out")
}

func TestCheck_UnreachableIsDown(t *testing.T) {
	c := NewChecker(CheckerConfig{Logger: testLogger()})
	r := c.Check(context.Background(), "http://127.0.0.1:1")
	assert.Equal(t, StatusDown, r.Status)
	assert.NotEmpty(t, r.Error)
}

func TestCheck_ConcurrentCallsShareRequest(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
	}))
	defer srv.Close()

	c := NewChecker(CheckerConfig{Logger: testLogger()})
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Check(context.Background(), srv.URL)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	assert.EqualValues(t, 1, hits.Load())
}

func TestCheckAll(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()

	c := NewChecker(CheckerConfig{Logger: testLogger()})
	res, err := c.CheckAll(context.Background(), []string{up.URL, "http://127.0.0.1:1"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, StatusHealthy, res[up.URL].Status)
	assert.Equal(t, StatusDown, res["http://127.0.0.1:1"].Status)
}

func TestCheck_CancelledCallerDoesNotPoisonCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := NewChecker(CheckerConfig{Logger: testLogger()})
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	first := c.Check(cancelled, srv.URL)
	assert.Contains(t, []Status{StatusDown, StatusHealthy}, first.Status)

	second := c.Check(context.Background(), srv.URL)
	assert.Equal(t, StatusHealthy, second.Status)
	assert.Empty(t, second.Error)
}

func TestCheck_OneWaiterCancellingLeavesOthers(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
	}))
	defer srv.Close()

	c := NewChecker(CheckerConfig{Logger: testLogger()})
	leaving, cancel := context.WithCancel(context.Background())
	gone := make(chan Result, 1)
	go func() { gone <- c.Check(leaving, srv.URL) }()
	time.Sleep(30 * time.Millisecond)

	stayed := make(chan Result, 1)
	go func() { stayed <- c.Check(context.Background(), srv.URL) }()
	time.Sleep(30 * time.Millisecond)

	cancel()
	r := <-gone
	assert.Equal(t, StatusDown, r.Status)
	assert.Contains(t, r.Error, "canceled")

	close(gate)
	select {
	case r := <-stayed:
		assert.Equal(t, StatusHealthy, r.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("remaining waiter never got a result")
	}
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, StatusHealthy, c.Check(context.Background(), srv.URL).Status)
}
