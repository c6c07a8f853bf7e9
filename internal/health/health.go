// Package health probes chat sites for reachability and latency.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultCacheTTL = 60 * time.Second

	degradedAfter = time.Second
	slowAfter     = 3 * time.Second
)

// Status classifies a site's responsiveness.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusSlow     Status = "slow"
	StatusDown     Status = "down"
)

// Classify maps a probe latency onto a Status.
func Classify(d time.Duration) Status {
	switch {
	case d < degradedAfter:
		return StatusHealthy
	case d < slowAfter:
		return StatusDegraded
	default:
		return StatusSlow
	}
}

// Result is one probe of one origin.
type Result struct {
	Origin    string    `json:"origin"`
	Status    Status    `json:"status"`
	LoadTime  int64     `json:"loadTime,omitempty"` // milliseconds
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var errTimeout = errors.New("health check timed out")

// CheckerConfig configures a Checker.
type CheckerConfig struct {
	Client   *http.Client
	Timeout  time.Duration
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// Checker probes origins with a HEAD /favicon.ico request and caches the
// outcome per origin.
type Checker struct {
	client  *http.Client
	timeout time.Duration
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]Result
	group singleflight.Group
}

// NewChecker creates a Checker.
func NewChecker(cfg CheckerConfig) *Checker {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Checker{
		client:  cfg.Client,
		timeout: cfg.Timeout,
		ttl:     cfg.CacheTTL,
		logger:  cfg.Logger,
		now:     time.Now,
		cache:   make(map[string]Result),
	}
}

// Check returns the health of origin, from cache when fresh. Concurrent
// checks of the same origin share one request, which runs detached from
// any single caller and is bounded by the checker's timeout. A caller
// whose ctx ends first gets an uncached down result.
func (c *Checker) Check(ctx context.Context, origin string) Result {
	origin = strings.TrimRight(origin, "/")
	if r, ok := c.cached(origin); ok {
		return r
	}
	ch := c.group.DoChan(origin, func() (any, error) {
		r := c.probe(context.WithoutCancel(ctx), origin)
		c.mu.Lock()
		c.cache[origin] = r
		c.mu.Unlock()
		return r, nil
	})
	select {
	case res := <-ch:
		return res.Val.(Result)
	case <-ctx.Done():
		return Result{Origin: origin, Status: StatusDown, Error: ctx.Err().Error(), Timestamp: c.now()}
	}
}

func (c *Checker) cached(origin string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.cache[origin]
	if !ok || c.now().Sub(r.Timestamp) >= c.ttl {
		return Result{}, false
	}
	return r, true
}

// probe races the request against the timeout timer. Whichever finishes
// first decides the result; the other is discarded. ctx carries values
// only; the timer is the bound.
func (c *Checker) probe(ctx context.Context, origin string) Result {
	start := c.now()
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, origin+"/favicon.ico", nil)
		if err != nil {
			done <- err
			return
		}
		req.Header.Set("Cache-Control", "no-cache")
		resp, err := c.client.Do(req)
		if err != nil {
			done <- err
			return
		}
		resp.Body.Close()
		done <- nil
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = errTimeout
	}

	r := Result{Origin: origin, Timestamp: c.now()}
	if err != nil {
		r.Status = StatusDown
		r.Error = err.Error()
		c.logger.Debug("site down", "origin", origin, "error", err)
		return r
	}
	elapsed := r.Timestamp.Sub(start)
	r.LoadTime = elapsed.Milliseconds()
	r.Status = Classify(elapsed)
	return r
}

// CheckAll probes every origin concurrently.
func (c *Checker) CheckAll(ctx context.Context, origins []string) (map[string]Result, error) {
	results := make([]Result, len(origins))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, origin := range origins {
		g.Go(func() error {
			results[i] = c.Check(gctx, origin)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("check sites: %w", err)
	}
	out := make(map[string]Result, len(results))
	for _, r := range results {
		out[r.Origin] = r
	}
	return out, ctx.Err()
}

// Invalidate drops the cached result for origin.
func (c *Checker) Invalidate(origin string) {
	c.mu.Lock()
	delete(c.cache, strings.TrimRight(origin, "/"))
	c.mu.Unlock()
}
