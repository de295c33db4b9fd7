// Per-endpoint stats collection. Two independent sources: EngineStats
// polled from each backend's metrics surface on a fixed interval, and
// RequestStats observed by the router itself as dispatches complete.
// Snapshots are swapped atomically; staleness makes a snapshot "unknown"
// without ever touching registry health.

package router

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// EngineStats is one endpoint's self-reported state, fully replaced on
// each poll.
type EngineStats struct {
	RunningRequests int
	WaitingRequests int
	CacheUsage      float64 // accelerator cache utilization fraction
	CacheHitRate    float64
	MeanTTFT        float64 // seconds
	MeanITL         float64 // seconds
	LastUpdated     time.Time
}

// RequestStats summarizes router-observed completions for one endpoint
// over the sliding window.
type RequestStats struct {
	QPS         float64
	MeanLatency time.Duration
	Completed   int
	Failed      int
}

// Collector owns EngineStats and RequestStats for every tracked endpoint.
// One poll goroutine runs per endpoint for the endpoint's lifetime.
type Collector struct {
	client      *http.Client
	metricsPath string
	interval    time.Duration
	timeout     time.Duration
	staleAfter  time.Duration
	window      time.Duration
	windowMax   int

	mu      sync.Mutex
	pollers map[string]*endpointPoller
	windows map[string]*completionWindow

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type endpointPoller struct {
	url      string
	snapshot atomic.Pointer[EngineStats]
	done     chan struct{}
}

// NewCollector builds a collector from config. Call Watch to attach it to
// a registry and Close to stop all polling.
func NewCollector(cfg RouterConfig) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		client:      &http.Client{},
		metricsPath: cfg.MetricsPath,
		interval:    cfg.StatsInterval.Std(),
		timeout:     cfg.StatsTimeout.Std(),
		staleAfter:  time.Duration(cfg.StatsStaleFactor) * cfg.StatsInterval.Std(),
		window:      cfg.RequestWindow.Std(),
		windowMax:   cfg.RequestWindowMax,
		pollers:     make(map[string]*endpointPoller),
		windows:     make(map[string]*completionWindow),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Watch tracks every endpoint the registry knows now and follows its
// membership changes.
func (c *Collector) Watch(reg Registry) {
	for _, ep := range reg.All() {
		c.Track(ep.URL)
	}
	reg.OnChange(func(added, removed []Endpoint) {
		for _, ep := range added {
			c.Track(ep.URL)
		}
		for _, ep := range removed {
			c.Untrack(ep.URL)
		}
	})
}

// Track starts the poll loop for an endpoint. Tracking twice is a no-op.
func (c *Collector) Track(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pollers[url]; ok {
		return
	}
	p := &endpointPoller{url: url, done: make(chan struct{})}
	c.pollers[url] = p
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollLoop(p)
	}()
}

// Untrack stops polling an endpoint and drops its windows.
func (c *Collector) Untrack(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pollers[url]; ok {
		close(p.done)
		delete(c.pollers, url)
	}
	delete(c.windows, url)
}

// Close stops every poll loop.
func (c *Collector) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// CurrentStats returns the latest engine snapshot for the endpoint, or
// ok=false when none exists or the snapshot has gone stale. Callers must
// fail open on ok=false: absent stats mean "unknown", not "overloaded".
func (c *Collector) CurrentStats(url string) (EngineStats, bool) {
	c.mu.Lock()
	p := c.pollers[url]
	c.mu.Unlock()
	if p == nil {
		return EngineStats{}, false
	}
	snap := p.snapshot.Load()
	if snap == nil || time.Since(snap.LastUpdated) > c.staleAfter {
		return EngineStats{}, false
	}
	return *snap, true
}

// RecordCompletion feeds one observed request completion into the
// endpoint's sliding window. Called by the Dispatcher.
func (c *Collector) RecordCompletion(url string, latency time.Duration, success bool) {
	c.mu.Lock()
	w, ok := c.windows[url]
	if !ok {
		w = &completionWindow{span: c.window, max: c.windowMax}
		c.windows[url] = w
	}
	c.mu.Unlock()
	w.record(completion{at: time.Now(), latency: latency, success: success})
}

// RequestStats summarizes the endpoint's window. Entries outside the span
// are pruned here, on read.
func (c *Collector) RequestStats(url string) RequestStats {
	c.mu.Lock()
	w := c.windows[url]
	c.mu.Unlock()
	if w == nil {
		return RequestStats{}
	}
	return w.snapshot(time.Now())
}

func (c *Collector) pollLoop(p *endpointPoller) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.poll(p)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			c.poll(p)
		}
	}
}

// poll fetches and swaps in one snapshot. A failed poll leaves the old
// snapshot in place; it goes stale on its own after staleAfter.
func (c *Collector) poll(p *endpointPoller) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+c.metricsPath, nil)
	if err != nil {
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		logrus.Debugf("stats poll %s failed: %v", p.url, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logrus.Debugf("stats poll %s returned status %d", p.url, resp.StatusCode)
		return
	}
	stats, err := parseEngineStats(resp.Body, time.Now())
	if stats == nil {
		logrus.Debugf("stats poll %s unparseable: %v", p.url, err)
		return
	}
	if err != nil {
		// Partial snapshot: some families missing. Keep what parsed.
		logrus.Debugf("stats poll %s incomplete: %v", p.url, err)
	}
	p.snapshot.Store(stats)
}

type completion struct {
	at      time.Time
	latency time.Duration
	success bool
}

// completionWindow is a count- and time-bounded record of completions.
type completionWindow struct {
	mu      sync.Mutex
	entries []completion
	span    time.Duration
	max     int
}

func (w *completionWindow) record(c completion) {
	w.mu.Lock()
	w.entries = append(w.entries, c)
	if w.max > 0 && len(w.entries) > w.max {
		w.entries = w.entries[len(w.entries)-w.max:]
	}
	w.mu.Unlock()
}

func (w *completionWindow) snapshot(now time.Time) RequestStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	w.entries = w.entries[i:]

	var rs RequestStats
	if len(w.entries) == 0 {
		return rs
	}
	var total time.Duration
	for _, e := range w.entries {
		total += e.latency
		if e.success {
			rs.Completed++
		} else {
			rs.Failed++
		}
	}
	rs.MeanLatency = total / time.Duration(len(w.entries))
	if w.span > 0 {
		rs.QPS = float64(len(w.entries)) / w.span.Seconds()
	}
	return rs
}
