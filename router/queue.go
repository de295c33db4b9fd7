// Admission queue manager. Each endpoint is Free or Busy under a
// configurable predicate over its stats; requests hitting a Busy endpoint
// wait in a per-endpoint priority queue serviced by a dedicated scheduler
// goroutine. Queues and schedulers are registered lazily on first use and
// live until the endpoint leaves or the manager closes.
//
// Dispatch order within one endpoint's queue is (priority, enqueue time),
// with one exception: a head entry that outwaits the configured maximum
// is rerouted through the strategy layer away from its endpoint instead
// of dispatched, unless session affinity pins it there. Across endpoints
// there is no ordering.

package router

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// QueueEntry is one deferred request. Created on admission deferral,
// resolved exactly once: to an endpoint, or to an error.
type QueueEntry struct {
	Request       *RoutingRequest
	Endpoint      Endpoint // originally selected target
	Priority      int
	SessionPinned bool
	EnqueuedAt    time.Time

	qm      *QueueManager
	ctx     context.Context
	claimed atomic.Bool
	done    chan entryOutcome
	seq     uint64
	index   int
}

type entryOutcome struct {
	Target Endpoint
	Err    error
}

// Wait blocks until the scheduler resolves the entry or the caller's
// context ends. On resolution the caller owns a reserved dispatch slot on
// the returned endpoint and must release it with Done after dispatching.
func (e *QueueEntry) Wait() (Endpoint, error) {
	select {
	case out := <-e.done:
		return out.Target, out.Err
	case <-e.ctx.Done():
		if !e.claimed.CompareAndSwap(false, true) {
			// The scheduler resolved concurrently; take its outcome so the
			// reserved slot is returned.
			out := <-e.done
			if out.Err == nil {
				e.qm.Done(out.Target.URL)
			}
		}
		return Endpoint{}, e.ctx.Err()
	}
}

// entryHeap implements a priority queue with deterministic ordering.
// Ordering: priority (higher first) → enqueue time → sequence number.
type entryHeap struct {
	entries []*QueueEntry
}

// Len implements heap.Interface.
func (h *entryHeap) Len() int { return len(h.entries) }

// Less implements heap.Interface with deterministic ordering.
func (h *entryHeap) Less(i, j int) bool {
	ei, ej := h.entries[i], h.entries[j]
	if ei.Priority != ej.Priority {
		return ei.Priority > ej.Priority
	}
	if !ei.EnqueuedAt.Equal(ej.EnqueuedAt) {
		return ei.EnqueuedAt.Before(ej.EnqueuedAt)
	}
	return ei.seq < ej.seq
}

// Swap implements heap.Interface.
func (h *entryHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

// Push implements heap.Interface.
func (h *entryHeap) Push(x interface{}) {
	e := x.(*QueueEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

// Pop implements heap.Interface.
func (h *entryHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	return e
}

func (h *entryHeap) peek() *QueueEntry {
	if len(h.entries) == 0 {
		return nil
	}
	return h.entries[0]
}

type endpointQueue struct {
	url  string
	mu   sync.Mutex
	heap entryHeap
	wake chan struct{}
	stop chan struct{}
}

// signal wakes the scheduler without blocking; the channel holds one
// pending wakeup, more are redundant.
func (eq *endpointQueue) signal() {
	select {
	case eq.wake <- struct{}{}:
	default:
	}
}

// QueueManager owns every per-endpoint queue and scheduler.
type QueueManager struct {
	stats        *Collector
	strategy     RoutingPolicy
	registry     Registry
	maxRunning   int
	maxCacheUtil float64
	maxWait      time.Duration
	capacity     int
	tick         time.Duration

	mu       sync.Mutex
	queues   map[string]*endpointQueue
	inflight map[string]int
	seq      uint64
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueueManager wires the manager to the stats collector (busy
// predicate), strategy layer (reroutes) and registry (membership).
func NewQueueManager(cfg RouterConfig, stats *Collector, strategy RoutingPolicy, registry Registry) *QueueManager {
	ctx, cancel := context.WithCancel(context.Background())
	tick := cfg.QueueMaxWait.Std() / 8
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > 500*time.Millisecond {
		tick = 500 * time.Millisecond
	}
	q := &QueueManager{
		stats:        stats,
		strategy:     strategy,
		registry:     registry,
		maxRunning:   cfg.MaxRunningRequests,
		maxCacheUtil: cfg.MaxCacheUtil,
		maxWait:      cfg.QueueMaxWait.Std(),
		capacity:     cfg.QueueCapacity,
		tick:         tick,
		queues:       make(map[string]*endpointQueue),
		inflight:     make(map[string]int),
		ctx:          ctx,
		cancel:       cancel,
	}
	if registry != nil {
		registry.OnChange(func(added, removed []Endpoint) {
			for _, ep := range removed {
				q.evict(ep.URL)
			}
		})
	}
	return q
}

// Busy evaluates the endpoint's busy predicate: the local in-flight count
// bridges the gap between stats polls, engine-reported running requests
// and cache utilization cover load the router did not create. Unknown
// stats fail open; an endpoint without fresh stats is assumed Free.
func (q *QueueManager) Busy(url string) bool {
	q.mu.Lock()
	inflight := q.inflight[url]
	q.mu.Unlock()
	if inflight >= q.maxRunning {
		return true
	}
	stats, ok := q.stats.CurrentStats(url)
	if !ok {
		return false
	}
	return stats.RunningRequests >= q.maxRunning || stats.CacheUsage >= q.maxCacheUtil
}

// TryAcquire reserves a dispatch slot when the endpoint is Free. The
// caller must pair a successful acquire with Done.
func (q *QueueManager) TryAcquire(url string) bool {
	if q.Busy(url) {
		return false
	}
	q.mu.Lock()
	q.inflight[url]++
	q.mu.Unlock()
	return true
}

// Done releases a dispatch slot and gives the endpoint's scheduler a
// chance to admit the next entry.
func (q *QueueManager) Done(url string) {
	q.mu.Lock()
	if q.inflight[url] > 0 {
		q.inflight[url]--
	}
	eq := q.queues[url]
	q.mu.Unlock()
	if eq != nil {
		eq.signal()
	}
}

// Enqueue defers the request until its endpoint frees up. The endpoint's
// queue and scheduler are registered lazily here on first use.
func (q *QueueManager) Enqueue(ctx context.Context, req *RoutingRequest, decision RoutingDecision) (*QueueEntry, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: shutting down", ErrQueueTimeout)
	}
	url := decision.Target.URL
	eq, ok := q.queues[url]
	if !ok {
		eq = &endpointQueue{
			url:  url,
			wake: make(chan struct{}, 1),
			stop: make(chan struct{}),
		}
		q.queues[url] = eq
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.scheduler(eq)
		}()
	}
	q.seq++
	entry := &QueueEntry{
		Request:       req,
		Endpoint:      decision.Target,
		Priority:      req.Priority,
		SessionPinned: decision.SessionSticky,
		EnqueuedAt:    time.Now(),
		qm:            q,
		ctx:           ctx,
		done:          make(chan entryOutcome, 1),
		seq:           q.seq,
	}
	q.mu.Unlock()

	eq.mu.Lock()
	if eq.heap.Len() >= q.capacity {
		eq.mu.Unlock()
		return nil, ErrQueueFull
	}
	heap.Push(&eq.heap, entry)
	depth := eq.heap.Len()
	eq.mu.Unlock()
	eq.signal()
	logrus.Debugf("request %s queued on %s (priority=%d depth=%d)", req.ID, url, entry.Priority, depth)

	if q.ctx.Err() != nil {
		q.failAll(eq, fmt.Errorf("%w: shutting down", ErrQueueTimeout))
	}
	return entry, nil
}

// scheduler runs one endpoint's admission loop until shutdown or endpoint
// removal. The tick re-evaluates wait timeouts and stats changes that
// arrive without a Done signal.
func (q *QueueManager) scheduler(eq *endpointQueue) {
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			q.failAll(eq, fmt.Errorf("%w: shutting down", ErrQueueTimeout))
			return
		case <-eq.stop:
			return
		case <-eq.wake:
		case <-ticker.C:
		}
		q.service(eq)
	}
}

// service admits as many entries as current capacity allows and handles
// wait timeouts. Each resolved entry consumed one reserved slot, so the
// loop naturally stops when the endpoint turns Busy.
func (q *QueueManager) service(eq *endpointQueue) {
	for {
		eq.mu.Lock()
		head := eq.heap.peek()
		if head == nil {
			eq.mu.Unlock()
			return
		}
		if head.ctx.Err() != nil {
			heap.Pop(&eq.heap)
			eq.mu.Unlock()
			logrus.Debugf("request %s abandoned while queued on %s", head.Request.ID, eq.url)
			continue
		}
		waited := time.Since(head.EnqueuedAt)
		busy := q.Busy(eq.url)
		if busy && (waited <= q.maxWait || head.SessionPinned) {
			eq.mu.Unlock()
			return
		}
		entry := heap.Pop(&eq.heap).(*QueueEntry)
		eq.mu.Unlock()

		if waited > q.maxWait && !entry.SessionPinned {
			q.reroute(entry, waited)
			continue
		}
		q.resolve(entry, entry.Endpoint, nil)
	}
}

// reroute re-runs strategy selection for an entry that outwaited the
// maximum, excluding the endpoint it was parked on. No viable alternative
// resolves the entry as a queue timeout.
func (q *QueueManager) reroute(entry *QueueEntry, waited time.Duration) {
	var filtered []Endpoint
	for _, ep := range q.registry.List(entry.Request.Model) {
		if ep.URL != entry.Endpoint.URL {
			filtered = append(filtered, ep)
		}
	}
	if len(filtered) == 0 {
		q.resolve(entry, Endpoint{}, ErrQueueTimeout)
		return
	}
	decision, err := q.strategy.Select(entry.ctx, entry.Request, filtered)
	if err != nil {
		q.resolve(entry, Endpoint{}, fmt.Errorf("%w (reroute: %v)", ErrQueueTimeout, err))
		return
	}
	logrus.Infof("request %s rerouted %s -> %s after %s queued",
		entry.Request.ID, entry.Endpoint.URL, decision.Target.URL, waited.Round(time.Millisecond))
	q.resolve(entry, decision.Target, nil)
}

// resolve hands the entry its outcome exactly once. A successful outcome
// carries a reserved slot on the target. Returns false when the caller
// abandoned the entry first.
func (q *QueueManager) resolve(entry *QueueEntry, target Endpoint, err error) bool {
	if !entry.claimed.CompareAndSwap(false, true) {
		return false
	}
	if err == nil {
		q.mu.Lock()
		q.inflight[target.URL]++
		q.mu.Unlock()
	}
	entry.done <- entryOutcome{Target: target, Err: err}
	return true
}

// evict tears down a removed endpoint's queue, rerouting whatever was
// waiting. Requests already dispatched to the endpoint are unaffected.
func (q *QueueManager) evict(url string) {
	q.mu.Lock()
	eq := q.queues[url]
	delete(q.queues, url)
	delete(q.inflight, url)
	q.mu.Unlock()
	if eq == nil {
		return
	}
	close(eq.stop)

	eq.mu.Lock()
	entries := make([]*QueueEntry, 0, eq.heap.Len())
	for eq.heap.Len() > 0 {
		entries = append(entries, heap.Pop(&eq.heap).(*QueueEntry))
	}
	eq.mu.Unlock()

	if len(entries) > 0 {
		logrus.Infof("endpoint %s removed, rerouting %d queued request(s)", url, len(entries))
	}
	for _, entry := range entries {
		q.reroute(entry, time.Since(entry.EnqueuedAt))
	}
}

func (q *QueueManager) failAll(eq *endpointQueue, err error) {
	eq.mu.Lock()
	entries := make([]*QueueEntry, 0, eq.heap.Len())
	for eq.heap.Len() > 0 {
		entries = append(entries, heap.Pop(&eq.heap).(*QueueEntry))
	}
	eq.mu.Unlock()
	for _, entry := range entries {
		q.resolve(entry, Endpoint{}, err)
	}
}

// Close stops every scheduler and fails all remaining entries; nothing
// stays parked in a queue past shutdown.
func (q *QueueManager) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
	return nil
}

// Depth reports the queue length for an endpoint. Zero for unregistered
// queues.
func (q *QueueManager) Depth(url string) int {
	q.mu.Lock()
	eq := q.queues[url]
	q.mu.Unlock()
	if eq == nil {
		return 0
	}
	eq.mu.Lock()
	defer eq.mu.Unlock()
	return eq.heap.Len()
}
