package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func queueTestConfig() RouterConfig {
	cfg := DefaultConfig()
	cfg.MaxRunningRequests = 1
	cfg.QueueMaxWait = Duration(5 * time.Second)
	cfg.QueueCapacity = 16
	cfg.HealthProbeInterval = 0
	return cfg
}

// newQueueHarness builds a manager over a static registry and a collector
// with no pollers, so the busy predicate sees only local in-flight counts.
func newQueueHarness(t *testing.T, cfg RouterConfig, urls ...string) (*QueueManager, *StaticRegistry, *Collector) {
	t.Helper()
	for _, u := range urls {
		cfg.StaticEndpoints = append(cfg.StaticEndpoints, StaticEndpoint{URL: u})
	}
	reg, err := NewStaticRegistry(cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	collector := NewCollector(cfg)
	qm := NewQueueManager(cfg, collector, NewRoundRobin(), reg)
	t.Cleanup(func() {
		qm.Close()
		collector.Close()
		reg.Close()
	})
	return qm, reg, collector
}

func decisionFor(url string) RoutingDecision {
	return RoutingDecision{Target: Endpoint{URL: url, Health: HealthHealthy}}
}

// TestQueueManager_AcquireRelease verifies the slot accounting under the
// busy predicate.
func TestQueueManager_AcquireRelease(t *testing.T) {
	qm, _, _ := newQueueHarness(t, queueTestConfig(), "http://a:8000")

	if !qm.TryAcquire("http://a:8000") {
		t.Fatalf("Expected a free endpoint to be acquirable")
	}
	if qm.TryAcquire("http://a:8000") {
		t.Fatalf("Expected the endpoint to be Busy while its slot is held")
	}
	qm.Done("http://a:8000")
	if !qm.TryAcquire("http://a:8000") {
		t.Fatalf("Expected the endpoint to be Free again after Done")
	}
	qm.Done("http://a:8000")
}

// TestQueueManager_EntryResolvedWhenEndpointFrees verifies the basic
// defer-then-admit flow.
func TestQueueManager_EntryResolvedWhenEndpointFrees(t *testing.T) {
	// GIVEN endpoint A with its single slot taken
	qm, _, _ := newQueueHarness(t, queueTestConfig(), "http://a:8000")
	if !qm.TryAcquire("http://a:8000") {
		t.Fatalf("acquire failed")
	}

	// WHEN a request is queued and the slot then frees
	entry, err := qm.Enqueue(context.Background(),
		&RoutingRequest{ID: "req1", Model: "m"}, decisionFor("http://a:8000"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	qm.Done("http://a:8000")

	// THEN the entry resolves to A holding a fresh slot
	target, err := entry.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if target.URL != "http://a:8000" {
		t.Errorf("Expected http://a:8000, got %s", target.URL)
	}
	if qm.TryAcquire("http://a:8000") {
		t.Errorf("Expected the resolved entry to hold the only slot")
	}
	qm.Done(target.URL)
}

// TestQueueManager_HigherPriorityAdmittedFirst verifies dispatch order is
// priority before arrival order.
func TestQueueManager_HigherPriorityAdmittedFirst(t *testing.T) {
	// GIVEN A busy with priority 1 enqueued before priority 2
	qm, _, _ := newQueueHarness(t, queueTestConfig(), "http://a:8000")
	qm.TryAcquire("http://a:8000")

	low, err := qm.Enqueue(context.Background(),
		&RoutingRequest{ID: "low", Model: "m", Priority: 1}, decisionFor("http://a:8000"))
	if err != nil {
		t.Fatalf("Enqueue(low) failed: %v", err)
	}
	high, err := qm.Enqueue(context.Background(),
		&RoutingRequest{ID: "high", Model: "m", Priority: 2}, decisionFor("http://a:8000"))
	if err != nil {
		t.Fatalf("Enqueue(high) failed: %v", err)
	}

	resolved := make(chan string, 2)
	go func() {
		if _, err := low.Wait(); err != nil {
			resolved <- "low-error"
			return
		}
		resolved <- "low"
	}()
	go func() {
		if _, err := high.Wait(); err != nil {
			resolved <- "high-error"
			return
		}
		resolved <- "high"
	}()

	// WHEN the slot frees once
	qm.Done("http://a:8000")

	// THEN priority 2 is admitted first
	if first := <-resolved; first != "high" {
		t.Errorf("Expected high priority first, got %q", first)
	}

	// AND the lower priority follows on the next free
	qm.Done("http://a:8000")
	if second := <-resolved; second != "low" {
		t.Errorf("Expected low priority second, got %q", second)
	}
	qm.Done("http://a:8000")
}

// TestQueueManager_SamePriority_FIFO verifies arrival order breaks ties.
func TestQueueManager_SamePriority_FIFO(t *testing.T) {
	qm, _, _ := newQueueHarness(t, queueTestConfig(), "http://a:8000")
	qm.TryAcquire("http://a:8000")

	first, _ := qm.Enqueue(context.Background(),
		&RoutingRequest{ID: "first", Model: "m", Priority: 3}, decisionFor("http://a:8000"))
	second, _ := qm.Enqueue(context.Background(),
		&RoutingRequest{ID: "second", Model: "m", Priority: 3}, decisionFor("http://a:8000"))

	order := make(chan string, 2)
	go func() {
		first.Wait()
		order <- "first"
	}()
	go func() {
		second.Wait()
		order <- "second"
	}()

	qm.Done("http://a:8000")
	if got := <-order; got != "first" {
		t.Errorf("Expected FIFO within a priority, got %q first", got)
	}
	qm.Done("http://a:8000")
	<-order
	qm.Done("http://a:8000")
}

// TestQueueManager_EachEntryResolvedExactlyOnce runs a chain of deferred
// requests through a single slot and counts resolutions.
func TestQueueManager_EachEntryResolvedExactlyOnce(t *testing.T) {
	// GIVEN A busy with 8 queued entries
	qm, _, _ := newQueueHarness(t, queueTestConfig(), "http://a:8000")
	qm.TryAcquire("http://a:8000")

	const n = 8
	var resolved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		entry, err := qm.Enqueue(context.Background(),
			&RoutingRequest{ID: fmt.Sprintf("req%d", i), Model: "m"}, decisionFor("http://a:8000"))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			target, err := entry.Wait()
			if err != nil {
				t.Errorf("Wait failed: %v", err)
				return
			}
			resolved.Add(1)
			time.Sleep(2 * time.Millisecond) // simulated dispatch
			qm.Done(target.URL)
		}()
	}

	// WHEN the held slot frees
	qm.Done("http://a:8000")
	wg.Wait()

	// THEN every entry resolved exactly once and the queue drained
	if got := resolved.Load(); got != n {
		t.Errorf("Expected %d resolutions, got %d", n, got)
	}
	if depth := qm.Depth("http://a:8000"); depth != 0 {
		t.Errorf("Expected drained queue, got depth %d", depth)
	}
}

// TestQueueManager_OverdueHeadReroutedToAlternative verifies the wait
// timeout sends the head through the strategy, away from its endpoint.
func TestQueueManager_OverdueHeadReroutedToAlternative(t *testing.T) {
	// GIVEN A held busy and B free
	cfg := queueTestConfig()
	cfg.QueueMaxWait = Duration(50 * time.Millisecond)
	qm, _, _ := newQueueHarness(t, cfg, "http://a:8000", "http://b:8000")
	qm.TryAcquire("http://a:8000")

	// WHEN a request parked on A outwaits the maximum
	entry, err := qm.Enqueue(context.Background(),
		&RoutingRequest{ID: "req1", Model: "m"}, decisionFor("http://a:8000"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// THEN it resolves to B without A ever freeing
	target, err := entry.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if target.URL != "http://b:8000" {
		t.Errorf("Expected reroute to http://b:8000, got %s", target.URL)
	}
	qm.Done(target.URL)
}

// TestQueueManager_OverdueWithoutAlternative_QueueTimeout verifies the
// timeout surfaces when no other endpoint can take the request.
func TestQueueManager_OverdueWithoutAlternative_QueueTimeout(t *testing.T) {
	cfg := queueTestConfig()
	cfg.QueueMaxWait = Duration(50 * time.Millisecond)
	qm, _, _ := newQueueHarness(t, cfg, "http://a:8000")
	qm.TryAcquire("http://a:8000")

	entry, err := qm.Enqueue(context.Background(),
		&RoutingRequest{ID: "req1", Model: "m"}, decisionFor("http://a:8000"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := entry.Wait(); !errors.Is(err, ErrQueueTimeout) {
		t.Errorf("Expected ErrQueueTimeout, got %v", err)
	}
	qm.Done("http://a:8000")
}

// TestQueueManager_SessionPinnedOutwaitsTimeout verifies session-pinned
// entries stay parked past the limit and land on their endpoint.
func TestQueueManager_SessionPinnedOutwaitsTimeout(t *testing.T) {
	// GIVEN A busy, B free, and a session-pinned entry parked on A
	cfg := queueTestConfig()
	cfg.QueueMaxWait = Duration(50 * time.Millisecond)
	qm, _, _ := newQueueHarness(t, cfg, "http://a:8000", "http://b:8000")
	qm.TryAcquire("http://a:8000")

	decision := decisionFor("http://a:8000")
	decision.SessionSticky = true
	entry, err := qm.Enqueue(context.Background(),
		&RoutingRequest{ID: "req1", Model: "m", SessionKey: "s1"}, decision)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// WHEN the wait limit passes
	time.Sleep(150 * time.Millisecond)

	// THEN the entry is still parked on A, not rerouted to B
	if depth := qm.Depth("http://a:8000"); depth != 1 {
		t.Errorf("Expected pinned entry to stay queued, depth = %d", depth)
	}

	// AND it resolves to A once A frees
	qm.Done("http://a:8000")
	target, err := entry.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if target.URL != "http://a:8000" {
		t.Errorf("Expected pinned resolution on A, got %s", target.URL)
	}
	qm.Done(target.URL)
}

// TestQueueManager_AbandonedEntry_Discarded verifies a caller walking away
// neither blocks the queue nor leaks a slot.
func TestQueueManager_AbandonedEntry_Discarded(t *testing.T) {
	qm, _, _ := newQueueHarness(t, queueTestConfig(), "http://a:8000")
	qm.TryAcquire("http://a:8000")

	ctx, cancel := context.WithCancel(context.Background())
	entry, err := qm.Enqueue(ctx, &RoutingRequest{ID: "req1", Model: "m"}, decisionFor("http://a:8000"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	cancel()
	if _, err := entry.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	// The next free slot must not be consumed by the abandoned entry.
	qm.Done("http://a:8000")
	deadline := time.Now().Add(time.Second)
	for qm.Depth("http://a:8000") != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if depth := qm.Depth("http://a:8000"); depth != 0 {
		t.Errorf("Expected abandoned entry discarded, depth = %d", depth)
	}
	if !qm.TryAcquire("http://a:8000") {
		t.Errorf("Expected the slot to stay free")
	}
	qm.Done("http://a:8000")
}

// TestQueueManager_RemovedEndpoint_EntriesRerouted verifies eviction on
// membership change reroutes parked entries.
func TestQueueManager_RemovedEndpoint_EntriesRerouted(t *testing.T) {
	// GIVEN A busy with an entry parked, and B available
	qm, reg, _ := newQueueHarness(t, queueTestConfig(), "http://a:8000", "http://b:8000")
	qm.TryAcquire("http://a:8000")
	entry, err := qm.Enqueue(context.Background(),
		&RoutingRequest{ID: "req1", Model: "m"}, decisionFor("http://a:8000"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// WHEN A leaves the registry
	reg.applyRemove("http://a:8000")

	// THEN the parked entry resolves to B
	target, err := entry.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if target.URL != "http://b:8000" {
		t.Errorf("Expected reroute to http://b:8000, got %s", target.URL)
	}
	qm.Done(target.URL)
}

// TestQueueManager_CapacityExceeded_QueueFull verifies the bound on queue
// depth.
func TestQueueManager_CapacityExceeded_QueueFull(t *testing.T) {
	cfg := queueTestConfig()
	cfg.QueueCapacity = 2
	qm, _, _ := newQueueHarness(t, cfg, "http://a:8000")
	qm.TryAcquire("http://a:8000")

	for i := 0; i < 2; i++ {
		if _, err := qm.Enqueue(context.Background(),
			&RoutingRequest{ID: fmt.Sprintf("req%d", i), Model: "m"}, decisionFor("http://a:8000")); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	_, err := qm.Enqueue(context.Background(),
		&RoutingRequest{ID: "overflow", Model: "m"}, decisionFor("http://a:8000"))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

// TestQueueManager_Close_FailsParkedEntries verifies shutdown resolves
// every waiter with an error instead of leaving it parked.
func TestQueueManager_Close_FailsParkedEntries(t *testing.T) {
	qm, _, _ := newQueueHarness(t, queueTestConfig(), "http://a:8000")
	qm.TryAcquire("http://a:8000")

	entry, err := qm.Enqueue(context.Background(),
		&RoutingRequest{ID: "req1", Model: "m"}, decisionFor("http://a:8000"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitErr := make(chan error, 1)
	go func() {
		_, err := entry.Wait()
		waitErr <- err
	}()

	qm.Close()
	if err := <-waitErr; !errors.Is(err, ErrQueueTimeout) {
		t.Errorf("Expected shutdown to fail the entry with ErrQueueTimeout, got %v", err)
	}

	// AND new work is refused after Close
	if _, err := qm.Enqueue(context.Background(),
		&RoutingRequest{ID: "req2", Model: "m"}, decisionFor("http://a:8000")); !errors.Is(err, ErrQueueTimeout) {
		t.Errorf("Expected post-shutdown Enqueue to fail, got %v", err)
	}
}

// TestQueueManager_BusyPredicateFromEngineStats verifies saturation and
// cache pressure reported by the engine make an endpoint Busy, and stale
// stats fail open.
func TestQueueManager_BusyPredicateFromEngineStats(t *testing.T) {
	cfg := queueTestConfig()
	cfg.MaxRunningRequests = 4
	cfg.MaxCacheUtil = 0.95
	qm, _, collector := newQueueHarness(t, cfg, "http://a:8000")

	// Inject a snapshot as a poll would have.
	p := &endpointPoller{url: "http://a:8000", done: make(chan struct{})}
	collector.mu.Lock()
	collector.pollers["http://a:8000"] = p
	collector.mu.Unlock()

	// Saturated running count: Busy.
	p.snapshot.Store(&EngineStats{RunningRequests: 4, LastUpdated: time.Now()})
	if !qm.Busy("http://a:8000") {
		t.Errorf("Expected saturation to make the endpoint Busy")
	}

	// Below the limits: Free.
	p.snapshot.Store(&EngineStats{RunningRequests: 1, CacheUsage: 0.5, LastUpdated: time.Now()})
	if qm.Busy("http://a:8000") {
		t.Errorf("Expected a lightly loaded endpoint to be Free")
	}

	// Cache pressure alone: Busy.
	p.snapshot.Store(&EngineStats{RunningRequests: 1, CacheUsage: 0.99, LastUpdated: time.Now()})
	if !qm.Busy("http://a:8000") {
		t.Errorf("Expected cache pressure to make the endpoint Busy")
	}

	// Stale snapshot: unknown, which fails open to Free.
	p.snapshot.Store(&EngineStats{RunningRequests: 4, CacheUsage: 0.99, LastUpdated: time.Now().Add(-time.Hour)})
	if qm.Busy("http://a:8000") {
		t.Errorf("Expected stale stats to fail open")
	}
}
