// Routing strategy layer. One RoutingPolicy implementation per strategy,
// constructed by a factory keyed on the configured name. Strategies read
// registry/stats/affinity state and return a RoutingDecision; they never
// mutate endpoints or stats.
//
// Degradation is uniform: missing information (no stats, no affinity
// match, oracle silent) widens the choice toward round-robin over all
// live candidates. An empty candidate set for a required model or role is
// the one hard failure.

package router

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// RoutingRequest is the routing-relevant view of one inbound request.
type RoutingRequest struct {
	ID         string
	Model      string
	Prompt     string
	SessionKey string
	Priority   int
	Stream     bool
	Path       string      // backend path, e.g. /v1/completions
	Header     http.Header // caller headers, forwarded on dispatch
	Body       []byte      // original JSON body
}

// RoutingDecision is the outcome of strategy selection: a single target,
// or a prefill/decode pair for disaggregated orchestration. Created fresh
// per request, never persisted.
type RoutingDecision struct {
	Target        Endpoint
	Prefill       Endpoint
	Decode        Endpoint
	Disaggregated bool
	// SessionSticky marks a decision pinned by session affinity; the queue
	// manager keeps pinned requests on their endpoint instead of rerouting
	// them on timeout.
	SessionSticky bool
	Reason        string
}

// RoutingPolicy decides which endpoint(s) should handle a request.
type RoutingPolicy interface {
	Name() string
	Select(ctx context.Context, req *RoutingRequest, candidates []Endpoint) (RoutingDecision, error)
}

// StrategyDeps bundles the shared state strategies read. Nil fields are
// allowed when the chosen strategy does not use them.
type StrategyDeps struct {
	Stats    *Collector
	Affinity *AffinityIndex
	Oracle   *OracleClient
	Config   RouterConfig
}

// NewRoutingPolicy constructs the strategy registered under name.
// Config validation runs before construction, so an unknown name here is
// a programmer error and panics.
func NewRoutingPolicy(name string, deps StrategyDeps) RoutingPolicy {
	switch name {
	case "", "round-robin":
		return NewRoundRobin()
	case "session-affinity":
		return NewSessionAffinity(deps.Config.SessionTTL.Std())
	case "prefix-affinity":
		return NewPrefixAffinity(deps.Affinity, time.Now().UnixNano())
	case "cache-affinity":
		return NewCacheAffinity(deps.Oracle)
	case "disaggregated":
		return NewDisaggregated()
	default:
		logrus.Panicf("unknown routing strategy: %s", name)
		return nil
	}
}

// RoundRobin cycles through candidates with an atomic counter. Candidates
// are sorted by URL first, so concurrent callers observing distinct
// counter values pick distinct endpoints regardless of iteration order.
type RoundRobin struct {
	counter atomic.Uint64
}

// NewRoundRobin returns a round-robin strategy with a fresh counter.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

// Name implements RoutingPolicy.
func (rr *RoundRobin) Name() string { return "round-robin" }

// Select implements RoutingPolicy for RoundRobin.
func (rr *RoundRobin) Select(_ context.Context, _ *RoutingRequest, candidates []Endpoint) (RoutingDecision, error) {
	if len(candidates) == 0 {
		return RoutingDecision{}, ErrNoHealthyEndpoint
	}
	sortEndpoints(candidates)
	n := rr.counter.Add(1) - 1
	target := candidates[int(n%uint64(len(candidates)))]
	return RoutingDecision{
		Target: target,
		Reason: fmt.Sprintf("round-robin[%d]", n),
	}, nil
}
