package router

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
)

// PrefixAffinity routes to an endpoint that already served the longest
// matching prompt prefix. No match widens the pool to all live
// candidates; ties at the matched depth break uniformly at random; the
// winner is re-inserted at full key depth to reinforce the association.
type PrefixAffinity struct {
	index *AffinityIndex

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPrefixAffinity builds the strategy over a shared index. The seed
// fixes the tie-break sequence for reproducible tests.
func NewPrefixAffinity(index *AffinityIndex, seed int64) *PrefixAffinity {
	return &PrefixAffinity{
		index: index,
		rnd:   rand.New(rand.NewSource(seed)),
	}
}

// Name implements RoutingPolicy.
func (p *PrefixAffinity) Name() string { return "prefix-affinity" }

// Select implements RoutingPolicy for PrefixAffinity.
func (p *PrefixAffinity) Select(_ context.Context, req *RoutingRequest, candidates []Endpoint) (RoutingDecision, error) {
	if len(candidates) == 0 {
		return RoutingDecision{}, ErrNoHealthyEndpoint
	}

	key := affinityKey(req.Model, req.Prompt)
	matched := p.index.LongestPrefixMatch(key, urlSet(candidates))

	pool := candidates
	if len(matched) > 0 {
		matchSet := make(map[string]struct{}, len(matched))
		for _, url := range matched {
			matchSet[url] = struct{}{}
		}
		pool = make([]Endpoint, 0, len(matched))
		for _, ep := range candidates {
			if _, ok := matchSet[ep.URL]; ok {
				pool = append(pool, ep)
			}
		}
	}

	p.mu.Lock()
	target := pool[p.rnd.Intn(len(pool))]
	p.mu.Unlock()

	p.index.Insert(key, target.URL)
	return RoutingDecision{
		Target: target,
		Reason: fmt.Sprintf("prefix-affinity[matched=%d pool=%d]", len(matched), len(pool)),
	}, nil
}
