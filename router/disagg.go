package router

import (
	"context"
	"fmt"
)

// Disaggregated selects an ordered prefill/decode endpoint pair from the
// role-labeled pools, each pool cycled round-robin. Endpoints without a
// role label belong to neither pool. An empty pool for either required
// role is a hard failure: there is no sensible fallback for a missing
// phase.
type Disaggregated struct {
	prefillRR *RoundRobin
	decodeRR  *RoundRobin
}

// NewDisaggregated returns the two-phase pair-selection strategy.
func NewDisaggregated() *Disaggregated {
	return &Disaggregated{prefillRR: NewRoundRobin(), decodeRR: NewRoundRobin()}
}

// Name implements RoutingPolicy.
func (d *Disaggregated) Name() string { return "disaggregated" }

// Select implements RoutingPolicy for Disaggregated.
func (d *Disaggregated) Select(ctx context.Context, req *RoutingRequest, candidates []Endpoint) (RoutingDecision, error) {
	var prefillPool, decodePool []Endpoint
	for _, ep := range candidates {
		switch ep.Role {
		case RolePrefill:
			prefillPool = append(prefillPool, ep)
		case RoleDecode:
			decodePool = append(decodePool, ep)
		}
	}
	if len(prefillPool) == 0 {
		return RoutingDecision{}, fmt.Errorf("%w: no %s endpoints", ErrNoHealthyEndpoint, RolePrefill)
	}
	if len(decodePool) == 0 {
		return RoutingDecision{}, fmt.Errorf("%w: no %s endpoints", ErrNoHealthyEndpoint, RoleDecode)
	}

	prefill, err := d.prefillRR.Select(ctx, req, prefillPool)
	if err != nil {
		return RoutingDecision{}, err
	}
	decode, err := d.decodeRR.Select(ctx, req, decodePool)
	if err != nil {
		return RoutingDecision{}, err
	}
	return RoutingDecision{
		Prefill:       prefill.Target,
		Decode:        decode.Target,
		Disaggregated: true,
		Reason:        fmt.Sprintf("disaggregated[prefill=%s decode=%s]", prefill.Target.URL, decode.Target.URL),
	}, nil
}
