package router

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// SessionAffinity pins requests carrying the same session key to the
// endpoint that first served the session. First sight and endpoint death
// fall back to round-robin, and the new endpoint becomes the session's
// home. Lookups touch the entry, so active sessions outlive the TTL.
type SessionAffinity struct {
	table    *ttlcache.Cache[string, string] // session key -> endpoint URL
	fallback *RoundRobin
}

// NewSessionAffinity builds the strategy with the given session TTL.
func NewSessionAffinity(ttl time.Duration) *SessionAffinity {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	table := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
	)
	go table.Start()
	return &SessionAffinity{table: table, fallback: NewRoundRobin()}
}

// Name implements RoutingPolicy.
func (s *SessionAffinity) Name() string { return "session-affinity" }

// Select implements RoutingPolicy for SessionAffinity.
func (s *SessionAffinity) Select(ctx context.Context, req *RoutingRequest, candidates []Endpoint) (RoutingDecision, error) {
	if len(candidates) == 0 {
		return RoutingDecision{}, ErrNoHealthyEndpoint
	}
	if req.SessionKey == "" {
		return s.fallback.Select(ctx, req, candidates)
	}

	if item := s.table.Get(req.SessionKey); item != nil {
		url := item.Value()
		for _, ep := range candidates {
			if ep.URL == url {
				return RoutingDecision{
					Target:        ep,
					SessionSticky: true,
					Reason:        fmt.Sprintf("session-affinity[sticky %s]", req.SessionKey),
				}, nil
			}
		}
		// Recorded endpoint is gone; the session re-homes below.
	}

	decision, err := s.fallback.Select(ctx, req, candidates)
	if err != nil {
		return RoutingDecision{}, err
	}
	s.table.Set(req.SessionKey, decision.Target.URL, ttlcache.DefaultTTL)
	decision.Reason = fmt.Sprintf("session-affinity[new %s]", req.SessionKey)
	return decision, nil
}

// Close stops the expiry janitor.
func (s *SessionAffinity) Close() {
	s.table.Stop()
}
