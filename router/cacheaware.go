package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

const (
	oracleCacheSize = 4096
	oracleCacheTTL  = 2 * time.Second
)

// oracleQuery asks the cache-location oracle which candidates hold cached
// state for the hashed prompt prefix.
type oracleQuery struct {
	Model       string   `json:"model"`
	BlockHashes []uint64 `json:"block_hashes"`
	Candidates  []string `json:"candidates"`
}

type oracleReply struct {
	Endpoints []string `json:"endpoints"`
}

// OracleClient is the HTTP client for the external cache-location oracle.
// Every lookup is bounded by the configured timeout; identical prefixes
// within a short horizon are answered from a small expiring cache instead
// of re-querying the oracle.
type OracleClient struct {
	url       string
	timeout   time.Duration
	blockSize int
	client    *http.Client
	cache     *expirable.LRU[uint64, []string]
}

// NewOracleClient returns nil when no oracle is configured.
func NewOracleClient(cfg RouterConfig) *OracleClient {
	if cfg.OracleURL == "" {
		return nil
	}
	return &OracleClient{
		url:       cfg.OracleURL,
		timeout:   cfg.OracleTimeout.Std(),
		blockSize: cfg.PrefixBlockSize,
		client:    &http.Client{},
		cache:     expirable.NewLRU[uint64, []string](oracleCacheSize, nil, oracleCacheTTL),
	}
}

// Lookup returns the ranked subset of candidates holding cached state for
// the prompt, or nil when the prompt is too short to index or the oracle
// knows nothing. Unreachable or misbehaving oracles yield
// ErrOracleUnreachable for the caller to fall back on.
func (o *OracleClient) Lookup(ctx context.Context, model, prompt string, candidates []string) ([]string, error) {
	hashes := promptBlockHashes(model, prompt, o.blockSize)
	if len(hashes) == 0 {
		return nil, nil
	}
	lookupKey := hashes[len(hashes)-1]
	if hit, ok := o.cache.Get(lookupKey); ok {
		return hit, nil
	}

	body, err := sonic.Marshal(oracleQuery{Model: model, BlockHashes: hashes, Candidates: candidates})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrOracleUnreachable, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnreachable, err)
	}
	var reply oracleReply
	if err := sonic.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnreachable, err)
	}
	o.cache.Add(lookupKey, reply.Endpoints)
	return reply.Endpoints, nil
}

// CacheAffinity routes to the endpoint the oracle reports as holding the
// longest matching cached prefix. The oracle having no information, or
// not answering in time, degrades to round-robin; the oracle is never
// allowed to block a request indefinitely.
type CacheAffinity struct {
	oracle   *OracleClient
	fallback *RoundRobin
}

// NewCacheAffinity builds the strategy around an oracle client.
func NewCacheAffinity(oracle *OracleClient) *CacheAffinity {
	return &CacheAffinity{oracle: oracle, fallback: NewRoundRobin()}
}

// Name implements RoutingPolicy.
func (c *CacheAffinity) Name() string { return "cache-affinity" }

// Select implements RoutingPolicy for CacheAffinity.
func (c *CacheAffinity) Select(ctx context.Context, req *RoutingRequest, candidates []Endpoint) (RoutingDecision, error) {
	if len(candidates) == 0 {
		return RoutingDecision{}, ErrNoHealthyEndpoint
	}
	if c.oracle == nil {
		return c.fallback.Select(ctx, req, candidates)
	}

	urls := make([]string, len(candidates))
	for i, ep := range candidates {
		urls[i] = ep.URL
	}
	ranked, err := c.oracle.Lookup(ctx, req.Model, req.Prompt, urls)
	if err != nil {
		logrus.Warnf("request %s: cache oracle fallback: %v", req.ID, err)
		decision, ferr := c.fallback.Select(ctx, req, candidates)
		if ferr != nil {
			return RoutingDecision{}, ferr
		}
		decision.Reason = "cache-affinity[oracle-fallback] " + decision.Reason
		return decision, nil
	}

	for rank, url := range ranked {
		for _, ep := range candidates {
			if ep.URL == url {
				return RoutingDecision{
					Target: ep,
					Reason: fmt.Sprintf("cache-affinity[hit rank=%d]", rank),
				}, nil
			}
		}
	}

	decision, err := c.fallback.Select(ctx, req, candidates)
	if err != nil {
		return RoutingDecision{}, err
	}
	decision.Reason = "cache-affinity[miss] " + decision.Reason
	return decision, nil
}
