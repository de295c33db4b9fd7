package router

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// prober drives endpoint health for registries without a feed that carries
// health events. An endpoint turns unhealthy after threshold consecutive
// probe failures and healthy again on the first success.
type prober struct {
	reg       *baseRegistry
	client    *http.Client
	path      string
	interval  time.Duration
	threshold int

	mu    sync.Mutex
	fails map[string]int
}

func newProber(reg *baseRegistry, cfg RouterConfig) *prober {
	interval := cfg.HealthProbeInterval.Std()
	timeout := 5 * time.Second
	if interval < timeout {
		timeout = interval
	}
	threshold := cfg.HealthFailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	return &prober{
		reg:       reg,
		client:    &http.Client{Timeout: timeout},
		path:      cfg.HealthProbePath,
		interval:  interval,
		threshold: threshold,
		fails:     make(map[string]int),
	}
}

func (p *prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep probes every known endpoint concurrently and waits for the round
// to finish, so at most one probe per endpoint is in flight.
func (p *prober) sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ep := range p.reg.All() {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			p.probe(ctx, url)
		}(ep.URL)
	}
	wg.Wait()
}

func (p *prober) probe(ctx context.Context, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+p.path, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	ok := err == nil && resp.StatusCode < 500
	if resp != nil {
		resp.Body.Close()
	}

	p.mu.Lock()
	if ok {
		p.fails[url] = 0
	} else {
		p.fails[url]++
	}
	n := p.fails[url]
	p.mu.Unlock()

	switch {
	case ok:
		p.reg.applyHealth(url, HealthHealthy)
	case n >= p.threshold:
		p.reg.applyHealth(url, HealthUnhealthy)
	default:
		logrus.Debugf("health probe %s failed (%d/%d): %v", url, n, p.threshold, err)
	}
}
