// Service discovery. Two Registry implementations share one contract: a
// static list parsed at startup and a watch-based feed that applies
// add/remove/health events as a cluster membership source emits them.
// On watch disconnect the last known endpoint set stays authoritative
// until the feed reconnects (fail-static, not fail-empty).

package router

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
)

// ChangeFunc receives membership deltas after the registry applies them.
type ChangeFunc func(added, removed []Endpoint)

// Registry is the service discovery surface consumed by routing.
type Registry interface {
	// List returns routable endpoints serving model, ordered by URL.
	// An empty model returns every routable endpoint.
	List(model string) []Endpoint
	// All returns every known endpoint regardless of health.
	All() []Endpoint
	// Models returns the union of model names across known endpoints.
	Models() []string
	// OnChange subscribes to membership add/remove events.
	OnChange(fn ChangeFunc)
	// Close stops background discovery work.
	Close() error
}

// baseRegistry implements the shared endpoint bookkeeping. Membership and
// health are mutated only through apply* methods; readers get value copies.
type baseRegistry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	callbacks []ChangeFunc
}

func newBaseRegistry() *baseRegistry {
	return &baseRegistry{endpoints: make(map[string]*Endpoint)}
}

func (b *baseRegistry) List(model string) []Endpoint {
	b.mu.RLock()
	eps := make([]Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		if ep.Alive() && (model == "" || ep.ServesModel(model)) {
			eps = append(eps, *ep)
		}
	}
	b.mu.RUnlock()
	sortEndpoints(eps)
	return eps
}

func (b *baseRegistry) All() []Endpoint {
	b.mu.RLock()
	eps := make([]Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		eps = append(eps, *ep)
	}
	b.mu.RUnlock()
	sortEndpoints(eps)
	return eps
}

func (b *baseRegistry) Models() []string {
	b.mu.RLock()
	seen := make(map[string]struct{})
	for _, ep := range b.endpoints {
		for _, m := range ep.Models {
			seen[m] = struct{}{}
		}
	}
	b.mu.RUnlock()
	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	return models
}

func (b *baseRegistry) OnChange(fn ChangeFunc) {
	b.mu.Lock()
	b.callbacks = append(b.callbacks, fn)
	b.mu.Unlock()
}

// applyAdd inserts or updates an endpoint and notifies subscribers of new
// arrivals. Updates to an existing URL replace models/role in place.
func (b *baseRegistry) applyAdd(ep Endpoint) {
	b.mu.Lock()
	existing, ok := b.endpoints[ep.URL]
	if ok {
		existing.Models = ep.Models
		existing.Role = ep.Role
		if ep.Health != "" {
			existing.Health = ep.Health
		}
	} else {
		if ep.Health == "" {
			ep.Health = HealthUnknown
		}
		ep.CreatedAt = time.Now()
		b.endpoints[ep.URL] = &ep
	}
	fns := b.notifySet()
	b.mu.Unlock()
	if !ok {
		for _, fn := range fns {
			fn([]Endpoint{ep}, nil)
		}
	}
}

// applyRemove drops an endpoint. In-flight requests already dispatched to
// it are not cancelled.
func (b *baseRegistry) applyRemove(url string) {
	b.mu.Lock()
	ep, ok := b.endpoints[url]
	var removed Endpoint
	if ok {
		removed = *ep
		delete(b.endpoints, url)
	}
	fns := b.notifySet()
	b.mu.Unlock()
	if ok {
		for _, fn := range fns {
			fn(nil, []Endpoint{removed})
		}
	}
}

// applyHealth flips an endpoint's health state.
func (b *baseRegistry) applyHealth(url string, health HealthState) {
	b.mu.Lock()
	if ep, ok := b.endpoints[url]; ok && ep.Health != health {
		logrus.Infof("endpoint %s health: %s -> %s", url, ep.Health, health)
		ep.Health = health
	}
	b.mu.Unlock()
}

// notifySet snapshots the callback list under the held lock so callbacks
// run outside it and may call back into the registry.
func (b *baseRegistry) notifySet() []ChangeFunc {
	fns := make([]ChangeFunc, len(b.callbacks))
	copy(fns, b.callbacks)
	return fns
}

// StaticRegistry serves a fixed endpoint list from configuration, with a
// background health prober flipping endpoints between healthy and
// unhealthy.
type StaticRegistry struct {
	*baseRegistry
	prober *prober
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStaticRegistry builds the registry from config and starts probing.
func NewStaticRegistry(cfg RouterConfig) (*StaticRegistry, error) {
	base := newBaseRegistry()
	for _, se := range cfg.StaticEndpoints {
		base.applyAdd(Endpoint{
			URL:    strings.TrimRight(se.URL, "/"),
			Models: se.Models,
			Role:   Role(se.Role),
			Health: HealthUnknown,
		})
	}
	r := &StaticRegistry{baseRegistry: base}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if cfg.HealthProbeInterval > 0 {
		r.prober = newProber(base, cfg)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.prober.run(ctx)
		}()
	}
	return r, nil
}

// Close stops the prober.
func (r *StaticRegistry) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

// watchEvent is one membership event from the watch feed, carried as the
// data payload of a server-sent event.
type watchEvent struct {
	Type     string `json:"type"` // "add", "remove" or "health"
	Endpoint struct {
		URL    string   `json:"url"`
		Models []string `json:"models"`
		Role   string   `json:"role"`
		Health string   `json:"health"`
	} `json:"endpoint"`
}

// WatchRegistry follows a cluster membership feed over a streaming HTTP
// connection and applies its events. Reconnects with exponential backoff;
// between connections the last applied set keeps serving.
type WatchRegistry struct {
	*baseRegistry
	url        string
	backoffMax time.Duration
	client     *http.Client
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewWatchRegistry starts following the configured membership feed.
func NewWatchRegistry(cfg RouterConfig) (*WatchRegistry, error) {
	if cfg.WatchURL == "" {
		return nil, fmt.Errorf("watch registry requires watch_url")
	}
	r := &WatchRegistry{
		baseRegistry: newBaseRegistry(),
		url:          cfg.WatchURL,
		backoffMax:   cfg.WatchBackoffMax.Std(),
		client:       &http.Client{},
	}
	if r.backoffMax <= 0 {
		r.backoffMax = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.watch(ctx)
	}()
	return r, nil
}

// Close stops the watch loop.
func (r *WatchRegistry) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

// watch reconnects to the feed until ctx is cancelled. Backoff doubles per
// failed attempt and resets after a connection that delivered events.
func (r *WatchRegistry) watch(ctx context.Context) {
	backoff := 500 * time.Millisecond
	for {
		delivered, err := r.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logrus.Warnf("membership watch %s disconnected, keeping last known set (%d endpoints): %v",
				r.url, len(r.All()), err)
		}
		if delivered {
			backoff = 500 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > r.backoffMax {
			backoff = r.backoffMax
		}
	}
}

// consume holds one feed connection open and applies its events. Returns
// whether at least one event arrived.
func (r *WatchRegistry) consume(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("watch feed returned status %d", resp.StatusCode)
	}
	logrus.Infof("membership watch connected to %s", r.url)

	delivered := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue // event:/id: fields and keep-alive comments
		}
		var ev watchEvent
		if err := sonic.Unmarshal([]byte(strings.TrimSpace(payload)), &ev); err != nil {
			logrus.Warnf("membership watch: dropping malformed event: %v", err)
			continue
		}
		delivered = true
		r.apply(ev)
	}
	return delivered, scanner.Err()
}

func (r *WatchRegistry) apply(ev watchEvent) {
	url := strings.TrimRight(ev.Endpoint.URL, "/")
	switch ev.Type {
	case "add":
		r.applyAdd(Endpoint{
			URL:    url,
			Models: ev.Endpoint.Models,
			Role:   Role(ev.Endpoint.Role),
			Health: HealthState(ev.Endpoint.Health),
		})
	case "remove":
		r.applyRemove(url)
	case "health":
		r.applyHealth(url, HealthState(ev.Endpoint.Health))
	default:
		logrus.Debugf("membership watch: ignoring event type %q", ev.Type)
	}
}

// NewRegistry picks the registry implementation the configuration asks
// for: a watch feed when watch_url is set, the static list otherwise.
func NewRegistry(cfg RouterConfig) (Registry, error) {
	if cfg.WatchURL != "" {
		return NewWatchRegistry(cfg)
	}
	return NewStaticRegistry(cfg)
}
