package router

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpointURLs(eps []Endpoint) []string {
	urls := make([]string, 0, len(eps))
	for _, ep := range eps {
		urls = append(urls, ep.URL)
	}
	return urls
}

func TestStaticRegistry_ListFiltersModelAndHealth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthProbeInterval = 0
	cfg.StaticEndpoints = []StaticEndpoint{
		{URL: "http://a:8000", Models: []string{"m1"}},
		{URL: "http://b:8000", Models: []string{"m2"}},
		{URL: "http://c:8000"}, // no model list: serves anything
	}
	reg, err := NewStaticRegistry(cfg)
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"http://a:8000", "http://c:8000"}, endpointURLs(reg.List("m1")))
	assert.Equal(t, []string{"http://b:8000", "http://c:8000"}, endpointURLs(reg.List("m2")))
	assert.Len(t, reg.List(""), 3)
	assert.ElementsMatch(t, []string{"m1", "m2"}, reg.Models())

	// Unhealthy endpoints drop out of List but stay in All.
	reg.applyHealth("http://a:8000", HealthUnhealthy)
	assert.Equal(t, []string{"http://c:8000"}, endpointURLs(reg.List("m1")))
	assert.Len(t, reg.All(), 3)
}

func TestStaticRegistry_TrailingSlashNormalized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthProbeInterval = 0
	cfg.StaticEndpoints = []StaticEndpoint{{URL: "http://a:8000/"}}
	reg, err := NewStaticRegistry(cfg)
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"http://a:8000"}, endpointURLs(reg.All()))
}

func TestRegistry_OnChangeNotifies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthProbeInterval = 0
	cfg.StaticEndpoints = []StaticEndpoint{{URL: "http://a:8000"}}
	reg, err := NewStaticRegistry(cfg)
	require.NoError(t, err)
	defer reg.Close()

	var mu sync.Mutex
	var added, removed []string
	reg.OnChange(func(a, r []Endpoint) {
		mu.Lock()
		defer mu.Unlock()
		added = append(added, endpointURLs(a)...)
		removed = append(removed, endpointURLs(r)...)
	})

	reg.applyAdd(Endpoint{URL: "http://b:8000"})
	reg.applyAdd(Endpoint{URL: "http://b:8000", Models: []string{"m1"}}) // update, no event
	reg.applyRemove("http://a:8000")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"http://b:8000"}, added)
	assert.Equal(t, []string{"http://a:8000"}, removed)
}

func TestWatchRegistry_AppliesEvents(t *testing.T) {
	events := make(chan string, 8)
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fl.Flush()
		for ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			fl.Flush()
		}
	}))
	defer feed.Close()

	cfg := DefaultConfig()
	cfg.WatchURL = feed.URL
	reg, err := NewWatchRegistry(cfg)
	require.NoError(t, err)
	defer reg.Close()

	events <- `{"type":"add","endpoint":{"url":"http://a:8000","models":["m1"],"health":"healthy"}}`
	events <- `not json at all`
	events <- `{"type":"add","endpoint":{"url":"http://b:8000","models":["m1"],"role":"decode"}}`
	require.Eventually(t, func() bool { return len(reg.All()) == 2 }, 2*time.Second, 10*time.Millisecond)

	eps := reg.All()
	assert.Equal(t, []string{"http://a:8000", "http://b:8000"}, endpointURLs(eps))
	assert.Equal(t, HealthHealthy, eps[0].Health)
	assert.Equal(t, RoleDecode, eps[1].Role)

	events <- `{"type":"health","endpoint":{"url":"http://a:8000","health":"unhealthy"}}`
	require.Eventually(t, func() bool { return len(reg.List("m1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	events <- `{"type":"remove","endpoint":{"url":"http://b:8000"}}`
	require.Eventually(t, func() bool { return len(reg.All()) == 1 }, 2*time.Second, 10*time.Millisecond)
	close(events)
}

func TestWatchRegistry_DisconnectKeepsLastKnownSet(t *testing.T) {
	var conns atomic.Int32
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"type":"add","endpoint":{"url":"http://a:8000","models":["m1"]}}`+"\n\n")
		// Returning here drops the connection after one event.
	}))

	cfg := DefaultConfig()
	cfg.WatchURL = feed.URL
	reg, err := NewWatchRegistry(cfg)
	require.NoError(t, err)
	defer reg.Close()

	require.Eventually(t, func() bool { return len(reg.All()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// The feed goes away entirely.
	feed.Close()
	time.Sleep(150 * time.Millisecond)

	// The last known endpoint set keeps serving.
	eps := reg.All()
	require.Len(t, eps, 1)
	assert.Equal(t, "http://a:8000", eps[0].URL)
	assert.Len(t, reg.List("m1"), 1)
}

func TestProber_FlipsHealthAfterConsecutiveFailures(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	cfg := DefaultConfig()
	cfg.HealthProbeInterval = Duration(20 * time.Millisecond)
	cfg.HealthFailureThreshold = 2
	cfg.StaticEndpoints = []StaticEndpoint{{URL: backend.URL}}
	reg, err := NewStaticRegistry(cfg)
	require.NoError(t, err)
	defer reg.Close()

	health := func() HealthState { return reg.All()[0].Health }

	require.Eventually(t, func() bool { return health() == HealthHealthy },
		2*time.Second, 10*time.Millisecond, "probe success should mark healthy")

	// One failure is below the threshold; sustained failures flip it.
	healthy.Store(false)
	require.Eventually(t, func() bool { return health() == HealthUnhealthy },
		2*time.Second, 10*time.Millisecond, "consecutive failures should mark unhealthy")

	// A single success restores it.
	healthy.Store(true)
	require.Eventually(t, func() bool { return health() == HealthHealthy },
		2*time.Second, 10*time.Millisecond, "one success should restore healthy")
}

func TestNewRegistry_PicksImplementation(t *testing.T) {
	staticCfg := DefaultConfig()
	staticCfg.HealthProbeInterval = 0
	staticCfg.StaticEndpoints = []StaticEndpoint{{URL: "http://a:8000"}}
	reg, err := NewRegistry(staticCfg)
	require.NoError(t, err)
	defer reg.Close()
	_, ok := reg.(*StaticRegistry)
	assert.True(t, ok)

	watchCfg := DefaultConfig()
	watchCfg.WatchURL = "http://feed:9000/watch"
	wreg, err := NewRegistry(watchCfg)
	require.NoError(t, err)
	defer wreg.Close()
	_, wok := wreg.(*WatchRegistry)
	assert.True(t, wok)
}
