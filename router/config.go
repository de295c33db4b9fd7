package router

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "10s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler, so a rendered config parses
// back with UnmarshalYAML.
func (d Duration) MarshalYAML() (any, error) {
	return d.Std().String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StaticEndpoint is one fixed backend in the static endpoint list.
type StaticEndpoint struct {
	URL    string   `yaml:"url"`
	Models []string `yaml:"models"`
	Role   string   `yaml:"role"`
}

// RouterConfig holds the full router configuration, loadable from a YAML
// file. Zero values mean "use default"; DefaultConfig fills them in before
// Validate runs.
type RouterConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Strategy   string `yaml:"strategy"`

	SessionHeader    string   `yaml:"session_header"`
	SessionBodyField string   `yaml:"session_body_field"`
	SessionTTL       Duration `yaml:"session_ttl"`
	PriorityHeader   string   `yaml:"priority_header"`

	StaticEndpoints []StaticEndpoint `yaml:"static_endpoints"`
	WatchURL        string           `yaml:"watch_url"`
	WatchBackoffMax Duration         `yaml:"watch_backoff_max"`

	HealthProbePath        string   `yaml:"health_probe_path"`
	HealthProbeInterval    Duration `yaml:"health_probe_interval"`
	HealthFailureThreshold int      `yaml:"health_failure_threshold"`

	MetricsPath      string   `yaml:"metrics_path"`
	StatsInterval    Duration `yaml:"stats_interval"`
	StatsTimeout     Duration `yaml:"stats_timeout"`
	StatsStaleFactor int      `yaml:"stats_stale_factor"`
	RequestWindow    Duration `yaml:"request_window"`
	RequestWindowMax int      `yaml:"request_window_max"`

	MaxRunningRequests int      `yaml:"max_running_requests"`
	MaxCacheUtil       float64  `yaml:"max_cache_util"`
	QueueMaxWait       Duration `yaml:"queue_max_wait"`
	QueueCapacity      int      `yaml:"queue_capacity"`

	OracleURL     string   `yaml:"oracle_url"`
	OracleTimeout Duration `yaml:"oracle_timeout"`

	BackendTimeout Duration `yaml:"backend_timeout"`

	PrefixMaxKeyChars  int      `yaml:"prefix_max_key_chars"`
	PrefixBlockSize    int      `yaml:"prefix_block_size"`
	AffinityEntryTTL   Duration `yaml:"affinity_entry_ttl"`
	CompactionInterval Duration `yaml:"compaction_interval"`
}

// ValidStrategies is the set of recognized routing strategy names.
// Shared by Validate() and NewRoutingPolicy() to avoid duplication.
var ValidStrategies = map[string]bool{
	"":                 true,
	"round-robin":      true,
	"session-affinity": true,
	"prefix-affinity":  true,
	"cache-affinity":   true,
	"disaggregated":    true,
}

// ValidRoles is the set of recognized endpoint role labels.
var ValidRoles = map[string]bool{"": true, "prefill": true, "decode": true}

// DefaultConfig returns the configuration used when neither file nor flags
// set a value.
func DefaultConfig() RouterConfig {
	return RouterConfig{
		ListenAddr: ":8080",
		Strategy:   "round-robin",

		SessionHeader:    "X-Session-Id",
		SessionBodyField: "session_id",
		SessionTTL:       Duration(30 * time.Minute),
		PriorityHeader:   "X-Request-Priority",

		WatchBackoffMax: Duration(30 * time.Second),

		HealthProbePath:        "/health",
		HealthProbeInterval:    Duration(15 * time.Second),
		HealthFailureThreshold: 3,

		MetricsPath:      "/metrics",
		StatsInterval:    Duration(10 * time.Second),
		StatsTimeout:     Duration(5 * time.Second),
		StatsStaleFactor: 3,
		RequestWindow:    Duration(60 * time.Second),
		RequestWindowMax: 1024,

		MaxRunningRequests: 64,
		MaxCacheUtil:       0.95,
		QueueMaxWait:       Duration(10 * time.Second),
		QueueCapacity:      256,

		OracleTimeout: Duration(500 * time.Millisecond),

		BackendTimeout: Duration(120 * time.Second),

		PrefixMaxKeyChars:  1024,
		PrefixBlockSize:    64,
		AffinityEntryTTL:   Duration(30 * time.Minute),
		CompactionInterval: Duration(5 * time.Minute),
	}
}

// LoadConfig reads and parses a YAML router configuration file on top of
// the defaults.
func LoadConfig(path string) (RouterConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading router config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing router config: %w", err)
	}
	return cfg, nil
}

// Validate checks strategy names, role labels and parameter ranges.
func (c *RouterConfig) Validate() error {
	if !ValidStrategies[c.Strategy] {
		return fmt.Errorf("unknown routing strategy %q", c.Strategy)
	}
	if len(c.StaticEndpoints) == 0 && c.WatchURL == "" {
		return fmt.Errorf("no endpoint source: set static_endpoints or watch_url")
	}
	for _, ep := range c.StaticEndpoints {
		if ep.URL == "" {
			return fmt.Errorf("static endpoint with empty url")
		}
		if !ValidRoles[ep.Role] {
			return fmt.Errorf("unknown endpoint role %q for %s", ep.Role, ep.URL)
		}
	}
	if c.Strategy == "cache-affinity" && c.OracleURL == "" {
		return fmt.Errorf("cache-affinity strategy requires oracle_url")
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("stats_interval must be positive, got %s", c.StatsInterval.Std())
	}
	if c.StatsStaleFactor < 1 {
		return fmt.Errorf("stats_stale_factor must be >= 1, got %d", c.StatsStaleFactor)
	}
	if c.MaxRunningRequests < 1 {
		return fmt.Errorf("max_running_requests must be >= 1, got %d", c.MaxRunningRequests)
	}
	if c.MaxCacheUtil <= 0 || c.MaxCacheUtil > 1 {
		return fmt.Errorf("max_cache_util must be in (0, 1], got %v", c.MaxCacheUtil)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be >= 1, got %d", c.QueueCapacity)
	}
	if c.QueueMaxWait <= 0 {
		return fmt.Errorf("queue_max_wait must be positive, got %s", c.QueueMaxWait.Std())
	}
	if c.PrefixBlockSize < 1 {
		return fmt.Errorf("prefix_block_size must be >= 1, got %d", c.PrefixBlockSize)
	}
	return nil
}
