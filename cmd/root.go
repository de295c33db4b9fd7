package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vllm-project/production-stack-sub002/router"
)

var (
	// CLI flags for router configs
	configPath     string // Path to a YAML router config file
	listenAddr     string // Listen address override
	strategy       string // Routing strategy override
	logLevel       string // Log verbosity level
	watchURL       string // Discovery feed URL override

	// CLI flags for static service discovery
	staticBackends string // Comma-separated backend URLs
	staticModels   string // Comma-separated model names, paired with --static-backends by position
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "llm-router",
	Short: "Request router for stateful LLM inference backends",
}

// serveCmd starts the router using the config file plus CLI overrides
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the routing server",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := loadEffectiveConfig(configPath)
		if err != nil {
			logrus.Fatalf("Unable to load config: %v", err)
		}
		applyOverrides(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}

		if err := serve(cfg); err != nil {
			logrus.Fatalf("Router exited: %v", err)
		}
	},
}

// loadEffectiveConfig resolves the defaults plus the optional config file.
func loadEffectiveConfig(path string) (router.RouterConfig, error) {
	if path == "" {
		return router.DefaultConfig(), nil
	}
	return router.LoadConfig(path)
}

// applyOverrides layers explicitly set CLI flags over the loaded config.
func applyOverrides(cmd *cobra.Command, cfg *router.RouterConfig) {
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	if cmd.Flags().Changed("strategy") {
		cfg.Strategy = strategy
	}
	if cmd.Flags().Changed("watch-url") {
		cfg.WatchURL = watchURL
	}
	if cmd.Flags().Changed("static-backends") {
		urls := strings.Split(staticBackends, ",")
		models := make([]string, len(urls))
		if staticModels != "" {
			for i, m := range strings.Split(staticModels, ",") {
				if i < len(models) {
					models[i] = strings.TrimSpace(m)
				}
			}
		}
		cfg.StaticEndpoints = nil
		for i, u := range urls {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			ep := router.StaticEndpoint{URL: u}
			if models[i] != "" {
				ep.Models = []string{models[i]}
			}
			cfg.StaticEndpoints = append(cfg.StaticEndpoints, ep)
		}
	}
}

// serve wires the router components together and blocks until shutdown.
func serve(cfg router.RouterConfig) error {
	registry, err := router.NewRegistry(cfg)
	if err != nil {
		return err
	}
	collector := router.NewCollector(cfg)
	collector.Watch(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := router.StrategyDeps{Stats: collector, Config: cfg}
	if cfg.Strategy == "prefix-affinity" {
		deps.Affinity = router.NewAffinityIndex(cfg.PrefixMaxKeyChars, cfg.AffinityEntryTTL.Std())
		go deps.Affinity.RunCompaction(ctx, cfg.CompactionInterval.Std(), func() map[string]struct{} {
			live := make(map[string]struct{})
			for _, ep := range registry.List("") {
				live[ep.URL] = struct{}{}
			}
			return live
		})
	}
	if cfg.Strategy == "cache-affinity" {
		deps.Oracle = router.NewOracleClient(cfg)
	}
	policy := router.NewRoutingPolicy(cfg.Strategy, deps)

	queue := router.NewQueueManager(cfg, collector, policy, registry)
	dispatcher := router.NewDispatcher(cfg, collector)
	srv := router.NewServer(cfg, registry, policy, queue, dispatcher)

	err = srv.Run(ctx)

	// Shutdown order: server first so no new work arrives, then the queue,
	// then the background pollers, then discovery.
	if cerr := queue.Close(); cerr != nil {
		logrus.Warnf("Queue close: %v", cerr)
	}
	if sa, ok := policy.(*router.SessionAffinity); ok {
		sa.Close()
	}
	if cerr := collector.Close(); cerr != nil {
		logrus.Warnf("Collector close: %v", cerr)
	}
	if cerr := registry.Close(); cerr != nil {
		logrus.Warnf("Registry close: %v", cerr)
	}
	return err
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML router config file")
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "Address the router listens on")
	serveCmd.Flags().StringVar(&strategy, "strategy", "round-robin", "Routing strategy (round-robin, session-affinity, prefix-affinity, cache-affinity, disaggregated)")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	// Service discovery
	serveCmd.Flags().StringVar(&staticBackends, "static-backends", "", "Comma-separated backend URLs")
	serveCmd.Flags().StringVar(&staticModels, "static-models", "", "Comma-separated model names, one per backend")
	serveCmd.Flags().StringVar(&watchURL, "watch-url", "", "Membership event feed URL for dynamic discovery")

	// Attach `serve` as a subcommand to `root`
	rootCmd.AddCommand(serveCmd)
}
