package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vllm-project/production-stack-sub002/router"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect router configuration",
}

// --- llm-router config show ---

var showConfigPath string

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long:  "Resolve the defaults plus the optional --config file and print the result to stdout for piping.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadEffectiveConfig(showConfigPath)
		if err != nil {
			logrus.Fatalf("Unable to load config: %v", err)
		}
		writeConfigToStdout(cfg)
	},
}

// --- llm-router config check ---

var checkConfigPath string

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := router.LoadConfig(checkConfigPath)
		if err != nil {
			logrus.Fatalf("Unable to load config: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		fmt.Println("configuration OK")
	},
}

// writeConfigToStdout marshals a RouterConfig to YAML and writes to stdout.
func writeConfigToStdout(cfg router.RouterConfig) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		logrus.Fatalf("YAML marshal failed: %v", err)
	}
	fmt.Print(string(data))
}

func init() {
	configShowCmd.Flags().StringVar(&showConfigPath, "config", "", "Path to a YAML router config file")

	configCheckCmd.Flags().StringVar(&checkConfigPath, "config", "", "Path to a YAML router config file")
	_ = configCheckCmd.MarkFlagRequired("config")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configCheckCmd)

	rootCmd.AddCommand(configCmd)
}
