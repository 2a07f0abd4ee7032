// Command homegate is the MQTT home-automation gateway.
//
// It connects to the broker, tracks every device and entity that reports
// state, keeps liveness, and runs automations that publish commands back.
//
//	homegate serve                   run the gateway
//	homegate sweep                   one-shot liveness sweep
//	homegate prune-history           delete old state history
//	homegate check-automations FILE  validate a rules file
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv overrides the default config path when --config is not given.
const configEnv = "HOMEGATE_CONFIG"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "homegate",
	Short:         "MQTT home-automation gateway",
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (default $"+configEnv+" or "+defaultConfigPath+")")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getConfigPath returns the configuration file path: the --config flag,
// then HOMEGATE_CONFIG, then the default.
func getConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}
