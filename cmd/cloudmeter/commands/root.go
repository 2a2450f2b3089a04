// Package commands implements the cloudmeter CLI.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meterwise/cloudmeter/pkg/config"
	"github.com/meterwise/cloudmeter/pkg/version"
)

var (
	cfgFile  string
	flagMock bool
)

var rootCmd = &cobra.Command{
	Use:     "cloudmeter",
	Short:   "Multi-cloud RHEL and OpenShift usage metering engine",
	Version: version.Current,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.cloudmeter.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagMock, "mock", false, "run on in-memory stores and queues")
	rootCmd.PersistentFlags().MarkHidden("mock")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recalcCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the config file and applies flag overrides.
func loadConfig() (config.Config, error) {
	path := cfgFile
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".cloudmeter.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if flagMock {
		cfg.MockMode = true
	}
	return cfg, nil
}
