package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/scribe/internal/config"
	"github.com/felixgeelhaar/scribe/internal/log"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "The Scribe editor plugin runtime",
	Long: `Scribe manages the plugin runtime of the Scribe block editor:
it validates plugin manifests, inspects dependency load order and runs a
demo host with a live health dashboard.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "scribe.toml", "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(demoCmd)
}

// loadConfig reads the runtime config and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if verbose {
		level = "DEBUG"
	}
	log.Setup(os.Stderr, level)
	// Fingerprint fails when the config file is absent and defaults are in
	// effect; there is nothing to report then.
	if fp, err := config.Fingerprint(cfgFile); err == nil {
		log.WithComponent("config").Info("configuration loaded",
			"file", cfgFile, "fingerprint", fp)
	}
	return cfg, nil
}
