package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pulsehub-systems/pulsehub-core/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pulsehub",
	Short: "PulseHub adaptive sensor fan-out core",
	Long: `pulsehub runs the adaptive sensor measurement core: per-sensor
ingestion actors, the tiered attribute store, the attention tracker,
the system load monitor and per-viewer lens buffering.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./pulsehub.yaml)")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load config: %v\n", err)
		cfg = config.Default()
	}
}
