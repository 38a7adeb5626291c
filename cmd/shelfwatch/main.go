// Command shelfwatch watches a single product's in-store availability and
// probes sustainable request throughput against the retailer's public
// catalog API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shelfwatch/internal/config"
	"shelfwatch/pkg/dispatch"
	"shelfwatch/pkg/identity"
	"shelfwatch/pkg/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "shelfwatch",
	Short:         "In-store stock monitor with adaptive request dispatch",
	Long:          `shelfwatch polls a retailer's public catalog API for a single product's in-store availability, rotating synthetic browser identities and adapting its request rate to the remote's pressure signals.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the shelfwatch version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shelfwatch %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "shelfwatch.yaml", "path to the YAML config file")
	rootCmd.AddCommand(versionCmd)
}

// setup loads the config file, configures logging, and wires the shared
// identity pool and dispatcher.
func setup() (*config.Config, *identity.Pool, *dispatch.Dispatcher, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
		File:   cfg.Log.File,
	})

	transport := dispatch.NewPlainTransport()
	if cfg.UseFingerprint() {
		transport = dispatch.NewFingerprintTransport()
	}

	d, err := dispatch.New(dispatch.Config{
		Transport: transport,
		Endpoints: map[dispatch.Kind]string{
			dispatch.KindStock: cfg.API.StockURL,
			dispatch.KindPrice: cfg.API.PriceURL,
		},
		Timeout: cfg.API.Timeout.Duration(),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, identity.NewPool(), d, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
