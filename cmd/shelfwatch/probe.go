package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"shelfwatch/pkg/dispatch"
	"shelfwatch/pkg/identity"
	"shelfwatch/pkg/monitor"
	"shelfwatch/pkg/throughput"
)

var probeBudget int

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe the sustainable request rate",
	Long: `Spends a bounded request budget discovering how fast the remote API
can be polled before it pushes back. Concurrency grows while batches come
back clean, halves on rate-limit or block signals, and settles into a
steady state. The probe ends with a recommended pacing for watch mode.`,
	Example: `  # Probe with the configured budget
  shelfwatch probe

  # Probe with an explicit 200-request budget
  shelfwatch probe --budget 200`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, pool, d, err := setup()
		if err != nil {
			return err
		}

		total := cfg.Probe.TotalRequests
		if probeBudget > 0 {
			total = probeBudget
		}

		monCfg := monitor.Config{
			TCIN:      cfg.Product.TCIN,
			StoreID:   cfg.Product.StoreID,
			Zip:       cfg.Product.Zip,
			State:     cfg.Product.State,
			Latitude:  cfg.Product.Latitude,
			Longitude: cfg.Product.Longitude,
			APIKey:    cfg.API.Key,
		}

		ctrl, err := throughput.New(throughput.Config{
			Pool:       pool,
			Dispatcher: d,
			NewDescriptor: func(id identity.Identity) dispatch.Descriptor {
				return monitor.StockDescriptor(monCfg, id.SessionToken)
			},
			ShapeCheck:     monitor.StockShapeCheck(cfg.Product.StoreID),
			TotalRequests:  total,
			BatchSize:      cfg.Probe.BatchSize,
			MaxConcurrency: cfg.Probe.MaxConcurrency,
			InitialPacing:  cfg.Probe.InitialPacing.Duration(),
			RotateEvery:    cfg.Identity.RotateEvery,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info().
			Int("budget", total).
			Int("batch_size", cfg.Probe.BatchSize).
			Int("max_concurrency", cfg.Probe.MaxConcurrency).
			Msg("Starting probe")

		report, err := ctrl.Run(ctx)
		if err != nil {
			return err
		}

		log.Info().
			Int("dispatched", report.Dispatched).
			Int("batches", report.Batches).
			Float64("success_ratio", report.SuccessRatio).
			Dur("recommended_pacing", report.RecommendedPacing).
			Bool("cancelled", report.Cancelled).
			Msg("Probe finished")

		fmt.Printf("Dispatched %d requests in %d batches over %s\n",
			report.Dispatched, report.Batches, report.Duration.Round(time.Millisecond))
		fmt.Printf("  success: %d  rate-limited: %d  blocked: %d  transient: %d  fatal: %d\n",
			report.Totals.Success, report.Totals.RateLimited, report.Totals.Blocked,
			report.Totals.Transient, report.Totals.Fatal)
		fmt.Printf("  recommended pacing: %s (%.2f req/s)\n", report.RecommendedPacing, report.RecommendedRate)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().IntVar(&probeBudget, "budget", 0, "total request budget for the probe (overrides config)")
}
