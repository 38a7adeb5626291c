package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"shelfwatch/pkg/monitor"
)

var watchTrackPrice bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll one product until it is in stock",
	Long: `Polls the configured product's in-store availability with a single
request in flight at a time. The loop runs until the product is found, a
terminal failure occurs, the failure budget runs out, or the process is
interrupted. Exit code is 0 for a find or a graceful interrupt, 1 otherwise.`,
	Example: `  # Watch using shelfwatch.yaml in the current directory
  shelfwatch watch

  # Watch with a specific config and price tracking
  shelfwatch watch --config /etc/shelfwatch.yaml --track-price`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, pool, d, err := setup()
		if err != nil {
			return err
		}

		loop, err := monitor.New(monitor.Config{
			TCIN:        cfg.Product.TCIN,
			StoreID:     cfg.Product.StoreID,
			Zip:         cfg.Product.Zip,
			State:       cfg.Product.State,
			Latitude:    cfg.Product.Latitude,
			Longitude:   cfg.Product.Longitude,
			APIKey:      cfg.API.Key,
			Interval:    cfg.Monitor.Interval.Duration(),
			MaxAttempts: cfg.Monitor.MaxAttempts,
			RotateEvery: cfg.Identity.RotateEvery,
			TrackPrice:  cfg.Monitor.TrackPrice || watchTrackPrice,
			Pool:        pool,
			Dispatcher:  d,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info().
			Str("tcin", cfg.Product.TCIN).
			Str("store_id", cfg.Product.StoreID).
			Dur("interval", cfg.Monitor.Interval.Duration()).
			Msg("Starting watch")

		res := loop.Run(ctx)

		switch res.Reason {
		case monitor.ReasonFound:
			snap := res.Snapshot
			log.Info().
				Float64("quantity", snap.Quantity).
				Str("location", snap.LocationName).
				Str("price", snap.FormattedPrice).
				Int("attempts", res.Attempts).
				Msg("In stock")
			fmt.Printf("%s in stock at %s: %g available\n", snap.TCIN, snap.LocationName, snap.Quantity)
			if snap.FormattedPrice != "" && snap.CurrentRetail > 0 {
				fmt.Printf("%s at %s\n", snap.Title, snap.FormattedPrice)
			}
			return nil

		case monitor.ReasonCancelled:
			log.Info().Int("attempts", res.Attempts).Msg("Watch interrupted")
			return nil

		default:
			return fmt.Errorf("watch ended (%s) after %d attempts: %w", res.Reason, res.Attempts, res.Err)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchTrackPrice, "track-price", false, "also fetch pricing when the product is found")
}
