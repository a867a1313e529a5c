package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsehub-systems/pulsehub-core/internal/seeder"
)

var (
	seedSensors  int
	seedViewers  int
	seedDuration time.Duration
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Run a fake sensor fleet against an embedded stack",
	Long: `seed boots the full core with the in-process bus and cache, then
drives it with a simulated fleet: imu vectors, geolocation fixes, battery
reports and random button bursts. Useful for load characterization and for
watching the admin API under traffic.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSeed()
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedSensors, "sensors", 5, "fleet size")
	seedCmd.Flags().IntVar(&seedViewers, "viewers", 2, "fake viewers registered across the fleet")
	seedCmd.Flags().DurationVar(&seedDuration, "duration", 0, "stop after this long (0 = until interrupted)")
	rootCmd.AddCommand(seedCmd)
}

func runSeed() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if seedDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, seedDuration)
		defer cancel()
	}

	c, err := buildCore(true)
	if err != nil {
		return err
	}
	defer c.stop()

	if err := c.start(ctx); err != nil {
		return err
	}

	opts := seeder.DefaultOptions()
	opts.Sensors = seedSensors
	opts.Viewers = seedViewers

	r := seeder.NewRunner(opts, c.manager, c.tracker, c.log)
	r.Run(ctx)
	return nil
}
