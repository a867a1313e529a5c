package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"

	"github.com/pulsehub-systems/pulsehub-core/internal/attention"
	"github.com/pulsehub-systems/pulsehub-core/internal/lens"
	"github.com/pulsehub-systems/pulsehub-core/internal/load"
	"github.com/pulsehub-systems/pulsehub-core/internal/logging"
	"github.com/pulsehub-systems/pulsehub-core/internal/messaging"
	"github.com/pulsehub-systems/pulsehub-core/internal/messaging/membus"
	natsclient "github.com/pulsehub-systems/pulsehub-core/internal/messaging/nats"
	"github.com/pulsehub-systems/pulsehub-core/internal/sensor"
	"github.com/pulsehub-systems/pulsehub-core/internal/server"
	"github.com/pulsehub-systems/pulsehub-core/internal/store"
)

var embeddedBus bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pulsehub core",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&embeddedBus, "embedded-bus", false,
		"use the in-process bus and cache instead of NATS and Redis")
	rootCmd.AddCommand(serveCmd)
}

// core is the fully wired pulsehub stack.
type core struct {
	log     *logging.Logger
	broker  messaging.Client
	store   *store.Tiered
	tracker *attention.Tracker
	monitor *load.Monitor
	manager *sensor.Manager
	lenses  *lens.Registry
	cleanup []func()
}

// buildCore wires every component from the loaded config. Embedded mode
// swaps NATS for the in-process bus and Redis for an in-process store so the
// whole stack runs in one binary.
func buildCore(embedded bool) (*core, error) {
	log := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(log)

	c := &core{log: log}

	if embedded || cfg.NATS.Embedded {
		c.broker = membus.New()
	} else {
		client, err := natsclient.NewClient(natsclient.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Timeout:       cfg.NATS.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connect broker: %w", err)
		}
		c.broker = client
	}
	c.cleanup = append(c.cleanup, func() { c.broker.Drain() })

	var cache attention.LevelCache
	switch {
	case embedded || !cfg.Redis.Enabled:
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start embedded cache: %w", err)
		}
		c.cleanup = append(c.cleanup, mr.Close)
		rc, err := attention.NewRedisCacheFromURL("redis://" + mr.Addr())
		if err != nil {
			return nil, fmt.Errorf("embedded cache client: %w", err)
		}
		cache = rc
	default:
		rc, err := attention.NewRedisCacheFromURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		cache = rc
	}

	c.store = store.New(store.Limits{Hot: cfg.Store.HotLimit, Warm: cfg.Store.WarmLimit})
	c.tracker = attention.NewTracker(cfg.Attention, cache, c.broker, log)

	monitorOpts := []load.Option{}
	if pr, ok := c.broker.(messaging.PressureReporter); ok {
		monitorOpts = append(monitorOpts, load.WithPubSubPressure(pr.Pressure))
	}

	c.manager = sensor.NewManager(sensor.ManagerOptions{
		Store:       c.store,
		Attention:   c.tracker,
		Publisher:   c.broker,
		Logger:      log,
		MailboxSize: cfg.Sensor.MailboxSize,
	})
	monitorOpts = append(monitorOpts, load.WithQueuePressure(c.manager.QueuePressure))

	c.monitor = load.NewMonitor(cfg.Load, c.broker, log, monitorOpts...)
	c.lenses = lens.NewRegistry(cfg.Lens, c.broker, c.broker, c.monitor, log)

	return c, nil
}

// start launches the background loops and bus subscriptions.
func (c *core) start(ctx context.Context) error {
	c.manager.Start(ctx)

	loadSub, err := c.manager.SubscribeLoad(c.broker)
	if err != nil {
		return fmt.Errorf("subscribe manager to load: %w", err)
	}
	c.cleanup = append(c.cleanup, func() { loadSub.Unsubscribe() })

	lensSub, err := c.lenses.SubscribeLoad(c.broker)
	if err != nil {
		return fmt.Errorf("subscribe lens to load: %w", err)
	}
	c.cleanup = append(c.cleanup, func() { lensSub.Unsubscribe() })

	go c.monitor.Start(ctx)
	go c.tracker.Start(ctx)
	return nil
}

// stop tears the stack down in reverse wiring order.
func (c *core) stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.lenses.Close(shutdownCtx)
	c.manager.Stop(shutdownCtx)
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		c.cleanup[i]()
	}
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(embeddedBus)
	if err != nil {
		return err
	}
	defer c.stop()

	if err := c.start(ctx); err != nil {
		return err
	}

	h := server.New(c.manager, c.store, c.monitor, c.tracker, c.lenses, c.log)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(h),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		c.log.Info("admin server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		c.log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.log.Warn("graceful shutdown failed", logging.Err(err))
	}
	return nil
}
