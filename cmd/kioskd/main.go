// Command kioskd is the locker-kiosk daemon: it owns the RS-485 bus, the
// locker state machine, and the durable command queue, and runs the
// cooperative background tasks spec §5 describes until told to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lockerkiosk/core/internal/bus"
	"github.com/lockerkiosk/core/internal/command"
	"github.com/lockerkiosk/core/internal/config"
	"github.com/lockerkiosk/core/internal/events"
	"github.com/lockerkiosk/core/internal/locker"
	"github.com/lockerkiosk/core/internal/logging"
	"github.com/lockerkiosk/core/internal/storekv"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "kioskd",
		Short: "Locker kiosk relay control daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", config.DefaultPath(), "path to kioskd YAML config")
	return root
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("kioskd: %w", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger = logger.With("kiosk_id", cfg.KioskID)
	slog.SetDefault(logger)

	db, err := storekv.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("kioskd: open store: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	sink := newLoggingSink(logger)

	cards := make([]bus.RelayCard, 0, len(cfg.RelayCards))
	for _, c := range cfg.RelayCards {
		cards = append(cards, bus.RelayCard{SlaveAddress: c.SlaveAddress, ChannelCount: c.ChannelCount})
	}
	busCfg := bus.DefaultConfig()
	busCfg.KioskID = cfg.KioskID
	busCfg.Device = cfg.Serial.Device
	busCfg.Baud = cfg.Serial.Baud
	busCfg.Parity = cfg.Serial.Parity
	busCfg.StopBits = cfg.Serial.StopBits
	busCfg.RelayCards = cards
	busCfg.OpenPulse = config.DurationMS(cfg.Timing.OpenPulseMS)
	busCfg.OpenBurstWindow = time.Duration(cfg.Timing.OpenBurstSeconds) * time.Second
	busCfg.OpenBurstInterval = config.DurationMS(cfg.Timing.OpenBurstIntervalMS)
	busCfg.CommandInterval = config.DurationMS(cfg.Timing.CommandIntervalMS)
	busCfg.FrameTimeout = config.DurationMS(cfg.Timing.TimeoutMS)
	busCfg.MaxRetries = cfg.Timing.MaxRetries
	busCfg.ConnectionRetryAttempts = cfg.Timing.ConnectionRetryAttempts
	busCfg.HealthCheckInterval = config.DurationMS(cfg.Timing.HealthCheckIntervalMS)
	busCfg.UseMultipleCoils = cfg.Timing.UseMultipleCoils
	busCfg.VerifyWrites = cfg.Timing.VerifyWrites

	controller, err := bus.New(busCfg, bus.WithEventSink(sink), bus.WithMetricsRegisterer(reg))
	if err != nil {
		return fmt.Errorf("kioskd: build bus controller: %w", err)
	}

	lockers := locker.NewStore(db, locker.WithEventSink(sink))
	queue := command.NewQueue(db, command.WithEventSink(sink))
	executor := command.NewExecutor(cfg.KioskID, queue, lockers, controller)
	executor.Sink = sink
	executor.MaxRetries = cfg.Timing.MaxRetries
	executor.BulkInterval = config.DurationMS(cfg.Timing.BulkIntervalMS)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return connectLoop(gctx, controller, logger) })
	g.Go(func() error {
		<-gctx.Done()
		return controller.Stop()
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, reg, cfg.Metrics.Port, logger) })
	}

	g.Go(func() error { return executor.Run(gctx) })

	g.Go(func() error {
		return reservationJanitor(gctx, lockers, cfg.KioskID, time.Duration(cfg.Timing.ReserveTTLSeconds)*time.Second, logger)
	})

	logger.Info("kioskd started", "device", cfg.Serial.Device, "relay_cards", len(cfg.RelayCards))
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	logger.Info("kioskd stopped")
	return nil
}

// connectLoop is the auto-reconnect cooperative task named in SPEC_FULL
// §11: it keeps retrying Controller.Start until the initial connect
// succeeds (the Bus Controller's own healthLoop takes over reconnection
// from there), so a kiosk booted before its USB-serial adapter is ready
// doesn't exit.
func connectLoop(ctx context.Context, controller *bus.Controller, logger *slog.Logger) error {
	backoffDelay := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := controller.Start(ctx)
		if err == nil {
			return nil
		}
		logger.Warn("bus controller connect attempt failed", "error", err, "retry_in", backoffDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoffDelay):
		}
		if backoffDelay < maxBackoff {
			backoffDelay *= 2
			if backoffDelay > maxBackoff {
				backoffDelay = maxBackoff
			}
		}
	}
}

// reservationJanitor implements spec §4.2's periodic TTL sweep as one of the
// errgroup-supervised cooperative tasks named in spec §5.
func reservationJanitor(ctx context.Context, lockers *locker.Store, kioskID string, ttl time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := lockers.ExpireStaleReservations(kioskID, time.Now(), ttl)
			if err != nil {
				logger.Warn("reservation janitor sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired stale reservations", "count", n)
			}
		}
	}
}

func serveMetrics(ctx context.Context, reg *prometheus.Registry, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited", "error", err)
			return err
		}
		return nil
	}
}

// loggingSink adapts internal/logging to the events.Sink interface (spec
// §10.1: typed events are the values logged, not a separate concern).
type loggingSink struct {
	logger *slog.Logger
}

func newLoggingSink(logger *slog.Logger) *loggingSink {
	return &loggingSink{logger: logger}
}

func (s *loggingSink) Emit(e events.Event) {
	attrs := []any{"event_type", string(e.Type), "kiosk_id", e.KioskID}
	if e.LockerID != 0 {
		attrs = append(attrs, "locker_id", e.LockerID)
	}
	if e.Actor != "" {
		attrs = append(attrs, "actor", e.Actor)
	}
	for k, v := range e.Details {
		attrs = append(attrs, k, v)
	}
	s.logger.Info("event", attrs...)
}
