package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"strategy-engine/internal/api"
	"strategy-engine/internal/events"
	"strategy-engine/internal/gateway"
	"strategy-engine/internal/journal"
	"strategy-engine/internal/lifecycle"
	"strategy-engine/internal/market"
	"strategy-engine/internal/monitor"
	"strategy-engine/internal/store"
	"strategy-engine/internal/strategy"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every active strategy until interrupted",
		Long: `Starts one run-loop per strategy in Paper, Live or Auto mode, serves the control API
and follows configuration changes. SIGINT or SIGTERM stops every loop before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			noAPI, _ := cmd.Flags().GetBool("no-api")
			return a.run(cmd.Context(), !noAPI)
		},
	}
	cmd.Flags().Bool("no-api", false, "Do not start the control API")
	return cmd
}

func (a *app) run(parent context.Context, serveAPI bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger := a.cfg, a.logger
	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	snapshots := []market.SnapshotSource{market.NewFileSnapshot(cfg.FallbackOHLCVPath)}
	var sink market.SnapshotSink
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, shared bar snapshots disabled")
		} else {
			shared := market.NewRedisSnapshot(rdb, cfg.RedisSnapshotTTL)
			snapshots = append([]market.SnapshotSource{shared}, snapshots...)
			sink = shared
		}
	}

	bus := events.NewBus()
	j := journal.New(cfg.ResultsDir, cfg.Location(), logger)
	pool := gateway.NewPool(st, gateway.DefaultFactory, gateway.Config{
		Alternates:     cfg.AlternateVenues,
		Snapshots:      snapshots,
		Sink:           sink,
		AttemptTimeout: cfg.FetchTimeout,
	}, logger)
	manager := lifecycle.NewManager(st, pool, strategy.NewRegistry(), j, bus, logger, lifecycle.Options{
		PollInterval:  cfg.PollInterval,
		FetchTimeout:  cfg.FetchTimeout,
		MaxClockDrift: cfg.MaxClockDrift,
		BarLimit:      cfg.BarLimit,
		Location:      cfg.Location(),
	})

	metrics := monitor.NewSystemMetrics(pool.Stats)
	(&monitor.Monitor{
		Bus:     bus,
		Metrics: metrics,
		Sink:    monitor.LogSink{Logger: logger.With().Str("component", "Monitor").Logger()},
		Logger:  logger,
	}).Start(ctx)

	if err := manager.Reconcile(ctx); err != nil {
		logger.Error().Err(err).Msg("initial reconcile incomplete")
	}

	if fs, ok := st.(*store.FileStore); ok && cfg.WatchConfig {
		err := store.Watch(ctx, fs.StrategiesPath(), 500*time.Millisecond, logger, func() {
			if err := manager.Reconcile(ctx); err != nil && !errors.Is(err, lifecycle.ErrShutdown) {
				logger.Error().Err(err).Msg("reconcile after config change failed")
			}
		})
		if err != nil {
			logger.Warn().Err(err).Msg("config watcher disabled")
		}
	}

	apiErr := make(chan error, 1)
	if serveAPI && cfg.APIAddr != "" {
		if cfg.JWTSecret == "" {
			logger.Warn().Msg("JWT_SECRET is empty, control API runs without authentication")
		}
		srv := api.NewServer(bus, manager, st, j, metrics, cfg.JWTSecret, a.version, logger)
		go func() { apiErr <- srv.Run(ctx, cfg.APIAddr) }()
	}

	logger.Info().Int("tasks", len(manager.Status())).Msg("strategy engine started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("control API: %w", err)
			logger.Error().Err(err).Msg("control API stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.ShutdownAll(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	return runErr
}
