package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xA1M/dashpro/internal/api"
	utils "github.com/0xA1M/dashpro/internal/api/utils"
	"github.com/0xA1M/dashpro/internal/auth"
	"github.com/0xA1M/dashpro/internal/config"
	"github.com/0xA1M/dashpro/internal/db"
	"github.com/0xA1M/dashpro/internal/liveness"
	"github.com/0xA1M/dashpro/internal/logging"
	"github.com/0xA1M/dashpro/internal/metrics"
	"github.com/0xA1M/dashpro/internal/scheduler"
	"github.com/0xA1M/dashpro/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	shutdownTimeout   = 10 * time.Second
	limiterIdleExpiry = 10 * time.Minute
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "collector",
		Short:         "DashPro collector: device registry, ingest API and liveness monitor",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collector (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), envFile)
		},
	}

	var (
		subject string
		ttl     time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "viewer-token",
		Short: "Issue a read-only JWT for the dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCollector(envFile)
			if err != nil {
				return err
			}
			svc, err := auth.NewService(cfg.IngestToken, cfg.IngestTokenHash, cfg.JWTSecret)
			if err != nil {
				return err
			}
			token, err := svc.GenerateViewerToken(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "dashboard", "token subject")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	hashCmd := &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print a bcrypt hash suitable for INGEST_TOKEN_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	root.AddCommand(serveCmd, tokenCmd, hashCmd)
	return root
}

func serve(parent context.Context, envFile string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadCollector(envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	database, err := db.Connect(cfg.DB, log)
	if err != nil {
		log.Error("Failed to open device store", zap.Error(err))
		return err
	}
	defer func() {
		if err := db.Close(database); err != nil {
			log.Warn("Failed to close database", zap.Error(err))
		}
	}()

	location, _ := cfg.DisplayLocation()
	deviceStore := store.NewDeviceStore(database, log.Named("store"), store.Options{
		CreateOnUnknownAlert: cfg.AlertCreatesDevice,
		Location:             location,
	})

	authService, err := auth.NewService(cfg.IngestToken, cfg.IngestTokenHash, cfg.JWTSecret)
	if err != nil {
		log.Error("Failed to initialize auth", zap.Error(err))
		return err
	}
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET is not set; the dashboard read API will reject every request")
	}

	collectorMetrics := metrics.New()
	limiter := utils.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	monitor := liveness.NewMonitor(deviceStore, cfg.LivenessTimeout, log.Named("liveness"), collectorMetrics)

	jobs := scheduler.NewInMemoryScheduler(log.Named("scheduler"))
	if _, err := jobs.ScheduleFunc("liveness-sweep", scheduler.Every(cfg.SweepInterval), func(ctx context.Context) error {
		_, err := monitor.Sweep(ctx)
		return err
	}, scheduler.RunOnStart()); err != nil {
		return err
	}
	if _, err := jobs.ScheduleFunc("rate-limiter-cleanup", scheduler.Every(limiterIdleExpiry), func(context.Context) error {
		if n := limiter.Sweep(limiterIdleExpiry); n > 0 {
			log.Debug("Dropped idle rate limiters", zap.Int("count", n))
		}
		return nil
	}); err != nil {
		return err
	}

	router := api.Router(api.Deps{
		DB:       database,
		Store:    deviceStore,
		Auth:     authService,
		Limiter:  limiter,
		Recorder: collectorMetrics,
		Metrics:  collectorMetrics.Handler(),
		Log:      log.Named("http"),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if err := jobs.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = jobs.Stop() }()

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Collector listening",
			zap.String("addr", cfg.ListenAddr),
			zap.Duration("liveness_timeout", cfg.LivenessTimeout),
			zap.Duration("sweep_interval", cfg.SweepInterval),
			zap.Bool("alert_creates_device", cfg.AlertCreatesDevice))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err, ok := <-serverErr:
		if ok && err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
		log.Info("Shutting down collector")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
