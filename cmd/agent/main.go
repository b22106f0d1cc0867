package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/0xA1M/dashpro/internal/common"
	"github.com/0xA1M/dashpro/internal/config"
	"github.com/0xA1M/dashpro/internal/exporter"
	"github.com/0xA1M/dashpro/internal/identity"
	"github.com/0xA1M/dashpro/internal/logging"
	"github.com/0xA1M/dashpro/internal/monitor"
	"github.com/0xA1M/dashpro/internal/scanner"
	"github.com/0xA1M/dashpro/internal/scheduler"
	"github.com/0xA1M/dashpro/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "agent",
		Short:        "DashPro endpoint agent: heartbeats, download watcher and threat alerts",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to the agent config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	idCmd := &cobra.Command{
		Use:   "id",
		Short: "Print this device's identity, creating it if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(configPath)
			if err != nil {
				return err
			}
			id, err := identity.LoadOrCreate(cfg.IdentityPath())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	scanCmd := &cobra.Command{
		Use:   "scan <file>...",
		Short: "Classify files with the configured scanner and print the outcome",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(configPath)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Settings.LogLevel)
			defer func() { _ = log.Sync() }()

			delegate := buildDelegate(cfg, log)
			for _, path := range args {
				v := scanner.Classify(cmd.Context(), delegate, path, cfg.Watcher.ScanTimeout)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", path, v.Outcome, v.Detail)
			}
			return nil
		},
	}

	root.AddCommand(runCmd, idCmd, scanCmd)
	return root
}

func run(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logging.New(cfg.Settings.LogLevel)
	defer func() { _ = log.Sync() }()

	if cfg.Created {
		log.Info("Wrote default configuration", zap.String("path", cfg.Path()))
	}
	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration", zap.String("path", cfg.Path()), zap.Error(err))
		return err
	}

	deviceID := identity.Resolve(cfg.IdentityPath(), log)
	log = log.With(zap.String("device_id", deviceID))

	exp := exporter.NewHTTPExporter(exporter.Config{
		ServerURL: cfg.BaseURL(),
		AuthToken: cfg.Server.AuthToken,
		Timeout:   cfg.Settings.DeliveryTimeout,
	}, log.Named("exporter"))
	defer exp.Close()

	if err := exp.HealthCheck(ctx); err != nil {
		log.Warn("Collector not reachable yet", zap.String("url", cfg.BaseURL()), zap.Error(err))
	}

	reporter := telemetry.NewReporter(deviceID, telemetry.NewSystemProvider(), exp, log.Named("telemetry"))
	go reporter.TrackFlags(ctx)

	alerts := common.NewAlertClient(exp, log.Named("alerts"))
	alerts.NotifyDelivered(reporter.Flags())

	jobs := scheduler.NewInMemoryScheduler(log.Named("scheduler"))
	if _, err := jobs.ScheduleFunc("heartbeat", scheduler.Every(cfg.Interval()), reporter.Report, scheduler.RunOnStart()); err != nil {
		return err
	}
	if err := jobs.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = jobs.Stop() }()

	watchDir := cfg.WatchDirectory()
	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		log.Error("Cannot create watch directory", zap.String("directory", watchDir), zap.Error(err))
		return err
	}

	watcher, err := monitor.NewWatcher(monitor.Config{
		Directory:      watchDir,
		ScanTimeout:    cfg.Watcher.ScanTimeout,
		SettleInterval: cfg.Watcher.SettleInterval,
		QueueSize:      cfg.Watcher.QueueSize,
	}, buildDelegate(cfg, log), monitor.ThreatEscalator(alerts, deviceID), log.Named("watcher"))
	if err != nil {
		return err
	}

	log.Info("Agent started",
		zap.String("collector", cfg.BaseURL()),
		zap.Duration("interval", cfg.Interval()),
		zap.String("scanner", cfg.Scanner.Kind))

	if err := watcher.Run(ctx); err != nil {
		log.Error("Directory watcher failed", zap.Error(err))
		return err
	}

	delivered, failed := alerts.Stats()
	sent, missed := reporter.Stats()
	log.Info("Agent stopped",
		zap.Int64("alerts_delivered", delivered),
		zap.Int64("alerts_failed", failed),
		zap.Int64("heartbeats_sent", sent),
		zap.Int64("heartbeats_failed", missed))
	return nil
}

// buildDelegate never fails: a scanner that cannot be set up is replaced by
// one that reports every file as scan-unavailable.
func buildDelegate(cfg *config.Agent, log *zap.Logger) scanner.Delegate {
	d, err := scanner.New(scanner.Options{
		Kind:                cfg.Scanner.Kind,
		Command:             cfg.Scanner.Command,
		Args:                cfg.Scanner.Args,
		VTAPIKey:            cfg.Scanner.VTAPIKey,
		VTBaseURL:           cfg.Scanner.VTBaseURL,
		VTRequestsPerMinute: cfg.Scanner.VTRequestsPerMinute,
		YaraRulesDir:        cfg.Scanner.YaraRulesDir,
	})
	if err != nil {
		log.Warn("Scanner unavailable, files will not be classified", zap.String("kind", cfg.Scanner.Kind), zap.Error(err))
		return scanner.Unavailable{Reason: err.Error()}
	}
	return d
}
