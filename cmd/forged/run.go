package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"Forged-Core/internal/api"
	"Forged-Core/internal/config"
	"Forged-Core/internal/journal"
	"Forged-Core/internal/observability/alerting"
	"Forged-Core/internal/observability/metrics"
	"Forged-Core/internal/storage/mysql"
	"Forged-Core/internal/storage/redis"
	"Forged-Core/internal/transport"
	"Forged-Core/pkg/descriptor"
	"Forged-Core/pkg/extension"
	"Forged-Core/pkg/host"
	"Forged-Core/pkg/integrity"
	"Forged-Core/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func newRunCommand() *cobra.Command {
	var noServe bool
	cmd := &cobra.Command{
		Use:   "run [location...]",
		Short: "Load extensions and serve the admin API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDaemon(cmd, cfg, args, !noServe)
		},
	}
	cmd.Flags().BoolVar(&noServe, "once", false, "load, dispatch start and stop, then exit without serving")
	return cmd
}

func runDaemon(cmd *cobra.Command, cfg *config.Config, locations []string, serve bool) error {
	ctx := cmd.Context()
	if err := logger.Init(cfg.Logger); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("forged")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	keys, err := trustedKeys(cfg)
	if err != nil {
		return err
	}
	if keys.Len() == 0 {
		log.Warn("no trusted keys configured, every descriptor will be rejected")
	}

	settings := extension.Config{}
	if cfg.Loader.Settings != "" {
		if settings, err = extension.LoadConfig(cfg.Loader.Settings); err != nil {
			return err
		}
	}
	if settings.PluginDir == "" {
		settings.PluginDir = cfg.Loader.PluginDir
	}

	client := newTransport(cfg)
	acquirer := extension.NewRouter(map[descriptor.PayloadKind]extension.Acquirer{
		descriptor.PayloadNative:   builtinCatalog(),
		descriptor.PayloadGoPlugin: extension.GoPluginAcquirer{Dir: settings.PluginDir},
		descriptor.PayloadRemote:   extension.NewRemoteAcquirer(client),
	})

	// 生命周期事件队列。
	jrn, err := journal.Open(cfg.Journal)
	if err != nil {
		return err
	}
	var recorder *journal.Recorder
	if jrn != nil {
		defer jrn.Close()
		recorder = journal.NewRecorder(jrn, cfg.Journal.Buffer, 5*time.Second)
		if cfg.Journal.Driver == "memory" {
			go func() {
				if err := jrn.Consume(ctx, 1, journal.LogHandler(logger.Named("journal"))); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("journal consumer stopped", "error", err)
				}
			}()
		}
	}

	reports, err := openReports(ctx, cfg)
	if err != nil {
		return err
	}
	defer reports.Close()

	opts := []host.Option{
		host.WithTrustedKeys(keys),
		host.WithCacheCapacity(cfg.Cache.Capacity),
		host.WithAcquirer(acquirer),
		host.WithSettings(settings),
		host.WithInitTimeout(cfg.Loader.InitTimeout()),
		host.WithResource(transportResource, client),
		host.WithReportSink(reports),
		host.WithLifecycleObserver(metrics.ObserveLifecycle),
		host.WithDispatchObserver(metrics.ObserveDispatch),
	}
	if recorder != nil {
		opts = append(opts, host.WithLifecycleObserver(recorder.Observe))
	}
	var monitor *alerting.Monitor
	if cfg.Alerting.Enabled() {
		monitor = alerting.NewMonitor(newNotifier(cfg, client), 0)
		opts = append(opts, host.WithLifecycleObserver(monitor.ObserveLifecycle))
	}
	if cfg.Verification.Enabled() {
		store, err := redis.Open[integrity.Result](ctx, redis.Config{
			Address:  cfg.Verification.Redis.Address,
			Password: cfg.Verification.Redis.Password,
			DB:       cfg.Verification.Redis.DB,
			Prefix:   cfg.Verification.Redis.Key,
			TTL:      time.Duration(cfg.Verification.TTLSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, host.WithVerificationStore(store))
	}
	h := host.New(opts...)

	specs, err := readSpecs(cmd, cfg, client, locations)
	if err != nil {
		return err
	}
	batch, rep, err := h.Run(ctx, specs)
	if err != nil {
		return err
	}
	metrics.ObserveLoad(rep)
	logBatch(log, batch, monitor)
	log.Info("extensions loaded", "load_id", rep.ID, "active", len(rep.Active()), "failed", len(rep.Failed()))

	h.Dispatch(ctx, "start", nil)

	var serveErr error
	if serve {
		server := api.NewServer(cfg.Server.Address, h, api.WithReports(reports), api.WithMetrics(cfg.Server.MetricsOn()))
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	h.Dispatch(shutdownCtx, "stop", nil)
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
	if monitor != nil {
		if err := monitor.Close(shutdownCtx); err != nil {
			log.Warn("alert flush incomplete", "error", err)
		}
	}
	if recorder != nil {
		if err := recorder.Close(shutdownCtx); err != nil {
			log.Warn("journal flush incomplete", "error", err)
		}
		if dropped := recorder.Dropped(); dropped > 0 {
			log.Warn("lifecycle events dropped", "count", dropped)
		}
	}
	return serveErr
}

func openReports(ctx context.Context, cfg *config.Config) (mysql.ReportRepository, error) {
	if cfg.Reports.Driver == "mysql" {
		repo, err := mysql.NewSQLReportRepository(ctx, mysql.Config{
			DSN:             cfg.Reports.DSN,
			MaxOpenConns:    cfg.Reports.MaxOpenConns,
			MaxIdleConns:    cfg.Reports.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Reports.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	repo, err := mysql.NewMemoryReportRepository(cfg.Runtime.DataDir)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func newNotifier(cfg *config.Config, client *transport.Client) alerting.Notifier {
	var notifiers []alerting.Notifier
	if cfg.Alerting.Audit {
		notifiers = append(notifiers, alerting.AuditNotifier{})
	}
	for _, url := range cfg.Alerting.Webhooks {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url, Client: client})
	}
	return alerting.NewFanout(notifiers...)
}

func logBatch(log *slog.Logger, batch host.Batch, monitor *alerting.Monitor) {
	for _, e := range batch.Rejected() {
		if monitor != nil {
			monitor.ObserveRejection(e.Name, e.Version, string(e.Stage), e.Code, e.Reason)
		}
		log.Warn("descriptor rejected",
			"extension", e.Name,
			"version", e.Version,
			"stage", e.Stage,
			"code", e.Code,
			"reason", e.Reason,
		)
	}
}
