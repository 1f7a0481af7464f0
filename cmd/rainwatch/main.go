// Command rainwatch observes rainfall at registered dam sites, sends a report
// to a Telegram chat, and keeps a monthly precipitation rollup.
//
// Usage:
//
//	rainwatch [cycle]   run one report cycle (default)
//	rainwatch poll      answer at most one pending on-demand command
//	rainwatch watch     run cycles on CYCLE_SCHEDULE and poll every POLL_INTERVAL
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/couchcryptid/rainwatch/internal/adapter/filestore"
	httpadapter "github.com/couchcryptid/rainwatch/internal/adapter/http"
	"github.com/couchcryptid/rainwatch/internal/adapter/httpretry"
	kafkaadapter "github.com/couchcryptid/rainwatch/internal/adapter/kafka"
	"github.com/couchcryptid/rainwatch/internal/adapter/openmeteo"
	"github.com/couchcryptid/rainwatch/internal/adapter/readingcache"
	"github.com/couchcryptid/rainwatch/internal/adapter/sqlite"
	"github.com/couchcryptid/rainwatch/internal/adapter/telegram"
	"github.com/couchcryptid/rainwatch/internal/adapter/weatherapi"
	"github.com/couchcryptid/rainwatch/internal/aggregate"
	"github.com/couchcryptid/rainwatch/internal/command"
	"github.com/couchcryptid/rainwatch/internal/config"
	"github.com/couchcryptid/rainwatch/internal/domain"
	"github.com/couchcryptid/rainwatch/internal/observability"
	"github.com/couchcryptid/rainwatch/internal/pipeline"
	"github.com/couchcryptid/rainwatch/internal/registry"
	"github.com/couchcryptid/rainwatch/internal/scheduler"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// store is the persistence both backends provide.
type store interface {
	aggregate.Store
	command.CursorStore
}

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	sites    []domain.Site
	pipeline *pipeline.Pipeline
	closers  []func() error
}

func run(args []string) int {
	fs := flag.NewFlagSet("rainwatch", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	mode := "cycle"
	if fs.NArg() > 0 {
		mode = fs.Arg(0)
	}
	switch mode {
	case "cycle", "poll", "watch":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want cycle, poll or watch)\n", mode)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := observability.NewLogger(cfg)
	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "poll":
		return a.poll(ctx)
	case "watch":
		return a.watch(ctx)
	default:
		return a.cycle(ctx)
	}
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}

	sites, err := registry.LoadFile(cfg.RegistryPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	a.sites = sites

	st, err := a.openStore()
	if err != nil {
		return nil, err
	}

	policy := httpretry.Policy{
		MaxAttempts:             cfg.RetryMaxAttempts,
		InitialInterval:         cfg.RetryInitialInterval,
		Multiplier:              cfg.RetryMultiplier,
		MaxInterval:             cfg.RetryMaxInterval,
		AttemptTimeout:          cfg.ProviderTimeout,
		BreakerFailureThreshold: uint32(cfg.BreakerFailureThreshold), //nolint:gosec // validated non-negative
	}
	retryHook := httpretry.WithRetryHook(func(name string, _ int, _ error) {
		a.metrics.Retries.WithLabelValues(name).Inc()
	})

	var source domain.WeatherSource
	switch cfg.Provider {
	case config.ProviderWeatherAPI:
		hc := httpretry.New(config.ProviderWeatherAPI, &http.Client{}, policy, logger, retryHook)
		source = weatherapi.NewClient(cfg.ProviderEndpoint, cfg.ProviderAPIKey, hc, logger)
	default:
		hc := httpretry.New(config.ProviderOpenMeteo, &http.Client{}, policy, logger, retryHook)
		source = openmeteo.NewClient(cfg.ProviderEndpoint, cfg.ProviderTimezone, hc, logger)
	}
	if cfg.ReadingCacheTTL > 0 {
		source = readingcache.New(source, cfg.ReadingCacheSize, cfg.ReadingCacheTTL)
	}
	logger.Info("weather provider selected", "provider", source.Name(), "reading_cache_ttl", cfg.ReadingCacheTTL)

	tg := telegram.NewClient(cfg.TelegramEndpoint, cfg.TelegramToken, cfg.ChatID,
		httpretry.New("telegram", &http.Client{}, policy, logger, retryHook), logger)
	if !cfg.NotificationsEnabled() {
		logger.Warn("telegram token or chat id not set, reports will not be delivered")
	}

	var commands pipeline.CommandSource
	if cfg.TelegramToken != "" {
		commands = command.NewPoller(tg, st, cfg.CommandKeywords, logger)
	}

	var exporter pipeline.Exporter
	if cfg.KafkaEnabled() {
		writer := kafkaadapter.NewWriter(cfg, logger)
		a.closers = append(a.closers, writer.Close)
		exporter = writer
		logger.Info("kafka export enabled", "topic", cfg.KafkaObservationTopic)
	}

	a.pipeline = pipeline.New(
		source,
		tg,
		aggregate.New(st, logger),
		exporter,
		commands,
		domain.Policy{
			LightThresholdMM:  cfg.LightThresholdMM,
			SevereThresholdMM: cfg.SevereThresholdMM,
			ClearSkyBelowPct:  domain.DefaultPolicy().ClearSkyBelowPct,
			OvercastAbovePct:  domain.DefaultPolicy().OvercastAbovePct,
		},
		pipeline.Options{
			Window:      cfg.TrailingWindow,
			SiteDelay:   cfg.SiteDelay,
			Concurrency: cfg.FetchConcurrency,
			OnlyAlerts:  cfg.ReportOnlyAlerts,
		},
		logger,
		a.metrics,
	)
	return a, nil
}

func (a *app) openStore() (store, error) {
	switch a.cfg.StoreBackend {
	case config.StoreFile:
		return filestore.New(a.cfg.StorePath, a.cfg.CursorPath, a.logger), nil
	default:
		st, err := sqlite.Open(a.cfg.StorePath, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	}
}

func (a *app) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Error("close error", "error", err)
		}
	}
}

func (a *app) cycle(ctx context.Context) int {
	result, err := a.pipeline.RunCycle(ctx, a.sites)
	a.push(ctx)
	if err != nil {
		a.logger.Error("report cycle failed", "error", err)
		return 1
	}
	for _, w := range result.Warnings {
		a.logger.Warn(w)
	}
	return 0
}

func (a *app) poll(ctx context.Context) int {
	handled, err := a.pipeline.HandleCommands(ctx, a.sites)
	a.push(ctx)
	if err != nil {
		a.logger.Error("command poll failed", "error", err)
		return 1
	}
	if !handled {
		a.logger.Info("no pending command")
	}
	return 0
}

// push sends one-shot metrics to the Pushgateway when one is configured.
func (a *app) push(ctx context.Context) {
	if a.cfg.PushgatewayURL == "" {
		return
	}
	if err := observability.Push(ctx, a.cfg.PushgatewayURL, a.metrics); err != nil {
		a.logger.Warn("metrics push failed", "error", err)
	}
}

func (a *app) watch(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var exitCode atomic.Int32
	cycle := func(ctx context.Context) error {
		result, err := a.pipeline.RunCycle(ctx, a.sites)
		if err != nil {
			if errors.Is(err, aggregate.ErrInvalidRow) || errors.Is(err, aggregate.ErrCorruptLog) {
				a.logger.Error("aggregation integrity failure, stopping", "error", err)
				exitCode.Store(1)
				cancel()
			}
			return err
		}
		for _, w := range result.Warnings {
			a.logger.Warn(w)
		}
		return nil
	}
	poll := func(ctx context.Context) error {
		_, err := a.pipeline.HandleCommands(ctx, a.sites)
		return err
	}

	srv := httpadapter.NewServer(a.cfg.HTTPAddr, a.pipeline, a.pipeline, a.logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", "error", err)
		}
	}()

	sched := scheduler.New(domain.SiteZone, a.logger)
	if err := sched.Start(ctx, a.cfg.CycleSchedule, cycle, a.cfg.PollInterval, poll); err != nil {
		a.logger.Error("scheduler start failed", "error", err)
		return 1
	}
	a.metrics.WatchRunning.Set(1)
	if next, err := sched.NextCycle(); err == nil {
		a.logger.Info("next report cycle", "at", next.In(domain.SiteZone))
	}

	<-ctx.Done()
	a.logger.Info("shutting down")
	sched.Stop()
	a.metrics.WatchRunning.Set(0)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return int(exitCode.Load())
}
