package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/rainwatch/internal/aggregate"
	"github.com/couchcryptid/rainwatch/internal/domain"
	"github.com/couchcryptid/rainwatch/internal/observability"
)

// Notifier delivers a report. An empty chatID means the default channel.
type Notifier interface {
	Send(ctx context.Context, chatID, text string) error
}

// Aggregator folds a cycle's rows into the persistent log and rollup.
type Aggregator interface {
	AppendAndRollup(ctx context.Context, rows []domain.ObservationRow) (aggregate.RollupView, error)
}

// Exporter publishes a cycle's observations downstream.
type Exporter interface {
	Export(ctx context.Context, cycleID string, observations []domain.Observation) error
}

// CommandSource yields at most one new on-demand command per call.
type CommandSource interface {
	Poll(ctx context.Context) (domain.Command, bool, error)
}

// Options tune a cycle.
type Options struct {
	// Window is the number of trailing hourly buckets summed per site.
	Window int
	// SiteDelay separates consecutive site lookups.
	SiteDelay time.Duration
	// Concurrency above 1 fans lookups out; output order is unchanged.
	Concurrency int
	// OnlyAlerts skips scheduled delivery when nothing alerted or failed.
	OnlyAlerts bool
}

// CycleResult describes one completed report cycle.
type CycleResult struct {
	CycleID      string                `json:"cycle_id"`
	At           time.Time             `json:"at"`
	Observations []domain.Observation  `json:"observations"`
	Verdicts     []domain.AlertVerdict `json:"verdicts"`
	Report       string                `json:"report"`
	Delivered    bool                  `json:"delivered"`
	Rollup       []domain.RollupEntry  `json:"rollup,omitempty"`
	Warnings     []string              `json:"warnings,omitempty"`
}

// Pipeline runs report cycles and on-demand commands.
type Pipeline struct {
	source     domain.WeatherSource
	notifier   Notifier
	aggregator Aggregator
	exporter   Exporter
	commands   CommandSource
	policy     domain.Policy
	opts       Options
	logger     *slog.Logger
	metrics    *observability.Metrics
	ready      atomic.Bool
	last       atomic.Pointer[CycleResult]
}

// New creates a Pipeline. exporter and commands may be nil.
func New(
	source domain.WeatherSource,
	notifier Notifier,
	aggregator Aggregator,
	exporter Exporter,
	commands CommandSource,
	policy domain.Policy,
	opts Options,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Pipeline {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Pipeline{
		source:     source,
		notifier:   notifier,
		aggregator: aggregator,
		exporter:   exporter,
		commands:   commands,
		policy:     policy,
		opts:       opts,
		logger:     logger,
		metrics:    metrics,
	}
}

// CheckReadiness returns nil once a cycle has completed.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("no report cycle has completed yet")
	}
	return nil
}

// LastCycle returns the most recent completed cycle, if any.
func (p *Pipeline) LastCycle() (CycleResult, bool) {
	r := p.last.Load()
	if r == nil {
		return CycleResult{}, false
	}
	return *r, true
}

// RunCycle observes every site, delivers the report to the default channel
// and appends the cycle's rows in one call. Per-site failures and delivery
// failures are logged and do not fail the cycle; an aggregation error does.
func (p *Pipeline) RunCycle(ctx context.Context, sites []domain.Site) (CycleResult, error) {
	start := domain.Clock().Now()
	cycleID := uuid.NewString()
	logger := p.logger.With("cycle_id", cycleID)
	logger.Info("cycle started", "sites", len(sites), "provider", p.source.Name())

	observations, err := p.observeAll(ctx, sites)
	if err != nil {
		return CycleResult{}, err
	}

	ev := Evaluate(observations, p.policy)
	p.recordVerdicts(logger, observations, ev.Verdicts)

	at := domain.Now()
	result := CycleResult{
		CycleID:      cycleID,
		At:           at,
		Observations: observations,
		Verdicts:     ev.Verdicts,
		Report:       domain.ComposeReport(ev.Verdicts, at),
	}

	if p.opts.OnlyAlerts && !domain.HasAlertsOrFailures(ev.Verdicts) {
		logger.Info("no alerts or failures, report not sent")
		p.metrics.Notifications.WithLabelValues("scheduled", "skipped").Inc()
	} else {
		result.Delivered = p.deliver(ctx, logger, "scheduled", "", result.Report)
	}

	view, err := p.aggregator.AppendAndRollup(ctx, ev.Rows)
	if err != nil {
		return result, fmt.Errorf("aggregate cycle %s: %w", cycleID, err)
	}
	result.Rollup = view.Rollup
	result.Warnings = view.Warnings
	p.metrics.RowsAppended.Add(float64(view.Appended))
	if len(view.Warnings) > 0 {
		p.metrics.StoreRecoveries.Inc()
	}

	if p.exporter != nil {
		if err := p.exporter.Export(ctx, cycleID, observations); err != nil {
			logger.Warn("observation export failed", "error", err)
			p.metrics.ExportErrors.Inc()
		}
	}

	p.metrics.CycleDuration.Observe(domain.Clock().Since(start).Seconds())
	p.metrics.LastCycleTimestamp.Set(float64(at.Unix()))
	p.last.Store(&result)
	p.ready.Store(true)

	logger.Info("cycle complete",
		"alerts", ev.Alerts,
		"failures", ev.Failures,
		"rows_appended", view.Appended,
		"delivered", result.Delivered,
	)
	return result, nil
}

// HandleCommands polls for one new command and, when found, sends a fresh
// report to the requesting chat. On-demand reports are not persisted. The
// returned bool reports whether a command was handled.
func (p *Pipeline) HandleCommands(ctx context.Context, sites []domain.Site) (bool, error) {
	if p.commands == nil {
		return false, nil
	}
	cmd, ok, err := p.commands.Poll(ctx)
	if err != nil {
		return false, fmt.Errorf("poll commands: %w", err)
	}
	if !ok {
		return false, nil
	}
	p.metrics.Commands.Inc()

	logger := p.logger.With("update_id", cmd.UpdateID, "chat_id", cmd.ChannelID)
	observations, err := p.observeAll(ctx, sites)
	if err != nil {
		return true, err
	}
	ev := Evaluate(observations, p.policy)
	p.recordVerdicts(logger, observations, ev.Verdicts)

	report := domain.ComposeReport(ev.Verdicts, domain.Now())
	p.deliver(ctx, logger, "on_demand", cmd.ChannelID, report)
	return true, nil
}

func (p *Pipeline) deliver(ctx context.Context, logger *slog.Logger, kind, chatID, report string) bool {
	if err := p.notifier.Send(ctx, chatID, report); err != nil {
		logger.Error("report delivery failed", "kind", kind, "error", err)
		p.metrics.Notifications.WithLabelValues(kind, "failed").Inc()
		return false
	}
	p.metrics.Notifications.WithLabelValues(kind, "sent").Inc()
	return true
}

// observeAll looks up every site and returns observations in registry order.
func (p *Pipeline) observeAll(ctx context.Context, sites []domain.Site) ([]domain.Observation, error) {
	out := make([]domain.Observation, len(sites))

	if p.opts.Concurrency == 1 {
		for i, site := range sites {
			if i > 0 {
				if err := p.wait(ctx, p.opts.SiteDelay); err != nil {
					return nil, err
				}
			}
			out[i] = p.observe(ctx, site)
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, site := range sites {
		if i > 0 {
			if err := p.wait(gctx, p.opts.SiteDelay); err != nil {
				break
			}
		}
		g.Go(func() error {
			out[i] = p.observe(gctx, site)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) observe(ctx context.Context, site domain.Site) domain.Observation {
	start := domain.Clock().Now()
	obs := domain.Observe(ctx, site, p.source, p.opts.Window, p.logger)
	p.metrics.FetchDuration.WithLabelValues(p.source.Name()).Observe(domain.Clock().Since(start).Seconds())
	p.metrics.SitesObserved.Inc()
	if obs.ProviderError {
		p.metrics.ProviderErrors.WithLabelValues(p.source.Name()).Inc()
	}
	return obs
}

func (p *Pipeline) recordVerdicts(logger *slog.Logger, observations []domain.Observation, verdicts []domain.AlertVerdict) {
	for i, v := range verdicts {
		obs := observations[i]
		if v.IsAlert {
			p.metrics.Alerts.WithLabelValues(string(v.Intensity)).Inc()
		}
		logger.Info("site evaluated",
			"site", v.SiteName,
			"is_alert", v.IsAlert,
			"intensity", v.Intensity,
			"sky", v.SkyIcon,
			"precip_now_mm", obs.PrecipNowMM,
			"precip_recent_mm", obs.PrecipRecentMM,
			"precip_forecast_mm", obs.PrecipForecastMM,
			"provider_error", obs.ProviderError,
		)
	}
}

// wait blocks for d on the domain clock or until ctx is done.
func (p *Pipeline) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := domain.Clock().NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
