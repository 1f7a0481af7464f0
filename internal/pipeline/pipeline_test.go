package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/rainwatch/internal/adapter/httpretry"
	"github.com/couchcryptid/rainwatch/internal/adapter/openmeteo"
	"github.com/couchcryptid/rainwatch/internal/aggregate"
	"github.com/couchcryptid/rainwatch/internal/domain"
	"github.com/couchcryptid/rainwatch/internal/observability"
	"github.com/couchcryptid/rainwatch/internal/pipeline"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type stubSource struct {
	mu       sync.Mutex
	readings map[float64]domain.RawReading
	failures map[float64]error
	calls    int
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) FetchReading(_ context.Context, geo domain.Geo) (domain.RawReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.failures[geo.Lat]; ok {
		return domain.RawReading{}, err
	}
	return s.readings[geo.Lat], nil
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type sentMessage struct {
	chatID string
	text   string
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *mockNotifier) Send(_ context.Context, chatID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

type mockAggregator struct {
	calls int
	rows  []domain.ObservationRow
	err   error
}

func (m *mockAggregator) AppendAndRollup(_ context.Context, rows []domain.ObservationRow) (aggregate.RollupView, error) {
	m.calls++
	if m.err != nil {
		return aggregate.RollupView{}, m.err
	}
	m.rows = append(m.rows, rows...)
	rollup, err := aggregate.BuildRollup(m.rows)
	if err != nil {
		return aggregate.RollupView{}, err
	}
	return aggregate.RollupView{Rollup: rollup, LogSize: len(m.rows), Appended: len(rows)}, nil
}

type mockExporter struct {
	cycleID      string
	observations []domain.Observation
	err          error
}

func (m *mockExporter) Export(_ context.Context, cycleID string, observations []domain.Observation) error {
	m.cycleID = cycleID
	m.observations = observations
	return m.err
}

type mockCommands struct {
	cmd domain.Command
	ok  bool
	err error
}

func (m *mockCommands) Poll(_ context.Context) (domain.Command, bool, error) {
	return m.cmd, m.ok, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freezeClock(t *testing.T) *clockwork.FakeClock {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.March, 5, 17, 10, 0, 0, time.UTC))
	domain.SetClock(clock)
	t.Cleanup(func() { domain.SetClock(nil) })
	return clock
}

func makeSites(n int) []domain.Site {
	sites := make([]domain.Site, n)
	for i := range sites {
		sites[i] = domain.Site{
			Name:      fmt.Sprintf("dam %d", i+1),
			Latitude:  fmt.Sprintf("-%d.5", i+1),
			Longitude: "-43.2",
		}
	}
	return sites
}

func dryReading() domain.RawReading {
	zero := 0.0
	temp := 22.0
	cloud := 10.0
	return domain.RawReading{PrecipNowMM: &zero, TemperatureC: &temp, CloudCover: &cloud}
}

func newPipeline(src domain.WeatherSource, n pipeline.Notifier, agg pipeline.Aggregator, exp pipeline.Exporter, cmds pipeline.CommandSource, opts pipeline.Options) (*pipeline.Pipeline, *observability.Metrics) {
	m := observability.NewMetricsForTesting()
	if opts.Window == 0 {
		opts.Window = 3
	}
	return pipeline.New(src, n, agg, exp, cmds, domain.DefaultPolicy(), opts, testLogger(), m), m
}

// --- tests ---

func TestRunCycle_OneFailedSite(t *testing.T) {
	freezeClock(t)
	sites := makeSites(5)
	src := &stubSource{
		readings: map[float64]domain.RawReading{},
		failures: map[float64]error{-3.5: errors.New("lookup failed")},
	}
	for i := 1; i <= 5; i++ {
		src.readings[-float64(i)-0.5] = dryReading()
	}
	notifier := &mockNotifier{}
	agg := &mockAggregator{}
	exp := &mockExporter{}

	p, m := newPipeline(src, notifier, agg, exp, nil, pipeline.Options{})
	require.Error(t, p.CheckReadiness(context.Background()))

	result, err := p.RunCycle(context.Background(), sites)
	require.NoError(t, err)

	require.Len(t, result.Verdicts, 5)
	lines := domain.ReportLines(result.Report)
	require.Len(t, lines, 5)
	assert.Contains(t, lines[2], "DAM 3")
	assert.Contains(t, lines[2], "lookup failed")
	for i, v := range result.Verdicts {
		assert.Equal(t, fmt.Sprintf("DAM %d", i+1), v.SiteName, "registry order is preserved")
	}

	assert.Equal(t, 1, agg.calls, "rows are appended in a single call")
	assert.Len(t, agg.rows, 4)
	require.Len(t, result.Rollup, 4)

	require.Len(t, notifier.sent, 1)
	assert.Empty(t, notifier.sent[0].chatID, "scheduled reports go to the default chat")
	assert.Equal(t, result.Report, notifier.sent[0].text)
	assert.True(t, result.Delivered)

	assert.Equal(t, result.CycleID, exp.cycleID)
	assert.Len(t, exp.observations, 5)

	assert.InDelta(t, 5, testutil.ToFloat64(m.SitesObserved), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ProviderErrors.WithLabelValues("stub")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.RowsAppended), 0)
	require.NoError(t, p.CheckReadiness(context.Background()))

	last, ok := p.LastCycle()
	require.True(t, ok)
	assert.Equal(t, result.CycleID, last.CycleID)
}

func TestRunCycle_ProviderUnavailable(t *testing.T) {
	var failing int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("latitude") == "-1.5000" {
			mu.Lock()
			failing++
			mu.Unlock()
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"utc_offset_seconds": -10800, "current": {"precipitation": 0.8, "temperature_2m": 21.0, "cloud_cover": 90, "is_day": 1}, "hourly": {"time": [], "precipitation": []}}`))
	}))
	defer srv.Close()

	policy := httpretry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, Multiplier: 2, MaxInterval: 2 * time.Millisecond, AttemptTimeout: time.Second}
	hc := httpretry.New("openmeteo", srv.Client(), policy, testLogger())
	src := openmeteo.NewClient(srv.URL, "America/Sao_Paulo", hc, testLogger())

	notifier := &mockNotifier{}
	agg := &mockAggregator{}
	p, _ := newPipeline(src, notifier, agg, nil, nil, pipeline.Options{})

	result, err := p.RunCycle(context.Background(), makeSites(2))
	require.NoError(t, err)

	assert.Equal(t, 3, failing, "a 503 is retried up to the attempt limit")
	require.Len(t, result.Verdicts, 2)
	assert.True(t, result.Observations[0].ProviderError)
	assert.Contains(t, result.Verdicts[0].DisplayText, "DAM 1")
	assert.False(t, result.Observations[1].ProviderError, "later sites are still processed")
	assert.True(t, result.Verdicts[1].IsAlert)
	assert.Len(t, agg.rows, 1)
}

func TestRunCycle_OnlyAlertsSkipsQuietReport(t *testing.T) {
	freezeClock(t)
	src := &stubSource{readings: map[float64]domain.RawReading{-1.5: dryReading(), -2.5: dryReading()}}
	notifier := &mockNotifier{}
	agg := &mockAggregator{}

	p, m := newPipeline(src, notifier, agg, nil, nil, pipeline.Options{OnlyAlerts: true})
	result, err := p.RunCycle(context.Background(), makeSites(2))
	require.NoError(t, err)

	assert.False(t, result.Delivered)
	assert.Empty(t, notifier.sent)
	assert.Len(t, agg.rows, 2, "rows are persisted even when the report is skipped")
	assert.InDelta(t, 1, testutil.ToFloat64(m.Notifications.WithLabelValues("scheduled", "skipped")), 0)
}

func TestRunCycle_OnlyAlertsSendsWhenRaining(t *testing.T) {
	freezeClock(t)
	rain := dryReading()
	now := 3.0
	rain.PrecipNowMM = &now
	src := &stubSource{readings: map[float64]domain.RawReading{-1.5: dryReading(), -2.5: rain}}
	notifier := &mockNotifier{}

	p, _ := newPipeline(src, notifier, &mockAggregator{}, nil, nil, pipeline.Options{OnlyAlerts: true})
	result, err := p.RunCycle(context.Background(), makeSites(2))
	require.NoError(t, err)

	assert.True(t, result.Delivered)
	require.Len(t, notifier.sent, 1)
	assert.Contains(t, notifier.sent[0].text, "moderate")
}

func TestRunCycle_DeliveryFailureStillPersists(t *testing.T) {
	freezeClock(t)
	src := &stubSource{readings: map[float64]domain.RawReading{-1.5: dryReading()}}
	notifier := &mockNotifier{err: errors.New("telegram down")}
	agg := &mockAggregator{}

	p, m := newPipeline(src, notifier, agg, nil, nil, pipeline.Options{})
	result, err := p.RunCycle(context.Background(), makeSites(1))
	require.NoError(t, err)

	assert.False(t, result.Delivered)
	assert.Len(t, agg.rows, 1)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Notifications.WithLabelValues("scheduled", "failed")), 0)
}

func TestRunCycle_AggregationErrorFailsCycle(t *testing.T) {
	freezeClock(t)
	src := &stubSource{readings: map[float64]domain.RawReading{-1.5: dryReading()}}
	agg := &mockAggregator{err: aggregate.ErrInvalidRow}

	p, _ := newPipeline(src, &mockNotifier{}, agg, nil, nil, pipeline.Options{})
	_, err := p.RunCycle(context.Background(), makeSites(1))
	require.ErrorIs(t, err, aggregate.ErrInvalidRow)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestRunCycle_ExportFailureIsNotFatal(t *testing.T) {
	freezeClock(t)
	src := &stubSource{readings: map[float64]domain.RawReading{-1.5: dryReading()}}
	exp := &mockExporter{err: errors.New("broker unavailable")}

	p, m := newPipeline(src, &mockNotifier{}, &mockAggregator{}, exp, nil, pipeline.Options{})
	_, err := p.RunCycle(context.Background(), makeSites(1))
	require.NoError(t, err)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ExportErrors), 0)
}

func TestRunCycle_SiteDelayUsesClock(t *testing.T) {
	clock := freezeClock(t)
	src := &stubSource{readings: map[float64]domain.RawReading{-1.5: dryReading(), -2.5: dryReading()}}

	p, _ := newPipeline(src, &mockNotifier{}, &mockAggregator{}, nil, nil, pipeline.Options{SiteDelay: 2 * time.Second})

	type outcome struct {
		result pipeline.CycleResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := p.RunCycle(context.Background(), makeSites(2))
		done <- outcome{r, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, src.callCount(), "second lookup waits for the delay")

	clock.Advance(2 * time.Second)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Len(t, out.result.Verdicts, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not finish after the delay elapsed")
	}
}

func TestRunCycle_ConcurrentPreservesOrder(t *testing.T) {
	freezeClock(t)
	sites := makeSites(8)
	src := &stubSource{readings: map[float64]domain.RawReading{}}
	for i := 1; i <= 8; i++ {
		src.readings[-float64(i)-0.5] = dryReading()
	}

	p, _ := newPipeline(src, &mockNotifier{}, &mockAggregator{}, nil, nil, pipeline.Options{Concurrency: 4})
	result, err := p.RunCycle(context.Background(), sites)
	require.NoError(t, err)

	require.Len(t, result.Verdicts, 8)
	for i, v := range result.Verdicts {
		assert.Equal(t, fmt.Sprintf("DAM %d", i+1), v.SiteName)
	}
}

func TestRunCycle_CanceledContext(t *testing.T) {
	freezeClock(t)
	src := &stubSource{readings: map[float64]domain.RawReading{}}
	agg := &mockAggregator{}
	p, _ := newPipeline(src, &mockNotifier{}, agg, nil, nil, pipeline.Options{SiteDelay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.RunCycle(ctx, makeSites(3))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, agg.calls)
}

func TestHandleCommands_SendsToRequestingChat(t *testing.T) {
	freezeClock(t)
	src := &stubSource{readings: map[float64]domain.RawReading{-1.5: dryReading()}}
	notifier := &mockNotifier{}
	agg := &mockAggregator{}
	cmds := &mockCommands{cmd: domain.Command{Text: "/report", ChannelID: "-100123", UpdateID: "42"}, ok: true}

	p, m := newPipeline(src, notifier, agg, nil, cmds, pipeline.Options{})
	handled, err := p.HandleCommands(context.Background(), makeSites(1))
	require.NoError(t, err)

	assert.True(t, handled)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "-100123", notifier.sent[0].chatID)
	assert.Zero(t, agg.calls, "on-demand reports are not persisted")
	assert.InDelta(t, 1, testutil.ToFloat64(m.Commands), 0)
}

func TestHandleCommands_NoCommand(t *testing.T) {
	src := &stubSource{}
	notifier := &mockNotifier{}

	p, _ := newPipeline(src, notifier, &mockAggregator{}, nil, &mockCommands{}, pipeline.Options{})
	handled, err := p.HandleCommands(context.Background(), makeSites(1))
	require.NoError(t, err)

	assert.False(t, handled)
	assert.Zero(t, src.callCount())
	assert.Empty(t, notifier.sent)
}

func TestHandleCommands_PollError(t *testing.T) {
	p, _ := newPipeline(&stubSource{}, &mockNotifier{}, &mockAggregator{}, nil, &mockCommands{err: errors.New("getUpdates failed")}, pipeline.Options{})
	_, err := p.HandleCommands(context.Background(), makeSites(1))
	require.Error(t, err)
}

func TestHandleCommands_NotConfigured(t *testing.T) {
	p, _ := newPipeline(&stubSource{}, &mockNotifier{}, &mockAggregator{}, nil, nil, pipeline.Options{})
	handled, err := p.HandleCommands(context.Background(), makeSites(1))
	require.NoError(t, err)
	assert.False(t, handled)
}
