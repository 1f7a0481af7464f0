//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/couchcryptid/rainwatch/internal/adapter/kafka"
	"github.com/couchcryptid/rainwatch/internal/aggregate"
	"github.com/couchcryptid/rainwatch/internal/config"
	"github.com/couchcryptid/rainwatch/internal/domain"
	"github.com/couchcryptid/rainwatch/internal/observability"
	"github.com/couchcryptid/rainwatch/internal/pipeline"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

const testObservationTopic = "test-dam-observations"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("rainwatch-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cc, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	require.NoError(t, cc.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

type exportedMessage struct {
	Observation domain.Observation
	Key         string
	Headers     map[string]string
}

func readExported(ctx context.Context, t *testing.T, broker string, n int) []exportedMessage {
	t.Helper()
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   []string{broker},
		Topic:     testObservationTopic,
		Partition: 0,
		MaxWait:   500 * time.Millisecond,
	})
	t.Cleanup(func() { _ = reader.Close() })
	require.NoError(t, reader.SetOffset(kafkago.FirstOffset))

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out := make([]exportedMessage, 0, n)
	for len(out) < n {
		msg, err := reader.ReadMessage(readCtx)
		require.NoError(t, err, "read exported observation")

		headers := make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
		var obs domain.Observation
		require.NoError(t, json.Unmarshal(msg.Value, &obs))
		out = append(out, exportedMessage{Observation: obs, Key: string(msg.Key), Headers: headers})
	}
	return out
}

type stubSource struct{}

func (stubSource) Name() string { return "stub" }

func (stubSource) FetchReading(_ context.Context, geo domain.Geo) (domain.RawReading, error) {
	precip := 0.0
	if geo.Lat < -20 {
		precip = 4.2
	}
	return domain.RawReading{PrecipNowMM: &precip}, nil
}

type discardNotifier struct{}

func (discardNotifier) Send(context.Context, string, string) error { return nil }

type memStore struct {
	log    []domain.ObservationRow
	rollup []domain.RollupEntry
}

func (m *memStore) LoadLog(context.Context) ([]domain.ObservationRow, error) { return m.log, nil }

func (m *memStore) LoadRollup(context.Context) ([]domain.RollupEntry, error) { return m.rollup, nil }

func (m *memStore) Commit(_ context.Context, snap aggregate.Snapshot) error {
	m.log = snap.Log
	m.rollup = snap.Rollup
	return nil
}

func (m *memStore) Quarantine(context.Context) (string, error) {
	m.log, m.rollup = nil, nil
	return "memory", nil
}

// TestCycleExportsObservations runs a report cycle with the Kafka writer as
// exporter and reads every observation back from the topic.
func TestCycleExportsObservations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testObservationTopic)

	cfg := &config.Config{
		KafkaBrokers:          []string{broker},
		KafkaObservationTopic: testObservationTopic,
	}
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	sites := []domain.Site{
		{Name: "represa norte", Latitude: "-22.9", Longitude: "-43.2"},
		{Name: "represa sul", Latitude: "-10.5", Longitude: "-40.1"},
	}
	p := pipeline.New(
		stubSource{},
		discardNotifier{},
		aggregate.New(&memStore{}, discardLogger()),
		writer,
		nil,
		domain.DefaultPolicy(),
		pipeline.Options{Window: 3},
		discardLogger(),
		observability.NewMetricsForTesting(),
	)

	result, err := p.RunCycle(ctx, sites)
	require.NoError(t, err)

	msgs := readExported(ctx, t, broker, len(sites))
	require.Len(t, msgs, 2)

	byKey := map[string]exportedMessage{}
	for _, m := range msgs {
		byKey[m.Key] = m
	}

	north, ok := byKey["REPRESA NORTE"]
	require.True(t, ok)
	assert.InDelta(t, 4.2, north.Observation.PrecipNowMM, 1e-9)
	assert.Equal(t, result.CycleID, north.Headers["cycle_id"])
	assert.Equal(t, "stub", north.Headers["provider"])
	assert.NotEmpty(t, north.Headers["observed_at"])

	south, ok := byKey["REPRESA SUL"]
	require.True(t, ok)
	assert.Zero(t, south.Observation.PrecipNowMM)
	assert.False(t, south.Observation.ProviderError)
}

// TestWriterExportEmpty is a no-op that must not touch the broker.
func TestWriterExportEmpty(t *testing.T) {
	cfg := &config.Config{KafkaBrokers: []string{"127.0.0.1:1"}, KafkaObservationTopic: testObservationTopic}
	writer := kafka.NewWriter(cfg, discardLogger())
	defer writer.Close()

	require.NoError(t, writer.Export(context.Background(), "cycle-0", nil))
}
