package sink

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxpert/sqlwatch/queue"
	"github.com/maxpert/sqlwatch/relay"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

var (
	_ relay.Sink = (*NatsSink)(nil)
	_ relay.Sink = (*KafkaSink)(nil)
	_ relay.Sink = (*MockSink)(nil)
)

func startEmbeddedNATS(t *testing.T) string {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)

	return ns.ClientURL()
}

func TestNatsSink_FeedsJetStreamQueue(t *testing.T) {
	url := startEmbeddedNATS(t)

	q, err := queue.NewNATS(queue.NATSConfig{URL: url, Stream: "SQLWATCH", SubjectPrefix: "sqlwatch", Durable: "relay-test"})
	require.NoError(t, err)
	require.NoError(t, q.Open(context.Background()))
	defer q.Close()

	snk, err := NewNatsSink(url)
	require.NoError(t, err)
	defer snk.Close()

	require.NoError(t, snk.Publish("sqlwatch.orders_changes", queue.Message{
		ID:           "41",
		Type:         "change",
		Conversation: "tok",
		Body:         []byte("update:orders"),
	}))

	batch, err := q.EndReceive(q.BeginReceive("orders_changes", 5*time.Second))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "change", batch[0].Type)
	require.Equal(t, "tok", batch[0].Conversation)
	require.Equal(t, []byte("update:orders"), batch[0].Body)
}

func TestNatsSink_CreatesStreamWhenMissing(t *testing.T) {
	url := startEmbeddedNATS(t)

	snk, err := NewNatsSink(url)
	require.NoError(t, err)
	defer snk.Close()

	require.NoError(t, snk.Publish("events.orders", queue.Message{ID: "1", Type: "change"}))
	require.NoError(t, snk.Publish("events.users", queue.Message{ID: "2", Type: "change"}))

	name, err := snk.js.StreamNameBySubject(context.Background(), "events.users")
	require.NoError(t, err)
	require.Equal(t, "EVENTS", name)
}

func TestSanitizeStreamName(t *testing.T) {
	require.Equal(t, "SQLWATCH", sanitizeStreamName("sqlwatch.orders"))
	require.Equal(t, "A_B", sanitizeStreamName("a.b.queue"))
	require.Equal(t, "SOLO", sanitizeStreamName("solo"))
}

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})
	require.Len(t, config.Brokers, 2)
	require.Equal(t, DefaultKafkaBatchSize, config.BatchSize)
	require.Equal(t, int64(DefaultKafkaBatchBytes), config.BatchBytes)
	require.Equal(t, kafka.RequireAll, config.RequiredAcks)
}

func TestNewKafkaSink(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	require.Error(t, err)

	snk, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	require.Equal(t, DefaultKafkaBatchSize, snk.writer.BatchSize)
	require.NoError(t, snk.Close())
}

func TestToKafka_CarriesQueueHeaders(t *testing.T) {
	m := toKafka("sqlwatch.q", queue.Message{ID: "9", Type: "timeout", Conversation: "tok", Body: []byte("timeout")})

	require.Equal(t, "sqlwatch.q", m.Topic)
	require.Equal(t, []byte("tok"), m.Key)
	headers := map[string]string{}
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, "9", headers[queue.HeaderID])
	require.Equal(t, "timeout", headers[queue.HeaderType])
	require.Equal(t, "tok", headers[queue.HeaderConversation])
}

func TestMockSink_DrivesRelayWorker(t *testing.T) {
	l, err := relay.OpenLog(filepath.Join(t.TempDir(), "relay_log"), 0)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append([]relay.Event{{Queue: "q", Type: "change", Conversation: "a"}}))

	filter, err := relay.NewGlobFilter(nil)
	require.NoError(t, err)

	snk := &MockSink{PublishErr: errors.New("broker down"), FailTimes: 2}
	w, err := relay.NewWorker(relay.WorkerConfig{
		Name:         "mock",
		Log:          l,
		Sink:         snk,
		Filter:       filter,
		TopicPrefix:  "sqlwatch",
		PollInterval: 5 * time.Millisecond,
		RetryInitial: time.Millisecond,
	})
	require.NoError(t, err)

	w.Start()
	require.Eventually(t, func() bool { return len(snk.Published()) == 1 }, 5*time.Second, 5*time.Millisecond)
	w.Stop()

	require.Equal(t, 3, snk.Attempts())
	require.Equal(t, "sqlwatch.q", snk.Published()[0].Topic)

	snk.Reset()
	require.Empty(t, snk.Published())
}
