//go:build integration

package readers

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/maximhq/bifrost/plugins/refsender"
)

func startKafka(t *testing.T, ctx context.Context, topic string) []string {
	t.Helper()

	kafkaContainer, err := kafka.RunContainer(ctx,
		kafka.WithClusterID("test-cluster-readers"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}
	t.Cleanup(func() {
		if err := kafkaContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	})

	brokers, err := kafkaContainer.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to get kafka brokers: %v", err)
	}
	if err := createTopic(brokers[0], topic, 1); err != nil {
		t.Fatalf("failed to create topic: %v", err)
	}
	return brokers
}

// createTopic creates a topic through the cluster controller
func createTopic(broker, topic string, numPartitions int) error {
	conn, err := kafkago.Dial("tcp", broker)
	if err != nil {
		return fmt.Errorf("failed to dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get controller: %w", err)
	}

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial controller: %w", err)
	}
	defer controllerConn.Close()

	return controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
}

func produce(t *testing.T, ctx context.Context, brokers []string, topic string, at time.Time, records ...refsender.Record) {
	t.Helper()

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	defer writer.Close()

	msgs := make([]kafkago.Message, 0, len(records))
	for _, r := range records {
		data, err := r.JSON()
		if err != nil {
			t.Fatalf("JSON() error = %v", err)
		}
		msgs = append(msgs, kafkago.Message{Value: data, Time: at})
	}
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		t.Fatalf("WriteMessages() error = %v", err)
	}
}

func TestKafkaReader_Integration_BackfillThenLive(t *testing.T) {
	ctx := context.Background()
	topic := "reference-records"
	brokers := startKafka(t, ctx, topic)

	early := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Millisecond)
	late := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)

	produce(t, ctx, brokers, topic, early.Add(-time.Hour),
		refsender.Record{TypeKey: "Pump", Payload: []any{"p0"}},
	)
	produce(t, ctx, brokers, topic, early,
		refsender.Record{TypeKey: "Pump", Payload: []any{"p1"}},
		refsender.Record{TypeKey: "Valve", Payload: []any{"v1"}},
	)
	produce(t, ctx, brokers, topic, late,
		refsender.Record{TypeKey: "Pump", Payload: []any{"p2"}},
	)

	reader, err := NewKafkaReader("assets", &KafkaConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "refsender-it",
		Backfill:    true,
		PollTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewKafkaReader() error = %v", err)
	}
	defer reader.Close()

	records, errs := collect(reader.ReadBackfill(ctx, early, late))
	if len(errs) != 0 {
		t.Fatalf("ReadBackfill() errors = %v", errs)
	}
	if got := typeKeys(records); len(got) != 2 || got[0] != "Pump" || got[1] != "Valve" {
		t.Errorf("backfill type keys = %v, want [Pump Valve]", got)
	}

	// the new group starts at the first offset, but everything produced before
	// the backfill end is committed without being read again
	records, errs = collect(reader.ReadLive(ctx, time.Now()))
	if len(errs) != 0 {
		t.Fatalf("ReadLive() errors = %v", errs)
	}
	if len(records) != 1 || records[0].Payload[0] != "p2" {
		t.Errorf("live records = %v, want only p2", records)
	}

	produce(t, ctx, brokers, topic, time.Now().UTC(),
		refsender.Record{TypeKey: "Valve", Payload: []any{"v2"}},
	)
	records, errs = collect(reader.ReadLive(ctx, time.Now().Add(time.Minute)))
	if len(errs) != 0 {
		t.Fatalf("ReadLive() errors = %v", errs)
	}
	if len(records) != 1 || records[0].Payload[0] != "v2" {
		t.Errorf("live records = %v, want only v2", records)
	}

	records, errs = collect(reader.ReadLive(ctx, time.Now()))
	if len(records) != 0 || len(errs) != 0 {
		t.Errorf("last live pass = %v, %v, want nothing after commit", records, errs)
	}
}
