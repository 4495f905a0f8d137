//go:build integration

package sinks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// setupPubSubTopic creates a topic and a subscription on the emulator.
func setupPubSubTopic(t *testing.T, ctx context.Context, endpoint, projectID, topicID, subscriptionID string, ordered bool) *pubsub.Subscription {
	t.Helper()

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create grpc connection: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("failed to create pubsub client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	if err != nil {
		t.Fatalf("failed to create topic: %v", err)
	}

	sub, err := client.CreateSubscription(ctx, subscriptionID, pubsub.SubscriptionConfig{
		Topic:                 topic,
		AckDeadline:           10 * time.Second,
		EnableMessageOrdering: ordered,
	})
	if err != nil {
		t.Fatalf("failed to create subscription: %v", err)
	}
	return sub
}

func TestPubSubSink_Integration_Upsert(t *testing.T) {
	ctx := context.Background()

	container, endpoint := startPubSubEmulator(t, ctx)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate pubsub emulator: %v", err)
		}
	}()

	projectID := "test-project"
	topicID := "test-reference-topic"
	sub := setupPubSubTopic(t, ctx, endpoint, projectID, topicID, "test-subscription", false)

	sink, err := NewPubSubSink(ctx, &PubSubConfig{
		ProjectID: projectID,
		TopicID:   topicID,
		Endpoint:  endpoint,
	})
	if err != nil {
		t.Fatalf("failed to create pubsub sink: %v", err)
	}
	defer sink.Close()

	upserts := []upsertCall{
		{Destination: "ns-1", TypeKey: "Pump", Values: []any{"p1", "p2"}},
		{Destination: "ns-1", TypeKey: "Valve", Values: []any{"v1"}},
		{Destination: "ns-2", TypeKey: "Pump", Values: []any{"p3"}},
	}
	for _, u := range upserts {
		if err := sink.Upsert(ctx, u.Destination, u.TypeKey, u.Values); err != nil {
			t.Fatalf("Upsert(%s/%s) error = %v", u.Destination, u.TypeKey, err)
		}
	}

	var mu sync.Mutex
	receivedCount := 0
	receiveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err = sub.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()

		var received UpsertRequest
		if err := json.Unmarshal(msg.Data, &received); err != nil {
			t.Errorf("failed to unmarshal message: %v", err)
			return
		}
		if msg.Attributes["destination"] != received.Destination {
			t.Errorf("destination attribute = %s, want %s", msg.Attributes["destination"], received.Destination)
		}
		if msg.Attributes["type_key"] != received.TypeKey {
			t.Errorf("type_key attribute = %s, want %s", msg.Attributes["type_key"], received.TypeKey)
		}

		mu.Lock()
		receivedCount++
		done := receivedCount >= len(upserts)
		mu.Unlock()
		if done {
			cancel()
		}
	})
	if err != nil && err != context.Canceled {
		t.Logf("receive ended: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if receivedCount != len(upserts) {
		t.Errorf("received %d messages, want %d", receivedCount, len(upserts))
	}
}

func TestPubSubSink_Integration_Ordered(t *testing.T) {
	ctx := context.Background()

	container, endpoint := startPubSubEmulator(t, ctx)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate pubsub emulator: %v", err)
		}
	}()

	projectID := "test-project"
	topicID := "test-ordered-topic"
	sub := setupPubSubTopic(t, ctx, endpoint, projectID, topicID, "test-ordered-sub", true)

	sink, err := NewPubSubSink(ctx, &PubSubConfig{
		ProjectID:      projectID,
		TopicID:        topicID,
		Endpoint:       endpoint,
		Ordered:        true,
		BatchSize:      10,
		BatchBytes:     1024 * 1024,
		BatchDelayMs:   50,
		NumGoroutines:  4,
		FlowControlMax: 100,
	})
	if err != nil {
		t.Fatalf("failed to create pubsub sink with batch settings: %v", err)
	}
	defer sink.Close()

	const total = 20
	for i := 0; i < total; i++ {
		if err := sink.Upsert(ctx, "ns-1", "Pump", []any{i}); err != nil {
			t.Fatalf("Upsert(%d) error = %v", i, err)
		}
	}

	var mu sync.Mutex
	var order []int
	receiveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err = sub.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()

		if msg.OrderingKey != "ns-1/Pump" {
			t.Errorf("OrderingKey = %s, want ns-1/Pump", msg.OrderingKey)
		}
		var received struct {
			Values []int `json:"values"`
		}
		if err := json.Unmarshal(msg.Data, &received); err != nil || len(received.Values) != 1 {
			t.Errorf("unexpected message %s: %v", string(msg.Data), err)
			return
		}

		mu.Lock()
		order = append(order, received.Values[0])
		done := len(order) >= total
		mu.Unlock()
		if done {
			cancel()
		}
	})
	if err != nil && err != context.Canceled {
		t.Logf("receive ended: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != total {
		t.Fatalf("received %d messages, want %d", len(order), total)
	}
	for i, v := range order {
		if v != i {
			t.Errorf("message %d carried value %d, want in-order delivery", i, v)
			break
		}
	}
}

// startPubSubEmulator starts a Pub/Sub emulator container and returns the container and endpoint
func startPubSubEmulator(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "gcr.io/google.com/cloudsdktool/google-cloud-cli:emulators",
		ExposedPorts: []string{"8085/tcp"},
		Cmd:          []string{"gcloud", "beta", "emulators", "pubsub", "start", "--host-port=0.0.0.0:8085"},
		WaitingFor:   wait.ForLog("Server started").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start pubsub emulator: %v", err)
	}

	endpoint, err := container.PortEndpoint(ctx, "8085/tcp", "")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to get pubsub emulator endpoint: %v", err)
	}

	return container, endpoint
}
