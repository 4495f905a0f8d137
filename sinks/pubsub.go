package sinks

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// publisher is the subset of *pubsub.Topic used by the sink, with Publish
// waiting for the server acknowledgement
type publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) (string, error)
	ResumePublish(orderingKey string)
	Stop()
}

// topicPublisher adapts *pubsub.Topic to publisher
type topicPublisher struct {
	topic *pubsub.Topic
}

func (p topicPublisher) Publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	return p.topic.Publish(ctx, msg).Get(ctx)
}

func (p topicPublisher) ResumePublish(orderingKey string) {
	p.topic.ResumePublish(orderingKey)
}

func (p topicPublisher) Stop() {
	p.topic.Stop()
}

// PubSubSink upserts values by publishing them to a Google Cloud Pub/Sub topic
type PubSubSink struct {
	client    *pubsub.Client
	publisher publisher
	grpcConn  *grpc.ClientConn // Only set when using emulator endpoint
	ordered   bool
}

// PubSubConfig holds configuration for the Pub/Sub sink
type PubSubConfig struct {
	// ProjectID is the GCP project ID (required)
	ProjectID string `json:"project_id"`

	// TopicID is the Pub/Sub topic ID (required)
	TopicID string `json:"topic_id"`

	// CredentialsFile path to a service account JSON file (optional)
	// If not provided, uses Application Default Credentials
	CredentialsFile string `json:"credentials_file"`

	// CredentialsJSON is the service account JSON content (optional)
	// Alternative to CredentialsFile for secret management
	CredentialsJSON string `json:"credentials_json"`

	// Endpoint allows overriding the default endpoint (useful for emulator testing)
	Endpoint string `json:"endpoint"`

	// Ordered publishes with ordering key destination/type_key, so upserts for one
	// key are delivered in dispatch order
	Ordered bool `json:"ordered"`

	// PublishSettings customization
	BatchSize      int `json:"batch_size"`       // Max messages per batch (default: 100)
	BatchBytes     int `json:"batch_bytes"`      // Max bytes per batch (default: 1MB)
	BatchDelayMs   int `json:"batch_delay_ms"`   // Max delay before publishing (default: 10ms)
	NumGoroutines  int `json:"num_goroutines"`   // Concurrent publish goroutines (default: 25)
	FlowControlMax int `json:"flow_control_max"` // Max outstanding messages (default: 1000)
}

// NewPubSubSink creates a new Pub/Sub sink with the given configuration
func NewPubSubSink(ctx context.Context, cfg *PubSubConfig) (*PubSubSink, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pubsub config is required")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project_id is required")
	}
	if cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub topic_id is required")
	}

	var opts []option.ClientOption

	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	} else if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}

	var grpcConn *grpc.ClientConn
	if cfg.Endpoint != "" {
		// When using an emulator endpoint, use insecure gRPC credentials
		var err error
		grpcConn, err = grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create grpc connection: %w", err)
		}
		opts = append(opts, option.WithGRPCConn(grpcConn))
		opts = append(opts, option.WithoutAuthentication())
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		if grpcConn != nil {
			grpcConn.Close()
		}
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	topic := client.Topic(cfg.TopicID)

	if cfg.BatchSize > 0 {
		topic.PublishSettings.CountThreshold = cfg.BatchSize
	}
	if cfg.BatchBytes > 0 {
		topic.PublishSettings.ByteThreshold = cfg.BatchBytes
	}
	if cfg.BatchDelayMs > 0 {
		topic.PublishSettings.DelayThreshold = time.Duration(cfg.BatchDelayMs) * time.Millisecond
	}
	if cfg.NumGoroutines > 0 {
		topic.PublishSettings.NumGoroutines = cfg.NumGoroutines
	}
	if cfg.FlowControlMax > 0 {
		topic.PublishSettings.FlowControlSettings.MaxOutstandingMessages = cfg.FlowControlMax
	}

	if cfg.Ordered {
		topic.EnableMessageOrdering = true
	}

	return &PubSubSink{
		client:    client,
		publisher: topicPublisher{topic: topic},
		grpcConn:  grpcConn,
		ordered:   cfg.Ordered,
	}, nil
}

// Name returns the sink identifier
func (s *PubSubSink) Name() string {
	return "pubsub"
}

// Upsert publishes one message and waits for the server to acknowledge it
func (s *PubSubSink) Upsert(ctx context.Context, destination, typeKey string, values []any) error {
	req := newRequest(ctx, destination, typeKey, values)
	data, err := req.JSON()
	if err != nil {
		return marshalError(req, err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"destination": destination,
			"type_key":    typeKey,
		},
	}
	if s.ordered {
		msg.OrderingKey = req.Key()
	}

	if _, err := s.publisher.Publish(ctx, msg); err != nil {
		if s.ordered {
			// A failed publish pauses its ordering key until resumed.
			s.publisher.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("failed to publish upsert for %s: %w", req.Key(), err)
	}

	return nil
}

// Close gracefully shuts down the Pub/Sub client
func (s *PubSubSink) Close() error {
	// Stop accepting new messages and flush pending
	s.publisher.Stop()

	var err error
	if s.client != nil {
		err = s.client.Close()
	}

	// Close the gRPC connection if it was created for emulator mode
	if s.grpcConn != nil {
		if grpcErr := s.grpcConn.Close(); grpcErr != nil && err == nil {
			err = grpcErr
		}
	}

	return err
}

func init() {
	Register("pubsub", func(ctx context.Context, config map[string]any) (Sink, error) {
		cfg := &PubSubConfig{}

		if v, ok := config["project_id"].(string); ok {
			cfg.ProjectID = v
		}
		if v, ok := config["topic_id"].(string); ok {
			cfg.TopicID = v
		}
		if v, ok := config["credentials_file"].(string); ok {
			cfg.CredentialsFile = v
		}
		if v, ok := config["credentials_json"].(string); ok {
			cfg.CredentialsJSON = v
		}
		if v, ok := config["endpoint"].(string); ok {
			cfg.Endpoint = v
		}
		if v, ok := config["ordered"].(bool); ok {
			cfg.Ordered = v
		}
		if v, ok := intValue(config, "batch_size"); ok {
			cfg.BatchSize = v
		}
		if v, ok := intValue(config, "batch_bytes"); ok {
			cfg.BatchBytes = v
		}
		if v, ok := intValue(config, "batch_delay_ms"); ok {
			cfg.BatchDelayMs = v
		}
		if v, ok := intValue(config, "num_goroutines"); ok {
			cfg.NumGoroutines = v
		}
		if v, ok := intValue(config, "flow_control_max"); ok {
			cfg.FlowControlMax = v
		}

		return NewPubSubSink(ctx, cfg)
	})
}
