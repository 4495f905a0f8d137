package sinks

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// KafkaSink upserts values into a Kafka topic. Messages are keyed by
// destination/type_key, which keeps one type key on one partition in dispatch
// order. Each message holds a different subset of values, so the topic must not
// be compacted.
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
}

// KafkaConfig holds configuration for the Kafka sink
type KafkaConfig struct {
	// Brokers is a list of Kafka broker addresses
	Brokers []string `json:"brokers"`

	// Topic is the Kafka topic to publish upserts to
	Topic string `json:"topic"`

	// SASL authentication (optional)
	SASLMechanism string `json:"sasl_mechanism"` // "plain", "scram-sha-256", "scram-sha-512"
	SASLUsername  string `json:"sasl_username"`
	SASLPassword  string `json:"sasl_password"`

	// TLS configuration
	TLSEnabled bool `json:"tls_enabled"`

	// Batching configuration
	BatchSize    int `json:"batch_size"`    // Default: 100
	BatchTimeout int `json:"batch_timeout"` // Milliseconds, default: 10
	BatchBytes   int `json:"batch_bytes"`   // Default: 1048576 (1MB)

	// Compression: "none", "gzip", "snappy", "lz4", "zstd"
	Compression string `json:"compression"`

	// RequiredAcks: "none" (0), "leader" (1), "all" (-1)
	RequiredAcks string `json:"required_acks"`
}

// NewKafkaSink creates a new Kafka sink with the given configuration
func NewKafkaSink(ctx context.Context, config *KafkaConfig) (*KafkaSink, error) {
	if config == nil || len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	transport, err := NewKafkaTransport(config.SASLMechanism, config.SASLUsername, config.SASLPassword, config.TLSEnabled)
	if err != nil {
		return nil, err
	}

	// Determine compression codec
	compression := kafka.Compression(0) // none
	switch config.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "snappy":
		compression = kafka.Snappy
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	}

	// Determine required acks
	requiredAcks := kafka.RequireOne // default: leader only
	switch config.RequiredAcks {
	case "none", "0":
		requiredAcks = kafka.RequireNone
	case "all", "-1":
		requiredAcks = kafka.RequireAll
	}

	// Apply defaults
	batchSize := 100
	if config.BatchSize > 0 {
		batchSize = config.BatchSize
	}

	// Upserts are synchronous, so a long linger only adds latency to every dispatch.
	batchTimeout := 10 * time.Millisecond
	if config.BatchTimeout > 0 {
		batchTimeout = time.Duration(config.BatchTimeout) * time.Millisecond
	}

	batchBytes := 1048576 // 1MB
	if config.BatchBytes > 0 {
		batchBytes = config.BatchBytes
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Transport:    transport,
		Balancer:     &kafka.Hash{},
		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
		BatchBytes:   int64(batchBytes),
		Compression:  compression,
		RequiredAcks: requiredAcks,
	}

	return &KafkaSink{
		writer: writer,
		topic:  config.Topic,
	}, nil
}

// NewKafkaTransport builds a writer transport with SASL/TLS if configured
func NewKafkaTransport(mechanism, username, password string, tlsEnabled bool) (*kafka.Transport, error) {
	transport := &kafka.Transport{}

	if mechanism != "" {
		m, err := buildSASLMechanism(mechanism, username, password)
		if err != nil {
			return nil, err
		}
		transport.SASL = m
	}

	if tlsEnabled {
		transport.TLS = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return transport, nil
}

// NewKafkaDialer builds a reader dialer with the same SASL/TLS settings as the sink transport
func NewKafkaDialer(mechanism, username, password string, tlsEnabled bool) (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	if mechanism != "" {
		m, err := buildSASLMechanism(mechanism, username, password)
		if err != nil {
			return nil, err
		}
		dialer.SASLMechanism = m
	}

	if tlsEnabled {
		dialer.TLS = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return dialer, nil
}

// buildSASLMechanism creates the appropriate SASL mechanism
func buildSASLMechanism(mechanism, username, password string) (sasl.Mechanism, error) {
	switch mechanism {
	case "plain":
		return &plain.Mechanism{
			Username: username,
			Password: password,
		}, nil

	case "scram-sha-256":
		m, err := scram.Mechanism(scram.SHA256, username, password)
		if err != nil {
			return nil, fmt.Errorf("failed to create SCRAM-SHA-256 mechanism: %w", err)
		}
		return m, nil

	case "scram-sha-512":
		m, err := scram.Mechanism(scram.SHA512, username, password)
		if err != nil {
			return nil, fmt.Errorf("failed to create SCRAM-SHA-512 mechanism: %w", err)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", mechanism)
	}
}

// Name returns the sink identifier
func (s *KafkaSink) Name() string {
	return "kafka"
}

// Upsert publishes one message carrying all values for the key
func (s *KafkaSink) Upsert(ctx context.Context, destination, typeKey string, values []any) error {
	req := newRequest(ctx, destination, typeKey, values)
	data, err := req.JSON()
	if err != nil {
		return marshalError(req, err)
	}

	msg := kafka.Message{
		Key:   []byte(req.Key()),
		Value: data,
		Time:  req.SentAt,
		Headers: []kafka.Header{
			{Key: "destination", Value: []byte(destination)},
			{Key: "type_key", Value: []byte(typeKey)},
		},
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write to %s failed: %w", s.topic, err)
	}
	return nil
}

// Close gracefully shuts down the Kafka writer
func (s *KafkaSink) Close() error {
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}

func init() {
	Register("kafka", func(ctx context.Context, config map[string]any) (Sink, error) {
		cfg := &KafkaConfig{}

		cfg.Brokers = stringSlice(config, "brokers")

		if v, ok := config["topic"].(string); ok {
			cfg.Topic = v
		}

		// Parse SASL config
		if v, ok := config["sasl_mechanism"].(string); ok {
			cfg.SASLMechanism = v
		}
		if v, ok := config["sasl_username"].(string); ok {
			cfg.SASLUsername = v
		}
		if v, ok := config["sasl_password"].(string); ok {
			cfg.SASLPassword = v
		}

		if v, ok := config["tls_enabled"].(bool); ok {
			cfg.TLSEnabled = v
		}

		// Parse batching config
		if v, ok := intValue(config, "batch_size"); ok {
			cfg.BatchSize = v
		}
		if v, ok := intValue(config, "batch_timeout"); ok {
			cfg.BatchTimeout = v
		}
		if v, ok := intValue(config, "batch_bytes"); ok {
			cfg.BatchBytes = v
		}

		if v, ok := config["compression"].(string); ok {
			cfg.Compression = v
		}
		if v, ok := config["required_acks"].(string); ok {
			cfg.RequiredAcks = v
		}

		return NewKafkaSink(ctx, cfg)
	})
}
