package readers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/maximhq/bifrost/plugins/refsender"
	"github.com/maximhq/bifrost/plugins/refsender/sinks"
)

const (
	defaultPollTimeout = 500 * time.Millisecond
	defaultMaxMessages = 1000
)

// messageReader is the subset of *kafka.Reader used by KafkaReader
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	SetOffsetAt(ctx context.Context, t time.Time) error
	Close() error
}

// KafkaConfig holds configuration for the Kafka reader. Message values are JSON
// records: {"type_key": "...", "payload": [...]}.
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`

	// GroupID is the consumer group used for live reads (required)
	GroupID string `json:"group_id"`

	// Partitions limits backfill to these partitions. All partitions of the
	// topic are replayed when empty.
	Partitions []int `json:"partitions"`

	// Backfill enables replaying the backfill window (default: true)
	Backfill bool `json:"backfill"`

	// SASL authentication (optional)
	SASLMechanism string `json:"sasl_mechanism"` // "plain", "scram-sha-256", "scram-sha-512"
	SASLUsername  string `json:"sasl_username"`
	SASLPassword  string `json:"sasl_password"`

	TLSEnabled bool `json:"tls_enabled"`

	// PollTimeout ends a read pass when no message arrives within it (default: 500ms)
	PollTimeout time.Duration `json:"poll_timeout"`

	// MaxMessages bounds the messages of one live pass (default: 1000)
	MaxMessages int `json:"max_messages"`

	// StartOffset is where a new consumer group starts: "first" (default) or
	// "last". Committed offsets always take precedence.
	StartOffset string `json:"start_offset"`
}

// KafkaReader reads records from a Kafka topic. Live passes consume the topic
// through a consumer group, committing what they yielded. Backfill replays each
// partition from the offset at the window start. Once a backfill completed,
// live passes skip messages produced before the window end, so a new group
// starting at the first offset does not send the backfilled records again.
type KafkaReader struct {
	name         string
	topic        string
	pollTimeout  time.Duration
	maxMessages  int
	partitionIDs []int

	live          messageReader
	openPartition func(partition int) messageReader
	lookup        func(ctx context.Context) ([]int, error)

	// liveFrom is the end of the last completed backfill window
	liveFrom time.Time
}

// NewKafkaReader creates a Kafka reader. No connection is made until the first read.
func NewKafkaReader(name string, cfg *KafkaConfig) (*KafkaReader, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka group_id is required")
	}

	dialer, err := sinks.NewKafkaDialer(cfg.SASLMechanism, cfg.SASLUsername, cfg.SASLPassword, cfg.TLSEnabled)
	if err != nil {
		return nil, err
	}

	pollTimeout := defaultPollTimeout
	if cfg.PollTimeout > 0 {
		pollTimeout = cfg.PollTimeout
	}
	maxMessages := defaultMaxMessages
	if cfg.MaxMessages > 0 {
		maxMessages = cfg.MaxMessages
	}

	startOffset := kafka.FirstOffset
	switch cfg.StartOffset {
	case "", "first":
	case "last":
		startOffset = kafka.LastOffset
	default:
		return nil, fmt.Errorf("unsupported kafka start_offset: %s", cfg.StartOffset)
	}

	r := &KafkaReader{
		name:         name,
		topic:        cfg.Topic,
		pollTimeout:  pollTimeout,
		maxMessages:  maxMessages,
		partitionIDs: cfg.Partitions,
		live: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			GroupID:     cfg.GroupID,
			Dialer:      dialer,
			StartOffset: startOffset,
			MaxWait:     pollTimeout,
		}),
	}

	r.openPartition = func(partition int) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:   cfg.Brokers,
			Topic:     cfg.Topic,
			Partition: partition,
			Dialer:    dialer,
			MaxWait:   pollTimeout,
		})
	}
	r.lookup = func(ctx context.Context) ([]int, error) {
		var lastErr error
		for _, broker := range cfg.Brokers {
			partitions, err := dialer.LookupPartitions(ctx, "tcp", broker, cfg.Topic)
			if err != nil {
				lastErr = err
				continue
			}
			ids := make([]int, 0, len(partitions))
			for _, p := range partitions {
				ids = append(ids, p.ID)
			}
			return ids, nil
		}
		return nil, fmt.Errorf("failed to look up partitions of %s: %w", cfg.Topic, lastErr)
	}

	return r, nil
}

// Name returns the reader name
func (r *KafkaReader) Name() string {
	return r.name
}

// ReadLive yields the records available on the consumer group. The pass ends
// when no message arrives within the poll timeout, after max_messages, or after
// a message produced later than asOf. Messages already covered by a completed
// backfill are committed without being yielded.
func (r *KafkaReader) ReadLive(ctx context.Context, asOf time.Time) iter.Seq2[refsender.Record, error] {
	return func(yield func(refsender.Record, error) bool) {
		var fetched []kafka.Message
		active := true
		emit := func(record refsender.Record, err error) bool {
			active = yield(record, err)
			return active
		}
		defer func() {
			if len(fetched) == 0 {
				return
			}
			err := r.live.CommitMessages(context.WithoutCancel(ctx), fetched...)
			if err != nil && active {
				yield(refsender.Record{}, fmt.Errorf("kafka commit on %s failed: %w", r.topic, err))
			}
		}()

		for len(fetched) < r.maxMessages {
			msg, err := r.fetch(ctx, r.live)
			if errors.Is(err, errPartitionEnd) || ctx.Err() != nil {
				return
			}
			if err != nil {
				emit(refsender.Record{}, err)
				return
			}
			fetched = append(fetched, msg)
			if msg.Time.Before(r.liveFrom) {
				continue
			}

			record, err := refsender.DecodeRecord(msg.Value)
			if err != nil {
				emit(refsender.Record{}, fmt.Errorf("partition %d offset %d: %w", msg.Partition, msg.Offset, err))
				return
			}
			if !emit(record, nil) {
				return
			}
			if msg.Time.After(asOf) {
				return
			}
		}
	}
}

// ReadBackfill replays every partition from the first offset at or after start
// up to the first message at or after end, or the end of the partition.
func (r *KafkaReader) ReadBackfill(ctx context.Context, start, end time.Time) iter.Seq2[refsender.Record, error] {
	return func(yield func(refsender.Record, error) bool) {
		partitions := r.partitionIDs
		if len(partitions) == 0 {
			var err error
			if partitions, err = r.lookup(ctx); err != nil {
				yield(refsender.Record{}, err)
				return
			}
		}

		for _, partition := range partitions {
			if !r.backfillPartition(ctx, partition, start, end, yield) {
				return
			}
		}
		if end.After(r.liveFrom) {
			r.liveFrom = end
		}
	}
}

// backfillPartition yields one partition's window. It returns false when the
// caller stopped or an error was yielded.
func (r *KafkaReader) backfillPartition(
	ctx context.Context,
	partition int,
	start, end time.Time,
	yield func(refsender.Record, error) bool,
) bool {
	reader := r.openPartition(partition)
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, start); err != nil {
		yield(refsender.Record{}, fmt.Errorf("kafka seek on %s partition %d failed: %w", r.topic, partition, err))
		return false
	}

	for {
		msg, err := r.fetch(ctx, reader)
		if errors.Is(err, errPartitionEnd) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if err != nil {
			yield(refsender.Record{}, err)
			return false
		}
		if !msg.Time.Before(end) {
			return true
		}

		record, err := refsender.DecodeRecord(msg.Value)
		if err != nil {
			yield(refsender.Record{}, fmt.Errorf("partition %d offset %d: %w", msg.Partition, msg.Offset, err))
			return false
		}
		if !yield(record, nil) {
			return false
		}
	}
}

var errPartitionEnd = errors.New("no message within poll timeout")

// fetch waits up to the poll timeout for the next message
func (r *KafkaReader) fetch(ctx context.Context, reader messageReader) (kafka.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.pollTimeout)
	defer cancel()

	msg, err := reader.FetchMessage(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return kafka.Message{}, errPartitionEnd
		}
		return kafka.Message{}, fmt.Errorf("kafka fetch on %s failed: %w", r.topic, err)
	}
	return msg, nil
}

// Close closes the consumer group reader
func (r *KafkaReader) Close() error {
	return r.live.Close()
}

// liveOnlyReader hides ReadBackfill when backfill is disabled
type liveOnlyReader struct {
	reader *KafkaReader
}

func (r *liveOnlyReader) Name() string { return r.reader.Name() }

func (r *liveOnlyReader) ReadLive(ctx context.Context, asOf time.Time) iter.Seq2[refsender.Record, error] {
	return r.reader.ReadLive(ctx, asOf)
}

func (r *liveOnlyReader) Close() error { return r.reader.Close() }

func init() {
	Register("kafka", func(ctx context.Context, name string, config map[string]any) (refsender.LiveReader, error) {
		cfg := &KafkaConfig{Backfill: true}

		cfg.Brokers = stringSlice(config, "brokers")
		cfg.Partitions = intSlice(config, "partitions")

		if v, ok := config["topic"].(string); ok {
			cfg.Topic = v
		}
		if v, ok := config["group_id"].(string); ok {
			cfg.GroupID = v
		}
		if v, ok := config["backfill"].(bool); ok {
			cfg.Backfill = v
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

		pollTimeout, ok, err := durationValue(config, "poll_timeout")
		if err != nil {
			return nil, err
		}
		if ok {
			cfg.PollTimeout = pollTimeout
		}
		if v, ok := intValue(config, "max_messages"); ok {
			cfg.MaxMessages = v
		}
		if v, ok := config["start_offset"].(string); ok {
			cfg.StartOffset = v
		}

		reader, err := NewKafkaReader(name, cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.Backfill {
			return &liveOnlyReader{reader: reader}, nil
		}
		return reader, nil
	})
}
