package sinks

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/cenkalti/backoff/v4"
)

// maxKinesisRecordBytes is the Kinesis limit for a single record's data blob.
const maxKinesisRecordBytes = 1 << 20

// kinesisAPI is the subset of the Kinesis client used by the sink
type kinesisAPI interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// KinesisSink upserts values into an AWS Kinesis stream
type KinesisSink struct {
	client     kinesisAPI
	streamName string
}

// KinesisConfig holds configuration for the Kinesis sink
type KinesisConfig struct {
	// StreamName is the Kinesis stream name (required)
	StreamName string `json:"stream_name"`

	// Region is the AWS region (required)
	Region string `json:"region"`

	// Credentials (optional - uses default credential chain if not provided)
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"` // For temporary credentials

	// Endpoint allows overriding the default endpoint (useful for LocalStack testing)
	Endpoint string `json:"endpoint"`
}

// NewKinesisSink creates a new Kinesis sink with the given configuration
func NewKinesisSink(ctx context.Context, cfg *KinesisConfig) (*KinesisSink, error) {
	if cfg == nil {
		return nil, fmt.Errorf("kinesis config is required")
	}
	if cfg.StreamName == "" {
		return nil, fmt.Errorf("kinesis stream_name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("kinesis region is required")
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*kinesis.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *kinesis.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &KinesisSink{
		client:     kinesis.NewFromConfig(awsCfg, clientOpts...),
		streamName: cfg.StreamName,
	}, nil
}

// Name returns the sink identifier
func (s *KinesisSink) Name() string {
	return "kinesis"
}

// Upsert puts the values as one or more records partitioned by destination/type_key.
// The key only pins a type key to one shard; every record carries its own values.
// Requests over the record size limit are split, and the parts are chained with
// SequenceNumberForOrdering so consumers see them in value order.
func (s *KinesisSink) Upsert(ctx context.Context, destination, typeKey string, values []any) error {
	req := newRequest(ctx, destination, typeKey, values)
	blobs, err := splitRequest(req, maxKinesisRecordBytes)
	if err != nil {
		return err
	}

	var sequence *string
	for i, data := range blobs {
		out, err := s.client.PutRecord(ctx, &kinesis.PutRecordInput{
			StreamName:                aws.String(s.streamName),
			Data:                      data,
			PartitionKey:              aws.String(req.Key()),
			SequenceNumberForOrdering: sequence,
		})
		if err != nil {
			return fmt.Errorf("failed to put record %d/%d for %s to Kinesis: %w", i+1, len(blobs), req.Key(), err)
		}
		sequence = out.SequenceNumber
	}

	return nil
}

// splitRequest encodes req, halving its values until every part fits in limit bytes.
func splitRequest(req *UpsertRequest, limit int) ([][]byte, error) {
	data, err := req.JSON()
	if err != nil {
		return nil, marshalError(req, err)
	}
	if len(data) <= limit {
		return [][]byte{data}, nil
	}
	if len(req.Values) < 2 {
		return nil, backoff.Permanent(fmt.Errorf("upsert for %s is %d bytes, over the %d byte record limit", req.Key(), len(data), limit))
	}

	mid := len(req.Values) / 2
	left := *req
	left.Values = req.Values[:mid]
	right := *req
	right.Values = req.Values[mid:]

	head, err := splitRequest(&left, limit)
	if err != nil {
		return nil, err
	}
	tail, err := splitRequest(&right, limit)
	if err != nil {
		return nil, err
	}
	return append(head, tail...), nil
}

// Close gracefully shuts down the Kinesis client
func (s *KinesisSink) Close() error {
	// AWS SDK v2 clients don't require explicit cleanup
	return nil
}

func init() {
	Register("kinesis", func(ctx context.Context, config map[string]any) (Sink, error) {
		cfg := &KinesisConfig{}

		if v, ok := config["stream_name"].(string); ok {
			cfg.StreamName = v
		}
		if v, ok := config["region"].(string); ok {
			cfg.Region = v
		}
		if v, ok := config["access_key_id"].(string); ok {
			cfg.AccessKeyID = v
		}
		if v, ok := config["secret_access_key"].(string); ok {
			cfg.SecretAccessKey = v
		}
		if v, ok := config["session_token"].(string); ok {
			cfg.SessionToken = v
		}
		if v, ok := config["endpoint"].(string); ok {
			cfg.Endpoint = v
		}

		return NewKinesisSink(ctx, cfg)
	})
}
