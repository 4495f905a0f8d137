package sinks

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bytedance/sonic"
)

// StdoutSink writes upserts to stdout (or a configured writer) for debugging and testing.
type StdoutSink struct {
	writer io.Writer
	mu     sync.Mutex
	pretty bool
}

// StdoutConfig holds configuration for the stdout sink
type StdoutConfig struct {
	// Pretty enables indented JSON output (slower, but more readable)
	Pretty bool `json:"pretty"`

	// Output specifies the output destination: "stdout" or "stderr"
	Output string `json:"output"`
}

// NewStdoutSink creates a new stdout sink with the given configuration
func NewStdoutSink(config *StdoutConfig) *StdoutSink {
	writer := os.Stdout
	if config != nil && config.Output == "stderr" {
		writer = os.Stderr
	}

	pretty := false
	if config != nil {
		pretty = config.Pretty
	}

	return &StdoutSink{
		writer: writer,
		pretty: pretty,
	}
}

// Name returns the sink identifier
func (s *StdoutSink) Name() string {
	return "stdout"
}

// Upsert writes one line describing the upsert
func (s *StdoutSink) Upsert(ctx context.Context, destination, typeKey string, values []any) error {
	req := newRequest(ctx, destination, typeKey, values)

	var (
		data []byte
		err  error
	)
	if s.pretty {
		data, err = sonic.ConfigStd.MarshalIndent(req, "", "  ")
	} else {
		data, err = req.JSON()
	}
	if err != nil {
		return marshalError(req, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = fmt.Fprintf(s.writer, "[refsender] %s\n", string(data))
	return err
}

// Close is a no-op for stdout sink
func (s *StdoutSink) Close() error {
	return nil
}

// SetWriter allows changing the output writer (useful for testing)
func (s *StdoutSink) SetWriter(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = w
}

func init() {
	Register("stdout", func(ctx context.Context, config map[string]any) (Sink, error) {
		cfg := &StdoutConfig{}
		if v, ok := config["pretty"].(bool); ok {
			cfg.Pretty = v
		}
		if v, ok := config["output"].(string); ok {
			cfg.Output = v
		}
		return NewStdoutSink(cfg), nil
	})
}
