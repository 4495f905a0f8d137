// Package readers provides record sources for the reference data sender.
// Readers are created by name from configuration, like sinks.
package readers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/maximhq/bifrost/plugins/refsender"
)

// Factory creates a reader from configuration
type Factory func(ctx context.Context, name string, config map[string]any) (refsender.LiveReader, error)

// registry holds registered reader factories
var registry = make(map[string]Factory)

// Register adds a reader factory to the registry
func Register(readerType string, factory Factory) {
	registry[readerType] = factory
}

// Create instantiates a reader from its configuration. The reader name
// defaults to its type.
func Create(ctx context.Context, cfg refsender.ReaderConfig) (refsender.LiveReader, error) {
	factory, ok := registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown reader type: %s (available: %v)", cfg.Type, Available())
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Type
	}
	config := cfg.Config
	if config == nil {
		config = map[string]any{}
	}
	reader, err := factory(ctx, name, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create reader %s: %w", name, err)
	}
	return reader, nil
}

// CreateAll instantiates every configured reader in order, closing the ones
// already created if one fails
func CreateAll(ctx context.Context, configs []refsender.ReaderConfig) ([]refsender.LiveReader, error) {
	readers := make([]refsender.LiveReader, 0, len(configs))
	for _, cfg := range configs {
		reader, err := Create(ctx, cfg)
		if err != nil {
			closeAll(readers)
			return nil, err
		}
		readers = append(readers, reader)
	}
	return readers, nil
}

func closeAll(readers []refsender.LiveReader) {
	for _, r := range readers {
		if c, ok := r.(interface{ Close() error }); ok {
			c.Close()
		}
	}
}

// Available returns the registered reader types, sorted
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Helper functions for decoding map[string]any configs. JSON yields float64,
// YAML and env sourced values yield int or string.

func intValue(config map[string]any, key string) (int, bool) {
	switch v := config[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func durationValue(config map[string]any, key string) (time.Duration, bool, error) {
	switch v := config[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
		return d, true, nil
	case time.Duration:
		return v, true, nil
	}
	if ms, ok := intValue(config, key); ok {
		return time.Duration(ms) * time.Millisecond, true, nil
	}
	return 0, false, nil
}

func stringSlice(config map[string]any, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

func intSlice(config map[string]any, key string) []int {
	var out []int
	switch v := config[key].(type) {
	case []int:
		return v
	case []any:
		for _, item := range v {
			if n, ok := intValue(map[string]any{"n": item}, "n"); ok {
				out = append(out, n)
			}
		}
	}
	return out
}
