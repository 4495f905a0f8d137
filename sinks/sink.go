// Package sinks provides destination implementations for the reference data sender.
// A sink receives grouped values for one type key and upserts them into a destination
// on a backend like Kafka, Kinesis, Pub/Sub, a webhook, or stdout for debugging.
package sinks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
)

// Sink defines the interface for reference data destinations.
// Implementations should be thread-safe as upserts may be sent concurrently.
type Sink interface {
	// Name returns the sink identifier (e.g., "kafka", "webhook", "stdout")
	Name() string

	// Upsert writes the values for typeKey into destination. Repeating an upsert with
	// the same destination and typeKey must be safe, since delivery is at-least-once.
	Upsert(ctx context.Context, destination, typeKey string, values []any) error

	// Close gracefully shuts down the sink, flushing any pending writes.
	Close() error
}

// UpsertRequest is the wire form every sink writes for one upsert.
type UpsertRequest struct {
	Destination string    `json:"destination"`
	TypeKey     string    `json:"type_key"`
	Values      []any     `json:"values"`
	DispatchID  string    `json:"dispatch_id,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// JSON returns the JSON representation of the request using sonic
func (r *UpsertRequest) JSON() ([]byte, error) {
	return sonic.Marshal(r)
}

// Key returns destination/type_key. Backends use it for partition affinity and
// ordering only: successive upserts for a key carry different values, so a
// backend must never keep just the latest message per key.
func (r *UpsertRequest) Key() string {
	return r.Destination + "/" + r.TypeKey
}

// marshalError reports a request that cannot be encoded. Retrying it cannot
// succeed, so it is marked permanent.
func marshalError(req *UpsertRequest, err error) error {
	return backoff.Permanent(fmt.Errorf("failed to marshal upsert for %s: %w", req.Key(), err))
}

// IsPermanent reports whether err was marked as not worth retrying
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

type dispatchIDKey struct{}

// WithDispatchID tags ctx with the id of the dispatch an upsert belongs to.
func WithDispatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, dispatchIDKey{}, id)
}

// DispatchID returns the dispatch id stored in ctx, or "".
func DispatchID(ctx context.Context) string {
	id, _ := ctx.Value(dispatchIDKey{}).(string)
	return id
}

// newRequest builds the request for one upsert call.
func newRequest(ctx context.Context, destination, typeKey string, values []any) *UpsertRequest {
	return &UpsertRequest{
		Destination: destination,
		TypeKey:     typeKey,
		Values:      values,
		DispatchID:  DispatchID(ctx),
		SentAt:      time.Now().UTC(),
	}
}

// Factory creates sinks from configuration
type Factory func(ctx context.Context, config map[string]any) (Sink, error)

// registry holds registered sink factories
var registry = make(map[string]Factory)

// Register adds a sink factory to the registry
func Register(name string, factory Factory) {
	registry[name] = factory
}

// Create instantiates a sink by name from the registry
func Create(ctx context.Context, name string, config map[string]any) (Sink, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown sink type: %s", name)
	}
	if config == nil {
		config = map[string]any{}
	}
	return factory(ctx, config)
}

// Available returns the sorted list of registered sink types
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// intValue reads a numeric config value. JSON decoding yields float64 while
// YAML and env sources yield int, so both are accepted.
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

// stringSlice reads a list of strings from config.
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

// stringMap reads a string-to-string map from config.
func stringMap(config map[string]any, key string) map[string]string {
	switch v := config[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
