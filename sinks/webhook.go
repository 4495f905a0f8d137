package sinks

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/fasthttp"
)

// WebhookSink upserts values by POSTing them to an HTTP endpoint
type WebhookSink struct {
	client  *fasthttp.Client
	url     string
	headers map[string]string
	timeout time.Duration
}

// WebhookConfig holds configuration for the webhook sink
type WebhookConfig struct {
	// URL is the HTTP endpoint to send upserts to. The placeholders {destination}
	// and {type_key} are replaced with the path-escaped values of each upsert.
	URL string `json:"url"`

	// Headers are additional HTTP headers to include in requests
	Headers map[string]string `json:"headers"`

	// TimeoutMs is the request timeout in milliseconds (default: 5000)
	TimeoutMs int `json:"timeout_ms"`

	// MaxConnsPerHost limits concurrent connections (default: 100)
	MaxConnsPerHost int `json:"max_conns_per_host"`
}

// NewWebhookSink creates a new webhook sink with the given configuration
func NewWebhookSink(config *WebhookConfig) (*WebhookSink, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}

	timeout := 5 * time.Second
	if config.TimeoutMs > 0 {
		timeout = time.Duration(config.TimeoutMs) * time.Millisecond
	}

	maxConns := 100
	if config.MaxConnsPerHost > 0 {
		maxConns = config.MaxConnsPerHost
	}

	client := &fasthttp.Client{
		MaxConnsPerHost:     maxConns,
		ReadTimeout:         timeout,
		WriteTimeout:        timeout,
		MaxIdleConnDuration: 30 * time.Second,
	}

	return &WebhookSink{
		client:  client,
		url:     config.URL,
		headers: config.Headers,
		timeout: timeout,
	}, nil
}

// Name returns the sink identifier
func (s *WebhookSink) Name() string {
	return "webhook"
}

// Upsert POSTs the upsert request as JSON
func (s *WebhookSink) Upsert(ctx context.Context, destination, typeKey string, values []any) error {
	upsert := newRequest(ctx, destination, typeKey, values)
	data, err := upsert.JSON()
	if err != nil {
		return marshalError(upsert, err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.resolveURL(destination, typeKey))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Destination", destination)
	req.Header.Set("X-Type-Key", typeKey)
	if upsert.DispatchID != "" {
		req.Header.Set("X-Dispatch-Id", upsert.DispatchID)
	}

	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	req.SetBody(data)

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return fmt.Errorf("webhook upsert for %s: %w", upsert.Key(), context.DeadlineExceeded)
	}

	if err := s.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}

	if status := resp.StatusCode(); status >= 400 {
		err := fmt.Errorf("webhook returned status %d: %s", status, string(resp.Body()))
		if status < 500 && status != fasthttp.StatusRequestTimeout && status != fasthttp.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	return nil
}

func (s *WebhookSink) resolveURL(destination, typeKey string) string {
	if !strings.Contains(s.url, "{") {
		return s.url
	}
	return strings.NewReplacer(
		"{destination}", url.PathEscape(destination),
		"{type_key}", url.PathEscape(typeKey),
	).Replace(s.url)
}

// Close releases resources
func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func init() {
	Register("webhook", func(ctx context.Context, config map[string]any) (Sink, error) {
		cfg := &WebhookConfig{}

		if v, ok := config["url"].(string); ok {
			cfg.URL = v
		}
		cfg.Headers = stringMap(config, "headers")
		if v, ok := intValue(config, "timeout_ms"); ok {
			cfg.TimeoutMs = v
		}
		if v, ok := intValue(config, "max_conns_per_host"); ok {
			cfg.MaxConnsPerHost = v
		}

		return NewWebhookSink(cfg)
	})
}
