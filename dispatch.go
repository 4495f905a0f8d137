package refsender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/maximhq/bifrost/core/schemas"
	"github.com/maximhq/bifrost/plugins/refsender/sinks"
	"golang.org/x/sync/errgroup"
)

// Target pairs a sink with the destination its upserts are written to
type Target struct {
	Sink        sinks.Sink
	Destination string
}

// Dispatcher writes every key of a batch to every target
type Dispatcher struct {
	targets    []Target
	workers    int
	maxRetries int
	timeout    time.Duration
	logger     schemas.Logger

	// newBackOff returns the retry policy for one write
	newBackOff func() backoff.BackOff
}

// NewDispatcher creates a dispatcher running at most workers writes at a time.
// Each write is bounded by timeout and retried up to maxRetries times.
func NewDispatcher(targets []Target, workers, maxRetries int, timeout time.Duration, logger schemas.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Dispatcher{
		targets:    targets,
		workers:    workers,
		maxRetries: maxRetries,
		timeout:    timeout,
		logger:     logger,
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // attempts are bounded by maxRetries
	return b
}

// Dispatch sends the values of every key in batch to every target and returns
// once all writes finished. Failures of individual writes are collected into a
// single error.
func (d *Dispatcher) Dispatch(ctx context.Context, batch *Batch) error {
	if batch == nil || batch.Empty() {
		return nil
	}

	dispatchID := uuid.New().String()
	ctx = sinks.WithDispatchID(ctx, dispatchID)
	d.logger.Debug("refsender: dispatch %s: %d keys, %d values to %d targets",
		dispatchID, len(batch.Keys()), batch.ValueCount(), len(d.targets))

	var (
		mu     sync.Mutex
		result *multierror.Error
		g      errgroup.Group
	)
	g.SetLimit(d.workers)

	for _, key := range batch.Keys() {
		values := batch.Values(key)
		for _, target := range d.targets {
			g.Go(func() error {
				if err := d.write(ctx, target, key, values); err != nil {
					mu.Lock()
					result = multierror.Append(result, err)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("dispatch %s: %w", dispatchID, err)
	}
	return nil
}

// write upserts values into one target, retrying with backoff. Errors a sink
// marks with backoff.Permanent are returned after the first attempt.
func (d *Dispatcher) write(ctx context.Context, target Target, key string, values []any) error {
	op := func() error {
		writeCtx := ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			writeCtx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		return target.Sink.Upsert(writeCtx, target.Destination, key, values)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), uint64(d.maxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("refsender: upsert of %s to %s destination %s failed, retrying in %s: %v",
			key, target.Sink.Name(), target.Destination, wait, err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("sink %s destination %s key %s: %w", target.Sink.Name(), target.Destination, key, err)
	}
	return nil
}

// Close closes every target's sink
func (d *Dispatcher) Close() error {
	var result *multierror.Error
	for _, target := range d.targets {
		if err := target.Sink.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing sink %s: %w", target.Sink.Name(), err))
		}
	}
	return result.ErrorOrNil()
}
