package refsender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/maximhq/bifrost/core/schemas"
	"github.com/maximhq/bifrost/plugins/refsender/sinks"
	"k8s.io/utils/clock"
)

const Name = "refsender"

// Sender moves records from readers to sinks. It backfills once, then polls
// the live readers until its context is cancelled.
type Sender struct {
	config     *Config
	readers    readerSet
	dispatcher *Dispatcher
	logger     schemas.Logger
	observer   RateObserver
	clock      clock.Clock

	// Owned by the Run goroutine
	queue *RingQueue
	timer time.Time

	running atomic.Bool

	// Metrics
	recordsRead      atomic.Int64
	valuesSent       atomic.Int64
	dispatches       atomic.Int64
	sendErrors       atomic.Int64
	readErrors       atomic.Int64
	lastFlushTime    atomic.Int64
	backfillComplete atomic.Bool
}

// Init creates a sender for readers, building one target per configured sink.
// observer may be nil.
func Init(
	ctx context.Context,
	config *Config,
	readers []LiveReader,
	logger schemas.Logger,
	observer RateObserver,
) (*Sender, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if len(readers) == 0 {
		return nil, fmt.Errorf("at least one reader is required")
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	targets, err := createTargets(ctx, config.Sinks)
	if err != nil {
		return nil, err
	}

	if observer == nil {
		observer = NoopObserver{}
	}

	s := &Sender{
		config:     config,
		readers:    newReaderSet(readers),
		dispatcher: NewDispatcher(targets, config.AsyncWorkers, config.MaxRetries, config.SinkTimeout, logger),
		logger:     logger,
		observer:   observer,
		clock:      clock.RealClock{},
		queue:      NewRingQueue(config.MaxQueueLength),
	}

	if config.MaxBatchSize > config.MaxQueueLength {
		logger.Warn("refsender: max_batch_size %d exceeds max_queue_length %d, only send_period will trigger dispatches",
			config.MaxBatchSize, config.MaxQueueLength)
	}

	logger.Info("refsender initialized with %d sinks, %d readers (%d backfill), async_workers: %d",
		len(targets), len(s.readers.live), len(s.readers.backfill), config.AsyncWorkers)
	return s, nil
}

// createTargets builds the sinks in configuration order, closing the ones
// already built if a later one fails
func createTargets(ctx context.Context, configs []SinkConfig) ([]Target, error) {
	targets := make([]Target, 0, len(configs))
	for i, sc := range configs {
		sink, err := sinks.Create(ctx, sc.Type, sc.Config)
		if err != nil {
			for _, t := range targets {
				t.Sink.Close()
			}
			return nil, fmt.Errorf("failed to create sink %d (%q): %w", i, sc.Type, err)
		}
		targets = append(targets, Target{Sink: sink, Destination: sc.Destination})
	}
	return targets, nil
}

// Run backfills, then reads live data until ctx is cancelled. On cancellation
// the queued records get a final flush and Run returns nil. Any other return
// is a fatal dispatch error.
func (s *Sender) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("refsender: Run called twice")
	}

	if err := s.backfill(ctx); err != nil {
		if ctx.Err() != nil {
			return s.shutdown()
		}
		return err
	}

	s.timer = s.clock.Now()
	s.logger.Info("refsender: live reading every %s, send period %s", s.config.ReadInterval, s.config.SendPeriod)

	for {
		if err := s.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return s.shutdown()
			}
			return err
		}
		if err := s.flushIfDue(ctx); err != nil {
			if ctx.Err() != nil {
				return s.shutdown()
			}
			return err
		}
		if !s.sleep(ctx, s.config.ReadInterval) {
			return s.shutdown()
		}
	}
}

// backfill drains every backfill reader over the configured window
func (s *Sender) backfill(ctx context.Context) error {
	if !s.config.hasBackfillWindow() {
		s.logger.Debug("refsender: backfill window is empty, skipping backfill")
		s.backfillComplete.Store(true)
		return nil
	}

	start, end := s.config.BackfillStart, s.config.BackfillEnd
	s.logger.Info("refsender: backfilling %d readers from %s to %s",
		len(s.readers.backfill), start.Format(time.RFC3339), end.Format(time.RFC3339))

	for _, reader := range s.readers.backfill {
		if err := s.consume(ctx, reader.Name(), reader.ReadBackfill(ctx, start, end)); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if s.config.FlushAfterBackfill {
		if err := s.dispatch(ctx); err != nil {
			return err
		}
	}

	s.backfillComplete.Store(true)
	s.logger.Info("refsender: backfill complete, %d records read", s.recordsRead.Load())
	return nil
}

// poll runs one live pass over every reader
func (s *Sender) poll(ctx context.Context) error {
	for _, reader := range s.readers.live {
		asOf := s.clock.Now().UTC()
		if err := s.consume(ctx, reader.Name(), reader.ReadLive(ctx, asOf)); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// consume admits every record of seq. A reader error abandons the rest of the
// sequence; only dispatch errors are returned.
func (s *Sender) consume(ctx context.Context, name string, seq iter.Seq2[Record, error]) error {
	for record, err := range seq {
		if err != nil {
			s.readErrors.Add(1)
			s.logger.Warn("refsender: reader %s failed: %v", name, err)
			return nil
		}
		if err := s.admit(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// sleep waits for d on the sender's clock. It returns false if ctx was
// cancelled first.
func (s *Sender) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}

// shutdown sends what is still queued, bounded by ShutdownTimeout
func (s *Sender) shutdown() error {
	pending := s.queue.Len()
	if pending == 0 {
		return nil
	}
	if s.config.SkipFinalFlush {
		s.logger.Info("refsender: skipping final flush, %d queued records dropped", pending)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	for s.queue.Len() > 0 {
		if err := s.dispatch(ctx); err != nil {
			s.logger.Warn("refsender: final flush failed, %d queued records lost: %v", s.queue.Len(), err)
			return nil
		}
	}
	s.logger.Info("refsender: final flush sent %d queued records", pending)
	return nil
}

// Cleanup closes the sinks and any reader that holds resources
func (s *Sender) Cleanup() error {
	s.logger.Info("refsender shutting down...")

	var result *multierror.Error
	if err := s.dispatcher.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, reader := range s.readers.live {
		if c, ok := reader.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("closing reader %s: %w", reader.Name(), err))
			}
		}
	}

	s.logger.Info("refsender shutdown complete. Records read: %d, values sent: %d, dropped: %d, errors: %d",
		s.recordsRead.Load(), s.valuesSent.Load(), s.queue.Dropped(), s.sendErrors.Load())

	return result.ErrorOrNil()
}

// Stats returns current sender statistics
func (s *Sender) Stats() map[string]int64 {
	backfillComplete := int64(0)
	if s.backfillComplete.Load() {
		backfillComplete = 1
	}
	return map[string]int64{
		"records_read":      s.recordsRead.Load(),
		"records_queued":    int64(s.queue.Len()),
		"records_dropped":   s.queue.Dropped(),
		"values_sent":       s.valuesSent.Load(),
		"dispatches":        s.dispatches.Load(),
		"send_errors":       s.sendErrors.Load(),
		"read_errors":       s.readErrors.Load(),
		"last_flush_epoch":  s.lastFlushTime.Load(),
		"backfill_complete": backfillComplete,
		"queue_capacity":    int64(s.queue.Cap()),
		"async_workers":     int64(s.config.AsyncWorkers),
	}
}

// SetTargets replaces the sink targets - intended for testing only
func (s *Sender) SetTargets(targets []Target) {
	s.dispatcher.targets = targets
}

// SetClock replaces the clock - intended for testing only
func (s *Sender) SetClock(c clock.Clock) {
	s.clock = c
}
