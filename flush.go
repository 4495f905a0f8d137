package refsender

import (
	"context"
	"fmt"
)

// admit queues r, then dispatches full batches while the queue holds at least
// MaxBatchSize records
func (s *Sender) admit(ctx context.Context, r Record) error {
	s.recordsRead.Add(1)

	if s.queue.PushFront(r) {
		if d, ok := s.observer.(DropObserver); ok {
			d.RecordDropped(1)
		}
		if s.queue.Dropped() == 1 {
			s.logger.Warn("refsender: queue full at %d records, dropping the oldest records", s.queue.Cap())
		}
	}

	for s.queue.Len() >= s.config.MaxBatchSize {
		if err := s.dispatch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// flushIfDue dispatches unconditionally once more than SendPeriod passed since
// the last dispatch
func (s *Sender) flushIfDue(ctx context.Context) error {
	if s.clock.Since(s.timer) <= s.config.SendPeriod {
		return nil
	}
	return s.dispatch(ctx)
}

// dispatch drains one batch and sends it to every target. The flush timer is
// reset even when there was nothing to send.
func (s *Sender) dispatch(ctx context.Context) error {
	batch := drainBatch(s.queue, s.config.MaxBatchSize, s.observer)
	s.timer = s.clock.Now()
	if batch.Empty() {
		return nil
	}

	err := s.dispatcher.Dispatch(ctx, batch)
	s.lastFlushTime.Store(s.clock.Now().UnixMilli())
	if err != nil {
		s.sendErrors.Add(1)
		if !s.config.ContinueOnSinkError {
			return fmt.Errorf("failed to send %d values: %w", batch.ValueCount(), err)
		}
		s.logger.Warn("refsender: failed to send %d values, continuing: %v", batch.ValueCount(), err)
		return nil
	}

	s.valuesSent.Add(int64(batch.ValueCount()))
	s.dispatches.Add(1)
	return nil
}
