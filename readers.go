package refsender

import (
	"context"
	"iter"
	"time"
)

// LiveReader yields the reference data that is current at asOf. A non-nil
// error ends the reader's pass.
type LiveReader interface {
	Name() string
	ReadLive(ctx context.Context, asOf time.Time) iter.Seq2[Record, error]
}

// BackfillReader is a LiveReader that can also replay the records of a
// historical window once before live reading starts.
type BackfillReader interface {
	LiveReader
	ReadBackfill(ctx context.Context, start, end time.Time) iter.Seq2[Record, error]
}

// readerSet is the configured readers split by capability, in configuration order
type readerSet struct {
	backfill []BackfillReader
	live     []LiveReader
}

func newReaderSet(readers []LiveReader) readerSet {
	set := readerSet{live: make([]LiveReader, 0, len(readers))}
	for _, r := range readers {
		if b, ok := r.(BackfillReader); ok {
			set.backfill = append(set.backfill, b)
		}
		set.live = append(set.live, r)
	}
	return set
}
