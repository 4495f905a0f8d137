package refsender

// Batch holds the values drained from the queue in one cycle, grouped by type
// key. Keys are kept in order of first occurrence.
type Batch struct {
	keys    []string
	values  map[string][]any
	records int
}

func newBatch() *Batch {
	return &Batch{values: make(map[string][]any)}
}

// add appends the record's payload to the values of its type key
func (b *Batch) add(r Record) {
	if _, ok := b.values[r.TypeKey]; !ok {
		b.keys = append(b.keys, r.TypeKey)
		b.values[r.TypeKey] = make([]any, 0, len(r.Payload))
	}
	b.values[r.TypeKey] = append(b.values[r.TypeKey], r.Payload...)
	b.records++
}

// Keys returns the type keys in the batch
func (b *Batch) Keys() []string {
	return b.keys
}

// Values returns the grouped values for key
func (b *Batch) Values(key string) []any {
	return b.values[key]
}

// Records returns the number of records drained into the batch
func (b *Batch) Records() int {
	return b.records
}

// ValueCount returns the number of values across all keys
func (b *Batch) ValueCount() int {
	total := 0
	for _, v := range b.values {
		total += len(v)
	}
	return total
}

// Empty reports whether the batch has nothing to send
func (b *Batch) Empty() bool {
	return len(b.keys) == 0
}

// drainBatch pops up to n records from q, oldest first, and groups them by type
// key. When observer is set it is told the value count of every key.
func drainBatch(q *RingQueue, n int, observer RateObserver) *Batch {
	batch := newBatch()
	for i := 0; i < n; i++ {
		r, ok := q.PopBack()
		if !ok {
			break
		}
		batch.add(r)
	}

	if observer != nil {
		for _, key := range batch.keys {
			observer.RecordSent(len(batch.values[key]))
		}
	}
	return batch
}
