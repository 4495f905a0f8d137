package refsender

import (
	"reflect"
	"testing"
)

// countingObserver records every RecordSent and RecordDropped call
type countingObserver struct {
	sent    []int
	dropped []int
}

func (o *countingObserver) RecordSent(count int)    { o.sent = append(o.sent, count) }
func (o *countingObserver) RecordDropped(count int) { o.dropped = append(o.dropped, count) }

func TestDrainBatch_GroupsByTypeKey(t *testing.T) {
	q := NewRingQueue(10)
	q.PushFront(rec("A", 1))
	q.PushFront(rec("A", 2))
	q.PushFront(rec("B", 3))

	batch := drainBatch(q, 10, nil)

	if !reflect.DeepEqual(batch.Keys(), []string{"A", "B"}) {
		t.Errorf("Keys() = %v, want [A B]", batch.Keys())
	}
	if !reflect.DeepEqual(batch.Values("A"), []any{1, 2}) {
		t.Errorf("Values(A) = %v, want [1 2]", batch.Values("A"))
	}
	if !reflect.DeepEqual(batch.Values("B"), []any{3}) {
		t.Errorf("Values(B) = %v, want [3]", batch.Values("B"))
	}
	if batch.Records() != 3 {
		t.Errorf("Records() = %d, want 3", batch.Records())
	}
	if batch.ValueCount() != 3 {
		t.Errorf("ValueCount() = %d, want 3", batch.ValueCount())
	}
	if q.Len() != 0 {
		t.Errorf("queue Len() = %d after drain, want 0", q.Len())
	}
}

func TestDrainBatch_KeysInFirstOccurrenceOrder(t *testing.T) {
	q := NewRingQueue(10)
	for _, key := range []string{"C", "A", "C", "B", "A"} {
		q.PushFront(rec(key, key))
	}

	batch := drainBatch(q, 10, nil)
	if !reflect.DeepEqual(batch.Keys(), []string{"C", "A", "B"}) {
		t.Errorf("Keys() = %v, want [C A B]", batch.Keys())
	}
}

func TestDrainBatch_FlattensPayloads(t *testing.T) {
	q := NewRingQueue(10)
	q.PushFront(rec("A", "a1", "a2"))
	q.PushFront(rec("A", "a3"))
	q.PushFront(rec("B"))

	obs := &countingObserver{}
	batch := drainBatch(q, 10, obs)

	if !reflect.DeepEqual(batch.Values("A"), []any{"a1", "a2", "a3"}) {
		t.Errorf("Values(A) = %v, want [a1 a2 a3]", batch.Values("A"))
	}
	// observer gets value counts per key, not record counts
	if !reflect.DeepEqual(obs.sent, []int{3, 0}) {
		t.Errorf("observer sent = %v, want [3 0]", obs.sent)
	}
}

func TestDrainBatch_StopsAtN(t *testing.T) {
	q := NewRingQueue(10)
	for i := 0; i < 5; i++ {
		q.PushFront(rec("A", i))
	}

	batch := drainBatch(q, 2, nil)
	if !reflect.DeepEqual(batch.Values("A"), []any{0, 1}) {
		t.Errorf("Values(A) = %v, want [0 1]", batch.Values("A"))
	}
	if q.Len() != 3 {
		t.Errorf("queue Len() = %d, want 3", q.Len())
	}
}

func TestDrainBatch_ShortAndEmptyQueue(t *testing.T) {
	q := NewRingQueue(10)
	q.PushFront(rec("A", 1))

	batch := drainBatch(q, 5, nil)
	if batch.Records() != 1 {
		t.Errorf("Records() = %d, want 1", batch.Records())
	}

	obs := &countingObserver{}
	empty := drainBatch(q, 5, obs)
	if !empty.Empty() {
		t.Error("batch drained from an empty queue should be empty")
	}
	if len(obs.sent) != 0 {
		t.Errorf("observer should not be called for an empty batch, got %v", obs.sent)
	}
}
