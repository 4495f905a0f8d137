// Package refsender sends reference data read from backfill and live readers to
// one or more sinks. Records are buffered in a bounded queue, grouped by type key
// and upserted in batches when the queue fills or the send period elapses.
package refsender

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Record is one unit of reference data produced by a reader. All values in
// Payload belong to the type identified by TypeKey.
type Record struct {
	TypeKey string `json:"type_key"`
	Payload []any  `json:"payload"`
}

// JSON returns the JSON representation of the record using sonic
func (r Record) JSON() ([]byte, error) {
	return sonic.Marshal(r)
}

// DecodeRecord parses a JSON record. A record without a type key is rejected.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := sonic.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	if r.TypeKey == "" {
		return Record{}, fmt.Errorf("record has no type_key")
	}
	return r, nil
}

// Clone returns a copy of the record with its own payload slice
func (r Record) Clone() Record {
	clone := Record{TypeKey: r.TypeKey}
	if r.Payload != nil {
		clone.Payload = make([]any, len(r.Payload))
		copy(clone.Payload, r.Payload)
	}
	return clone
}
