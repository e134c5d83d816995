// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package row

// Row is an opaque ordered tuple of typed columns. The join core never
// interprets a Row's contents beyond the key columns it's told about; it
// moves rows between partitions, hash tables and spill streams by value.
type Row []Datum

// Clone returns a deep-enough copy of the row that is safe to retain past
// the lifetime of the batch it came from. Callers clone the rows they keep
// (for example the null-aware anti-join's accumulated rows); the
// tuple-stream layer stores the rows it is given as they are.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for i, d := range r {
		cp := d
		if len(d.Bytes) > 0 {
			cp.Bytes = append([]byte(nil), d.Bytes...)
		}
		out[i] = cp
	}
	return out
}

// Size estimates the row's footprint in bytes, used by the memory
// reservation accounting and by spill-victim selection.
func (r Row) Size() int64 {
	var n int64
	for _, d := range r {
		switch d.Family {
		case BoolFamily:
			n += 1
		case IntFamily, FloatFamily:
			n += 8
		case TimestampFamily:
			n += 24
		case DecimalFamily:
			n += int64(len(d.Decimal.Coeff.Bits())*8) + 16
		case BytesFamily:
			n += int64(len(d.Bytes))
		}
		n += 8 // Datum header overhead (family, null flag, alignment).
	}
	return n
}

// Batch is a bounded, contiguous array of row handles. It is the unit of
// work the operator's get-next entry point both consumes and produces.
type Batch struct {
	Rows []Row
}

// Len returns the number of rows currently in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Reset empties the batch for reuse without releasing its backing array.
func (b *Batch) Reset() {
	b.Rows = b.Rows[:0]
}

// AtCapacity reports whether the batch has reached its configured capacity
// and must not be appended to further during this call to get-next.
func (b *Batch) AtCapacity(capacity int) bool {
	return len(b.Rows) >= capacity
}

// Append adds row to the batch. The caller must have already checked
// AtCapacity; Append does not enforce the limit itself so that the hot
// probe loop can batch the capacity check across several rows.
func (b *Batch) Append(r Row) {
	b.Rows = append(b.Rows, r)
}

// NewBatch allocates a batch with room for capacity rows.
func NewBatch(capacity int) *Batch {
	return &Batch{Rows: make([]Row, 0, capacity)}
}
