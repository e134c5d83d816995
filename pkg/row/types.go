// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package row defines the opaque row and row-batch types that the join
// operator consumes and produces, along with the small set of canonical
// physical types the hash join's key machinery needs to distinguish.
//
// The expression evaluator that produces Datums from a query's own row
// representation, and the residual predicate evaluator that consumes them,
// are external collaborators; this package only fixes the wire shape they
// agree on.
package row

import (
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Family is the canonical physical representation of a column's values, used
// to pick a rehash function and an equality comparison. Several SQL types
// can share a Family when they have the same physical representation (e.g.
// strings and UUIDs both use BytesFamily).
type Family int

const (
	BoolFamily Family = iota
	IntFamily
	FloatFamily
	DecimalFamily
	BytesFamily
	TimestampFamily
)

func (f Family) String() string {
	switch f {
	case BoolFamily:
		return "bool"
	case IntFamily:
		return "int"
	case FloatFamily:
		return "float"
	case DecimalFamily:
		return "decimal"
	case BytesFamily:
		return "bytes"
	case TimestampFamily:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Datum is a single typed, possibly-NULL column value. Only the field
// matching Family is meaningful; the rest are zero.
type Datum struct {
	Family Family
	Null   bool

	Bool      bool
	Int       int64
	Float     float64
	Decimal   apd.Decimal
	Bytes     []byte
	Timestamp time.Time
}

// NullDatum returns a NULL value of the given family.
func NullDatum(f Family) Datum {
	return Datum{Family: f, Null: true}
}

// Equal reports whether two datums of the same family are equal, treating
// NULL as never equal to anything unless allowNullEquality is set (used for
// INTERSECT/EXCEPT-flavored equality and for the null-aware anti-join's
// "NULL = NULL" bookkeeping, which is handled by the caller, not here).
func (d Datum) Equal(other Datum) bool {
	if d.Null || other.Null {
		return false
	}
	switch d.Family {
	case BoolFamily:
		return d.Bool == other.Bool
	case IntFamily:
		return d.Int == other.Int
	case FloatFamily:
		return d.Float == other.Float
	case DecimalFamily:
		return d.Decimal.Cmp(&other.Decimal) == 0
	case BytesFamily:
		return string(d.Bytes) == string(other.Bytes)
	case TimestampFamily:
		return d.Timestamp.Equal(other.Timestamp)
	default:
		return false
	}
}

// Schema describes the physical families of a sequence of columns. Both the
// build and probe sides carry their own Schema; the join's output schema is
// the external collaborator's concern (it composes build and probe columns).
type Schema []Family
