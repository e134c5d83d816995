// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package tuplestream

import (
	"fmt"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/arrow/array"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinexec/pkg/row"
)

// arrowSchema translates a row.Schema into the Arrow schema a spilled
// stream's file encodes its record batches with. One Arrow field per
// column, named positionally since the stream itself attaches no column
// names to a row.
func arrowSchema(schema row.Schema) *arrow.Schema {
	fields := make([]arrow.Field, len(schema))
	for i, f := range schema {
		fields[i] = arrow.Field{
			Name:     fmt.Sprintf("c%d", i),
			Type:     arrowType(f),
			Nullable: true,
		}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(f row.Family) arrow.DataType {
	switch f {
	case row.BoolFamily:
		return arrow.FixedWidthTypes.Boolean
	case row.IntFamily:
		return arrow.PrimitiveTypes.Int64
	case row.FloatFamily:
		return arrow.PrimitiveTypes.Float64
	case row.DecimalFamily:
		// Decimals are encoded as their canonical string form rather than as
		// Arrow's own decimal128/256 types, since apd.Decimal's precision and
		// scale are per-value, not fixed per column.
		return arrow.BinaryTypes.String
	case row.BytesFamily:
		return arrow.BinaryTypes.Binary
	case row.TimestampFamily:
		return arrow.FixedWidthTypes.Timestamp_ns
	default:
		return arrow.BinaryTypes.Binary
	}
}

// encodeBatch builds one Arrow record out of rows, using bldr (already
// constructed against this stream's arrowSchema).
func encodeBatch(bldr *array.RecordBuilder, schema row.Schema, rows []row.Row) arrow.Record {
	for _, r := range rows {
		for i, f := range schema {
			appendDatum(bldr.Field(i), f, r[i])
		}
	}
	rec := bldr.NewRecord()
	return rec
}

func appendDatum(b array.Builder, f row.Family, d row.Datum) {
	if d.Null {
		b.AppendNull()
		return
	}
	switch f {
	case row.BoolFamily:
		b.(*array.BooleanBuilder).Append(d.Bool)
	case row.IntFamily:
		b.(*array.Int64Builder).Append(d.Int)
	case row.FloatFamily:
		b.(*array.Float64Builder).Append(d.Float)
	case row.DecimalFamily:
		b.(*array.StringBuilder).Append(d.Decimal.String())
	case row.BytesFamily:
		b.(*array.BinaryBuilder).Append(d.Bytes)
	case row.TimestampFamily:
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(d.Timestamp.UnixNano()))
	default:
		b.AppendNull()
	}
}

// decodeBatch converts an Arrow record back into rows, in the schema used to
// build it.
func decodeBatch(schema row.Schema, rec arrow.Record) ([]row.Row, error) {
	n := int(rec.NumRows())
	out := make([]row.Row, n)
	for r := 0; r < n; r++ {
		out[r] = make(row.Row, len(schema))
	}
	for c, f := range schema {
		col := rec.Column(c)
		for r := 0; r < n; r++ {
			d, err := readDatum(col, f, r)
			if err != nil {
				return nil, err
			}
			out[r][c] = d
		}
	}
	return out, nil
}

func readDatum(col arrow.Array, f row.Family, i int) (row.Datum, error) {
	if col.IsNull(i) {
		return row.NullDatum(f), nil
	}
	switch f {
	case row.BoolFamily:
		return row.Datum{Family: f, Bool: col.(*array.Boolean).Value(i)}, nil
	case row.IntFamily:
		return row.Datum{Family: f, Int: col.(*array.Int64).Value(i)}, nil
	case row.FloatFamily:
		return row.Datum{Family: f, Float: col.(*array.Float64).Value(i)}, nil
	case row.DecimalFamily:
		var d row.Datum
		d.Family = f
		if _, _, err := d.Decimal.SetString(col.(*array.String).Value(i)); err != nil {
			return row.Datum{}, errors.Wrap(err, "decoding spilled decimal")
		}
		return d, nil
	case row.BytesFamily:
		v := col.(*array.Binary).Value(i)
		return row.Datum{Family: f, Bytes: append([]byte(nil), v...)}, nil
	case row.TimestampFamily:
		ts := col.(*array.Timestamp).Value(i)
		return row.Datum{Family: f, Timestamp: ts.ToTime(arrow.Nanosecond)}, nil
	default:
		return row.Datum{}, errors.Newf("unsupported family %s in spilled batch", f)
	}
}
