// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package join

import "github.com/cockroachdb/joinexec/pkg/row"

// composeRow concatenates a build row and a probe row into a single
// output row, build columns first. Either side may be a null-padded
// placeholder produced by nullBuildRowFor/nullProbeRowFor.
func composeRow(build, probe row.Row) row.Row {
	out := make(row.Row, len(build)+len(probe))
	copy(out, build)
	copy(out[len(build):], probe)
	return out
}

// nullBuildRowFor returns a row of NULLs shaped like the build schema,
// used to pad LEFT_OUTER/FULL_OUTER output for an unmatched probe row.
func nullBuildRowFor(schema row.Schema) row.Row {
	return nullRowFor(schema)
}

// nullProbeRowFor returns a row of NULLs shaped like the probe schema,
// used to pad RIGHT_OUTER/FULL_OUTER output for an unmatched build row.
func nullProbeRowFor(schema row.Schema) row.Row {
	return nullRowFor(schema)
}

func nullRowFor(schema row.Schema) row.Row {
	r := make(row.Row, len(schema))
	for i, f := range schema {
		r[i] = row.NullDatum(f)
	}
	return r
}
