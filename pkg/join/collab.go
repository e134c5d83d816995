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

import (
	"context"

	"github.com/cockroachdb/joinexec/pkg/row"
)

// RowSource yields rows one at a time until exhausted. The build and probe
// children are RowSources, and so is a previously spilled partition's
// stream once it's being read back for a repartitioning or pin-back pass.
type RowSource interface {
	Next(ctx context.Context) (row.Row, bool, error)
}

// ResidualEvaluator evaluates the non-equality portion of the join
// condition (other_conjuncts) against a composed build/probe row pair.
// Key equality has already been established by the hash-table lookup by
// the time Eval is called.
type ResidualEvaluator interface {
	Eval(ctx context.Context, build, probe row.Row) (bool, error)
}

// NoResidual is a ResidualEvaluator for joins with no residual predicate:
// every key match is accepted.
type NoResidual struct{}

// Eval always reports a match.
func (NoResidual) Eval(context.Context, row.Row, row.Row) (bool, error) {
	return true, nil
}

// sliceRowSource adapts an in-memory slice of rows to RowSource; the
// package's tests use it to feed build and probe inputs.
type sliceRowSource struct {
	rows []row.Row
	idx  int
}

func (s *sliceRowSource) Next(context.Context) (row.Row, bool, error) {
	if s.idx >= len(s.rows) {
		return nil, false, nil
	}
	r := s.rows[s.idx]
	s.idx++
	return r, true, nil
}
