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
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinexec/pkg/mon"
	"github.com/cockroachdb/joinexec/pkg/row"
	"github.com/stretchr/testify/require"
)

// newTestRand returns a seeded PRNG so property tests are reproducible;
// spec.md's determinism property (§8 invariant 2) is about output bags
// being order-independent across runs, not about the test inputs being
// randomized differently every time.
func newTestRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func kv(key int64, tag string) row.Row {
	return row.Row{
		{Family: row.IntFamily, Int: key},
		{Family: row.BytesFamily, Bytes: []byte(tag)},
	}
}

func nullKV(tag string) row.Row {
	return row.Row{
		row.NullDatum(row.IntFamily),
		{Family: row.BytesFamily, Bytes: []byte(tag)},
	}
}

func kvSchema() row.Schema {
	return row.Schema{row.IntFamily, row.BytesFamily}
}

func tag(r row.Row) string {
	if r[1].Null {
		return "<nil>"
	}
	return string(r[1].Bytes)
}

// baseConfig returns a Config for an equi-join on column 0 of the kvSchema,
// with a budget generous enough that nothing spills unless the test
// overrides MemoryBudget.
func baseConfig(t *testing.T, variant JoinType) *Config {
	return &Config{
		Variant:        variant,
		BuildSchema:    kvSchema(),
		ProbeSchema:    kvSchema(),
		BuildKeyCols:   []int{0},
		ProbeKeyCols:   []int{0},
		Fanout:         16,
		Bits:           4,
		MaxDepth:       16,
		MemoryBudget:   1 << 30,
		SpillDir:       t.TempDir(),
		OutputCapacity: 4,
	}
}

// runJoin drives an Operator over build/probe to exhaustion and returns
// every emitted row.
func runJoin(t *testing.T, cfg *Config, residual ResidualEvaluator, build, probe []row.Row) []row.Row {
	t.Helper()
	ctx := context.Background()
	op := NewOperator(cfg, residual, nil, nil)
	op.Prepare()
	require.NoError(t, op.Open(ctx, &sliceRowSource{rows: build}, &sliceRowSource{rows: probe}))

	var out []row.Row
	batch := row.NewBatch(cfg.OutputCapacity)
	for {
		eos, err := op.GetNext(ctx, batch)
		require.NoError(t, err)
		out = append(out, append([]row.Row(nil), batch.Rows...)...)
		if eos {
			break
		}
	}
	require.NoError(t, op.Close(ctx))
	return out
}

// tagPairs reduces a slice of composed (build,probe) output rows to
// (build tag, probe tag) string pairs for easy multiset comparison,
// tolerating either side being a NULL-padded placeholder.
type tagPair struct{ build, probe string }

func composedTagPairs(rows []row.Row) []tagPair {
	out := make([]tagPair, len(rows))
	for i, r := range rows {
		out[i] = tagPair{build: tag(r[:2]), probe: tag(r[2:])}
	}
	return out
}

func tags(rows []row.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = tag(r)
	}
	return out
}

// refJoin computes the reference nested-loop join of build against probe
// for variant, applying residual row by row, used as the oracle for the
// completeness property (spec.md §8, invariant 1).
func refJoin(variant JoinType, residual func(build, probe row.Row) bool, build, probe []row.Row, buildKeyCols, probeKeyCols []int, allowNullEquality bool) []row.Row {
	keysEqual := func(b, p row.Row) bool {
		for i := range buildKeyCols {
			bd, pd := b[buildKeyCols[i]], p[probeKeyCols[i]]
			if bd.Null || pd.Null {
				if allowNullEquality && bd.Null && pd.Null {
					continue
				}
				return false
			}
			if !bd.Equal(pd) {
				return false
			}
		}
		return true
	}

	buildMatched := make([]bool, len(build))
	var out []row.Row
	switch variant {
	case Inner, LeftOuter, RightOuter, FullOuter:
		for pi, p := range probe {
			matched := false
			for bi, b := range build {
				if keysEqual(b, p) && residual(b, p) {
					matched = true
					buildMatched[bi] = true
					out = append(out, composeRow(b, p))
				}
			}
			if !matched && (variant == LeftOuter || variant == FullOuter) {
				out = append(out, composeRow(nullBuildRowFor(kvSchema()), p))
			}
			_ = pi
		}
		if variant == RightOuter || variant == FullOuter {
			for bi, b := range build {
				if !buildMatched[bi] {
					out = append(out, composeRow(b, nullProbeRowFor(kvSchema())))
				}
			}
		}
	case LeftSemi:
		for _, p := range probe {
			for _, b := range build {
				if keysEqual(b, p) && residual(b, p) {
					out = append(out, p.Clone())
					break
				}
			}
		}
	case LeftAnti:
		for _, p := range probe {
			matched := false
			for _, b := range build {
				if keysEqual(b, p) && residual(b, p) {
					matched = true
					break
				}
			}
			if !matched {
				out = append(out, p.Clone())
			}
		}
	case RightSemi:
		for bi, b := range build {
			for _, p := range probe {
				if keysEqual(b, p) && residual(b, p) {
					buildMatched[bi] = true
					break
				}
			}
		}
		for bi, b := range build {
			if buildMatched[bi] {
				out = append(out, b.Clone())
			}
		}
	case RightAnti:
		for _, b := range build {
			matched := false
			for _, p := range probe {
				if keysEqual(b, p) && residual(b, p) {
					matched = true
					break
				}
			}
			if !matched {
				out = append(out, b.Clone())
			}
		}
	}
	return out
}

func noAccMonitor(budget int64) *mon.BytesMonitor {
	return mon.NewMonitor("test", budget)
}

func isMemoryLimitExceeded(err error) bool {
	return errors.Is(err, ErrMemoryLimitExceeded)
}
