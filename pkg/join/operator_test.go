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
	"testing"

	"github.com/cockroachdb/joinexec/pkg/row"
	"github.com/stretchr/testify/require"
)

// TestS1InnerInMemory is spec.md §8 scenario S1.
func TestS1InnerInMemory(t *testing.T) {
	build := []row.Row{kv(1, "a"), kv(2, "b"), kv(2, "c")}
	probe := []row.Row{kv(2, "x"), kv(3, "y")}

	out := runJoin(t, baseConfig(t, Inner), nil, build, probe)
	require.ElementsMatch(t, []tagPair{{"b", "x"}, {"c", "x"}}, composedTagPairs(out))
}

// TestS2LeftOuterInMemory is spec.md §8 scenario S2.
func TestS2LeftOuterInMemory(t *testing.T) {
	build := []row.Row{kv(1, "a"), kv(2, "b"), kv(2, "c")}
	probe := []row.Row{kv(2, "x"), kv(3, "y")}

	out := runJoin(t, baseConfig(t, LeftOuter), nil, build, probe)
	require.Len(t, out, 3)
	pairs := composedTagPairs(out)
	require.ElementsMatch(t, []tagPair{{"b", "x"}, {"c", "x"}, {"<nil>", "y"}}, pairs)
}

// TestS3ForcedSpillInner is spec.md §8 scenario S3: a budget tight enough
// that roughly half the level-0 partitions must spill, but the output
// multiset is unaffected and bytes_spilled/max_partition_depth reflect it.
func TestS3ForcedSpillInner(t *testing.T) {
	rng := newTestRand(1)
	const n = 2000
	const keyRange = 256
	build := make([]row.Row, n)
	probe := make([]row.Row, n)
	for i := 0; i < n; i++ {
		build[i] = kv(int64(rng.Intn(keyRange)), "b")
		probe[i] = kv(int64(rng.Intn(keyRange)), "p")
	}

	cfg := baseConfig(t, Inner)
	cfg.MemoryBudget = 24 * 1024 // small enough to force spills at this n
	cfg.OutputCapacity = 256

	ctx := context.Background()
	op := NewOperator(cfg, nil, nil, nil)
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

	want := refJoin(Inner, func(row.Row, row.Row) bool { return true }, build, probe, cfg.BuildKeyCols, cfg.ProbeKeyCols, false)
	require.ElementsMatch(t, composedTagPairs(want), composedTagPairs(out))

	snap := op.Counters()
	require.Greater(t, snap.BytesSpilled, int64(0))
	require.GreaterOrEqual(t, snap.MaxPartitionDepth, 0)
	require.NoError(t, op.Close(ctx))
}

// TestS4RecursiveSpillSkewed is spec.md §8 scenario S4: a single level-0
// partition absorbs almost all the build rows, forcing it to repartition
// at least once more before it fits.
func TestS4RecursiveSpillSkewed(t *testing.T) {
	const n = 4000
	build := make([]row.Row, n)
	probe := make([]row.Row, n)

	cfg := baseConfig(t, Inner)
	cfg.MemoryBudget = 16 * 1024
	cfg.OutputCapacity = 256

	target := partitionIndexForRow(cfg, projectKey(kv(1, ""), cfg.BuildKeyCols), 0)
	skewed := int64(1)
	for i := 0; i < n; i++ {
		// 90% of rows get distinct keys that all land in key 1's level-0
		// partition, forcing that partition to repartition; since the keys
		// differ, the level-1 rehash spreads them out again. The rest are
		// spread out so other partitions stay small.
		if i%10 != 0 {
			for partitionIndexForRow(cfg, projectKey(kv(skewed, ""), cfg.BuildKeyCols), 0) != target {
				skewed++
			}
			build[i] = kv(skewed, "b")
			probe[i] = kv(skewed, "p")
			skewed++
		} else {
			build[i] = kv(int64(-1-i), "b")
			probe[i] = kv(int64(-1-i), "p")
		}
	}

	out := runJoin(t, cfg, nil, build, probe)
	want := refJoin(Inner, func(row.Row, row.Row) bool { return true }, build, probe, cfg.BuildKeyCols, cfg.ProbeKeyCols, false)
	require.ElementsMatch(t, composedTagPairs(want), composedTagPairs(out))
}

// TestS5RightOuter is spec.md §8 scenario S5.
func TestS5RightOuter(t *testing.T) {
	build := []row.Row{kv(1, "1"), kv(2, "2"), kv(3, "3")}
	probe := []row.Row{kv(2, "2"), kv(2, "2"), kv(4, "4")}

	out := runJoin(t, baseConfig(t, RightOuter), nil, build, probe)
	pairs := composedTagPairs(out)
	require.ElementsMatch(t, []tagPair{{"2", "2"}, {"2", "2"}, {"1", "<nil>"}, {"3", "<nil>"}}, pairs)
}

// TestS6NullAwareLeftAnti is spec.md §8 scenario S6.
func TestS6NullAwareLeftAnti(t *testing.T) {
	build := []row.Row{kv(1, "b1"), nullKV("bn")}
	probe := []row.Row{kv(1, "p1"), kv(2, "p2"), nullKV("pn")}

	out := runJoin(t, baseConfig(t, NullAwareLeftAnti), nil, build, probe)
	require.Empty(t, out, "every probe row should be suppressed")
}

func TestLeftSemiEmitsProbeRowOnceWithoutBuildColumns(t *testing.T) {
	build := []row.Row{kv(1, "a"), kv(2, "b"), kv(2, "c")}
	probe := []row.Row{kv(2, "x"), kv(3, "y")}

	out := runJoin(t, baseConfig(t, LeftSemi), nil, build, probe)
	require.Len(t, out, 1)
	require.Len(t, out[0], 2, "LEFT_SEMI output is the probe row alone, not build+probe composed")
	require.Equal(t, "x", tag(out[0]))
}

func TestRightSemiEmitsBuildRowOnceWithoutDuplicates(t *testing.T) {
	build := []row.Row{kv(1, "a"), kv(2, "b")}
	probe := []row.Row{kv(1, "x"), kv(1, "y"), kv(2, "z")}

	out := runJoin(t, baseConfig(t, RightSemi), nil, build, probe)
	require.Len(t, out, 2, "each matched build row emitted exactly once despite multiple probe matches")
	require.ElementsMatch(t, []string{"a", "b"}, tags(out))
}

func TestLeftAntiEmitsUnmatchedProbeRows(t *testing.T) {
	build := []row.Row{kv(1, "a")}
	probe := []row.Row{kv(1, "x"), kv(2, "y"), kv(3, "z")}

	out := runJoin(t, baseConfig(t, LeftAnti), nil, build, probe)
	require.ElementsMatch(t, []string{"y", "z"}, tags(out))
}

func TestRightAntiEmitsUnmatchedBuildRows(t *testing.T) {
	build := []row.Row{kv(1, "a"), kv(2, "b"), kv(3, "c")}
	probe := []row.Row{kv(1, "x")}

	out := runJoin(t, baseConfig(t, RightAnti), nil, build, probe)
	require.ElementsMatch(t, []string{"b", "c"}, tags(out))
}

func TestFullOuterPadsBothSides(t *testing.T) {
	build := []row.Row{kv(1, "a"), kv(2, "b")}
	probe := []row.Row{kv(2, "x"), kv(3, "y")}

	out := runJoin(t, baseConfig(t, FullOuter), nil, build, probe)
	pairs := composedTagPairs(out)
	require.ElementsMatch(t, []tagPair{{"b", "x"}, {"a", "<nil>"}, {"<nil>", "y"}}, pairs)
}

// TestAntiComplement is spec.md §8 invariant 5: LEFT_ANTI ⊎ LEFT_SEMI
// equals the probe side exactly, with no residual predicate.
func TestAntiComplement(t *testing.T) {
	build := []row.Row{kv(1, "a"), kv(2, "b")}
	probe := []row.Row{kv(1, "x"), kv(2, "y"), kv(3, "z"), kv(2, "w")}

	semi := runJoin(t, baseConfig(t, LeftSemi), nil, build, probe)
	anti := runJoin(t, baseConfig(t, LeftAnti), nil, build, probe)

	require.ElementsMatch(t, tags(probe), append(tags(semi), tags(anti)...))
}

// TestResidualPredicateAppliedAfterKeyMatch exercises a ResidualEvaluator
// that rejects some key-matching pairs, per §4.3's "residual predicates
// are then evaluated" step.
func TestResidualPredicateAppliedAfterKeyMatch(t *testing.T) {
	build := []row.Row{kv(1, "a"), kv(1, "b")}
	probe := []row.Row{kv(1, "x")}

	residual := residualFunc(func(ctx context.Context, build, probe row.Row) (bool, error) {
		return tag(build) == "a", nil
	})

	out := runJoin(t, baseConfig(t, Inner), residual, build, probe)
	require.Len(t, out, 1)
	require.Equal(t, tagPair{"a", "x"}, composedTagPairs(out)[0])
}

// TestLeftOuterMatchStatePersistsAcrossChainSuspension guards against a
// regression where a probe row's "did anything in its duplicate chain
// match" state was a continueMatchChain-local variable instead of being
// persisted on the Prober: with OutputCapacity=1, the chain for key 1
// suspends after the first (matching) build row is emitted, and a
// call-local flag would have forgotten that match by the time the second
// (non-matching) build row is evaluated, wrongly emitting a spurious
// null-padded LEFT_OUTER row for a probe row that did match.
func TestLeftOuterMatchStatePersistsAcrossChainSuspension(t *testing.T) {
	// Insertion order matters: the hash table's duplicate chain is walked
	// most-recently-inserted first, so b1 (inserted second, matching) is
	// visited before b2 (inserted first, non-matching) — reproducing the
	// "match first, suspend, then walk off the end of the chain on a
	// non-match" ordering the regression depends on.
	build := []row.Row{kv(1, "b2"), kv(1, "b1")}
	probe := []row.Row{kv(1, "p")}

	residual := residualFunc(func(ctx context.Context, build, probe row.Row) (bool, error) {
		return tag(build) == "b1", nil
	})

	cfg := baseConfig(t, LeftOuter)
	cfg.OutputCapacity = 1 // force the chain walk to suspend after the matching row.

	out := runJoin(t, cfg, residual, build, probe)
	require.Len(t, out, 1, "exactly one matched row, no spurious null-padded row")
	require.Equal(t, tagPair{"b1", "p"}, composedTagPairs(out)[0])
}

func TestOutputCapacityResumesChainWalk(t *testing.T) {
	build := []row.Row{kv(1, "a"), kv(1, "b"), kv(1, "c"), kv(1, "d"), kv(1, "e")}
	probe := []row.Row{kv(1, "x")}

	cfg := baseConfig(t, Inner)
	cfg.OutputCapacity = 1 // force every call to GetNext to yield one row at a time

	out := runJoin(t, cfg, nil, build, probe)
	require.Len(t, out, 5)
	got := make([]string, len(out))
	for i, r := range out {
		got[i] = tag(r[:2])
	}
	require.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestResetAllowsReuse(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig(t, Inner)
	op := NewOperator(cfg, nil, nil, nil)
	op.Prepare()

	require.NoError(t, op.Open(ctx, &sliceRowSource{rows: []row.Row{kv(1, "a")}}, &sliceRowSource{rows: []row.Row{kv(1, "x")}}))
	batch := row.NewBatch(cfg.OutputCapacity)
	for {
		eos, err := op.GetNext(ctx, batch)
		require.NoError(t, err)
		if eos {
			break
		}
	}
	require.NoError(t, op.Reset(ctx))

	require.NoError(t, op.Open(ctx, &sliceRowSource{rows: []row.Row{kv(2, "a")}}, &sliceRowSource{rows: []row.Row{kv(2, "x")}}))
	batch.Reset()
	var out []row.Row
	for {
		eos, err := op.GetNext(ctx, batch)
		require.NoError(t, err)
		out = append(out, append([]row.Row(nil), batch.Rows...)...)
		if eos {
			break
		}
	}
	require.Len(t, out, 1)
	require.NoError(t, op.Close(ctx))
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig(t, Inner)
	op := NewOperator(cfg, nil, nil, nil)
	op.Prepare()
	require.NoError(t, op.Open(ctx, &sliceRowSource{rows: nil}, &sliceRowSource{rows: nil}))
	require.NoError(t, op.Close(ctx))
	require.NoError(t, op.Close(ctx))
}

// residualFunc adapts a plain function to ResidualEvaluator.
type residualFunc func(ctx context.Context, build, probe row.Row) (bool, error)

func (f residualFunc) Eval(ctx context.Context, build, probe row.Row) (bool, error) {
	return f(ctx, build, probe)
}
