// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package join implements the spill-capable partitioned hash join core: a
// Builder that partitions and hash-tables the build side under a fixed
// memory budget, and a Prober that drives the probe side through those
// partitions (and any recursively repartitioned descendants of them) to
// produce one of nine relational join variants.
package join

import "github.com/cockroachdb/joinexec/pkg/row"

// JoinType names one of the relational join variants the Prober knows how
// to emit. The nine variants share one probing skeleton; JoinType selects
// the emission rule applied at each key match and at each unmatched build
// or probe row.
type JoinType int

const (
	Inner JoinType = iota
	LeftOuter
	RightOuter
	FullOuter
	LeftSemi
	LeftAnti
	RightSemi
	RightAnti
	NullAwareLeftAnti
)

func (jt JoinType) String() string {
	switch jt {
	case Inner:
		return "inner"
	case LeftOuter:
		return "left_outer"
	case RightOuter:
		return "right_outer"
	case FullOuter:
		return "full_outer"
	case LeftSemi:
		return "left_semi"
	case LeftAnti:
		return "left_anti"
	case RightSemi:
		return "right_semi"
	case RightAnti:
		return "right_anti"
	case NullAwareLeftAnti:
		return "null_aware_left_anti"
	default:
		return "unknown"
	}
}

// emitsOnKeyMatch reports whether a successful key+residual match produces
// an output row directly (as opposed to only flipping bookkeeping state,
// which is how RIGHT_SEMI and RIGHT_ANTI behave on match).
func (jt JoinType) emitsOnKeyMatch() bool {
	switch jt {
	case Inner, LeftOuter, RightOuter, FullOuter, LeftSemi:
		return true
	default:
		return false
	}
}

// emitsOnceOnKeyMatch reports whether only the first match for a probe row
// should be emitted, rather than every row of the duplicate chain.
func (jt JoinType) emitsOnceOnKeyMatch() bool {
	return jt == LeftSemi
}

// marksBuildMatched reports whether a key+residual match must flip the
// build row's matched bit, either to drive a later unmatched-build sweep
// (RIGHT_OUTER, FULL_OUTER, RIGHT_ANTI) or to suppress duplicate emission
// of the same build row (RIGHT_SEMI).
func (jt JoinType) marksBuildMatched() bool {
	switch jt {
	case RightOuter, FullOuter, RightSemi, RightAnti:
		return true
	default:
		return false
	}
}

// emitsNullPaddedProbeOnNoMatch reports whether a probe row with no match
// produces a null-padded output row immediately.
func (jt JoinType) emitsNullPaddedProbeOnNoMatch() bool {
	return jt == LeftOuter || jt == FullOuter
}

// emitsProbeOnNoMatch reports whether a probe row with no match is emitted
// as-is (LEFT_ANTI), as opposed to null-padded or silently dropped.
func (jt JoinType) emitsProbeOnNoMatch() bool {
	return jt == LeftAnti
}

// needsUnmatchedBuildSweep reports whether, after a partition's probe rows
// are exhausted, its build hash table must be swept for unmatched (or, for
// RIGHT_SEMI, matched-but-not-yet-emitted) rows.
func (jt JoinType) needsUnmatchedBuildSweep() bool {
	switch jt {
	case RightOuter, FullOuter, RightSemi, RightAnti:
		return true
	default:
		return false
	}
}

// Config fixes the shape of one join instance: its variant, its key
// columns on each side, the partitioning fanout and recursion bound, and
// the memory budget the Builder and Prober share.
type Config struct {
	Variant JoinType

	BuildSchema  row.Schema
	ProbeSchema  row.Schema
	BuildKeyCols []int
	ProbeKeyCols []int

	// AllowNullEquality extends ordinary equality to treat NULL = NULL as a
	// match at the hash-table level. It is never set for NullAwareLeftAnti,
	// whose NULL handling instead routes NULL-keyed rows around the hash
	// table entirely (§4.2, §4.5).
	AllowNullEquality bool

	// Fanout is the number of partitions a single partitioning pass fans
	// into; must be a power of two. Bits is its log2, used to slice
	// partition index bits out of a row's hash.
	Fanout int
	Bits   uint

	// MaxDepth bounds how many times a spilled partition may be
	// recursively repartitioned before the join reports a fatal
	// memory-limit-exceeded error.
	MaxDepth int

	// MemoryBudget is the total reservation available to the join's
	// BytesMonitor across the Builder and Prober combined.
	MemoryBudget int64

	// SpillDir is the directory spilled partition streams are written
	// under.
	SpillDir string

	// OutputCapacity bounds the number of rows GetNext accumulates into a
	// single output batch before returning.
	OutputCapacity int
}
