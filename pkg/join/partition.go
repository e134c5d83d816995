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
	"github.com/cockroachdb/joinexec/pkg/hashtable"
	"github.com/cockroachdb/joinexec/pkg/mon"
	"github.com/cockroachdb/joinexec/pkg/tuplestream"
)

// partitionState is the state a HashPartition occupies in its Builder's
// view of the world: exactly one of IN_MEMORY or SPILLED while live, and
// CLOSED once its responsibilities (probing, unmatched-build sweep) are
// discharged.
type partitionState int

const (
	partitionInMemory partitionState = iota
	partitionSpilled
	partitionClosed
)

// HashPartition is a logical build-side bucket at some recursion level.
// Per §3's invariant, exactly one of Table (IN_MEMORY) or a live Rows
// stream destined for disk (SPILLED) describes it at any time; never both.
type HashPartition struct {
	Index int
	Level int
	State partitionState

	Rows  *tuplestream.Stream
	Table *hashtable.HashTable

	// hashAcc is the reservation backing Table, released independently of
	// Rows' own reservation on close.
	hashAcc *mon.BoundAccount

	// matchedEmitted tracks, for RIGHT_SEMI, which build rows have already
	// been emitted by the unmatched-build sweep so a later duplicate match
	// on the same row doesn't emit it twice.
	matchedEmitted []bool
}

// ProbePartition parallels a SPILLED HashPartition, holding the probe rows
// that were routed to disk because their build-side partition didn't fit
// in memory. Build is a non-owning back-reference: the Builder, not the
// ProbePartition, owns the HashPartition's lifetime.
type ProbePartition struct {
	Build *HashPartition
	Rows  *tuplestream.Stream
}

// spilledPair is one (build stream, probe stream) pair waiting in the
// Prober's work queue for a later PROBING_SPILLED_PARTITION or
// REPARTITIONING_BUILD pass (§4.1, §4.6).
type spilledPair struct {
	build *tuplestream.Stream
	probe *tuplestream.Stream
	level int
}
