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
	"fmt"
	"time"

	"github.com/cockroachdb/joinexec/pkg/util/humanizeutil"
	"github.com/cockroachdb/joinexec/pkg/util/syncutil"
)

// Counters tracks the observable state an Operator exposes to the
// surrounding plan engine (§6): how much work was partitioned and spilled,
// how deep recursion went, and how long null-aware evaluation took.
type Counters struct {
	mu syncutil.Mutex

	probeRowsPartitioned int64
	bytesSpilled         int64
	maxPartitionDepth    int
	nullAwareEvalNanos   int64
	hashTablesBuilt      int64
}

// String renders the counters the way the original's AddToDebugString
// would: one line of human-readable byte and duration units, suitable for
// a log line or the joinexecbench summary.
func (c *Counters) String() string {
	return c.Snapshot().String()
}

// String renders a Snapshot for logging/benchmark output.
func (s Snapshot) String() string {
	return fmt.Sprintf(
		"probe_rows_partitioned=%d bytes_spilled=%s max_partition_depth=%d null_aware_eval_time=%s hash_tables_built=%d",
		s.ProbeRowsPartitioned, humanizeutil.IBytes(s.BytesSpilled), s.MaxPartitionDepth,
		humanizeutil.Duration(s.NullAwareEvalTime), s.HashTablesBuilt,
	)
}

func (c *Counters) addProbeRowsPartitioned(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeRowsPartitioned += n
}

func (c *Counters) addBytesSpilled(n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesSpilled += n
}

func (c *Counters) observeDepth(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if depth > c.maxPartitionDepth {
		c.maxPartitionDepth = depth
	}
}

func (c *Counters) addNullAwareEval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nullAwareEvalNanos += d.Nanoseconds()
}

func (c *Counters) addHashTablesBuilt(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashTablesBuilt += n
}

// Snapshot is a point-in-time, concurrency-safe copy of Counters' fields.
type Snapshot struct {
	ProbeRowsPartitioned int64
	BytesSpilled         int64
	MaxPartitionDepth    int
	NullAwareEvalTime    time.Duration
	HashTablesBuilt      int64
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ProbeRowsPartitioned: c.probeRowsPartitioned,
		BytesSpilled:         c.bytesSpilled,
		MaxPartitionDepth:    c.maxPartitionDepth,
		NullAwareEvalTime:    time.Duration(c.nullAwareEvalNanos),
		HashTablesBuilt:      c.hashTablesBuilt,
	}
}
