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

	"github.com/cockroachdb/joinexec/pkg/mon"
	"github.com/cockroachdb/joinexec/pkg/row"
	"github.com/marusama/semaphore"
	"go.uber.org/zap"
)

// Operator implements the external operator contract of §6: init/prepare
// acquire configuration and a memory reservation; open drives the build
// child to completion and opens the probe child; get_next fills output
// batches; reset and close tear the instance down, close idempotently.
type Operator struct {
	cfg      *Config
	residual ResidualEvaluator
	fdSem    semaphore.Semaphore
	log      *zap.Logger

	monitor  *mon.BytesMonitor
	counters *Counters

	builder *Builder
	prober  *Prober

	opened bool
	closed bool
}

// NewOperator creates an Operator for cfg. residual may be nil for joins
// with no residual predicate (pure equi-join). fdSem may be nil if the
// caller doesn't want file-descriptor accounting.
func NewOperator(cfg *Config, residual ResidualEvaluator, fdSem semaphore.Semaphore, log *zap.Logger) *Operator {
	return &Operator{
		cfg:      cfg,
		residual: residual,
		fdSem:    fdSem,
		log:      log,
		counters: &Counters{},
	}
}

// Prepare acquires the operator's memory reservation. It must be called
// exactly once before Open.
func (o *Operator) Prepare() {
	o.monitor = mon.NewMonitor("join", o.cfg.MemoryBudget)
}

// Open drives buildSource to completion via a fresh Builder (partitioning
// and hash-table construction at level 0), then opens probeSource against
// the resulting partitions through a fresh Prober.
func (o *Operator) Open(ctx context.Context, buildSource, probeSource RowSource) error {
	if o.monitor == nil {
		return errInternalConsistency("Open called before Prepare")
	}
	o.builder = NewBuilder(o.cfg, o.monitor, o.fdSem, o.counters, o.log)
	partitions, err := o.builder.PartitionBuild(ctx, buildSource, 0)
	if err != nil {
		return err
	}
	o.prober = NewProber(o.cfg, o.builder, o.residual, o.monitor, o.fdSem, o.counters, o.log)
	if err := o.prober.Open(ctx, partitions, probeSource); err != nil {
		return err
	}
	o.opened = true
	return nil
}

// GetNext fills batch with up to Config.OutputCapacity rows, reporting eos
// once the join's terminal state is reached.
func (o *Operator) GetNext(ctx context.Context, batch *row.Batch) (eos bool, err error) {
	if !o.opened {
		return false, errInternalConsistency("GetNext called before Open")
	}
	return o.prober.GetNext(ctx, batch)
}

// Reset drops all partition state, leaving the Operator ready for a new
// Open call within the same fragment.
func (o *Operator) Reset(ctx context.Context) error {
	err := o.Close(ctx)
	o.closed = false
	o.opened = false
	return err
}

// Close idempotently releases every stream, hash table and reservation
// the Operator holds.
func (o *Operator) Close(ctx context.Context) error {
	if o.closed {
		return nil
	}
	o.closed = true
	if o.prober != nil {
		return o.prober.Close(ctx)
	}
	return nil
}

// Counters returns a snapshot of the operator's observable counters.
func (o *Operator) Counters() Snapshot {
	return o.counters.Snapshot()
}
