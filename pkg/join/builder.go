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

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinexec/pkg/hashtable"
	"github.com/cockroachdb/joinexec/pkg/hashutil"
	"github.com/cockroachdb/joinexec/pkg/mon"
	"github.com/cockroachdb/joinexec/pkg/row"
	"github.com/cockroachdb/joinexec/pkg/tuplestream"
	"github.com/marusama/semaphore"
	"go.uber.org/zap"
)

// hashChainOverheadBytes is the per-row bookkeeping cost a hash table adds
// on top of a row already accounted for elsewhere (the first/next chain
// slot and matched bit). It is the only new reservation a never-spilled
// partition's hash-table build requires, since the rows themselves are
// already held by the partition's stream account; a freshly pinned spilled
// partition, by contrast, reserves each row's full Size() because nothing
// else is holding it in memory yet.
const hashChainOverheadBytes = 24

// Builder owns the build-side partitioning state: it fans a row source
// into Config.Fanout partitions, spilling victims as needed to stay within
// budget, and builds a hash table over whichever partitions end up
// IN_MEMORY (§4.2).
type Builder struct {
	cfg      *Config
	monitor  *mon.BytesMonitor
	fdSem    semaphore.Semaphore
	counters *Counters
	log      *zap.Logger

	// nullBuildRows is nulls_build_batch: build rows whose key contains
	// NULL, diverted here instead of being partitioned, and retained across
	// the whole join for the null-aware anti-join's second phase (§4.5).
	nullBuildRows []row.Row

	// naajMirror additionally receives every non-NULL-keyed build row seen
	// during the level-0 partitioning pass, so EvaluateNullProbe (§4.5) can
	// later replay the entire original build side without the Builder
	// having to keep every level-0 partition pinned for the join's
	// lifetime.
	naajMirror *tuplestream.Stream
}

// NewBuilder creates a Builder sharing monitor and fdSem with its Prober.
func NewBuilder(cfg *Config, monitor *mon.BytesMonitor, fdSem semaphore.Semaphore, counters *Counters, log *zap.Logger) *Builder {
	b := &Builder{cfg: cfg, monitor: monitor, fdSem: fdSem, counters: counters, log: log}
	if cfg.Variant == NullAwareLeftAnti {
		acc := monitor.MakeBoundAccount()
		b.naajMirror = tuplestream.New(cfg.BuildSchema, acc, fdSem, cfg.SpillDir)
	}
	return b
}

// PartitionBuild drains source, fanning its rows into Config.Fanout
// partitions at level, spilling victim partitions as needed to respect the
// memory budget, then building a hash table for every partition that
// remains IN_MEMORY. It is used both for the original build child at level
// 0 and, via a stream-backed RowSource, to repartition a previously
// spilled partition at level+1 (§4.6).
func (b *Builder) PartitionBuild(ctx context.Context, source RowSource, level int) ([]*HashPartition, error) {
	if level > b.cfg.MaxDepth {
		return nil, errors.Mark(errors.Newf("partition recursion exceeded max depth %d", b.cfg.MaxDepth), ErrMemoryLimitExceeded)
	}
	b.counters.observeDepth(level)

	partitions := make([]*HashPartition, b.cfg.Fanout)
	for i := range partitions {
		acc := b.monitor.MakeBoundAccount()
		partitions[i] = &HashPartition{
			Index: i,
			Level: level,
			State: partitionInMemory,
			Rows:  tuplestream.New(b.cfg.BuildSchema, acc, b.fdSem, b.cfg.SpillDir),
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Mark(err, ErrCancelled)
		}
		r, ok, err := source.Next(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "reading build row")
		}
		if !ok {
			break
		}

		key := projectKey(r, b.cfg.BuildKeyCols)
		if b.cfg.Variant == NullAwareLeftAnti {
			if keyHasNull(key) {
				b.nullBuildRows = append(b.nullBuildRows, r.Clone())
				continue
			}
			if level == 0 {
				if err := b.naajMirror.Append(ctx, r.Clone()); err != nil {
					return nil, errors.Wrap(err, "mirroring build row for null-aware anti-join")
				}
			}
		}

		idx := hashutil.PartitionIndex(hashKey(level, key), b.cfg.Bits)
		if err := b.appendWithVictimSelection(ctx, partitions, idx, r); err != nil {
			return nil, err
		}
	}

	for _, p := range partitions {
		if err := b.buildInMemoryPartition(ctx, p); err != nil {
			return nil, err
		}
	}
	return partitions, nil
}

func (b *Builder) appendWithVictimSelection(ctx context.Context, partitions []*HashPartition, idx int, r row.Row) error {
	// A stream whose account cannot grow spills itself inside Append, so
	// victims are chosen here first, before the target's account would fail.
	for partitions[idx].State == partitionInMemory && b.monitor.Available() < r.Size() {
		if err := b.spill(ctx, b.pickVictim(partitions)); err != nil {
			return err
		}
	}
	for {
		err := partitions[idx].Rows.Append(ctx, r)
		if err == nil {
			return nil
		}
		if !errors.Is(err, mon.ErrMemoryLimitExceeded) {
			return errors.Wrap(err, "appending build row to partition")
		}
		victim := b.pickVictim(partitions)
		if victim == nil {
			return errors.Mark(errors.Newf("no victim partition left to spill"), ErrMemoryLimitExceeded)
		}
		if err := b.spill(ctx, victim); err != nil {
			return err
		}
	}
}

// pickVictim returns the largest currently pinned partition by in-memory
// reservation, per §4.2's "prefers the largest currently-pinned partition"
// policy.
func (b *Builder) pickVictim(partitions []*HashPartition) *HashPartition {
	var victim *HashPartition
	var victimSize int64
	for _, p := range partitions {
		if p.State != partitionInMemory {
			continue
		}
		sz := p.Rows.InMemoryBytes()
		if victim == nil || sz > victimSize {
			victim, victimSize = p, sz
		}
	}
	return victim
}

func (b *Builder) spill(ctx context.Context, p *HashPartition) error {
	released := p.Rows.InMemoryBytes()
	if err := p.Rows.Unpin(ctx); err != nil {
		return errors.Wrap(errors.Mark(err, ErrIOFailure), "spilling partition")
	}
	p.State = partitionSpilled
	b.counters.addBytesSpilled(released)
	if b.log != nil {
		b.log.Debug("spilled build partition",
			zap.Int("partition", p.Index), zap.Int("level", p.Level), zap.Int64("bytes", released))
	}
	return nil
}

// buildInMemoryPartition builds a hash table over a partition that
// remained IN_MEMORY through the whole partitioning pass, using PeekAll so
// the partition's own stream reservation (not a second full copy) backs
// the rows the table points into. If the table's own bookkeeping overhead
// can't fit the remaining budget, the partition is spilled instead and its
// partial table discarded, per §4.2 step 3.
func (b *Builder) buildInMemoryPartition(ctx context.Context, p *HashPartition) error {
	if p.State != partitionInMemory {
		return nil
	}
	rows := p.Rows.PeekAll()
	hashAcc := b.monitor.MakeBoundAccount()
	table := hashtable.New(b.cfg.BuildKeyCols, b.cfg.AllowNullEquality)
	for _, r := range rows {
		if err := hashAcc.Grow(hashChainOverheadBytes); err != nil {
			hashAcc.Clear()
			return b.spill(ctx, p)
		}
		key := projectKey(r, b.cfg.BuildKeyCols)
		table.Insert(r, hashKey(p.Level, key))
	}
	p.Table = table
	p.hashAcc = hashAcc
	p.matchedEmitted = make([]bool, len(rows))
	b.counters.addHashTablesBuilt(1)
	return nil
}

// TryBuildInMemory attempts to pin a previously spilled partition's build
// stream back into memory and construct a hash table over it, per §4.6
// step 1. It finalizes the stream's file with PrepareForRead, then uses
// its on-disk size against the monitor's
// available budget as an upfront admission check rather than reading the
// stream destructively and discovering mid-read that it doesn't fit: since
// the stream would need to be fully replayed to repartition it anyway,
// undershooting the check and aborting partway would leave no way to
// recover the rows already drained with delete-on-read.
func (b *Builder) TryBuildInMemory(ctx context.Context, stream *tuplestream.Stream, level int) (*hashtable.HashTable, *mon.BoundAccount, bool, error) {
	if err := stream.PrepareForRead(ctx, true); err != nil {
		return nil, nil, false, errors.Wrap(errors.Mark(err, ErrIOFailure), "reopening spilled build partition")
	}
	if stream.SpilledBytes() > b.monitor.Available() {
		return nil, nil, false, nil
	}
	hashAcc := b.monitor.MakeBoundAccount()
	table := hashtable.New(b.cfg.BuildKeyCols, b.cfg.AllowNullEquality)
	for {
		r, ok, err := stream.GetNext(ctx)
		if err != nil {
			hashAcc.Clear()
			return nil, nil, false, errors.Wrap(errors.Mark(err, ErrIOFailure), "reading spilled build partition")
		}
		if !ok {
			break
		}
		if err := hashAcc.Grow(r.Size() + hashChainOverheadBytes); err != nil {
			hashAcc.Clear()
			return nil, nil, false, errInternalConsistency("spilled partition exceeded its own on-disk size estimate while pinning")
		}
		key := projectKey(r, b.cfg.BuildKeyCols)
		table.Insert(r, hashKey(level, key))
	}
	b.counters.addHashTablesBuilt(1)
	return table, hashAcc, true, nil
}

// NullBuildRows returns nulls_build_batch: every build row diverted around
// partitioning because its key contained NULL.
func (b *Builder) NullBuildRows() []row.Row {
	return b.nullBuildRows
}

// NAAJMirror returns the stream mirroring every non-NULL-keyed build row
// seen at level 0, or nil if this Builder isn't running a null-aware
// anti-join.
func (b *Builder) NAAJMirror() *tuplestream.Stream {
	return b.naajMirror
}
