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
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinexec/pkg/hashtable"
	"github.com/cockroachdb/joinexec/pkg/hashutil"
	"github.com/cockroachdb/joinexec/pkg/mon"
	"github.com/cockroachdb/joinexec/pkg/row"
	"github.com/cockroachdb/joinexec/pkg/tuplestream"
	"github.com/marusama/semaphore"
	"go.uber.org/zap"
)

// proberState names the Prober's position in the state machine of §4.1.
// PARTITIONING_PROBE and REPARTITIONING_PROBE share stepProbing;
// PROBING_SPILLED_PARTITION is just stepProbing against a frame holding a
// single pinned-back partition. The remaining three states are the
// null-aware anti-join's extra phases (§4.5), run once after every
// ordinary frame has been consumed.
type proberState int

const (
	proberProbing proberState = iota
	proberNAAJEvaluateNullProbe
	proberNAAJOutputProbeRows
	proberNAAJOutputNullProbe
	proberDone
)

// frame is one partitioning pass's worth of build partitions, at some
// recursion level, together with the parallel probe streams created for
// whichever of them spilled.
type frame struct {
	level           int
	partitions      []*HashPartition
	probePartitions []*ProbePartition // index-aligned with partitions; nil unless partitions[i].State == partitionSpilled
}

// Prober drives the probe side through a Builder's partitions (and any
// descendants produced by recursive repartitioning), applying the
// variant-specific emission rule at each key match, and finally running
// the null-aware anti-join's extra passes if configured for one (§4.3-4.6).
type Prober struct {
	cfg      *Config
	builder  *Builder
	residual ResidualEvaluator
	monitor  *mon.BytesMonitor
	fdSem    semaphore.Semaphore
	counters *Counters
	log      *zap.Logger

	state proberState

	curFrame        *frame
	probeSource     RowSource
	probeSourceDone bool
	frameIdx        int // index of the partition within curFrame currently being drained from probeSource into its probe stream / matched in memory

	workQueue []spilledPair

	// resumable single-probe-row cursor, live only mid-chain-walk.
	curRow       row.Row
	curKey       row.Row
	curPartition *HashPartition
	iter         *hashtable.Iterator
	semiEmitted  bool
	// curMatched tracks whether any candidate seen so far in the current
	// probe row's duplicate-chain walk has satisfied the residual
	// predicate. It must be persisted here rather than kept as a loop-local
	// in continueMatchChain, since the walk can suspend mid-chain when the
	// output batch fills and resume on a later GetNext call; semiEmitted is
	// persisted for the identical reason.
	curMatched bool

	// residualErr holds the first error a residual-predicate evaluation (or
	// an append to the null-aware probe partition in emitNoMatch)
	// reported, for surfacing at the next batch boundary (GetNext's own
	// signature is the only channel continueMatchChain has to report an
	// error without unwinding the per-row inner loop, per §4.3's "append
	// probe row" out-parameter convention).
	residualErr error

	// resumable unmatched-build sweep cursor.
	sweepActive  bool
	sweepPartIdx int
	sweepIter    *hashtable.Iterator

	// null-aware anti-join state.
	naajStream        *tuplestream.Stream // null_aware_probe_partition
	naajNullProbeRows []row.Row           // null_probe_rows
	naajMatched       []bool              // matched_null_probe
	naajAllBuild      []row.Row           // entire original build side, materialized once for EvaluateNullProbe
	naajOuterIdx      int
	naajInnerIdx      int
	naajPhaseStarted  bool
	naajProbeRow      row.Row
	naajProbeRowValid bool
	naajPrepared      bool // whether naajStream.PrepareForRead has already succeeded
}

// NewProber creates a Prober sharing its Builder's monitor and fdSem.
func NewProber(cfg *Config, builder *Builder, residual ResidualEvaluator, monitor *mon.BytesMonitor, fdSem semaphore.Semaphore, counters *Counters, log *zap.Logger) *Prober {
	if residual == nil {
		residual = NoResidual{}
	}
	p := &Prober{
		cfg:      cfg,
		builder:  builder,
		residual: residual,
		monitor:  monitor,
		fdSem:    fdSem,
		counters: counters,
		log:      log,
	}
	if cfg.Variant == NullAwareLeftAnti {
		acc := monitor.MakeBoundAccount()
		p.naajStream = tuplestream.New(cfg.ProbeSchema, acc, fdSem, cfg.SpillDir)
	}
	return p
}

// Open begins the probe phase against the Builder's level-0 partitions,
// reading probe rows from source (PARTITIONING_PROBE, §4.1).
func (p *Prober) Open(ctx context.Context, partitions []*HashPartition, probeSource RowSource) error {
	p.curFrame = newFrame(p.cfg, partitions)
	p.probeSource = probeSource
	return nil
}

func newFrame(cfg *Config, partitions []*HashPartition) *frame {
	f := &frame{level: partitions[0].Level, partitions: partitions, probePartitions: make([]*ProbePartition, len(partitions))}
	return f
}

// GetNext fills batch with up to Config.OutputCapacity rows and reports
// eos once the terminal state is reached (§6's get_next contract).
func (p *Prober) GetNext(ctx context.Context, batch *row.Batch) (eos bool, err error) {
	batch.Reset()
	for !batch.AtCapacity(p.cfg.OutputCapacity) {
		if cerr := ctx.Err(); cerr != nil {
			return false, errors.Mark(cerr, ErrCancelled)
		}
		if p.residualErr != nil {
			err := p.residualErr
			p.residualErr = nil
			return false, err
		}
		switch p.state {
		case proberProbing:
			progressed, err := p.stepProbing(ctx, batch)
			if err != nil {
				return false, err
			}
			if !progressed {
				if err := p.advanceFrame(ctx); err != nil {
					return false, err
				}
			}
		case proberNAAJEvaluateNullProbe:
			start := time.Now()
			err := p.stepEvaluateNullProbe(ctx)
			p.counters.addNullAwareEval(time.Since(start))
			if err != nil {
				return false, err
			}
		case proberNAAJOutputProbeRows:
			start := time.Now()
			progressed, err := p.stepOutputNullAwareProbeRows(ctx, batch)
			p.counters.addNullAwareEval(time.Since(start))
			if err != nil {
				return false, err
			}
			if !progressed {
				p.state = proberNAAJOutputNullProbe
			}
		case proberNAAJOutputNullProbe:
			start := time.Now()
			p.stepOutputNullAwareNullProbe(batch)
			p.counters.addNullAwareEval(time.Since(start))
			if p.naajOuterIdx >= len(p.naajNullProbeRows) {
				p.state = proberDone
			}
		case proberDone:
			return true, nil
		}
	}
	return false, nil
}

// stepProbing performs one unit of probing work against curFrame: either
// resuming a pending match-chain walk, or pulling the next probe row from
// probeSource and routing it. It returns progressed=false once probeSource
// is exhausted and there is no pending chain to resume, signalling the
// caller to move on to the unmatched-build sweep and then the next frame.
func (p *Prober) stepProbing(ctx context.Context, batch *row.Batch) (progressed bool, err error) {
	if p.iter != nil {
		p.continueMatchChain(ctx, batch)
		return true, nil
	}
	if p.sweepActive {
		p.continueSweep(batch)
		return true, nil
	}
	if !p.probeSourceDone {
		r, ok, err := p.probeSource.Next(ctx)
		if err != nil {
			return false, errors.Wrap(err, "reading probe row")
		}
		if !ok {
			p.probeSourceDone = true
			return p.startSweep(ctx, batch)
		}
		p.counters.addProbeRowsPartitioned(1)
		if err := p.routeProbeRow(ctx, r, batch); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// routeProbeRow computes r's partition and either probes its in-memory
// hash table inline or appends r to that partition's spilled probe stream
// (§4.3 steps 1-2).
func (p *Prober) routeProbeRow(ctx context.Context, r row.Row, batch *row.Batch) error {
	key := projectKey(r, p.cfg.ProbeKeyCols)

	if p.cfg.Variant == NullAwareLeftAnti && keyHasNull(key) {
		p.naajNullProbeRows = append(p.naajNullProbeRows, r.Clone())
		return nil
	}

	level := p.curFrame.level
	idx := 0
	if len(p.curFrame.partitions) > 1 {
		// A pinned-back spilled partition is a frame of one partition.
		idx = partitionIndexForRow(p.cfg, key, level)
	}
	part := p.curFrame.partitions[idx]

	if part.State == partitionSpilled {
		pp := p.curFrame.probePartitions[idx]
		if pp == nil {
			acc := p.monitor.MakeBoundAccount()
			pp = &ProbePartition{Build: part, Rows: tuplestream.New(p.cfg.ProbeSchema, acc, p.fdSem, p.cfg.SpillDir)}
			p.curFrame.probePartitions[idx] = pp
		}
		if err := pp.Rows.Append(ctx, r); err != nil {
			return errors.Wrap(errors.Mark(err, ErrIOFailure), "appending probe row to spilled partition")
		}
		return nil
	}

	it := part.Table.Find(key, hashKey(level, key))
	p.curRow, p.curKey, p.curPartition, p.semiEmitted, p.curMatched = r, key, part, false, false
	p.iter = it
	p.continueMatchChain(ctx, batch)
	return nil
}

// continueMatchChain walks the duplicate chain an iterator was positioned
// at by routeProbeRow (or left at by a previous call that filled the
// batch), applying the residual predicate and the variant's emission rule
// to each candidate, until the chain is exhausted or the batch is full.
func (p *Prober) continueMatchChain(ctx context.Context, batch *row.Batch) {
	variant := p.cfg.Variant
	for p.iter.Valid() {
		if batch.AtCapacity(p.cfg.OutputCapacity) {
			return // resume from the same iterator position next call.
		}
		buildRow := p.iter.Row()
		ok, err := p.residual.Eval(ctx, buildRow, p.curRow)
		if err != nil {
			// Treated as a non-match for this candidate, but recorded so
			// GetNext surfaces it at the next batch boundary instead of
			// silently dropping a potentially valid pair (§7).
			if p.residualErr == nil {
				p.residualErr = errors.Wrap(err, "evaluating residual predicate")
			}
			ok = false
		}
		if ok {
			p.curMatched = true
			if variant.marksBuildMatched() {
				p.curPartition.Table.SetMatched(p.iter.KeyID())
			}
			if variant.emitsOnKeyMatch() && !p.semiEmitted {
				if variant.emitsOnceOnKeyMatch() {
					// LEFT_SEMI's output schema is the probe side alone,
					// mirroring RIGHT_SEMI's build-side-alone sweep output.
					batch.Append(p.curRow.Clone())
					p.semiEmitted = true
				} else {
					batch.Append(composeRow(buildRow, p.curRow))
				}
			}
			if variant.emitsOnceOnKeyMatch() {
				break // LEFT_SEMI: the rest of the duplicate chain can't change the outcome.
			}
		}
		p.iter.Next()
	}
	p.iter = nil

	if !p.curMatched {
		p.emitNoMatch(ctx, batch)
	}
}

// emitNoMatch applies the variant's no-match emission rule once a probe
// row's entire duplicate chain has been walked with no residual match.
func (p *Prober) emitNoMatch(ctx context.Context, batch *row.Batch) {
	switch p.cfg.Variant {
	case LeftOuter, FullOuter:
		batch.Append(composeRow(nullBuildRowFor(p.cfg.BuildSchema), p.curRow))
	case LeftAnti:
		batch.Append(p.curRow.Clone())
	case NullAwareLeftAnti:
		if err := p.naajStream.Append(ctx, p.curRow); err != nil && p.residualErr == nil {
			// Recorded so GetNext reports it at the next batch boundary.
			p.residualErr = errors.Wrap(errors.Mark(err, ErrIOFailure), "appending to null-aware probe partition")
		}
	}
}

// startSweep begins the unmatched-build sweep (§4.4) over curFrame's
// IN_MEMORY partitions, if the variant needs one; otherwise it reports
// progressed=false immediately so the caller advances to the next frame.
func (p *Prober) startSweep(ctx context.Context, batch *row.Batch) (bool, error) {
	if !p.cfg.Variant.needsUnmatchedBuildSweep() {
		return false, nil
	}
	p.sweepPartIdx = 0
	p.sweepActive = true
	p.advanceSweepIter()
	if !p.sweepActive {
		return false, nil
	}
	p.continueSweep(batch)
	return true, nil
}

func (p *Prober) advanceSweepIter() {
	for p.sweepPartIdx < len(p.curFrame.partitions) {
		part := p.curFrame.partitions[p.sweepPartIdx]
		if part.State == partitionInMemory && part.Table != nil {
			p.sweepIter = part.Table.FullTableIterator()
			return
		}
		p.sweepPartIdx++
	}
	p.sweepActive = false
	p.sweepIter = nil
}

// continueSweep emits one batch's worth of unmatched (or matched, for
// RIGHT_SEMI) build rows before yielding.
func (p *Prober) continueSweep(batch *row.Batch) {
	variant := p.cfg.Variant
	for p.sweepActive {
		part := p.curFrame.partitions[p.sweepPartIdx]
		for p.sweepIter.Valid() {
			if batch.AtCapacity(p.cfg.OutputCapacity) {
				return
			}
			keyID := p.sweepIter.KeyID()
			matched := part.Table.Matched(keyID)
			switch variant {
			case RightOuter, FullOuter:
				if !matched {
					batch.Append(composeRow(p.sweepIter.Row(), nullProbeRowFor(p.cfg.ProbeSchema)))
				}
			case RightSemi:
				if matched && !part.matchedEmitted[keyID-1] {
					part.matchedEmitted[keyID-1] = true
					batch.Append(p.sweepIter.Row().Clone())
				}
			case RightAnti:
				if !matched {
					batch.Append(p.sweepIter.Row().Clone())
				}
			}
			p.sweepIter.Next()
		}
		p.sweepPartIdx++
		p.advanceSweepIter()
	}
}

// advanceFrame is called once curFrame's probe source and unmatched-build
// sweep are both fully drained. It closes curFrame's IN_MEMORY partitions,
// enqueues its SPILLED (build, probe) pairs for later processing, and pops
// the next pair off the work queue (§4.1's "pop-spilled" transition). When
// the queue is empty it moves on to the null-aware anti-join phases (if
// configured for one) or reports the join done.
func (p *Prober) advanceFrame(ctx context.Context) error {
	for i, part := range p.curFrame.partitions {
		switch part.State {
		case partitionInMemory:
			part.hashAcc.Clear()
			if err := part.Rows.Close(ctx); err != nil {
				return errors.Wrap(errors.Mark(err, ErrIOFailure), "closing in-memory partition")
			}
			part.State = partitionClosed
		case partitionSpilled:
			pp := p.curFrame.probePartitions[i]
			var probeStream *tuplestream.Stream
			if pp != nil {
				probeStream = pp.Rows
			} else {
				acc := p.monitor.MakeBoundAccount()
				probeStream = tuplestream.New(p.cfg.ProbeSchema, acc, p.fdSem, p.cfg.SpillDir)
			}
			p.workQueue = append(p.workQueue, spilledPair{build: part.Rows, probe: probeStream, level: part.Level})
		}
	}
	if src, ok := p.probeSource.(*streamRowSource); ok {
		if err := src.stream.Close(ctx); err != nil {
			return errors.Wrap(errors.Mark(err, ErrIOFailure), "closing drained probe stream")
		}
	}
	p.curFrame = nil
	p.probeSource = nil
	p.probeSourceDone = false

	if len(p.workQueue) == 0 {
		return p.finishFrames(ctx)
	}
	return p.popSpilledPair(ctx)
}

// popSpilledPair implements §4.6: try to pin the popped pair's build
// stream back into memory; if it fits, probe it directly
// (PROBING_SPILLED_PARTITION); otherwise repartition it one level deeper
// (REPARTITIONING_BUILD then REPARTITIONING_PROBE).
func (p *Prober) popSpilledPair(ctx context.Context) error {
	pair := p.workQueue[0]
	p.workQueue = p.workQueue[1:]

	table, hashAcc, ok, err := p.builder.TryBuildInMemory(ctx, pair.build, pair.level)
	if err != nil {
		return err
	}
	if ok {
		part := &HashPartition{Index: 0, Level: pair.level, State: partitionInMemory, Rows: pair.build, Table: table, hashAcc: hashAcc}
		part.matchedEmitted = make([]bool, table.NumRows())
		p.curFrame = &frame{level: pair.level, partitions: []*HashPartition{part}, probePartitions: make([]*ProbePartition, 1)}
		p.probeSource = &streamRowSource{stream: pair.probe, deleteOnRead: true}
		return nil
	}

	if pair.level >= p.cfg.MaxDepth {
		return errors.Mark(errors.Newf("spilled partition still too large at max depth %d", p.cfg.MaxDepth), ErrMemoryLimitExceeded)
	}

	buildSource := &streamRowSource{stream: pair.build, deleteOnRead: true}
	partitions, err := p.builder.PartitionBuild(ctx, buildSource, pair.level+1)
	if err != nil {
		return err
	}
	if err := pair.build.Close(ctx); err != nil {
		return errors.Wrap(errors.Mark(err, ErrIOFailure), "closing repartitioned build stream")
	}
	p.curFrame = newFrame(p.cfg, partitions)
	p.probeSource = &streamRowSource{stream: pair.probe, deleteOnRead: true}
	return nil
}

// finishFrames is reached once every ordinary frame (original plus every
// recursively repartitioned descendant) has been fully probed. It begins
// the null-aware anti-join's extra phases if configured for one, or
// reports the join done.
func (p *Prober) finishFrames(ctx context.Context) error {
	if p.cfg.Variant != NullAwareLeftAnti {
		p.state = proberDone
		return nil
	}
	allBuild, err := materializeStream(ctx, p.builder.NAAJMirror())
	if err != nil {
		return err
	}
	p.naajAllBuild = append(allBuild, p.builder.NullBuildRows()...)
	p.naajMatched = make([]bool, len(p.naajNullProbeRows))
	p.state = proberNAAJEvaluateNullProbe
	return nil
}

func materializeStream(ctx context.Context, s *tuplestream.Stream) ([]row.Row, error) {
	if s == nil {
		return nil, nil
	}
	if err := s.PrepareForRead(ctx, false); err != nil {
		return nil, errors.Wrap(errors.Mark(err, ErrIOFailure), "materializing build mirror")
	}
	var out []row.Row
	for {
		r, ok, err := s.GetNext(ctx)
		if err != nil {
			return nil, errors.Wrap(errors.Mark(err, ErrIOFailure), "reading build mirror")
		}
		if !ok {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

// stepEvaluateNullProbe implements §4.5 phase 1: for every null_probe_row,
// scan the entire original build side for a residual match, short
// circuiting on the first one found. It does not itself write to the
// output batch, so it runs the whole phase to completion within a single
// call without consuming batch capacity, then moves to the next phase.
func (p *Prober) stepEvaluateNullProbe(ctx context.Context) error {
	for p.naajOuterIdx < len(p.naajNullProbeRows) {
		probe := p.naajNullProbeRows[p.naajOuterIdx]
		for p.naajInnerIdx < len(p.naajAllBuild) {
			ok, err := p.residual.Eval(ctx, p.naajAllBuild[p.naajInnerIdx], probe)
			if err != nil {
				return errors.Wrap(err, "evaluating null-aware residual")
			}
			p.naajInnerIdx++
			if ok {
				p.naajMatched[p.naajOuterIdx] = true
				break
			}
		}
		p.naajOuterIdx++
		p.naajInnerIdx = 0
	}
	p.naajOuterIdx = 0
	p.state = proberNAAJOutputProbeRows
	return nil
}

// stepOutputNullAwareProbeRows implements §4.5 phase 2: drain
// null_aware_probe_partition, suppressing each row that matches any row
// of nulls_build_batch and emitting the rest.
func (p *Prober) stepOutputNullAwareProbeRows(ctx context.Context, batch *row.Batch) (bool, error) {
	if !p.naajProbeRowValid {
		if !p.naajPrepared {
			if err := p.naajStream.PrepareForRead(ctx, true); err != nil {
				return false, errors.Wrap(errors.Mark(err, ErrIOFailure), "reopening null-aware probe partition")
			}
			p.naajPrepared = true
		}
		r, ok, err := p.naajStream.GetNext(ctx)
		if err != nil {
			return false, errors.Wrap(errors.Mark(err, ErrIOFailure), "reading null-aware probe partition")
		}
		if !ok {
			return false, nil
		}
		p.naajProbeRow, p.naajProbeRowValid = r, true
		p.naajInnerIdx = 0
	}
	nullBuild := p.builder.NullBuildRows()
	suppressed := false
	for p.naajInnerIdx < len(nullBuild) {
		if batch.AtCapacity(p.cfg.OutputCapacity) {
			return true, nil
		}
		ok, err := p.residual.Eval(ctx, nullBuild[p.naajInnerIdx], p.naajProbeRow)
		if err != nil {
			return false, errors.Wrap(err, "evaluating null-aware residual")
		}
		p.naajInnerIdx++
		if ok {
			suppressed = true
			break
		}
	}
	if batch.AtCapacity(p.cfg.OutputCapacity) {
		return true, nil
	}
	if !suppressed {
		batch.Append(p.naajProbeRow.Clone())
	}
	p.naajProbeRowValid = false
	return true, nil
}

// stepOutputNullAwareNullProbe implements §4.5 phase 3: emit every
// null_probe_row whose matched_null_probe bit is still unset.
func (p *Prober) stepOutputNullAwareNullProbe(batch *row.Batch) {
	for p.naajOuterIdx < len(p.naajNullProbeRows) {
		if batch.AtCapacity(p.cfg.OutputCapacity) {
			return
		}
		if !p.naajMatched[p.naajOuterIdx] {
			batch.Append(p.naajNullProbeRows[p.naajOuterIdx].Clone())
		}
		p.naajOuterIdx++
	}
}

// Counters returns the running observability counters.
func (p *Prober) Counters() *Counters {
	return p.counters
}

// Close releases every stream and hash table the Prober still holds,
// whether the join ran to completion or was abandoned mid-batch after a
// cancellation (§5's best-effort cleanup on Close, §6's idempotent close).
func (p *Prober) Close(ctx context.Context) error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.curFrame != nil {
		for i, part := range p.curFrame.partitions {
			if part.State == partitionInMemory {
				if part.hashAcc != nil {
					part.hashAcc.Clear()
				}
			}
			note(part.Rows.Close(ctx))
			if pp := p.curFrame.probePartitions[i]; pp != nil {
				note(pp.Rows.Close(ctx))
			}
		}
		p.curFrame = nil
	}
	if src, ok := p.probeSource.(*streamRowSource); ok {
		note(src.stream.Close(ctx))
		p.probeSource = nil
	}
	for _, pair := range p.workQueue {
		note(pair.build.Close(ctx))
		note(pair.probe.Close(ctx))
	}
	p.workQueue = nil
	if p.naajStream != nil {
		note(p.naajStream.Close(ctx))
	}
	if mirror := p.builder.NAAJMirror(); mirror != nil {
		note(mirror.Close(ctx))
	}
	return firstErr
}

// streamRowSource adapts a tuplestream.Stream to RowSource, calling
// PrepareForRead lazily on the first Next.
type streamRowSource struct {
	stream       *tuplestream.Stream
	deleteOnRead bool
	prepared     bool
}

func (s *streamRowSource) Next(ctx context.Context) (row.Row, bool, error) {
	if !s.prepared {
		if err := s.stream.PrepareForRead(ctx, s.deleteOnRead); err != nil {
			return nil, false, errors.Wrap(errors.Mark(err, ErrIOFailure), "reading spilled stream")
		}
		s.prepared = true
	}
	return s.stream.GetNext(ctx)
}

// partitionIndexForRow hashes a projected key at level and slices out its
// partition index using the configured fanout bits.
func partitionIndexForRow(cfg *Config, key row.Row, level int) int {
	return hashutil.PartitionIndex(hashKey(level, key), cfg.Bits)
}
