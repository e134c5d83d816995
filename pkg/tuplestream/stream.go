// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package tuplestream implements the append-only row stream that backs
// every build and probe partition: an in-memory circular window that falls
// back to an Arrow-encoded, snappy-compressed file on disk once its
// BoundAccount can no longer grow. It generalizes the vectorized
// spillingQueue (a fixed in-memory slice of batches plus a DiskQueue) to an
// opaque row-at-a-time stream, since this join's Row is not a column
// vector.
package tuplestream

import (
	"context"
	"io"
	"os"

	"github.com/apache/arrow/go/v11/arrow/array"
	"github.com/apache/arrow/go/v11/arrow/ipc"
	"github.com/apache/arrow/go/v11/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinexec/pkg/mon"
	"github.com/cockroachdb/joinexec/pkg/row"
	"github.com/cockroachdb/joinexec/pkg/util/ring"
	"github.com/golang/snappy"
	"github.com/marusama/semaphore"
)

// diskBatchSize is how many buffered rows are flattened into a single Arrow
// record batch before being flushed to disk. A larger batch amortizes the
// per-record-batch framing overhead at the cost of buffering more rows in
// memory ahead of the write.
const diskBatchSize = 1024

// numFDsPerStream mirrors spillingQueue's fixed file-descriptor cost: one
// write FD is held open for the duration of the append phase, then one read
// FD for the duration of the read phase. They are never open concurrently
// (a stream is write-only then read-only): PrepareForRead releases the write
// FD's reservation and acquires a new one for the read FD.
const numFDsPerStream = 1

// Stream is a single partition's row storage: an in-memory window governed
// by a BoundAccount, spilling to a temp file once the account can't grow
// further. It is write-only until PrepareForRead, then read-only.
type Stream struct {
	schema row.Schema
	acc    *mon.BoundAccount
	fdSem  semaphore.Semaphore
	dir    string

	// buffer holds rows not yet flushed to disk (or, if the stream never
	// spills, every row the stream will ever hold). Modeled as a ring.Buffer
	// of interface{} rather than a plain slice so draining the head during
	// read doesn't require shifting the remaining elements down, matching
	// spillingQueue's circular in-memory window.
	buffer ring.Buffer

	spilled      bool
	fdAcquired   bool
	path         string
	file         *os.File
	writer       *ipc.Writer
	writerCloser io.Closer // the snappy.Writer wrapping file, flushed/closed alongside writer
	bldr         *array.RecordBuilder
	pendingDisk  []row.Row // rows accumulated toward the next on-disk record batch

	reading      bool
	deleteOnRead bool
	reader       *ipc.Reader
	readBatch    []row.Row
	readIdx      int
	numRows      int
}

// New creates an empty stream over rows of the given schema. acc governs how
// many rows the stream may buffer in memory before it must spill to dir.
// fdSemaphore may be nil, matching spillingQueue's convention of skipping FD
// accounting when the caller has already reserved descriptors up front.
func New(schema row.Schema, acc *mon.BoundAccount, fdSemaphore semaphore.Semaphore, dir string) *Stream {
	return &Stream{
		schema: schema,
		acc:    acc,
		fdSem:  fdSemaphore,
		dir:    dir,
	}
}

// Spilled reports whether the stream has fallen back to disk.
func (s *Stream) Spilled() bool {
	return s.spilled
}

// NumRows returns the number of rows appended to the stream so far.
func (s *Stream) NumRows() int {
	return s.numRows
}

// Append adds r to the end of the stream. If the in-memory account can't
// grow to hold it, the stream spills everything buffered so far to disk
// (lazily creating its backing file on first spill) and r is written
// through to disk immediately.
func (s *Stream) Append(ctx context.Context, r row.Row) error {
	if s.reading {
		return errors.AssertionFailedf("Append called on a stream already in read mode")
	}
	s.numRows++
	if !s.spilled {
		if err := s.acc.Grow(r.Size()); err == nil {
			s.buffer.AddLast(r)
			return nil
		}
		if err := s.spillBufferToDisk(ctx); err != nil {
			return err
		}
	}
	return s.appendToDisk(ctx, r)
}

// Unpin forces every row currently buffered in memory out to disk, without
// requiring a failed Grow to trigger it. The Builder calls this on a
// partition it has chosen as a spill victim (§4.2) so that a sibling
// partition can claim the freed budget.
func (s *Stream) Unpin(ctx context.Context) error {
	if s.spilled || s.reading {
		return nil
	}
	return s.spillBufferToDisk(ctx)
}

func (s *Stream) spillBufferToDisk(ctx context.Context) error {
	if s.spilled {
		return nil
	}
	if err := s.openForWrite(ctx); err != nil {
		return err
	}
	for s.buffer.Len() > 0 {
		r := s.buffer.GetFirst().(row.Row)
		s.buffer.RemoveFirst()
		s.acc.Shrink(r.Size())
		if err := s.appendToDisk(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) openForWrite(ctx context.Context) error {
	if s.fdSem != nil {
		if err := s.fdSem.Acquire(ctx, numFDsPerStream); err != nil {
			return errors.Wrap(err, "acquiring spill file descriptor")
		}
		s.fdAcquired = true
	}
	f, err := os.CreateTemp(s.dir, "joinexec-partition-*.arrows")
	if err != nil {
		if s.fdAcquired {
			s.fdSem.Release(numFDsPerStream)
			s.fdAcquired = false
		}
		return errors.Wrap(err, "creating spill file")
	}
	s.file = f
	s.path = f.Name()
	s.writerCloser = snappy.NewBufferedWriter(f)
	s.writer = ipc.NewWriter(s.writerCloser.(io.Writer), ipc.WithSchema(arrowSchema(s.schema)), ipc.WithAllocator(memory.DefaultAllocator))
	s.bldr = array.NewRecordBuilder(memory.DefaultAllocator, arrowSchema(s.schema))
	s.spilled = true
	return nil
}

func (s *Stream) appendToDisk(ctx context.Context, r row.Row) error {
	s.pendingDisk = append(s.pendingDisk, r)
	if len(s.pendingDisk) >= diskBatchSize {
		return s.flushPendingDisk()
	}
	return nil
}

func (s *Stream) flushPendingDisk() error {
	if len(s.pendingDisk) == 0 {
		return nil
	}
	rec := encodeBatch(s.bldr, s.schema, s.pendingDisk)
	defer rec.Release()
	if err := s.writer.Write(rec); err != nil {
		return errors.Wrap(err, "writing spilled record batch")
	}
	s.pendingDisk = s.pendingDisk[:0]
	return nil
}

// PrepareForRead closes off the append phase and positions the stream to
// yield rows from the beginning in append order via GetNext. deleteOnRead
// requests that Close remove the stream's backing file, matching the build
// side's behavior of consuming a recursively repartitioned spill file
// exactly once (§4.6).
func (s *Stream) PrepareForRead(ctx context.Context, deleteOnRead bool) error {
	if s.reading {
		return nil
	}
	s.reading = true
	s.deleteOnRead = deleteOnRead
	if !s.spilled {
		return nil
	}
	if err := s.flushPendingDisk(); err != nil {
		return err
	}
	if err := s.writer.Close(); err != nil {
		return errors.Wrap(err, "closing spill writer")
	}
	if c, ok := s.writerCloser.(*snappy.Writer); ok {
		if err := c.Close(); err != nil {
			return errors.Wrap(err, "closing spill compressor")
		}
	}
	if err := s.file.Close(); err != nil {
		return errors.Wrap(err, "closing spill file after write")
	}
	if s.fdAcquired {
		s.fdSem.Release(numFDsPerStream)
		s.fdAcquired = false
	}

	f, err := os.Open(s.path)
	if err != nil {
		return errors.Wrap(err, "reopening spill file for read")
	}
	s.file = f
	if s.fdSem != nil {
		if err := s.fdSem.Acquire(ctx, numFDsPerStream); err != nil {
			return errors.Wrap(err, "acquiring spill read file descriptor")
		}
		s.fdAcquired = true
	}
	sr := snappy.NewReader(f)
	reader, err := ipc.NewReader(sr, ipc.WithSchema(arrowSchema(s.schema)), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return errors.Wrap(err, "opening spill reader")
	}
	s.reader = reader
	return nil
}

// GetNext returns the next row in append order, or ok=false once the stream
// is exhausted.
func (s *Stream) GetNext(ctx context.Context) (r row.Row, ok bool, err error) {
	if !s.reading {
		return nil, false, errors.AssertionFailedf("GetNext called before PrepareForRead")
	}
	if !s.spilled {
		if s.buffer.Len() == 0 {
			return nil, false, nil
		}
		r = s.buffer.GetFirst().(row.Row)
		s.buffer.RemoveFirst()
		s.acc.Shrink(r.Size())
		return r, true, nil
	}
	for s.readIdx >= len(s.readBatch) {
		if !s.reader.Next() {
			if s.reader.Err() != nil && s.reader.Err() != io.EOF {
				return nil, false, errors.Wrap(s.reader.Err(), "reading spilled record batch")
			}
			return nil, false, nil
		}
		rec := s.reader.Record()
		rows, derr := decodeBatch(s.schema, rec)
		if derr != nil {
			return nil, false, derr
		}
		s.readBatch = rows
		s.readIdx = 0
	}
	r = s.readBatch[s.readIdx]
	s.readIdx++
	return r, true, nil
}

// Close releases every resource the stream holds: its memory reservation,
// any open file descriptor and, if deleteOnRead was requested, its backing
// file, whether or not every row was read back.
func (s *Stream) Close(ctx context.Context) error {
	for s.buffer.Len() > 0 {
		r := s.buffer.GetFirst().(row.Row)
		s.buffer.RemoveFirst()
		s.acc.Shrink(r.Size())
	}
	var err error
	if s.reader != nil {
		s.reader.Release()
		s.reader = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil {
			err = errors.Wrap(cerr, "closing spill file")
		}
		s.file = nil
	}
	if s.bldr != nil {
		s.bldr.Release()
		s.bldr = nil
	}
	if s.fdAcquired {
		s.fdSem.Release(numFDsPerStream)
		s.fdAcquired = false
	}
	if s.deleteOnRead && s.path != "" {
		if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) {
			err = errors.Wrap(rerr, "removing spill file")
		}
		s.path = ""
	}
	return err
}

// Path returns the stream's backing file path, or "" if it never spilled.
// Exposed for observability; the join's bytes-spilled counter is derived
// from the in-memory bytes a spill releases, not from this.
func (s *Stream) Path() string {
	return s.path
}

// InMemoryBytes returns the account reservation currently held by rows
// buffered in memory. Used by victim selection, which prefers to evict the
// largest pinned partition.
func (s *Stream) InMemoryBytes() int64 {
	return s.acc.Used()
}

// SpilledBytes returns the size in bytes of the stream's backing file, or 0
// if it never spilled. Rows still buffered by the writers are not counted
// until PrepareForRead has flushed and closed the file. Used as a cheap
// admission check before attempting to pin a spilled partition back into
// memory.
func (s *Stream) SpilledBytes() int64 {
	if !s.spilled {
		return 0
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// PeekAll returns every row currently buffered in memory without draining
// them, in append order. Valid only for a stream that has never spilled;
// the Builder uses it to insert a never-spilled partition's rows into a
// hash table while leaving the stream itself untouched; the rows are only
// actually dropped from the stream's account once the hash table build
// commits (via Close).
func (s *Stream) PeekAll() []row.Row {
	if s.spilled {
		return nil
	}
	out := make([]row.Row, s.buffer.Len())
	for i := range out {
		out[i] = s.buffer.Get(i).(row.Row)
	}
	return out
}
