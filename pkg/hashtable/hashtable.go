// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package hashtable implements the in-memory build-side hash table used by
// one in-memory hash partition at a time. It is a bucket array plus a
// densely-packed "next" chain over the build rows, the same structure the
// vectorized hash join's hashTable uses over column batches, generalized
// here to operate over opaque row.Row values instead of column vectors.
package hashtable

import (
	"github.com/cockroachdb/joinexec/pkg/row"
)

// bucketSize is the number of buckets in first. It is independent of the
// partition fanout: fanout picks which partition a row lands in, bucketSize
// picks which chain within that partition's hash table a key lands in.
const bucketSize = 1 << 16

// keyID 0 is reserved to mean "end of chain"; the first real row has keyID
// 1, and row.Row at vals[keyID-1] corresponds to it.
const endOfChain = 0

// HashTable is a bucket-chained hash table over a single in-memory build
// partition's rows, keyed by the equality columns named by keyCols.
type HashTable struct {
	allowNullEquality bool
	keyCols           []int

	// first[h] holds the keyID of the most recently inserted row whose key
	// hashed to bucket h, or endOfChain if none.
	first [bucketSize]uint64

	// next[keyID-1] holds the keyID of the previous row inserted into the
	// same bucket as keyID, or endOfChain. Parallel to vals.
	next []uint64

	// vals holds every inserted row.Row; vals[keyID-1] is the row for keyID.
	vals []row.Row

	// matched[keyID-1] is set once a probe row has matched this build row
	// with its residual predicate applied; used by RIGHT_OUTER, FULL_OUTER,
	// RIGHT_SEMI and RIGHT_ANTI's unmatched/matched-build sweep. Modeled as
	// a side bitmap rather than a bit living inside Row itself, per the
	// spec's open question on where match state should live — either
	// choice is observably equivalent here since Row never escapes to a
	// second hash table.
	matched []bool
}

// New creates an empty hash table keyed on keyCols.
func New(keyCols []int, allowNullEquality bool) *HashTable {
	return &HashTable{
		keyCols:           append([]int(nil), keyCols...),
		allowNullEquality: allowNullEquality,
	}
}

// NumRows returns the number of build rows inserted so far.
func (ht *HashTable) NumRows() int {
	return len(ht.vals)
}

// Insert adds r to the table under the given precomputed key hash, linking
// it into its bucket's chain. It never fails: callers are responsible for
// having reserved memory for the row before calling Insert (the Builder
// reserves row by row, and if a reservation fails partway through it
// discards the partial table and spills the partition, per §4.2).
func (ht *HashTable) Insert(r row.Row, hash uint32) (keyID uint64) {
	bucket := hash & (bucketSize - 1)
	ht.vals = append(ht.vals, r)
	ht.next = append(ht.next, ht.first[bucket])
	ht.matched = append(ht.matched, false)
	keyID = uint64(len(ht.vals))
	ht.first[bucket] = keyID
	return keyID
}

// Row returns the build row for a keyID previously returned by Insert or
// produced by an Iterator.
func (ht *HashTable) Row(keyID uint64) row.Row {
	return ht.vals[keyID-1]
}

// SetMatched marks the build row for keyID as having satisfied at least one
// probe row's residual predicate.
func (ht *HashTable) SetMatched(keyID uint64) {
	ht.matched[keyID-1] = true
}

// Matched reports whether SetMatched has been called for keyID.
func (ht *HashTable) Matched(keyID uint64) bool {
	return ht.matched[keyID-1]
}

// Iterator walks a chain of keyIDs, either the subset that matches a probe
// key (from Find) or every row in the table (from FullTableIterator).
type Iterator struct {
	ht      *HashTable
	cur     uint64
	matchAll bool

	// probeKey and probeHasNull are set only for iterators produced by Find;
	// they are compared against each candidate's key as the chain is
	// walked, lazily, rather than up front, since most chains are short.
	probeKey     row.Row
	probeHasNull bool
}

// Valid reports whether the iterator is positioned at a live row.
func (it *Iterator) Valid() bool {
	return it.cur != endOfChain
}

// KeyID returns the keyID the iterator is currently positioned at. Valid
// must be true.
func (it *Iterator) KeyID() uint64 {
	return it.cur
}

// Row returns the build row the iterator is currently positioned at.
func (it *Iterator) Row() row.Row {
	return it.ht.Row(it.cur)
}

// Next advances the iterator to the next candidate: sequentially through
// every build row for a FullTableIterator, or along the matching subset of
// a bucket chain for an iterator returned by Find.
func (it *Iterator) Next() {
	if it.cur == endOfChain {
		return
	}
	if it.matchAll {
		it.nextFull()
		return
	}
	it.cur = it.ht.next[it.cur-1]
	for it.cur != endOfChain && !it.keysEqual(it.cur) {
		it.cur = it.ht.next[it.cur-1]
	}
}

func (it *Iterator) keysEqual(keyID uint64) bool {
	build := it.ht.Row(keyID)
	for i, col := range it.ht.keyCols {
		p := it.probeKey[i]
		b := build[col]
		if p.Null || b.Null {
			if it.ht.allowNullEquality && p.Null && b.Null {
				continue
			}
			return false
		}
		if !p.Equal(b) {
			return false
		}
	}
	return true
}

// Find looks up probeKey (already projected to just the key columns, in the
// same order as keyCols) and returns an iterator over every build row whose
// key matches, applying NULL-equality semantics per allowNullEquality. The
// iterator is positioned at the first match, or is immediately !Valid() if
// there is none.
func (ht *HashTable) Find(probeKey row.Row, hash uint32) *Iterator {
	bucket := hash & (bucketSize - 1)
	it := &Iterator{ht: ht, probeKey: probeKey}
	cur := ht.first[bucket]
	for cur != endOfChain && !it.keysEqual(cur) {
		cur = ht.next[cur-1]
	}
	it.cur = cur
	return it
}

// FullTableIterator returns an iterator over every row in the table,
// without any key filter, used to sweep unmatched (or matched) build rows
// at the end of a partition for RIGHT_OUTER, FULL_OUTER, RIGHT_SEMI and
// RIGHT_ANTI.
func (ht *HashTable) FullTableIterator() *Iterator {
	it := &Iterator{ht: ht, matchAll: true}
	if len(ht.vals) > 0 {
		it.cur = 1
	} else {
		it.cur = endOfChain
	}
	return it
}

// nextFull advances a full-table iterator linearly instead of following a
// bucket chain.
func (it *Iterator) nextFull() {
	it.cur++
	if it.cur > uint64(len(it.ht.vals)) {
		it.cur = endOfChain
	}
}
