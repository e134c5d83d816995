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
	"github.com/cockroachdb/joinexec/pkg/hashutil"
	"github.com/cockroachdb/joinexec/pkg/row"
)

// projectKey extracts the key columns of r, in keyCols order, into a
// standalone row usable as a hash-table probe key or hash input.
func projectKey(r row.Row, keyCols []int) row.Row {
	key := make(row.Row, len(keyCols))
	for i, c := range keyCols {
		key[i] = r[c]
	}
	return key
}

// keyHasNull reports whether any column of a projected key is NULL, used
// to divert NULL-keyed rows around the hash table entirely for the
// null-aware left anti-join (§4.2).
func keyHasNull(key row.Row) bool {
	for _, d := range key {
		if d.Null {
			return true
		}
	}
	return false
}

// hashKey computes the 32-bit hash of a projected key at a given
// partitioning level, using hashutil's level-dependent hash family.
func hashKey(level int, key row.Row) uint32 {
	h := hashutil.InitialSeed
	for _, d := range key {
		h = hashutil.Rehash(h, level, d)
	}
	return h
}
