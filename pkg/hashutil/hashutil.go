// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package hashutil computes the 32-bit row hashes the join's partitioning
// step slices into a partition index. Level 0 uses CRC32 (cheap, and good
// enough when the build side hasn't already been through a skewed
// repartitioning pass); every deeper level switches to Murmur3 so that a
// pathological key distribution that collides under CRC32 is very unlikely
// to collide the same way again.
package hashutil

import (
	"hash/crc32"
	"math"

	"github.com/cockroachdb/joinexec/pkg/row"
	"github.com/spaolacci/murmur3"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// FamilyForLevel reports which hash family a given partitioning level uses.
// Exposed mainly for observability/logging.
func FamilyForLevel(level int) string {
	if level == 0 {
		return "crc32"
	}
	return "murmur3"
}

// InitialSeed is the initial hash state fed into Rehash, mirroring the
// hashTable convention of seeding every key's hash to a nonzero constant
// before folding in each key column (a zero seed would make an all-zero key
// hash to zero, which is indistinguishable from "no keys").
const InitialSeed uint32 = 1

// Rehash folds the value of a single key column into an accumulated hash,
// using the hash family appropriate for level. Called once per key column,
// left to right, to build up a row's full-key hash.
func Rehash(acc uint32, level int, d row.Datum) uint32 {
	if d.Null {
		// NULLs participate in the hash identically regardless of family so
		// that a key with a NULL column still lands deterministically in a
		// partition (NAAJ diverts NULL-keyed rows before hashing is even
		// reached, but every other variant hashes NULLs like any other value
		// for bucket placement purposes).
		return rehashBytes(acc, level, []byte{0})
	}
	switch d.Family {
	case row.BoolFamily:
		if d.Bool {
			return rehashBytes(acc, level, []byte{1})
		}
		return rehashBytes(acc, level, []byte{0})
	case row.IntFamily:
		return rehashUint64(acc, level, uint64(d.Int))
	case row.FloatFamily:
		return rehashUint64(acc, level, math.Float64bits(d.Float))
	case row.DecimalFamily:
		return rehashBytes(acc, level, []byte(d.Decimal.String()))
	case row.BytesFamily:
		return rehashBytes(acc, level, d.Bytes)
	case row.TimestampFamily:
		return rehashUint64(acc, level, uint64(d.Timestamp.UnixNano()))
	default:
		return acc
	}
}

func rehashUint64(acc uint32, level int, v uint64) uint32 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return rehashBytes(acc, level, buf[:])
}

func rehashBytes(acc uint32, level int, b []byte) uint32 {
	if level == 0 {
		return crc32.Update(acc, crcTable, b)
	}
	h := murmur3.Sum32WithSeed(b, acc)
	return h
}

// PartitionIndex slices the top bits bits out of a 32-bit hash to pick a
// partition in [0, 1<<bits). Using the high bits (rather than the low bits,
// which is what a plain modulo would use) keeps successive partitioning
// levels decorrelated: level d+1 rehashes with a different family but a
// naive low-bit slice of a CRC32/Murmur3 hash can still correlate across
// nearby levels for adversarial inputs, whereas the high bits of the two
// hash families are independent.
func PartitionIndex(h uint32, bits uint) int {
	if bits == 0 {
		return 0
	}
	return int(h >> (32 - bits))
}
