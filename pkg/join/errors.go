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

import "github.com/cockroachdb/errors"

// ErrCancelled is returned by GetNext when the caller's context was
// cancelled at a batch boundary. It is the only error kind a caller should
// treat as routine rather than fatal: the operator's Close is still
// expected to run its best-effort cleanup afterward.
var ErrCancelled = errors.New("join cancelled")

// ErrMemoryLimitExceeded marks a fatal out-of-memory condition: a pinned
// buffer request that cannot be satisfied even after spilling every
// available victim, or a spilled partition that is still too large to pin
// at MaxDepth.
var ErrMemoryLimitExceeded = errors.New("join memory limit exceeded")

// ErrIOFailure marks a fatal read or write failure against a spilled
// partition stream.
var ErrIOFailure = errors.New("join spill i/o failure")

// errInternalConsistency reports a broken invariant: a state no code path
// should be able to reach if the rest of the package is correct.
func errInternalConsistency(format string, args ...interface{}) error {
	return errors.AssertionFailedf(format, args...)
}
