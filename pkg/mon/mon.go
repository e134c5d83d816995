// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package mon implements the hierarchical byte-quota accounting the join
// operator uses to decide when a partition must spill. It is a small,
// purpose-built stand-in for the kind of BytesMonitor/BoundAccount pair a
// host query engine would otherwise inject.
package mon

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinexec/pkg/util/syncutil"
)

// ErrMemoryLimitExceeded is returned by BoundAccount.Grow when granting the
// request would exceed the monitor's budget.
var ErrMemoryLimitExceeded = errors.New("memory budget exceeded")

// BytesMonitor tracks bytes reserved against a fixed budget, shared by a
// BoundAccount tree rooted at this monitor. A single join instance owns one
// monitor for its entire lifetime, created at prepare;
// per §5 of the design, join instances share no mutable state beyond this
// kind of global accounting.
type BytesMonitor struct {
	mu struct {
		syncutil.Mutex
		used   int64
		budget int64
	}
	name string
}

// NewMonitor creates a monitor with the given fixed budget in bytes.
func NewMonitor(name string, budget int64) *BytesMonitor {
	m := &BytesMonitor{name: name}
	m.mu.budget = budget
	return m
}

// Available returns the number of bytes that could currently be reserved.
func (m *BytesMonitor) Available() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.budget - m.mu.used
}

// Used returns the number of bytes currently reserved across all accounts.
func (m *BytesMonitor) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.used
}

func (m *BytesMonitor) reserve(n int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.used+n > m.mu.budget {
		return false
	}
	m.mu.used += n
	return true
}

func (m *BytesMonitor) release(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.used -= n
	if m.mu.used < 0 {
		m.mu.used = 0
	}
}

// MakeBoundAccount creates a new, empty account bound to this monitor.
func (m *BytesMonitor) MakeBoundAccount() *BoundAccount {
	return &BoundAccount{monitor: m}
}

// BoundAccount is a ledger of bytes reserved from a BytesMonitor by one
// logical consumer (a partition's write buffer, a hash table, a stream's
// in-memory window). Closing or clearing an account returns its reservation
// to the monitor.
type BoundAccount struct {
	monitor *BytesMonitor
	used    int64
}

// Used returns the number of bytes currently reserved by this account.
func (a *BoundAccount) Used() int64 {
	if a == nil {
		return 0
	}
	return a.used
}

// Grow reserves n additional bytes against the monitor's budget. It fails
// without side effects if the budget would be exceeded; the caller is
// expected to free memory (e.g. by spilling a victim partition) and retry.
func (a *BoundAccount) Grow(n int64) error {
	if n <= 0 {
		return nil
	}
	if !a.monitor.reserve(n) {
		return ErrMemoryLimitExceeded
	}
	a.used += n
	return nil
}

// Shrink releases n bytes previously reserved via Grow.
func (a *BoundAccount) Shrink(n int64) {
	if n <= 0 {
		return
	}
	if n > a.used {
		n = a.used
	}
	a.used -= n
	a.monitor.release(n)
}

// Clear releases this account's entire reservation.
func (a *BoundAccount) Clear() {
	a.Shrink(a.used)
}
