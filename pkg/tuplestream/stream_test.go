// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package tuplestream

import (
	"context"
	"os"
	"testing"

	"github.com/cockroachdb/joinexec/pkg/mon"
	"github.com/cockroachdb/joinexec/pkg/row"
	"github.com/stretchr/testify/require"
)

func testSchema() row.Schema {
	return row.Schema{row.IntFamily, row.BytesFamily}
}

func testRow(i int64, s string) row.Row {
	return row.Row{
		{Family: row.IntFamily, Int: i},
		{Family: row.BytesFamily, Bytes: []byte(s)},
	}
}

func drain(t *testing.T, s *Stream) []row.Row {
	ctx := context.Background()
	require.NoError(t, s.PrepareForRead(ctx, true))
	var out []row.Row
	for {
		r, ok, err := s.GetNext(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, r)
	}
	return out
}

func TestStreamInMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	monitor := mon.NewMonitor("test", 1<<20)
	acc := monitor.MakeBoundAccount()
	s := New(testSchema(), acc, nil, t.TempDir())

	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.Append(ctx, testRow(i, "v")))
	}
	require.False(t, s.Spilled())

	out := drain(t, s)
	require.Len(t, out, 5)
	for i, r := range out {
		require.Equal(t, int64(i), r[0].Int)
	}
	require.NoError(t, s.Close(ctx))
}

func TestStreamSpillsWhenBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	monitor := mon.NewMonitor("test", 64)
	acc := monitor.MakeBoundAccount()
	s := New(testSchema(), acc, nil, t.TempDir())

	for i := int64(0); i < 50; i++ {
		require.NoError(t, s.Append(ctx, testRow(i, "payload")))
	}
	require.True(t, s.Spilled())

	out := drain(t, s)
	require.Len(t, out, 50)
	for i, r := range out {
		require.Equal(t, int64(i), r[0].Int)
		require.Equal(t, []byte("payload"), r[1].Bytes)
	}
	require.NoError(t, s.Close(ctx))
}

func TestStreamUnpinForcesSpillOfBufferedRows(t *testing.T) {
	ctx := context.Background()
	monitor := mon.NewMonitor("test", 1<<20)
	acc := monitor.MakeBoundAccount()
	s := New(testSchema(), acc, nil, t.TempDir())

	for i := int64(0); i < 3; i++ {
		require.NoError(t, s.Append(ctx, testRow(i, "x")))
	}
	require.False(t, s.Spilled())
	require.NoError(t, s.Unpin(ctx))
	require.True(t, s.Spilled())
	require.Zero(t, acc.Used())

	out := drain(t, s)
	require.Len(t, out, 3)
	require.NoError(t, s.Close(ctx))
}

func TestStreamDeleteOnReadRemovesBackingFile(t *testing.T) {
	ctx := context.Background()
	monitor := mon.NewMonitor("test", 64)
	acc := monitor.MakeBoundAccount()
	s := New(testSchema(), acc, nil, t.TempDir())

	for i := int64(0); i < 20; i++ {
		require.NoError(t, s.Append(ctx, testRow(i, "payload")))
	}
	require.True(t, s.Spilled())
	path := s.path

	drain(t, s)
	require.NoError(t, s.Close(ctx))

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
