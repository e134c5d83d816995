// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Command joinexecbench drives a single joinexec Operator instance over a
// synthetic build/probe pair and prints the resulting counters. It exists
// to reproduce spec.md's S3/S4 forced-spill scenarios by hand and as a
// smoke test that the whole module links and runs end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/cockroachdb/joinexec/pkg/join"
	"github.com/cockroachdb/joinexec/pkg/row"
	"github.com/cockroachdb/joinexec/pkg/util/humanizeutil"
	"go.uber.org/zap"
)

var (
	buildRows    = flag.Int("build-rows", 10000, "number of build-side rows to generate")
	probeRows    = flag.Int("probe-rows", 10000, "number of probe-side rows to generate")
	keyRange     = flag.Int("key-range", 1024, "keys are drawn uniformly from [0, key-range)")
	memoryBudget = flag.String("memory-budget", "1MiB", "memory budget, e.g. 64KiB, 8MiB")
	variant      = flag.String("variant", "inner", "join variant: inner, left_outer, right_outer, full_outer, left_semi, left_anti, right_semi, right_anti, null_aware_left_anti")
	seed         = flag.Int64("seed", 1, "random seed for the synthetic input")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "joinexecbench:", err)
		os.Exit(1)
	}
}

func run() error {
	jt, err := parseVariant(*variant)
	if err != nil {
		return err
	}
	budget, err := humanizeutil.ParseBytes(*memoryBudget)
	if err != nil {
		return fmt.Errorf("parsing -memory-budget: %w", err)
	}

	schema := row.Schema{row.IntFamily, row.BytesFamily}
	cfg := &join.Config{
		Variant:        jt,
		BuildSchema:    schema,
		ProbeSchema:    schema,
		BuildKeyCols:   []int{0},
		ProbeKeyCols:   []int{0},
		Fanout:         16,
		Bits:           4,
		MaxDepth:       16,
		MemoryBudget:   budget,
		SpillDir:       os.TempDir(),
		OutputCapacity: 1024,
	}

	rng := rand.New(rand.NewSource(*seed))
	build := newSyntheticSource(rng, *buildRows, *keyRange, "b")
	probe := newSyntheticSource(rng, *probeRows, *keyRange, "p")

	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	op := join.NewOperator(cfg, nil, nil, log)
	op.Prepare()
	ctx := context.Background()
	if err := op.Open(ctx, build, probe); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() { _ = op.Close(ctx) }()

	total := 0
	batch := row.NewBatch(cfg.OutputCapacity)
	for {
		eos, err := op.GetNext(ctx, batch)
		if err != nil {
			return fmt.Errorf("get_next: %w", err)
		}
		total += batch.Len()
		if eos {
			break
		}
	}

	fmt.Printf("rows emitted: %d\n", total)
	fmt.Println(op.Counters().String())
	return nil
}

func parseVariant(s string) (join.JoinType, error) {
	variants := map[string]join.JoinType{
		"inner": join.Inner, "left_outer": join.LeftOuter, "right_outer": join.RightOuter,
		"full_outer": join.FullOuter, "left_semi": join.LeftSemi, "left_anti": join.LeftAnti,
		"right_semi": join.RightSemi, "right_anti": join.RightAnti,
		"null_aware_left_anti": join.NullAwareLeftAnti,
	}
	jt, ok := variants[s]
	if !ok {
		return 0, fmt.Errorf("unknown -variant %q", s)
	}
	return jt, nil
}

// syntheticSource generates n rows with an int key uniform in [0, keyRange)
// and a small tag string, implementing join.RowSource.
type syntheticSource struct {
	rng      *rand.Rand
	n        int
	i        int
	keyRange int
	tag      string
}

func newSyntheticSource(rng *rand.Rand, n, keyRange int, tag string) *syntheticSource {
	return &syntheticSource{rng: rng, n: n, keyRange: keyRange, tag: tag}
}

func (s *syntheticSource) Next(context.Context) (row.Row, bool, error) {
	if s.i >= s.n {
		return nil, false, nil
	}
	key := s.rng.Intn(s.keyRange)
	r := row.Row{
		{Family: row.IntFamily, Int: int64(key)},
		{Family: row.BytesFamily, Bytes: []byte(fmt.Sprintf("%s%d", s.tag, s.i))},
	}
	s.i++
	return r, true, nil
}
