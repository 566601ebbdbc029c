// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/placement"
	"github.com/mxz297/dyninst-tools/services/coverage/profile"
	covstore "github.com/mxz297/dyninst-tools/services/coverage/storage/badger"
)

const programYAML = `
functions:
  - name: main
    entry: 0x1000
    blocks:
      - {start: 0x1000, end: 0x1010}
      - {start: 0x1010, end: 0x1020}
      - {start: 0x1020, end: 0x1030}
      - {start: 0x1030, end: 0x1040}
    edges:
      - {from: 0x1000, to: 0x1010, type: cond_taken}
      - {from: 0x1000, to: 0x1020, type: cond_not_taken}
      - {from: 0x1010, to: 0x1030, type: direct}
      - {from: 0x1020, to: 0x1030, type: fallthrough}
      - {from: 0x1030, type: return, sink: true}
  - name: walk
    entry: 0x2000
    blocks:
      - {start: 0x2000, end: 0x2010}
      - {start: 0x2010, end: 0x2020}
      - {start: 0x2020, end: 0x2030}
      - {start: 0x2030, end: 0x2040}
    edges:
      - {from: 0x2000, to: 0x2010, type: fallthrough}
      - {from: 0x2010, to: 0x2020, type: cond_taken}
      - {from: 0x2020, to: 0x2010, type: direct}
      - {from: 0x2010, to: 0x2030, type: cond_not_taken}
      - {from: 0x2030, type: return, sink: true}
  - name: stub
    entry: 0x3000
`

func loadProgram(t *testing.T) *cfg.Program {
	t.Helper()
	prog, err := cfg.Parse([]byte(programYAML))
	require.NoError(t, err)
	return prog
}

func names(out *Output) []string {
	var ns []string
	for _, pl := range out.Planned {
		ns = append(ns, pl.Function.Name)
	}
	return ns
}

func TestPlan_OrdersAndPlacesWithoutMutating(t *testing.T) {
	prog := loadProgram(t)

	out, err := Plan(context.Background(), prog, Options{Policy: placement.PolicyExact, Workers: 2})
	require.NoError(t, err)

	// The empty stub is skipped.
	assert.Equal(t, []string{"main", "walk"}, names(out))
	assert.Len(t, out.RunID, 12)
	assert.Nil(t, out.Report)
	assert.Nil(t, out.Allocator)
	assert.Equal(t, []cfg.Address{0x1010, 0x1020}, out.Planned[0].Result.Addresses)
	assert.Equal(t, []cfg.Address{0x2000, 0x2020}, out.Planned[1].Result.Addresses)

	for _, fn := range prog.Functions {
		for _, b := range fn.Blocks {
			assert.Empty(t, b.Probes)
		}
	}
	assert.Len(t, prog.Function("walk").Blocks, 4)

	s := out.Summary()
	assert.Equal(t, 2, s.Functions)
	assert.Equal(t, 8, s.Blocks)
	assert.Equal(t, 4, s.Instrumented)
	assert.Zero(t, s.Probes)
}

func TestPlan_CallPairsReorder(t *testing.T) {
	out, err := Plan(context.Background(), loadProgram(t), Options{
		Policy:    placement.PolicyLeaf,
		CallPairs: []profile.CallPair{{Caller: 0x2000, Callee: 0x1000, Metric: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"walk", "main"}, names(out))
}

func TestRun_ClonesHotLoop(t *testing.T) {
	prog := loadProgram(t)
	prof, err := profile.ParseBlockProfile(strings.NewReader("0x2021 100\n0x1011 3\n"))
	require.NoError(t, err)

	out, err := Run(context.Background(), prog, Options{
		Policy:         placement.PolicyExact,
		Profile:        prof,
		PGORatio:       0.9,
		LoopCloneLimit: 4,
		RunID:          "run-1",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Report)

	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, 1, out.Report.Loops)
	assert.Equal(t, 4, out.Report.Probes)
	assert.Equal(t, int64(4), out.Allocator.Count())

	walk := prog.Function("walk")
	copies := walk.BlocksAt(0x2020)
	require.Len(t, copies, 2)
	assert.Len(t, copies[0].Probes, 1)
	assert.Empty(t, copies[1].Probes)
	// The header is not instrumented under exact placement.
	for _, b := range walk.BlocksAt(0x2010) {
		assert.Empty(t, b.Probes)
	}

	var buf bytes.Buffer
	require.NoError(t, out.WriteYAML(&buf))
	text := buf.String()
	assert.Contains(t, text, "run_id: run-1")
	assert.Contains(t, text, "placement: [0x2000, 0x2020]")

	var doc Document
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "exact", doc.Policy)
	assert.Equal(t, 4, doc.Probes)
	require.Len(t, doc.Functions, 2)
	fd := doc.Functions[1]
	assert.Equal(t, "walk", fd.Name)
	require.Len(t, fd.Loops, 1)
	assert.Equal(t, cfg.HexAddress(0x2010), fd.Loops[0].Header)
	assert.Equal(t, []cfg.HexAddress{0x2020}, fd.Loops[0].Selected)
	assert.Equal(t, 2, fd.Loops[0].Versions)
	assert.Len(t, fd.Sites, 2)
	assert.Empty(t, doc.Functions[0].Loops)
}

func TestRun_EmptyProfileGivesPlainProbes(t *testing.T) {
	prog := loadProgram(t)

	out, err := Run(context.Background(), prog, Options{Policy: placement.PolicyNone, PGORatio: 0.9, LoopCloneLimit: 4})
	require.NoError(t, err)

	assert.Zero(t, out.Report.Loops)
	assert.Equal(t, 8, out.Report.Probes)
	for _, name := range []string{"main", "walk"} {
		for _, b := range prog.Function(name).Blocks {
			assert.Len(t, b.Probes, 1, b.Describe())
		}
	}

	var manifest bytes.Buffer
	require.NoError(t, out.Allocator.WriteManifest(&manifest))
	lines := strings.Split(strings.TrimSpace(manifest.String()), "\n")
	assert.Equal(t, "8", lines[0])
	assert.Len(t, lines, 9)
}

func TestRun_InvalidOptions(t *testing.T) {
	_, err := Run(context.Background(), loadProgram(t), Options{LoopCloneLimit: 17})
	assert.Error(t, err)

	_, err = Run(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, ErrNilProgram)

	//nolint:staticcheck // exercising the nil guard
	_, err = Plan(nil, loadProgram(t), Options{})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, loadProgram(t), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlan_ReusesStoredPlacement(t *testing.T) {
	db, err := covstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := covstore.NewPlacementStore(db)

	opts := Options{Policy: placement.PolicyExact, Store: store}
	first, err := Plan(context.Background(), loadProgram(t), opts)
	require.NoError(t, err)
	assert.Zero(t, first.Summary().Cached)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	second, err := Plan(context.Background(), loadProgram(t), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Summary().Cached)
	for i := range first.Planned {
		assert.Equal(t, first.Planned[i].Result.Addresses, second.Planned[i].Result.Addresses)
	}
	assert.NotEqual(t, first.RunID, second.RunID)
}
