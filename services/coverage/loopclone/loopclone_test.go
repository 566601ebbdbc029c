// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loopclone

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/flowgraph"
	"github.com/mxz297/dyninst-tools/services/coverage/probe"
	"github.com/mxz297/dyninst-tools/services/coverage/profile"
)

const selfLoopYAML = `
functions:
  - name: spin
    entry: 0x10
    blocks:
      - {start: 0x10, end: 0x20}
      - {start: 0x20, end: 0x30}
      - {start: 0x30, end: 0x40, exit: true}
    edges:
      - {from: 0x10, to: 0x20, type: fallthrough}
      - {from: 0x20, to: 0x20, type: cond_taken}
      - {from: 0x20, to: 0x30, type: cond_not_taken}
`

const escapingSwitchYAML = `
functions:
  - name: escape
    entry: 0x10
    blocks:
      - {start: 0x10, end: 0x20}
      - {start: 0x20, end: 0x30}
      - {start: 0x30, end: 0x40}
      - {start: 0x40, end: 0x50, exit: true}
    edges:
      - {from: 0x10, to: 0x20, type: fallthrough}
      - {from: 0x20, to: 0x30, type: indirect}
      - {from: 0x20, to: 0x40, type: indirect}
      - {from: 0x30, to: 0x20, type: direct}
    jump_tables:
      - {block: 0x20, targets: [0x30, 0x40], slice: [0x20]}
`

const switchLoopYAML = `
functions:
  - name: dispatch
    entry: 0x10
    blocks:
      - {start: 0x10, end: 0x20}
      - {start: 0x20, end: 0x30}
      - {start: 0x30, end: 0x40}
      - {start: 0x40, end: 0x50}
      - {start: 0x50, end: 0x60}
      - {start: 0x60, end: 0x70, exit: true}
    edges:
      - {from: 0x10, to: 0x20, type: fallthrough}
      - {from: 0x20, to: 0x30, type: indirect}
      - {from: 0x20, to: 0x40, type: indirect}
      - {from: 0x30, to: 0x50, type: direct}
      - {from: 0x40, to: 0x50, type: direct}
      - {from: 0x50, to: 0x20, type: cond_taken}
      - {from: 0x50, to: 0x60, type: cond_not_taken}
      - {from: 0x50, to: 0x9000, type: call, interproc: true}
    jump_tables:
      - {block: 0x20, targets: [0x30, 0x40], slice: [0x20]}
`

const nestedYAML = `
functions:
  - name: nested
    entry: 0x10
    blocks:
      - {start: 0x10, end: 0x20}
      - {start: 0x20, end: 0x30}
      - {start: 0x30, end: 0x40}
      - {start: 0x40, end: 0x50}
      - {start: 0x50, end: 0x60}
      - {start: 0x60, end: 0x70, exit: true}
    edges:
      - {from: 0x10, to: 0x20, type: fallthrough}
      - {from: 0x20, to: 0x30, type: fallthrough}
      - {from: 0x30, to: 0x40, type: fallthrough}
      - {from: 0x40, to: 0x30, type: cond_taken}
      - {from: 0x40, to: 0x50, type: cond_not_taken}
      - {from: 0x50, to: 0x20, type: cond_taken}
      - {from: 0x50, to: 0x60, type: cond_not_taken}
`

// buildTarget parses src, derives loops, and instruments every block.
func buildTarget(t *testing.T, src string) Target {
	t.Helper()
	prog, err := cfg.Parse([]byte(src))
	require.NoError(t, err)
	fn := prog.Functions[0]
	fg, err := flowgraph.New(context.Background(), fn)
	require.NoError(t, err)
	flowgraph.EnsureLoops(context.Background(), fg, nil)

	inst := make(map[*cfg.Block]bool)
	for _, b := range fn.Blocks {
		inst[b] = true
	}
	return Target{Function: fn, Instrumented: inst}
}

func parseProfile(t *testing.T, src string) *profile.BlockProfile {
	t.Helper()
	p, err := profile.ParseBlockProfile(strings.NewReader(src))
	require.NoError(t, err)
	return p
}

func instrument(t *testing.T, targets []Target, prof *profile.BlockProfile, opts Options) (*Optimizer, *Report, *probe.Allocator) {
	t.Helper()
	opt, err := New(context.Background(), targets, prof, opts)
	require.NoError(t, err)
	alloc := probe.NewAllocator()
	report, err := opt.Instrument(context.Background(), alloc)
	require.NoError(t, err)
	return opt, report, alloc
}

// checkEdgeLists verifies that every In list holds exactly the edges
// targeting its block.
func checkEdgeLists(t *testing.T, fn *cfg.Function) {
	t.Helper()
	in := make(map[*cfg.Block]int)
	for _, b := range fn.Blocks {
		for _, e := range b.Out {
			if e.Target != nil {
				in[e.Target]++
			}
		}
	}
	for _, b := range fn.Blocks {
		assert.Len(t, b.In, in[b], "in-edges of %s", b.Describe())
		for _, e := range b.In {
			assert.Same(t, b, e.Target)
		}
	}
}

// checkMonotoneVersions verifies no clone jumps back to an earlier version
// of l: an intra-loop edge from a copy whose loop version, above the low
// shift bits owned by nested loops, is v reaches a version containing v.
func checkMonotoneVersions(t *testing.T, l *cfg.Loop, shift int) {
	t.Helper()
	for _, b := range l.Blocks {
		from := b.LoopVersion() >> shift
		if b.Origin == nil || from == 0 {
			continue
		}
		for _, e := range b.Out {
			if !e.Local() || !l.Contains(e.Target) {
				continue
			}
			to := e.Target.LoopVersion() >> shift
			assert.Equal(t, from, to&from, "%s -> %s", b.Describe(), e.Target.Describe())
		}
	}
}

// checkDistinctCopies verifies that no two blocks share a (start, version)
// pair and that no probe site is reported twice.
func checkDistinctCopies(t *testing.T, fn *cfg.Function, sites []probe.Site) {
	t.Helper()
	type key struct {
		addr    cfg.Address
		version uint32
	}
	blocks := make(map[key]*cfg.Block, len(fn.Blocks))
	for _, b := range fn.Blocks {
		k := key{b.Start, b.Version}
		if prev, ok := blocks[k]; ok {
			t.Errorf("%s and %s share a version tag", prev.Describe(), b.Describe())
		}
		blocks[k] = b
	}
	seen := make(map[key]bool, len(sites))
	for _, s := range sites {
		k := key{s.Addr, s.Version}
		assert.False(t, seen[k], "site %s#%x reported twice", s.Addr, s.Version)
		seen[k] = true
	}
}

func TestInstrument_SelfLoop(t *testing.T) {
	target := buildTarget(t, selfLoopYAML)
	fn := target.Function

	opt, report, alloc := instrument(t, []Target{target}, parseProfile(t, "0x21 100\n"),
		Options{PGORatio: 0.9, LoopCloneLimit: 5})

	assert.True(t, opt.Selected(fn.BlockAt(0x20)))
	assert.InDelta(t, 100.0, opt.CoveredPercent(), 1e-9)

	require.Len(t, report.Functions, 1)
	fr := report.Functions[0]
	require.Len(t, fr.Loops, 1)
	assert.Equal(t, 2, fr.Loops[0].Versions)
	assert.Equal(t, 1, fr.Loops[0].BlocksCreated)
	assert.Equal(t, []cfg.Address{0x20}, fr.Loops[0].Selected)

	copies := fn.BlocksAt(0x20)
	require.Len(t, copies, 2)
	v0, v1 := copies[0], copies[1]
	assert.Equal(t, uint32(0), v0.Version)
	assert.Equal(t, cfg.CombineVersion(1, 0), v1.Version)
	assert.Same(t, v0, v1.Origin)

	// Probe on version 0 only; the first iteration moves to version 1,
	// which keeps looping on itself.
	assert.Len(t, v0.Probes, 1)
	assert.Empty(t, v1.Probes)
	assert.Same(t, v1, v0.Out[0].Target)
	assert.Same(t, v1, v1.Out[0].Target)
	assert.Equal(t, cfg.Address(0x30), v1.Out[1].Target.Start)

	assert.Equal(t, []probe.Site{
		{Addr: 0x10, Slot: 1, Version: 0},
		{Addr: 0x20, Slot: 0, Version: 0},
		{Addr: 0x30, Slot: 2, Version: 0},
	}, fr.Sites)
	assert.Equal(t, 3, report.Probes)
	assert.Equal(t, int64(3), alloc.Count())
	checkEdgeLists(t, fn)
}

func TestInstrument_EscapingJumpTableIsNeverCloned(t *testing.T) {
	target := buildTarget(t, escapingSwitchYAML)
	fn := target.Function
	require.Len(t, fn.Loops, 1)

	opt, report, _ := instrument(t, []Target{target}, parseProfile(t, "0x21 90\n0x31 10\n"),
		Options{PGORatio: 1, LoopCloneLimit: 16})

	assert.True(t, opt.Unsafe(fn.Loops[0]))
	assert.False(t, opt.Selected(fn.BlockAt(0x20)))
	assert.Zero(t, opt.CoveredPercent())
	assert.Empty(t, report.Functions[0].Loops)
	assert.Len(t, fn.Blocks, 4)
	for _, b := range fn.Blocks {
		assert.Len(t, b.Probes, 1, b.Describe())
	}
}

func TestInstrument_JumpTableLoopVersions(t *testing.T) {
	target := buildTarget(t, switchLoopYAML)
	fn := target.Function
	require.Len(t, fn.Loops, 1)
	loop := fn.Loops[0]

	opt, report, _ := instrument(t, []Target{target}, parseProfile(t, "0x31 60\n0x41 30\n0x51 10\n"),
		Options{PGORatio: 1, LoopCloneLimit: 2})

	// The budget of two stops 0x50 from being selected.
	assert.True(t, opt.Selected(fn.BlockAt(0x30)))
	assert.True(t, opt.Selected(fn.BlockAt(0x40)))
	assert.False(t, opt.Selected(fn.BlockAt(0x50)))
	assert.InDelta(t, 90.0, opt.CoveredPercent(), 1e-9)

	fr := report.Functions[0]
	require.Len(t, fr.Loops, 1)
	cl := fr.Loops[0]
	assert.Equal(t, 4, cl.Versions)
	assert.Equal(t, 12, cl.BlocksCreated)
	assert.Equal(t, 3, cl.JumpTables)

	for _, addr := range []cfg.Address{0x20, 0x30, 0x40, 0x50} {
		versions := map[uint32]bool{}
		for _, b := range fn.BlocksAt(addr) {
			versions[b.LoopVersion()] = true
		}
		assert.Equal(t, map[uint32]bool{0: true, 1: true, 2: true, 3: true}, versions, addr.String())
	}

	// Each switch copy dispatches within its own version, through a table
	// whose entries are the copy's own edges.
	for _, sw := range fn.BlocksAt(0x20) {
		jt := fn.JumpTables[sw]
		require.NotNil(t, jt, sw.Describe())
		require.Len(t, jt.Entries, 2)
		for _, e := range jt.Entries {
			assert.Same(t, sw, e.Source)
			assert.Equal(t, sw.LoopVersion(), e.Target.LoopVersion())
		}
		assert.Equal(t, []cfg.Address{0x20}, jt.Slice)
	}
	require.Len(t, fr.JumpTables, 3)
	assert.Equal(t, BlockRef{Addr: 0x20, Version: cfg.CombineVersion(1, 0)}, fr.JumpTables[0].Block)

	// 0x30 owns bit 0 and 0x40 bit 1.
	next := func(addr cfg.Address, version uint32) uint32 {
		for _, b := range fn.BlocksAt(addr) {
			if b.LoopVersion() == version {
				return b.Out[0].Target.LoopVersion()
			}
		}
		t.Fatalf("no copy of %s at version %d", addr, version)
		return 0
	}
	assert.Equal(t, uint32(1), next(0x30, 0))
	assert.Equal(t, uint32(3), next(0x30, 2))
	assert.Equal(t, uint32(2), next(0x40, 0))
	assert.Equal(t, uint32(3), next(0x40, 1))
	assert.Equal(t, uint32(3), next(0x40, 3))

	probes := map[cfg.Address]int{}
	slots := map[cfg.Address]map[int64]bool{}
	for _, s := range fr.Sites {
		probes[s.Addr]++
		if slots[s.Addr] == nil {
			slots[s.Addr] = map[int64]bool{}
		}
		slots[s.Addr][s.Slot] = true
	}
	assert.Equal(t, map[cfg.Address]int{0x10: 1, 0x20: 4, 0x30: 2, 0x40: 2, 0x50: 4, 0x60: 1}, probes)
	for addr, s := range slots {
		assert.Len(t, s, 1, "copies of %s share one slot", addr)
	}

	// Interprocedural edges are never redirected.
	for _, b := range fn.BlocksAt(0x50) {
		assert.Equal(t, cfg.Address(0x9000), b.Out[2].TargetAddr)
		assert.Nil(t, b.Out[2].Target)
	}

	checkMonotoneVersions(t, loop, 0)
	checkDistinctCopies(t, fn, fr.Sites)
	checkEdgeLists(t, fn)
}

func TestInstrument_NestedLoopsCloneInnermostFirst(t *testing.T) {
	target := buildTarget(t, nestedYAML)
	fn := target.Function
	require.Len(t, fn.Loops, 1)
	outer := fn.Loops[0]
	require.Len(t, outer.Children, 1)
	inner := outer.Children[0]

	_, report, _ := instrument(t, []Target{target}, parseProfile(t, "0x41 50\n0x51 40\n"),
		Options{PGORatio: 1, LoopCloneLimit: 1})

	fr := report.Functions[0]
	require.Len(t, fr.Loops, 2)
	assert.Equal(t, cfg.Address(0x30), fr.Loops[0].Header)
	assert.Equal(t, 2, fr.Loops[0].Depth)
	assert.Equal(t, 2, fr.Loops[0].BlocksCreated)
	assert.Equal(t, cfg.Address(0x20), fr.Loops[1].Header)
	assert.Equal(t, 2, fr.Loops[1].Versions)
	assert.Equal(t, 6, fr.Loops[1].BlocksCreated)

	assert.Len(t, inner.Blocks, 4)
	assert.Len(t, outer.Blocks, 12)

	probes := map[cfg.Address]int{}
	for _, s := range fr.Sites {
		probes[s.Addr]++
	}
	assert.Equal(t, map[cfg.Address]int{0x10: 1, 0x20: 2, 0x30: 4, 0x40: 2, 0x50: 1, 0x60: 1}, probes)

	// Outer copies keep the inner loop-version bit and add their own above
	// it: 0x40 exists as original, inner v1, outer v1, and outer v1 of
	// inner v1.
	tagged := map[uint32]int{}
	for _, b := range fn.BlocksAt(0x40) {
		tagged[b.LoopVersion()] = len(b.Probes)
	}
	assert.Equal(t, map[uint32]int{0: 1, 1: 0, 2: 1, 3: 0}, tagged)
	for _, b := range fn.BlocksAt(0x20) {
		assert.Contains(t, []uint32{0, 2}, b.LoopVersion(), b.Describe())
	}

	checkMonotoneVersions(t, inner, 0)
	checkMonotoneVersions(t, outer, 1)
	checkDistinctCopies(t, fn, fr.Sites)
	checkEdgeLists(t, fn)
}

func TestInstrument_NoFreeVersionBitsSkipsCloning(t *testing.T) {
	target := buildTarget(t, selfLoopYAML)
	fn := target.Function
	// The loop body already uses the top loop-version bit.
	fn.BlockAt(0x20).Version = cfg.CombineVersion(1<<(cfg.LoopVersionBits-1), 0)

	_, report, _ := instrument(t, []Target{target}, parseProfile(t, "0x21 100\n"),
		Options{PGORatio: 0.9, LoopCloneLimit: 5})

	assert.Zero(t, report.Loops)
	require.Len(t, fn.BlocksAt(0x20), 1)
	assert.Len(t, fn.BlockAt(0x20).Probes, 1)
	checkDistinctCopies(t, fn, report.Functions[0].Sites)
}

func TestUsedVersionBits(t *testing.T) {
	tests := []struct {
		name     string
		versions []uint32
		want     int
	}{
		{"originals", []uint32{0, 0}, 0},
		{"one inner bit", []uint32{0, cfg.CombineVersion(1, 0)}, 1},
		{"two inner bits", []uint32{cfg.CombineVersion(2, 7), cfg.CombineVersion(1, 0)}, 2},
		{"inline only", []uint32{cfg.CombineVersion(0, 0xFFFF)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks := make([]*cfg.Block, len(tt.versions))
			for i, v := range tt.versions {
				blocks[i] = &cfg.Block{Version: v}
			}
			assert.Equal(t, tt.want, usedVersionBits(blocks))
		})
	}
}

func TestNew_RatioStopsSelection(t *testing.T) {
	target := buildTarget(t, switchLoopYAML)
	fn := target.Function

	opt, err := New(context.Background(), []Target{target},
		parseProfile(t, "0x9001 500\n0x11 5\n0x31 60\n0x41 30\n"),
		Options{PGORatio: 0.1, LoopCloneLimit: 16})
	require.NoError(t, err)

	// Unknown and loop-free entries cover nothing; 0x30 crosses the ratio.
	assert.False(t, opt.Selected(fn.BlockAt(0x10)))
	assert.True(t, opt.Selected(fn.BlockAt(0x30)))
	assert.False(t, opt.Selected(fn.BlockAt(0x40)))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), nil, nil, Options{LoopCloneLimit: MaxLoopCloneLimit + 1})
	assert.ErrorIs(t, err, ErrCloneLimit)

	_, err = New(context.Background(), nil, nil, Options{PGORatio: 1.5})
	assert.ErrorIs(t, err, ErrPGORatio)

	opt, err := New(context.Background(), nil, nil, Options{})
	require.NoError(t, err)
	_, err = opt.Instrument(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilAllocator)
}

func TestInstrument_EmptyProfileGivesPlainProbes(t *testing.T) {
	target := buildTarget(t, switchLoopYAML)
	fn := target.Function
	delete(target.Instrumented, fn.BlockAt(0x40))

	_, report, alloc := instrument(t, []Target{target}, &profile.BlockProfile{}, Options{PGORatio: 0.9, LoopCloneLimit: 4})

	assert.Empty(t, report.Functions[0].Loops)
	assert.Len(t, fn.Blocks, 6)
	for _, b := range fn.Blocks {
		want := 1
		if b.Start == 0x40 {
			want = 0
		}
		assert.Len(t, b.Probes, want, b.Describe())
	}
	assert.Equal(t, int64(5), alloc.Count())
}

func TestInstrument_ManyFunctionsConcurrently(t *testing.T) {
	var targets []Target
	for i := 0; i < 16; i++ {
		src := strings.ReplaceAll(selfLoopYAML, "name: spin", "name: spin"+strings.Repeat("x", i))
		targets = append(targets, buildTarget(t, src))
	}

	// One profile address matches the loop block of every function.
	_, report, alloc := instrument(t, targets, parseProfile(t, "0x21 100\n"),
		Options{PGORatio: 1, LoopCloneLimit: 1, Workers: 4})

	assert.Equal(t, 16, report.Loops)
	assert.Equal(t, 48, report.Probes)
	assert.Equal(t, int64(48), alloc.Count())
	for i, fr := range report.Functions {
		assert.Equal(t, targets[i].Function.Name, fr.Function)
	}
}
