// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package placement

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/tools/container/intsets"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/flowgraph"
	"github.com/mxz297/dyninst-tools/services/coverage/graph"
	"github.com/mxz297/dyninst-tools/services/coverage/superblock"
	"github.com/mxz297/dyninst-tools/services/coverage/telemetry"
)

const tracerName = "dyninst.coverage.placement"

// Result is the probe placement of one function. It is immutable once
// returned.
type Result struct {
	Function string `json:"function" yaml:"function"`
	Policy   Policy `json:"policy" yaml:"policy"`

	// Needs maps every instrumented block start to true.
	Needs map[cfg.Address]bool `json:"needs" yaml:"-"`

	// Addresses lists the instrumented block starts in ascending order.
	Addresses []cfg.Address `json:"addresses" yaml:"addresses"`

	// Superblocks is the number of superblocks, zero when the policy did
	// not build the superblock graph.
	Superblocks int `json:"superblocks" yaml:"superblocks"`

	// LoopLevels maps each block inside a loop to the depth of its
	// innermost loop (outermost loops are level 1).
	LoopLevels map[cfg.Address]int `json:"loop_levels,omitempty" yaml:"-"`
}

// NeedsProbe reports whether the block starting at addr is instrumented.
func (r *Result) NeedsProbe(addr cfg.Address) bool {
	return r.Needs[addr]
}

// Count returns the number of instrumented blocks.
func (r *Result) Count() int {
	return len(r.Addresses)
}

// Place computes the probe placement of fg under policy.
//
// Description:
//
//	With PolicyNone, or when the function has no exit block, every block is
//	instrumented. Otherwise the superblock graph is built and every exit
//	superblock contributes its representative; PolicyExact additionally
//	keeps each non-exit superblock whose representative lies on a path
//	from an entry to an exit that avoids all successor superblocks.
//
// Inputs:
//
//	ctx - Carries the trace span.
//	fg - The function's flow graph.
//	policy - The placement policy.
//
// Outputs:
//
//	*Result - The placement. Placing the same unchanged graph twice yields
//	an identical address set.
//
// Complexity: O(S·(V+E)) for PolicyExact where S is the superblock count.
func Place(ctx context.Context, fg *flowgraph.FlowGraph, policy Policy) *Result {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "placement.Place",
		trace.WithAttributes(
			attribute.String("function", fg.Function.Name),
			attribute.String("policy", policy.String()),
		),
	)
	defer span.End()

	r := &Result{
		Function:   fg.Function.Name,
		Policy:     policy,
		Needs:      make(map[cfg.Address]bool),
		LoopLevels: loopLevels(fg.Function),
	}

	if policy == PolicyNone || !fg.HasExit() {
		for _, b := range fg.Blocks() {
			r.Needs[b.Start] = true
		}
		r.finish()
		span.SetAttributes(attribute.Int("placement.probes", r.Count()))
		return r
	}

	sg := superblock.Build(ctx, fg)
	r.Superblocks = len(sg.Superblocks)

	s := newSearcher(sg)
	for _, sb := range sg.Superblocks {
		if sb.Rep == graph.InvalidNode {
			continue
		}
		if sg.IsExit(sb.ID) || (policy == PolicyExact && s.hasPathWithoutChild(sb)) {
			r.Needs[sb.RepBlock().Start] = true
		}
	}
	r.finish()

	span.SetAttributes(
		attribute.Int("placement.probes", r.Count()),
		attribute.Int("placement.superblocks", r.Superblocks),
	)
	return r
}

func (r *Result) finish() {
	r.Addresses = make([]cfg.Address, 0, len(r.Needs))
	for addr := range r.Needs {
		r.Addresses = append(r.Addresses, addr)
	}
	sort.Slice(r.Addresses, func(i, j int) bool { return r.Addresses[i] < r.Addresses[j] })
}

// loopLevels records the innermost loop depth of every loop block, or nil
// when the function carries no loop nest.
func loopLevels(fn *cfg.Function) map[cfg.Address]int {
	if len(fn.Loops) == 0 {
		return nil
	}
	levels := make(map[cfg.Address]int)
	for b, l := range fn.InnermostLoops() {
		levels[b.Start] = l.Depth
	}
	return levels
}

// searcher holds the scratch state of the reachability tests so the
// visited set and stack are reused across superblocks.
type searcher struct {
	sg      *superblock.Graph
	g       *graph.Graph
	visited intsets.Sparse
	stack   []graph.NodeID
}

func newSearcher(sg *superblock.Graph) *searcher {
	return &searcher{sg: sg, g: sg.Flow.Graph}
}

// hasPathWithoutChild reports whether the representative of sb can reach
// both an entry (backwards) and an exit (forwards) while avoiding every
// block of sb's successor superblocks.
func (s *searcher) hasPathWithoutChild(sb *superblock.Superblock) bool {
	s.markChildren(sb)
	if !s.search(sb.Rep, graph.Reverse) {
		return false
	}
	s.markChildren(sb)
	return s.search(sb.Rep, graph.Natural)
}

func (s *searcher) markChildren(sb *superblock.Superblock) {
	s.visited.Clear()
	for _, child := range sb.Out {
		for _, id := range s.sg.Superblocks[child].Members {
			s.visited.Insert(int(id))
		}
	}
}

// search walks from start in direction dir over unvisited nodes and stops at
// the first node without further edges in that direction. Walking backwards,
// a graph entry also stops the search.
func (s *searcher) search(start graph.NodeID, dir graph.Direction) bool {
	s.stack = append(s.stack[:0], start)
	for len(s.stack) > 0 {
		v := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		if !s.visited.Insert(int(v)) {
			continue
		}
		next := s.g.Edges(v, dir)
		if len(next) == 0 || (dir == graph.Reverse && s.g.IsEntry(v)) {
			return true
		}
		for _, w := range next {
			if !s.visited.Has(int(w)) {
				s.stack = append(s.stack, w)
			}
		}
	}
	return false
}
