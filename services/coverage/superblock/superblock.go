// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package superblock groups a function's blocks into superblocks: maximal
// sets of mutually control-equivalent blocks.
//
// Two blocks are control-equivalent when they lie in the same strongly
// connected component of the union of the dominator-tree and
// post-dominator-tree edges. Every execution reaching one member reaches all
// of them, so a single probe on the representative observes the whole set.
package superblock

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/flowgraph"
	"github.com/mxz297/dyninst-tools/services/coverage/graph"
	"github.com/mxz297/dyninst-tools/services/coverage/telemetry"
)

const tracerName = "dyninst.coverage.superblock"

// Superblock is one control-equivalence class.
type Superblock struct {
	// ID is the superblock's index in Graph.Superblocks.
	ID int

	// Members are flow-graph nodes in ascending node order (address order,
	// sink last).
	Members []graph.NodeID

	// Rep is the lowest-address real block. InvalidNode only for a class
	// holding nothing but an unreachable sink.
	Rep graph.NodeID

	// Out and In are neighbour superblock IDs, ascending, without duplicates.
	Out []int
	In  []int

	flow *flowgraph.FlowGraph
}

// RepBlock returns the representative block, or nil.
func (s *Superblock) RepBlock() *cfg.Block {
	return s.flow.Block(s.Rep)
}

// Blocks returns the member blocks, the sink excluded.
func (s *Superblock) Blocks() []*cfg.Block {
	out := make([]*cfg.Block, 0, len(s.Members))
	for _, id := range s.Members {
		if b := s.flow.Block(id); b != nil {
			out = append(out, b)
		}
	}
	return out
}

// Describe formats the superblock for diagnostics.
func (s *Superblock) Describe() string {
	parts := make([]string, 0, len(s.Members))
	for _, id := range s.Members {
		if b := s.flow.Block(id); b != nil {
			parts = append(parts, b.Start.String())
		} else {
			parts = append(parts, "sink")
		}
	}
	return fmt.Sprintf("SB%d{%s}", s.ID, strings.Join(parts, ","))
}

// Graph is the superblock graph of one function.
type Graph struct {
	Flow *flowgraph.FlowGraph

	// Union holds the dominator and post-dominator tree edges over the flow
	// graph's node IDs.
	Union *graph.Graph

	Superblocks []*Superblock

	// Entries are superblocks with no incoming edge, Exits those with no
	// outgoing edge.
	Entries []int
	Exits   []int

	of []int
}

// Build constructs the superblock graph of fg.
//
// Description:
//
//	Computes dominators and post-dominators, joins both trees into one
//	graph, and takes its strongly connected components. Superblocks are
//	ordered by their lowest member, so IDs follow address order. An edge
//	X→Y exists iff a union edge runs from a member of X to a member of Y
//	with X != Y.
//
// Complexity: O(E log V) for the dominator runs, linear afterwards.
func Build(ctx context.Context, fg *flowgraph.FlowGraph) *Graph {
	_, span := telemetry.StartSpan(ctx, tracerName, "superblock.Build",
		trace.WithAttributes(attribute.String("function", fg.Function.Name)),
	)
	defer span.End()

	n := fg.Graph.NodeCount()
	union := graph.New(n)
	for _, node := range fg.Graph.Nodes() {
		union.AddNode(node.Data)
	}
	for _, tree := range []*graph.DominatorTree{fg.Dominators(), fg.PostDominators()} {
		for _, e := range tree.Edges {
			// Both endpoints come from fg, so the IDs are valid in union.
			_ = union.AddEdge(e.From, e.To)
		}
	}
	for _, e := range fg.Graph.Entries() {
		_ = union.AddEntry(e)
	}
	_ = union.AddExit(fg.Sink)

	comps := union.SCC(graph.Natural)
	sort.Slice(comps, func(i, j int) bool { return comps[i][0] < comps[j][0] })

	sg := &Graph{
		Flow:        fg,
		Union:       union,
		Superblocks: make([]*Superblock, len(comps)),
		of:          graph.ComponentIndex(n, comps),
	}
	for i, members := range comps {
		rep := graph.InvalidNode
		if members[0] != fg.Sink {
			rep = members[0]
		}
		sg.Superblocks[i] = &Superblock{ID: i, Members: members, Rep: rep, flow: fg}
	}

	seen := make(map[[2]int]bool)
	for _, node := range union.Nodes() {
		from := sg.of[node.ID]
		for _, succ := range node.Out() {
			to := sg.of[succ]
			if from == to || seen[[2]int{from, to}] {
				continue
			}
			seen[[2]int{from, to}] = true
			sg.Superblocks[from].Out = append(sg.Superblocks[from].Out, to)
			sg.Superblocks[to].In = append(sg.Superblocks[to].In, from)
		}
	}
	for _, sb := range sg.Superblocks {
		sort.Ints(sb.Out)
		sort.Ints(sb.In)
		if len(sb.In) == 0 {
			sg.Entries = append(sg.Entries, sb.ID)
		}
		if len(sb.Out) == 0 {
			sg.Exits = append(sg.Exits, sb.ID)
		}
	}

	span.SetAttributes(
		attribute.Int("superblock.count", len(sg.Superblocks)),
		attribute.Int("superblock.exits", len(sg.Exits)),
	)
	return sg
}

// Of returns the superblock containing flow-graph node id.
func (sg *Graph) Of(id graph.NodeID) *Superblock {
	if id < 0 || int(id) >= len(sg.of) {
		return nil
	}
	return sg.Superblocks[sg.of[id]]
}

// OfBlock returns the superblock containing b.
func (sg *Graph) OfBlock(b *cfg.Block) *Superblock {
	id, ok := sg.Flow.Node(b)
	if !ok {
		return nil
	}
	return sg.Of(id)
}

// IsExit reports whether superblock id has no outgoing edge.
func (sg *Graph) IsExit(id int) bool {
	return len(sg.Superblocks[id].Out) == 0
}

// Dump writes one line per superblock with its successors.
func (sg *Graph) Dump(w io.Writer) error {
	for _, sb := range sg.Superblocks {
		line := sb.Describe()
		if len(sb.Out) > 0 {
			succ := make([]string, len(sb.Out))
			for i, to := range sb.Out {
				succ[i] = fmt.Sprintf("SB%d", to)
			}
			line += " -> " + strings.Join(succ, " ")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
