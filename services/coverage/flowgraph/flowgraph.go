// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flowgraph wraps one function's blocks as a graph.Graph with a
// single synthetic sink, ready for dominator and post-dominator analysis.
package flowgraph

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/graph"
	"github.com/mxz297/dyninst-tools/services/coverage/telemetry"
)

const tracerName = "dyninst.coverage.flowgraph"

var (
	// ErrEmptyFunction is returned for a function without blocks.
	ErrEmptyFunction = errors.New("function has no blocks")

	// ErrNoEntryBlock is returned when the function entry is not a block.
	ErrNoEntryBlock = errors.New("function entry is not a block")
)

// sinkNode is the payload of the synthetic exit node.
type sinkNode struct{}

func (sinkNode) Describe() string { return "sink" }

// FlowGraph is a function's control-flow graph.
//
// Node IDs 0..len(blocks)-1 are blocks in ascending (start, version) order;
// the last node is the sink. Edges flagged sink or interproc, catch edges
// and edges leaving the function are not represented. Every exit block has
// an edge to the sink, which is the graph's only exit.
type FlowGraph struct {
	Function *cfg.Function
	Graph    *graph.Graph
	Sink     graph.NodeID

	blocks []*cfg.Block
	ids    map[*cfg.Block]graph.NodeID
	exits  []*cfg.Block
}

// New builds the flow graph of fn.
//
// Description:
//
//	Blocks are added in ascending start order so node IDs, and therefore
//	every traversal, are deterministic. A block is an exit when the engine
//	flagged it or when it has an outgoing return edge.
//
// Outputs:
//
//	*FlowGraph - The graph; Graph.Entries() holds the entry block and
//	Graph.Exits() holds the sink.
//	error - ErrEmptyFunction or ErrNoEntryBlock.
func New(ctx context.Context, fn *cfg.Function) (*FlowGraph, error) {
	_, span := telemetry.StartSpan(ctx, tracerName, "flowgraph.New",
		trace.WithAttributes(attribute.String("function", fn.Name)),
	)
	defer span.End()

	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("%s: %w", fn.Name, ErrEmptyFunction)
	}
	entry := fn.EntryBlock()
	if entry == nil {
		return nil, fmt.Errorf("%s: %w", fn.Name, ErrNoEntryBlock)
	}

	blocks := append([]*cfg.Block(nil), fn.Blocks...)
	cfg.SortBlocks(blocks)

	fg := &FlowGraph{
		Function: fn,
		Graph:    graph.New(len(blocks) + 1),
		blocks:   blocks,
		ids:      make(map[*cfg.Block]graph.NodeID, len(blocks)),
	}
	for _, b := range blocks {
		fg.ids[b] = fg.Graph.AddNode(b)
	}
	fg.Sink = fg.Graph.AddNode(sinkNode{})

	for _, b := range blocks {
		from := fg.ids[b]
		for _, e := range b.Out {
			if !e.Local() {
				continue
			}
			to, ok := fg.ids[e.Target]
			if !ok {
				continue
			}
			if err := fg.Graph.AddEdge(from, to); err != nil {
				return nil, err
			}
		}
		if b.Exit || b.IsReturn() {
			fg.exits = append(fg.exits, b)
			if err := fg.Graph.AddEdge(from, fg.Sink); err != nil {
				return nil, err
			}
		}
	}

	if err := fg.Graph.AddEntry(fg.ids[entry]); err != nil {
		return nil, err
	}
	if err := fg.Graph.AddExit(fg.Sink); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("flowgraph.blocks", len(blocks)),
		attribute.Int("flowgraph.edges", fg.Graph.EdgeCount()),
		attribute.Int("flowgraph.exits", len(fg.exits)),
	)
	return fg, nil
}

// Block returns the block of node id, or nil for the sink.
func (fg *FlowGraph) Block(id graph.NodeID) *cfg.Block {
	if id < 0 || int(id) >= len(fg.blocks) {
		return nil
	}
	return fg.blocks[id]
}

// Blocks returns the blocks in node order.
func (fg *FlowGraph) Blocks() []*cfg.Block { return fg.blocks }

// Node returns the node of b.
func (fg *FlowGraph) Node(b *cfg.Block) (graph.NodeID, bool) {
	id, ok := fg.ids[b]
	return id, ok
}

// Lookup returns the node of the first block starting at addr.
func (fg *FlowGraph) Lookup(addr cfg.Address) (graph.NodeID, bool) {
	b := fg.Function.BlockAt(addr)
	if b == nil {
		return graph.InvalidNode, false
	}
	return fg.Node(b)
}

// ExitBlocks returns the blocks connected to the sink.
func (fg *FlowGraph) ExitBlocks() []*cfg.Block { return fg.exits }

// HasExit reports whether any block reaches the sink directly.
func (fg *FlowGraph) HasExit() bool { return len(fg.exits) > 0 }

// Dominators computes the dominator tree rooted at the entry block.
func (fg *FlowGraph) Dominators() *graph.DominatorTree {
	return fg.Graph.DominatorTree()
}

// PostDominators computes the post-dominator tree rooted at the sink.
func (fg *FlowGraph) PostDominators() *graph.DominatorTree {
	return fg.Graph.PostDominatorTree()
}
