// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flowgraph

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/graph"
	"github.com/mxz297/dyninst-tools/services/coverage/telemetry"
)

// =============================================================================
// Natural Loop Detection
// =============================================================================

// maxLoopBodyWarning is the body size above which a loop is logged.
const maxLoopBodyWarning = 10000

// naturalLoop is a loop under construction, in node space.
type naturalLoop struct {
	header graph.NodeID
	body   map[graph.NodeID]bool
	parent *naturalLoop
	loop   *cfg.Loop
}

// DetectLoops finds the natural loops of the flow graph.
//
// Description:
//
//	A back edge is a self edge, or an edge A→B where B strictly dominates
//	A; B is the loop header.
//	Back edges sharing a header form one loop whose body is every node that
//	reaches a back-edge source without passing through the header. A loop
//	is nested in the smallest other loop whose body contains its header.
//
// Outputs:
//
//	[]*cfg.Loop - The outermost loops ordered by header address, children
//	likewise ordered, with Depth and Parent set. Empty when the function has
//	no loops.
//
// Limitations:
//
//	Irreducible cycles have no dominating header and are not reported.
//
// Inputs:
//
//	logger - Receives large-loop warnings and a completion record. Nil
//	uses slog.Default().
//
// Complexity: O(V + E) per loop after the dominator tree.
func DetectLoops(ctx context.Context, fg *FlowGraph, logger *slog.Logger) []*cfg.Loop {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "flowgraph.DetectLoops",
		trace.WithAttributes(attribute.String("function", fg.Function.Name)),
	)
	defer span.End()

	g := fg.Graph
	dt := fg.Dominators()

	backEdges := make(map[graph.NodeID][]graph.NodeID)
	var headers []graph.NodeID
	for _, node := range g.Nodes() {
		if node.ID == fg.Sink || !dt.Reachable(node.ID) {
			continue
		}
		for _, succ := range node.Out() {
			if succ == fg.Sink || (succ != node.ID && !dt.StrictlyDominates(succ, node.ID)) {
				continue
			}
			if _, seen := backEdges[succ]; !seen {
				headers = append(headers, succ)
			}
			backEdges[succ] = append(backEdges[succ], node.ID)
		}
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i] < headers[j] })

	loops := make([]*naturalLoop, 0, len(headers))
	for _, h := range headers {
		loops = append(loops, &naturalLoop{
			header: h,
			body:   loopBody(g, dt, h, backEdges[h]),
		})
	}

	// Parent is the smallest other loop containing the header.
	for _, inner := range loops {
		for _, outer := range loops {
			if outer == inner || !outer.body[inner.header] {
				continue
			}
			if inner.parent == nil || len(outer.body) < len(inner.parent.body) {
				inner.parent = outer
			}
		}
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger = telemetry.LoggerWithTrace(ctx, logger)
	for _, nl := range loops {
		members := make([]*cfg.Block, 0, len(nl.body))
		for id := range nl.body {
			members = append(members, fg.Block(id))
		}
		cfg.SortBlocks(members)
		nl.loop = cfg.NewLoop(fg.Block(nl.header), members)
		if len(members) > maxLoopBodyWarning {
			logger.Warn("detect_loops: large loop body",
				slog.String("function", fg.Function.Name),
				slog.String("header", fg.Block(nl.header).Start.String()),
				slog.Int("body_size", len(members)),
			)
		}
	}

	// headers are sorted by node ID, which is address order.
	var top []*cfg.Loop
	for _, nl := range loops {
		if nl.parent == nil {
			top = append(top, nl.loop)
			continue
		}
		nl.parent.loop.AddChild(nl.loop)
	}
	fg.Function.SetLoops(top)
	loopsOut := fg.Function.Loops

	span.SetAttributes(
		attribute.Int("loops.count", len(loops)),
		attribute.Int("loops.top_level", len(top)),
	)
	logger.Debug("detect_loops: detection complete",
		slog.String("function", fg.Function.Name),
		slog.Int("loops", len(loops)),
		slog.Int("top_level", len(top)),
	)
	return loopsOut
}

// EnsureLoops derives fn's loop nest when the program description did not
// supply one. It reports whether loops were derived.
func EnsureLoops(ctx context.Context, fg *FlowGraph, logger *slog.Logger) bool {
	if len(fg.Function.Loops) > 0 {
		return false
	}
	DetectLoops(ctx, fg, logger)
	return true
}

// loopBody collects the nodes reaching a back-edge source without passing
// through header.
func loopBody(g *graph.Graph, dt *graph.DominatorTree, header graph.NodeID, sources []graph.NodeID) map[graph.NodeID]bool {
	body := map[graph.NodeID]bool{header: true}
	worklist := make([]graph.NodeID, 0, len(sources))
	for _, s := range sources {
		if !body[s] {
			body[s] = true
			worklist = append(worklist, s)
		}
	}
	for len(worklist) > 0 {
		n := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		for _, pred := range g.Node(n).In() {
			if body[pred] || !dt.Reachable(pred) {
				continue
			}
			body[pred] = true
			worklist = append(worklist, pred)
		}
	}
	return body
}
