// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

// DominatorTree is the result of a dominator or post-dominator computation.
//
// Slices are indexed by NodeID and sized to the graph at computation time.
//
// Thread Safety:
//
//	Immutable after construction; safe for concurrent reads.
type DominatorTree struct {
	// Roots are the reached entry (or exit) nodes, deduplicated, in order.
	Roots []NodeID

	// Direction is Natural for dominators and Reverse for post-dominators.
	Direction Direction

	// Idom maps each node to its immediate dominator, InvalidNode when the
	// node is a root, unreachable, or dominated only by the virtual root.
	Idom []NodeID

	// Depth is the distance from the nearest tree root; -1 when unreachable.
	Depth []int

	// Edges lists (dominator, dominated) pairs in DFS preorder of the
	// dominated node.
	Edges []Edge

	children [][]NodeID
}

// ImmediateDominator returns the immediate dominator of id.
func (dt *DominatorTree) ImmediateDominator(id NodeID) (NodeID, bool) {
	if !dt.inRange(id) || dt.Idom[id] == InvalidNode {
		return InvalidNode, false
	}
	return dt.Idom[id], true
}

// Children returns the nodes immediately dominated by id, in preorder.
func (dt *DominatorTree) Children(id NodeID) []NodeID {
	if !dt.inRange(id) {
		return nil
	}
	return dt.children[id]
}

// Reachable reports whether id was reached from the roots.
func (dt *DominatorTree) Reachable(id NodeID) bool {
	return dt.inRange(id) && dt.Depth[id] >= 0
}

// Dominates reports whether a dominates b. Dominance is reflexive.
//
// Complexity: O(depth(b)).
func (dt *DominatorTree) Dominates(a, b NodeID) bool {
	if !dt.Reachable(a) || !dt.Reachable(b) {
		return false
	}
	for dt.Depth[b] > dt.Depth[a] {
		b = dt.Idom[b]
	}
	return a == b
}

// StrictlyDominates reports whether a dominates b and a != b.
func (dt *DominatorTree) StrictlyDominates(a, b NodeID) bool {
	return a != b && dt.Dominates(a, b)
}

// Dominators returns the dominator chain of id from id up to its tree root.
func (dt *DominatorTree) Dominators(id NodeID) []NodeID {
	if !dt.Reachable(id) {
		return nil
	}
	chain := make([]NodeID, 0, dt.Depth[id]+1)
	for cur := id; cur != InvalidNode; cur = dt.Idom[cur] {
		chain = append(chain, cur)
	}
	return chain
}

func (dt *DominatorTree) inRange(id NodeID) bool {
	return id >= 0 && int(id) < len(dt.Idom)
}
