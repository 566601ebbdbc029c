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

// Traversal holds the result of one depth-first search.
//
// Fields are indexed by NodeID.
type Traversal struct {
	// DFSNo is the preorder number of each node, -1 when not reached.
	DFSNo []int

	// Parent is the DFS-tree parent, InvalidNode for roots and unreached nodes.
	Parent []NodeID

	// NaturalOrder lists reached nodes in preorder.
	NaturalOrder []NodeID

	// ReverseOrder lists reached nodes in decreasing finish time.
	ReverseOrder []NodeID

	// Direction is the edge direction that was followed.
	Direction Direction
}

// Reached reports whether the traversal visited id.
func (t *Traversal) Reached(id NodeID) bool {
	return int(id) < len(t.DFSNo) && id >= 0 && t.DFSNo[id] >= 0
}

// dfsFrame is one explicit-stack frame: the node and the index of the next
// edge to examine.
type dfsFrame struct {
	node NodeID
	next int
}

// DFS runs an iterative depth-first search from roots, in order, following
// edges in direction dir.
//
// Description:
//
//	Each root not yet reached starts a new DFS tree. Nodes are numbered in
//	visitation order starting at 0. No recursion is used, so graphs with tens
//	of thousands of nodes are fine.
//
// Inputs:
//
//	roots - Start nodes. Invalid IDs are ignored.
//	dir - Natural follows out-edges, Reverse follows in-edges.
//
// Outputs:
//
//	*Traversal - Numbering, parents and both orders. Never nil.
//
// Complexity:
//
//	O(V + E).
func (g *Graph) DFS(roots []NodeID, dir Direction) *Traversal {
	n := len(g.nodes)
	t := &Traversal{
		DFSNo:        make([]int, n),
		Parent:       make([]NodeID, n),
		NaturalOrder: make([]NodeID, 0, n),
		Direction:    dir,
	}
	for i := range t.DFSNo {
		t.DFSNo[i] = -1
		t.Parent[i] = InvalidNode
	}

	postorder := make([]NodeID, 0, n)
	stack := make([]dfsFrame, 0, 64)
	counter := 0

	visit := func(id NodeID) {
		t.DFSNo[id] = counter
		counter++
		t.NaturalOrder = append(t.NaturalOrder, id)
		stack = append(stack, dfsFrame{node: id})
	}

	for _, root := range roots {
		if !g.valid(root) || t.DFSNo[root] >= 0 {
			continue
		}
		visit(root)
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := g.Edges(top.node, dir)
			if top.next < len(edges) {
				succ := edges[top.next]
				top.next++
				if t.DFSNo[succ] < 0 {
					t.Parent[succ] = top.node
					visit(succ)
				}
				continue
			}
			postorder = append(postorder, top.node)
			stack = stack[:len(stack)-1]
		}
	}

	t.ReverseOrder = make([]NodeID, len(postorder))
	for i, id := range postorder {
		t.ReverseOrder[len(postorder)-1-i] = id
	}
	return t
}
