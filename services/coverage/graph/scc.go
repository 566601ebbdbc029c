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

import "sort"

// SCC partitions the graph into strongly connected components (Kosaraju).
//
// Description:
//
//	Pass 1 runs a DFS over every node in ID order following dir to obtain a
//	finish order. Pass 2 walks the opposite direction in decreasing finish
//	time; each tree of pass 2 is one component. Components are returned in
//	pass-2 discovery order and members are sorted by NodeID, so the result is
//	deterministic for a given graph.
//
// Outputs:
//
//	[][]NodeID - Every node appears in exactly one component.
//
// Complexity:
//
//	O(V + E), iterative.
func (g *Graph) SCC(dir Direction) [][]NodeID {
	all := make([]NodeID, len(g.nodes))
	for i := range all {
		all[i] = NodeID(i)
	}
	finish := g.DFS(all, dir).ReverseOrder

	back := dir.Opposite()
	assigned := make([]bool, len(g.nodes))
	stack := make([]NodeID, 0, 64)
	var components [][]NodeID

	for _, start := range finish {
		if assigned[start] {
			continue
		}
		var comp []NodeID
		assigned[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp = append(comp, cur)
			for _, next := range g.Edges(cur, back) {
				if !assigned[next] {
					assigned[next] = true
					stack = append(stack, next)
				}
			}
		}
		sort.Slice(comp, func(i, j int) bool { return comp[i] < comp[j] })
		components = append(components, comp)
	}

	for id, ok := range assigned {
		assertf(ok, "scc", NodeID(id), "node not assigned to a component")
	}
	return components
}

// ComponentIndex maps each node to the index of its component in comps.
func ComponentIndex(nodeCount int, comps [][]NodeID) []int {
	index := make([]int, nodeCount)
	for i := range index {
		index[i] = -1
	}
	for ci, comp := range comps {
		for _, id := range comp {
			index[id] = ci
		}
	}
	return index
}
