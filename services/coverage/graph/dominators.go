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

// =============================================================================
// DOMINATORS (LENGAUER-TARJAN)
// =============================================================================

const (
	algDominators     = "dominators"
	algPostDominators = "post-dominators"
)

// DominatorTree computes the dominator tree rooted at the entry set.
//
// Description:
//
//	Uses the Lengauer-Tarjan algorithm with balanced link/eval and path
//	compression. When the graph has several entries, a virtual root is placed
//	above them; edges from the virtual root are never emitted, so entries and
//	nodes dominated only by the virtual root have no immediate dominator.
//
// Outputs:
//
//	*DominatorTree - Never nil. Nodes not reachable from an entry are absent.
//
// Limitations:
//
//	Panics with *InvariantError if the computation leaves a reached node
//	without a dominator. That can only happen on a corrupted graph.
//
// Complexity:
//
//	O(E log V) time, O(V) space.
func (g *Graph) DominatorTree() *DominatorTree {
	return g.dominators(g.entries, Natural, algDominators)
}

// PostDominatorTree computes the post-dominator tree rooted at the exit set.
//
// Same algorithm as DominatorTree with the edge direction reversed. The
// scratch state is allocated per call and shares nothing with a dominator run.
func (g *Graph) PostDominatorTree() *DominatorTree {
	return g.dominators(g.exits, Reverse, algPostDominators)
}

func (g *Graph) dominators(roots []NodeID, dir Direction, algorithm string) *DominatorTree {
	t := g.DFS(roots, dir)

	// Vertex numbering: 0 is the sentinel, 1 the virtual root, and the node
	// with DFS number d is vertex d+2.
	n := len(t.NaturalOrder) + 1
	lt := newLengauerTarjan(n)
	num := func(id NodeID) int { return t.DFSNo[id] + 2 }

	isRoot := make([]bool, n+1)
	for _, r := range roots {
		if t.Reached(r) {
			isRoot[num(r)] = true
		}
	}

	lt.vertex[1] = InvalidNode
	for _, id := range t.NaturalOrder {
		v := num(id)
		lt.vertex[v] = id
		if p := t.Parent[id]; p == InvalidNode {
			lt.parent[v] = 1
		} else {
			lt.parent[v] = num(p)
		}
	}

	back := dir.Opposite()
	for w := n; w >= 2; w-- {
		if isRoot[w] {
			// The virtual root is a predecessor of every root.
			lt.semi[w] = 1
		} else {
			for _, pred := range g.Edges(lt.vertex[w], back) {
				if !t.Reached(pred) {
					continue
				}
				u := lt.eval(num(pred))
				if lt.semi[u] < lt.semi[w] {
					lt.semi[w] = lt.semi[u]
				}
			}
		}

		s := lt.semi[w]
		lt.bucketNext[w] = lt.bucketHead[s]
		lt.bucketHead[s] = w

		p := lt.parent[w]
		lt.link(p, w)

		for v := lt.bucketHead[p]; v != 0; v = lt.bucketNext[v] {
			u := lt.eval(v)
			if lt.semi[u] < lt.semi[v] {
				lt.idom[v] = u
			} else {
				lt.idom[v] = p
			}
		}
		lt.bucketHead[p] = 0
	}

	for w := 2; w <= n; w++ {
		if lt.idom[w] != lt.semi[w] {
			lt.idom[w] = lt.idom[lt.idom[w]]
		}
	}

	return lt.tree(g, t, roots, dir, isRoot, algorithm)
}

// lengauerTarjan is the per-run scratch arena. Every slice is indexed by
// vertex number (see dominators).
type lengauerTarjan struct {
	semi     []int
	parent   []int
	ancestor []int
	label    []int
	child    []int
	size     []int
	idom     []int
	vertex   []NodeID

	bucketHead []int
	bucketNext []int

	stack []int
}

func newLengauerTarjan(n int) *lengauerTarjan {
	lt := &lengauerTarjan{
		semi:       make([]int, n+1),
		parent:     make([]int, n+1),
		ancestor:   make([]int, n+1),
		label:      make([]int, n+1),
		child:      make([]int, n+1),
		size:       make([]int, n+1),
		idom:       make([]int, n+1),
		vertex:     make([]NodeID, n+1),
		bucketHead: make([]int, n+1),
		bucketNext: make([]int, n+1),
		stack:      make([]int, 0, 32),
	}
	// Vertex 0 keeps semi = label = size = 0.
	lt.vertex[0] = InvalidNode
	for v := 1; v <= n; v++ {
		lt.semi[v] = v
		lt.label[v] = v
		lt.size[v] = 1
	}
	return lt
}

// eval returns the vertex with minimum semi on the forest path from v up to,
// but excluding, the root of v's tree.
func (lt *lengauerTarjan) eval(v int) int {
	if lt.ancestor[v] == 0 {
		return lt.label[v]
	}
	lt.compress(v)
	a := lt.ancestor[v]
	if lt.semi[lt.label[a]] >= lt.semi[lt.label[v]] {
		return lt.label[v]
	}
	return lt.label[a]
}

// compress performs path compression from v toward its forest root.
// Precondition: ancestor[v] != 0.
func (lt *lengauerTarjan) compress(v int) {
	stack := lt.stack[:0]
	for x := v; lt.ancestor[lt.ancestor[x]] != 0; x = lt.ancestor[x] {
		stack = append(stack, x)
	}
	// Deepest ancestor first, so each node reads its ancestor's final state.
	for i := len(stack) - 1; i >= 0; i-- {
		x := stack[i]
		a := lt.ancestor[x]
		if lt.semi[lt.label[a]] < lt.semi[lt.label[x]] {
			lt.label[x] = lt.label[a]
		}
		lt.ancestor[x] = lt.ancestor[a]
	}
	lt.stack = stack
}

// link adds edge (v, w) to the forest, keeping the trees balanced.
func (lt *lengauerTarjan) link(v, w int) {
	s := w
	for lt.semi[lt.label[w]] < lt.semi[lt.label[lt.child[s]]] {
		cs := lt.child[s]
		if lt.size[s]+lt.size[lt.child[cs]] >= 2*lt.size[cs] {
			lt.ancestor[cs] = s
			lt.child[s] = lt.child[cs]
		} else {
			lt.size[cs] = lt.size[s]
			lt.ancestor[s] = cs
			s = cs
		}
	}
	lt.label[s] = lt.label[w]
	lt.size[v] += lt.size[w]
	if lt.size[v] < 2*lt.size[w] {
		s, lt.child[v] = lt.child[v], s
	}
	for s != 0 {
		lt.ancestor[s] = v
		s = lt.child[s]
	}
}

// tree converts the vertex-space result into a DominatorTree and checks the
// structural invariants.
func (lt *lengauerTarjan) tree(g *Graph, t *Traversal, roots []NodeID, dir Direction, isRoot []bool, algorithm string) *DominatorTree {
	nodeCount := len(g.nodes)
	dt := &DominatorTree{
		Direction: dir,
		Idom:      make([]NodeID, nodeCount),
		Depth:     make([]int, nodeCount),
		Edges:     make([]Edge, 0, len(t.NaturalOrder)),
		children:  make([][]NodeID, nodeCount),
	}
	for i := range dt.Idom {
		dt.Idom[i] = InvalidNode
		dt.Depth[i] = -1
	}
	for _, r := range roots {
		if t.Reached(r) && !contains(dt.Roots, r) {
			dt.Roots = append(dt.Roots, r)
		}
	}

	// Preorder: a dominator always has a smaller number than the node it
	// dominates, so its depth is already known.
	for v := 2; v < len(lt.vertex); v++ {
		id := lt.vertex[v]
		d := lt.idom[v]
		assertf(d != 0, algorithm, id, "reached node has no immediate dominator")
		assertf(d < v, algorithm, id, "immediate dominator %d is not a DFS ancestor", d)
		if isRoot[v] {
			assertf(d == 1, algorithm, id, "root is dominated by vertex %d", d)
		}
		if d == 1 {
			dt.Depth[id] = 0
			continue
		}
		dom := lt.vertex[d]
		dt.Idom[id] = dom
		dt.Depth[id] = dt.Depth[dom] + 1
		dt.children[dom] = append(dt.children[dom], id)
		dt.Edges = append(dt.Edges, Edge{From: dom, To: id})
	}
	return dt
}
