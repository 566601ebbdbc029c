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

import (
	"fmt"
	"io"
	"strings"
)

// NodeID identifies a node. It is the node's index in the graph arena.
type NodeID int

// InvalidNode is the NodeID used for "no node".
const InvalidNode NodeID = -1

// Describer formats a node payload for diagnostics.
type Describer interface {
	Describe() string
}

// Direction selects which edge list a traversal follows.
type Direction int

const (
	// Natural follows out-edges.
	Natural Direction = iota

	// Reverse follows in-edges.
	Reverse
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Natural {
		return Reverse
	}
	return Natural
}

func (d Direction) String() string {
	if d == Natural {
		return "natural"
	}
	return "reverse"
}

// Edge is a directed (From, To) pair.
type Edge struct {
	From NodeID
	To   NodeID
}

// Node is a vertex of a Graph.
type Node struct {
	// ID is the node's arena index.
	ID NodeID

	// Data is the optional payload. May be nil.
	Data Describer

	out []NodeID
	in  []NodeID
}

// Out returns the successors in insertion order. Callers must not modify it.
func (n *Node) Out() []NodeID { return n.out }

// In returns the predecessors in insertion order. Callers must not modify it.
func (n *Node) In() []NodeID { return n.in }

// Describe formats the node for diagnostics.
func (n *Node) Describe() string {
	if n.Data == nil {
		return fmt.Sprintf("n%d", n.ID)
	}
	return n.Data.Describe()
}

// Graph is a directed graph with distinguished entry and exit sets.
type Graph struct {
	nodes     []*Node
	entries   []NodeID
	exits     []NodeID
	edgeCount int
}

// New creates an empty graph with room for capacity nodes.
func New(capacity int) *Graph {
	if capacity < 0 {
		capacity = 0
	}
	return &Graph{nodes: make([]*Node, 0, capacity)}
}

// AddNode appends a node carrying data and returns its ID.
func (g *Graph) AddNode(data Describer) NodeID {
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, &Node{ID: id, Data: data})
	return id
}

// AddEdge adds from→to, recording it on both endpoints.
//
// Returns ErrNodeNotFound if either endpoint is not in the graph.
func (g *Graph) AddEdge(from, to NodeID) error {
	if !g.valid(from) || !g.valid(to) {
		return fmt.Errorf("%w: edge %d -> %d", ErrNodeNotFound, from, to)
	}
	g.nodes[from].out = append(g.nodes[from].out, to)
	g.nodes[to].in = append(g.nodes[to].in, from)
	g.edgeCount++
	return nil
}

// AddEntry marks id as an entry node.
func (g *Graph) AddEntry(id NodeID) error {
	if !g.valid(id) {
		return fmt.Errorf("%w: entry %d", ErrNodeNotFound, id)
	}
	g.entries = append(g.entries, id)
	return nil
}

// AddExit marks id as an exit node.
func (g *Graph) AddExit(id NodeID) error {
	if !g.valid(id) {
		return fmt.Errorf("%w: exit %d", ErrNodeNotFound, id)
	}
	g.exits = append(g.exits, id)
	return nil
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id NodeID) *Node {
	if !g.valid(id) {
		return nil
	}
	return g.nodes[id]
}

// Nodes returns all nodes in ID order. Callers must not modify it.
func (g *Graph) Nodes() []*Node { return g.nodes }

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges, duplicates included.
func (g *Graph) EdgeCount() int { return g.edgeCount }

// Entries returns the entry set in insertion order.
func (g *Graph) Entries() []NodeID { return g.entries }

// Exits returns the exit set in insertion order.
func (g *Graph) Exits() []NodeID { return g.exits }

// IsEntry reports whether id is in the entry set.
func (g *Graph) IsEntry(id NodeID) bool { return contains(g.entries, id) }

// IsExit reports whether id is in the exit set.
func (g *Graph) IsExit(id NodeID) bool { return contains(g.exits, id) }

// Edges returns the edges of id in direction dir.
func (g *Graph) Edges(id NodeID, dir Direction) []NodeID {
	if dir == Natural {
		return g.nodes[id].out
	}
	return g.nodes[id].in
}

// Dump writes a human-readable adjacency listing, one node per line.
//
// With showEdges false only nodes are listed.
func (g *Graph) Dump(w io.Writer, showEdges bool) error {
	for _, n := range g.nodes {
		var b strings.Builder
		b.WriteString(n.Describe())
		if g.IsEntry(n.ID) {
			b.WriteString(" [entry]")
		}
		if g.IsExit(n.ID) {
			b.WriteString(" [exit]")
		}
		if showEdges && len(n.out) > 0 {
			b.WriteString(" ->")
			for _, s := range n.out {
				b.WriteString(" ")
				b.WriteString(g.nodes[s].Describe())
			}
		}
		b.WriteString("\n")
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) valid(id NodeID) bool {
	return id >= 0 && int(id) < len(g.nodes)
}

func contains(ids []NodeID, id NodeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
