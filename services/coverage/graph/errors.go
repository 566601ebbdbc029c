// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides a generic directed graph with dominator,
// post-dominator and strongly-connected-component algorithms.
//
// The package has no knowledge of basic blocks. Nodes carry an optional
// payload implementing Describer, which is only used for diagnostics.
//
// # Storage Model
//
// Nodes live in an arena and are addressed by NodeID (the arena index).
// Edges are stored as NodeID lists on both endpoints, in insertion order,
// and duplicates are kept: two edges between the same pair of blocks are
// legal (a multi-way branch collapsing onto one target).
//
// All per-run scratch state (DFS numbers, the Lengauer-Tarjan forest) is
// allocated per call, so dominator and post-dominator runs never observe
// each other's state.
//
// # Thread Safety
//
// Graph is NOT safe for concurrent use while it is being built
// (AddNode, AddEdge, AddEntry, AddExit). Once built, every query and
// algorithm is read-only and may run from multiple goroutines.
package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph construction.
var (
	// ErrNodeNotFound is returned when an edge or entry references a node
	// that is not in the graph.
	ErrNodeNotFound = errors.New("node not found")
)

// InvariantError reports a violated structural invariant of a dominator or
// component computation.
//
// It is raised with panic, never returned: it means the algorithm was fed
// an ill-formed graph and downstream consumers would otherwise act on a
// wrong dominance relation.
type InvariantError struct {
	Algorithm string
	Node      NodeID
	Message   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: node %d: %s", e.Algorithm, e.Node, e.Message)
}

// assertf panics with an *InvariantError when cond is false.
func assertf(cond bool, algorithm string, node NodeID, format string, args ...any) {
	if cond {
		return
	}
	panic(&InvariantError{
		Algorithm: algorithm,
		Node:      node,
		Message:   fmt.Sprintf(format, args...),
	})
}
