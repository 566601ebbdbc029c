// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profile

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
)

// CallPair is one caller/callee edge of a call-pair profile.
type CallPair struct {
	Caller cfg.Address
	Callee cfg.Address
	Metric float64
}

// ParseCallPairs reads "<hex-caller> <hex-callee> <metric>" lines.
//
// A first line holding a single integer (a record count) is skipped. Self
// pairs are dropped.
func ParseCallPairs(r io.Reader) ([]CallPair, error) {
	var pairs []CallPair
	first := true
	err := scanLines(r, func(lineNo int, fields []string) error {
		isFirst := first
		first = false
		if isFirst && len(fields) == 1 {
			if _, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
				return nil
			}
		}
		if len(fields) != 3 {
			return fmt.Errorf("%w: want 3 fields, got %d", ErrMalformed, len(fields))
		}
		caller, err := parseHex(fields[0])
		if err != nil {
			return err
		}
		callee, err := parseHex(fields[1])
		if err != nil {
			return err
		}
		metric, err := parseMetric(fields[2])
		if err != nil {
			return err
		}
		if caller != callee {
			pairs = append(pairs, CallPair{Caller: caller, Callee: callee, Metric: metric})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// LoadCallPairs reads the call-pair profile at path. Failures are logged
// and yield no pairs.
func LoadCallPairs(path string, logger *slog.Logger) []CallPair {
	if path == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		logger.Warn("call-pair profile unavailable, using address order",
			slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	defer f.Close()

	pairs, err := ParseCallPairs(f)
	if err != nil {
		logger.Warn("call-pair profile malformed, using address order",
			slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	return pairs
}

// clusters is a union-find forest over function indices. Each root keeps its
// members in merge order.
type clusters struct {
	parent  []int
	members [][]int
}

func newClusters(n int) *clusters {
	c := &clusters{parent: make([]int, n), members: make([][]int, n)}
	for i := range c.parent {
		c.parent[i] = i
		c.members[i] = []int{i}
	}
	return c
}

func (c *clusters) find(x int) int {
	for c.parent[x] != x {
		c.parent[x] = c.parent[c.parent[x]]
		x = c.parent[x]
	}
	return x
}

// union appends the callee's cluster to the caller's.
func (c *clusters) union(caller, callee int) {
	a, b := c.find(caller), c.find(callee)
	if a == b {
		return
	}
	c.parent[b] = a
	c.members[a] = append(c.members[a], c.members[b]...)
	c.members[b] = nil
}

// FunctionOrder returns fns in processing order.
//
// Description:
//
//	Pairs are merged hottest first. Every cluster of two or more functions
//	is emitted as a unit, clusters ordered by their lowest entry address,
//	members in merge order. Functions untouched by the profile follow in
//	ascending entry order. Pairs naming unknown functions are ignored.
//
// Outputs:
//
//	[]*cfg.Function - A permutation of fns. Without pairs this is fns
//	sorted by entry address.
func FunctionOrder(fns []*cfg.Function, pairs []CallPair) []*cfg.Function {
	byAddr := append([]*cfg.Function(nil), fns...)
	sort.SliceStable(byAddr, func(i, j int) bool { return byAddr[i].Entry < byAddr[j].Entry })

	index := make(map[cfg.Address]int, len(byAddr))
	for i, fn := range byAddr {
		if _, dup := index[fn.Entry]; !dup {
			index[fn.Entry] = i
		}
	}

	hot := append([]CallPair(nil), pairs...)
	sort.SliceStable(hot, func(i, j int) bool { return hot[i].Metric > hot[j].Metric })

	c := newClusters(len(byAddr))
	for _, p := range hot {
		caller, ok1 := index[p.Caller]
		callee, ok2 := index[p.Callee]
		if !ok1 || !ok2 {
			continue
		}
		c.union(caller, callee)
	}

	var roots []int
	for i := range byAddr {
		if c.find(i) == i && len(c.members[i]) > 1 {
			roots = append(roots, i)
		}
	}
	// byAddr is address-sorted, so a cluster's lowest address is its
	// smallest member index.
	lowest := func(root int) int {
		m := c.members[root][0]
		for _, x := range c.members[root] {
			if x < m {
				m = x
			}
		}
		return m
	}
	sort.Slice(roots, func(i, j int) bool { return lowest(roots[i]) < lowest(roots[j]) })

	order := make([]*cfg.Function, 0, len(byAddr))
	for _, r := range roots {
		for _, x := range c.members[r] {
			order = append(order, byAddr[x])
		}
	}
	for i := range byAddr {
		if len(c.members[c.find(i)]) == 1 {
			order = append(order, byAddr[i])
		}
	}
	return order
}
