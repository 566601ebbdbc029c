// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package placement

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ResultSet maps function names to placement results.
//
// Each key is written at most once. Readers asking for a key that is being
// computed wait for that computation instead of starting their own.
//
// Thread Safety: Safe for concurrent use.
type ResultSet struct {
	mu      sync.RWMutex
	results map[string]*Result
	flight  singleflight.Group
}

// NewResultSet creates an empty set.
func NewResultSet() *ResultSet {
	return &ResultSet{results: make(map[string]*Result)}
}

// Get returns the result stored for function.
func (rs *ResultSet) Get(function string) (*Result, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.results[function]
	return r, ok
}

// Insert stores r for function.
//
// Outputs:
//
//	error - ErrAlreadyPlaced if function already has a result.
func (rs *ResultSet) Insert(function string, r *Result) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.results[function]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyPlaced, function)
	}
	rs.results[function] = r
	return nil
}

// Do returns the result for function, running compute if none exists.
//
// Description:
//
//	Concurrent calls for the same function share one compute call. A
//	failed compute stores nothing, so a later call retries.
func (rs *ResultSet) Do(function string, compute func() (*Result, error)) (*Result, error) {
	if r, ok := rs.Get(function); ok {
		return r, nil
	}
	v, err, _ := rs.flight.Do(function, func() (any, error) {
		if r, ok := rs.Get(function); ok {
			return r, nil
		}
		r, err := compute()
		if err != nil {
			return nil, err
		}
		if err := rs.Insert(function, r); err != nil {
			// A result inserted directly while compute ran wins.
			if existing, ok := rs.Get(function); ok {
				return existing, nil
			}
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Len returns the number of stored results.
func (rs *ResultSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.results)
}

// Functions returns the stored function names in ascending order.
func (rs *ResultSet) Functions() []string {
	rs.mu.RLock()
	names := make([]string, 0, len(rs.results))
	for name := range rs.results {
		names = append(names, name)
	}
	rs.mu.RUnlock()
	sort.Strings(names)
	return names
}
