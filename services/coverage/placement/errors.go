// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package placement decides which blocks of a function receive coverage
// probes.
//
// # Policies
//
//   - none: every block.
//   - leaf: representatives of superblocks without successors.
//   - exact: leaf plus every superblock that some execution can pass without
//     reaching one of its successor superblocks.
//
// A function without exit blocks always falls back to none.
//
// # Thread Safety
//
// Place is a pure function of its inputs. Planner runs Place for many
// functions concurrently; ResultSet stores each function's result exactly
// once and never mutates it afterwards.
package placement

import "errors"

var (
	// ErrUnknownPolicy indicates a policy name other than none, leaf, or exact.
	ErrUnknownPolicy = errors.New("unknown coverage policy")

	// ErrAlreadyPlaced indicates a second insertion for the same function.
	ErrAlreadyPlaced = errors.New("placement already recorded")

	// ErrNilFunction indicates a nil function in the planner worklist.
	ErrNilFunction = errors.New("function must not be nil")
)
