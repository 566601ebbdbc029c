// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loopclone removes per-iteration probe cost from hot loops.
//
// A loop whose body holds k selected probes is copied into 2^k versions. A
// version number is a bit vector of the probes that already fired during
// the current loop activation. Leaving a selected block in version i jumps
// into version i|bit(block), and the block carries a probe only in versions
// where its bit is clear, so each probe fires at most once per activation
// and the hot path converges on the probe-free version.
//
// # Selection
//
// Profile entries are visited hottest first. A block is selected when it sits
// in a loop that is safe to clone and below its clone budget. Selection stops
// once the selected entries cover more than PGORatio of the total metric.
//
// # Safety
//
// A loop is never cloned when one of its jump tables is computed by, or
// jumps to, a block outside the loop.
//
// # Thread Safety
//
// Selection runs once in New. Instrument clones functions concurrently; each
// function is mutated by exactly one goroutine and slots come from an atomic
// probe.Allocator.
package loopclone

import "errors"

// MaxLoopCloneLimit bounds the per-loop selection budget; a loop with k
// selected blocks produces 2^k versions.
const MaxLoopCloneLimit = 16

var (
	// ErrCloneLimit indicates a loop clone limit outside [0, MaxLoopCloneLimit].
	ErrCloneLimit = errors.New("loop clone limit out of range")

	// ErrPGORatio indicates a pgo ratio outside [0, 1].
	ErrPGORatio = errors.New("pgo ratio out of range")

	// ErrJumpTableMismatch indicates a cloned jump table entry with no
	// matching indirect edge on the clone.
	ErrJumpTableMismatch = errors.New("jump table entry has no cloned edge")

	// ErrNilAllocator indicates Instrument was called without an allocator.
	ErrNilAllocator = errors.New("probe allocator must not be nil")
)
