// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cfg is the program model the coverage tools operate on.
//
// A Program holds functions; a Function holds basic blocks, typed edges,
// jump-table instances and a loop nest. The model is what a binary
// rewriting engine exposes after CFG recovery, and it supports the
// mutations the loop-clone optimizer needs: cloning a block, adding it to
// a function, redirecting an edge, attaching a jump-table instance and
// attaching a probe.
//
// Programs are usually decoded from a YAML description with Load or Decode.
package cfg

import (
	"errors"
	"fmt"
)

// Sentinel errors for the program model.
var (
	// ErrUnknownBlock is returned when an address does not name a block of
	// the function.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrDuplicateBlock is returned when two blocks share a start address
	// and version.
	ErrDuplicateBlock = errors.New("duplicate block")

	// ErrUnknownEdgeType is returned for an unrecognized edge type name.
	ErrUnknownEdgeType = errors.New("unknown edge type")

	// ErrForeignBlock is returned when a mutation mixes blocks of different
	// functions.
	ErrForeignBlock = errors.New("block belongs to another function")

	// ErrNilEdge is returned when a nil edge or target is passed to Redirect.
	ErrNilEdge = errors.New("nil edge or target")
)

// DecodeError reports a malformed program description.
type DecodeError struct {
	Function string
	Field    string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Function == "" {
		return fmt.Sprintf("decode program: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("decode program: function %q: %s: %v", e.Function, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
