// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cfg

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a virtual address in the binary image.
type Address uint64

func (a Address) String() string {
	return "0x" + strconv.FormatUint(uint64(a), 16)
}

// ParseAddress parses a hexadecimal address with or without a 0x prefix.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse address %q: %w", s, err)
	}
	return Address(v), nil
}

// EdgeType classifies a control-flow edge.
type EdgeType int

const (
	EdgeDirect EdgeType = iota
	EdgeCondTaken
	EdgeCondNotTaken
	EdgeFallthrough
	EdgeCallFallthrough
	EdgeCall
	EdgeReturn
	EdgeIndirect
	EdgeCatch
)

var edgeTypeNames = [...]string{
	EdgeDirect:          "direct",
	EdgeCondTaken:       "cond_taken",
	EdgeCondNotTaken:    "cond_not_taken",
	EdgeFallthrough:     "fallthrough",
	EdgeCallFallthrough: "call_ft",
	EdgeCall:            "call",
	EdgeReturn:          "return",
	EdgeIndirect:        "indirect",
	EdgeCatch:           "catch",
}

func (t EdgeType) String() string {
	if t >= 0 && int(t) < len(edgeTypeNames) {
		return edgeTypeNames[t]
	}
	return "EdgeType(" + strconv.Itoa(int(t)) + ")"
}

// ParseEdgeType maps a type name to an EdgeType.
func ParseEdgeType(s string) (EdgeType, error) {
	for i, name := range edgeTypeNames {
		if name == s {
			return EdgeType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEdgeType, s)
}

// Edge is a control-flow edge between two blocks.
//
// Target is nil when the destination lies outside the function (a call into
// another function, a return, an unresolved indirect target); TargetAddr is
// always set.
type Edge struct {
	Source     *Block
	Target     *Block
	TargetAddr Address
	Type       EdgeType

	// Sink marks an edge to an unknown destination.
	Sink bool

	// Interproc marks an edge that leaves the function.
	Interproc bool
}

// Local reports whether the edge stays inside the function and participates
// in intraprocedural reasoning.
func (e *Edge) Local() bool {
	return e.Target != nil && !e.Sink && !e.Interproc && e.Type != EdgeCatch
}

// Probe is a coverage probe attached at a block entry.
type Probe struct {
	// Slot indexes the probe's storage in the coverage table.
	Slot int64

	// Addr is the original block address the probe reports.
	Addr Address
}

// Block is a basic block covering [Start, End).
type Block struct {
	Start Address
	End   Address

	// Version distinguishes copies of the same code. The high 16 bits carry
	// the loop-clone version, the low 16 bits the inline version.
	Version uint32

	// Exit is set when the block ends the function.
	Exit bool

	Out []*Edge
	In  []*Edge

	Probes []Probe

	// Origin is the block this one was cloned from, nil for parsed blocks.
	Origin *Block

	fn *Function
}

// Size returns End - Start.
func (b *Block) Size() uint64 { return uint64(b.End - b.Start) }

// Function returns the function the block was added to, or nil.
func (b *Block) Function() *Function { return b.fn }

// InlineVersion returns the low 16 bits of Version.
func (b *Block) InlineVersion() uint32 { return b.Version & 0xFFFF }

// LoopVersion returns the high 16 bits of Version.
func (b *Block) LoopVersion() uint32 { return b.Version >> 16 }

// Original follows the Origin chain back to the parsed block.
func (b *Block) Original() *Block {
	cur := b
	for cur.Origin != nil {
		cur = cur.Origin
	}
	return cur
}

// IsReturn reports whether the block has an outgoing return edge.
func (b *Block) IsReturn() bool {
	for _, e := range b.Out {
		if e.Type == EdgeReturn {
			return true
		}
	}
	return false
}

// AttachProbe adds a probe at the block entry.
func (b *Block) AttachProbe(p Probe) {
	b.Probes = append(b.Probes, p)
}

// Describe formats the block for diagnostics.
func (b *Block) Describe() string {
	if b.Version == 0 {
		return fmt.Sprintf("[%s, %s)", b.Start, b.End)
	}
	return fmt.Sprintf("[%s, %s)#%x", b.Start, b.End, b.Version)
}

// LoopVersionBits is the width of the loop-clone half of Block.Version.
const LoopVersionBits = 16

// CombineVersion packs a loop-clone version and an inline version into one
// block version tag.
func CombineVersion(loopVersion, inlineVersion uint32) uint32 {
	return (loopVersion << 16) + (inlineVersion & 0xFFFF)
}
