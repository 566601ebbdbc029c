// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loopclone

import (
	"fmt"
	"math/bits"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/probe"
)

// functionCloner holds the mutable state of instrumenting one function.
type functionCloner struct {
	fn           *cfg.Function
	instrumented map[*cfg.Block]bool
	selected     map[*cfg.Block]bool
	innermost    map[*cfg.Block]*cfg.Loop
	alloc        *probe.Allocator

	// slots maps each original block to its probe slot.
	slots map[*cfg.Block]int64

	// handled marks instrumented blocks whose probes a cloned loop placed.
	handled map[*cfg.Block]bool
}

// versions holds, per version, the map from pre-clone loop block to its copy
// and the reverse map.
type versions struct {
	copyOf []map[*cfg.Block]*cfg.Block
	origOf []map[*cfg.Block]*cfg.Block
}

func (fc *functionCloner) probeFor(b *cfg.Block) cfg.Probe {
	slot, ok := fc.slots[b]
	if !ok {
		slot = fc.alloc.Allocate(b.Start)
		fc.slots[b] = slot
	}
	return cfg.Probe{Slot: slot, Addr: b.Start}
}

// cloneLoop clones l into 2^k versions, k being the number of selected,
// instrumented blocks whose innermost loop is l. Returns nil when k is zero.
//
// Loop versions of l sit above the bits already used by copies of nested
// loops, so every (Start, Version) pair in the function stays unique. When
// the loop-version field has fewer free bits than k, only the first blocks
// in address order are cloned.
func (fc *functionCloner) cloneLoop(l *cfg.Loop) (*ClonedLoop, error) {
	// Snapshot: copies are appended to l.Blocks as they are made.
	blocks := append([]*cfg.Block(nil), l.Blocks...)
	cfg.SortBlocks(blocks)

	var loopInstrumented, cloned []*cfg.Block
	for _, b := range blocks {
		if b.Origin != nil || !fc.instrumented[b] || fc.handled[b] {
			continue
		}
		loopInstrumented = append(loopInstrumented, b)
		if fc.selected[b] && fc.innermost[b] == l {
			cloned = append(cloned, b)
		}
	}
	shift := usedVersionBits(blocks)
	if room := max(cfg.LoopVersionBits-shift, 0); len(cloned) > room {
		cloned = cloned[:room]
	}
	if len(cloned) == 0 {
		return nil, nil
	}

	copies := 1 << len(cloned)
	vs := &versions{
		copyOf: make([]map[*cfg.Block]*cfg.Block, 0, copies),
		origOf: make([]map[*cfg.Block]*cfg.Block, 0, copies),
	}
	identity := make(map[*cfg.Block]*cfg.Block, len(blocks))
	for _, b := range blocks {
		identity[b] = b
	}
	vs.copyOf = append(vs.copyOf, identity)
	vs.origOf = append(vs.origOf, identity)

	tables := 0
	for v := 1; v < copies; v++ {
		n, err := fc.makeOneCopy(l, uint32(v)<<shift, blocks, vs)
		if err != nil {
			return nil, err
		}
		tables += n
	}

	if err := fc.linkVersions(cloned, vs); err != nil {
		return nil, err
	}

	// Probes go on only after all copies exist; CloneBlock copies probes.
	isCloned := make(map[*cfg.Block]bool, len(cloned))
	for _, b := range cloned {
		isCloned[b] = true
	}
	for v := 0; v < copies; v++ {
		for bit, b := range cloned {
			if v&(1<<bit) == 0 {
				vs.copyOf[v][b].AttachProbe(fc.probeFor(b))
			}
		}
		for _, b := range loopInstrumented {
			if !isCloned[b] {
				vs.copyOf[v][b].AttachProbe(fc.probeFor(b))
			}
		}
	}
	for _, b := range loopInstrumented {
		fc.handled[b] = true
	}

	cl := &ClonedLoop{
		Header:        l.Start(),
		Depth:         l.Depth,
		Versions:      copies,
		BlocksCreated: (copies - 1) * len(blocks),
		JumpTables:    tables,
	}
	for _, b := range cloned {
		cl.Selected = append(cl.Selected, b.Start)
	}
	return cl, nil
}

// usedVersionBits returns how many low loop-version bits the blocks use.
func usedVersionBits(blocks []*cfg.Block) int {
	var used uint32
	for _, b := range blocks {
		used |= b.LoopVersion()
	}
	return bits.Len32(used)
}

// makeOneCopy clones every block of the loop, or-ing tag into each copy's
// loop version, copies and remaps jump tables, and redirects intra-loop
// edges to the new copies. Returns the number of jump tables copied.
func (fc *functionCloner) makeOneCopy(l *cfg.Loop, tag uint32, blocks []*cfg.Block, vs *versions) (int, error) {
	copyOf := make(map[*cfg.Block]*cfg.Block, len(blocks))
	origOf := make(map[*cfg.Block]*cfg.Block, len(blocks))
	fresh := make([]*cfg.Block, 0, len(blocks))

	for _, b := range blocks {
		c, err := fc.fn.CloneBlock(b)
		if err != nil {
			return 0, err
		}
		c.Version = cfg.CombineVersion(b.LoopVersion()|tag, b.InlineVersion())
		if err := fc.fn.AddBlock(c); err != nil {
			return 0, err
		}
		for p := l; p != nil; p = p.Parent {
			p.AddBlock(c)
		}
		copyOf[b] = c
		origOf[c] = b
		fresh = append(fresh, c)
	}
	vs.copyOf = append(vs.copyOf, copyOf)
	vs.origOf = append(vs.origOf, origOf)

	// Jump tables are remapped before redirection; redirection then moves
	// the shared edge values in place.
	tables := 0
	for _, b := range blocks {
		jt := fc.fn.JumpTables[b]
		if jt == nil {
			continue
		}
		c := copyOf[b]
		byTarget := make(map[cfg.Address]*cfg.Edge)
		for _, e := range c.Out {
			if e.Sink || e.Type != cfg.EdgeIndirect || e.Target == nil {
				continue
			}
			byTarget[e.TargetAddr] = e
		}
		entries := make([]*cfg.Edge, len(jt.Entries))
		for i, e := range jt.Entries {
			ce, ok := byTarget[e.TargetAddr]
			if !ok {
				return 0, fmt.Errorf("%w: %s -> %s", ErrJumpTableMismatch, c.Describe(), e.TargetAddr)
			}
			entries[i] = ce
		}
		clone := &cfg.JumpTable{Block: c, Entries: entries, Slice: append([]cfg.Address(nil), jt.Slice...)}
		if err := fc.fn.AddJumpTable(clone); err != nil {
			return 0, err
		}
		tables++
	}

	for _, c := range fresh {
		for _, e := range c.Out {
			if !e.Local() {
				continue
			}
			if t, ok := copyOf[e.Target]; ok {
				if err := cfg.Redirect(e, t); err != nil {
					return 0, err
				}
			}
		}
	}
	return tables, nil
}

// linkVersions sends control leaving a selected block in version v to
// version v|bit(block), for every version where the block's bit is clear.
func (fc *functionCloner) linkVersions(cloned []*cfg.Block, vs *versions) error {
	for v := range vs.copyOf {
		for bit, b := range cloned {
			if v&(1<<bit) != 0 {
				continue
			}
			next := vs.copyOf[v|(1<<bit)]
			src := vs.copyOf[v][b]
			for _, e := range src.Out {
				if !e.Local() {
					continue
				}
				pre, ok := vs.origOf[v][e.Target]
				if !ok {
					continue
				}
				t, ok := next[pre]
				if !ok {
					continue
				}
				if err := cfg.Redirect(e, t); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// attachPlainProbes gives every instrumented block not handled by a cloned
// loop a single probe.
func (fc *functionCloner) attachPlainProbes() {
	for _, b := range fc.fn.OriginalBlocks() {
		if fc.instrumented[b] && !fc.handled[b] {
			b.AttachProbe(fc.probeFor(b))
		}
	}
}
