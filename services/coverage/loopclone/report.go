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
	"sort"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/probe"
)

// ClonedLoop describes one cloned loop.
type ClonedLoop struct {
	Header        cfg.Address
	Depth         int
	Selected      []cfg.Address
	Versions      int
	BlocksCreated int
	JumpTables    int
}

// BlockRef names one copy of a block.
type BlockRef struct {
	Addr    cfg.Address
	Version uint32
}

// JumpTableRemap is a jump table attached to a cloned block, with its
// entries resolved to the copies they now reach.
type JumpTableRemap struct {
	Block   BlockRef
	Entries []BlockRef
}

// FunctionReport is the instrumentation of one function.
type FunctionReport struct {
	Function   string
	Sites      []probe.Site
	Loops      []ClonedLoop
	JumpTables []JumpTableRemap
}

// Report summarizes an Instrument run.
type Report struct {
	Functions      []FunctionReport
	Probes         int
	Loops          int
	CoveredPercent float64
}

// Sites lists every probe attached in fn, ordered by address, then
// version, then slot.
func Sites(fn *cfg.Function) []probe.Site {
	var sites []probe.Site
	for _, b := range fn.Blocks {
		for _, p := range b.Probes {
			sites = append(sites, probe.Site{Addr: b.Start, Slot: p.Slot, Version: b.Version})
		}
	}
	sort.Slice(sites, func(i, j int) bool {
		a, b := sites[i], sites[j]
		if a.Addr != b.Addr {
			return a.Addr < b.Addr
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.Slot < b.Slot
	})
	return sites
}

func jumpTableRemaps(fn *cfg.Function) []JumpTableRemap {
	var out []JumpTableRemap
	for b, jt := range fn.JumpTables {
		if b.Origin == nil {
			continue
		}
		r := JumpTableRemap{Block: BlockRef{Addr: b.Start, Version: b.Version}}
		for _, e := range jt.Entries {
			r.Entries = append(r.Entries, BlockRef{Addr: e.Target.Start, Version: e.Target.Version})
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Block.Addr != out[j].Block.Addr {
			return out[i].Block.Addr < out[j].Block.Addr
		}
		return out[i].Block.Version < out[j].Block.Version
	})
	return out
}
