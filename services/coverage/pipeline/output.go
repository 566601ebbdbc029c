// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/loopclone"
)

// Document is the YAML form of an Output, consumed by the rewriting engine.
type Document struct {
	RunID          string        `yaml:"run_id"`
	Policy         string        `yaml:"policy"`
	Probes         int           `yaml:"probes"`
	Slots          int64         `yaml:"slots"`
	CoveredPercent float64       `yaml:"covered_percent"`
	Functions      []FunctionDoc `yaml:"functions"`
}

// FunctionDoc is one function of a Document.
type FunctionDoc struct {
	Name        string           `yaml:"name"`
	Superblocks int              `yaml:"superblocks"`
	Cached      bool             `yaml:"cached,omitempty"`
	Placement   []cfg.HexAddress `yaml:"placement,flow"`
	Sites       []SiteDoc        `yaml:"sites,omitempty"`
	Loops       []LoopDoc        `yaml:"cloned_loops,omitempty"`
	JumpTables  []JumpTableDoc   `yaml:"jump_tables,omitempty"`
}

// SiteDoc is a probe site.
type SiteDoc struct {
	Addr    cfg.HexAddress `yaml:"addr"`
	Slot    int64          `yaml:"slot"`
	Version uint32         `yaml:"version,omitempty"`
}

// LoopDoc is a cloned loop.
type LoopDoc struct {
	Header        cfg.HexAddress   `yaml:"header"`
	Depth         int              `yaml:"depth"`
	Selected      []cfg.HexAddress `yaml:"selected,flow"`
	Versions      int              `yaml:"versions"`
	BlocksCreated int              `yaml:"blocks_created"`
}

// BlockRefDoc names one copy of a block.
type BlockRefDoc struct {
	Addr    cfg.HexAddress `yaml:"addr"`
	Version uint32         `yaml:"version"`
}

// JumpTableDoc is a jump table of a cloned block with remapped entries.
type JumpTableDoc struct {
	Block   BlockRefDoc   `yaml:"block"`
	Entries []BlockRefDoc `yaml:"entries,flow"`
}

// Document converts the output for encoding.
func (o *Output) Document() *Document {
	doc := &Document{
		RunID:     o.RunID,
		Policy:    o.Policy.String(),
		Functions: make([]FunctionDoc, 0, len(o.Planned)),
	}
	reports := make(map[string]*loopclone.FunctionReport)
	if o.Report != nil {
		doc.Probes = o.Report.Probes
		doc.CoveredPercent = o.Report.CoveredPercent
		for i := range o.Report.Functions {
			reports[o.Report.Functions[i].Function] = &o.Report.Functions[i]
		}
	}
	if o.Allocator != nil {
		doc.Slots = o.Allocator.Count()
	}

	for _, pl := range o.Planned {
		fd := FunctionDoc{
			Name:        pl.Function.Name,
			Superblocks: pl.Result.Superblocks,
			Cached:      pl.Cached,
			Placement:   hexAddresses(pl.Result.Addresses),
		}
		if fr := reports[pl.Function.Name]; fr != nil {
			for _, s := range fr.Sites {
				fd.Sites = append(fd.Sites, SiteDoc{Addr: cfg.HexAddress(s.Addr), Slot: s.Slot, Version: s.Version})
			}
			for _, l := range fr.Loops {
				fd.Loops = append(fd.Loops, LoopDoc{
					Header:        cfg.HexAddress(l.Header),
					Depth:         l.Depth,
					Selected:      hexAddresses(l.Selected),
					Versions:      l.Versions,
					BlocksCreated: l.BlocksCreated,
				})
			}
			for _, jt := range fr.JumpTables {
				jd := JumpTableDoc{Block: blockRef(jt.Block)}
				for _, e := range jt.Entries {
					jd.Entries = append(jd.Entries, blockRef(e))
				}
				fd.JumpTables = append(fd.JumpTables, jd)
			}
		}
		doc.Functions = append(doc.Functions, fd)
	}
	return doc
}

// WriteYAML encodes the output's Document to w.
func (o *Output) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(o.Document()); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return enc.Close()
}

func hexAddresses(addrs []cfg.Address) []cfg.HexAddress {
	out := make([]cfg.HexAddress, len(addrs))
	for i, a := range addrs {
		out[i] = cfg.HexAddress(a)
	}
	return out
}

func blockRef(r loopclone.BlockRef) BlockRefDoc {
	return BlockRefDoc{Addr: cfg.HexAddress(r.Addr), Version: r.Version}
}
