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
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// HexAddress is an Address that reads and writes YAML as a 0x-prefixed
// hexadecimal string. Plain integers are accepted on input.
type HexAddress Address

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *HexAddress) UnmarshalYAML(value *yaml.Node) error {
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q", value.Line, value.Value)
	}
	*h = HexAddress(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler. The address is emitted as an
// unquoted hex integer.
func (h HexAddress) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: Address(h).String()}, nil
}

type programDoc struct {
	Functions []functionDoc `yaml:"functions"`
}

type functionDoc struct {
	Name       string         `yaml:"name"`
	Entry      HexAddress     `yaml:"entry"`
	Blocks     []blockDoc     `yaml:"blocks"`
	Edges      []edgeDoc      `yaml:"edges"`
	JumpTables []jumpTableDoc `yaml:"jump_tables"`
	Loops      []loopDoc      `yaml:"loops"`
}

type blockDoc struct {
	Start   HexAddress `yaml:"start"`
	End     HexAddress `yaml:"end"`
	Version uint32     `yaml:"version"`
	Exit    bool       `yaml:"exit"`
}

type edgeDoc struct {
	From        HexAddress  `yaml:"from"`
	FromVersion uint32      `yaml:"from_version"`
	To          *HexAddress `yaml:"to"`
	ToVersion   uint32      `yaml:"to_version"`
	Type        string      `yaml:"type"`
	Sink        bool        `yaml:"sink"`
	Interproc   bool        `yaml:"interproc"`
}

type jumpTableDoc struct {
	Block   HexAddress   `yaml:"block"`
	Targets []HexAddress `yaml:"targets"`
	Slice   []HexAddress `yaml:"slice"`
}

type loopDoc struct {
	Header *HexAddress  `yaml:"header"`
	Blocks []HexAddress `yaml:"blocks"`
	Loops  []loopDoc    `yaml:"loops"`
}

type blockKey struct {
	start   Address
	version uint32
}

// Load reads a program description from path.
func Load(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program %s: %w", path, err)
	}
	return Parse(data)
}

// Decode reads a program description from r.
func Decode(r io.Reader) (*Program, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML program description.
//
// Description:
//
//	Blocks are added in ascending (start, version) order. An edge whose
//	destination is not a block of the function keeps a nil Target (calls,
//	returns, unresolved indirect jumps). Loops are optional; when absent the
//	function's Loops stay empty and callers may derive them.
//
// Outputs:
//
//	*Program - The decoded program.
//	error - A *DecodeError describing the first problem found.
func Parse(data []byte) (*Program, error) {
	var doc programDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &DecodeError{Field: "yaml", Err: err}
	}

	prog := &Program{Functions: make([]*Function, 0, len(doc.Functions))}
	seen := make(map[string]bool, len(doc.Functions))
	for i := range doc.Functions {
		fd := &doc.Functions[i]
		if fd.Name == "" {
			fd.Name = Address(fd.Entry).String()
		}
		if seen[fd.Name] {
			return nil, &DecodeError{Function: fd.Name, Field: "name", Err: errors.New("duplicate function")}
		}
		seen[fd.Name] = true

		fn, err := buildFunction(fd)
		if err != nil {
			return nil, err
		}
		prog.Functions = append(prog.Functions, fn)
	}
	return prog, nil
}

func buildFunction(fd *functionDoc) (*Function, error) {
	fn := NewFunction(fd.Name, Address(fd.Entry))
	fail := func(field string, err error) error {
		return &DecodeError{Function: fd.Name, Field: field, Err: err}
	}

	docs := append([]blockDoc(nil), fd.Blocks...)
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Start != docs[j].Start {
			return docs[i].Start < docs[j].Start
		}
		return docs[i].Version < docs[j].Version
	})

	blocks := make(map[blockKey]*Block, len(docs))
	for _, bd := range docs {
		key := blockKey{start: Address(bd.Start), version: bd.Version}
		if _, dup := blocks[key]; dup {
			return nil, fail("blocks", fmt.Errorf("%w: %s#%d", ErrDuplicateBlock, key.start, key.version))
		}
		if bd.End < bd.Start {
			return nil, fail("blocks", fmt.Errorf("block %s ends before it starts", key.start))
		}
		b := &Block{Start: key.start, End: Address(bd.End), Version: bd.Version, Exit: bd.Exit}
		if err := fn.AddBlock(b); err != nil {
			return nil, fail("blocks", err)
		}
		blocks[key] = b
	}
	if len(blocks) > 0 && fn.EntryBlock() == nil {
		return nil, fail("entry", fmt.Errorf("%w: %s", ErrUnknownBlock, fn.Entry))
	}

	for _, ed := range fd.Edges {
		src := blocks[blockKey{start: Address(ed.From), version: ed.FromVersion}]
		if src == nil {
			return nil, fail("edges", fmt.Errorf("%w: from %s", ErrUnknownBlock, Address(ed.From)))
		}
		typ, err := ParseEdgeType(ed.Type)
		if err != nil {
			return nil, fail("edges", err)
		}
		e := &Edge{Source: src, Type: typ, Sink: ed.Sink, Interproc: ed.Interproc}
		if ed.To != nil {
			e.TargetAddr = Address(*ed.To)
			if !ed.Sink && !ed.Interproc {
				e.Target = blocks[blockKey{start: e.TargetAddr, version: ed.ToVersion}]
			}
		}
		if err := fn.AddEdge(e); err != nil {
			return nil, fail("edges", err)
		}
	}

	for _, jd := range fd.JumpTables {
		b := fn.BlockAt(Address(jd.Block))
		if b == nil {
			return nil, fail("jump_tables", fmt.Errorf("%w: %s", ErrUnknownBlock, Address(jd.Block)))
		}
		jt := &JumpTable{Block: b}
		for _, target := range jd.Targets {
			e := findIndirectEdge(b, Address(target))
			if e == nil {
				return nil, fail("jump_tables", fmt.Errorf("no indirect edge %s -> %s", b.Start, Address(target)))
			}
			jt.Entries = append(jt.Entries, e)
		}
		for _, s := range jd.Slice {
			jt.Slice = append(jt.Slice, Address(s))
		}
		if err := fn.AddJumpTable(jt); err != nil {
			return nil, fail("jump_tables", err)
		}
	}

	top := make([]*Loop, 0, len(fd.Loops))
	for i := range fd.Loops {
		l, err := buildLoop(fn, &fd.Loops[i])
		if err != nil {
			return nil, fail("loops", err)
		}
		top = append(top, l)
	}
	fn.SetLoops(top)
	return fn, nil
}

func buildLoop(fn *Function, ld *loopDoc) (*Loop, error) {
	var header *Block
	if ld.Header != nil {
		if header = fn.BlockAt(Address(*ld.Header)); header == nil {
			return nil, fmt.Errorf("%w: header %s", ErrUnknownBlock, Address(*ld.Header))
		}
	}
	l := NewLoop(header, nil)
	if header != nil {
		l.AddBlock(header)
	}
	for _, a := range ld.Blocks {
		b := fn.BlockAt(Address(a))
		if b == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, Address(a))
		}
		l.AddBlock(b)
	}
	for i := range ld.Loops {
		child, err := buildLoop(fn, &ld.Loops[i])
		if err != nil {
			return nil, err
		}
		for _, b := range child.Blocks {
			l.AddBlock(b)
		}
		l.AddChild(child)
	}
	SortBlocks(l.Blocks)
	return l, nil
}

func findIndirectEdge(b *Block, target Address) *Edge {
	for _, e := range b.Out {
		if e.Type == EdgeIndirect && !e.Sink && e.TargetAddr == target {
			return e
		}
	}
	return nil
}

// SortBlocks orders blocks by (start, version).
func SortBlocks(bs []*Block) {
	sort.SliceStable(bs, func(i, j int) bool {
		if bs[i].Start != bs[j].Start {
			return bs[i].Start < bs[j].Start
		}
		return bs[i].Version < bs[j].Version
	})
}
