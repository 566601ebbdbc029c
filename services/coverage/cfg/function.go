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
	"sort"
)

// JumpTable is a jump-table instance attached to the block that performs
// the indirect jump.
type JumpTable struct {
	// Block performs the indirect jump.
	Block *Block

	// Entries are the block's outgoing indirect edges the table resolves to.
	Entries []*Edge

	// Slice holds the start addresses of the blocks that compute the table
	// target.
	Slice []Address
}

// Targets returns the target addresses of the table entries.
func (jt *JumpTable) Targets() []Address {
	out := make([]Address, 0, len(jt.Entries))
	for _, e := range jt.Entries {
		out = append(out, e.TargetAddr)
	}
	return out
}

// Loop is a natural loop. Blocks includes the blocks of nested loops.
type Loop struct {
	// Header is the loop entry block. May be nil for engine-supplied loops.
	Header *Block

	Blocks   []*Block
	Children []*Loop
	Parent   *Loop

	// Depth is 1 for an outermost loop.
	Depth int

	members map[*Block]struct{}
}

// NewLoop creates a loop over blocks.
func NewLoop(header *Block, blocks []*Block) *Loop {
	l := &Loop{Header: header, members: make(map[*Block]struct{}, len(blocks))}
	for _, b := range blocks {
		l.AddBlock(b)
	}
	return l
}

// Contains reports whether b is in the loop body, nested loops included.
func (l *Loop) Contains(b *Block) bool {
	_, ok := l.members[b]
	return ok
}

// AddBlock adds b to the loop body. Adding a member twice is a no-op.
func (l *Loop) AddBlock(b *Block) {
	if l.members == nil {
		l.members = make(map[*Block]struct{})
	}
	if _, ok := l.members[b]; ok {
		return
	}
	l.members[b] = struct{}{}
	l.Blocks = append(l.Blocks, b)
}

// AddChild nests c inside l.
func (l *Loop) AddChild(c *Loop) {
	c.Parent = l
	l.Children = append(l.Children, c)
}

// Size returns the loop's total byte size.
func (l *Loop) Size() uint64 {
	var size uint64
	for _, b := range l.Blocks {
		size += b.Size()
	}
	return size
}

// Start returns the lowest block start address, used to order loops.
func (l *Loop) Start() Address {
	if l.Header != nil {
		return l.Header.Start
	}
	var lowest Address
	for i, b := range l.Blocks {
		if i == 0 || b.Start < lowest {
			lowest = b.Start
		}
	}
	return lowest
}

func (l *Loop) String() string {
	return fmt.Sprintf("loop@%s(depth=%d, blocks=%d)", l.Start(), l.Depth, len(l.Blocks))
}

// Function is a function of the program.
type Function struct {
	Name  string
	Entry Address

	// Blocks lists parsed blocks in ascending start order followed by clones
	// in the order they were added.
	Blocks []*Block

	JumpTables map[*Block]*JumpTable

	// Loops holds the outermost loops.
	Loops []*Loop

	byStart map[Address][]*Block
}

// NewFunction creates an empty function.
func NewFunction(name string, entry Address) *Function {
	return &Function{
		Name:       name,
		Entry:      entry,
		JumpTables: make(map[*Block]*JumpTable),
		byStart:    make(map[Address][]*Block),
	}
}

// AddBlock appends b to the function.
func (f *Function) AddBlock(b *Block) error {
	if b.fn != nil && b.fn != f {
		return fmt.Errorf("%w: %s", ErrForeignBlock, b.Describe())
	}
	b.fn = f
	f.Blocks = append(f.Blocks, b)
	f.byStart[b.Start] = append(f.byStart[b.Start], b)
	return nil
}

// AddEdge links e into the edge lists of its endpoints.
func (f *Function) AddEdge(e *Edge) error {
	if e == nil || e.Source == nil {
		return ErrNilEdge
	}
	if e.Source.fn != f || (e.Target != nil && e.Target.fn != f) {
		return fmt.Errorf("%w: edge from %s", ErrForeignBlock, e.Source.Describe())
	}
	if e.Target != nil {
		e.TargetAddr = e.Target.Start
		e.Target.In = append(e.Target.In, e)
	}
	e.Source.Out = append(e.Source.Out, e)
	return nil
}

// BlocksAt returns every block starting at addr, parsed blocks first.
func (f *Function) BlocksAt(addr Address) []*Block {
	return f.byStart[addr]
}

// BlockAt returns the first block starting at addr, or nil.
func (f *Function) BlockAt(addr Address) *Block {
	if bs := f.byStart[addr]; len(bs) > 0 {
		return bs[0]
	}
	return nil
}

// EntryBlock returns the block at the function entry, or nil.
func (f *Function) EntryBlock() *Block {
	return f.BlockAt(f.Entry)
}

// OriginalBlocks returns the parsed (non-cloned) blocks sorted by start.
func (f *Function) OriginalBlocks() []*Block {
	out := make([]*Block, 0, len(f.Blocks))
	for _, b := range f.Blocks {
		if b.Origin == nil {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Size returns the byte size of the parsed blocks.
func (f *Function) Size() uint64 {
	var size uint64
	for _, b := range f.OriginalBlocks() {
		size += b.Size()
	}
	return size
}

// CloneBlock duplicates b with its outgoing edges and attached probes.
//
// The clone's edges point at b's targets; the clone has no incoming edges
// and is not yet part of the function (see AddBlock).
func (f *Function) CloneBlock(b *Block) (*Block, error) {
	if b.fn != f {
		return nil, fmt.Errorf("%w: %s", ErrForeignBlock, b.Describe())
	}
	clone := &Block{
		Start:   b.Start,
		End:     b.End,
		Version: b.Version,
		Exit:    b.Exit,
		Origin:  b,
		Out:     make([]*Edge, 0, len(b.Out)),
		Probes:  append([]Probe(nil), b.Probes...),
	}
	for _, e := range b.Out {
		ce := &Edge{
			Source:     clone,
			Target:     e.Target,
			TargetAddr: e.TargetAddr,
			Type:       e.Type,
			Sink:       e.Sink,
			Interproc:  e.Interproc,
		}
		clone.Out = append(clone.Out, ce)
		if ce.Target != nil {
			ce.Target.In = append(ce.Target.In, ce)
		}
	}
	return clone, nil
}

// Redirect moves e to point at target.
func Redirect(e *Edge, target *Block) error {
	if e == nil || target == nil {
		return ErrNilEdge
	}
	if old := e.Target; old != nil {
		for i, in := range old.In {
			if in == e {
				old.In = append(old.In[:i], old.In[i+1:]...)
				break
			}
		}
	}
	e.Target = target
	e.TargetAddr = target.Start
	target.In = append(target.In, e)
	return nil
}

// AddJumpTable attaches jt to its block, replacing any previous instance.
func (f *Function) AddJumpTable(jt *JumpTable) error {
	if jt == nil || jt.Block == nil {
		return ErrNilEdge
	}
	if jt.Block.fn != f {
		return fmt.Errorf("%w: jump table at %s", ErrForeignBlock, jt.Block.Describe())
	}
	f.JumpTables[jt.Block] = jt
	return nil
}

// SetLoops installs the outermost loops and recomputes depth and parents.
func (f *Function) SetLoops(top []*Loop) {
	f.Loops = top
	var walk func(l *Loop, parent *Loop, depth int)
	walk = func(l *Loop, parent *Loop, depth int) {
		l.Parent = parent
		l.Depth = depth
		for _, c := range l.Children {
			walk(c, l, depth+1)
		}
	}
	for _, l := range top {
		walk(l, nil, 1)
	}
}

// AllLoops returns every loop, outer loops before the loops they contain.
func (f *Function) AllLoops() []*Loop {
	var out []*Loop
	stack := make([]*Loop, 0, len(f.Loops))
	for i := len(f.Loops) - 1; i >= 0; i-- {
		stack = append(stack, f.Loops[i])
	}
	for len(stack) > 0 {
		l := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, l)
		for i := len(l.Children) - 1; i >= 0; i-- {
			stack = append(stack, l.Children[i])
		}
	}
	return out
}

// InnermostLoops maps every block in a loop to its innermost loop.
func (f *Function) InnermostLoops() map[*Block]*Loop {
	out := make(map[*Block]*Loop)
	// AllLoops visits parents first, so deeper loops overwrite.
	for _, l := range f.AllLoops() {
		for _, b := range l.Blocks {
			if cur, ok := out[b]; !ok || l.Depth > cur.Depth {
				out[b] = l
			}
		}
	}
	return out
}

// Program is the set of functions of a binary.
type Program struct {
	Functions []*Function
}

// Function returns the function called name, or nil.
func (p *Program) Function(name string) *Function {
	for _, f := range p.Functions {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FunctionAt returns the function whose entry is addr, or nil.
func (p *Program) FunctionAt(addr Address) *Function {
	for _, f := range p.Functions {
		if f.Entry == addr {
			return f
		}
	}
	return nil
}
