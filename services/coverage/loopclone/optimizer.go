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
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/probe"
	"github.com/mxz297/dyninst-tools/services/coverage/profile"
	"github.com/mxz297/dyninst-tools/services/coverage/telemetry"
)

const tracerName = "dyninst.coverage.loopclone"

// Options configures the optimizer.
type Options struct {
	// PGORatio is the fraction of total profile metric to cover, in [0, 1].
	PGORatio float64

	// LoopCloneLimit caps selected blocks per loop, in [0, MaxLoopCloneLimit].
	LoopCloneLimit int

	// Workers bounds concurrently instrumented functions. Zero means
	// GOMAXPROCS.
	Workers int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Target is a function together with the blocks placement instrumented.
type Target struct {
	Function     *cfg.Function
	Instrumented map[*cfg.Block]bool
}

// Optimizer selects hot loop blocks and instruments functions.
type Optimizer struct {
	opts    Options
	targets []Target

	innermost map[*cfg.Function]map[*cfg.Block]*cfg.Loop
	unsafe    map[*cfg.Loop]bool
	selected  map[*cfg.Block]bool

	covered float64
	total   float64
}

// New validates opts and selects the blocks to clone.
//
// Description:
//
//	Blocks are matched to profile entries by exact start address across all
//	targets. Entries that match no block are ignored. Each match inside a
//	safe loop with remaining budget is selected; the entry's metric counts
//	as covered when at least one of its blocks was selected.
//
// Outputs:
//
//	*Optimizer - Ready for Instrument.
//	error - ErrCloneLimit or ErrPGORatio.
func New(ctx context.Context, targets []Target, prof *profile.BlockProfile, opts Options) (*Optimizer, error) {
	if opts.LoopCloneLimit < 0 || opts.LoopCloneLimit > MaxLoopCloneLimit {
		return nil, fmt.Errorf("%w: %d", ErrCloneLimit, opts.LoopCloneLimit)
	}
	if opts.PGORatio < 0 || opts.PGORatio > 1 {
		return nil, fmt.Errorf("%w: %g", ErrPGORatio, opts.PGORatio)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.DefaultMetrics()
	}

	o := &Optimizer{
		opts:      opts,
		targets:   targets,
		innermost: make(map[*cfg.Function]map[*cfg.Block]*cfg.Loop, len(targets)),
		unsafe:    make(map[*cfg.Loop]bool),
		selected:  make(map[*cfg.Block]bool),
	}

	byStart := make(map[cfg.Address][]*cfg.Block)
	for _, t := range targets {
		fn := t.Function
		o.innermost[fn] = fn.InnermostLoops()
		for _, l := range fn.AllLoops() {
			if jumpTableEscapes(fn, l) {
				o.unsafe[l] = true
			}
		}
		for _, b := range fn.OriginalBlocks() {
			byStart[b.Start] = append(byStart[b.Start], b)
		}
	}

	o.selectBlocks(ctx, byStart, prof)
	return o, nil
}

func (o *Optimizer) selectBlocks(ctx context.Context, byStart map[cfg.Address][]*cfg.Block, prof *profile.BlockProfile) {
	logger := telemetry.LoggerWithTrace(ctx, o.opts.Logger)
	if prof.Empty() {
		logger.Debug("no block profile, skipping loop selection")
		return
	}
	o.total = prof.Total

	budget := make(map[*cfg.Loop]int)
	for _, entry := range prof.Entries {
		picked := false
		for _, b := range byStart[entry.Addr] {
			l := o.innermost[b.Function()][b]
			switch {
			case l == nil:
				logger.Debug("skip block outside any loop", slog.String("block", b.Describe()))
			case o.unsafe[l]:
				logger.Debug("skip block in loop with escaping jump table", slog.String("block", b.Describe()))
			case o.selected[b]:
			case budget[l] >= o.opts.LoopCloneLimit:
				logger.Debug("skip block, loop clone limit reached", slog.String("block", b.Describe()))
			default:
				budget[l]++
				o.selected[b] = true
				picked = true
				logger.Debug("select block for cloning",
					slog.String("block", b.Describe()),
					slog.Uint64("loop_size", l.Size()),
				)
			}
		}
		if picked {
			o.covered += entry.Metric
		}
		if o.covered > o.opts.PGORatio*o.total {
			break
		}
	}

	logger.Info("loop clone selection complete",
		slog.Int("selected", len(o.selected)),
		slog.Float64("covered_percent", o.CoveredPercent()),
	)
}

// jumpTableEscapes reports whether a jump table of l is computed by, or
// targets, a block outside l.
func jumpTableEscapes(fn *cfg.Function, l *cfg.Loop) bool {
	inLoop := make(map[cfg.Address]bool, len(l.Blocks))
	for _, b := range l.Blocks {
		inLoop[b.Start] = true
	}
	for _, b := range l.Blocks {
		jt := fn.JumpTables[b]
		if jt == nil {
			continue
		}
		for _, addr := range jt.Slice {
			if !inLoop[addr] {
				return true
			}
		}
		for _, addr := range jt.Targets() {
			if !inLoop[addr] {
				return true
			}
		}
	}
	return false
}

// Selected reports whether b was selected for cloning.
func (o *Optimizer) Selected(b *cfg.Block) bool { return o.selected[b] }

// Unsafe reports whether l was excluded for an escaping jump table.
func (o *Optimizer) Unsafe(l *cfg.Loop) bool { return o.unsafe[l] }

// CoveredPercent returns the share of total metric covered by selection.
func (o *Optimizer) CoveredPercent() float64 {
	if o.total == 0 {
		return 0
	}
	return o.covered * 100 / o.total
}

// Instrument clones selected loops and attaches every probe.
//
// Description:
//
//	Functions are processed concurrently, each by a single goroutine. Within
//	a function, loops are cloned innermost first; instrumented blocks not
//	covered by any cloned loop then receive one plain probe. All copies of
//	one original block share a slot.
//
// Outputs:
//
//	*Report - Per-function probe sites and cloned loops, in target order.
//	error - ErrNilAllocator, ErrJumpTableMismatch, or ctx's error.
func (o *Optimizer) Instrument(ctx context.Context, alloc *probe.Allocator) (*Report, error) {
	if alloc == nil {
		return nil, ErrNilAllocator
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "loopclone.Instrument",
		trace.WithAttributes(
			attribute.Int("functions", len(o.targets)),
			attribute.Int("selected", len(o.selected)),
		),
	)
	defer span.End()

	report := &Report{
		Functions:      make([]FunctionReport, len(o.targets)),
		CoveredPercent: o.CoveredPercent(),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for i, t := range o.targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fr, err := o.instrumentFunction(gctx, t, alloc)
			if err != nil {
				return fmt.Errorf("instrument %s: %w", t.Function.Name, err)
			}
			mu.Lock()
			report.Functions[i] = *fr
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	for _, fr := range report.Functions {
		report.Probes += len(fr.Sites)
		report.Loops += len(fr.Loops)
	}
	span.SetAttributes(
		attribute.Int("probes", report.Probes),
		attribute.Int("loops_cloned", report.Loops),
	)
	telemetry.SetSpanOK(span)
	return report, nil
}

func (o *Optimizer) instrumentFunction(ctx context.Context, t Target, alloc *probe.Allocator) (*FunctionReport, error) {
	fn := t.Function
	logger := telemetry.LoggerWithFunction(ctx, o.opts.Logger, fn.Name)

	fc := &functionCloner{
		fn:           fn,
		instrumented: t.Instrumented,
		selected:     o.selected,
		innermost:    o.innermost[fn],
		alloc:        alloc,
		slots:        make(map[*cfg.Block]int64),
		handled:      make(map[*cfg.Block]bool),
	}

	fr := &FunctionReport{Function: fn.Name}
	for _, l := range o.cloneOrder(fn) {
		cl, err := fc.cloneLoop(l)
		if err != nil {
			return nil, err
		}
		if cl == nil {
			continue
		}
		logger.Debug("cloned loop",
			slog.String("header", cl.Header.String()),
			slog.Int("versions", cl.Versions),
			slog.Int("blocks_created", cl.BlocksCreated),
		)
		o.opts.Metrics.RecordClone(ctx, cl.BlocksCreated)
		fr.Loops = append(fr.Loops, *cl)
	}
	fc.attachPlainProbes()

	fr.Sites = Sites(fn)
	fr.JumpTables = jumpTableRemaps(fn)
	o.opts.Metrics.RecordProbes(ctx, len(fr.Sites))
	return fr, nil
}

// cloneOrder lists the loops holding selected blocks, deepest first, ties by
// start address.
func (o *Optimizer) cloneOrder(fn *cfg.Function) []*cfg.Loop {
	seen := make(map[*cfg.Loop]bool)
	var loops []*cfg.Loop
	for _, b := range fn.OriginalBlocks() {
		if !o.selected[b] {
			continue
		}
		if l := o.innermost[fn][b]; l != nil && !seen[l] {
			seen[l] = true
			loops = append(loops, l)
		}
	}
	sort.Slice(loops, func(i, j int) bool {
		if loops[i].Depth != loops[j].Depth {
			return loops[i].Depth > loops[j].Depth
		}
		return loops[i].Start() < loops[j].Start()
	})
	return loops
}
