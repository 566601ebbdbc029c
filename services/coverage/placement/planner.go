// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package placement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/flowgraph"
	"github.com/mxz297/dyninst-tools/services/coverage/telemetry"
)

// Options configures a Planner.
type Options struct {
	Policy Policy

	// Workers bounds concurrent analyses. Zero means GOMAXPROCS.
	Workers int

	// Store caches results across runs. Optional.
	Store Store

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to telemetry.DefaultMetrics().
	Metrics *telemetry.Metrics
}

// Planned is the outcome of planning one function.
type Planned struct {
	Function *cfg.Function
	Flow     *flowgraph.FlowGraph
	Result   *Result

	// Cached is set when Result came from the Store.
	Cached bool
}

// Planner runs placement over many functions.
//
// Description:
//
//	Flow graph construction is serialized behind importMu; dominator,
//	superblock, and placement work runs on up to Workers goroutines.
//	Results land in a ResultSet, one per function.
//
// Thread Safety: Plan may be called concurrently; results for a function
// already planned are reused.
type Planner struct {
	opts     Options
	importMu sync.Mutex
	results  *ResultSet
}

// NewPlanner creates a planner.
func NewPlanner(opts Options) *Planner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.DefaultMetrics()
	}
	return &Planner{opts: opts, results: NewResultSet()}
}

// Results returns the planner's result set.
func (p *Planner) Results() *ResultSet { return p.results }

// Plan places probes in every function of fns.
//
// Inputs:
//
//	ctx - Checked before each function starts; cancellation stops the
//	remaining work and is returned as the error.
//	fns - The worklist. Functions without blocks are logged and skipped.
//
// Outputs:
//
//	[]*Planned - One entry per planned function, in worklist order.
//	error - The first failure.
func (p *Planner) Plan(ctx context.Context, fns []*cfg.Function) ([]*Planned, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "placement.Plan",
		trace.WithAttributes(
			attribute.Int("functions", len(fns)),
			attribute.Int("workers", p.opts.Workers),
			attribute.String("policy", p.opts.Policy.String()),
		),
	)
	defer span.End()

	for _, fn := range fns {
		if fn == nil {
			return nil, ErrNilFunction
		}
	}

	planned := make([]*Planned, len(fns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for i, fn := range fns {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pl, err := p.planOne(gctx, fn)
			if err != nil {
				return err
			}
			planned[i] = pl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	out := planned[:0]
	for _, pl := range planned {
		if pl != nil {
			out = append(out, pl)
		}
	}
	span.SetAttributes(attribute.Int("planned", len(out)))
	telemetry.SetSpanOK(span)
	return out, nil
}

func (p *Planner) planOne(ctx context.Context, fn *cfg.Function) (*Planned, error) {
	logger := telemetry.LoggerWithFunction(ctx, p.opts.Logger, fn.Name)
	start := time.Now()

	fg, err := p.importFunction(ctx, fn)
	if errors.Is(err, flowgraph.ErrEmptyFunction) {
		logger.Warn("skipping function without blocks")
		return nil, nil
	}
	if err != nil {
		p.opts.Metrics.RecordAnalysis(ctx, p.opts.Policy.String(), time.Since(start), err)
		return nil, fmt.Errorf("import %s: %w", fn.Name, err)
	}
	if flowgraph.EnsureLoops(ctx, fg, logger) {
		logger.Debug("derived loop nest", slog.Int("loops", len(fn.Loops)))
	}

	pl := &Planned{Function: fn, Flow: fg}
	pl.Result, err = p.results.Do(fn.Name, func() (*Result, error) {
		r, cached := p.lookup(ctx, logger, fn)
		if cached {
			pl.Cached = true
			return r, nil
		}
		r = Place(ctx, fg, p.opts.Policy)
		p.save(ctx, logger, fn, r)
		return r, nil
	})
	p.opts.Metrics.RecordAnalysis(ctx, p.opts.Policy.String(), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	logger.Debug("placed probes",
		slog.String("policy", p.opts.Policy.String()),
		slog.Int("probes", pl.Result.Count()),
		slog.Int("blocks", len(fn.Blocks)),
		slog.Bool("cached", pl.Cached),
	)
	return pl, nil
}

// importFunction builds the flow graph. Construction reads shared program
// state and is never run concurrently.
func (p *Planner) importFunction(ctx context.Context, fn *cfg.Function) (*flowgraph.FlowGraph, error) {
	p.importMu.Lock()
	defer p.importMu.Unlock()
	return flowgraph.New(ctx, fn)
}

func (p *Planner) lookup(ctx context.Context, logger *slog.Logger, fn *cfg.Function) (*Result, bool) {
	if p.opts.Store == nil {
		return nil, false
	}
	r, ok, err := p.opts.Store.Get(ctx, Fingerprint(fn, p.opts.Policy))
	switch {
	case err != nil:
		p.opts.Metrics.RecordStoreLookup(ctx, "error")
		logger.Warn("placement store lookup failed", slog.String("error", err.Error()))
		return nil, false
	case !ok:
		p.opts.Metrics.RecordStoreLookup(ctx, "miss")
		return nil, false
	}
	p.opts.Metrics.RecordStoreLookup(ctx, "hit")
	return r, true
}

func (p *Planner) save(ctx context.Context, logger *slog.Logger, fn *cfg.Function, r *Result) {
	if p.opts.Store == nil {
		return
	}
	if err := p.opts.Store.Put(ctx, Fingerprint(fn, p.opts.Policy), r); err != nil {
		logger.Warn("placement store write failed", slog.String("error", err.Error()))
	}
}
