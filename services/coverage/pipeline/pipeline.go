// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs coverage instrumentation end to end: function
// ordering, placement, loop cloning, and output.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/loopclone"
	"github.com/mxz297/dyninst-tools/services/coverage/placement"
	"github.com/mxz297/dyninst-tools/services/coverage/probe"
	"github.com/mxz297/dyninst-tools/services/coverage/profile"
	"github.com/mxz297/dyninst-tools/services/coverage/telemetry"
)

const tracerName = "dyninst.coverage.pipeline"

var (
	// ErrNilProgram indicates Run or Plan was called without a program.
	ErrNilProgram = errors.New("program must not be nil")

	// ErrNilContext indicates a nil context.
	ErrNilContext = errors.New("context must not be nil")
)

// Options configures a run.
type Options struct {
	Policy  placement.Policy
	Workers int

	// Profile drives loop cloning. Nil or empty disables cloning.
	Profile *profile.BlockProfile

	// CallPairs drive function ordering. Nil keeps address order.
	CallPairs []profile.CallPair

	PGORatio       float64
	LoopCloneLimit int

	// Store caches placement results across runs. Optional.
	Store placement.Store

	// RunID tags logs, spans, and output. Generated when empty.
	RunID string

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Output is the result of a run.
type Output struct {
	RunID  string
	Policy placement.Policy

	// Planned holds one entry per non-empty function, in processing order.
	Planned []*placement.Planned

	// Report is nil when only placement ran.
	Report *loopclone.Report

	// Allocator holds the probe slots; nil when only placement ran.
	Allocator *probe.Allocator

	Duration time.Duration
}

func (opts *Options) defaults() {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.DefaultMetrics()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()[:12]
	}
}

// Plan orders the program's functions and places probes without modifying
// the program.
//
// Outputs:
//
//	*Output - Placement for every non-empty function. Report and Allocator
//	are nil.
//	error - ErrNilContext, ErrNilProgram, or the first placement failure.
func Plan(ctx context.Context, prog *cfg.Program, opts Options) (*Output, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if prog == nil {
		return nil, ErrNilProgram
	}
	opts.defaults()

	ctx, span := telemetry.StartSpan(ctx, tracerName, "pipeline.Plan",
		trace.WithAttributes(
			attribute.String("run_id", opts.RunID),
			attribute.Int("functions", len(prog.Functions)),
		),
	)
	defer span.End()

	start := time.Now()
	out, err := plan(ctx, prog, &opts)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	out.Duration = time.Since(start)
	telemetry.SetSpanOK(span)
	return out, nil
}

// Run places probes, clones hot loops, and attaches every probe.
//
// Description:
//
//	Functions are ordered by call-pair affinity, then planned concurrently.
//	The blocks each function's placement instrumented become loop-clone
//	targets; when the profile is empty no loop is cloned and every
//	instrumented block receives one plain probe. The program is mutated in
//	place.
//
// Inputs:
//
//	ctx - Checked between functions. Must not be nil.
//	prog - The program to instrument.
//	opts - Run options. PGORatio and LoopCloneLimit are validated by the
//	loop-clone optimizer.
//
// Outputs:
//
//	*Output - Placement, cloning report, and probe slots.
//	error - ErrNilContext, ErrNilProgram, an optimizer option error, or the
//	first failure of any phase.
func Run(ctx context.Context, prog *cfg.Program, opts Options) (*Output, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if prog == nil {
		return nil, ErrNilProgram
	}
	opts.defaults()

	ctx, span := telemetry.StartSpan(ctx, tracerName, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("run_id", opts.RunID),
			attribute.Int("functions", len(prog.Functions)),
			attribute.String("policy", opts.Policy.String()),
		),
	)
	defer span.End()

	logger := telemetry.LoggerWithTrace(ctx, opts.Logger).With(slog.String("run_id", opts.RunID))
	start := time.Now()
	logger.Info("pipeline started",
		slog.Int("functions", len(prog.Functions)),
		slog.String("policy", opts.Policy.String()),
		slog.Bool("profile", !opts.Profile.Empty()),
	)

	out, err := plan(ctx, prog, &opts)
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Error("pipeline failed", slog.String("phase", "placement"), slog.String("error", err.Error()))
		return nil, err
	}

	targets := make([]loopclone.Target, 0, len(out.Planned))
	for _, pl := range out.Planned {
		targets = append(targets, target(pl))
	}

	opt, err := loopclone.New(ctx, targets, opts.Profile, loopclone.Options{
		PGORatio:       opts.PGORatio,
		LoopCloneLimit: opts.LoopCloneLimit,
		Workers:        opts.Workers,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	out.Allocator = probe.NewAllocator()
	out.Report, err = opt.Instrument(ctx, out.Allocator)
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Error("pipeline failed", slog.String("phase", "instrument"), slog.String("error", err.Error()))
		return nil, err
	}
	out.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("probes", out.Report.Probes),
		attribute.Int("loops_cloned", out.Report.Loops),
	)
	telemetry.SetSpanOK(span)
	logger.Info("pipeline completed",
		slog.Duration("duration", out.Duration),
		slog.Int("functions", len(out.Planned)),
		slog.Int("probes", out.Report.Probes),
		slog.Int("slots", int(out.Allocator.Count())),
		slog.Int("loops_cloned", out.Report.Loops),
		slog.Float64("covered_percent", out.Report.CoveredPercent),
	)
	return out, nil
}

func plan(ctx context.Context, prog *cfg.Program, opts *Options) (*Output, error) {
	order := profile.FunctionOrder(prog.Functions, opts.CallPairs)

	planner := placement.NewPlanner(placement.Options{
		Policy:  opts.Policy,
		Workers: opts.Workers,
		Store:   opts.Store,
		Logger:  opts.Logger.With(slog.String("run_id", opts.RunID)),
		Metrics: opts.Metrics,
	})
	planned, err := planner.Plan(ctx, order)
	if err != nil {
		return nil, err
	}
	return &Output{RunID: opts.RunID, Policy: opts.Policy, Planned: planned}, nil
}

// target maps a placement onto the blocks it instrumented.
func target(pl *placement.Planned) loopclone.Target {
	inst := make(map[*cfg.Block]bool, pl.Result.Count())
	for _, b := range pl.Function.OriginalBlocks() {
		if pl.Result.NeedsProbe(b.Start) {
			inst[b] = true
		}
	}
	return loopclone.Target{Function: pl.Function, Instrumented: inst}
}

// Summary condenses an Output for display.
type Summary struct {
	Functions      int
	Blocks         int
	Instrumented   int
	Cached         int
	Probes         int
	Slots          int64
	LoopsCloned    int
	CoveredPercent float64
}

// Summary counts the run's results.
func (o *Output) Summary() Summary {
	var s Summary
	s.Functions = len(o.Planned)
	for _, pl := range o.Planned {
		s.Blocks += len(pl.Function.OriginalBlocks())
		s.Instrumented += pl.Result.Count()
		if pl.Cached {
			s.Cached++
		}
	}
	if o.Report != nil {
		s.Probes = o.Report.Probes
		s.LoopsCloned = o.Report.Loops
		s.CoveredPercent = o.Report.CoveredPercent
	}
	if o.Allocator != nil {
		s.Slots = o.Allocator.Count()
	}
	return s
}
