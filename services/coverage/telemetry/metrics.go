// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the coverage instruments. All names use the "coverage_"
// prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// FunctionsAnalyzed counts placement runs by policy and status.
	FunctionsAnalyzed metric.Int64Counter

	// AnalysisDuration records per-function placement time in seconds.
	AnalysisDuration metric.Float64Histogram

	// ProbesPlaced counts probes attached to blocks, clones included.
	ProbesPlaced metric.Int64Counter

	// LoopsCloned counts cloned loops.
	LoopsCloned metric.Int64Counter

	// BlocksCloned counts blocks created by loop cloning.
	BlocksCloned metric.Int64Counter

	// StoreLookups counts placement store lookups by outcome (hit, miss, error).
	StoreLookups metric.Int64Counter
}

// NewMetrics registers the coverage instruments with meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.FunctionsAnalyzed, err = meter.Int64Counter(
		"coverage_functions_analyzed_total",
		metric.WithDescription("Functions processed by coverage placement"),
	); err != nil {
		return nil, fmt.Errorf("create functions_analyzed counter: %w", err)
	}

	if m.AnalysisDuration, err = meter.Float64Histogram(
		"coverage_analysis_duration_seconds",
		metric.WithDescription("Per-function placement duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create analysis_duration histogram: %w", err)
	}

	if m.ProbesPlaced, err = meter.Int64Counter(
		"coverage_probes_placed_total",
		metric.WithDescription("Probes attached to blocks"),
	); err != nil {
		return nil, fmt.Errorf("create probes_placed counter: %w", err)
	}

	if m.LoopsCloned, err = meter.Int64Counter(
		"coverage_loops_cloned_total",
		metric.WithDescription("Loops cloned by the loop-clone optimizer"),
	); err != nil {
		return nil, fmt.Errorf("create loops_cloned counter: %w", err)
	}

	if m.BlocksCloned, err = meter.Int64Counter(
		"coverage_blocks_cloned_total",
		metric.WithDescription("Blocks created by loop cloning"),
	); err != nil {
		return nil, fmt.Errorf("create blocks_cloned counter: %w", err)
	}

	if m.StoreLookups, err = meter.Int64Counter(
		"coverage_store_lookups_total",
		metric.WithDescription("Placement store lookups by outcome"),
	); err != nil {
		return nil, fmt.Errorf("create store_lookups counter: %w", err)
	}

	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments registered with the global meter.
// Returns nil if registration failed; record helpers accept a nil *Metrics.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.Meter("dyninst.coverage"))
		if err == nil {
			defaultMetrics = m
		}
	})
	return defaultMetrics
}

// RecordAnalysis records one placement run.
func (m *Metrics) RecordAnalysis(ctx context.Context, policy string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("policy", policy),
		attribute.String("status", status),
	)
	m.FunctionsAnalyzed.Add(ctx, 1, attrs)
	m.AnalysisDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("policy", policy)))
}

// RecordClone records a cloned loop and the blocks it created.
func (m *Metrics) RecordClone(ctx context.Context, blocks int) {
	if m == nil {
		return
	}
	m.LoopsCloned.Add(ctx, 1)
	m.BlocksCloned.Add(ctx, int64(blocks))
}

// RecordProbes records attached probes.
func (m *Metrics) RecordProbes(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ProbesPlaced.Add(ctx, int64(n))
}

// RecordStoreLookup records a placement store lookup outcome.
func (m *Metrics) RecordStoreLookup(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.StoreLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
