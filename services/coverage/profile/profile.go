// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package profile reads execution profiles.
//
// A block profile ranks blocks by hotness for the loop-clone optimizer. A
// call-pair profile only influences the order in which functions are
// processed. Neither is required: a missing or malformed file yields an
// empty profile and a warning.
package profile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
)

// ErrMalformed indicates a profile line that does not parse.
var ErrMalformed = errors.New("malformed profile")

// LineError locates a malformed profile line.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Entry is one profiled block.
type Entry struct {
	// Addr is the block start: the recorded address minus one, since
	// recorded addresses point one byte past the instrumented instruction.
	Addr   cfg.Address
	Metric float64
}

// BlockProfile is a block profile sorted by descending metric.
type BlockProfile struct {
	Entries []Entry
	Total   float64
}

// Empty reports whether the profile has no entries.
func (p *BlockProfile) Empty() bool {
	return p == nil || len(p.Entries) == 0
}

// ParseBlockProfile reads "<hex-address> <metric>" lines.
//
// Description:
//
//	Blank lines and lines starting with '#' are ignored. Entries with equal
//	metrics keep their file order.
//
// Outputs:
//
//	*BlockProfile - The sorted profile.
//	error - A *LineError wrapping ErrMalformed for the first bad line.
func ParseBlockProfile(r io.Reader) (*BlockProfile, error) {
	p := &BlockProfile{}
	err := scanLines(r, func(lineNo int, fields []string) error {
		if len(fields) != 2 {
			return fmt.Errorf("%w: want 2 fields, got %d", ErrMalformed, len(fields))
		}
		addr, err := parseHex(fields[0])
		if err != nil {
			return err
		}
		if addr == 0 {
			return fmt.Errorf("%w: zero address", ErrMalformed)
		}
		metric, err := parseMetric(fields[1])
		if err != nil {
			return err
		}
		p.Entries = append(p.Entries, Entry{Addr: addr - 1, Metric: metric})
		p.Total += metric
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(p.Entries, func(i, j int) bool {
		return p.Entries[i].Metric > p.Entries[j].Metric
	})
	return p, nil
}

// LoadBlockProfile reads the block profile at path. An empty path, a
// missing file, or a malformed file all yield an empty profile; the last two
// are logged as warnings.
func LoadBlockProfile(path string, logger *slog.Logger) *BlockProfile {
	if path == "" {
		return &BlockProfile{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		logger.Warn("block profile unavailable, cloning disabled",
			slog.String("path", path), slog.String("error", err.Error()))
		return &BlockProfile{}
	}
	defer f.Close()

	p, err := ParseBlockProfile(f)
	if err != nil {
		logger.Warn("block profile malformed, cloning disabled",
			slog.String("path", path), slog.String("error", err.Error()))
		return &BlockProfile{}
	}
	logger.Info("loaded block profile",
		slog.String("path", path),
		slog.Int("entries", len(p.Entries)),
		slog.Float64("total", p.Total),
	)
	return p
}

func scanLines(r io.Reader, fn func(lineNo int, fields []string) error) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := fn(lineNo, strings.Fields(text)); err != nil {
			return &LineError{Line: lineNo, Text: text, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read profile: %w", err)
	}
	return nil
}

func parseHex(s string) (cfg.Address, error) {
	addr, err := cfg.ParseAddress(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return addr, nil
}

func parseMetric(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: bad metric %q", ErrMalformed, s)
	}
	return v, nil
}
