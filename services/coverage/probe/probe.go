// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package probe allocates coverage probe storage and writes the coverage
// manifest.
//
// Every probe owns a slot in a flat coverage table. Slots are handed out by a
// single atomic counter so functions can be instrumented concurrently. The
// manifest maps slots back to block addresses for post-run reporting.
package probe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
)

// Site is one probe the rewriting engine must insert.
type Site struct {
	// Addr is the start of the instrumented block.
	Addr cfg.Address

	// Slot is the coverage table entry the probe sets.
	Slot int64

	// Version is the block's version tag; zero for unversioned blocks.
	Version uint32
}

// Allocator hands out probe slots.
//
// Thread Safety: Safe for concurrent use.
type Allocator struct {
	next atomic.Int64

	mu    sync.Mutex
	addrs map[int64]cfg.Address
}

// NewAllocator creates an allocator whose first slot is zero.
func NewAllocator() *Allocator {
	return &Allocator{addrs: make(map[int64]cfg.Address)}
}

// Allocate reserves a new slot reporting addr.
func (a *Allocator) Allocate(addr cfg.Address) int64 {
	slot := a.next.Add(1) - 1
	a.mu.Lock()
	a.addrs[slot] = addr
	a.mu.Unlock()
	return slot
}

// Count returns the number of allocated slots.
func (a *Allocator) Count() int64 {
	return a.next.Load()
}

// Addresses returns the block address of every slot, indexed by slot.
func (a *Allocator) Addresses() []cfg.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]cfg.Address, len(a.addrs))
	for slot, addr := range a.addrs {
		if int(slot) < len(out) {
			out[slot] = addr
		}
	}
	return out
}

// WriteManifest writes the slot count followed by one hex address per slot.
func (a *Allocator) WriteManifest(w io.Writer) error {
	addrs := a.Addresses()
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%d\n", len(addrs)); err != nil {
		return err
	}
	for _, addr := range addrs {
		if _, err := fmt.Fprintln(bw, addr.String()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteManifestFile writes the manifest to path.
func (a *Allocator) WriteManifestFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close manifest: %w", cerr)
		}
	}()
	return a.WriteManifest(f)
}
