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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
)

// Store persists placement results across runs.
//
// Implementations must be safe for concurrent use. Get returns found=false
// with a nil error for an unknown fingerprint.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*Result, bool, error)
	Put(ctx context.Context, fingerprint string, r *Result) error
}

// Fingerprint hashes everything placement depends on: the policy, the
// function's blocks and local edges, and its loop nest.
//
// Two functions with equal fingerprints receive equal placements, so the
// fingerprint is a safe Store key.
func Fingerprint(fn *cfg.Function, policy Policy) string {
	h := sha256.New()
	writeString(h, policy.String())
	writeString(h, fn.Name)
	writeUint(h, uint64(fn.Entry))

	blocks := append([]*cfg.Block(nil), fn.Blocks...)
	cfg.SortBlocks(blocks)
	writeUint(h, uint64(len(blocks)))
	for _, b := range blocks {
		writeUint(h, uint64(b.Start))
		writeUint(h, uint64(b.End))
		writeUint(h, uint64(b.Version))
		writeBool(h, b.Exit)
		writeUint(h, uint64(len(b.Out)))
		for _, e := range b.Out {
			writeUint(h, uint64(e.TargetAddr))
			writeUint(h, uint64(e.Type))
			writeBool(h, e.Sink)
			writeBool(h, e.Interproc)
		}
	}

	for _, l := range fn.AllLoops() {
		writeUint(h, uint64(l.Depth))
		writeUint(h, uint64(len(l.Blocks)))
		for _, b := range l.Blocks {
			writeUint(h, uint64(b.Start))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeUint(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeBool(h hash.Hash, v bool) {
	if v {
		h.Write([]byte{1})
		return
	}
	h.Write([]byte{0})
}

func writeString(h hash.Hash, s string) {
	writeUint(h, uint64(len(s)))
	h.Write([]byte(s))
}
