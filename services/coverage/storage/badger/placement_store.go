// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/mxz297/dyninst-tools/services/coverage/placement"
)

const placementPrefix = "placement/"

// PlacementStore implements placement.Store on top of DB.
//
// Thread Safety: Safe for concurrent use.
type PlacementStore struct {
	db *DB
}

var _ placement.Store = (*PlacementStore)(nil)

// NewPlacementStore wraps db. The caller keeps ownership of db.
func NewPlacementStore(db *DB) *PlacementStore {
	return &PlacementStore{db: db}
}

func placementKey(fingerprint string) []byte {
	return []byte(placementPrefix + fingerprint)
}

// Get loads the result stored under fingerprint.
func (s *PlacementStore) Get(ctx context.Context, fingerprint string) (*placement.Result, bool, error) {
	var r *placement.Result
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(placementKey(fingerprint))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r = &placement.Result{}
			return json.Unmarshal(val, r)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load placement %s: %w", fingerprint, err)
	}
	return r, true, nil
}

// Put stores r under fingerprint, replacing any previous value.
func (s *PlacementStore) Put(ctx context.Context, fingerprint string, r *placement.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode placement %s: %w", fingerprint, err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(placementKey(fingerprint), data)
	})
}

// Count returns the number of stored placements.
func (s *PlacementStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(placementPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
