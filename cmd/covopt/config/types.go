// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates covopt configuration files.
package config

import (
	"github.com/mxz297/dyninst-tools/pkg/logging"
	"github.com/mxz297/dyninst-tools/services/coverage/storage/badger"
	"github.com/mxz297/dyninst-tools/services/coverage/telemetry"
)

// Config is the covopt configuration. Command-line flags override it.
type Config struct {
	// Policy is the placement policy: none, leaf, or exact.
	Policy string `yaml:"policy" validate:"policy"`

	// Workers bounds concurrent per-function work. Zero means GOMAXPROCS.
	Workers int `yaml:"workers" validate:"gte=0"`

	// PGORatio is the fraction of profile metric loop cloning should cover.
	PGORatio float64 `yaml:"pgo_ratio" validate:"gte=0,lte=1"`

	// LoopCloneLimit caps selected blocks per loop.
	LoopCloneLimit int `yaml:"loop_clone_limit" validate:"gte=0,lte=16"`

	// Profile is the block profile path. Empty disables loop cloning.
	Profile string `yaml:"profile"`

	// CallProfile is the call-pair profile path used to order functions.
	CallProfile string `yaml:"call_profile"`

	// Manifest is where the probe manifest is written. Empty skips it.
	Manifest string `yaml:"manifest"`

	// Output is where the instrumentation document is written; "-" or
	// empty means stdout.
	Output string `yaml:"output"`

	// MetricsAddr serves Prometheus /metrics when set, e.g. ":9464".
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`

	Store     StoreConfig      `yaml:"store"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   logging.Config   `yaml:"logging"`
}

// StoreConfig configures the placement cache.
type StoreConfig struct {
	// Enabled turns the cache on.
	Enabled bool `yaml:"enabled"`

	badger.Config `yaml:",inline"`
}
