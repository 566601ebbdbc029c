// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mxz297/dyninst-tools/pkg/logging"
	"github.com/mxz297/dyninst-tools/services/coverage/placement"
	"github.com/mxz297/dyninst-tools/services/coverage/storage/badger"
	"github.com/mxz297/dyninst-tools/services/coverage/telemetry"
)

// ErrStorePath indicates an enabled on-disk store without a path.
var ErrStorePath = errors.New("store.path is required when the store is enabled and not in memory")

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("policy", validatePolicy)
}

// validatePolicy accepts any name placement.ParsePolicy understands.
func validatePolicy(fl validator.FieldLevel) bool {
	_, err := placement.ParsePolicy(fl.Field().String())
	return err == nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Policy:         placement.PolicyExact.String(),
		PGORatio:       0.9,
		LoopCloneLimit: 5,
		Store: StoreConfig{
			Config: badger.DefaultConfig(),
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: logging.Config{
			Level:   logging.LevelInfo,
			Service: "covopt",
		},
	}
}

// Validate checks field ranges and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Enabled && !c.Store.InMemory && c.Store.Path == "" {
		return ErrStorePath
	}
	return nil
}

// Load reads path over DefaultConfig and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode rejects unknown keys so a misspelled option is not silently
// ignored.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
