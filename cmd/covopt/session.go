// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mxz297/dyninst-tools/cmd/covopt/config"
	"github.com/mxz297/dyninst-tools/pkg/logging"
	"github.com/mxz297/dyninst-tools/services/coverage/placement"
	covstore "github.com/mxz297/dyninst-tools/services/coverage/storage/badger"
	"github.com/mxz297/dyninst-tools/services/coverage/telemetry"
)

// session holds everything a command run opens and must close.
type session struct {
	cfg    config.Config
	logger *logging.Logger

	shutdownTelemetry func(context.Context) error
	metricsServer     *http.Server

	db    *covstore.DB
	store placement.Store
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, flags *cliFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("policy") {
		cfg.Policy = flags.policy
	}
	if changed("workers") {
		cfg.Workers = flags.workers
	}
	if changed("profile") {
		cfg.Profile = flags.profile
	}
	if changed("call-profile") {
		cfg.CallProfile = flags.callProfile
	}
	if changed("pgo-ratio") {
		cfg.PGORatio = flags.pgoRatio
	}
	if changed("loop-clone-limit") {
		cfg.LoopCloneLimit = flags.cloneLimit
	}
	if changed("manifest") {
		cfg.Manifest = flags.manifest
	}
	if changed("output") {
		cfg.Output = flags.output
	}
	if changed("store") {
		cfg.Store.Enabled = flags.store != ""
		cfg.Store.InMemory = false
		cfg.Store.Path = flags.store
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}
	if flags.debug {
		cfg.Logging.Level = logging.LevelDebug
	}
	if flags.jsonLogs {
		cfg.Logging.JSON = true
	}
}

// openSession loads configuration and starts logging, telemetry, the
// metrics endpoint, and the placement store.
func openSession(cmd *cobra.Command, flags *cliFlags) (*session, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, flags, &cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MetricsAddr != "" && cfg.Telemetry.MetricExporter == telemetry.ExporterNone {
		cfg.Telemetry.MetricExporter = telemetry.ExporterPrometheus
	}
	cfg.Telemetry.ServiceVersion = Version

	if cfg.Logging.Output == nil {
		cfg.Logging.Output = cmd.ErrOrStderr()
	}
	s := &session{cfg: cfg, logger: logging.New(cfg.Logging)}
	s.logger.SetDefault()
	if path := s.logger.FilePath(); path != "" {
		s.logger.Debug("logging to file", slog.String("path", path))
	}

	s.shutdownTelemetry, err = telemetry.Init(cmd.Context(), cfg.Telemetry)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if cfg.MetricsAddr != "" {
		if h := telemetry.MetricsHandler(); h != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", h)
			s.metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.logger.Warn("metrics endpoint stopped", slog.String("error", err.Error()))
				}
			}()
			s.logger.Info("serving metrics", slog.String("addr", cfg.MetricsAddr))
		}
	}

	if cfg.Store.Enabled {
		storeCfg := cfg.Store.Config
		storeCfg.Logger = s.logger.Slog().With(slog.String("component", "badger"))
		s.db, err = covstore.Open(storeCfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("placement store: %w", err)
		}
		s.store = covstore.NewPlacementStore(s.db)
		s.logger.Debug("placement store opened",
			slog.String("path", storeCfg.Path),
			slog.Bool("in_memory", s.db.InMemory()),
		)
	}
	return s, nil
}

func (s *session) policy() placement.Policy {
	// Validate already accepted the name.
	p, _ := placement.ParsePolicy(s.cfg.Policy)
	return p
}

// Close releases resources in reverse order of acquisition.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("closing placement store", slog.String("error", err.Error()))
		}
	}
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.shutdownTelemetry != nil {
		if err := s.shutdownTelemetry(ctx); err != nil {
			s.logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}
	_ = s.logger.Close()
}
