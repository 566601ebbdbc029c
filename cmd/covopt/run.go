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
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mxz297/dyninst-tools/cmd/covopt/config"
	"github.com/mxz297/dyninst-tools/pkg/ux"
	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/pipeline"
	"github.com/mxz297/dyninst-tools/services/coverage/profile"
)

func runPlace(cmd *cobra.Command, flags *cliFlags, programPath string) error {
	s, err := openSession(cmd, flags)
	if err != nil {
		return err
	}
	defer s.Close()

	prog, err := cfg.Load(programPath)
	if err != nil {
		return err
	}
	logger := s.logger.Slog()
	out, err := pipeline.Plan(cmd.Context(), prog, pipeline.Options{
		Policy:    s.policy(),
		Workers:   s.cfg.Workers,
		CallPairs: profile.LoadCallPairs(s.cfg.CallProfile, logger),
		Store:     s.store,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := writeOutput(cmd, s.cfg.Output, out); err != nil {
		return err
	}

	sum := out.Summary()
	ux.Stats(cmd.ErrOrStderr(), "Placement", []ux.Stat{
		{Label: "Policy", Value: out.Policy.String()},
		{Label: "Functions", Value: strconv.Itoa(sum.Functions)},
		{Label: "Blocks", Value: strconv.Itoa(sum.Blocks)},
		{Label: "Instrumented", Value: strconv.Itoa(sum.Instrumented)},
		{Label: "Cached", Value: strconv.Itoa(sum.Cached)},
		{Label: "Probed", Value: ux.ProgressBar(sum.Instrumented, sum.Blocks, 20)},
	})
	return nil
}

func runInstrument(cmd *cobra.Command, flags *cliFlags, programPath string) error {
	s, err := openSession(cmd, flags)
	if err != nil {
		return err
	}
	defer s.Close()

	prog, err := cfg.Load(programPath)
	if err != nil {
		return err
	}
	logger := s.logger.Slog()
	prof := profile.LoadBlockProfile(s.cfg.Profile, logger)
	if prof.Empty() {
		ux.Warning(cmd.ErrOrStderr(), "no block profile samples, loops are not cloned")
	}
	out, err := pipeline.Run(cmd.Context(), prog, pipeline.Options{
		Policy:         s.policy(),
		Workers:        s.cfg.Workers,
		Profile:        prof,
		CallPairs:      profile.LoadCallPairs(s.cfg.CallProfile, logger),
		PGORatio:       s.cfg.PGORatio,
		LoopCloneLimit: s.cfg.LoopCloneLimit,
		Store:          s.store,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if err := writeOutput(cmd, s.cfg.Output, out); err != nil {
		return err
	}
	if s.cfg.Manifest != "" {
		if err := out.Allocator.WriteManifestFile(s.cfg.Manifest); err != nil {
			return err
		}
		logger.Debug("wrote probe manifest", slog.String("path", s.cfg.Manifest))
		ux.Success(cmd.ErrOrStderr(), "wrote probe manifest "+s.cfg.Manifest)
	}

	sum := out.Summary()
	ux.Stats(cmd.ErrOrStderr(), "Instrumentation", []ux.Stat{
		{Label: "Policy", Value: out.Policy.String()},
		{Label: "Functions", Value: strconv.Itoa(sum.Functions)},
		{Label: "Instrumented", Value: strconv.Itoa(sum.Instrumented)},
		{Label: "Probes", Value: strconv.Itoa(sum.Probes)},
		{Label: "Slots", Value: strconv.FormatInt(sum.Slots, 10)},
		{Label: "Loops cloned", Value: strconv.Itoa(sum.LoopsCloned)},
		{Label: "Covered", Value: fmt.Sprintf("%.1f%%", sum.CoveredPercent)},
	})
	return nil
}

func runOrder(cmd *cobra.Command, flags *cliFlags, programPath string) error {
	s, err := openSession(cmd, flags)
	if err != nil {
		return err
	}
	defer s.Close()

	prog, err := cfg.Load(programPath)
	if err != nil {
		return err
	}
	pairs := profile.LoadCallPairs(s.cfg.CallProfile, s.logger.Slog())
	ux.Title(cmd.ErrOrStderr(), "Function order")
	w := cmd.OutOrStdout()
	for _, fn := range profile.FunctionOrder(prog.Functions, pairs) {
		if _, err := fmt.Fprintf(w, "%s %s\n", fn.Entry, fn.Name); err != nil {
			return err
		}
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	ux.Success(cmd.ErrOrStderr(), "wrote default configuration "+path)
	return nil
}

// writeOutput writes the YAML document to path, or to the command's stdout
// for "" and "-".
func writeOutput(cmd *cobra.Command, path string, out *pipeline.Output) error {
	if path == "" || path == "-" {
		return out.WriteYAML(cmd.OutOrStdout())
	}
	if err := writeOutputFile(path, out); err != nil {
		return err
	}
	ux.Success(cmd.ErrOrStderr(), "wrote "+path)
	return nil
}

func writeOutputFile(path string, out *pipeline.Output) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return out.WriteYAML(f)
}
