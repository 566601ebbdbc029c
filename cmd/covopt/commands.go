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

	"github.com/spf13/cobra"

	"github.com/mxz297/dyninst-tools/pkg/ux"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// cliFlags holds flag values; fields are applied over the config file only
// when the flag was set.
type cliFlags struct {
	configPath  string
	debug       bool
	jsonLogs    bool
	outputMode  string
	policy      string
	workers     int
	profile     string
	callProfile string
	pgoRatio    float64
	cloneLimit  int
	manifest    string
	output      string
	store       string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	rootCmd := &cobra.Command{
		Use:   "covopt",
		Short: "Coverage probe placement and loop-clone optimization",
		Long: `covopt reads a program description (functions, basic blocks, edges,
jump tables, loops), decides which blocks need a coverage probe, and
clones hot loops so each probe fires at most once per loop activation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.outputMode != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(flags.outputMode))
			} else {
				ux.InitPersonality()
			}
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to a covopt YAML config file")
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	pf.BoolVar(&flags.jsonLogs, "json-logs", false, "Write logs as JSON")
	pf.StringVar(&flags.outputMode, "output-mode", "", "Terminal output: full, minimal, or machine")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	pf.IntVar(&flags.workers, "workers", 0, "Concurrent functions (0 = GOMAXPROCS)")
	pf.StringVar(&flags.callProfile, "call-profile", "", "Call-pair profile used to order functions")

	placeCmd := &cobra.Command{
		Use:   "place <program.yaml>",
		Short: "Compute probe placement without modifying the program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlace(cmd, flags, args[0])
		},
	}
	addPlacementFlags(placeCmd, flags)

	instrumentCmd := &cobra.Command{
		Use:   "instrument <program.yaml>",
		Short: "Place probes, clone hot loops, and emit probe sites",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstrument(cmd, flags, args[0])
		},
	}
	addPlacementFlags(instrumentCmd, flags)
	f := instrumentCmd.Flags()
	f.StringVar(&flags.profile, "profile", "", "Block profile (\"<hex-addr> <metric>\" per line)")
	f.Float64Var(&flags.pgoRatio, "pgo-ratio", 0, "Fraction of profile metric to cover with cloned loops")
	f.IntVar(&flags.cloneLimit, "loop-clone-limit", 0, "Maximum selected blocks per loop (at most 16)")
	f.StringVar(&flags.manifest, "manifest", "", "Write the probe manifest to this file")

	orderCmd := &cobra.Command{
		Use:   "order <program.yaml>",
		Short: "Print the function processing order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrder(cmd, flags, args[0])
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the covopt version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "covopt %s\n", Version)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage covopt configuration files",
	}
	var force bool
	configInitCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration (default covopt.yaml)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "covopt.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			return runConfigInit(cmd, path, force)
		},
	}
	configInitCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(placeCmd, instrumentCmd, orderCmd, configCmd, versionCmd)
	return rootCmd
}

func addPlacementFlags(cmd *cobra.Command, flags *cliFlags) {
	f := cmd.Flags()
	f.StringVar(&flags.policy, "policy", "", "Placement policy: none, leaf, or exact")
	f.StringVarP(&flags.output, "output", "o", "", "Write the YAML result here instead of stdout")
	f.StringVar(&flags.store, "store", "", "Cache placement results in a BadgerDB directory")
}
