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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mxz297/dyninst-tools/cmd/covopt/config"
	"github.com/mxz297/dyninst-tools/pkg/logging"
	"github.com/mxz297/dyninst-tools/services/coverage/cfg"
	"github.com/mxz297/dyninst-tools/services/coverage/pipeline"
)

const programYAML = `
functions:
  - name: main
    entry: 0x1000
    blocks:
      - {start: 0x1000, end: 0x1010}
      - {start: 0x1010, end: 0x1020}
      - {start: 0x1020, end: 0x1030}
      - {start: 0x1030, end: 0x1040}
    edges:
      - {from: 0x1000, to: 0x1010, type: cond_taken}
      - {from: 0x1000, to: 0x1020, type: cond_not_taken}
      - {from: 0x1010, to: 0x1030, type: direct}
      - {from: 0x1020, to: 0x1030, type: fallthrough}
      - {from: 0x1030, type: return, sink: true}
  - name: walk
    entry: 0x2000
    blocks:
      - {start: 0x2000, end: 0x2010}
      - {start: 0x2010, end: 0x2020}
      - {start: 0x2020, end: 0x2030}
      - {start: 0x2030, end: 0x2040}
    edges:
      - {from: 0x2000, to: 0x2010, type: fallthrough}
      - {from: 0x2010, to: 0x2020, type: cond_taken}
      - {from: 0x2020, to: 0x2010, type: direct}
      - {from: 0x2010, to: 0x2030, type: cond_not_taken}
      - {from: 0x2030, type: return, sink: true}
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

// execute runs covopt with args in machine output mode.
func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--output-mode", "machine"}, args...))
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestVersion(t *testing.T) {
	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "covopt dev\n", stdout)
}

func TestOrder_CallProfile(t *testing.T) {
	dir := t.TempDir()
	prog := writeFile(t, dir, "prog.yaml", programYAML)

	stdout, _, err := execute(t, "order", prog)
	require.NoError(t, err)
	assert.Equal(t, "0x1000 main\n0x2000 walk\n", stdout)

	pairs := writeFile(t, dir, "calls.txt", "1\n0x2000 0x1000 7\n")
	stdout, _, err = execute(t, "order", "--call-profile", pairs, prog)
	require.NoError(t, err)
	assert.Equal(t, "0x2000 walk\n0x1000 main\n", stdout)
}

func TestPlace_WritesDocument(t *testing.T) {
	prog := writeFile(t, t.TempDir(), "prog.yaml", programYAML)

	stdout, stderr, err := execute(t, "place", "--policy", "exact", prog)
	require.NoError(t, err)

	var doc pipeline.Document
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "exact", doc.Policy)
	require.Len(t, doc.Functions, 2)
	assert.Equal(t, []cfg.HexAddress{0x1010, 0x1020}, doc.Functions[0].Placement)
	assert.Equal(t, []cfg.HexAddress{0x2000, 0x2020}, doc.Functions[1].Placement)
	assert.Empty(t, doc.Functions[1].Sites)
	assert.Contains(t, stderr, "policy=exact functions=2 blocks=8 instrumented=4 cached=0 probed=4/8")
}

func TestPlace_StoreReusesResults(t *testing.T) {
	dir := t.TempDir()
	prog := writeFile(t, dir, "prog.yaml", programYAML)
	store := filepath.Join(dir, "cache")

	_, stderr, err := execute(t, "place", "--store", store, prog)
	require.NoError(t, err)
	assert.Contains(t, stderr, "cached=0")

	_, stderr, err = execute(t, "place", "--store", store, prog)
	require.NoError(t, err)
	assert.Contains(t, stderr, "cached=2")
}

func TestInstrument_ProfileManifestAndOutput(t *testing.T) {
	dir := t.TempDir()
	prog := writeFile(t, dir, "prog.yaml", programYAML)
	prof := writeFile(t, dir, "block.prof", "# addr metric\n0x2021 100\n")
	manifest := filepath.Join(dir, "probes.manifest")
	output := filepath.Join(dir, "out.yaml")
	conf := writeFile(t, dir, "covopt.yaml", "policy: exact\npgo_ratio: 0.9\nloop_clone_limit: 4\n")

	stdout, stderr, err := execute(t, "instrument",
		"--config", conf,
		"--profile", prof,
		"--manifest", manifest,
		"-o", output,
		prog,
	)
	require.NoError(t, err)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "probes=4 slots=4 loops_cloned=1")
	assert.Contains(t, stderr, "OK: wrote probe manifest "+manifest)
	assert.Contains(t, stderr, "OK: wrote "+output)
	assert.NotContains(t, stderr, "WARN:")

	data, err := os.ReadFile(manifest)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "4", lines[0])

	data, err = os.ReadFile(output)
	require.NoError(t, err)
	var doc pipeline.Document
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, 4, doc.Probes)
	require.Len(t, doc.Functions[1].Loops, 1)
	assert.Equal(t, cfg.HexAddress(0x2010), doc.Functions[1].Loops[0].Header)
}

func TestInstrument_MissingProfileIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	prog := writeFile(t, dir, "prog.yaml", programYAML)

	_, stderr, err := execute(t, "instrument", "--policy", "none", "--profile", filepath.Join(dir, "absent.prof"), prog)
	require.NoError(t, err)
	assert.Contains(t, stderr, "block profile unavailable")
	assert.Contains(t, stderr, "WARN: no block profile samples, loops are not cloned")
	assert.Contains(t, stderr, "probes=8")
	assert.Contains(t, stderr, "loops_cloned=0")
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "etc", "covopt.yaml")

	_, stderr, err := execute(t, "config", "init", conf)
	require.NoError(t, err)
	assert.Contains(t, stderr, "OK: wrote default configuration "+conf)

	loaded, err := config.Load(conf)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Policy, loaded.Policy)

	_, _, err = execute(t, "config", "init", conf)
	assert.ErrorContains(t, err, "already exists")

	require.NoError(t, os.WriteFile(conf, []byte("policy: leaf\n"), 0600))
	_, _, err = execute(t, "config", "init", "--force", conf)
	require.NoError(t, err)
	loaded, err = config.Load(conf)
	require.NoError(t, err)
	assert.Equal(t, "exact", loaded.Policy)

	prog := writeFile(t, dir, "prog.yaml", programYAML)
	stdout, _, err := execute(t, "order", "--config", conf, prog)
	require.NoError(t, err)
	assert.Equal(t, "0x1000 main\n0x2000 walk\n", stdout)
}

func TestInvalidInvocations(t *testing.T) {
	dir := t.TempDir()
	prog := writeFile(t, dir, "prog.yaml", programYAML)

	tests := []struct {
		name string
		args []string
	}{
		{"clone limit", []string{"instrument", "--loop-clone-limit", "17", prog}},
		{"pgo ratio", []string{"instrument", "--pgo-ratio", "2", prog}},
		{"policy", []string{"place", "--policy", "everything", prog}},
		{"missing program", []string{"place", filepath.Join(dir, "absent.yaml")}},
		{"missing argument", []string{"place"}},
		{"missing config", []string{"order", "--config", filepath.Join(dir, "absent.yaml"), prog}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestApplyFlags_OnlyChangedFlagsOverride(t *testing.T) {
	cmd := newRootCmd()
	instrument, _, err := cmd.Find([]string{"instrument"})
	require.NoError(t, err)

	flags := &cliFlags{}
	c := config.DefaultConfig()
	c.Workers = 3
	c.Manifest = "from-config"
	applyFlags(instrument, flags, &c)
	assert.Equal(t, 3, c.Workers)
	assert.Equal(t, "from-config", c.Manifest)
	assert.Equal(t, "exact", c.Policy)

	require.NoError(t, instrument.Flags().Set("policy", "none"))
	require.NoError(t, instrument.Flags().Set("store", "/tmp/covopt-cache"))
	flags.policy = "none"
	flags.store = "/tmp/covopt-cache"
	flags.debug = true
	applyFlags(instrument, flags, &c)
	assert.Equal(t, "none", c.Policy)
	assert.True(t, c.Store.Enabled)
	assert.Equal(t, "/tmp/covopt-cache", c.Store.Path)
	assert.Equal(t, logging.LevelDebug, c.Logging.Level)
	assert.Equal(t, 3, c.Workers)
}
