// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"
)

func withLevel(t *testing.T, level PersonalityLevel) {
	t.Helper()
	orig := GetPersonalityLevel()
	SetPersonalityLevel(level)
	t.Cleanup(func() { SetPersonalityLevel(orig) })
}

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconArrow} {
		if !strings.Contains(icon.Render(), string(icon)) {
			t.Errorf("Render() of %q lost the glyph", icon)
		}
	}
}

func TestMessages_Machine(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	Title(&buf, "covopt")
	Success(&buf, "done")
	Warning(&buf, "profile missing")
	Error(&buf, "bad config")

	want := "OK: done\nWARN: profile missing\nERROR: bad config\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestMessages_Minimal(t *testing.T) {
	withLevel(t, PersonalityMinimal)

	var buf bytes.Buffer
	Success(&buf, "done")
	if got := buf.String(); got != "✓ done\n" {
		t.Errorf("output = %q", got)
	}
}

func TestStats_Machine(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	Stats(&buf, "Placement", []Stat{{"Functions", "2"}, {"Loops cloned", "1"}})
	if got := buf.String(); got != "functions=2 loops_cloned=1\n" {
		t.Errorf("output = %q", got)
	}
}

func TestStats_Full(t *testing.T) {
	withLevel(t, PersonalityFull)

	var buf bytes.Buffer
	Stats(&buf, "Placement", []Stat{{"Functions", "2"}, {"Probes", "14"}})
	out := buf.String()
	for _, want := range []string{"Placement", "Functions", "Probes", "14"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	withLevel(t, PersonalityMachine)
	if got := ProgressBar(3, 10, 20); got != "3/10" {
		t.Errorf("machine ProgressBar = %q", got)
	}

	withLevel(t, PersonalityFull)
	if got := ProgressBar(5, 10, 10); !strings.Contains(got, "50%") {
		t.Errorf("ProgressBar = %q", got)
	}
	if got := ProgressBar(1, 0, 4); !strings.Contains(got, "0%") {
		t.Errorf("ProgressBar with zero total = %q", got)
	}
}
