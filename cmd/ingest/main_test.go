package main

import "testing"

func TestRunRejectsConflictingModes(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		"once disabled without mode": {"--once=false"},
		"once with every":            {"--once", "--every", "1h"},
		"negative every":             {"--every=-1m"},
		"unknown flag":               {"--nope"},
		"stray argument":             {"extra"},
	}
	for name, args := range cases {
		if code := run(args); code != exitUsage {
			t.Fatalf("%s: expected exit %d, got %d", name, exitUsage, code)
		}
	}
}

func TestRunHelpExitsCleanly(t *testing.T) {
	t.Parallel()

	if code := run([]string{"--help"}); code != exitOK {
		t.Fatalf("expected exit %d for --help, got %d", exitOK, code)
	}
}
