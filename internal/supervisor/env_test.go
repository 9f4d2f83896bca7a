package supervisor

import (
	"strings"
	"testing"
)

func envMap(t *testing.T, env []string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(env))
	for _, e := range env {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			t.Fatalf("malformed entry %q", e)
		}
		out[k] = v
	}
	return out
}

func TestMergeEnvPriority(t *testing.T) {
	got := envMap(t, MergeEnv(
		[]string{"PATH=/usr/bin", "HOME=/home/u", "SHARED=os"},
		map[string]string{"SHARED": "config", "TOKEN": "abc"},
		map[string]string{"SHARED": "overlay"},
	))

	if got["PATH"] != "/usr/bin" || got["HOME"] != "/home/u" {
		t.Errorf("os env not carried: %v", got)
	}
	if got["TOKEN"] != "abc" {
		t.Errorf("TOKEN = %q", got["TOKEN"])
	}
	if got["SHARED"] != "overlay" {
		t.Errorf("SHARED = %q, want overlay to win", got["SHARED"])
	}
}

func TestMergeEnvExpansion(t *testing.T) {
	got := envMap(t, MergeEnv(
		[]string{"HOME=/home/u"},
		map[string]string{"CACHE": "${HOME}/cache", "MISSING": "${NOPE}"},
		map[string]string{"NESTED": "${CACHE}/x"},
	))

	if got["CACHE"] != "/home/u/cache" {
		t.Errorf("CACHE = %q", got["CACHE"])
	}
	// Unset references expand to empty rather than staying literal.
	if got["MISSING"] != "" {
		t.Errorf("MISSING = %q", got["MISSING"])
	}
	// Overlay values see the config layer already merged.
	if got["NESTED"] != "/home/u/cache/x" {
		t.Errorf("NESTED = %q", got["NESTED"])
	}
}

func TestCommandAllowed(t *testing.T) {
	allowed := DefaultAllowedCommands()
	tests := []struct {
		command string
		want    bool
	}{
		{"npx", true},
		{"node", true},
		{"python3", true},
		{"docker", true},
		{"rm", false},
		{"bash", false},
		{"/usr/bin/npx", false},
		{"./npx", false},
		{`C:\tools\node`, false},
		{"", false},
	}
	for _, tt := range tests {
		if got := CommandAllowed(tt.command, allowed); got != tt.want {
			t.Errorf("CommandAllowed(%q) = %v, want %v", tt.command, got, tt.want)
		}
	}
}

func TestCommandAllowedOverride(t *testing.T) {
	if !CommandAllowed("sh", []string{"sh", "cat"}) {
		t.Error("override list should admit sh")
	}
	if CommandAllowed("npx", []string{"sh", "cat"}) {
		t.Error("override list should not admit npx")
	}
}
