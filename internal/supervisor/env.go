package supervisor

import (
	"os"
	"strings"
)

// DefaultAllowedCommands is the launch-contract allow-list. The registry
// rejects other commands on write; the supervisor re-checks at spawn.
func DefaultAllowedCommands() []string {
	return []string{"npx", "node", "python", "python3", "uvx", "docker"}
}

// CommandAllowed reports whether command is a bare name on the allow-list.
// Paths are never allowed.
func CommandAllowed(command string, allowed []string) bool {
	if strings.ContainsAny(command, "/\\") {
		return false
	}
	for _, a := range allowed {
		if command == a {
			return true
		}
	}
	return false
}

// MergeEnv merges environment variables with priority:
// overlay > configEnv > osEnv. ${VAR} references in config and overlay
// values expand against the environment built so far.
func MergeEnv(osEnv []string, configEnv, overlay map[string]string) []string {
	merged := make(map[string]string, len(osEnv))

	for _, e := range osEnv {
		if k, v, ok := strings.Cut(e, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range configEnv {
		merged[k] = expandVars(v, merged)
	}
	for k, v := range overlay {
		merged[k] = expandVars(v, merged)
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// expandVars replaces ${VAR} references in val with values from env.
func expandVars(val string, env map[string]string) string {
	return os.Expand(val, func(key string) string {
		if v, ok := env[key]; ok {
			return v
		}
		return ""
	})
}
