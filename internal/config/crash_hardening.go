package config

import (
	"os"
	"strings"
)

// ForgeAllowCoredumpsEnv is the environment variable that, set to one of the
// truthy values below, disables forge's default crash-dump hardening.
const ForgeAllowCoredumpsEnv = "FORGE_ALLOW_COREDUMPS"

// CoredumpsAllowedByOverride reports whether FORGE_ALLOW_COREDUMPS is set to
// one of the exact truthy values {1,true,yes} (case-insensitive, surrounding
// whitespace trimmed). Anything else, including an unset or empty variable,
// leaves crash-dump hardening enabled.
func CoredumpsAllowedByOverride() bool {
	raw, ok := os.LookupEnv(ForgeAllowCoredumpsEnv)
	if !ok {
		return false
	}
	return isTruthy(raw)
}

func isTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// ApplyCrashHardening disables core dumps for the current process unless
// FORGE_ALLOW_COREDUMPS overrides it, so a crash never leaves a core file
// containing API keys or session content on disk. It returns a warnings
// slice rather than failing startup: a platform that can't apply the
// hardening (or a user who explicitly opted out) still gets a working CLI,
// just without this protection.
func ApplyCrashHardening() []string {
	if CoredumpsAllowedByOverride() {
		return []string{"crash dump hardening disabled by " + ForgeAllowCoredumpsEnv}
	}
	if err := applyPlatformHardening(); err != nil {
		return []string{"crash dump hardening failed: " + err.Error()}
	}
	return nil
}
