//go:build !linux

package config

// applyPlatformHardening is a no-op outside Linux: forge's supported
// deployment target is Linux/amd64 and arm64 servers and workstations, and
// the original implementation's non-Unix hardening path (Windows
// SetErrorMode/WerSetFlags) has no equivalent CLI deployment story here.
func applyPlatformHardening() error {
	return nil
}
