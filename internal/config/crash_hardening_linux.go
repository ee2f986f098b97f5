//go:build linux

package config

import "golang.org/x/sys/unix"

// applyPlatformHardening zeroes RLIMIT_CORE and clears the process's
// dumpable flag (PR_SET_DUMPABLE), matching the original implementation's
// Linux hardening (cli/src/crash_hardening.rs): both a setrlimit and a
// prctl are needed since a debugger attaching via ptrace can still force a
// dump of a non-dumpable process unless RLIMIT_CORE is also zero.
func applyPlatformHardening() error {
	limit := unix.Rlimit{Cur: 0, Max: 0}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &limit); err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0)
}
