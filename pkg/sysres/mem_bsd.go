//go:build freebsd || openbsd || netbsd || dragonfly

package sysres

import "golang.org/x/sys/unix"

// totalSystemMemory returns total system RAM on BSD variants using sysctl.
func totalSystemMemory() (uint64, bool) {
	mem, err := unix.SysctlUint64("hw.physmem")
	if err == nil && mem > 0 {
		return mem, true
	}
	mem, err = unix.SysctlUint64("hw.realmem")
	if err == nil && mem > 0 {
		return mem, true
	}
	return 0, false
}
