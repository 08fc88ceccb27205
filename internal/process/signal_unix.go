//go:build !windows

package process

import "syscall"

// signalGroup delivers sig to the child's process group, falling back to the
// pid itself when the group is already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}
