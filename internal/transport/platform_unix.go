//go:build !windows

package transport

import "syscall"

func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// gracefulStop sends SIGTERM. Falls back to SIGKILL if SIGTERM fails.
func gracefulStop(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return err
	}
	return nil
}

// forceKill sends SIGKILL.
func forceKill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
