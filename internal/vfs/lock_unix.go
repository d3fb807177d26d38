//go:build !windows

package vfs

import (
	"os"
	"syscall"
)

// lockFile takes an advisory exclusive flock on f, non-blocking.
func lockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}
