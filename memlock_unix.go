//go:build linux || darwin

package encryptfs

import "golang.org/x/sys/unix"

// lockMemory best-effort mlocks key material so it is never written to
// swap. Failure is silent: mlock commonly fails under an unprivileged
// process's RLIMIT_MEMLOCK, and the key is still zeroed on release either
// way.
func lockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Mlock(b)
}

func unlockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munlock(b)
}
