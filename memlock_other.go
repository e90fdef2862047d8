//go:build !linux && !darwin

package encryptfs

// lockMemory is a no-op on platforms without an mlock-equivalent wired up.
func lockMemory(b []byte) {}

func unlockMemory(b []byte) {}
