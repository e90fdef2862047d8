//go:build linux

package encryptfs

import (
	"os"
	"syscall"
)

// fileInode extracts the inode number backing fi, used only by reverse
// mode to derive a deterministic per-file IV (§4.2 "Reverse mode").
func fileInode(fi os.FileInfo) (uint64, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return st.Ino, true
}
