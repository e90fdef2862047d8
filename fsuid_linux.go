//go:build linux

package encryptfs

import "golang.org/x/sys/unix"

// withFSIDs runs fn with the filesystem uid/gid temporarily switched to
// uid/gid (Linux setfsuid/setfsgid, per DirNode.mkdir in §4.5), restoring
// the previous ids afterward regardless of fn's outcome. If either switch
// fails, fn is not called and ErrPermission is returned.
func withFSIDs(uid, gid uint32, fn func() error) error {
	oldUID, err := unix.SetfsuidRetUid(int(uid))
	if err != nil {
		return ErrPermission
	}
	oldGID, err := unix.SetfsgidRetGid(int(gid))
	if err != nil {
		unix.SetfsuidRetUid(oldUID)
		return ErrPermission
	}

	err = fn()

	unix.SetfsgidRetGid(oldGID)
	unix.SetfsuidRetUid(oldUID)
	return err
}
