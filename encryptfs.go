package encryptfs

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/absfs/absfs"
)

// plaintextSize converts a ciphertext file's on-disk size back to the
// logical size a caller of Stat should see, without opening the file:
// subtract the file-IV header (add it in reverse mode), then (if MAC is
// enabled) the per-block mac/random header. Mirrors the arithmetic
// CipherFileIO.GetSize and MACFileIO.GetSize perform on an open stack.
func (e *EncFS) plaintextSize(physical int64) int64 {
	hl := int64(0)
	if e.fsConfig.UniqueIV {
		hl = headerSize
	}
	if e.fsConfig.Reverse {
		return physical + hl
	}
	n := physical - hl
	if n < 0 {
		n = 0
	}
	if e.fsConfig.MACBytes == 0 && e.fsConfig.RandBytes == 0 {
		return n
	}
	headerLen := int64(e.fsConfig.MACBytes + e.fsConfig.RandBytes)
	physBs := int64(e.fsConfig.BlockSize)
	if physBs <= headerLen {
		return n
	}
	blocks := (n + physBs - 1) / physBs
	out := n - blocks*headerLen
	if out < 0 {
		out = 0
	}
	return out
}

// statFileInfo overrides Name and Size on top of the backing os.FileInfo so
// Stat reports the plaintext name and logical size rather than the
// ciphertext ones.
type statFileInfo struct {
	os.FileInfo
	name string
	size int64
}

func (fi *statFileInfo) Name() string { return fi.name }
func (fi *statFileInfo) Size() int64  { return fi.size }

// Separator reports the backing filesystem's path separator.
func (e *EncFS) Separator() uint8 { return uint8(os.PathSeparator) }

// ListSeparator reports the backing filesystem's path-list separator.
func (e *EncFS) ListSeparator() uint8 { return uint8(os.PathListSeparator) }

// Chdir is not meaningful for a mount rooted at a fixed plaintext tree;
// FUSE hosts never call it, and library callers should track their own
// working directory instead.
func (e *EncFS) Chdir(dir string) error {
	return NewValidationError("dir", dir, "encryptfs does not support Chdir; track the working path in the caller")
}

// Getwd always reports the plaintext root, since Chdir is unsupported.
func (e *EncFS) Getwd() (string, error) { return "/", nil }

// TempDir returns the backing filesystem's temp directory, unencrypted --
// there is no plaintext view of files outside the mount root.
func (e *EncFS) TempDir() string { return e.base.TempDir() }

// Open opens name for reading.
func (e *EncFS) Open(name string) (absfs.File, error) {
	return e.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates name for read-write access.
func (e *EncFS) Create(name string) (absfs.File, error) {
	return e.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// OpenFile opens name honoring flag, deduplicating against any other open
// handle for the same plaintext path (§4.5 "FileNode lookup").
func (e *EncFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	dir, err := e.ctx.GetRoot(false)
	if err != nil {
		return nil, err
	}

	if flag&os.O_CREATE == 0 {
		cyPath, err := dir.CipherPath(name)
		if err != nil {
			return nil, err
		}
		if _, err := e.base.Stat(cyPath); err != nil {
			return nil, os.ErrNotExist
		}
	}

	node, err := dir.FindOrCreate(name)
	if err != nil {
		return nil, err
	}
	if flag&os.O_TRUNC != 0 {
		if err := node.Truncate(0); err != nil {
			if closed, _ := node.Release(); closed {
				e.ctx.Unregister(name)
			}
			return nil, err
		}
	}

	f := &encryptedFile{
		node: node,
		fs:   e,
		flag: flag,
	}
	if flag&os.O_APPEND != 0 {
		if size, err := node.Size(); err == nil {
			f.offset = size
		}
	}
	return f, nil
}

// Mkdir creates a directory owned by the calling process's uid/gid.
func (e *EncFS) Mkdir(name string, perm os.FileMode) error {
	dir, err := e.ctx.GetRoot(false)
	if err != nil {
		return err
	}
	return dir.Mkdir(name, perm, uint32(os.Getuid()), uint32(os.Getgid()))
}

// MkdirAll creates name and any missing parents.
func (e *EncFS) MkdirAll(name string, perm os.FileMode) error {
	dir, err := e.ctx.GetRoot(false)
	if err != nil {
		return err
	}
	clean := strings.Trim(name, "/")
	if clean == "" {
		return nil
	}
	cur := ""
	for _, p := range strings.Split(clean, "/") {
		cur += "/" + p
		if err := dir.Mkdir(cur, perm, uint32(os.Getuid()), uint32(os.Getgid())); err != nil {
			cyPath, cErr := dir.CipherPath(cur)
			if cErr == nil {
				if fi, statErr := e.base.Stat(cyPath); statErr == nil && fi.IsDir() {
					continue
				}
			}
			return err
		}
	}
	return nil
}

// Remove removes a file or empty directory, refusing while it is open
// (§4.5 "Unlink").
func (e *EncFS) Remove(name string) error {
	dir, err := e.ctx.GetRoot(false)
	if err != nil {
		return err
	}
	return dir.Unlink(name, unlinkPolicy{})
}

// RemoveAll recursively removes a plaintext path and its descendants.
func (e *EncFS) RemoveAll(path string) error {
	dir, err := e.ctx.GetRoot(false)
	if err != nil {
		return err
	}
	cyPath, err := dir.CipherPath(path)
	if err != nil {
		return err
	}
	fi, err := e.base.Stat(cyPath)
	if err != nil {
		return nil
	}
	if fi.IsDir() {
		entries, err := dir.ReadDir(path)
		if err != nil {
			return err
		}
		for _, ent := range entries {
			if ent.Invalid {
				continue
			}
			if err := e.RemoveAll(strings.TrimSuffix(path, "/") + "/" + ent.PlaintextName); err != nil {
				return err
			}
		}
	}
	return dir.Unlink(path, unlinkPolicy{hardRemove: true})
}

// Rename moves oldpath to newpath, re-encrypting descendant names under
// chained-IV naming (§4.5 "Rename").
func (e *EncFS) Rename(oldpath, newpath string) error {
	dir, err := e.ctx.GetRoot(false)
	if err != nil {
		return err
	}
	return dir.Rename(oldpath, newpath)
}

// Stat returns file information with the plaintext name and logical size.
func (e *EncFS) Stat(name string) (os.FileInfo, error) {
	dir, err := e.ctx.GetRoot(true)
	if err != nil {
		return nil, err
	}
	cyPath, err := dir.CipherPath(name)
	if err != nil {
		return nil, err
	}
	fi, err := e.base.Stat(cyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
		}
		return nil, NewIOError("stat", name, err)
	}
	base := strings.TrimSuffix(name, "/")
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if fi.IsDir() {
		return &statFileInfo{FileInfo: fi, name: base, size: fi.Size()}, nil
	}
	return &statFileInfo{FileInfo: fi, name: base, size: e.plaintextSize(fi.Size())}, nil
}

// Chmod changes name's mode.
func (e *EncFS) Chmod(name string, mode os.FileMode) error {
	dir, err := e.ctx.GetRoot(false)
	if err != nil {
		return err
	}
	cyPath, err := dir.CipherPath(name)
	if err != nil {
		return err
	}
	return e.base.Chmod(cyPath, mode)
}

// Chtimes changes name's access and modification times.
func (e *EncFS) Chtimes(name string, atime, mtime time.Time) error {
	dir, err := e.ctx.GetRoot(false)
	if err != nil {
		return err
	}
	cyPath, err := dir.CipherPath(name)
	if err != nil {
		return err
	}
	return e.base.Chtimes(cyPath, atime, mtime)
}

// Chown changes name's owner and group.
func (e *EncFS) Chown(name string, uid, gid int) error {
	dir, err := e.ctx.GetRoot(false)
	if err != nil {
		return err
	}
	cyPath, err := dir.CipherPath(name)
	if err != nil {
		return err
	}
	return e.base.Chown(cyPath, uid, gid)
}

// Truncate resizes name to size bytes, going through any currently open
// FileNode so in-memory state (and other openers) stay consistent.
func (e *EncFS) Truncate(name string, size int64) error {
	dir, err := e.ctx.GetRoot(false)
	if err != nil {
		return err
	}
	node, err := dir.FindOrCreate(name)
	if err != nil {
		return err
	}
	defer func() {
		if closed, _ := node.Release(); closed {
			e.ctx.Unregister(name)
		}
	}()
	return node.Truncate(size)
}

// Readdir lists the plaintext contents of a directory.
func (e *EncFS) Readdir(name string) ([]DirEntry, error) {
	dir, err := e.ctx.GetRoot(true)
	if err != nil {
		return nil, err
	}
	return dir.ReadDir(name)
}
