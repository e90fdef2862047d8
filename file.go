package encryptfs

import (
	"context"
	"io"
	"io/fs"
	"os"
)

// encryptedFile is a per-open-handle view onto a shared FileNode: its own
// read/write cursor and open flags, but content and locking live on the
// node so concurrent opens of the same plaintext path serialize correctly
// and see each other's writes (§3 "FileNode").
type encryptedFile struct {
	node   *FileNode
	fs     *EncFS
	flag   int
	offset int64
	closed bool
}

// Name returns the file's plaintext path.
func (f *encryptedFile) Name() string { return f.node.PlaintextName() }

// Read reads the next len(p) bytes at the file's cursor.
func (f *encryptedFile) Read(p []byte) (int, error) {
	n, err := f.node.Read(context.Background(), p, f.offset)
	f.offset += int64(n)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// Write writes p at the file's cursor, extending the file as needed.
func (f *encryptedFile) Write(p []byte) (int, error) {
	n, err := f.node.Write(context.Background(), p, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteString writes s at the file's cursor.
func (f *encryptedFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// Seek repositions the file's cursor.
func (f *encryptedFile) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	case io.SeekEnd:
		size, err := f.node.Size()
		if err != nil {
			return 0, err
		}
		newOffset = size + offset
	default:
		return 0, NewValidationError("whence", whence, "invalid whence value")
	}
	if newOffset < 0 {
		return 0, NewValidationError("offset", newOffset, "negative position")
	}
	f.offset = newOffset
	return f.offset, nil
}

// Close releases this handle's reference to the FileNode, closing and
// unregistering the underlying I/O stack once every opener has closed.
func (f *encryptedFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	closed, err := f.node.Release()
	if closed {
		f.fs.ctx.Unregister(f.node.PlaintextName())
	}
	return err
}

// Sync flushes the file to stable storage.
func (f *encryptedFile) Sync() error { return f.node.Sync() }

// Stat returns file information with the plaintext name and logical size.
func (f *encryptedFile) Stat() (os.FileInfo, error) {
	return f.fs.Stat(f.node.PlaintextName())
}

// Readdir is only meaningful for directory handles, which encryptedFile
// never represents -- directories are listed via EncFS.Readdir.
func (f *encryptedFile) Readdir(n int) ([]os.FileInfo, error) {
	return nil, NewValidationError("file", f.node.PlaintextName(), "not a directory")
}

// ReadDir is only meaningful for directory handles, which encryptedFile
// never represents -- directories are listed via EncFS.Readdir.
func (f *encryptedFile) ReadDir(n int) ([]fs.DirEntry, error) {
	return nil, NewValidationError("file", f.node.PlaintextName(), "not a directory")
}

// Readdirnames is only meaningful for directory handles; see Readdir.
func (f *encryptedFile) Readdirnames(n int) ([]string, error) {
	return nil, NewValidationError("file", f.node.PlaintextName(), "not a directory")
}

// ReadAt reads len(b) bytes at a fixed offset, independent of the file's
// cursor.
func (f *encryptedFile) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, NewValidationError("offset", off, "negative offset")
	}
	n, err := f.node.Read(context.Background(), b, off)
	if err == nil && n < len(b) {
		err = io.EOF
	}
	return n, err
}

// WriteAt writes b at a fixed offset, independent of the file's cursor.
func (f *encryptedFile) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, NewValidationError("offset", off, "negative offset")
	}
	return f.node.Write(context.Background(), b, off)
}

// Truncate resizes the file.
func (f *encryptedFile) Truncate(size int64) error {
	if size < 0 {
		return NewValidationError("size", size, "negative size")
	}
	return f.node.Truncate(size)
}
