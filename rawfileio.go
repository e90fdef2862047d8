package encryptfs

import (
	"errors"
	"io"

	"github.com/absfs/absfs"
)

// RawFileIO is the bottom of the I/O stack: a blockBackend that reads and
// writes raw ciphertext bytes directly against an open absfs.File, with no
// header, MAC, or per-block IV logic of its own (§4, analogous to
// RawFileIO.cpp -- the layer everything else composes on top of).
type RawFileIO struct {
	f absfs.File
}

// NewRawFileIO wraps an already-open absfs.File.
func NewRawFileIO(f absfs.File) *RawFileIO {
	return &RawFileIO{f: f}
}

// ReadOneBlock reads len(req.Data) bytes at req.Offset, returning fewer
// bytes than requested (without error) at end of file, matching pread
// semantics rather than io.Reader's io.EOF convention.
func (r *RawFileIO) ReadOneBlock(req IORequest) (int, error) {
	if err := ValidateOffset(req.Offset, "offset"); err != nil {
		return 0, err
	}
	n, err := r.f.ReadAt(req.Data, req.Offset)
	if err != nil && n == 0 {
		if isEOF(err) {
			return 0, nil
		}
		return 0, NewIOError("read", "", err)
	}
	return n, nil
}

// WriteOneBlock writes req.Data at req.Offset.
func (r *RawFileIO) WriteOneBlock(req IORequest) (int, error) {
	if err := ValidateReadWrite(req.Data, req.Offset); err != nil {
		return 0, err
	}
	n, err := r.f.WriteAt(req.Data, req.Offset)
	if err != nil {
		return n, NewIOError("write", "", err)
	}
	return n, nil
}

// GetSize returns the current file size in bytes.
func (r *RawFileIO) GetSize() (int64, error) {
	fi, err := r.f.Stat()
	if err != nil {
		return 0, NewIOError("stat", "", err)
	}
	return fi.Size(), nil
}

// Truncate resizes the underlying file.
func (r *RawFileIO) Truncate(size int64) error {
	if err := r.f.Truncate(size); err != nil {
		return NewIOError("truncate", "", err)
	}
	return nil
}

// Close closes the underlying file.
func (r *RawFileIO) Close() error {
	return r.f.Close()
}

// Sync flushes the underlying file to stable storage.
func (r *RawFileIO) Sync() error {
	return r.f.Sync()
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
