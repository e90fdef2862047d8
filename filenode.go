package encryptfs

import (
	"context"
	"sync"
)

// nodeCanary guards against use-after-release/destroy bugs in a FileNode's
// lifecycle (§3 "FileNode").
type nodeCanary int32

const (
	canaryOK nodeCanary = iota
	canaryReleased
	canaryDestroyed
)

// fileIOStack is the top of a FileNode's I/O stack (either a MACFileIO or,
// when MAC is disabled, a CipherFileIO directly), exposing arbitrary
// offset/length Read/Write via the embedded BlockIO plus size/truncate.
type fileIOStack interface {
	Read(req IORequest) (int, error)
	Write(req IORequest) (int, error)
	GetSize() (int64, error)
	TruncateBase(size int64) error
	Truncate(size int64) error
	Close() error
	Sync() error
}

// FileNode is the per-open-ciphertext-path object shared by every current
// opener of that path: one I/O stack, one mutex serializing all
// operations against it, and a fuse handle map key (§3 "FileNode").
type FileNode struct {
	mu sync.Mutex

	plaintextName string
	cipherName    string

	stack  fileIOStack
	cipher *CipherFileIO // kept for SetIV even when wrapped by a MACFileIO

	refCount int
	canary   nodeCanary
}

// NewFileNode wraps stack (and the cipher layer within it, for SetIV) as a
// freshly opened FileNode.
func NewFileNode(plaintextName, cipherName string, stack fileIOStack, cipherLayer *CipherFileIO) *FileNode {
	return &FileNode{
		plaintextName: plaintextName,
		cipherName:    cipherName,
		stack:         stack,
		cipher:        cipherLayer,
		refCount:      1,
		canary:        canaryOK,
	}
}

func (n *FileNode) checkCanary() error {
	switch n.canary {
	case canaryReleased:
		return NewInvariantError("filenode", "use of released FileNode "+n.plaintextName)
	case canaryDestroyed:
		return NewInvariantError("filenode", "use of destroyed FileNode "+n.plaintextName)
	}
	return nil
}

// Read reads len(p) bytes at offset off, returning fewer bytes at EOF.
func (n *FileNode) Read(ctx context.Context, p []byte, off int64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkCanary(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return n.stack.Read(IORequest{Offset: off, Data: p})
}

// Write writes p at offset off.
func (n *FileNode) Write(ctx context.Context, p []byte, off int64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkCanary(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return n.stack.Write(IORequest{Offset: off, Data: p})
}

// Size returns the current logical file size.
func (n *FileNode) Size() (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkCanary(); err != nil {
		return 0, err
	}
	return n.stack.GetSize()
}

// Truncate resizes the file.
func (n *FileNode) Truncate(size int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkCanary(); err != nil {
		return err
	}
	return n.stack.TruncateBase(size)
}

// Sync flushes the file to stable storage.
func (n *FileNode) Sync() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkCanary(); err != nil {
		return err
	}
	return n.stack.Sync()
}

// SetIV rewires the file's per-file-IV header to a new external
// (directory-chained) IV, used when the file's parent directory is
// renamed under chained name IVs (§4.5 "FileNode lookup").
func (n *FileNode) SetIV(externalIV uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkCanary(); err != nil {
		return err
	}
	if n.cipher == nil {
		return nil
	}
	return n.cipher.SetIV(externalIV)
}

// Retain increments the open-handle reference count.
func (n *FileNode) Retain() {
	n.mu.Lock()
	n.refCount++
	n.mu.Unlock()
}

// Release decrements the reference count and closes the I/O stack when it
// reaches zero, marking the node released so late users fail loudly
// instead of touching a closed backend. The returned bool tells the caller
// whether this was the last reference, so it can drop the node from the
// registry it was looked up in.
func (n *FileNode) Release() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkCanary(); err != nil {
		return false, err
	}
	n.refCount--
	if n.refCount > 0 {
		return false, nil
	}
	n.canary = canaryReleased
	return true, n.stack.Close()
}

// Rename updates the node's names in place after a successful backing
// rename, so subsequent lookups by the new plaintext path find it.
func (n *FileNode) Rename(newPlaintext, newCipher string) {
	n.mu.Lock()
	n.plaintextName = newPlaintext
	n.cipherName = newCipher
	n.mu.Unlock()
}

// PlaintextName returns the node's current plaintext path.
func (n *FileNode) PlaintextName() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.plaintextName
}
