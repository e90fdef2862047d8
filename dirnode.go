package encryptfs

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/absfs/absfs"
)

// configFileName is the on-disk name of the FS configuration record,
// skipped when listing the root directory's plaintext contents.
const configFileName = ".encfs6.xml"

// nodeRegistry deduplicates FileNodes by plaintext path (§4.6 "Context").
// DirNode depends only on this narrow interface so it can be tested
// without a full Context.
type nodeRegistry interface {
	Lookup(plainPath string) (*FileNode, bool)
	Register(plainPath string, node *FileNode)
	Rename(oldPlain, newPlain string)
	Unregister(plainPath string)
}

// stackFactory builds the Raw -> Cipher -> (optional MAC) I/O stack for a
// freshly opened ciphertext path, returning both the stack (for Read/Write)
// and its cipher layer (for SetIV during chained-IV renames).
type stackFactory func(cipherPath string, externalIV uint64) (fileIOStack, *CipherFileIO, error)

// DirNode owns a plaintext-to-ciphertext namespace translation over a
// rooted ciphertext tree (§4.5, grounded on
// original_source/encfs/DirNode.cpp).
type DirNode struct {
	mu sync.Mutex

	fs      absfs.FileSystem
	rootDir string
	codec   NameCodec

	chainedIV    bool
	reverse      bool
	escapePrefix string

	registry   nodeRegistry
	buildStack stackFactory
}

// NewDirNode constructs a DirNode rooted at rootDir on fs, translating
// names through codec.
func NewDirNode(fs absfs.FileSystem, rootDir string, codec NameCodec, chainedIV, reverse bool, registry nodeRegistry, buildStack stackFactory) *DirNode {
	escapePrefix := "+"
	if reverse {
		escapePrefix = "/"
	}
	return &DirNode{
		fs:           fs,
		rootDir:      strings.TrimSuffix(rootDir, "/"),
		codec:        codec,
		chainedIV:    chainedIV,
		reverse:      reverse,
		escapePrefix: escapePrefix,
		registry:     registry,
		buildStack:   buildStack,
	}
}

// HasDirectoryNameDependency reports whether renaming a directory
// invalidates the ciphertext names of everything beneath it.
func (d *DirNode) HasDirectoryNameDependency() bool { return d.chainedIV }

// CipherPath encrypts plaintextPath and prefixes the ciphertext root.
func (d *DirNode) CipherPath(plaintextPath string) (string, error) {
	if err := ValidateFilePath(plaintextPath); err != nil {
		return "", err
	}
	enc, err := d.CipherPathWithoutRoot(plaintextPath)
	if err != nil {
		return "", err
	}
	return d.rootDir + enc, nil
}

// CipherPathWithIV is CipherPath but also returns the chained IV produced
// by encoding the final path component (zero when IV chaining is off).
func (d *DirNode) CipherPathWithIV(plaintextPath string) (string, uint64, error) {
	var iv uint64
	enc, err := EncodePath(d.codec, plaintextPath, &iv, d.chainedIV)
	if err != nil {
		return "", 0, err
	}
	return d.rootDir + enc, iv, nil
}

// CipherPathWithoutRoot encrypts plaintextPath without the root prefix.
func (d *DirNode) CipherPathWithoutRoot(plaintextPath string) (string, error) {
	return EncodePath(d.codec, plaintextPath, nil, d.chainedIV)
}

// PlainPath decrypts a root-relative ciphertext path, honoring the
// escape-prefix convention for names that fail to decode.
func (d *DirNode) PlainPath(cipherPath string) (string, error) {
	if strings.HasPrefix(cipherPath, d.escapePrefix) {
		rest := strings.TrimPrefix(cipherPath, d.escapePrefix)
		return "/" + rest, nil
	}
	return DecodePath(d.codec, cipherPath, nil, d.chainedIV, d.escapePrefix)
}

// RelativeCipherPath is the encoded form of plaintextPath without the
// root prefix, preserving the escape convention for already-escaped
// input.
func (d *DirNode) RelativeCipherPath(plaintextPath string) (string, error) {
	if strings.HasPrefix(plaintextPath, d.escapePrefix) {
		return plaintextPath, nil
	}
	return EncodePath(d.codec, plaintextPath, nil, d.chainedIV)
}

// DirEntry is one decoded (or escaped) directory entry.
type DirEntry struct {
	PlaintextName string
	Invalid       bool // true if the raw ciphertext name failed to decode
}

// ReadDir lists the plaintext contents of a directory, skipping "." / ".."
// and, at the root, the on-disk configuration file.
func (d *DirNode) ReadDir(plaintextPath string) ([]DirEntry, error) {
	cyName, err := d.CipherPath(plaintextPath)
	if err != nil {
		return nil, err
	}

	f, err := d.fs.Open(cyName)
	if err != nil {
		return nil, NewIOError("opendir", cyName, err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, NewIOError("readdir", cyName, err)
	}

	isRoot := plaintextPath == "/" || plaintextPath == ""

	var iv uint64
	if d.chainedIV {
		if _, err := EncodePath(d.codec, plaintextPath, &iv, true); err != nil {
			return nil, err
		}
	}

	entries := make([]DirEntry, 0, len(names))
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		if isRoot && name == configFileName {
			continue
		}
		var ivp *uint64
		if d.chainedIV {
			componentIV := iv
			ivp = &componentIV
		}
		plain, err := d.codec.DecodeName(name, ivp)
		if err != nil {
			entries = append(entries, DirEntry{PlaintextName: name, Invalid: true})
			continue
		}
		entries = append(entries, DirEntry{PlaintextName: plain})
	}
	return entries, nil
}

// renameEl is one leg of a recursive chained-IV directory rename.
type renameEl struct {
	oldCName, newCName string
	oldPName, newPName string
	isDirectory        bool
}

// genRenameList recursively computes the ciphertext rename legs required
// when moving fromP to toP under a chained-IV name codec: every descendant
// entry's ciphertext name depends on its ancestor's plaintext path, so
// moving the ancestor invalidates every descendant name.
func (d *DirNode) genRenameList(fromP, toP string) ([]renameEl, error) {
	var fromIV, toIV uint64
	fromCPart, err := EncodePath(d.codec, fromP, &fromIV, true)
	if err != nil {
		return nil, err
	}
	if _, err := EncodePath(d.codec, toP, &toIV, true); err != nil {
		return nil, err
	}

	sourcePath := d.rootDir + fromCPart

	if fromIV == toIV {
		return nil, nil
	}

	f, err := d.fs.Open(sourcePath)
	if err != nil {
		return nil, NewIOError("opendir", sourcePath, err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, NewIOError("readdir", sourcePath, err)
	}

	var list []renameEl
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}

		localIV := fromIV
		plainName, err := d.codec.DecodeName(name, &localIV)
		if err != nil {
			continue
		}

		localIV = toIV
		newName, err := d.codec.EncodeName(plainName, &localIV)
		if err != nil {
			return nil, err
		}

		oldFull := sourcePath + "/" + name
		newFull := sourcePath + "/" + newName

		el := renameEl{
			oldCName: oldFull,
			newCName: newFull,
			oldPName: fromP + "/" + plainName,
			newPName: toP + "/" + plainName,
		}

		fi, err := d.fs.Stat(oldFull)
		if err == nil {
			el.isDirectory = fi.IsDir()
		}

		if el.isDirectory {
			sub, err := d.genRenameList(el.oldPName, el.newPName)
			if err != nil {
				return nil, err
			}
			list = append(list, sub...)
		}

		list = append(list, el)
	}
	return list, nil
}

// applyRenameList performs each leg of a rename list in order, undoing
// everything applied so far on the first failure.
func (d *DirNode) applyRenameList(list []renameEl) (err error) {
	applied := 0
	defer func() {
		if err != nil {
			for i := applied - 1; i >= 0; i-- {
				el := list[i]
				_ = d.fs.Rename(el.newCName, el.oldCName)
				d.registry.Rename(el.newPName, el.oldPName)
			}
		}
	}()

	for _, el := range list {
		var mtime time.Time
		if fi, statErr := d.fs.Stat(el.oldCName); statErr == nil {
			mtime = fi.ModTime()
		}

		d.registry.Rename(el.oldPName, el.newPName)
		if err = d.fs.Rename(el.oldCName, el.newCName); err != nil {
			d.registry.Rename(el.newPName, el.oldPName)
			return err
		}
		if !mtime.IsZero() {
			_ = d.fs.Chtimes(el.newCName, mtime, mtime)
		}
		applied++
	}
	return nil
}

// Rename moves fromPlaintext to toPlaintext. Under a chained-IV name
// codec, renaming a directory first recursively re-encrypts every
// descendant's ciphertext name (since each depends on the ancestor's
// plaintext path), then renames the directory itself; either phase
// failing rolls back everything already applied (§4.5 "Rename").
func (d *DirNode) Rename(fromPlaintext, toPlaintext string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fromCName, err := d.CipherPath(fromPlaintext)
	if err != nil {
		return err
	}
	toCName, err := d.CipherPath(toPlaintext)
	if err != nil {
		return err
	}

	var list []renameEl
	if d.chainedIV {
		if fi, statErr := d.fs.Stat(fromCName); statErr == nil && fi.IsDir() {
			list, err = d.genRenameList(fromPlaintext, toPlaintext)
			if err != nil {
				return err
			}
			if err := d.applyRenameList(list); err != nil {
				return err
			}
		}
	}

	var mtime time.Time
	fi, statErr := d.fs.Stat(fromCName)
	if statErr == nil {
		mtime = fi.ModTime()
	}

	d.registry.Rename(fromPlaintext, toPlaintext)
	if err := d.fs.Rename(fromCName, toCName); err != nil {
		d.registry.Rename(toPlaintext, fromPlaintext)
		if list != nil {
			_ = d.applyRenameList(reverseRenameList(list))
		}
		return NewIOError("rename", fromCName, err)
	}
	if !mtime.IsZero() {
		_ = d.fs.Chtimes(toCName, mtime, mtime)
	}
	return nil
}

func reverseRenameList(list []renameEl) []renameEl {
	out := make([]renameEl, len(list))
	for i, el := range list {
		out[len(list)-1-i] = renameEl{
			oldCName: el.newCName, newCName: el.oldCName,
			oldPName: el.newPName, newPName: el.oldPName,
			isDirectory: el.isDirectory,
		}
	}
	return out
}

// Mkdir creates a directory, switching to the requesting user's fs-uid/gid
// for the duration of the call so ownership lands correctly (§4.5
// "mknod/mkdir").
func (d *DirNode) Mkdir(plaintextPath string, perm os.FileMode, uid, gid uint32) error {
	cyName, err := d.CipherPath(plaintextPath)
	if err != nil {
		return err
	}
	return withFSIDs(uid, gid, func() error {
		if err := d.fs.Mkdir(cyName, perm); err != nil {
			return NewIOError("mkdir", cyName, err)
		}
		return nil
	})
}

// unlinkPolicy is passed to each Unlink call. hardRemove, when true,
// permits Unlink to remove a path even while a FileNode is open for it.
type unlinkPolicy struct {
	hardRemove bool
}

// Unlink removes a plaintext path. Unless hard-remove semantics are
// requested, refuses when a FileNode for that path is currently open.
func (d *DirNode) Unlink(plaintextPath string, policy unlinkPolicy) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !policy.hardRemove {
		if _, open := d.registry.Lookup(plaintextPath); open {
			return ErrBusy
		}
	}

	cyName, err := d.CipherPath(plaintextPath)
	if err != nil {
		return err
	}
	if err := d.fs.Remove(cyName); err != nil {
		return NewIOError("unlink", cyName, err)
	}
	return nil
}

// FindOrCreate returns the FileNode for plaintextPath, building a fresh
// I/O stack on first access and binding it to its path-derived external
// IV when chained-IV naming is enabled (§4.5 "FileNode lookup").
func (d *DirNode) FindOrCreate(plaintextPath string) (*FileNode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if node, ok := d.registry.Lookup(plaintextPath); ok {
		node.Retain()
		return node, nil
	}

	var iv uint64
	cyRelative, err := EncodePath(d.codec, plaintextPath, &iv, d.chainedIV)
	if err != nil {
		return nil, err
	}
	cyName := d.rootDir + cyRelative

	stack, cipherLayer, err := d.buildStack(cyName, iv)
	if err != nil {
		return nil, err
	}

	node := NewFileNode(plaintextPath, cyName, stack, cipherLayer)
	d.registry.Register(plaintextPath, node)
	return node, nil
}
