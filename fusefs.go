package encryptfs

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/absfs/absfs"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// idleCheckInterval is how often the mount's idle-timeout state machine
// (Context.UsageAndUnmount) is polled while a FUSE server is running.
// Opts.IdleTimeout is expressed in wall-clock time; timeoutCycles converts
// it to a cycle count against this interval (§4.6).
const idleCheckInterval = 30 * time.Second

// toErrno converts a core error to the syscall.Errno the go-fuse v2 API
// expects, reusing NegErrno's classification (§7).
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return syscall.Errno(-NegErrno(err))
}

func joinPlain(parent, name string) string {
	if parent == "/" || parent == "" {
		return "/" + name
	}
	return parent + "/" + name
}

func fillAttr(a *fuse.Attr, fi os.FileInfo) {
	mode := uint32(fi.Mode().Perm())
	if fi.IsDir() {
		mode |= syscall.S_IFDIR
	} else {
		mode |= syscall.S_IFREG
	}
	a.Mode = mode
	a.Size = uint64(fi.Size())
	a.Nlink = 1

	mtime := fi.ModTime()
	a.Mtime = uint64(mtime.Unix())
	a.Mtimensec = uint32(mtime.Nanosecond())
	a.Atime = a.Mtime
	a.Atimensec = a.Mtimensec
	a.Ctime = a.Mtime
	a.Ctimensec = a.Mtimensec

	a.Uid = uint32(os.Getuid())
	a.Gid = uint32(os.Getgid())
	if a.Size > 0 {
		a.Blocks = (a.Size + 511) / 512
	}
	a.Blksize = 4096
}

// FuseNode adapts EncFS's absfs.FileSystem surface to go-fuse v2's dynamic
// InodeEmbedder tree. Nodes are looked up on demand rather than held as
// persistent inodes, mirroring the go-fuse loopback filesystem's own
// approach to a tree whose true structure lives on backing storage
// (grounded on the bureau artifact store's tag/CAS FUSE tree, which
// resolves the same way against its own backing store).
type FuseNode struct {
	gofuse.Inode

	fs   *EncFS
	path string // plaintext path, "/" at the mount root
}

var (
	_ gofuse.InodeEmbedder = (*FuseNode)(nil)
	_ gofuse.NodeLookuper  = (*FuseNode)(nil)
	_ gofuse.NodeGetattrer = (*FuseNode)(nil)
	_ gofuse.NodeSetattrer = (*FuseNode)(nil)
	_ gofuse.NodeReaddirer = (*FuseNode)(nil)
	_ gofuse.NodeMkdirer   = (*FuseNode)(nil)
	_ gofuse.NodeRmdirer   = (*FuseNode)(nil)
	_ gofuse.NodeUnlinker  = (*FuseNode)(nil)
	_ gofuse.NodeRenamer   = (*FuseNode)(nil)
	_ gofuse.NodeCreater   = (*FuseNode)(nil)
	_ gofuse.NodeOpener    = (*FuseNode)(nil)
)

func (n *FuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child := joinPlain(n.path, name)
	fi, err := n.fs.Stat(child)
	if err != nil {
		return nil, syscall.ENOENT
	}
	fillAttr(&out.Attr, fi)

	mode := uint32(syscall.S_IFREG)
	if fi.IsDir() {
		mode = syscall.S_IFDIR
	}
	childNode := &FuseNode{fs: n.fs, path: child}
	return n.NewInode(ctx, childNode, gofuse.StableAttr{Mode: mode}), 0
}

func (n *FuseNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fi, err := n.fs.Stat(n.path)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, fi)
	return 0
}

func (n *FuseNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := n.fs.Truncate(n.path, int64(size)); err != nil {
			return toErrno(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := n.fs.Chmod(n.path, os.FileMode(mode)); err != nil {
			return toErrno(err)
		}
	}
	uid, hasUID := in.GetUID()
	gid, hasGID := in.GetGID()
	if hasUID || hasGID {
		fi, err := n.fs.Stat(n.path)
		if err != nil {
			return toErrno(err)
		}
		newUID, newGID := -1, -1
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			newUID, newGID = int(st.Uid), int(st.Gid)
		}
		if hasUID {
			newUID = int(uid)
		}
		if hasGID {
			newGID = int(gid)
		}
		if err := n.fs.Chown(n.path, newUID, newGID); err != nil {
			return toErrno(err)
		}
	}
	if mtime, ok := in.GetMTime(); ok {
		atime := mtime
		if a, ok := in.GetATime(); ok {
			atime = a
		}
		if err := n.fs.Chtimes(n.path, atime, mtime); err != nil {
			return toErrno(err)
		}
	}

	fi, err := n.fs.Stat(n.path)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, fi)
	return 0
}

func (n *FuseNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := n.fs.Readdir(n.path)
	if err != nil {
		return nil, toErrno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, ent := range entries {
		if ent.Invalid {
			continue
		}
		out = append(out, fuse.DirEntry{Name: ent.PlaintextName})
	}
	return gofuse.NewListDirStream(out), 0
}

func (n *FuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child := joinPlain(n.path, name)
	if err := n.fs.Mkdir(child, os.FileMode(mode)); err != nil {
		return nil, toErrno(err)
	}
	fi, err := n.fs.Stat(child)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, fi)
	childNode := &FuseNode{fs: n.fs, path: child}
	return n.NewInode(ctx, childNode, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
}

func (n *FuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fs.Remove(joinPlain(n.path, name)))
}

func (n *FuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fs.Remove(joinPlain(n.path, name)))
}

func (n *FuseNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dstNode, ok := newParent.(*FuseNode)
	if !ok {
		return syscall.EXDEV
	}
	return toErrno(n.fs.Rename(joinPlain(n.path, name), joinPlain(dstNode.path, newName)))
}

func (n *FuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	child := joinPlain(n.path, name)
	f, err := n.fs.OpenFile(child, int(flags)|os.O_CREATE, os.FileMode(mode))
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	fi, err := n.fs.Stat(child)
	if err != nil {
		f.Close()
		return nil, nil, 0, toErrno(err)
	}
	fillAttr(&out.Attr, fi)
	childNode := &FuseNode{fs: n.fs, path: child}
	inode := n.NewInode(ctx, childNode, gofuse.StableAttr{Mode: syscall.S_IFREG})
	return inode, &fuseFileHandle{f: f}, 0, 0
}

func (n *FuseNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	f, err := n.fs.OpenFile(n.path, int(flags), 0)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &fuseFileHandle{f: f}, 0, 0
}

// fuseFileHandle adapts an open absfs.File onto go-fuse v2's FileHandle
// interfaces, one per open plaintext path per Open/Create call (multiple
// handles on the same path share the underlying FileNode via
// EncFS.OpenFile's dedup, so concurrent handles observe consistent data).
type fuseFileHandle struct {
	f absfs.File
}

var (
	_ gofuse.FileHandle   = (*fuseFileHandle)(nil)
	_ gofuse.FileReader   = (*fuseFileHandle)(nil)
	_ gofuse.FileWriter   = (*fuseFileHandle)(nil)
	_ gofuse.FileFlusher  = (*fuseFileHandle)(nil)
	_ gofuse.FileFsyncer  = (*fuseFileHandle)(nil)
	_ gofuse.FileReleaser = (*fuseFileHandle)(nil)
)

func (h *fuseFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.f.ReadAt(dest, off)
	if err != nil && n == 0 {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fuseFileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.f.WriteAt(data, off)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), 0
}

func (h *fuseFileHandle) Flush(ctx context.Context) syscall.Errno {
	return toErrno(h.f.Sync())
}

func (h *fuseFileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return toErrno(h.f.Sync())
}

func (h *fuseFileHandle) Release(ctx context.Context) syscall.Errno {
	return toErrno(h.f.Close())
}

// Mount starts a FUSE server exposing e at mountPoint. The returned server
// is not waited on; call server.Wait() (or Unmount()) from the caller.
// Grounded on the bureau artifact store's own gofuse.Mount call shape.
func Mount(e *EncFS, mountPoint string, allowOther bool) (*fuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, NewIOError("mkdir", mountPoint, err)
	}

	root := &FuseNode{fs: e, path: "/"}
	entryTimeout := time.Second
	attrTimeout := time.Second

	server, err := gofuse.Mount(mountPoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "encryptfs",
			Name:       "encryptfs",
			AllowOther: allowOther,
		},
	})
	if err != nil {
		return nil, NewIOError("mount", mountPoint, err)
	}

	ctx := e.Context()
	ctx.SetUnmountFunc(server.Unmount)

	if e.opts != nil && e.opts.IdleTimeout > 0 {
		timeoutCycles := int(e.opts.IdleTimeout / idleCheckInterval)
		if timeoutCycles < 1 {
			timeoutCycles = 1
		}
		go runIdleWatch(ctx, timeoutCycles)
	}

	return server, nil
}

func runIdleWatch(ctx *Context, timeoutCycles int) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for range ticker.C {
		if ctx.UsageAndUnmount(timeoutCycles) {
			return
		}
	}
}
