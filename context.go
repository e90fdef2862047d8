package encryptfs

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Context is the process-wide registry backing a mount: FileNode
// deduplication by plaintext path, FUSE file-handle allocation, and
// idle-timeout-driven lazy unmount (§4.6, grounded on
// original_source/encfs/Context.cpp).
type Context struct {
	mu sync.Mutex

	root *DirNode

	openFiles map[string]*FileNode
	fhMap     map[uint64]*FileNode
	nextFh    uint64

	usageCount   int32
	idleCount    int
	isUnmounting bool
	mountOnDemand bool

	unmountFS func() error
	log       *slog.Logger
	watcher   *fsnotify.Watcher
}

// NewContext constructs an empty registry. unmount is invoked once the
// idle-timeout state machine decides to lazily unmount; mountOnDemand
// suppresses that transition (the mount stays resident, waiting for the
// next access to remount lazily).
func NewContext(unmount func() error, mountOnDemand bool, log *slog.Logger) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{
		openFiles:     make(map[string]*FileNode),
		fhMap:         make(map[uint64]*FileNode),
		nextFh:        1,
		idleCount:     -1,
		mountOnDemand: mountOnDemand,
		unmountFS:     unmount,
		log:           log,
	}
}

// SetRoot installs the mount's DirNode.
func (c *Context) SetRoot(root *DirNode) {
	c.mu.Lock()
	c.root = root
	c.mu.Unlock()
}

// SetUnmountFunc replaces the callback UsageAndUnmount invokes once it
// decides to lazily unmount. buildEncFS installs a no-op placeholder since
// the real FUSE server isn't constructed until after the mount is built;
// a FUSE host calls this once it has a server to unmount.
func (c *Context) SetUnmountFunc(fn func() error) {
	c.mu.Lock()
	c.unmountFS = fn
	c.mu.Unlock()
}

// GetRoot returns the mount's DirNode, incrementing the usage counter
// unless skipUsageCount is set (used by internal housekeeping calls that
// shouldn't reset the idle timer).
func (c *Context) GetRoot(skipUsageCount bool) (*DirNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isUnmounting {
		return nil, ErrBusy
	}
	if !skipUsageCount {
		atomic.AddInt32(&c.usageCount, 1)
	}
	return c.root, nil
}

// UsageAndUnmount is invoked periodically (e.g. once per idle-check tick)
// to advance the idle-timeout state machine. It returns true once it has
// initiated an unmount.
func (c *Context) UsageAndUnmount(timeoutCycles int) bool {
	c.mu.Lock()

	if c.root == nil {
		c.mu.Unlock()
		return false
	}

	used := atomic.SwapInt32(&c.usageCount, 0)
	if used == 0 {
		c.idleCount++
	} else {
		c.idleCount = 0
	}

	if c.idleCount < timeoutCycles {
		c.mu.Unlock()
		return false
	}

	if len(c.openFiles) > 0 {
		if c.idleCount%timeoutCycles == 0 {
			c.log.Warn("filesystem inactive but files remain open", "count", len(c.openFiles))
		}
		c.mu.Unlock()
		return false
	}

	if c.mountOnDemand {
		c.mu.Unlock()
		return false
	}
	c.isUnmounting = true
	c.mu.Unlock()

	if c.unmountFS == nil {
		return false
	}
	if err := c.unmountFS(); err != nil {
		c.log.Warn("unmount failed", "error", err)
		return false
	}
	return true
}

// Lookup implements nodeRegistry.
func (c *Context) Lookup(plainPath string) (*FileNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.openFiles[plainPath]
	return node, ok
}

// Register implements nodeRegistry, also allocating the node's fuse
// handle.
func (c *Context) Register(plainPath string, node *FileNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openFiles[plainPath] = node
	fh := c.nextFh
	c.nextFh++
	c.fhMap[fh] = node
}

// Rename implements nodeRegistry.
func (c *Context) Rename(oldPlain, newPlain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.openFiles[oldPlain]
	if !ok {
		return
	}
	delete(c.openFiles, oldPlain)
	c.openFiles[newPlain] = node
	node.Rename(newPlain, node.cipherName)
}

// Unregister implements nodeRegistry, releasing the node's fuse handle
// entries too.
func (c *Context) Unregister(plainPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.openFiles[plainPath]
	if !ok {
		return
	}
	delete(c.openFiles, plainPath)
	for fh, n := range c.fhMap {
		if n == node {
			delete(c.fhMap, fh)
		}
	}
}

// LookupFuseFh returns the FileNode for a previously allocated fuse
// handle.
func (c *Context) LookupFuseFh(fh uint64) (*FileNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.fhMap[fh]
	return node, ok
}

// WatchBackingDir starts a best-effort fsnotify watch on the ciphertext
// root, logging externally-caused mutation for diagnostics only -- it
// never feeds back into any cache-invalidation logic, since the core
// makes no promise about concurrent external writers.
func (c *Context) WatchBackingDir(rootDir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(rootDir); err != nil {
		w.Close()
		return err
	}
	c.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				c.log.Debug("external backing-directory change", "event", ev.String())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warn("backing-directory watch error", "error", err)
			}
		}
	}()
	return nil
}

// StopWatch stops the backing-directory watch, if any.
func (c *Context) StopWatch() error {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Close()
}

// OpenFileCount reports the number of distinct open plaintext paths, used
// by unmount diagnostics and tests.
func (c *Context) OpenFileCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.openFiles)
}
