// Package memfs is a minimal in-memory filesystem server implementing
// the backend.Backend interface: a concrete, fully real implementation
// usable both as a working default and as the fixture every broker
// test mounts against, since this repository has no access to a real
// external filesystem daemon.
package memfs

import (
	"context"
	"sync"

	"github.com/vfsbroker/vfsbroker/backend"
	"github.com/vfsbroker/vfsbroker/blog"
)

const rootIndex backend.Index = 0

type inode struct {
	mu       sync.Mutex
	typ      backend.NodeType
	data     []byte
	children map[string]backend.Index
	parent   backend.Index
}

// FS is one instance of the in-memory filesystem, registered under a
// (name, instance) pair.
type FS struct {
	name string

	mu    sync.RWMutex
	nodes map[backend.Index]*inode
	next  backend.Index

	caps backend.Capabilities
}

// New constructs a fresh, empty memfs instance named name. caps lets
// tests exercise both the serialised and the concurrent-rw dispatcher
// paths.
func New(name string, caps backend.Capabilities) *FS {
	f := &FS{
		name:  name,
		nodes: make(map[backend.Index]*inode),
		caps:  caps,
	}
	f.nodes[rootIndex] = &inode{typ: backend.Directory, children: make(map[string]backend.Index), parent: rootIndex}
	f.next = rootIndex + 1
	return f
}

func (f *FS) Name() string { return f.name }

// Clone returns f itself: memfs has no per-connection state to
// distinguish, so cloning is a no-op identity. A real backend daemon
// would open a second socket to the same server here.
func (f *FS) Clone() backend.Conn { return f }

func (f *FS) Capabilities() backend.Capabilities { return f.caps }

func (f *FS) Mounted(ctx context.Context, service backend.ServiceID, opts string) (backend.LookupResult, error) {
	blog.Debugf(f, "MOUNTED service=%d opts=%q", service, opts)
	return backend.LookupResult{Index: rootIndex, Size: 0, Type: backend.Directory}, nil
}

func (f *FS) Unmounted(ctx context.Context, service backend.ServiceID) error {
	blog.Debugf(f, "UNMOUNTED service=%d", service)
	return nil
}

// Mount grafts a child backend's root at (mountpoint, mountpointIdx).
// memfs has no notion of a mount table of its own — the broker owns
// that — so this only validates the mount point is a directory and
// forwards to the child so its root can be discovered.
func (f *FS) Mount(ctx context.Context, mountpoint backend.ServiceID, mountpointIdx backend.Index, child backend.Conn, childService backend.ServiceID, opts string) (backend.LookupResult, error) {
	f.mu.RLock()
	n, ok := f.nodes[mountpointIdx]
	f.mu.RUnlock()
	if !ok || n.typ != backend.Directory {
		return backend.LookupResult{}, backend.ErrNotDirectory
	}
	cb, ok := child.(*FS)
	if !ok {
		return backend.LookupResult{}, backend.ErrUnsupportedChild
	}
	return cb.Mounted(ctx, childService, opts)
}

func (f *FS) Unmount(ctx context.Context, parent backend.ServiceID, parentIdx backend.Index) error {
	blog.Debugf(f, "UNMOUNT at index=%d", parentIdx)
	return nil
}

// Lookup resolves exactly one path component against base: empty (or
// ".") means base itself, ".." climbs to base's parent (or reports
// CrossUp if base is f's own root and there is nowhere further up to
// go inside f), and anything else looks up — and, per flags, may
// create or remove — a single named child of base. The resolver calls
// this once per path component, so f never needs to know whether the
// component it was asked to resolve is the final one in a larger walk.
func (f *FS) Lookup(ctx context.Context, service backend.ServiceID, base backend.Index, component string, flags backend.LookupFlags) (backend.LookupReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if component == "" || component == "." {
		return backend.LookupReply{Kind: backend.Terminal, Result: f.resultOf(base)}, nil
	}

	if component == ".." {
		n, ok := f.nodes[base]
		if !ok {
			return backend.LookupReply{}, backend.ErrStaleNode
		}
		if base == rootIndex {
			return backend.LookupReply{
				Kind: backend.CrossUp,
				At:   backend.LookupResult{Index: rootIndex, Type: backend.Directory},
			}, nil
		}
		return backend.LookupReply{Kind: backend.Terminal, Result: f.resultOf(n.parent)}, nil
	}

	n, ok := f.nodes[base]
	if !ok || n.typ != backend.Directory {
		return backend.LookupReply{}, backend.ErrNotDirectory
	}
	childIdx, found := n.children[component]

	if !found {
		if !flags.Create {
			return backend.LookupReply{}, backend.ErrNotFound
		}
		if flags.Unlink {
			return backend.LookupReply{}, backend.ErrNotFound
		}
		childIdx = f.create(base, n, component, flags)
	} else if flags.Create && flags.Exclusive {
		return backend.LookupReply{}, backend.ErrExists
	}

	if flags.Unlink {
		child := f.nodes[childIdx]
		if child.typ == backend.Directory && len(child.children) > 0 {
			return backend.LookupReply{}, backend.ErrNotEmpty
		}
		delete(n.children, component)
		return backend.LookupReply{Kind: backend.Terminal, Result: f.resultOf(childIdx)}, nil
	}

	child := f.nodes[childIdx]
	if flags.Directory && child.typ != backend.Directory {
		return backend.LookupReply{}, backend.ErrNotDirectory
	}
	if flags.File && child.typ == backend.Directory {
		return backend.LookupReply{}, backend.ErrIsDirectory
	}
	return backend.LookupReply{Kind: backend.Terminal, Result: f.resultOf(childIdx)}, nil
}

func (f *FS) create(parentIdx backend.Index, parent *inode, name string, flags backend.LookupFlags) backend.Index {
	idx := f.next
	f.next++
	typ := backend.Regular
	if flags.Directory {
		typ = backend.Directory
	}
	n := &inode{typ: typ, parent: parentIdx}
	if typ == backend.Directory {
		n.children = make(map[string]backend.Index)
	}
	f.nodes[idx] = n
	parent.children[name] = idx
	return idx
}

func (f *FS) resultOf(idx backend.Index) backend.LookupResult {
	n := f.nodes[idx]
	n.mu.Lock()
	size := uint64(len(n.data))
	typ := n.typ
	n.mu.Unlock()
	return backend.LookupResult{Index: idx, Size: size, Type: typ}
}

func (f *FS) OpenNode(ctx context.Context, service backend.ServiceID, idx backend.Index, read, write bool) error {
	f.mu.RLock()
	_, ok := f.nodes[idx]
	f.mu.RUnlock()
	if !ok {
		return backend.ErrStaleNode
	}
	return nil
}

func (f *FS) Read(ctx context.Context, service backend.ServiceID, idx backend.Index, pos int64, buf []byte) (int, error) {
	f.mu.RLock()
	n, ok := f.nodes[idx]
	f.mu.RUnlock()
	if !ok {
		return 0, backend.ErrStaleNode
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if pos < 0 || pos >= int64(len(n.data)) {
		return 0, nil
	}
	return copy(buf, n.data[pos:]), nil
}

func (f *FS) Write(ctx context.Context, service backend.ServiceID, idx backend.Index, pos int64, buf []byte) (int, uint64, error) {
	f.mu.RLock()
	n, ok := f.nodes[idx]
	f.mu.RUnlock()
	if !ok {
		return 0, 0, backend.ErrStaleNode
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	end := pos + int64(len(buf))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[pos:end], buf)
	return len(buf), uint64(len(n.data)), nil
}

func (f *FS) Truncate(ctx context.Context, service backend.ServiceID, idx backend.Index, size uint64) error {
	f.mu.RLock()
	n, ok := f.nodes[idx]
	f.mu.RUnlock()
	if !ok {
		return backend.ErrStaleNode
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if uint64(len(n.data)) == size {
		return nil
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	return nil
}

func (f *FS) Sync(ctx context.Context, service backend.ServiceID, idx backend.Index) error {
	return nil
}

func (f *FS) Stat(ctx context.Context, service backend.ServiceID, idx backend.Index, out []byte) (int, error) {
	f.mu.RLock()
	n, ok := f.nodes[idx]
	f.mu.RUnlock()
	if !ok {
		return 0, backend.ErrStaleNode
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s := []byte{byte(n.typ), byte(len(n.data)), byte(len(n.data) >> 8)}
	return copy(out, s), nil
}

func (f *FS) Destroy(ctx context.Context, service backend.ServiceID, idx backend.Index) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// A node still named by some directory entry is kept: the broker
	// sends DESTROY whenever its last reference goes, including on a
	// plain close, and only an unlinked node is freed.
	for _, n := range f.nodes {
		for _, c := range n.children {
			if c == idx {
				blog.Debugf(f, "DESTROY index=%d: still linked, kept", idx)
				return
			}
		}
	}
	blog.Debugf(f, "DESTROY index=%d", idx)
	delete(f.nodes, idx)
}

func (f *FS) Link(ctx context.Context, service backend.ServiceID, dir backend.Index, name string, target backend.Index) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.nodes[dir]
	if !ok || d.typ != backend.Directory {
		return backend.ErrNotDirectory
	}
	if _, ok := d.children[name]; ok {
		return backend.ErrExists
	}
	d.children[name] = target
	return nil
}
