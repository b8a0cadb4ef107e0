package broker

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/vfsbroker/vfsbroker/backend"
	"github.com/vfsbroker/vfsbroker/blog"
)

// Whence values for Seek.
const (
	SeekSet = iota
	SeekCur
	SeekEnd
)

// Broker composes the registry, node cache, mount table and resolver
// into the client-facing operation set. It owns the single namespace
// rwlock and a fixed locking order:
//
//  1. namespace rwlock
//  2. mount-table mutex (internal to MountTable)
//  3. backend-registry mutex (internal to Registry)
//  4. descriptor mutex (per descriptor)
//  5. node contents rwlock (per node)
//
// Every exported method here acquires locks in that order and releases
// them in reverse, including on every error path: reply exactly once,
// release every lock, put every referenced node.
type Broker struct {
	ns       sync.RWMutex
	mounts   *MountTable
	cache    *NodeCache
	registry *Registry
	resolver *Resolver
}

// NewBroker constructs an empty broker: no root mounted, nothing
// cached, nothing registered.
func NewBroker() *Broker {
	mounts := NewMountTable()
	return &Broker{
		mounts:   mounts,
		cache:    NewNodeCache(),
		registry: NewRegistry(),
		resolver: NewResolver(mounts),
	}
}

// Registry exposes the backend registry so backend daemons can
// register themselves; it is the one piece of broker state not
// guarded by the namespace rwlock.
func (b *Broker) Registry() *Registry { return b.registry }

// Mounts exposes the mount table for the mtab enumerator.
func (b *Broker) Mounts() *MountTable { return b.mounts }

// Session is a per-client descriptor table. Descriptors are nominally
// per-client but may be shared between tasks within the client;
// callers sharing one Session across goroutines get that for free
// since DescriptorTable and Descriptor each carry their own lock.
type Session struct {
	// ID identifies this client across log lines; there is no wire
	// transport here to hand out a task id, so one is minted locally.
	ID          uuid.UUID
	Descriptors *DescriptorTable
}

func (s *Session) String() string { return s.ID.String() }

// NewSession constructs an empty per-client descriptor table under a
// freshly minted client id.
func NewSession() *Session {
	return &Session{ID: uuid.New(), Descriptors: NewDescriptorTable()}
}

func lookupResultOf(t backend.Triplet, size uint64, typ backend.NodeType) backend.LookupResult {
	return backend.LookupResult{Index: t.Index, Size: size, Type: typ}
}

// rootTriplet returns the namespace root, or ENOENT if nothing is
// mounted yet.
func (b *Broker) rootTriplet() (backend.Triplet, error) {
	root, ok := b.mounts.Root()
	if !ok {
		return backend.Triplet{}, Errorf(ENOENT, "no filesystem mounted at /")
	}
	return root.Root, nil
}

// --- Mount / Unmount ---------------------------------------------------------

// MountRoot implements the root-mount half of the mount protocol.
// fsName/instance are resolved through the backend registry; blocking
// controls whether that resolution waits for a not-yet-live backend.
func (b *Broker) MountRoot(ctx context.Context, fsName string, instance uint64, service backend.ServiceID, opts string, blocking bool) error {
	b.ns.Lock()
	defer b.ns.Unlock()

	if _, ok := b.mounts.Root(); ok {
		return Errorf(EBUSY, "root already mounted")
	}
	be, err := b.registry.Resolve(ctx, fsName, instance, blocking)
	if err != nil {
		return err
	}
	lr, err := be.Mounted(ctx, service, opts)
	if err != nil {
		return Errorf(EIO, "MOUNTED failed: %v", err)
	}
	triplet := backend.Triplet{Backend: be, Service: service, Index: lr.Index}
	node := b.cache.Get(triplet, lr)
	m := &Mount{
		MountPoint: "/",
		Root:       triplet,
		Instance:   instance,
		FSName:     fsName,
		Options:    opts,
		Caps:       be.Capabilities(),
		RootNode:   node,
	}
	if err := b.mounts.Install(m); err != nil {
		b.cache.Put(ctx, node)
		return err
	}
	blog.Logf(m, "mounted %s#%d as root", fsName, instance)
	return nil
}

// MountAt implements the non-root half of the mount protocol.
func (b *Broker) MountAt(ctx context.Context, mountPointPath string, fsName string, instance uint64, service backend.ServiceID, opts string, blocking bool) error {
	b.ns.Lock()
	defer b.ns.Unlock()

	root, ok := b.mounts.Root()
	if !ok {
		return Errorf(ENOENT, "cannot mount at %q before a root is mounted", mountPointPath)
	}
	resolved, err := b.resolver.Resolve(ctx, root.Root, mountPointPath, FDirectory)
	if err != nil {
		return err
	}
	mpNode := b.cache.Get(resolved.Triplet, lookupResultOf(resolved.Triplet, resolved.Size, resolved.Type))

	be, err := b.registry.Resolve(ctx, fsName, instance, blocking)
	if err != nil {
		b.cache.Put(ctx, mpNode)
		return err
	}

	// Exchanges on both backends are acquired (here: both interfaces
	// are already in hand) before the parent exchange is locked in by
	// the call below; the broker releases the parent exchange only
	// after the reply, never before, so a parent backend that
	// recursively calls back into the child (e.g. a loopback-file
	// mount whose backing file lives on the parent) cannot deadlock
	// against a lock the broker itself would need.
	lr, err := mpNode.Triplet.Backend.Mount(ctx, mpNode.Triplet.Service, mpNode.Triplet.Index, be.Clone(), service, opts)
	if err != nil {
		b.cache.Put(ctx, mpNode)
		return Errorf(EIO, "MOUNT failed: %v", err)
	}

	childTriplet := backend.Triplet{Backend: be, Service: service, Index: lr.Index}
	rootNode := b.cache.Get(childTriplet, lr)
	mpTriplet := mpNode.Triplet
	m := &Mount{
		MountPoint:        mountPointPath,
		MountPointTriplet: &mpTriplet,
		Root:              childTriplet,
		Instance:          instance,
		FSName:            fsName,
		Options:           opts,
		Caps:              be.Capabilities(),
		RootNode:          rootNode,
		MountPointNode:    mpNode,
	}
	if err := b.mounts.Install(m); err != nil {
		b.cache.Put(ctx, rootNode)
		b.cache.Put(ctx, mpNode)
		return err
	}
	blog.Logf(m, "mounted %s#%d at %s", fsName, instance, mountPointPath)
	return nil
}

// Unmount implements the unmount protocol, covering both the root and
// non-root cases.
func (b *Broker) Unmount(ctx context.Context, mountPointPath string) error {
	b.ns.Lock()
	defer b.ns.Unlock()

	m, ok := b.mounts.Lookup(mountPointPath)
	if !ok {
		return Errorf(ENOENT, "no mount at %q", mountPointPath)
	}

	// Step 1: resolve the mounted root, get its node (this is the
	// "just-taken reference for the unmount check").
	rootNode := b.cache.Get(m.Root, lookupResultOf(m.Root, m.RootNode.Size(), m.RootNode.Type))

	// Step 2: busy check. Expected sum is 2 (the mount reference plus
	// the reference just taken above) — anything more means a live
	// descriptor or another in-flight operation still holds the node.
	if sum := b.cache.RefcountSum(m.Root.Backend, m.Root.Service); sum > 2 {
		b.cache.Put(ctx, rootNode)
		return Errorf(EBUSY, "%s is busy (refcount %d)", mountPointPath, sum)
	}

	if m.MountPointTriplet != nil {
		// Step 3: non-root unmount.
		mp := *m.MountPointTriplet
		mpNode := b.cache.Get(mp, lookupResultOf(mp, m.MountPointNode.Size(), m.MountPointNode.Type))
		if err := mp.Backend.Unmount(ctx, mp.Service, mp.Index); err != nil {
			b.cache.Put(ctx, mpNode)
			b.cache.Put(ctx, rootNode)
			return Errorf(EIO, "UNMOUNT failed: %v", err)
		}
		b.cache.Put(ctx, mpNode)            // this call's own reference
		b.cache.Put(ctx, m.MountPointNode)  // the mount reference held since mount time
	} else {
		// Step 4: root unmount.
		if err := m.Root.Backend.Unmounted(ctx, m.Root.Service); err != nil {
			b.cache.Put(ctx, rootNode)
			return Errorf(EIO, "UNMOUNTED failed: %v", err)
		}
	}

	// Step 5: the child backend has already torn the subtree down;
	// forget the mounted-root node without notifying it again.
	b.cache.Forget(rootNode)

	// Step 6.
	b.mounts.Remove(mountPointPath)
	blog.Logf(m, "unmounted %s", mountPointPath)
	return nil
}

// --- Walk / Open ---------------------------------------------------------

// Walk resolves path starting at parentFD's node (or the namespace
// root when parentFD is negative) and allocates a new descriptor for
// the result. It never opens the node for I/O.
func (b *Broker) Walk(ctx context.Context, sess *Session, parentFD int, path string, flags Flag) (int, error) {
	b.ns.RLock()
	defer b.ns.RUnlock()

	base, perm, err := b.walkBase(sess, parentFD)
	if err != nil {
		return -1, err
	}

	resolved, err := b.resolver.Resolve(ctx, base, path, flags)
	if err != nil {
		return -1, err
	}

	node := b.cache.Get(resolved.Triplet, lookupResultOf(resolved.Triplet, resolved.Size, resolved.Type))
	d := &Descriptor{Node: node, Perm: perm}
	fd := sess.Descriptors.Alloc(false)
	if err := sess.Descriptors.Assign(fd, d); err != nil {
		b.cache.Put(ctx, node)
		return -1, err
	}
	return fd, nil
}

func (b *Broker) walkBase(sess *Session, parentFD int) (backend.Triplet, Perm, error) {
	if parentFD < 0 {
		root, err := b.rootTriplet()
		if err != nil {
			return backend.Triplet{}, 0, err
		}
		return root, PermRead | PermWrite | PermAppend, nil
	}
	pd, err := sess.Descriptors.Get(parentFD)
	if err != nil {
		return backend.Triplet{}, 0, err
	}
	pd.Mu.Lock()
	defer pd.Mu.Unlock()
	return pd.Node.Triplet, pd.Perm, nil
}

// Open validates mode against the descriptor's permissions and latches
// the open bits via OPEN_NODE.
func (b *Broker) Open(ctx context.Context, sess *Session, fd int, read, write bool) error {
	d, err := sess.Descriptors.Get(fd)
	if err != nil {
		return err
	}
	d.Mu.Lock()
	defer d.Mu.Unlock()

	if !read && !write {
		return Errorf(EINVAL, "open requires at least one of read or write")
	}
	if read && !d.Perm.Has(PermRead) {
		return Errorf(EPERM, "fd %d not permitted to read", fd)
	}
	if write && !d.Perm.Has(PermWrite) {
		return Errorf(EPERM, "fd %d not permitted to write", fd)
	}
	if write && d.Node.Type == backend.Directory {
		return Errorf(EINVAL, "cannot open a directory for writing")
	}

	if err := d.Node.Triplet.Backend.OpenNode(ctx, d.Node.Triplet.Service, d.Node.Triplet.Index, read, write); err != nil {
		return Errorf(EIO, "OPEN_NODE failed: %v", err)
	}
	d.OpenRead = d.OpenRead || read
	d.OpenWrite = d.OpenWrite || write
	if d.Perm.Has(PermAppend) {
		d.Append = write && d.Append || d.Append
	}
	return nil
}

// --- Read / Write ---------------------------------------------------------

// Read forwards a READ request. Reads on a directory additionally take
// the namespace read-lock so the namespace cannot mutate mid-
// enumeration; the namespace lock is acquired before the descriptor
// mutex and the node contents lock, preserving the broker's fixed lock
// order.
func (b *Broker) Read(ctx context.Context, sess *Session, fd int, buf []byte) (int, error) {
	d, err := sess.Descriptors.Get(fd)
	if err != nil {
		return 0, err
	}
	if d.Node.Type == backend.Directory {
		b.ns.RLock()
		defer b.ns.RUnlock()
	}
	d.Mu.Lock()
	defer d.Mu.Unlock()

	if !d.OpenRead {
		return 0, Errorf(EINVAL, "fd %d not open for reading", fd)
	}

	d.Node.Contents.RLock()
	defer d.Node.Contents.RUnlock()

	n, err := d.Node.Triplet.Backend.Read(ctx, d.Node.Triplet.Service, d.Node.Triplet.Index, int64(d.Pos), buf)
	if err != nil {
		return 0, Errorf(EIO, "READ failed: %v", err)
	}
	d.Pos += uint64(n)
	return n, nil
}

// Write forwards a WRITE request, choosing the contents lock mode from
// the backend's negotiated capabilities: a backend that tolerates
// concurrent read/write and whose writes never change size is entered
// in read mode, otherwise in write mode.
func (b *Broker) Write(ctx context.Context, sess *Session, fd int, buf []byte) (n int, newSize uint64, err error) {
	d, err := sess.Descriptors.Get(fd)
	if err != nil {
		return 0, 0, err
	}
	d.Mu.Lock()
	defer d.Mu.Unlock()

	if !d.OpenWrite {
		return 0, 0, Errorf(EINVAL, "fd %d not open for writing", fd)
	}

	caps := d.Node.Triplet.Backend.Capabilities()
	sizeStable := caps.ConcurrentReadWrite && caps.WriteRetainsSize
	if sizeStable {
		d.Node.Contents.RLock()
		defer d.Node.Contents.RUnlock()
	} else {
		d.Node.Contents.Lock()
		defer d.Node.Contents.Unlock()
	}

	if d.Append {
		d.Pos = d.Node.Size()
	}

	written, size, err := d.Node.Triplet.Backend.Write(ctx, d.Node.Triplet.Service, d.Node.Triplet.Index, int64(d.Pos), buf)
	if err != nil {
		return 0, 0, Errorf(EIO, "WRITE failed: %v", err)
	}
	if !caps.WriteRetainsSize {
		d.Node.setSize(size)
	}
	d.Pos += uint64(written)
	return written, d.Node.Size(), nil
}

// --- Seek / Truncate / Sync / Stat --------------------------------------------

// clampPos reports pos clamped to the signed-64-bit maximum, the
// largest position value a caller can be handed back.
func clampPos(pos uint64) int64 {
	if pos > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(pos)
}

// Seek implements SEEK_SET/SEEK_CUR/SEEK_END with overflow checks so a
// seek past the representable range reports EOVERFLOW instead of
// silently wrapping.
func (b *Broker) Seek(ctx context.Context, sess *Session, fd int, offset int64, whence int) (int64, error) {
	d, err := sess.Descriptors.Get(fd)
	if err != nil {
		return 0, err
	}
	d.Mu.Lock()
	defer d.Mu.Unlock()

	var base int64
	switch whence {
	case SeekSet:
		if offset < 0 {
			return 0, Errorf(EINVAL, "SEEK_SET requires a non-negative offset")
		}
		d.Pos = uint64(offset)
		return clampPos(d.Pos), nil
	case SeekCur:
		base = clampPos(d.Pos)
	case SeekEnd:
		d.Node.Contents.RLock()
		size := d.Node.Size()
		d.Node.Contents.RUnlock()
		base = clampPos(size)
	default:
		return 0, Errorf(EINVAL, "unknown whence %d", whence)
	}

	sum := base + offset
	overflowed := (offset > 0 && sum < base) || (offset < 0 && sum > base) || sum < 0
	if overflowed {
		return 0, Errorf(EOVERFLOW, "seek would move position out of range")
	}
	d.Pos = uint64(sum)
	return clampPos(d.Pos), nil
}

// Truncate forwards TRUNCATE and latches the new size under the node
// write-lock.
func (b *Broker) Truncate(ctx context.Context, sess *Session, fd int, newSize uint64) error {
	d, err := sess.Descriptors.Get(fd)
	if err != nil {
		return err
	}
	d.Mu.Lock()
	defer d.Mu.Unlock()

	d.Node.Contents.Lock()
	defer d.Node.Contents.Unlock()

	if err := d.Node.Triplet.Backend.Truncate(ctx, d.Node.Triplet.Service, d.Node.Triplet.Index, newSize); err != nil {
		return Errorf(EIO, "TRUNCATE failed: %v", err)
	}
	d.Node.setSize(newSize)
	return nil
}

// Sync forwards SYNC.
func (b *Broker) Sync(ctx context.Context, sess *Session, fd int) error {
	d, err := sess.Descriptors.Get(fd)
	if err != nil {
		return err
	}
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if err := d.Node.Triplet.Backend.Sync(ctx, d.Node.Triplet.Service, d.Node.Triplet.Index); err != nil {
		return Errorf(EIO, "SYNC failed: %v", err)
	}
	return nil
}

// Stat forwards FSTAT; the backend writes its reply payload directly
// into out.
func (b *Broker) Stat(ctx context.Context, sess *Session, fd int, out []byte) (int, error) {
	d, err := sess.Descriptors.Get(fd)
	if err != nil {
		return 0, err
	}
	d.Mu.Lock()
	defer d.Mu.Unlock()
	n, err := d.Node.Triplet.Backend.Stat(ctx, d.Node.Triplet.Service, d.Node.Triplet.Index, out)
	if err != nil {
		return 0, Errorf(EIO, "STAT failed: %v", err)
	}
	return n, nil
}

// Close frees fd and releases its node reference.
func (b *Broker) Close(ctx context.Context, sess *Session, fd int) error {
	d, err := sess.Descriptors.Get(fd)
	if err != nil {
		return err
	}
	b.cache.Put(ctx, d.Node)
	sess.Descriptors.Free(fd)
	return nil
}

// --- Unlink / Rename / Dup -----------------------------------------------------

// Unlink removes path's directory entry, optionally checking it still
// names the node behind expectFD first.
func (b *Broker) Unlink(ctx context.Context, sess *Session, parentFD int, expectFD int, path string, flags Flag) error {
	b.ns.Lock()
	defer b.ns.Unlock()

	base, _, err := b.walkBase(sess, parentFD)
	if err != nil {
		return err
	}

	if expectFD >= 0 {
		probe, err := b.resolver.Resolve(ctx, base, path, flags&^FUnlink)
		if err != nil {
			return err
		}
		ed, err := sess.Descriptors.Get(expectFD)
		if err != nil {
			return err
		}
		ed.Mu.Lock()
		match := ed.Node.Triplet.Equal(probe.Triplet)
		ed.Mu.Unlock()
		if !match {
			return Errorf(ENOENT, "expected fd %d does not name %q", expectFD, path)
		}
	}

	// MP is forced alongside UNLINK so the resolver's post-Terminal
	// mount-overlay check never descends into a child mount at the
	// terminal component: the name removed from the parent directory
	// is the mount point itself, never the mounted root.
	resolved, err := b.resolver.Resolve(ctx, base, path, flags|FUnlink|FMP)
	if err != nil {
		return err
	}
	// Get immediately followed by Put so that, if this was the last
	// link, DESTROY fires at the right moment.
	n := b.cache.Get(resolved.Triplet, lookupResultOf(resolved.Triplet, resolved.Size, resolved.Type))
	b.cache.Put(ctx, n)
	return nil
}

// Rename implements a best-effort atomic replace, compensating
// forward steps on failure.
func (b *Broker) Rename(ctx context.Context, sess *Session, baseFD int, oldPath, newPath string) error {
	b.ns.Lock()
	defer b.ns.Unlock()

	if isPrefix(oldPath, newPath) || isPrefix(newPath, oldPath) {
		return Errorf(EINVAL, "rename paths must not be prefixes of one another")
	}

	base, _, err := b.walkBase(sess, baseFD)
	if err != nil {
		return err
	}

	// Resolve old's triplet up front so it is available to relink on
	// failure and to Link at the destination on success.
	oldResolved, err := b.resolver.Resolve(ctx, base, oldPath, FDisableMounts|unlinkTypeless)
	if err != nil {
		return err
	}

	var displaced *backend.Triplet
	newExisted, err := b.resolver.Resolve(ctx, base, newPath, FDisableMounts|unlinkTypeless)
	if err == nil {
		t := newExisted.Triplet
		displaced = &t
		if _, err := b.resolver.Resolve(ctx, base, newPath, FDisableMounts|FUnlink|unlinkTypeless); err != nil {
			return err
		}
	}

	if _, err := b.resolver.Resolve(ctx, base, oldPath, FDisableMounts|FUnlink|unlinkTypeless); err != nil {
		if displaced != nil {
			b.relink(ctx, base, newPath, *displaced)
		}
		return err
	}

	dir, name := splitDir(newPath)
	dirResolved, err := b.resolver.Resolve(ctx, base, dir, FDirectory|FDisableMounts)
	if err != nil {
		b.relink(ctx, base, oldPath, oldResolved.Triplet)
		if displaced != nil {
			b.relink(ctx, base, newPath, *displaced)
		}
		return err
	}
	if err := dirResolved.Triplet.Backend.Link(ctx, dirResolved.Triplet.Service, dirResolved.Triplet.Index, name, oldResolved.Triplet.Index); err != nil {
		b.relink(ctx, base, oldPath, oldResolved.Triplet)
		if displaced != nil {
			b.relink(ctx, base, newPath, *displaced)
		}
		return Errorf(EIO, "LINK failed: %v", err)
	}

	if displaced != nil {
		n := b.cache.Get(*displaced, lookupResultOf(*displaced, 0, backend.Other))
		b.cache.Put(ctx, n)
	}
	return nil
}

// unlinkTypeless lets rename resolve either a file or a directory
// without asserting a type, since rename swaps whatever is there.
const unlinkTypeless Flag = 0

// relink is rename's compensation path: it re-creates triplet at path
// by issuing LINK directly against the resolved parent directory,
// ignoring errors since a compensation failure is fatal for the
// operation but leaves the namespace in its last observed state.
func (b *Broker) relink(ctx context.Context, base backend.Triplet, path string, triplet backend.Triplet) {
	dir, name := splitDir(path)
	dirResolved, err := b.resolver.Resolve(ctx, base, dir, FDirectory|FDisableMounts)
	if err != nil {
		blog.Errorf(nil, "rename compensation: could not resolve %q to relink: %v", dir, err)
		return
	}
	if err := dirResolved.Triplet.Backend.Link(ctx, dirResolved.Triplet.Service, dirResolved.Triplet.Index, name, triplet.Index); err != nil {
		blog.Errorf(nil, "rename compensation: could not relink %q: %v", path, err)
	}
}

// Dup binds oldFD's descriptor into newFD, bumping the node's
// refcount.
func (b *Broker) Dup(ctx context.Context, sess *Session, oldFD, newFD int) (int, error) {
	if oldFD == newFD {
		if _, err := sess.Descriptors.Get(oldFD); err != nil {
			return -1, err
		}
		return newFD, nil
	}
	old, err := sess.Descriptors.Get(oldFD)
	if err != nil {
		return -1, err
	}
	old.Mu.Lock()
	defer old.Mu.Unlock()

	if existing, err := sess.Descriptors.Get(newFD); err == nil {
		b.cache.Put(ctx, existing.Node)
	}
	b.cache.Get(old.Node.Triplet, lookupResultOf(old.Node.Triplet, old.Node.Size(), old.Node.Type))
	if err := sess.Descriptors.Assign(newFD, old); err != nil {
		b.cache.Put(ctx, old.Node)
		return -1, err
	}
	return newFD, nil
}
