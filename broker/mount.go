package broker

import (
	"sync"

	"github.com/vfsbroker/vfsbroker/backend"
)

// Mount is one entry of the mount table. The root of the namespace is
// a distinguished mount with MountPoint "/" and a nil MountPointTriplet.
type Mount struct {
	MountPoint        string
	MountPointTriplet *backend.Triplet // nil for the root mount
	Root              backend.Triplet
	Instance          uint64
	FSName            string
	Options           string
	Caps              backend.Capabilities

	// RootNode holds the single long-lived "mount reference" on the
	// mounted root.
	RootNode *Node
	// MountPointNode holds the reference taken on the mount-point node
	// when this is a non-root mount; released by unmount.
	MountPointNode *Node
}

func (m *Mount) String() string { return m.MountPoint }

// MountTable tracks mounted subtrees. It does not itself implement the
// mount/unmount *protocol* — that needs the namespace write-lock, the
// resolver and the node cache together and lives on the dispatcher —
// only the data-structure invariants: mount points are unique, and a
// triplet is the mount-point triplet of at most one mount.
type MountTable struct {
	mu       sync.Mutex
	byPath   map[string]*Mount
	byMPTrip map[backend.Triplet]*Mount
	byRoot   map[backend.Triplet]*Mount
	root     *Mount
}

// NewMountTable constructs an empty table (no root mounted yet).
func NewMountTable() *MountTable {
	return &MountTable{
		byPath:   make(map[string]*Mount),
		byMPTrip: make(map[backend.Triplet]*Mount),
		byRoot:   make(map[backend.Triplet]*Mount),
	}
}

// Root returns the root mount, if one has been installed.
func (t *MountTable) Root() (*Mount, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root, t.root != nil
}

// Lookup returns the mount entry for path, if any.
func (t *MountTable) Lookup(path string) (*Mount, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byPath[path]
	return m, ok
}

// LookupByMountPoint returns the mount that overlays triplet, if it is
// a mount point. This is how the resolver implements overlay lookup
// without a separate operation: after resolving a hop, it asks
// whether the result is a mount point and if so switches to the
// mounted-root triplet via m.Root.
func (t *MountTable) LookupByMountPoint(triplet backend.Triplet) (*Mount, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byMPTrip[triplet]
	return m, ok
}

// LookupByRoot returns the mount whose mounted root is triplet, the
// reverse of LookupByMountPoint. The resolver uses this to find where
// to continue a walk that has climbed past a mounted filesystem's own
// root (a CrossUp reply).
func (t *MountTable) LookupByRoot(triplet backend.Triplet) (*Mount, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byRoot[triplet]
	return m, ok
}

// Install adds m to the table, enforcing the uniqueness invariants.
// Callers hold the namespace write-lock across the whole mount
// protocol, so no additional synchronization is required between
// Install and the preceding checks the dispatcher made.
func (t *MountTable) Install(m *Mount) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.MountPointTriplet == nil {
		if t.root != nil {
			return Errorf(EINVAL, "root already mounted")
		}
		t.root = m
		t.byPath[m.MountPoint] = m
		t.byRoot[m.Root] = m
		return nil
	}
	if _, ok := t.byPath[m.MountPoint]; ok {
		return Errorf(EBUSY, "mount point %q already in use", m.MountPoint)
	}
	if _, ok := t.byMPTrip[*m.MountPointTriplet]; ok {
		return Errorf(EBUSY, "triplet %v is already a mount point", *m.MountPointTriplet)
	}
	t.byPath[m.MountPoint] = m
	t.byMPTrip[*m.MountPointTriplet] = m
	t.byRoot[m.Root] = m
	return nil
}

// Remove deletes the mount entry for path.
func (t *MountTable) Remove(path string) (*Mount, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byPath[path]
	if !ok {
		return nil, false
	}
	delete(t.byPath, path)
	delete(t.byRoot, m.Root)
	if m.MountPointTriplet != nil {
		delete(t.byMPTrip, *m.MountPointTriplet)
	} else {
		t.root = nil
	}
	return m, true
}

// Snapshot copies the table's entries for the mtab enumerator. Taken
// under the table mutex, then iterated without it, matching the mtab
// enumerator's snapshot-then-stream design.
func (t *MountTable) Snapshot() []Mount {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Mount, 0, len(t.byPath))
	for _, m := range t.byPath {
		out = append(out, *m)
	}
	return out
}
