// Package backend defines the request vocabulary the broker issues to
// a filesystem server. A Backend is addressed by the broker through
// this interface only; the broker never knows whether it is talking
// to a real daemon over a socket or (as in tests, see backend/memfs)
// an in-process map.
//
// Every method may block — a Go interface call is this repository's
// idiomatic stand-in for an IPC request/reply pair with an inline
// argument phase and an optional bulk-data phase. A caller that needs
// to pass a large payload (mount options, read/write bulk data) does
// so as an ordinary argument; there is no separate wire encoding to
// model since the low-level transport is out of scope for this
// repository.
package backend

import "context"

// NodeType mirrors the broker's VFS node type.
type NodeType int

const (
	Other NodeType = iota
	Directory
	Regular
)

// Index is the backend-assigned component of a triplet.
type Index uint64

// ServiceID names a mounted filesystem instance within one backend
// connection, e.g. one tmpfs instance versus another on the same
// backend daemon.
type ServiceID uint32

// LookupResult is the transient result of a LOOKUP call. Never cached
// by the caller; the broker interns it into a node via NodeCache.Get.
type LookupResult struct {
	Index Index
	Size  uint64
	Type  NodeType
}

// Capabilities are recorded on the mount entry at mount time; the
// dispatcher's Write re-queries them from the backend on each call.
type Capabilities struct {
	// ConcurrentReadWrite means this backend tolerates a read and a
	// write against the same node running concurrently.
	ConcurrentReadWrite bool
	// WriteRetainsSize means a write against this backend never
	// changes the reported size of a node (e.g. fixed-size block
	// devices). When false, writes are assumed to be able to grow the
	// node and must be serialised against size-reading reads.
	WriteRetainsSize bool
}

// CrossKind tells the resolver what a LOOKUP reply that didn't land on
// a plain terminal means. Downward crossing (walking onto a mount
// point) is not something a backend can know about — only the broker's
// mount table does — so the resolver itself detects that case after a
// Terminal reply. The only crossing a backend originates is upward: it
// hit its own mounted root and the remaining path, if any, belongs to
// whatever backend mounted it there.
type CrossKind int

const (
	// Terminal: the walk finished in this backend.
	Terminal CrossKind = iota
	// CrossUp: the remaining path must continue in the backend that
	// mounted this one at its root (walking ".." past a mount root).
	CrossUp
)

// LookupReply is what a LOOKUP call returns: either a terminal result,
// or an instruction to continue the walk in a different backend.
type LookupReply struct {
	Kind   CrossKind
	Result LookupResult // valid when Kind == Terminal
	At     LookupResult // the triplet the walk stopped at, for Cross* kinds
}

// LookupFlags mirror the resolver's flag set; the backend only needs
// to know about the bits that change its own behavior, and only ever
// sees them set on the call that resolves the walk's final component
// — mount-overlay suppression (MP, DISABLE_MOUNTS) is decided entirely
// by the resolver against the mount table, so the backend never needs
// to know about it.
type LookupFlags struct {
	Directory bool
	File      bool
	Create    bool
	Exclusive bool
	Unlink    bool
}

// Conn is the broker-facing handle to one backend daemon connection —
// an opaque request channel. A Backend instance is obtained from the
// registry already bound to one Conn; Conn itself is exposed so the
// mount protocol can splice a child connection into a parent call.
type Conn interface {
	// Clone returns a handle equivalent to this one that the receiver
	// (a backend) can use to address the same daemon independently,
	// e.g. to recursively call back into it. Used when mounting a
	// file-backed device whose backing file lives on the parent
	// filesystem.
	Clone() Conn
}

// Backend is the full request vocabulary a mounted filesystem server
// answers. All Index/ServiceID pairs passed in address a node already
// known to the backend from a prior LOOKUP or MOUNTED reply.
type Backend interface {
	Conn

	// Name is the registered filesystem name (e.g. "tmpfs").
	Name() string

	// Mounted is sent exactly once, when this backend becomes the
	// namespace root. opts is the raw mount options string; the
	// backend is free to ignore it or to reject the mount with an
	// error.
	Mounted(ctx context.Context, service ServiceID, opts string) (LookupResult, error)

	// Mount is sent to the *parent* backend when a child filesystem is
	// grafted at one of the parent's directories. child is a Conn the
	// parent may use to talk to the child backend directly (e.g. a
	// loopback-file-backed filesystem whose backing file lives on the
	// parent). Returns the child root's lookup result as the parent
	// backend reports it after delegating to the child.
	Mount(ctx context.Context, mountpoint ServiceID, mountpointIdx Index, child Conn, childService ServiceID, opts string) (LookupResult, error)

	// Unmount is sent to the parent backend of a non-root mount.
	Unmount(ctx context.Context, parent ServiceID, parentIdx Index) error

	// Unmounted is sent to a backend whose filesystem is the namespace
	// root and is being unmounted.
	Unmounted(ctx context.Context, service ServiceID) error

	// Lookup resolves exactly one path component against (service,
	// base): an empty component (or ".") means base itself, and
	// everything else names a single child of base. The resolver
	// drives multi-component walks by calling this once per component,
	// which is what lets it consult the mount table between every
	// hop rather than only once the whole path has been consumed.
	Lookup(ctx context.Context, service ServiceID, base Index, component string, flags LookupFlags) (LookupReply, error)

	// OpenNode validates and latches an open mode against an
	// already-resolved node.
	OpenNode(ctx context.Context, service ServiceID, idx Index, read, write bool) error

	// Capabilities reports this backend's read/write concurrency
	// properties. The broker records it on the mount entry at mount
	// time and queries it again on every write to pick the contents
	// lock mode.
	Capabilities() Capabilities

	// Read and Write forward the bulk data phase of a READ/WRITE
	// request. Write returns the node's size after the write when the
	// backend's capabilities say writes may change size.
	Read(ctx context.Context, service ServiceID, idx Index, pos int64, buf []byte) (n int, err error)
	Write(ctx context.Context, service ServiceID, idx Index, pos int64, buf []byte) (n int, newSize uint64, err error)

	// Truncate, Sync, Stat forward directly.
	Truncate(ctx context.Context, service ServiceID, idx Index, size uint64) error
	Sync(ctx context.Context, service ServiceID, idx Index) error
	Stat(ctx context.Context, service ServiceID, idx Index, out []byte) (int, error)

	// Destroy is fire-and-forget from the broker's point of view: the
	// broker does not wait for its reply, only orders it after the
	// last release of the node.
	Destroy(ctx context.Context, service ServiceID, idx Index)

	// Link creates a new directory entry old at name new, used by
	// rename's three-step link/unlink protocol.
	Link(ctx context.Context, service ServiceID, dir Index, name string, target Index) error
}
