package broker

import (
	"context"
	"sync"

	"github.com/vfsbroker/vfsbroker/backend"
	"github.com/vfsbroker/vfsbroker/blog"
)

// Node is the broker's in-memory handle for a triplet. At most one
// Node per live triplet exists in the cache at any moment.
type Node struct {
	Triplet backend.Triplet
	Type    backend.NodeType

	mu       sync.Mutex // guards size and refcount
	size     uint64
	refcount int

	// Contents is the per-node rwlock guarding cached size against
	// content-mutating operations.
	Contents sync.RWMutex

	// mount is not set or read anywhere: whether a node is a mount
	// point is looked up in the MountTable by triplet
	// (LookupByMountPoint).
	mount *Mount
}

// Size returns the cached size. Callers that need a size consistent
// with an in-flight write must hold Contents themselves; this is a
// convenience accessor for callers that already hold the right lock
// or that tolerate a racy read (e.g. logging).
func (n *Node) Size() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.size
}

func (n *Node) setSize(v uint64) {
	n.mu.Lock()
	n.size = v
	n.mu.Unlock()
}

func (n *Node) String() string { return n.Triplet.String() }

// NodeCache interns backend nodes keyed by triplet.
type NodeCache struct {
	mu    sync.Mutex
	nodes map[backend.Triplet]*Node
}

// NewNodeCache constructs an empty cache.
func NewNodeCache() *NodeCache {
	return &NodeCache{nodes: make(map[backend.Triplet]*Node)}
}

// Get interns lr's triplet: if a node for the triplet is already
// cached it is returned with its refcount incremented, otherwise a new
// node is installed carrying one reference and the backend-reported
// size and type.
func (c *NodeCache) Get(triplet backend.Triplet, lr backend.LookupResult) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[triplet]; ok {
		n.mu.Lock()
		n.refcount++
		n.mu.Unlock()
		return n
	}
	n := &Node{
		Triplet:  triplet,
		Type:     lr.Type,
		size:     lr.Size,
		refcount: 1,
	}
	c.nodes[triplet] = n
	return n
}

// Put decrements n's refcount; at zero it is removed from the cache
// and DESTROY is sent to the backend. Destroy has no result for the
// broker to act on; it is called synchronously after the node has
// been evicted and the cache mutex released, before Put returns, so it
// is ordered after the last release of the node.
func (c *NodeCache) Put(ctx context.Context, n *Node) {
	c.mu.Lock()
	n.mu.Lock()
	n.refcount--
	dead := n.refcount == 0
	n.mu.Unlock()
	if dead {
		delete(c.nodes, n.Triplet)
	}
	c.mu.Unlock()
	if dead {
		blog.Debugf(n, "node refcount reached zero, destroying")
		n.Triplet.Backend.Destroy(ctx, n.Triplet.Service, n.Triplet.Index)
	}
}

// Forget removes n from the cache and drops the reference without
// notifying the backend. Used exclusively when the backend has
// already been told UNMOUNTED for the whole subtree.
func (c *NodeCache) Forget(n *Node) {
	c.mu.Lock()
	delete(c.nodes, n.Triplet)
	c.mu.Unlock()
}

// RefcountSum sums the refcounts of all cached nodes belonging to one
// mounted filesystem (backend, service). Used by unmount to decide
// whether the subtree is still in use: the expected sum at the point
// of the check is 2, the mount reference plus the reference the
// unmount path itself just took on the root.
func (c *NodeCache) RefcountSum(be backend.Backend, service backend.ServiceID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := 0
	for t, n := range c.nodes {
		if t.Backend != be || t.Service != service {
			continue
		}
		n.mu.Lock()
		sum += n.refcount
		n.mu.Unlock()
	}
	return sum
}

// Len reports the number of distinct cached triplets; used by tests
// asserting the cache uniqueness invariant.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}
