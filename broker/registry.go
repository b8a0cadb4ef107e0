package broker

import (
	"context"
	"sync"

	"github.com/vfsbroker/vfsbroker/backend"
)

type registryKey struct {
	name     string
	instance uint64
}

// Registry maps a filesystem-name + instance to a backend connection.
// Resolve can block a caller until a matching Register happens or the
// registry is shut down; every wait is implemented as a channel
// receive, never a blocked OS thread.
type Registry struct {
	mu       sync.Mutex
	entries  map[registryKey]backend.Backend
	shutdown bool
	// changed is closed and replaced on every Register/Shutdown so
	// blocked Resolve calls can wake up and re-check the map, mirroring
	// a condition variable without losing context-cancellation support.
	changed chan struct{}
}

// NewRegistry constructs an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[registryKey]backend.Backend),
		changed: make(chan struct{}),
	}
}

// Register binds (name, instance) to be. Wakes any blocked Resolve
// calls waiting on this or any other key.
func (r *Registry) Register(name string, instance uint64, be backend.Backend) {
	r.mu.Lock()
	r.entries[registryKey{name, instance}] = be
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// Deregister removes a previously registered backend.
func (r *Registry) Deregister(name string, instance uint64) {
	r.mu.Lock()
	delete(r.entries, registryKey{name, instance})
	r.mu.Unlock()
}

// Shutdown wakes every blocked Resolve call with a permanent failure;
// subsequent Resolve calls fail immediately.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if !r.shutdown {
		r.shutdown = true
		close(r.changed)
		r.changed = make(chan struct{})
	}
	r.mu.Unlock()
}

// Resolve looks up (name, instance). When blocking is false, an absent
// entry fails immediately with ENOENT. When blocking is true, the
// caller waits on the registry's condition until a matching Register
// completes, the registry is shut down, or ctx is canceled.
func (r *Registry) Resolve(ctx context.Context, name string, instance uint64, blocking bool) (backend.Backend, error) {
	key := registryKey{name, instance}
	for {
		r.mu.Lock()
		if be, ok := r.entries[key]; ok {
			r.mu.Unlock()
			return be, nil
		}
		if r.shutdown {
			r.mu.Unlock()
			return nil, Errorf(EIO, "registry shut down while resolving %s#%d", name, instance)
		}
		if !blocking {
			r.mu.Unlock()
			return nil, Errorf(ENOENT, "backend %s#%d not registered", name, instance)
		}
		wait := r.changed
		r.mu.Unlock()

		select {
		case <-wait:
			// state changed, loop and re-check
		case <-ctx.Done():
			return nil, Errorf(EIO, "resolve %s#%d canceled: %v", name, instance, ctx.Err())
		}
	}
}
