package broker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfsbroker/vfsbroker/backend"
	"github.com/vfsbroker/vfsbroker/broker"
)

func TestNodeCacheInternsOneNodePerTriplet(t *testing.T) {
	c := broker.NewNodeCache()
	fs := fakeBackend{name: "fake"}
	tr := backend.Triplet{Backend: fs, Service: 0, Index: 1}

	a := c.Get(tr, backend.LookupResult{Index: 1, Size: 0, Type: backend.Regular})
	b := c.Get(tr, backend.LookupResult{Index: 1, Size: 0, Type: backend.Regular})
	assert.Same(t, a, b)
	assert.Equal(t, 1, c.Len())
}

func TestNodeCacheRefcountConservedAcrossGetPut(t *testing.T) {
	ctx := context.Background()
	c := broker.NewNodeCache()
	fs := fakeBackend{name: "fake"}
	tr := backend.Triplet{Backend: fs, Service: 0, Index: 1}

	n1 := c.Get(tr, backend.LookupResult{Index: 1})
	n2 := c.Get(tr, backend.LookupResult{Index: 1})
	assert.Equal(t, 2, c.RefcountSum(fs, 0))

	c.Put(ctx, n1)
	assert.Equal(t, 1, c.RefcountSum(fs, 0))
	assert.Equal(t, 1, c.Len())

	c.Put(ctx, n2)
	assert.Equal(t, 0, c.Len())
}

// fakeBackend is a minimal backend.Backend used to build triplets for
// the NodeCache and MountTable tests; every method is a no-op.
type fakeBackend struct {
	name string
}

func (f fakeBackend) Name() string        { return f.name }
func (f fakeBackend) Clone() backend.Conn  { return f }
func (f fakeBackend) Capabilities() backend.Capabilities { return backend.Capabilities{} }
func (f fakeBackend) Mounted(ctx context.Context, service backend.ServiceID, opts string) (backend.LookupResult, error) {
	return backend.LookupResult{}, nil
}
func (f fakeBackend) Mount(ctx context.Context, mountpoint backend.ServiceID, mountpointIdx backend.Index, child backend.Conn, childService backend.ServiceID, opts string) (backend.LookupResult, error) {
	return backend.LookupResult{}, nil
}
func (f fakeBackend) Unmount(ctx context.Context, parent backend.ServiceID, parentIdx backend.Index) error {
	return nil
}
func (f fakeBackend) Unmounted(ctx context.Context, service backend.ServiceID) error { return nil }
func (f fakeBackend) Lookup(ctx context.Context, service backend.ServiceID, base backend.Index, path string, flags backend.LookupFlags) (backend.LookupReply, error) {
	return backend.LookupReply{}, nil
}
func (f fakeBackend) OpenNode(ctx context.Context, service backend.ServiceID, idx backend.Index, read, write bool) error {
	return nil
}
func (f fakeBackend) Read(ctx context.Context, service backend.ServiceID, idx backend.Index, pos int64, buf []byte) (int, error) {
	return 0, nil
}
func (f fakeBackend) Write(ctx context.Context, service backend.ServiceID, idx backend.Index, pos int64, buf []byte) (int, uint64, error) {
	return 0, 0, nil
}
func (f fakeBackend) Truncate(ctx context.Context, service backend.ServiceID, idx backend.Index, size uint64) error {
	return nil
}
func (f fakeBackend) Sync(ctx context.Context, service backend.ServiceID, idx backend.Index) error {
	return nil
}
func (f fakeBackend) Stat(ctx context.Context, service backend.ServiceID, idx backend.Index, out []byte) (int, error) {
	return 0, nil
}
func (f fakeBackend) Destroy(ctx context.Context, service backend.ServiceID, idx backend.Index) {}
func (f fakeBackend) Link(ctx context.Context, service backend.ServiceID, dir backend.Index, name string, target backend.Index) error {
	return nil
}

func TestMountTableUniqueness(t *testing.T) {
	mt := broker.NewMountTable()
	fs := fakeBackend{name: "fake"}
	root := backend.Triplet{Backend: fs, Service: 0, Index: 0}
	require.NoError(t, mt.Install(&broker.Mount{MountPoint: "/", Root: root}))

	mpTriplet := backend.Triplet{Backend: fs, Service: 0, Index: 1}
	childRoot := backend.Triplet{Backend: fs, Service: 1, Index: 0}
	m := &broker.Mount{MountPoint: "/mnt", MountPointTriplet: &mpTriplet, Root: childRoot}
	require.NoError(t, mt.Install(m))

	dup := &broker.Mount{MountPoint: "/mnt", MountPointTriplet: &mpTriplet, Root: childRoot}
	err := mt.Install(dup)
	require.Error(t, err)
	assert.Equal(t, broker.EBUSY, broker.StatusOf(err))

	other := backend.Triplet{Backend: fs, Service: 0, Index: 2}
	dup2 := &broker.Mount{MountPoint: "/other", MountPointTriplet: &mpTriplet, Root: other}
	err = mt.Install(dup2)
	require.Error(t, err)
	assert.Equal(t, broker.EBUSY, broker.StatusOf(err))
}
