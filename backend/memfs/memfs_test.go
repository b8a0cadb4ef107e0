package memfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfsbroker/vfsbroker/backend"
	"github.com/vfsbroker/vfsbroker/backend/memfs"
)

func newFS(t *testing.T) *memfs.FS {
	t.Helper()
	return memfs.New("test", backend.Capabilities{})
}

func TestLookupRootDotAndDotDot(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)

	reply, err := f.Lookup(ctx, 0, 0, ".", backend.LookupFlags{})
	require.NoError(t, err)
	assert.Equal(t, backend.Terminal, reply.Kind)
	assert.Equal(t, backend.Directory, reply.Result.Type)

	reply, err = f.Lookup(ctx, 0, 0, "..", backend.LookupFlags{})
	require.NoError(t, err)
	assert.Equal(t, backend.CrossUp, reply.Kind)
}

func TestLookupCreateAndExclusive(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)

	reply, err := f.Lookup(ctx, 0, 0, "file", backend.LookupFlags{File: true, Create: true, Exclusive: true})
	require.NoError(t, err)
	assert.Equal(t, backend.Regular, reply.Result.Type)

	_, err = f.Lookup(ctx, 0, 0, "file", backend.LookupFlags{File: true, Create: true, Exclusive: true})
	require.ErrorIs(t, err, backend.ErrExists)
}

func TestLookupNotFoundWithoutCreate(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)
	_, err := f.Lookup(ctx, 0, 0, "nope", backend.LookupFlags{})
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestLookupDirectoryFileMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)
	_, err := f.Lookup(ctx, 0, 0, "d", backend.LookupFlags{Directory: true, Create: true})
	require.NoError(t, err)

	_, err = f.Lookup(ctx, 0, 0, "d", backend.LookupFlags{File: true})
	require.ErrorIs(t, err, backend.ErrIsDirectory)

	_, err = f.Lookup(ctx, 0, 0, "d", backend.LookupFlags{Directory: true})
	require.NoError(t, err)

	reply, err := f.Lookup(ctx, 0, 0, "d", backend.LookupFlags{Directory: true, Create: true})
	require.NoError(t, err)
	_, err = f.Lookup(ctx, 0, reply.Result.Index, "leaf", backend.LookupFlags{File: true, Create: true})
	require.NoError(t, err)

	_, err = f.Lookup(ctx, 0, 0, "d", backend.LookupFlags{Unlink: true})
	require.ErrorIs(t, err, backend.ErrNotEmpty)
}

func TestLookupUnlinkRemovesEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)
	_, err := f.Lookup(ctx, 0, 0, "d", backend.LookupFlags{Directory: true, Create: true})
	require.NoError(t, err)

	_, err = f.Lookup(ctx, 0, 0, "d", backend.LookupFlags{Unlink: true})
	require.NoError(t, err)

	_, err = f.Lookup(ctx, 0, 0, "d", backend.LookupFlags{})
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestLookupDotDotFromNestedDirectory(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)
	reply, err := f.Lookup(ctx, 0, 0, "d", backend.LookupFlags{Directory: true, Create: true})
	require.NoError(t, err)
	dIdx := reply.Result.Index

	reply, err = f.Lookup(ctx, 0, dIdx, "inner", backend.LookupFlags{Directory: true, Create: true})
	require.NoError(t, err)
	innerIdx := reply.Result.Index

	lookup, err := f.Lookup(ctx, 0, innerIdx, "..", backend.LookupFlags{})
	require.NoError(t, err)
	assert.Equal(t, backend.Terminal, lookup.Kind)
	assert.Equal(t, dIdx, lookup.Result.Index)
}

func TestReadWriteTruncateStat(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)
	reply, err := f.Lookup(ctx, 0, 0, "file", backend.LookupFlags{File: true, Create: true})
	require.NoError(t, err)
	idx := reply.Result.Index

	n, size, err := f.Write(ctx, 0, idx, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.EqualValues(t, 5, size)

	buf := make([]byte, 8)
	n, err = f.Read(ctx, 0, idx, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, f.Truncate(ctx, 0, idx, 2))
	n, err = f.Read(ctx, 0, idx, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "he", string(buf[:n]))

	out := make([]byte, 8)
	sn, err := f.Stat(ctx, 0, idx, out)
	require.NoError(t, err)
	assert.Greater(t, sn, 0)
}

func TestDestroyThenOpenFails(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)
	reply, err := f.Lookup(ctx, 0, 0, "file", backend.LookupFlags{File: true, Create: true})
	require.NoError(t, err)

	_, err = f.Lookup(ctx, 0, 0, "file", backend.LookupFlags{Unlink: true})
	require.NoError(t, err)

	f.Destroy(ctx, 0, reply.Result.Index)

	err = f.OpenNode(ctx, 0, reply.Result.Index, true, false)
	require.ErrorIs(t, err, backend.ErrStaleNode)
}

func TestLinkRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)
	reply, err := f.Lookup(ctx, 0, 0, "file", backend.LookupFlags{File: true, Create: true})
	require.NoError(t, err)

	err = f.Link(ctx, 0, 0, "file", reply.Result.Index)
	require.ErrorIs(t, err, backend.ErrExists)

	err = f.Link(ctx, 0, 0, "alias", reply.Result.Index)
	require.NoError(t, err)

	_, err = f.Lookup(ctx, 0, 0, "alias", backend.LookupFlags{})
	require.NoError(t, err)
}

func TestMountValidatesDirectoryMountPoint(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)
	child := newFS(t)

	reply, err := f.Lookup(ctx, 0, 0, "file", backend.LookupFlags{File: true, Create: true})
	require.NoError(t, err)

	_, err = f.Mount(ctx, 0, reply.Result.Index, child, 1, "")
	require.ErrorIs(t, err, backend.ErrNotDirectory)

	lr, err := f.Mount(ctx, 0, 0, child, 1, "")
	require.NoError(t, err)
	assert.Equal(t, backend.Directory, lr.Type)
}
