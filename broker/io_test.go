package broker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfsbroker/vfsbroker/backend"
	"github.com/vfsbroker/vfsbroker/broker"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, backend.Capabilities{})
	sess := broker.NewSession()

	fd := mkfile(t, b, sess, "/a")
	require.NoError(t, b.Open(ctx, sess, fd, true, true))

	n, size, err := b.Write(ctx, sess, fd, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, uint64(11), size)

	_, err = b.Seek(ctx, sess, fd, 0, broker.SeekSet)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err = b.Read(ctx, sess, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))

	require.NoError(t, b.Close(ctx, sess, fd))
}

func TestSeekWhenceVariants(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, backend.Capabilities{})
	sess := broker.NewSession()

	fd := mkfile(t, b, sess, "/a")
	require.NoError(t, b.Open(ctx, sess, fd, true, true))
	_, _, err := b.Write(ctx, sess, fd, []byte("0123456789"))
	require.NoError(t, err)

	pos, err := b.Seek(ctx, sess, fd, 3, broker.SeekSet)
	require.NoError(t, err)
	assert.EqualValues(t, 3, pos)

	pos, err = b.Seek(ctx, sess, fd, 2, broker.SeekCur)
	require.NoError(t, err)
	assert.EqualValues(t, 5, pos)

	pos, err = b.Seek(ctx, sess, fd, 0, broker.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 10, pos)

	pos, err = b.Seek(ctx, sess, fd, -4, broker.SeekCur)
	require.NoError(t, err)
	assert.EqualValues(t, 6, pos)
}

func TestSeekNegativeSetRejected(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, backend.Capabilities{})
	sess := broker.NewSession()
	fd := mkfile(t, b, sess, "/a")
	require.NoError(t, b.Open(ctx, sess, fd, true, false))

	_, err := b.Seek(ctx, sess, fd, -1, broker.SeekSet)
	require.Error(t, err)
	assert.Equal(t, broker.EINVAL, broker.StatusOf(err))
}

func TestSeekOverflow(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, backend.Capabilities{})
	sess := broker.NewSession()
	fd := mkfile(t, b, sess, "/a")
	require.NoError(t, b.Open(ctx, sess, fd, true, false))

	_, err := b.Seek(ctx, sess, fd, 1, broker.SeekSet)
	require.NoError(t, err)
	_, err = b.Seek(ctx, sess, fd, 1<<62, broker.SeekCur)
	require.NoError(t, err)
	_, err = b.Seek(ctx, sess, fd, 1<<62, broker.SeekCur)
	require.Error(t, err)
	assert.Equal(t, broker.EOVERFLOW, broker.StatusOf(err))
}

func TestTruncateShrinksAndGrows(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, backend.Capabilities{})
	sess := broker.NewSession()
	fd := mkfile(t, b, sess, "/a")
	require.NoError(t, b.Open(ctx, sess, fd, true, true))
	_, _, err := b.Write(ctx, sess, fd, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, b.Truncate(ctx, sess, fd, 4))
	buf := make([]byte, 16)
	_, err = b.Seek(ctx, sess, fd, 0, broker.SeekSet)
	require.NoError(t, err)
	n, err := b.Read(ctx, sess, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf[:n]))

	require.NoError(t, b.Truncate(ctx, sess, fd, 8))
	n, err = b.Read(ctx, sess, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSyncAndStatForward(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, backend.Capabilities{})
	sess := broker.NewSession()
	fd := mkfile(t, b, sess, "/a")
	require.NoError(t, b.Open(ctx, sess, fd, true, true))
	_, _, err := b.Write(ctx, sess, fd, []byte("xyz"))
	require.NoError(t, err)
	require.NoError(t, b.Sync(ctx, sess, fd))

	out := make([]byte, 8)
	n, err := b.Stat(ctx, sess, fd, out)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestOpenRejectsNeitherReadNorWrite(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, backend.Capabilities{})
	sess := broker.NewSession()
	fd := mkfile(t, b, sess, "/a")

	err := b.Open(ctx, sess, fd, false, false)
	require.Error(t, err)
	assert.Equal(t, broker.EINVAL, broker.StatusOf(err))
}

func TestOpenRejectsWritingADirectory(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, backend.Capabilities{})
	sess := broker.NewSession()
	mkdir(t, b, sess, "/d")

	fd, err := b.Walk(ctx, sess, -1, "/d", broker.FDirectory)
	require.NoError(t, err)

	err = b.Open(ctx, sess, fd, false, true)
	require.Error(t, err)
	assert.Equal(t, broker.EINVAL, broker.StatusOf(err))
}
