package broker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vfsbroker/vfsbroker/backend"
	"github.com/vfsbroker/vfsbroker/backend/memfs"
	"github.com/vfsbroker/vfsbroker/broker"
)

// newTestBroker builds a broker with a single memfs instance already
// registered and mounted at /, following the corpus's newTestX(t)
// setup-plus-cleanup idiom.
func newTestBroker(t *testing.T, caps backend.Capabilities) (*broker.Broker, *memfs.FS) {
	t.Helper()
	ctx := context.Background()
	b := broker.NewBroker()
	fs := memfs.New("memfs", caps)
	b.Registry().Register("memfs", 0, fs)
	require.NoError(t, b.MountRoot(ctx, "memfs", 0, 0, "", false))
	t.Cleanup(func() {
		_ = b.Unmount(ctx, "/")
	})
	return b, fs
}

func mkdir(t *testing.T, b *broker.Broker, sess *broker.Session, path string) {
	t.Helper()
	fd, err := b.Walk(context.Background(), sess, -1, path, broker.FDirectory|broker.FCreate|broker.FExclusive)
	require.NoError(t, err)
	require.NoError(t, b.Close(context.Background(), sess, fd))
}

func mkfile(t *testing.T, b *broker.Broker, sess *broker.Session, path string) int {
	t.Helper()
	fd, err := b.Walk(context.Background(), sess, -1, path, broker.FFile|broker.FCreate|broker.FExclusive)
	require.NoError(t, err)
	return fd
}
