package broker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfsbroker/vfsbroker/backend"
	"github.com/vfsbroker/vfsbroker/backend/memfs"
	"github.com/vfsbroker/vfsbroker/broker"
)

func TestStreamMtabEmitsOneRowPerMount(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, backend.Capabilities{})
	sess := broker.NewSession()
	mkdir(t, b, sess, "/mnt")

	child := memfs.New("child", backend.Capabilities{})
	b.Registry().Register("child", 0, child)
	require.NoError(t, b.MountAt(ctx, "/mnt", "child", 0, 0, "opt=1", false))

	var rows []broker.MtabEntry
	count, err := b.StreamMtab(func(e broker.MtabEntry) error {
		rows = append(rows, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Len(t, rows, 2)

	var sawRoot, sawMnt bool
	for _, r := range rows {
		if r.MountPoint == "/" {
			sawRoot = true
		}
		if r.MountPoint == "/mnt" {
			sawMnt = true
			assert.Equal(t, "child", r.FSName)
			assert.Equal(t, "opt=1", r.Options)
		}
	}
	assert.True(t, sawRoot)
	assert.True(t, sawMnt)
}

func TestStreamMtabStopsOnEmitError(t *testing.T) {
	b, _ := newTestBroker(t, backend.Capabilities{})
	boom := errors.New("client gone")

	count, err := b.StreamMtab(func(e broker.MtabEntry) error {
		return boom
	})
	require.Error(t, err)
	assert.Equal(t, boom, err)
	assert.Equal(t, 0, count)
}
