package blockdev_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/simplefs/blockdev"
	"github.com/dargueta/simplefs/layout"
)

func TestReadBlockCachesAndRefcounts(t *testing.T) {
	dev := blockdev.NewMemoryDevice(4)

	buf1, err := dev.ReadBlock(0)
	require.NoError(t, err)
	buf2, err := dev.ReadBlock(0)
	require.NoError(t, err)

	buf1.Bytes()[0] = 0xAB
	assert.Equal(t, byte(0xAB), buf2.Bytes()[0], "same block must share a cached buffer")

	buf1.Release()
	buf2.Release()
}

func TestReadBlockOutOfRange(t *testing.T) {
	dev := blockdev.NewMemoryDevice(4)
	_, err := dev.ReadBlock(4)
	assert.Error(t, err)
}

func TestSyncPersistsDirtyBuffers(t *testing.T) {
	dev := blockdev.NewMemoryDevice(2)

	buf, err := dev.ReadBlock(1)
	require.NoError(t, err)
	buf.Bytes()[10] = 0x42
	buf.MarkDirty()
	buf.Release()

	require.NoError(t, dev.Sync())
	dev.Evict()

	buf2, err := dev.ReadBlock(1)
	require.NoError(t, err)
	defer buf2.Release()
	assert.Equal(t, byte(0x42), buf2.Bytes()[10])
}

func TestZeroBlock(t *testing.T) {
	dev := blockdev.NewMemoryDevice(1)
	buf, err := dev.ReadBlock(0)
	require.NoError(t, err)
	buf.Bytes()[0] = 0xFF
	buf.Release()

	require.NoError(t, dev.ZeroBlock(0))

	buf2, err := dev.ReadBlock(0)
	require.NoError(t, err)
	defer buf2.Release()
	for _, b := range buf2.Bytes() {
		require.Zero(t, b)
	}
}

func TestReadWriteRegionRoundTrip(t *testing.T) {
	dev := blockdev.NewMemoryDevice(4)

	data := make([]byte, 3*layout.BlockSize-100)
	for i := range data {
		data[i] = byte(i)
	}

	require.NoError(t, dev.WriteRegion(1, 3, data))
	require.NoError(t, dev.Sync())

	readBack, err := dev.ReadRegion(1, 3)
	require.NoError(t, err)
	require.Len(t, readBack, 3*layout.BlockSize)
	assert.Equal(t, data, readBack[:len(data)])
	for _, b := range readBack[len(data):] {
		assert.Zero(t, b)
	}
}
