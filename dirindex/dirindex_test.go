package dirindex_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/simplefs/bitmaps"
	"github.com/dargueta/simplefs/blockdev"
	"github.com/dargueta/simplefs/dirindex"
	"github.com/dargueta/simplefs/errors"
	"github.com/dargueta/simplefs/layout"
)

// newEmptyIndex reserves and zeroes a fresh extent-index block, ready for
// dirindex.AddEntry, without going through inodestore/namespace.
func newEmptyIndex(t *testing.T, dev *blockdev.Device, bm *bitmaps.Bitmaps) layout.BlockNumber {
	t.Helper()
	bno := bm.GetFreeBlocks(1)
	require.NotZero(t, bno)
	require.NoError(t, dev.ZeroBlock(bno))
	return bno
}

func newTestDeviceAndBitmaps(t *testing.T, nrBlocks uint32) (*blockdev.Device, *bitmaps.Bitmaps) {
	t.Helper()
	dev := blockdev.NewMemoryDevice(nrBlocks)
	bm := bitmaps.New(1, nrBlocks)
	// Block 0 holds the superblock on every formatted image, and block
	// number 0 means "no block" to the allocator and the extent list.
	bm.MarkBlockUsed(layout.SuperblockNumber)
	return dev, bm
}

func TestAddEntryAndLookup(t *testing.T) {
	dev, bm := newTestDeviceAndBitmaps(t, 64)
	eiBlock := newEmptyIndex(t, dev, bm)

	require.NoError(t, dirindex.AddEntry(dev, bm, eiBlock, 5, "foo"))
	require.NoError(t, dirindex.AddEntry(dev, bm, eiBlock, 6, "bar"))

	ino, err := dirindex.Lookup(dev, eiBlock, "foo")
	require.NoError(t, err)
	assert.EqualValues(t, 5, ino)

	ino, err = dirindex.Lookup(dev, eiBlock, "bar")
	require.NoError(t, err)
	assert.EqualValues(t, 6, ino)

	_, err = dirindex.Lookup(dev, eiBlock, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestAddEntrySpillsIntoSecondExtent(t *testing.T) {
	// One extent holds layout.FilesPerExtent entries; one more must land in
	// a second extent and still be found by Lookup.
	dev, bm := newTestDeviceAndBitmaps(t, uint32(layout.MaxBlocksPerExtent)*4+4)
	eiBlock := newEmptyIndex(t, dev, bm)

	for i := 0; i < layout.FilesPerExtent+1; i++ {
		name := fmt.Sprintf("f%d", i)
		require.NoError(t, dirindex.AddEntry(dev, bm, eiBlock, layout.InodeNumber(i+1), name))
	}

	ino, err := dirindex.Lookup(dev, eiBlock, fmt.Sprintf("f%d", layout.FilesPerExtent))
	require.NoError(t, err)
	assert.EqualValues(t, layout.FilesPerExtent+1, ino)

	ib, err := dirindex.ReadIndex(dev, eiBlock)
	require.NoError(t, err)
	assert.True(t, ib.Extents[1].InUse(), "a second extent must have been allocated")
}

func TestRemoveFromDir(t *testing.T) {
	dev, bm := newTestDeviceAndBitmaps(t, 64)
	eiBlock := newEmptyIndex(t, dev, bm)

	require.NoError(t, dirindex.AddEntry(dev, bm, eiBlock, 5, "foo"))
	require.NoError(t, dirindex.AddEntry(dev, bm, eiBlock, 6, "bar"))

	found, err := dirindex.RemoveFromDir(dev, eiBlock, 5, "foo")
	require.NoError(t, err)
	assert.True(t, found)

	_, err = dirindex.Lookup(dev, eiBlock, "foo")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	ino, err := dirindex.Lookup(dev, eiBlock, "bar")
	require.NoError(t, err)
	assert.EqualValues(t, 6, ino)

	found, err = dirindex.RemoveFromDir(dev, eiBlock, 99, "nonexistent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoveThenReAdd(t *testing.T) {
	dev, bm := newTestDeviceAndBitmaps(t, 64)
	eiBlock := newEmptyIndex(t, dev, bm)

	require.NoError(t, dirindex.AddEntry(dev, bm, eiBlock, 5, "foo"))
	found, err := dirindex.RemoveFromDir(dev, eiBlock, 5, "foo")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, dirindex.AddEntry(dev, bm, eiBlock, 7, "baz"))
	ino, err := dirindex.Lookup(dev, eiBlock, "baz")
	require.NoError(t, err)
	assert.EqualValues(t, 7, ino)
}

func TestRenameInPlace(t *testing.T) {
	dev, bm := newTestDeviceAndBitmaps(t, 64)
	eiBlock := newEmptyIndex(t, dev, bm)

	require.NoError(t, dirindex.AddEntry(dev, bm, eiBlock, 5, "old-name"))

	renamed, err := dirindex.RenameInPlace(dev, eiBlock, "old-name", "new-name")
	require.NoError(t, err)
	assert.True(t, renamed)

	ino, err := dirindex.Lookup(dev, eiBlock, "new-name")
	require.NoError(t, err)
	assert.EqualValues(t, 5, ino)

	_, err = dirindex.Lookup(dev, eiBlock, "old-name")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRenameInPlaceMissingName(t *testing.T) {
	dev, bm := newTestDeviceAndBitmaps(t, 64)
	eiBlock := newEmptyIndex(t, dev, bm)

	renamed, err := dirindex.RenameInPlace(dev, eiBlock, "absent", "whatever")
	require.NoError(t, err)
	assert.False(t, renamed)
}

func TestIsFull(t *testing.T) {
	ib := layout.IndexBlock{NrFiles: layout.MaxSubfiles}
	assert.True(t, dirindex.IsFull(&ib))

	ib.NrFiles = layout.MaxSubfiles - 1
	assert.False(t, dirindex.IsFull(&ib))
}

func TestCheckInvariantsHoldsAcrossAddAndRemove(t *testing.T) {
	dev, bm := newTestDeviceAndBitmaps(t, uint32(layout.MaxBlocksPerExtent)*4+4)
	eiBlock := newEmptyIndex(t, dev, bm)

	require.NoError(t, dirindex.CheckInvariants(dev, eiBlock), "an empty directory must already satisfy the invariants")

	for i := 0; i < layout.FilesPerExtent+1; i++ {
		name := fmt.Sprintf("f%d", i)
		require.NoError(t, dirindex.AddEntry(dev, bm, eiBlock, layout.InodeNumber(i+1), name))
		require.NoError(t, dirindex.CheckInvariants(dev, eiBlock))
	}

	_, err := dirindex.RemoveFromDir(dev, eiBlock, 61, "f60")
	require.NoError(t, err)
	assert.NoError(t, dirindex.CheckInvariants(dev, eiBlock), "removing a middle entry must leave the run-length chain consistent")
}

func TestListEntries(t *testing.T) {
	dev, bm := newTestDeviceAndBitmaps(t, 64)
	eiBlock := newEmptyIndex(t, dev, bm)

	require.NoError(t, dirindex.AddEntry(dev, bm, eiBlock, 5, "foo"))
	require.NoError(t, dirindex.AddEntry(dev, bm, eiBlock, 6, "bar"))

	entries, err := dirindex.ListEntries(dev, eiBlock)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	names := map[string]layout.InodeNumber{}
	for _, e := range entries {
		names[e.Name] = e.Inode
	}
	assert.EqualValues(t, 5, names["foo"])
	assert.EqualValues(t, 6, names["bar"])
}
