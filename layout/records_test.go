package layout_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/simplefs/layout"
)

func TestSuperblockRoundTrip(t *testing.T) {
	sb := layout.Superblock{
		Magic:          layout.Magic,
		NrBlocks:       256,
		NrInodes:       64,
		NrIstoreBlocks: 2,
		NrIfreeBlocks:  1,
		NrBfreeBlocks:  1,
		NrFreeInodes:   63,
		NrFreeBlocks:   250,
	}

	encoded := sb.Encode()
	require.Len(t, encoded, layout.BlockSize)

	decoded, err := layout.DecodeSuperblock(encoded)
	require.NoError(t, err)
	assert.Equal(t, sb, decoded)
}

func TestDecodeSuperblockRejectsBadMagic(t *testing.T) {
	sb := layout.Superblock{Magic: 0xBADC0DE, NrBlocks: 1}
	_, err := layout.DecodeSuperblock(sb.Encode())
	assert.Error(t, err)
}

func TestIndexBlockRoundTrip(t *testing.T) {
	var ib layout.IndexBlock
	ib.NrFiles = 3
	ib.Extents[0] = layout.Extent{EEBlock: 0, EELen: 8, EEStart: 10, NrFiles: 3}

	decoded, err := layout.DecodeIndexBlock(ib.Encode())
	require.NoError(t, err)
	assert.Equal(t, ib, decoded)
	assert.True(t, decoded.Extents[0].InUse())
	assert.False(t, decoded.Extents[1].InUse())
}

func TestDirBlockFileSlotNameRoundTrip(t *testing.T) {
	db := layout.NewDirBlock()
	db.Files[0].Inode = 42
	db.Files[0].SetName("hello.txt")
	db.NrFiles = 1

	decoded, err := layout.DecodeDirBlock(db.Encode())
	require.NoError(t, err)
	assert.EqualValues(t, 42, decoded.Files[0].Inode)
	assert.Equal(t, "hello.txt", decoded.Files[0].Name())
}

func TestNewDirBlockStartsAsOneFreeRun(t *testing.T) {
	db := layout.NewDirBlock()
	assert.EqualValues(t, 0, db.NrFiles)
	assert.EqualValues(t, layout.FilesPerBlock, db.Files[0].NrBlk)
	assert.EqualValues(t, 0, db.Files[0].Inode)
}
