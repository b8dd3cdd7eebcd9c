// Package mount assembles a block device, a freshly loaded set of
// bitmaps, an inode store, and the namespace operations into one handle,
// reading the superblock and bitmap regions to do it. Grounded on the
// teacher's unixv1 driver Mount() method, generalized from a single
// fixed layout to the superblock-described region boundaries used here.
package mount

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/dargueta/simplefs/bitmaps"
	"github.com/dargueta/simplefs/blockdev"
	"github.com/dargueta/simplefs/errors"
	"github.com/dargueta/simplefs/inodestore"
	"github.com/dargueta/simplefs/layout"
	"github.com/dargueta/simplefs/namespace"
)

// Mount is a live simplefs mount: the decoded superblock plus the handle
// every namespace operation runs against.
type Mount struct {
	Superblock layout.Superblock
	Dev        *blockdev.Device
	Bitmaps    *bitmaps.Bitmaps
	Inodes     *inodestore.Store
	FS         *namespace.Filesystem
}

// Mount reads the superblock and both bitmap regions off dev and
// assembles a live Mount.
func Mount(dev *blockdev.Device) (*Mount, error) {
	sbBuf, err := dev.ReadBlock(layout.SuperblockNumber)
	if err != nil {
		return nil, err
	}
	sb, err := layout.DecodeSuperblock(sbBuf.Bytes())
	sbBuf.Release()
	if err != nil {
		return nil, errors.ErrInvalidFileSystem.WrapError(err)
	}

	ifreeBytes, err := dev.ReadRegion(layout.BlockNumber(1+sb.NrIstoreBlocks), sb.NrIfreeBlocks)
	if err != nil {
		return nil, err
	}
	bfreeBytes, err := dev.ReadRegion(layout.BlockNumber(1+sb.NrIstoreBlocks+sb.NrIfreeBlocks), sb.NrBfreeBlocks)
	if err != nil {
		return nil, err
	}

	bm := bitmaps.FromBytes(sb.NrInodes, sb.NrBlocks, ifreeBytes, bfreeBytes, sb.NrFreeInodes, sb.NrFreeBlocks)
	store := inodestore.New(dev, bm)
	fs := namespace.New(dev, bm, store)

	return &Mount{
		Superblock: sb,
		Dev:        dev,
		Bitmaps:    bm,
		Inodes:     store,
		FS:         fs,
	}, nil
}

// Sync flushes the in-memory bitmaps and superblock counters back to disk,
// then syncs the underlying device.
func (m *Mount) Sync() error {
	sb := m.Superblock
	sb.NrFreeInodes = m.Bitmaps.NrFreeInodes
	sb.NrFreeBlocks = m.Bitmaps.NrFreeBlocks

	sbBuf, err := m.Dev.ReadBlock(layout.SuperblockNumber)
	if err != nil {
		return err
	}
	for i := range sbBuf.Bytes() {
		sbBuf.Bytes()[i] = 0
	}
	writer := bytewriter.New(sbBuf.Bytes())
	if err := binary.Write(writer, binary.LittleEndian, &sb); err != nil {
		sbBuf.Release()
		return errors.ErrIOFailed.WrapError(err)
	}
	sbBuf.MarkDirty()
	sbBuf.Release()
	m.Superblock = sb

	if err := m.Dev.WriteRegion(layout.BlockNumber(1+sb.NrIstoreBlocks), sb.NrIfreeBlocks, m.Bitmaps.IFreeBytes()); err != nil {
		return err
	}
	if err := m.Dev.WriteRegion(layout.BlockNumber(1+sb.NrIstoreBlocks+sb.NrIfreeBlocks), sb.NrBfreeBlocks, m.Bitmaps.BFreeBytes()); err != nil {
		return err
	}

	return m.Dev.Sync()
}
