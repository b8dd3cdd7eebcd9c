// Package format lays down a fresh simplefs image: the superblock, an
// empty inode table, the two free bitmaps, and a root directory inode.
//
// A full mkfs tool is out of scope for the directory-tree metadata engine;
// this is the minimal formatter needed to produce a mountable image for
// testing and for cmd/simplefsctl, grounded on the teacher's
// file_systems/unixv1/format.go (bytewriter + binary.Write over a packed
// header, followed by an inode list).
package format

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/dargueta/simplefs/bitmaps"
	"github.com/dargueta/simplefs/blockdev"
	"github.com/dargueta/simplefs/errors"
	"github.com/dargueta/simplefs/inodestore"
	"github.com/dargueta/simplefs/layout"
)

// RootInode is the well-known inode number of the file system root,
// allocated first during Format.
const RootInode layout.InodeNumber = 1

func bitmapBlocks(nrBits uint32) uint32 {
	bytes := (nrBits + 7) / 8
	return (bytes + layout.BlockSize - 1) / layout.BlockSize
}

// Options configures a freshly formatted image.
type Options struct {
	NrInodes uint32
	NrBlocks uint32
	Uid      uint32
	Gid      uint32
	Now      uint32
}

// Result reports the layout Format computed, for callers that want to
// mount the image they just wrote without recomputing region boundaries.
type Result struct {
	NrIstoreBlocks uint32
	NrIfreeBlocks  uint32
	NrBfreeBlocks  uint32
	FirstDataBlock layout.BlockNumber
}

// Format writes a fresh image to dev: superblock, inode table, both free
// bitmaps, and a root directory at format.RootInode.
func Format(dev *blockdev.Device, opts Options) (Result, error) {
	nrIstoreBlocks := (opts.NrInodes + layout.InodesPerBlock - 1) / layout.InodesPerBlock
	nrIfreeBlocks := bitmapBlocks(opts.NrInodes)
	nrBfreeBlocks := bitmapBlocks(opts.NrBlocks)

	firstDataBlock := 1 + nrIstoreBlocks + nrIfreeBlocks + nrBfreeBlocks
	if layout.BlockNumber(firstDataBlock) >= layout.BlockNumber(opts.NrBlocks) {
		return Result{}, errors.ErrInvalidArgument.WithMessage(
			"not enough blocks to hold the superblock, inode table, and bitmaps",
		)
	}
	if dev.TotalBlocks() < opts.NrBlocks {
		return Result{}, errors.ErrInvalidArgument.WithMessage(
			"device is smaller than the requested block count",
		)
	}

	bm := bitmaps.New(opts.NrInodes, opts.NrBlocks)

	// Reserve the superblock, inode table, and bitmap regions themselves.
	for bno := uint32(0); bno < firstDataBlock; bno++ {
		bm.MarkBlockUsed(layout.BlockNumber(bno))
	}

	// Zero the inode table.
	for i := uint32(0); i < nrIstoreBlocks; i++ {
		if err := dev.ZeroBlock(layout.BlockNumber(1 + i)); err != nil {
			return Result{}, err
		}
	}

	store := inodestore.New(dev, bm)

	rootIno := bm.GetFreeInode()
	if rootIno != RootInode {
		return Result{}, errors.ErrFileSystemCorrupted.WithMessage(
			"root inode did not land on the expected inode number",
		)
	}

	rootEIBlock := bm.GetFreeBlocks(1)
	if rootEIBlock == 0 {
		return Result{}, errors.ErrNoSpaceOnDevice.WithMessage("no block for root directory index")
	}
	if err := dev.ZeroBlock(rootEIBlock); err != nil {
		return Result{}, err
	}

	root := &inodestore.Inode{
		Number:  rootIno,
		Mode:    layout.Mode(layout.ModeDir | 0o755),
		Uid:     opts.Uid,
		Gid:     opts.Gid,
		Size:    layout.BlockSize,
		Ctime:   opts.Now,
		Atime:   opts.Now,
		Mtime:   opts.Now,
		Blocks:  1,
		Nlink:   2,
		EIBlock: rootEIBlock,
	}
	if err := store.Iput(root); err != nil {
		return Result{}, err
	}

	sb := layout.Superblock{
		Magic:          layout.Magic,
		NrBlocks:       opts.NrBlocks,
		NrInodes:       opts.NrInodes,
		NrIstoreBlocks: nrIstoreBlocks,
		NrIfreeBlocks:  nrIfreeBlocks,
		NrBfreeBlocks:  nrBfreeBlocks,
		NrFreeInodes:   bm.NrFreeInodes,
		NrFreeBlocks:   bm.NrFreeBlocks,
	}
	if err := writeSuperblock(dev, sb); err != nil {
		return Result{}, err
	}
	if err := dev.WriteRegion(layout.BlockNumber(1+nrIstoreBlocks), nrIfreeBlocks, bm.IFreeBytes()); err != nil {
		return Result{}, err
	}
	if err := dev.WriteRegion(layout.BlockNumber(1+nrIstoreBlocks+nrIfreeBlocks), nrBfreeBlocks, bm.BFreeBytes()); err != nil {
		return Result{}, err
	}

	return Result{
		NrIstoreBlocks: nrIstoreBlocks,
		NrIfreeBlocks:  nrIfreeBlocks,
		NrBfreeBlocks:  nrBfreeBlocks,
		FirstDataBlock: layout.BlockNumber(firstDataBlock),
	}, nil
}

// writeSuperblock packs sb directly into the superblock block's buffer. The
// write goes through bytewriter so it is bounded to exactly the buffer's
// capacity, the same belt-and-suspenders the teacher's formatter uses when
// packing a header into a fixed-size region.
func writeSuperblock(dev *blockdev.Device, sb layout.Superblock) error {
	buf, err := dev.ReadBlock(layout.SuperblockNumber)
	if err != nil {
		return err
	}
	defer buf.Release()

	for i := range buf.Bytes() {
		buf.Bytes()[i] = 0
	}

	writer := bytewriter.New(buf.Bytes())
	if err := binary.Write(writer, binary.LittleEndian, &sb); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	buf.MarkDirty()
	return nil
}