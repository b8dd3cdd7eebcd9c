// Package bitmaps implements the two free-space bitmaps described in
// spec.md section 4.2: the inode-free bitmap (ifree) and the block-free
// bitmap (bfree), held in memory and mirrored to disk at mount/sync time.
//
// Allocation is greedy-lowest: GetFreeInode and GetFreeBlocks always return
// the lowest-index free slot or run. There is no defragmentation.
package bitmaps

import (
	"fmt"

	"github.com/boljen/go-bitmap"

	"github.com/dargueta/simplefs/errors"
	"github.com/dargueta/simplefs/layout"
)

// Bitmaps is the per-mount singleton holding both free-space bitmaps and
// their authoritative free counters. It is threaded explicitly through
// every operation that allocates or frees inodes/blocks rather than held
// as process-global state (spec.md section 9).
type Bitmaps struct {
	ifree bitmap.Bitmap
	bfree bitmap.Bitmap

	nrInodes uint32
	nrBlocks uint32

	NrFreeInodes uint32
	NrFreeBlocks uint32
}

// New creates a Bitmaps with nrInodes inodes and nrBlocks blocks, all
// initially free except for inode 0, which is permanently reserved to mean
// "none" (spec.md section 3).
func New(nrInodes, nrBlocks uint32) *Bitmaps {
	b := &Bitmaps{
		ifree:        bitmap.New(int(nrInodes)),
		bfree:        bitmap.New(int(nrBlocks)),
		nrInodes:     nrInodes,
		nrBlocks:     nrBlocks,
		NrFreeInodes: nrInodes - 1,
		NrFreeBlocks: nrBlocks,
	}
	b.ifree.Set(0, true)
	return b
}

// FromBytes reconstructs a Bitmaps from the raw bitmap regions read off
// disk at mount time, together with the free counters taken from the
// superblock.
func FromBytes(nrInodes, nrBlocks uint32, ifreeBytes, bfreeBytes []byte, nrFreeInodes, nrFreeBlocks uint32) *Bitmaps {
	return &Bitmaps{
		ifree:        bitmap.Bitmap(append([]byte(nil), ifreeBytes...)),
		bfree:        bitmap.Bitmap(append([]byte(nil), bfreeBytes...)),
		nrInodes:     nrInodes,
		nrBlocks:     nrBlocks,
		NrFreeInodes: nrFreeInodes,
		NrFreeBlocks: nrFreeBlocks,
	}
}

// IFreeBytes returns the raw bytes of the inode-free bitmap, ready to be
// written back to its on-disk region.
func (b *Bitmaps) IFreeBytes() []byte { return b.ifree.Data(false) }

// BFreeBytes returns the raw bytes of the block-free bitmap, ready to be
// written back to its on-disk region.
func (b *Bitmaps) BFreeBytes() []byte { return b.bfree.Data(false) }

// GetFreeInode returns the lowest-index free inode number greater than 0,
// marks it allocated, and decrements the free-inode counter. It returns
// layout.NoInode when no inode is available.
func (b *Bitmaps) GetFreeInode() layout.InodeNumber {
	for i := uint32(1); i < b.nrInodes; i++ {
		if !b.ifree.Get(int(i)) {
			b.ifree.Set(int(i), true)
			b.NrFreeInodes--
			return layout.InodeNumber(i)
		}
	}
	return layout.NoInode
}

// PutInode marks ino free again and increments the free-inode counter.
// Freeing an already-free inode is a programming error.
func (b *Bitmaps) PutInode(ino layout.InodeNumber) error {
	if uint32(ino) == 0 || uint32(ino) >= b.nrInodes {
		return errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("inode %d out of range", ino),
		)
	}
	if !b.ifree.Get(int(ino)) {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("inode %d is already free", ino),
		)
	}
	b.ifree.Set(int(ino), false)
	b.NrFreeInodes++
	return nil
}

// GetFreeBlocks finds the lowest-index run of exactly n consecutive free
// blocks, marks them all allocated, and decrements the free-block counter
// by n. It returns layout.BlockNumber(0) when no such run exists.
func (b *Bitmaps) GetFreeBlocks(n uint32) layout.BlockNumber {
	if n == 0 {
		return 0
	}

	runStart := uint32(0)
	runLen := uint32(0)
	for i := uint32(0); i < b.nrBlocks; i++ {
		if b.bfree.Get(int(i)) {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = i
		}
		runLen++
		if runLen == n {
			for j := runStart; j < runStart+n; j++ {
				b.bfree.Set(int(j), true)
			}
			b.NrFreeBlocks -= n
			return layout.BlockNumber(runStart)
		}
	}
	return 0
}

// PutBlocks marks the n blocks starting at bno free again and increments
// the free-block counter by n.
func (b *Bitmaps) PutBlocks(bno layout.BlockNumber, n uint32) error {
	if uint32(bno)+n > b.nrBlocks {
		return errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("block range [%d, %d) out of range", bno, uint32(bno)+n),
		)
	}
	for i := uint32(bno); i < uint32(bno)+n; i++ {
		b.bfree.Set(int(i), false)
	}
	b.NrFreeBlocks += n
	return nil
}

// MarkBlockUsed reserves a single block (used by the formatter to claim the
// superblock, inode table, and bitmap regions before any file data exists).
func (b *Bitmaps) MarkBlockUsed(bno layout.BlockNumber) {
	if !b.bfree.Get(int(bno)) {
		b.bfree.Set(int(bno), true)
		b.NrFreeBlocks--
	}
}

// CountFreeInodeBits returns the number of zero bits in the inode bitmap,
// for verifying the nr_free_inodes invariant from spec.md section 8.
func (b *Bitmaps) CountFreeInodeBits() uint32 {
	count := uint32(0)
	for i := uint32(0); i < b.nrInodes; i++ {
		if !b.ifree.Get(int(i)) {
			count++
		}
	}
	return count
}

// CountFreeBlockBits returns the number of zero bits in the block bitmap,
// for verifying the nr_free_blocks invariant from spec.md section 8.
func (b *Bitmaps) CountFreeBlockBits() uint32 {
	count := uint32(0)
	for i := uint32(0); i < b.nrBlocks; i++ {
		if !b.bfree.Get(int(i)) {
			count++
		}
	}
	return count
}

// CheckCounters verifies spec.md section 8's invariant 3:
// sbi.nr_free_inodes == popcount_zero(ifree) and
// sbi.nr_free_blocks == popcount_zero(bfree). It returns
// errors.ErrFileSystemCorrupted when either counter has drifted from the
// bitmap it is supposed to summarize.
func (b *Bitmaps) CheckCounters() error {
	if free := b.CountFreeInodeBits(); free != b.NrFreeInodes {
		return errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("nr_free_inodes is %d but the bitmap has %d free bits", b.NrFreeInodes, free),
		)
	}
	if free := b.CountFreeBlockBits(); free != b.NrFreeBlocks {
		return errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("nr_free_blocks is %d but the bitmap has %d free bits", b.NrFreeBlocks, free),
		)
	}
	return nil
}
