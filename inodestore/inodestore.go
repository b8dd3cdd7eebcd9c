// Package inodestore manages the on-disk inode table: allocating inodes,
// reading and writing their packed records, and converting between the
// wire format (layout.InodeRecord) and the in-memory Inode used by the
// rest of the engine, per spec.md section 4.3.
//
// Grounded on simplefs_iget / simplefs_new_inode (original_source/inode.c)
// for allocation and load semantics, and on the RawInode/Inode split used
// by the teacher's unixv1 driver for the wire/in-memory boundary.
package inodestore

import (
	"github.com/dargueta/simplefs/bitmaps"
	"github.com/dargueta/simplefs/blockdev"
	"github.com/dargueta/simplefs/errors"
	"github.com/dargueta/simplefs/layout"
)

// Inode is the in-memory representation of one inode: the fields callers
// actually work with, decoupled from the packed on-disk byte layout.
type Inode struct {
	Number layout.InodeNumber
	Mode   layout.Mode
	Uid    uint32
	Gid    uint32
	Size   uint32
	Ctime  uint32
	Atime  uint32
	Mtime  uint32
	Blocks uint32
	Nlink  uint32

	// EIBlock is the block number of this inode's extent-index block. It is
	// meaningful for regular files and directories only.
	EIBlock layout.BlockNumber

	// symlinkTarget holds a symbolic link's destination path, valid only
	// when Mode.IsSymlink().
	symlinkTarget string
}

// SymlinkTarget returns the destination path of a symlink inode.
func (n *Inode) SymlinkTarget() string { return n.symlinkTarget }

// SetSymlinkTarget sets a symlink inode's destination path. The caller must
// ensure len(target) < layout.MaxSymlinkTarget.
func (n *Inode) SetSymlinkTarget(target string) { n.symlinkTarget = target }

func fromRecord(ino layout.InodeNumber, rec layout.InodeRecord) *Inode {
	n := &Inode{
		Number:  ino,
		Mode:    layout.Mode(rec.Mode),
		Uid:     rec.Uid,
		Gid:     rec.Gid,
		Size:    rec.Size,
		Ctime:   rec.Ctime,
		Atime:   rec.Atime,
		Mtime:   rec.Mtime,
		Blocks:  rec.Blocks,
		Nlink:   rec.Nlink,
		EIBlock: layout.BlockNumber(rec.EIBlock),
	}
	if n.Mode.IsSymlink() {
		end := 0
		for end < len(rec.Data) && rec.Data[end] != 0 {
			end++
		}
		n.symlinkTarget = string(rec.Data[:end])
	}
	return n
}

func (n *Inode) toRecord() layout.InodeRecord {
	rec := layout.InodeRecord{
		Mode:    uint32(n.Mode),
		Uid:     n.Uid,
		Gid:     n.Gid,
		Size:    n.Size,
		Ctime:   n.Ctime,
		Atime:   n.Atime,
		Mtime:   n.Mtime,
		Blocks:  n.Blocks,
		Nlink:   n.Nlink,
		EIBlock: uint32(n.EIBlock),
	}
	if n.Mode.IsSymlink() {
		copy(rec.Data[:], n.symlinkTarget)
	}
	return rec
}

// Store is the per-mount inode table manager. It is threaded explicitly
// alongside the bitmaps and block device rather than held globally.
type Store struct {
	dev *blockdev.Device
	bm  *bitmaps.Bitmaps
}

// New creates a Store over dev's inode table, using bm for inode number
// allocation bookkeeping.
func New(dev *blockdev.Device, bm *bitmaps.Bitmaps) *Store {
	return &Store{dev: dev, bm: bm}
}

// Iget reads and decodes the inode numbered ino.
func (s *Store) Iget(ino layout.InodeNumber) (*Inode, error) {
	if ino == layout.NoInode {
		return nil, errors.ErrInvalidArgument.WithMessage("inode 0 does not exist")
	}

	blockNum, offset := layout.InodeBlockNumber(ino)
	buf, err := s.dev.ReadBlock(blockNum)
	if err != nil {
		return nil, err
	}
	defer buf.Release()

	records, err := layout.DecodeInodeTableBlock(buf.Bytes())
	if err != nil {
		return nil, errors.ErrFileSystemCorrupted.WrapError(err)
	}

	rec := records[offset]
	if rec.Nlink == 0 {
		return nil, errors.ErrNotFound.WithMessage("inode is not allocated")
	}
	return fromRecord(ino, rec), nil
}

// Iput writes an in-memory Inode back to its on-disk slot.
func (s *Store) Iput(n *Inode) error {
	blockNum, offset := layout.InodeBlockNumber(n.Number)
	buf, err := s.dev.ReadBlock(blockNum)
	if err != nil {
		return err
	}
	defer buf.Release()

	records, err := layout.DecodeInodeTableBlock(buf.Bytes())
	if err != nil {
		return errors.ErrFileSystemCorrupted.WrapError(err)
	}

	records[offset] = n.toRecord()
	copy(buf.Bytes(), layout.EncodeInodeTableBlock(records))
	buf.MarkDirty()
	return nil
}

// AllocateInode claims a free inode number from the bitmap, initializes a
// record for it (mode, owner, timestamps, link count 0), and writes that
// record into its inode table buffer right away. The buffer is marked
// dirty; it reaches the device on the next Sync.
func (s *Store) AllocateInode(mode layout.Mode, uid, gid uint32, now uint32) (*Inode, error) {
	ino := s.bm.GetFreeInode()
	if ino == layout.NoInode {
		return nil, errors.ErrNoSpaceOnDevice.WithMessage("no free inodes")
	}

	n := &Inode{
		Number: ino,
		Mode:   mode,
		Uid:    uid,
		Gid:    gid,
		Ctime:  now,
		Atime:  now,
		Mtime:  now,
		Nlink:  0,
	}
	if err := s.Iput(n); err != nil {
		// Roll back the bitmap claim; best effort, matches inode.c's
		// cleanup-on-failure gotos.
		_ = s.bm.PutInode(ino)
		return nil, err
	}
	return n, nil
}

// FreeInode zeroes ino's on-disk record and returns it to the free bitmap.
// The caller is responsible for having already released any blocks the
// inode owned.
func (s *Store) FreeInode(ino layout.InodeNumber) error {
	blockNum, offset := layout.InodeBlockNumber(ino)
	buf, err := s.dev.ReadBlock(blockNum)
	if err != nil {
		return err
	}

	records, err := layout.DecodeInodeTableBlock(buf.Bytes())
	if err != nil {
		buf.Release()
		return errors.ErrFileSystemCorrupted.WrapError(err)
	}

	records[offset] = layout.InodeRecord{}
	copy(buf.Bytes(), layout.EncodeInodeTableBlock(records))
	buf.MarkDirty()
	buf.Release()

	return s.bm.PutInode(ino)
}
