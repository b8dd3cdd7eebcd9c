// Package namespace composes the block device, bitmaps, inode store, and
// directory index into the classic directory-tree operations: lookup,
// create, mkdir, symlink, link, unlink, rmdir, and rename. It is the
// control-flow layer ported from simplefs_create/_unlink/_rmdir/_link/
// _symlink/_rename (original_source/inode.c), generalized from the Linux
// VFS calling convention to plain Go methods.
package namespace

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/dargueta/simplefs/bitmaps"
	"github.com/dargueta/simplefs/blockdev"
	"github.com/dargueta/simplefs/dirindex"
	"github.com/dargueta/simplefs/errors"
	"github.com/dargueta/simplefs/inodestore"
	"github.com/dargueta/simplefs/layout"
)

// RenameFlags mirrors the subset of Linux's RENAME_* flags this engine
// understands well enough to reject.
type RenameFlags uint32

const (
	RenameExchange RenameFlags = 1 << 1
	RenameWhiteout RenameFlags = 1 << 2
)

// Filesystem is the per-mount handle every namespace operation runs
// against. It is threaded explicitly by callers rather than held as
// process-global state (spec.md section 9).
type Filesystem struct {
	Dev     *blockdev.Device
	Bitmaps *bitmaps.Bitmaps
	Inodes  *inodestore.Store

	// Clock returns the current time as a 32-bit Unix second count, used to
	// stamp ctime/atime/mtime. Tests may override it for determinism.
	Clock func() uint32
}

// New creates a Filesystem over the given device, bitmaps, and inode
// store.
func New(dev *blockdev.Device, bm *bitmaps.Bitmaps, inodes *inodestore.Store) *Filesystem {
	return &Filesystem{
		Dev:     dev,
		Bitmaps: bm,
		Inodes:  inodes,
		Clock:   func() uint32 { return uint32(time.Now().Unix()) },
	}
}

func (fs *Filesystem) now() uint32 { return fs.Clock() }

func validateName(name string) error {
	if len(name) == 0 {
		return errors.ErrInvalidArgument.WithMessage("empty name")
	}
	if len(name) > layout.FilenameLen {
		return errors.ErrNameTooLong
	}
	return nil
}

// Lookup resolves name within the directory inode parentIno, touching the
// directory's atime on success or failure alike (simplefs_lookup updates
// dir atime unconditionally).
func (fs *Filesystem) Lookup(parentIno layout.InodeNumber, name string) (layout.InodeNumber, error) {
	if err := validateName(name); err != nil {
		return layout.NoInode, err
	}

	parent, err := fs.Inodes.Iget(parentIno)
	if err != nil {
		return layout.NoInode, err
	}
	if !parent.Mode.IsDir() {
		return layout.NoInode, errors.ErrNotADirectory
	}

	ino, lookupErr := dirindex.Lookup(fs.Dev, parent.EIBlock, name)

	parent.Atime = fs.now()
	if err := fs.Inodes.Iput(parent); err != nil {
		return layout.NoInode, err
	}

	return ino, lookupErr
}

// allocateInode reserves an inode number and, for non-symlink kinds, a
// freshly zeroed index block, matching simplefs_new_inode.
func (fs *Filesystem) allocateInode(mode layout.Mode, uid, gid uint32) (*inodestore.Inode, error) {
	if !mode.IsSupportedKind() {
		return nil, errors.ErrInvalidArgument.WithMessage("unsupported file type")
	}

	now := fs.now()
	child, err := fs.Inodes.AllocateInode(mode, uid, gid, now)
	if err != nil {
		return nil, err
	}

	if mode.IsSymlink() {
		child.Nlink = 1
		if err := fs.Inodes.Iput(child); err != nil {
			_ = fs.Inodes.FreeInode(child.Number)
			return nil, err
		}
		return child, nil
	}

	bno := fs.Bitmaps.GetFreeBlocks(1)
	if bno == 0 {
		_ = fs.Inodes.FreeInode(child.Number)
		return nil, errors.ErrNoSpaceOnDevice.WithMessage("no free block for new inode's index")
	}
	if err := fs.Dev.ZeroBlock(bno); err != nil {
		_ = fs.Bitmaps.PutBlocks(bno, 1)
		_ = fs.Inodes.FreeInode(child.Number)
		return nil, err
	}

	child.EIBlock = bno
	child.Blocks = 1
	if mode.IsDir() {
		child.Size = layout.BlockSize
		child.Nlink = 2 // "." and ".."
	} else {
		child.Size = 0
		child.Nlink = 1
	}

	if err := fs.Inodes.Iput(child); err != nil {
		_ = fs.Bitmaps.PutBlocks(bno, 1)
		_ = fs.Inodes.FreeInode(child.Number)
		return nil, err
	}
	return child, nil
}

// rollbackNewInode undoes allocateInode: releases the index block (if any)
// and the inode number. Used when directory insertion fails after the
// inode has already been created (spec.md section 7).
func (fs *Filesystem) rollbackNewInode(child *inodestore.Inode) {
	if child.EIBlock != 0 {
		_ = fs.Bitmaps.PutBlocks(child.EIBlock, 1)
	}
	_ = fs.Inodes.FreeInode(child.Number)
}

// Create allocates a new inode of the given kind and links it into
// parentIno under name. It implements simplefs_create, shared by regular
// file, directory, and (via Symlink) symlink creation.
func (fs *Filesystem) Create(parentIno layout.InodeNumber, name string, mode layout.Mode, uid, gid uint32) (*inodestore.Inode, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	parent, err := fs.Inodes.Iget(parentIno)
	if err != nil {
		return nil, err
	}
	if !parent.Mode.IsDir() {
		return nil, errors.ErrNotADirectory
	}

	ib, err := dirindex.ReadIndex(fs.Dev, parent.EIBlock)
	if err != nil {
		return nil, err
	}
	if dirindex.IsFull(&ib) {
		return nil, errors.ErrTooManyLinks.WithMessage("parent directory is full")
	}

	child, err := fs.allocateInode(mode, uid, gid)
	if err != nil {
		return nil, err
	}

	if err := dirindex.AddEntry(fs.Dev, fs.Bitmaps, parent.EIBlock, child.Number, name); err != nil {
		fs.rollbackNewInode(child)
		return nil, err
	}

	if mode.IsDir() {
		parent.Nlink++
	}
	now := fs.now()
	parent.Mtime, parent.Atime, parent.Ctime = now, now, now
	if err := fs.Inodes.Iput(parent); err != nil {
		return nil, err
	}

	return child, nil
}

// Mkdir creates a directory named name under parentIno.
func (fs *Filesystem) Mkdir(parentIno layout.InodeNumber, name string, uid, gid uint32) (*inodestore.Inode, error) {
	return fs.Create(parentIno, name, layout.Mode(layout.ModeDir|0o755), uid, gid)
}

// Symlink creates a symbolic link named name under parentIno pointing at
// target.
func (fs *Filesystem) Symlink(parentIno layout.InodeNumber, name, target string, uid, gid uint32) (*inodestore.Inode, error) {
	if len(target)+1 > layout.MaxSymlinkTarget {
		return nil, errors.ErrNameTooLong.WithMessage("symlink target too long")
	}

	child, err := fs.Create(parentIno, name, layout.Mode(layout.ModeSymlink|0o777), uid, gid)
	if err != nil {
		return nil, err
	}

	child.SetSymlinkTarget(target)
	child.Size = uint32(len(target))
	if err := fs.Inodes.Iput(child); err != nil {
		return nil, err
	}
	return child, nil
}

// Link creates a hard link named name under parentIno pointing at the
// existing inode oldIno. Directories cannot be hard-linked (open question
// #3 in the design notes: the source does not enforce this, but POSIX
// requires it).
func (fs *Filesystem) Link(oldIno, parentIno layout.InodeNumber, name string) (*inodestore.Inode, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	old, err := fs.Inodes.Iget(oldIno)
	if err != nil {
		return nil, err
	}
	if old.Mode.IsDir() {
		return nil, errors.ErrNotPermitted.WithMessage("cannot hard-link a directory")
	}

	parent, err := fs.Inodes.Iget(parentIno)
	if err != nil {
		return nil, err
	}
	if !parent.Mode.IsDir() {
		return nil, errors.ErrNotADirectory
	}

	ib, err := dirindex.ReadIndex(fs.Dev, parent.EIBlock)
	if err != nil {
		return nil, err
	}
	if dirindex.IsFull(&ib) {
		return nil, errors.ErrTooManyLinks.WithMessage("parent directory is full")
	}

	if err := dirindex.AddEntry(fs.Dev, fs.Bitmaps, parent.EIBlock, oldIno, name); err != nil {
		return nil, err
	}

	old.Nlink++
	if err := fs.Inodes.Iput(old); err != nil {
		return nil, err
	}
	return old, nil
}

// Unlink removes name from parentIno's directory and, if the target's
// link count reaches zero, frees its data blocks, index block, and inode
// number. Matches simplefs_unlink including its partial-failure policy
// (spec.md section 7): once the directory entry is gone, IO errors while
// freeing the target are reported but not rolled back.
func (fs *Filesystem) Unlink(parentIno layout.InodeNumber, name string) error {
	parent, err := fs.Inodes.Iget(parentIno)
	if err != nil {
		return err
	}
	if !parent.Mode.IsDir() {
		return errors.ErrNotADirectory
	}

	childIno, err := dirindex.Lookup(fs.Dev, parent.EIBlock, name)
	if err != nil {
		return err
	}

	removed, err := dirindex.RemoveFromDir(fs.Dev, parent.EIBlock, childIno, name)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	child, err := fs.Inodes.Iget(childIno)
	if err != nil {
		// The directory entry is already gone; per spec.md section 7 this
		// is not rolled back.
		return err
	}

	if child.Mode.IsSymlink() {
		return fs.finalizeInodeRemoval(child)
	}

	now := fs.now()
	parent.Mtime, parent.Atime, parent.Ctime = now, now, now
	if child.Mode.IsDir() {
		parent.Nlink--
		child.Nlink--
	}
	if err := fs.Inodes.Iput(parent); err != nil {
		return err
	}

	if child.Nlink > 1 {
		child.Nlink--
		return fs.Inodes.Iput(child)
	}

	return fs.finalizeInodeRemoval(child)
}

// finalizeInodeRemoval frees every block reachable from child's index
// block, the index block itself, and the inode number. Failures freeing
// individual data blocks do not stop the sweep (spec.md section 7): it is
// already too late to preserve the file, so the best outcome is reclaiming
// as much as possible and reporting what could not be cleaned.
func (fs *Filesystem) finalizeInodeRemoval(child *inodestore.Inode) error {
	var result *multierror.Error

	if !child.Mode.IsSymlink() {
		ib, err := dirindex.ReadIndex(fs.Dev, child.EIBlock)
		if err != nil {
			// The index block is unreadable: its data blocks become
			// permanently unreferenced garbage. Accepted per spec.md
			// section 7 to avoid leaving a dangling directory entry.
			result = multierror.Append(result, err)
		} else {
			for ei := 0; ei < layout.MaxExtents; ei++ {
				ext := &ib.Extents[ei]
				if !ext.InUse() {
					break
				}
				for bi := uint32(0); bi < ext.EELen; bi++ {
					if err := fs.Dev.ZeroBlock(layout.BlockNumber(ext.EEStart + bi)); err != nil {
						result = multierror.Append(result, err)
					}
				}
				if err := fs.Bitmaps.PutBlocks(layout.BlockNumber(ext.EEStart), ext.EELen); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}

		if err := fs.Dev.ZeroBlock(child.EIBlock); err != nil {
			result = multierror.Append(result, err)
		}
		if err := fs.Bitmaps.PutBlocks(child.EIBlock, 1); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := fs.Inodes.FreeInode(child.Number); err != nil {
		result = multierror.Append(result, err)
	}

	if result != nil {
		return errors.ErrIOFailed.WrapError(result)
	}
	return nil
}

// Rmdir removes the empty directory named name from parentIno.
func (fs *Filesystem) Rmdir(parentIno layout.InodeNumber, name string) error {
	parent, err := fs.Inodes.Iget(parentIno)
	if err != nil {
		return err
	}

	childIno, err := dirindex.Lookup(fs.Dev, parent.EIBlock, name)
	if err != nil {
		return err
	}
	child, err := fs.Inodes.Iget(childIno)
	if err != nil {
		return err
	}
	if !child.Mode.IsDir() {
		return errors.ErrNotADirectory
	}
	if child.Nlink > 2 {
		return errors.ErrDirectoryNotEmpty
	}

	ib, err := dirindex.ReadIndex(fs.Dev, child.EIBlock)
	if err != nil {
		return err
	}
	if ib.NrFiles != 0 {
		return errors.ErrDirectoryNotEmpty
	}

	return fs.Unlink(parentIno, name)
}

// Rename moves oldName out of oldParentIno and into newParentIno as
// newName, or rewrites the name in place when the two parents are the
// same directory. Mirrors simplefs_rename.
func (fs *Filesystem) Rename(oldParentIno layout.InodeNumber, oldName string, newParentIno layout.InodeNumber, newName string, flags RenameFlags) error {
	if flags&(RenameExchange|RenameWhiteout) != 0 {
		return errors.ErrInvalidArgument.WithMessage("unsupported rename flags")
	}
	if err := validateName(newName); err != nil {
		return err
	}

	oldParent, err := fs.Inodes.Iget(oldParentIno)
	if err != nil {
		return err
	}

	srcIno, err := dirindex.Lookup(fs.Dev, oldParent.EIBlock, oldName)
	if err != nil {
		return err
	}
	src, err := fs.Inodes.Iget(srcIno)
	if err != nil {
		return err
	}

	if newParentIno == oldParentIno {
		renamed, err := dirindex.RenameInPlace(fs.Dev, oldParent.EIBlock, oldName, newName)
		if err != nil {
			return err
		}
		if !renamed {
			return errors.ErrNotFound
		}
		return nil
	}

	newParent, err := fs.Inodes.Iget(newParentIno)
	if err != nil {
		return err
	}

	if _, err := dirindex.Lookup(fs.Dev, newParent.EIBlock, newName); err == nil {
		return errors.ErrExists
	}

	newIb, err := dirindex.ReadIndex(fs.Dev, newParent.EIBlock)
	if err != nil {
		return err
	}
	if dirindex.IsFull(&newIb) {
		return errors.ErrTooManyLinks.WithMessage("destination directory is full")
	}

	if err := dirindex.AddEntry(fs.Dev, fs.Bitmaps, newParent.EIBlock, srcIno, newName); err != nil {
		return err
	}

	now := fs.now()
	if src.Mode.IsDir() {
		newParent.Nlink++
	}
	newParent.Mtime, newParent.Atime, newParent.Ctime = now, now, now
	if err := fs.Inodes.Iput(newParent); err != nil {
		return err
	}

	// Post-insert, pre-removal IO errors leave the file accessible under
	// both names; the error is surfaced rather than rolled back (spec.md
	// section 7).
	if _, err := dirindex.RemoveFromDir(fs.Dev, oldParent.EIBlock, srcIno, oldName); err != nil {
		return err
	}

	if src.Mode.IsDir() {
		oldParent.Nlink--
	}
	oldParent.Mtime, oldParent.Atime, oldParent.Ctime = now, now, now
	return fs.Inodes.Iput(oldParent)
}

// GetLink returns a symlink inode's destination path.
func (fs *Filesystem) GetLink(ino layout.InodeNumber) (string, error) {
	n, err := fs.Inodes.Iget(ino)
	if err != nil {
		return "", err
	}
	if !n.Mode.IsSymlink() {
		return "", errors.ErrInvalidArgument.WithMessage("not a symlink")
	}
	return n.SymlinkTarget(), nil
}
