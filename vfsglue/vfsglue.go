// Package vfsglue is the thin adapter layer between namespace.Filesystem
// and a host virtual file system: it maps inode-number operations onto the
// VFS-facing operation set named in spec.md section 6 (lookup, create,
// mkdir, rmdir, unlink, link, symlink, rename, get_link) and translates
// inodestore.Inode into the host-neutral Stat shape, following the
// FileStat / DriverImplementation split in the teacher's api.go. Anything
// involving the host's inode cache, dentry cache, or page cache is the
// host's responsibility, not this package's.
package vfsglue

import (
	"os"
	"time"

	"github.com/dargueta/simplefs/errors"
	"github.com/dargueta/simplefs/inodestore"
	"github.com/dargueta/simplefs/layout"
	"github.com/dargueta/simplefs/namespace"
)

// Stat is the host-neutral description of an inode, analogous to
// syscall.Stat_t.
type Stat struct {
	InodeNumber uint64
	Nlink       uint64
	Mode        os.FileMode
	Uid         uint32
	Gid         uint32
	Size        int64
	BlockSize   int64
	NumBlocks   int64
	ChangedAt   time.Time
	AccessedAt  time.Time
	ModifiedAt  time.Time
}

func toFileMode(m layout.Mode) os.FileMode {
	perm := os.FileMode(m.Perm())
	switch {
	case m.IsDir():
		return perm | os.ModeDir
	case m.IsSymlink():
		return perm | os.ModeSymlink
	default:
		return perm
	}
}

func toStat(n *inodestore.Inode) Stat {
	return Stat{
		InodeNumber: uint64(n.Number),
		Nlink:       uint64(n.Nlink),
		Mode:        toFileMode(n.Mode),
		Uid:         n.Uid,
		Gid:         n.Gid,
		Size:        int64(n.Size),
		BlockSize:   layout.BlockSize,
		NumBlocks:   int64(n.Blocks),
		ChangedAt:   time.Unix(int64(n.Ctime), 0).UTC(),
		AccessedAt:  time.Unix(int64(n.Atime), 0).UTC(),
		ModifiedAt:  time.Unix(int64(n.Mtime), 0).UTC(),
	}
}

// Adapter exposes namespace.Filesystem's operations in the shape a host
// VFS glue layer calls them in: by inode number and name, returning
// host-neutral Stat values instead of *inodestore.Inode.
type Adapter struct {
	FS *namespace.Filesystem
}

// New wraps fs as an Adapter.
func New(fs *namespace.Filesystem) *Adapter {
	return &Adapter{FS: fs}
}

// Lookup resolves name within the directory inode parentIno.
func (a *Adapter) Lookup(parentIno layout.InodeNumber, name string) (uint64, error) {
	ino, err := a.FS.Lookup(parentIno, name)
	return uint64(ino), err
}

// Stat returns a host-neutral description of ino.
func (a *Adapter) Stat(ino layout.InodeNumber) (Stat, error) {
	n, err := a.FS.Inodes.Iget(ino)
	if err != nil {
		return Stat{}, err
	}
	return toStat(n), nil
}

// CreateObject creates a regular file or directory named name under
// parentIno, matching disko.DriverImplementation.CreateObject's contract:
// never called for a name that already exists.
func (a *Adapter) CreateObject(parentIno layout.InodeNumber, name string, perm os.FileMode, isDir bool, uid, gid uint32) (Stat, error) {
	mode := layout.Mode(uint32(perm.Perm()))
	if isDir {
		mode |= layout.ModeDir
	} else {
		mode |= layout.ModeRegular
	}

	n, err := a.FS.Create(parentIno, name, mode, uid, gid)
	if err != nil {
		return Stat{}, err
	}
	return toStat(n), nil
}

// Mkdir creates a directory named name under parentIno.
func (a *Adapter) Mkdir(parentIno layout.InodeNumber, name string, uid, gid uint32) (Stat, error) {
	n, err := a.FS.Mkdir(parentIno, name, uid, gid)
	if err != nil {
		return Stat{}, err
	}
	return toStat(n), nil
}

// Symlink creates a symbolic link named name under parentIno.
func (a *Adapter) Symlink(parentIno layout.InodeNumber, name, target string, uid, gid uint32) (Stat, error) {
	n, err := a.FS.Symlink(parentIno, name, target, uid, gid)
	if err != nil {
		return Stat{}, err
	}
	return toStat(n), nil
}

// Link creates a hard link named name under parentIno pointing at oldIno.
func (a *Adapter) Link(oldIno, parentIno layout.InodeNumber, name string) (Stat, error) {
	n, err := a.FS.Link(oldIno, parentIno, name)
	if err != nil {
		return Stat{}, err
	}
	return toStat(n), nil
}

// Unlink removes name from the directory inode parentIno.
func (a *Adapter) Unlink(parentIno layout.InodeNumber, name string) error {
	return a.FS.Unlink(parentIno, name)
}

// Rmdir removes the empty directory named name from parentIno.
func (a *Adapter) Rmdir(parentIno layout.InodeNumber, name string) error {
	return a.FS.Rmdir(parentIno, name)
}

// Rename moves oldName out of oldParentIno into newParentIno as newName.
func (a *Adapter) Rename(oldParentIno layout.InodeNumber, oldName string, newParentIno layout.InodeNumber, newName string, flags uint32) error {
	return a.FS.Rename(oldParentIno, oldName, newParentIno, newName, namespace.RenameFlags(flags))
}

// GetLink returns a symlink's destination path, matching
// simplefs_get_link / disko's ObjectHandle pattern of exposing link
// targets as plain strings.
func (a *Adapter) GetLink(ino layout.InodeNumber) (string, error) {
	return a.FS.GetLink(ino)
}

// Truncate is not supported by the directory-tree metadata engine: file
// data I/O is out of scope (spec.md section 1). Hosts that need it must
// implement it against their own block-allocation path for file data.
func (a *Adapter) Truncate(layout.InodeNumber, int64) error {
	return errors.ErrNotImplemented
}
