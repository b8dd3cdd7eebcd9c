// Package dirindex implements the extent-indexed directory format described
// in spec.md section 4.4: an index block of up to layout.MaxExtents extents,
// each extent spanning layout.MaxBlocksPerExtent directory blocks, each
// directory block holding file slots with run-length-compressed free gaps.
//
// Every function here is a direct port of the corresponding C routine in
// original_source/inode.c (simplefs_lookup, simplefs_get_available_ext_idx,
// simplefs_put_new_ext, simplefs_set_file_into_dir, simplefs_remove_from_dir),
// generalized just enough to operate over blockdev.Device instead of
// sb_bread/brelse.
package dirindex

import (
	"github.com/dargueta/simplefs/bitmaps"
	"github.com/dargueta/simplefs/blockdev"
	"github.com/dargueta/simplefs/errors"
	"github.com/dargueta/simplefs/layout"
)

// ReadIndex decodes the extent-index block at eiBlock.
func ReadIndex(dev *blockdev.Device, eiBlock layout.BlockNumber) (layout.IndexBlock, error) {
	buf, err := dev.ReadBlock(eiBlock)
	if err != nil {
		return layout.IndexBlock{}, err
	}
	defer buf.Release()

	ib, err := layout.DecodeIndexBlock(buf.Bytes())
	if err != nil {
		return layout.IndexBlock{}, errors.ErrFileSystemCorrupted.WrapError(err)
	}
	return ib, nil
}

// WriteIndex encodes and writes ib back to eiBlock.
func WriteIndex(dev *blockdev.Device, eiBlock layout.BlockNumber, ib layout.IndexBlock) error {
	buf, err := dev.ReadBlock(eiBlock)
	if err != nil {
		return err
	}
	defer buf.Release()

	copy(buf.Bytes(), ib.Encode())
	buf.MarkDirty()
	return nil
}

// IsFull reports whether a directory holding ib has reached
// layout.MaxSubfiles live entries.
func IsFull(ib *layout.IndexBlock) bool { return ib.NrFiles >= layout.MaxSubfiles }

// Lookup searches every extent and directory block reachable from eiBlock
// for a live entry named name, returning its inode number.
//
// Each directory block is walked along its run-length chain from slot 0,
// stepping over free anchors (such as a leading free run left behind when
// slot 0 is removed) and stopping once as many live slots have been seen
// as the block's NrFiles header records. A miss returns errors.ErrNotFound.
func Lookup(dev *blockdev.Device, eiBlock layout.BlockNumber, name string) (layout.InodeNumber, error) {
	ib, err := ReadIndex(dev, eiBlock)
	if err != nil {
		return layout.NoInode, err
	}

	for ei := 0; ei < layout.MaxExtents; ei++ {
		ext := &ib.Extents[ei]
		if !ext.InUse() {
			break
		}

		for bi := uint32(0); bi < ext.EELen; bi++ {
			bno := layout.BlockNumber(ext.EEStart + bi)
			buf, err := dev.ReadBlock(bno)
			if err != nil {
				return layout.NoInode, err
			}

			db, err := layout.DecodeDirBlock(buf.Bytes())
			buf.Release()
			if err != nil {
				return layout.NoInode, errors.ErrFileSystemCorrupted.WrapError(err)
			}

			blkNrFiles := db.NrFiles
			for fi := 0; blkNrFiles > 0 && fi < layout.FilesPerBlock; {
				slot := &db.Files[fi]
				if slot.Inode != 0 {
					if slot.Name() == name {
						return layout.InodeNumber(slot.Inode), nil
					}
					blkNrFiles--
				}
				fi += int(slot.NrBlk)
			}
		}
	}

	return layout.NoInode, errors.ErrNotFound
}

// Entry is one live (name, inode) pair read back out of a directory.
type Entry struct {
	Name  string
	Inode layout.InodeNumber
}

// ListEntries walks every extent and directory block reachable from
// eiBlock and returns each live entry in on-disk order. It shares
// Lookup's traversal exactly, collecting instead of comparing, since
// readdir and lookup walk the same packed run-length structure.
func ListEntries(dev *blockdev.Device, eiBlock layout.BlockNumber) ([]Entry, error) {
	ib, err := ReadIndex(dev, eiBlock)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for ei := 0; ei < layout.MaxExtents; ei++ {
		ext := &ib.Extents[ei]
		if !ext.InUse() {
			break
		}

		for bi := uint32(0); bi < ext.EELen; bi++ {
			bno := layout.BlockNumber(ext.EEStart + bi)
			buf, err := dev.ReadBlock(bno)
			if err != nil {
				return nil, err
			}
			db, err := layout.DecodeDirBlock(buf.Bytes())
			buf.Release()
			if err != nil {
				return nil, errors.ErrFileSystemCorrupted.WrapError(err)
			}

			blkNrFiles := db.NrFiles
			for fi := 0; blkNrFiles > 0 && fi < layout.FilesPerBlock; {
				slot := &db.Files[fi]
				if slot.Inode != 0 {
					entries = append(entries, Entry{Name: slot.Name(), Inode: layout.InodeNumber(slot.Inode)})
					blkNrFiles--
				}
				fi += int(slot.NrBlk)
			}
		}
	}
	return entries, nil
}

// CheckInvariants verifies spec.md section 8's invariants 1 and 2 for the
// directory indexed by eiBlock:
//
//  1. ib.NrFiles == Σ extent.NrFiles == Σ (over every directory block)
//     block.NrFiles.
//  2. For every directory block, the run-length chain starting at slot 0
//     sums to exactly layout.FilesPerBlock, and the number of slots with a
//     nonzero inode matches that block's NrFiles header.
//
// Invariants 3-5 span bitmaps and inodestore and are checked there
// (bitmaps.Bitmaps.CheckCounters) or directly in namespace's tests, which
// are the only callers with access to both layers at once.
func CheckInvariants(dev *blockdev.Device, eiBlock layout.BlockNumber) error {
	ib, err := ReadIndex(dev, eiBlock)
	if err != nil {
		return err
	}

	extTotal := uint32(0)
	for ei := 0; ei < layout.MaxExtents; ei++ {
		ext := &ib.Extents[ei]
		if !ext.InUse() {
			break
		}
		extTotal += ext.NrFiles

		blockTotal := uint32(0)
		for bi := uint32(0); bi < ext.EELen; bi++ {
			bno := layout.BlockNumber(ext.EEStart + bi)
			buf, err := dev.ReadBlock(bno)
			if err != nil {
				return err
			}
			db, err := layout.DecodeDirBlock(buf.Bytes())
			buf.Release()
			if err != nil {
				return errors.ErrFileSystemCorrupted.WrapError(err)
			}
			blockTotal += db.NrFiles

			liveCount := uint32(0)
			for fi := range db.Files {
				if db.Files[fi].Inode != 0 {
					liveCount++
				}
			}
			if liveCount != db.NrFiles {
				return errors.ErrFileSystemCorrupted.WithMessage(
					"directory block nr_files does not match its live slot count",
				)
			}

			runTotal := uint32(0)
			for fi := 0; fi < layout.FilesPerBlock; {
				nrBlk := db.Files[fi].NrBlk
				if nrBlk == 0 {
					return errors.ErrFileSystemCorrupted.WithMessage(
						"directory block has a zero-length run, traversal would stall",
					)
				}
				runTotal += nrBlk
				fi += int(nrBlk)
			}
			if runTotal != layout.FilesPerBlock {
				return errors.ErrFileSystemCorrupted.WithMessage(
					"directory block's run-length chain does not sum to FilesPerBlock",
				)
			}
		}
		if blockTotal != ext.NrFiles {
			return errors.ErrFileSystemCorrupted.WithMessage(
				"extent nr_files does not match the sum of its blocks' nr_files",
			)
		}
	}

	if extTotal != ib.NrFiles {
		return errors.ErrFileSystemCorrupted.WithMessage(
			"directory index nr_files does not match the sum of its extents' nr_files",
		)
	}
	return nil
}

// GetAvailableExtIdx finds the extent index that a new entry should be
// written into: either an existing, not-yet-full extent, or the first
// unused slot if every allocated extent is full. dirNrFiles starts as the
// directory's total live-entry count and is consumed extent-by-extent,
// exactly as in the original C.
func GetAvailableExtIdx(ib *layout.IndexBlock) uint32 {
	dirNrFiles := ib.NrFiles
	firstEmpty := uint32(layout.MaxExtents)
	found := false

scan:
	for ei := 0; ei < layout.MaxExtents; ei++ {
		ext := &ib.Extents[ei]
		if ext.InUse() && ext.NrFiles != layout.FilesPerExtent {
			firstEmpty = uint32(ei)
			break scan
		} else if !ext.InUse() {
			if !found {
				firstEmpty = uint32(ei)
				found = true
			}
		} else {
			dirNrFiles -= ext.NrFiles
			if !found && dirNrFiles == 0 {
				firstEmpty = uint32(ei) + 1
				found = true
			}
		}
		if dirNrFiles == 0 {
			break scan
		}
	}
	return firstEmpty
}

// PutNewExt allocates a fresh run of layout.MaxBlocksPerExtent blocks,
// initializes each as an empty directory block, and records the extent at
// slot ei of ib.
func PutNewExt(dev *blockdev.Device, bm *bitmaps.Bitmaps, ib *layout.IndexBlock, ei uint32) error {
	bno := bm.GetFreeBlocks(layout.MaxBlocksPerExtent)
	if bno == 0 {
		return errors.ErrNoSpaceOnDevice.WithMessage("no contiguous run of blocks for new extent")
	}

	ext := &ib.Extents[ei]
	ext.EEStart = uint32(bno)
	ext.EELen = layout.MaxBlocksPerExtent
	if ei > 0 {
		prev := &ib.Extents[ei-1]
		ext.EEBlock = prev.EEBlock + prev.EELen
	} else {
		ext.EEBlock = 0
	}
	ext.NrFiles = 0

	for bi := uint32(0); bi < ext.EELen; bi++ {
		blockNum := layout.BlockNumber(uint32(bno) + bi)
		buf, err := dev.ReadBlock(blockNum)
		if err != nil {
			_ = bm.PutBlocks(bno, layout.MaxBlocksPerExtent)
			*ext = layout.Extent{}
			return err
		}
		empty := layout.NewDirBlock()
		copy(buf.Bytes(), empty.Encode())
		buf.MarkDirty()
		buf.Release()
	}
	return nil
}

// SetFileIntoDir writes a new entry into db's run-length-encoded free
// space, consuming one slot from the first free run. This is a direct port
// of simplefs_set_file_into_dir.
func SetFileIntoDir(db *layout.DirBlock, ino layout.InodeNumber, name string) {
	fi := 0
	switch {
	case db.NrFiles != 0 && db.Files[0].Inode != 0:
		for fi = 0; fi < layout.FilesPerBlock-1; fi++ {
			if db.Files[fi].NrBlk != 1 {
				break
			}
		}
		db.Files[fi+1].Inode = uint32(ino)
		db.Files[fi+1].NrBlk = db.Files[fi].NrBlk - 1
		db.Files[fi+1].SetName(name)
		db.Files[fi].NrBlk = 1
	case db.NrFiles == 0:
		db.Files[fi].Inode = uint32(ino)
		db.Files[fi].SetName(name)
	default:
		db.Files[0].Inode = uint32(ino)
		db.Files[fi].SetName(name)
	}
	db.NrFiles++
}

// FindBlockWithSpace scans every directory block in extent ei for one that
// has not yet reached layout.FilesPerBlock live entries, returning its
// block number and decoded contents.
func FindBlockWithSpace(dev *blockdev.Device, ib *layout.IndexBlock, ei uint32) (layout.BlockNumber, layout.DirBlock, error) {
	ext := &ib.Extents[ei]
	for bi := uint32(0); bi < ext.EELen; bi++ {
		bno := layout.BlockNumber(ext.EEStart + bi)
		buf, err := dev.ReadBlock(bno)
		if err != nil {
			return 0, layout.DirBlock{}, err
		}
		db, err := layout.DecodeDirBlock(buf.Bytes())
		buf.Release()
		if err != nil {
			return 0, layout.DirBlock{}, errors.ErrFileSystemCorrupted.WrapError(err)
		}
		if db.NrFiles != layout.FilesPerBlock {
			return bno, db, nil
		}
	}
	return 0, layout.DirBlock{}, errors.ErrFileSystemCorrupted.WithMessage(
		"extent reports free entries but every block is full",
	)
}

// AddEntry inserts (name -> childIno) into the directory indexed by
// eiBlock, allocating a new extent if every existing one is full. It is
// the shared tail of simplefs_create, simplefs_link, and simplefs_symlink:
// the part where the new name is actually written into the parent.
func AddEntry(dev *blockdev.Device, bm *bitmaps.Bitmaps, eiBlock layout.BlockNumber, childIno layout.InodeNumber, name string) error {
	ib, err := ReadIndex(dev, eiBlock)
	if err != nil {
		return err
	}
	if IsFull(&ib) {
		return errors.ErrTooManyLinks.WithMessage("directory has reached the maximum number of entries")
	}

	avail := GetAvailableExtIdx(&ib)
	allocated := false
	if !ib.Extents[avail].InUse() {
		if err := PutNewExt(dev, bm, &ib, avail); err != nil {
			return err
		}
		allocated = true
	}

	bno, db, err := FindBlockWithSpace(dev, &ib, avail)
	if err != nil {
		if allocated {
			rollbackExtent(bm, &ib, avail)
		}
		return err
	}

	SetFileIntoDir(&db, childIno, name)

	buf, err := dev.ReadBlock(bno)
	if err != nil {
		if allocated {
			rollbackExtent(bm, &ib, avail)
		}
		return err
	}
	copy(buf.Bytes(), db.Encode())
	buf.MarkDirty()
	buf.Release()

	ib.Extents[avail].NrFiles++
	ib.NrFiles++

	return WriteIndex(dev, eiBlock, ib)
}

func rollbackExtent(bm *bitmaps.Bitmaps, ib *layout.IndexBlock, ei uint32) {
	ext := &ib.Extents[ei]
	if ext.InUse() {
		_ = bm.PutBlocks(layout.BlockNumber(ext.EEStart), ext.EELen)
		*ext = layout.Extent{}
	}
}

// RemoveFromDir finds the live entry named name pointing at ino and clears
// it, merging its slot back into the preceding free run. It is a direct
// port of simplefs_remove_from_dir; it reports whether an entry was found.
func RemoveFromDir(dev *blockdev.Device, eiBlock layout.BlockNumber, ino layout.InodeNumber, name string) (bool, error) {
	ib, err := ReadIndex(dev, eiBlock)
	if err != nil {
		return false, err
	}

	dirNrFiles := ib.NrFiles
	found := false

	for ei := 0; dirNrFiles > 0 && ei < layout.MaxExtents; ei++ {
		ext := &ib.Extents[ei]
		if !ext.InUse() {
			continue
		}
		dirNrFiles -= ext.NrFiles

		for bi := uint32(0); bi < ext.EELen; bi++ {
			bno := layout.BlockNumber(ext.EEStart + bi)
			buf, err := dev.ReadBlock(bno)
			if err != nil {
				return false, err
			}
			db, err := layout.DecodeDirBlock(buf.Bytes())
			if err != nil {
				buf.Release()
				return false, errors.ErrFileSystemCorrupted.WrapError(err)
			}

			blkNrFiles := db.NrFiles
			for fi := 0; blkNrFiles > 0 && fi < layout.FilesPerBlock; {
				slot := &db.Files[fi]
				if slot.Inode != 0 {
					if slot.Inode == uint32(ino) && slot.Name() == name {
						freed := slot.NrBlk
						slot.Inode = 0
						for i := fi - 1; i >= 0; i-- {
							if db.Files[i].Inode != 0 || i == 0 {
								db.Files[i].NrBlk += freed
								break
							}
						}
						db.NrFiles--
						ext.NrFiles--
						ib.NrFiles--
						copy(buf.Bytes(), db.Encode())
						buf.MarkDirty()
						buf.Release()
						found = true
						goto foundData
					}
					blkNrFiles--
				}
				fi += int(slot.NrBlk)
			}
			buf.Release()
		}
	}

foundData:
	if found {
		if err := WriteIndex(dev, eiBlock, ib); err != nil {
			return false, err
		}
	}
	return found, nil
}

// RenameInPlace rewrites the filename of the live slot named oldName to
// newName, without touching the inode it points at. It mirrors the
// new_dir == old_dir branch of simplefs_rename: the directory is not
// checked for an existing newName collision, matching the source.
func RenameInPlace(dev *blockdev.Device, eiBlock layout.BlockNumber, oldName, newName string) (bool, error) {
	ib, err := ReadIndex(dev, eiBlock)
	if err != nil {
		return false, err
	}

	for ei := 0; ei < layout.MaxExtents; ei++ {
		ext := &ib.Extents[ei]
		if !ext.InUse() {
			break
		}

		for bi := uint32(0); bi < ext.EELen; bi++ {
			bno := layout.BlockNumber(ext.EEStart + bi)
			buf, err := dev.ReadBlock(bno)
			if err != nil {
				return false, err
			}
			db, err := layout.DecodeDirBlock(buf.Bytes())
			if err != nil {
				buf.Release()
				return false, errors.ErrFileSystemCorrupted.WrapError(err)
			}

			blkNrFiles := db.NrFiles
			for fi := 0; blkNrFiles > 0 && fi < layout.FilesPerBlock; {
				slot := &db.Files[fi]
				if slot.Inode != 0 {
					if slot.Name() == oldName {
						slot.SetName(newName)
						copy(buf.Bytes(), db.Encode())
						buf.MarkDirty()
						buf.Release()
						return true, nil
					}
					blkNrFiles--
				}
				fi += int(slot.NrBlk)
			}
			buf.Release()
		}
	}

	return false, nil
}
