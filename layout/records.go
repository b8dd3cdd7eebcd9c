package layout

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Superblock is the packed on-disk record stored in block 0. Counters are
// authoritative; the bitmaps are the source of truth for *which* inodes and
// blocks are free (see bitmaps.Bitmaps).
type Superblock struct {
	Magic           uint32
	NrBlocks        uint32
	NrInodes        uint32
	NrIstoreBlocks  uint32
	NrIfreeBlocks   uint32
	NrBfreeBlocks   uint32
	NrFreeInodes    uint32
	NrFreeBlocks    uint32
}

// Encode writes the superblock into a fresh, zero-padded block-sized buffer.
func (sb *Superblock) Encode() []byte {
	buf := new(bytes.Buffer)
	// binary.Write on a struct of only fixed-width scalar fields never
	// fails; errors are only possible for unsupported field types.
	_ = binary.Write(buf, binary.LittleEndian, sb)
	return padToBlock(buf.Bytes())
}

// DecodeSuperblock reads a superblock from a block-sized buffer and checks
// the magic number.
func DecodeSuperblock(block []byte) (Superblock, error) {
	var sb Superblock
	if err := binary.Read(bytes.NewReader(block), binary.LittleEndian, &sb); err != nil {
		return Superblock{}, err
	}
	if sb.Magic != Magic {
		return Superblock{}, fmt.Errorf("bad superblock magic: got 0x%x, want 0x%x", sb.Magic, Magic)
	}
	return sb, nil
}

// InodeRecord is the packed on-disk representation of one inode, matching
// simplefs_inode byte-for-byte: ten little-endian uint32 fields followed by
// 32 bytes of inline symlink payload.
type InodeRecord struct {
	Mode     uint32
	Uid      uint32
	Gid      uint32
	Size     uint32
	Ctime    uint32
	Atime    uint32
	Mtime    uint32
	Blocks   uint32
	Nlink    uint32
	EIBlock  uint32
	Data     [MaxSymlinkTarget]byte
}

// DecodeInodeTableBlock decodes every inode record packed into one inode
// table block.
func DecodeInodeTableBlock(block []byte) ([InodesPerBlock]InodeRecord, error) {
	var out [InodesPerBlock]InodeRecord
	r := bytes.NewReader(block)
	for i := range out {
		if err := binary.Read(r, binary.LittleEndian, &out[i]); err != nil {
			return out, err
		}
	}
	return out, nil
}

// EncodeInodeTableBlock packs InodesPerBlock inode records into a fresh
// block-sized buffer.
func EncodeInodeTableBlock(records [InodesPerBlock]InodeRecord) []byte {
	buf := new(bytes.Buffer)
	for i := range records {
		_ = binary.Write(buf, binary.LittleEndian, &records[i])
	}
	return padToBlock(buf.Bytes())
}

// Extent describes up to MaxBlocksPerExtent contiguous physical blocks
// belonging to one logical region of a file or directory's data.
//
// EEStart == 0 marks the slot unused.
type Extent struct {
	EEBlock uint32 // logical block offset of the first block this extent covers
	EELen   uint32 // length in blocks
	EEStart uint32 // first physical block number
	NrFiles uint32 // live directory-entry count (directories only)
}

func (e *Extent) InUse() bool { return e.EEStart != 0 }

// IndexBlock is the extent-index block pointed to by an inode's EIBlock:
// a live-entry-count header (meaningful for directories only) followed by
// MaxExtents extent descriptors in ascending logical order.
type IndexBlock struct {
	NrFiles uint32
	Extents [MaxExtents]Extent
}

func DecodeIndexBlock(block []byte) (IndexBlock, error) {
	var ib IndexBlock
	err := binary.Read(bytes.NewReader(block), binary.LittleEndian, &ib)
	return ib, err
}

func (ib *IndexBlock) Encode() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, ib)
	return padToBlock(buf.Bytes())
}

// FileSlot is one directory entry: a child inode number, a run-length skip
// counter (see package dirindex), and a NUL-padded file name.
type FileSlot struct {
	Inode    uint32
	NrBlk    uint32
	Filename [FilenameLen]byte
}

// Name returns the slot's file name with trailing NUL padding stripped.
func (fs *FileSlot) Name() string {
	n := bytes.IndexByte(fs.Filename[:], 0)
	if n < 0 {
		n = len(fs.Filename)
	}
	return string(fs.Filename[:n])
}

// SetName copies name into the slot's filename field, NUL-padding the rest.
// The caller must have already validated len(name) <= FilenameLen.
func (fs *FileSlot) SetName(name string) {
	fs.Filename = [FilenameLen]byte{}
	copy(fs.Filename[:], name)
}

// DirBlock is one block of a directory extent: a live-entry count followed
// by FilesPerBlock file slots with run-length free-gap encoding (see
// package dirindex for the encoding semantics).
type DirBlock struct {
	NrFiles uint32
	Files   [FilesPerBlock]FileSlot
}

func DecodeDirBlock(block []byte) (DirBlock, error) {
	var db DirBlock
	err := binary.Read(bytes.NewReader(block), binary.LittleEndian, &db)
	return db, err
}

func (db *DirBlock) Encode() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, db)
	return padToBlock(buf.Bytes())
}

// NewDirBlock returns a freshly initialized, empty directory block: one big
// free run spanning every slot.
func NewDirBlock() DirBlock {
	var db DirBlock
	db.Files[0].NrBlk = FilesPerBlock
	return db
}

func padToBlock(b []byte) []byte {
	if len(b) >= BlockSize {
		return b[:BlockSize]
	}
	out := make([]byte, BlockSize)
	copy(out, b)
	return out
}
