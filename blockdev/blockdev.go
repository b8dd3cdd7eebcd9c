// Package blockdev is the block device facade the rest of the simplefs
// engine programs against: read/write/sync of fixed-size blocks by number,
// with refcounted dirty-buffer tracking, per spec.md section 4.1.
package blockdev

import (
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/dargueta/simplefs/errors"
	"github.com/dargueta/simplefs/layout"
)

// Buffer holds exactly layout.BlockSize bytes for one block. It is
// refcounted: a buffer is only eligible for eviction from the device's
// cache once every holder has called Release.
type Buffer struct {
	device *Device
	bno    layout.BlockNumber
	data   []byte
	dirty  bool
	refs   int
}

// Bytes returns the buffer's backing storage. Mutations are only persisted
// once MarkDirty, Release, and (eventually) the device's Sync are called.
func (b *Buffer) Bytes() []byte { return b.data }

// MarkDirty flags the buffer as containing modifications that must be
// written back to the device on the next Sync.
func (b *Buffer) MarkDirty() { b.dirty = true }

// Release drops this holder's reference to the buffer.
func (b *Buffer) Release() {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	b.refs--
}

// Device is the block I/O abstraction every other simplefs package is
// written against: a fixed number of fixed-size blocks, addressed densely
// from 0, with explicit dirty tracking and batched sync.
//
// Device implementations are not expected to be safe for concurrent use;
// callers serialize mutating operations themselves (spec.md section 5).
type Device struct {
	mu          sync.Mutex
	backing     io.ReadWriteSeeker
	totalBlocks uint32
	cache       map[layout.BlockNumber]*Buffer
}

// New wraps backing, an I/O stream addressable in layout.BlockSize chunks,
// as a Device with totalBlocks blocks.
func New(backing io.ReadWriteSeeker, totalBlocks uint32) *Device {
	return &Device{
		backing:     backing,
		totalBlocks: totalBlocks,
		cache:       make(map[layout.BlockNumber]*Buffer),
	}
}

// TotalBlocks returns the number of addressable blocks on the device.
func (d *Device) TotalBlocks() uint32 { return d.totalBlocks }

func (d *Device) checkRange(bno layout.BlockNumber) error {
	if uint32(bno) >= d.totalBlocks {
		return errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("block %d out of range [0, %d)", bno, d.totalBlocks),
		)
	}
	return nil
}

// ReadBlock returns the buffer for block bno, fetching it from the backing
// stream the first time it's requested. Each call increments the buffer's
// reference count; the caller must call Release when done.
func (d *Device) ReadBlock(bno layout.BlockNumber) (*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkRange(bno); err != nil {
		return nil, err
	}

	if buf, ok := d.cache[bno]; ok {
		buf.refs++
		return buf, nil
	}

	data := make([]byte, layout.BlockSize)
	if _, err := d.backing.Seek(int64(bno)*layout.BlockSize, io.SeekStart); err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}
	if _, err := io.ReadFull(d.backing, data); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, errors.ErrIOFailed.WrapError(err)
	}

	buf := &Buffer{device: d, bno: bno, data: data, refs: 1}
	d.cache[bno] = buf
	return buf, nil
}

// ZeroBlock is a convenience wrapper around ReadBlock that overwrites the
// block with zeroes and marks it dirty, matching the "scrub the full block"
// step used throughout namespace operations (spec.md section 4.5).
func (d *Device) ZeroBlock(bno layout.BlockNumber) error {
	buf, err := d.ReadBlock(bno)
	if err != nil {
		return err
	}
	defer buf.Release()

	for i := range buf.data {
		buf.data[i] = 0
	}
	buf.MarkDirty()
	return nil
}

// Sync flushes every dirty buffer to the backing stream. Failures on
// individual blocks do not stop the sweep; they are collected and returned
// together so the caller can see the full extent of the damage, matching
// the "don't let one bad block hide the rest" posture of spec.md section 7.
func (d *Device) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result *multierror.Error
	for bno, buf := range d.cache {
		if !buf.dirty {
			continue
		}
		if _, err := d.backing.Seek(int64(bno)*layout.BlockSize, io.SeekStart); err != nil {
			result = multierror.Append(result, fmt.Errorf("block %d: %w", bno, err))
			continue
		}
		if _, err := d.backing.Write(buf.data); err != nil {
			result = multierror.Append(result, fmt.Errorf("block %d: %w", bno, err))
			continue
		}
		buf.dirty = false
	}

	if result != nil {
		return errors.ErrIOFailed.WrapError(result)
	}
	return nil
}

// Evict drops every buffer with a zero reference count from the cache. It
// is safe to call at any time; it never evicts a dirty buffer that hasn't
// been synced.
func (d *Device) Evict() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for bno, buf := range d.cache {
		if buf.refs <= 0 && !buf.dirty {
			delete(d.cache, bno)
		}
	}
}

// ReadRegion reads nrBlocks consecutive blocks starting at startBlock and
// concatenates their contents. Used for loading the bitmap regions, whose
// size in bits doesn't generally divide evenly into one block.
func (d *Device) ReadRegion(startBlock layout.BlockNumber, nrBlocks uint32) ([]byte, error) {
	out := make([]byte, 0, nrBlocks*layout.BlockSize)
	for i := uint32(0); i < nrBlocks; i++ {
		buf, err := d.ReadBlock(layout.BlockNumber(uint32(startBlock) + i))
		if err != nil {
			return nil, err
		}
		out = append(out, buf.Bytes()...)
		buf.Release()
	}
	return out, nil
}

// WriteRegion writes data across nrBlocks consecutive blocks starting at
// startBlock, zero-padding any trailing space in the last block.
func (d *Device) WriteRegion(startBlock layout.BlockNumber, nrBlocks uint32, data []byte) error {
	for i := uint32(0); i < nrBlocks; i++ {
		buf, err := d.ReadBlock(layout.BlockNumber(uint32(startBlock) + i))
		if err != nil {
			return err
		}

		lo := i * layout.BlockSize
		hi := lo + layout.BlockSize
		chunk := make([]byte, layout.BlockSize)
		if lo < uint32(len(data)) {
			end := hi
			if end > uint32(len(data)) {
				end = uint32(len(data))
			}
			copy(chunk, data[lo:end])
		}
		copy(buf.Bytes(), chunk)
		buf.MarkDirty()
		buf.Release()
	}
	return nil
}
