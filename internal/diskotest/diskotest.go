// Package diskotest provides test fixtures shared across the engine's
// packages: random backing images and ready-to-use formatted mounts,
// grounded on the teacher's testing/images.go and testing/blockcache.go
// helpers.
package diskotest

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/simplefs/blockdev"
	"github.com/dargueta/simplefs/format"
	"github.com/dargueta/simplefs/layout"
	"github.com/dargueta/simplefs/mount"
)

// CreateRandomImage returns totalBlocks*layout.BlockSize random bytes,
// failing the test if the source of randomness errors.
func CreateRandomImage(t *testing.T, totalBlocks uint32) []byte {
	t.Helper()

	data := make([]byte, uint64(totalBlocks)*layout.BlockSize)
	_, err := rand.Read(data)
	require.NoErrorf(t, err, "failed to fill %d blocks with random bytes", totalBlocks)
	return data
}

// NewDevice wraps backingData (or, if nil, a freshly allocated zeroed
// image) as a blockdev.Device with totalBlocks blocks.
func NewDevice(t *testing.T, totalBlocks uint32, backingData []byte) *blockdev.Device {
	t.Helper()

	if backingData == nil {
		backingData = make([]byte, uint64(totalBlocks)*layout.BlockSize)
	}
	require.Equal(
		t,
		uint64(totalBlocks)*layout.BlockSize,
		uint64(len(backingData)),
		"backing image is the wrong size",
	)

	stream := bytesextra.NewReadWriteSeeker(backingData)
	return blockdev.New(stream, totalBlocks)
}

// FormatOptions bundles the few format.Options fields tests usually care
// about naming explicitly.
type FormatOptions struct {
	NrInodes uint32
	NrBlocks uint32
}

// NewFormattedMount formats a fresh in-memory device with opts and mounts
// it, failing the test on any error. This is the starting point for the
// namespace, vfsglue, and format tests: a live, empty file system with
// just the root directory.
func NewFormattedMount(t *testing.T, opts FormatOptions) *mount.Mount {
	t.Helper()

	dev := NewDevice(t, opts.NrBlocks, nil)
	_, err := format.Format(dev, format.Options{
		NrInodes: opts.NrInodes,
		NrBlocks: opts.NrBlocks,
		Uid:      1000,
		Gid:      1000,
		Now:      1_700_000_000,
	})
	require.NoError(t, err, "failed to format test image")

	m, err := mount.Mount(dev)
	require.NoError(t, err, "failed to mount freshly formatted test image")
	return m
}
