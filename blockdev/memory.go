package blockdev

import (
	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/simplefs/layout"
)

// NewMemoryDevice creates a Device backed entirely by memory, with
// totalBlocks blocks of zeroed data. The tests use it; cmd/simplefsctl does
// not, and formats its image file in place through New.
func NewMemoryDevice(totalBlocks uint32) *Device {
	raw := make([]byte, uint64(totalBlocks)*layout.BlockSize)
	stream := bytesextra.NewReadWriteSeeker(raw)
	return New(stream, totalBlocks)
}
