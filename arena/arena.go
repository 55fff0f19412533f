package arena

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/memlabs/segheap"
)

// WordSize is the width in bytes of the metadata words stored in an Arena. All word
// reads and writes are little-endian.
const WordSize = 4

// Arena is a single contiguous, append-only memory region addressed by byte offsets
// from its base. It only ever grows- Grow extends the region and returns the previous
// break offset, in the manner of sbrk. Offsets handed out remain valid across growth
// because identity is offset-based rather than address-based.
type Arena struct {
	data []byte
	max  int
}

// New creates an empty Arena. maxSize caps the total size the region may grow to;
// a maxSize of 0 leaves growth unbounded.
func New(maxSize int) *Arena {
	return &Arena{
		max: maxSize,
	}
}

// Grow extends the region by extra zeroed bytes and returns the offset of the old
// break (the first byte of the newly-added range). It returns an error wrapping
// segheap.ErrOutOfMemory when the requested growth would push the region past its
// configured maximum.
func (a *Arena) Grow(extra int) (int, error) {
	if extra < 0 {
		return 0, errors.Errorf("cannot grow the arena by a negative amount: %d", extra)
	}

	oldBreak := len(a.data)
	if a.max != 0 && oldBreak+extra > a.max {
		return 0, errors.Wrapf(segheap.ErrOutOfMemory,
			"growing the arena by %d bytes would exceed the %d-byte maximum", extra, a.max)
	}

	a.data = append(a.data, make([]byte, extra)...)
	return oldBreak, nil
}

// Size returns the current break offset- the number of bytes in the region.
func (a *Arena) Size() int {
	return len(a.data)
}

// Contains returns whether offset lies within the region.
func (a *Arena) Contains(offset int) bool {
	return offset >= 0 && offset < len(a.data)
}

// Bytes returns a view of length bytes of the region beginning at offset. The view
// aliases the region's storage, so writes through it are visible to later reads.
func (a *Arena) Bytes(offset, length int) []byte {
	return a.data[offset : offset+length : offset+length]
}

// Word reads the metadata word at offset.
func (a *Arena) Word(offset int) uint32 {
	return binary.LittleEndian.Uint32(a.data[offset : offset+WordSize])
}

// SetWord writes the metadata word at offset.
func (a *Arena) SetWord(offset int, value uint32) {
	binary.LittleEndian.PutUint32(a.data[offset:offset+WordSize], value)
}
