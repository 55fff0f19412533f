// Package layout implements the wire format of block metadata within a heap arena.
//
// Every block is described by a 4-byte header word stored immediately before the
// block's payload:
//
//	bits 31..3   block size in bytes, always a multiple of 8 (header included)
//	bit  1       previous physical block is allocated (boundary tag)
//	bit  0       this block is allocated
//
// Free blocks additionally carry a footer word in their last 4 bytes that is an exact
// copy of the header, plus two free-list link words at the start of the payload area:
//
//	[header][next free Ref][prev free Ref] ... [footer]
//
// Allocated blocks have no footer- the boundary tag in the following block's header
// stands in for it. Links are Refs (payload offsets from the arena base) rather than
// raw pointers so they fit in a single metadata word.
package layout

import (
	"github.com/memlabs/segheap/arena"
)

const (
	// WordSize is the width in bytes of a metadata word.
	WordSize = arena.WordSize
	// DoubleSize is the required alignment of block sizes and payload offsets.
	DoubleSize = 2 * WordSize
	// HeaderSize is the number of bytes of overhead before a block's payload.
	HeaderSize = WordSize
	// FooterSize is the number of bytes of overhead at the end of a free block.
	FooterSize = WordSize
	// MinBlockSize is the smallest legal block: header, two link words, and footer.
	MinBlockSize = HeaderSize + 2*WordSize + FooterSize

	allocatedBit     uint32 = 0x1
	prevAllocatedBit uint32 = 0x2
	sizeMask         uint32 = ^uint32(DoubleSize - 1)
)

// Ref identifies a block by the offset of its payload from the arena base. The zero
// Ref is the null reference: offset 0 lies inside the heap's leading padding, so no
// payload can ever live there.
type Ref uint32

const NullRef Ref = 0

// Header is the unpacked form of a block's header (or footer) word.
type Header struct {
	Size          int
	Allocated     bool
	PrevAllocated bool
}

// Pack encodes the header into its wire format word.
func (h Header) Pack() uint32 {
	word := uint32(h.Size) & sizeMask
	if h.Allocated {
		word |= allocatedBit
	}
	if h.PrevAllocated {
		word |= prevAllocatedBit
	}
	return word
}

// Unpack decodes a header or footer word.
func Unpack(word uint32) Header {
	return Header{
		Size:          int(word & sizeMask),
		Allocated:     word&allocatedBit != 0,
		PrevAllocated: word&prevAllocatedBit != 0,
	}
}

// HeaderOffset returns the arena offset of the block's header word.
func HeaderOffset(ref Ref) int {
	return int(ref) - HeaderSize
}

// FooterOffset returns the arena offset of the block's footer word. Only free blocks
// carry a footer.
func FooterOffset(a *arena.Arena, ref Ref) int {
	return int(ref) + ReadHeader(a, ref).Size - HeaderSize - FooterSize
}

// HeaderWord reads the raw header word of the block at ref.
func HeaderWord(a *arena.Arena, ref Ref) uint32 {
	return a.Word(HeaderOffset(ref))
}

// ReadHeader reads and unpacks the header of the block at ref.
func ReadHeader(a *arena.Arena, ref Ref) Header {
	return Unpack(HeaderWord(a, ref))
}

// WriteHeader packs and writes the header of the block at ref.
func WriteHeader(a *arena.Arena, ref Ref, h Header) {
	a.SetWord(HeaderOffset(ref), h.Pack())
}

// WriteHeaderKeepTag rewrites the block's size and allocated bit while preserving
// whatever boundary tag bit the header currently holds.
func WriteHeaderKeepTag(a *arena.Arena, ref Ref, size int, allocated bool) {
	prevAllocated := ReadHeader(a, ref).PrevAllocated
	WriteHeader(a, ref, Header{Size: size, Allocated: allocated, PrevAllocated: prevAllocated})
}

// WriteFooter duplicates the block's current header into its footer word. Only free
// blocks and the prologue sentinel carry footers.
func WriteFooter(a *arena.Arena, ref Ref) {
	a.SetWord(FooterOffset(a, ref), HeaderWord(a, ref))
}

// FooterWord reads the raw footer word of the free block at ref.
func FooterWord(a *arena.Arena, ref Ref) uint32 {
	return a.Word(FooterOffset(a, ref))
}

// SetPrevAllocated updates only the boundary tag bit of the block at ref. It is used
// to inform a block that its physical predecessor changed allocation state.
func SetPrevAllocated(a *arena.Arena, ref Ref, prevAllocated bool) {
	word := HeaderWord(a, ref)
	if prevAllocated {
		word |= prevAllocatedBit
	} else {
		word &= ^prevAllocatedBit
	}
	a.SetWord(HeaderOffset(ref), word)
}

// NextRef returns the payload offset of the physically-following block.
func NextRef(a *arena.Arena, ref Ref) Ref {
	return ref + Ref(ReadHeader(a, ref).Size)
}

// PrevRef returns the payload offset of the physically-preceding block by reading its
// footer. It is only legal when the preceding block is free (allocated blocks carry no
// footer)- callers must consult the boundary tag first.
func PrevRef(a *arena.Arena, ref Ref) Ref {
	prevFooter := Unpack(a.Word(HeaderOffset(ref) - FooterSize))
	return ref - Ref(prevFooter.Size)
}

// NextFree reads the block's next free-list link.
func NextFree(a *arena.Arena, ref Ref) Ref {
	return Ref(a.Word(int(ref)))
}

// SetNextFree writes the block's next free-list link.
func SetNextFree(a *arena.Arena, ref Ref, next Ref) {
	a.SetWord(int(ref), uint32(next))
}

// PrevFree reads the block's previous free-list link.
func PrevFree(a *arena.Arena, ref Ref) Ref {
	return Ref(a.Word(int(ref) + WordSize))
}

// SetPrevFree writes the block's previous free-list link.
func SetPrevFree(a *arena.Arena, ref Ref, prev Ref) {
	a.SetWord(int(ref)+WordSize, uint32(prev))
}
