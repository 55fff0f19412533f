// Package heap implements a malloc-style dynamic allocator over a single growable
// arena. Blocks are described by boundary-tagged headers in the arena itself (see the
// layout package for the wire format), free blocks are organized into segregated
// free lists by size class, and physically adjacent free blocks are always coalesced.
package heap

import (
	"io"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/memlabs/segheap"
	"github.com/memlabs/segheap/arena"
	"github.com/memlabs/segheap/layout"
	"golang.org/x/exp/slog"
)

// DefaultChunkSize is the minimum amount the heap grows by on an extension,
// amortizing the cost of backing-store growth.
const DefaultChunkSize = 4096

// prologueRef is the payload offset of the prologue sentinel: a fixed 8-byte
// allocated block anchoring the low end of the heap so boundary-tag lookups never
// underflow. The epilogue sentinel (a zero-size allocated header at the break)
// anchors the high end so physical traversal terminates.
const prologueRef layout.Ref = 8

const firstBlockRef layout.Ref = prologueRef + layout.DoubleSize

// Options controls the construction of a Heap.
type Options struct {
	// ChunkSize is the minimum heap extension, in bytes. It must be a multiple of 8
	// no smaller than the minimum block size. Zero selects DefaultChunkSize.
	ChunkSize int
	// MaxHeapSize caps the total size the backing arena may grow to. Zero leaves
	// growth unbounded.
	MaxHeapSize int
	// Logger receives debug-level operation tracing. Nil discards it.
	Logger *slog.Logger
}

// Heap is a single-threaded dynamic allocator. All allocator state lives in the Heap
// value, so independent heaps can coexist in one process.
type Heap struct {
	arena  *arena.Arena
	logger *slog.Logger

	chunkSize int
	buckets   [NumSizeClasses]layout.Ref
	live      *swiss.Map[layout.Ref, int]

	allocCount     int
	freeBlockCount int
	freeBytes      int
}

// New prepares an empty heap: it writes the prologue and epilogue sentinels and
// performs an initial extension of one chunk.
func New(options Options) (*Heap, error) {
	if options.ChunkSize == 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.ChunkSize < layout.MinBlockSize || options.ChunkSize%layout.DoubleSize != 0 {
		return nil, errors.Errorf("chunk size %d must be a multiple of %d no smaller than %d",
			options.ChunkSize, layout.DoubleSize, layout.MinBlockSize)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	h := &Heap{
		arena:     arena.New(options.MaxHeapSize),
		logger:    logger,
		chunkSize: options.ChunkSize,
		live:      swiss.NewMap[layout.Ref, int](42),
	}

	// Padding word, prologue header and footer, epilogue header.
	if _, err := h.arena.Grow(2 * layout.DoubleSize); err != nil {
		return nil, errors.Wrapf(err, "reserving space for the heap sentinels")
	}
	layout.WriteHeader(h.arena, prologueRef, layout.Header{
		Size:          layout.DoubleSize,
		Allocated:     true,
		PrevAllocated: true,
	})
	layout.WriteFooter(h.arena, prologueRef)
	layout.WriteHeader(h.arena, h.epilogueRef(), layout.Header{
		Size:          0,
		Allocated:     true,
		PrevAllocated: true,
	})

	if _, err := h.extendHeap(h.chunkSize); err != nil {
		return nil, err
	}

	segheap.DebugValidate(h)
	return h, nil
}

// Alloc allocates size bytes and returns the payload reference. A size of zero
// returns NullRef without allocating. Allocation failure surfaces as an error
// wrapping segheap.ErrOutOfMemory; no partial state is left behind.
func (h *Heap) Alloc(size int) (layout.Ref, error) {
	if size < 0 {
		return layout.NullRef, errors.Errorf("invalid allocation size %d", size)
	}
	if size == 0 {
		return layout.NullRef, nil
	}
	if size > math.MaxInt-layout.MinBlockSize {
		return layout.NullRef, errors.Wrapf(segheap.ErrOutOfMemory, "allocation of %d bytes overflows the block size", size)
	}

	blockSize := adjustSize(size)

	ref, found := h.findFit(blockSize)
	if !found {
		extension := blockSize
		if extension < h.chunkSize {
			extension = h.chunkSize
		}
		if _, err := h.extendHeap(extension); err != nil {
			return layout.NullRef, err
		}

		ref, found = h.findFit(blockSize)
		if !found {
			return layout.NullRef, errors.Errorf("no fit for a %d-byte block after extending the heap", blockSize)
		}
	}

	h.place(ref, blockSize)
	h.live.Put(ref, size)
	h.allocCount++

	h.logger.Debug("alloc", slog.Int("size", size), slog.Int("blockSize", blockSize), slog.Int("offset", int(ref)))
	segheap.DebugValidate(h)
	return ref, nil
}

// Free releases a live allocation and coalesces the freed block with any free
// physical neighbor. Freeing NullRef is a no-op. Freeing a reference that does not
// identify a live allocation returns an error wrapping segheap.ErrInvalidFree.
func (h *Heap) Free(ref layout.Ref) error {
	if ref == layout.NullRef {
		return nil
	}

	if _, live := h.live.Get(ref); !live {
		return errors.Wrapf(segheap.ErrInvalidFree, "free of offset %d", int(ref))
	}
	h.live.Delete(ref)
	h.allocCount--

	hdr := layout.ReadHeader(h.arena, ref)
	layout.WriteHeader(h.arena, ref, layout.Header{Size: hdr.Size, PrevAllocated: hdr.PrevAllocated})
	layout.WriteFooter(h.arena, ref)
	layout.SetPrevAllocated(h.arena, layout.NextRef(h.arena, ref), false)

	h.insertFreeBlock(h.coalesce(ref))

	h.logger.Debug("free", slog.Int("offset", int(ref)), slog.Int("blockSize", hdr.Size))
	segheap.DebugValidate(h)
	return nil
}

// Realloc resizes a live allocation by allocating a fresh block, copying the payload
// and freeing the original. A NullRef behaves as Alloc and a zero size behaves as
// Free. When the new allocation fails the original block is left intact.
//
// The payload always moves, even on a shrink or when an adjacent free block could
// absorb the growth in place.
func (h *Heap) Realloc(ref layout.Ref, size int) (layout.Ref, error) {
	if ref == layout.NullRef {
		return h.Alloc(size)
	}
	if size == 0 {
		return layout.NullRef, h.Free(ref)
	}

	oldSize, live := h.live.Get(ref)
	if !live {
		return layout.NullRef, errors.Wrapf(segheap.ErrInvalidFree, "realloc of offset %d", int(ref))
	}

	newRef, err := h.Alloc(size)
	if err != nil {
		return layout.NullRef, err
	}

	count := size
	if oldSize < count {
		count = oldSize
	}
	copy(h.arena.Bytes(int(newRef), count), h.arena.Bytes(int(ref), count))

	if err := h.Free(ref); err != nil {
		return layout.NullRef, err
	}

	return newRef, nil
}

// Calloc allocates count elements of size bytes each and zero-fills the payload.
// An overflowing multiplication is treated as an out-of-memory condition.
func (h *Heap) Calloc(count, size int) (layout.Ref, error) {
	if count < 0 || size < 0 {
		return layout.NullRef, errors.Errorf("invalid calloc request: %d x %d", count, size)
	}

	overflow, total := bits.Mul64(uint64(count), uint64(size))
	if overflow != 0 || total > uint64(math.MaxInt) {
		return layout.NullRef, errors.Wrapf(segheap.ErrOutOfMemory, "calloc of %d x %d bytes overflows", count, size)
	}

	ref, err := h.Alloc(int(total))
	if err != nil || ref == layout.NullRef {
		return ref, err
	}

	payload := h.arena.Bytes(int(ref), int(total))
	for i := range payload {
		payload[i] = 0
	}

	return ref, nil
}

// Bytes returns a view of a live allocation's payload. The view remains valid until
// the allocation is freed- heap growth does not invalidate it within a single
// operation, but callers should re-fetch it across allocator calls since the arena's
// storage may move.
func (h *Heap) Bytes(ref layout.Ref) ([]byte, error) {
	size, live := h.live.Get(ref)
	if !live {
		return nil, errors.Errorf("offset %d does not identify a live allocation", int(ref))
	}

	return h.arena.Bytes(int(ref), size), nil
}

// PayloadSize returns the size that was requested for a live allocation.
func (h *Heap) PayloadSize(ref layout.Ref) (int, error) {
	size, live := h.live.Get(ref)
	if !live {
		return 0, errors.Errorf("offset %d does not identify a live allocation", int(ref))
	}

	return size, nil
}

// AllocationCount returns the number of live allocations.
func (h *Heap) AllocationCount() int {
	return h.allocCount
}

// SumFreeSize returns the number of free bytes in the heap, block overhead included.
func (h *Heap) SumFreeSize() int {
	return h.freeBytes
}

// Size returns the current extent of the backing arena in bytes.
func (h *Heap) Size() int {
	return h.arena.Size()
}

// IsEmpty returns true when the heap has no live allocations.
func (h *Heap) IsEmpty() bool {
	return h.allocCount == 0
}

// VisitAllBlocks calls visit for every block between the sentinels, in physical
// order.
func (h *Heap) VisitAllBlocks(visit func(ref layout.Ref, size int, allocated bool) error) error {
	for ref := firstBlockRef; ; ref = layout.NextRef(h.arena, ref) {
		hdr := layout.ReadHeader(h.arena, ref)
		if hdr.Size == 0 {
			return nil
		}

		if err := visit(ref, hdr.Size, hdr.Allocated); err != nil {
			return err
		}
	}
}

func (h *Heap) epilogueRef() layout.Ref {
	return layout.Ref(h.arena.Size())
}

// adjustSize converts a requested payload size into a block size: header overhead
// added, rounded up to 8 bytes, never below the minimum block.
func adjustSize(size int) int {
	if size <= layout.MinBlockSize-layout.HeaderSize {
		return layout.MinBlockSize
	}
	return segheap.AlignUp(size+layout.HeaderSize, layout.DoubleSize)
}

// extendHeap grows the arena by at least bytes (rounded to a block-size multiple),
// writes the new region as a single free block absorbing the old epilogue header,
// coalesces it with a preceding free block and files it in its size class.
func (h *Heap) extendHeap(bytes int) (layout.Ref, error) {
	bytes = segheap.AlignUp(bytes, layout.DoubleSize)

	oldBreak, err := h.arena.Grow(bytes)
	if err != nil {
		return layout.NullRef, errors.Wrapf(err, "extending the heap by %d bytes", bytes)
	}

	// The old epilogue header becomes the new block's header, keeping its boundary tag.
	ref := layout.Ref(oldBreak)
	layout.WriteHeaderKeepTag(h.arena, ref, bytes, false)
	layout.WriteFooter(h.arena, ref)
	layout.WriteHeader(h.arena, h.epilogueRef(), layout.Header{Size: 0, Allocated: true, PrevAllocated: false})

	ref = h.coalesce(ref)
	h.insertFreeBlock(ref)

	h.logger.Debug("extend", slog.Int("bytes", bytes), slog.Int("heapSize", h.arena.Size()))
	return ref, nil
}

// place carves a block of blockSize bytes out of the free block at ref. The
// remainder becomes a new free block when it can hold one; otherwise the whole block
// is handed out and the slack is internal fragmentation.
func (h *Heap) place(ref layout.Ref, blockSize int) {
	h.removeFreeBlock(ref)
	total := layout.ReadHeader(h.arena, ref).Size

	remainder := total - blockSize
	if remainder >= layout.MinBlockSize {
		layout.WriteHeaderKeepTag(h.arena, ref, blockSize, true)

		tail := ref + layout.Ref(blockSize)
		layout.WriteHeader(h.arena, tail, layout.Header{Size: remainder, PrevAllocated: true})
		layout.WriteFooter(h.arena, tail)
		h.insertFreeBlock(tail)
		return
	}

	layout.WriteHeaderKeepTag(h.arena, ref, total, true)
	layout.SetPrevAllocated(h.arena, layout.NextRef(h.arena, ref), true)
}

// coalesce merges the free block at ref with its free physical neighbors, removing
// absorbed blocks from their free lists. The surviving block (returned, not yet in
// any free list) assumes the union's address range.
func (h *Heap) coalesce(ref layout.Ref) layout.Ref {
	hdr := layout.ReadHeader(h.arena, ref)
	size := hdr.Size
	prevAllocated := hdr.PrevAllocated

	next := layout.NextRef(h.arena, ref)
	nextHdr := layout.ReadHeader(h.arena, next)
	if !nextHdr.Allocated {
		h.removeFreeBlock(next)
		size += nextHdr.Size
	}

	if !hdr.PrevAllocated {
		prev := layout.PrevRef(h.arena, ref)
		prevHdr := layout.ReadHeader(h.arena, prev)
		h.removeFreeBlock(prev)
		size += prevHdr.Size
		prevAllocated = prevHdr.PrevAllocated
		ref = prev
	}

	layout.WriteHeader(h.arena, ref, layout.Header{Size: size, PrevAllocated: prevAllocated})
	layout.WriteFooter(h.arena, ref)
	return ref
}
