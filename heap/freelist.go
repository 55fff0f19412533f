package heap

import (
	"math/bits"

	"github.com/memlabs/segheap/layout"
)

// NumSizeClasses is the number of segregated free-list buckets. Class boundaries
// double at each step: class 0 holds blocks of up to 32 bytes, class i holds blocks of
// (32<<(i-1), 32<<i] bytes, and the final class holds everything over 1 MiB.
const NumSizeClasses = 17

const smallestClassLimit = 32

func sizeClass(size int) int {
	if size <= smallestClassLimit {
		return 0
	}

	class := bits.Len32(uint32(size-1)) - 5
	if class > NumSizeClasses-1 {
		return NumSizeClasses - 1
	}
	return class
}

// insertFreeBlock pushes a free block onto the head of its size class's list. LIFO
// placement means recently-freed blocks are the first candidates for reuse.
func (h *Heap) insertFreeBlock(ref layout.Ref) {
	hdr := layout.ReadHeader(h.arena, ref)
	if hdr.Allocated {
		panic("cannot insert an allocated block into the free list")
	}

	class := sizeClass(hdr.Size)
	head := h.buckets[class]

	layout.SetPrevFree(h.arena, ref, layout.NullRef)
	layout.SetNextFree(h.arena, ref, head)
	if head != layout.NullRef {
		layout.SetPrevFree(h.arena, head, ref)
	}
	h.buckets[class] = ref

	h.freeBlockCount++
	h.freeBytes += hdr.Size
}

// removeFreeBlock unlinks a free block from whichever position it occupies in its
// size class's list.
func (h *Heap) removeFreeBlock(ref layout.Ref) {
	hdr := layout.ReadHeader(h.arena, ref)
	if hdr.Allocated {
		panic("cannot remove an allocated block from the free list")
	}

	next := layout.NextFree(h.arena, ref)
	prev := layout.PrevFree(h.arena, ref)

	if prev != layout.NullRef {
		layout.SetNextFree(h.arena, prev, next)
	} else {
		class := sizeClass(hdr.Size)
		if h.buckets[class] != ref {
			panic("free block was not at the expected position in its size class")
		}
		h.buckets[class] = next
	}
	if next != layout.NullRef {
		layout.SetPrevFree(h.arena, next, prev)
	}

	h.freeBlockCount--
	h.freeBytes -= hdr.Size
}

// findFit returns the first free block large enough for a request of size bytes,
// searching the request's own size class first and then escalating class by class.
func (h *Heap) findFit(size int) (layout.Ref, bool) {
	for class := sizeClass(size); class < NumSizeClasses; class++ {
		for ref := h.buckets[class]; ref != layout.NullRef; ref = layout.NextFree(h.arena, ref) {
			if layout.ReadHeader(h.arena, ref).Size >= size {
				return ref, true
			}
		}
	}

	return layout.NullRef, false
}
