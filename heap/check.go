package heap

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/memlabs/segheap/layout"
)

// Validate walks the whole heap and the free lists and verifies every structural
// invariant: sentinel integrity, block bounds and alignment, header/footer agreement
// on free blocks, minimum sizes, boundary tags matching predecessor state, full
// coalescing, free-list membership and linkage symmetry, and agreement between the
// physical walk and the allocator's own counters. When the allocator is functioning
// correctly this method cannot return an error.
func (h *Heap) Validate() error {
	a := h.arena

	prologueHdr := layout.ReadHeader(a, prologueRef)
	if prologueHdr.Size != layout.DoubleSize || !prologueHdr.Allocated {
		return errors.Errorf("prologue corrupted: header %#08x", layout.HeaderWord(a, prologueRef))
	}
	if layout.FooterWord(a, prologueRef) != layout.HeaderWord(a, prologueRef) {
		return errors.Errorf("prologue footer %#08x does not match header %#08x",
			layout.FooterWord(a, prologueRef), layout.HeaderWord(a, prologueRef))
	}

	prevAllocated := true
	prevFree := false
	var freeCount, freeBytes, allocCount int

	ref := firstBlockRef
	for {
		headerOffset := layout.HeaderOffset(ref)
		if headerOffset+layout.HeaderSize > a.Size() {
			return errors.Errorf("block at offset %d has its header outside the heap", int(ref))
		}

		hdr := layout.ReadHeader(a, ref)
		if hdr.Size == 0 {
			if !hdr.Allocated {
				return errors.Errorf("epilogue is not allocated: header %#08x", layout.HeaderWord(a, ref))
			}
			if headerOffset != a.Size()-layout.HeaderSize {
				return errors.Errorf("epilogue at offset %d is not at the end of the heap", int(ref))
			}
			if hdr.PrevAllocated != prevAllocated {
				return errors.Errorf("epilogue boundary tag disagrees with its predecessor: header %#08x",
					layout.HeaderWord(a, ref))
			}
			break
		}

		if int(ref)%layout.DoubleSize != 0 {
			return errors.Errorf("block at offset %d is not %d-byte aligned", int(ref), layout.DoubleSize)
		}
		if hdr.Size < layout.MinBlockSize || hdr.Size%layout.DoubleSize != 0 {
			return errors.Errorf("block at offset %d has illegal size %d: header %#08x",
				int(ref), hdr.Size, layout.HeaderWord(a, ref))
		}
		if int(ref)+hdr.Size > a.Size() {
			return errors.Errorf("block at offset %d extends past the end of the heap", int(ref))
		}
		if hdr.PrevAllocated != prevAllocated {
			return errors.Errorf("block at offset %d has boundary tag prevAllocated=%v but its predecessor allocated state is %v: header %#08x",
				int(ref), hdr.PrevAllocated, prevAllocated, layout.HeaderWord(a, ref))
		}

		if hdr.Allocated {
			if _, live := h.live.Get(ref); !live {
				return errors.Errorf("block at offset %d is marked allocated but is not a live allocation: header %#08x",
					int(ref), layout.HeaderWord(a, ref))
			}
			allocCount++
			prevFree = false
		} else {
			if prevFree {
				return errors.Errorf("adjacent free blocks at offset %d were not coalesced", int(ref))
			}
			if layout.FooterWord(a, ref) != layout.HeaderWord(a, ref) {
				return errors.Errorf("free block at offset %d has footer %#08x but header %#08x",
					int(ref), layout.FooterWord(a, ref), layout.HeaderWord(a, ref))
			}
			freeCount++
			freeBytes += hdr.Size
			prevFree = true
		}

		prevAllocated = hdr.Allocated
		ref = layout.NextRef(a, ref)
	}

	if allocCount != h.allocCount {
		return errors.Errorf("the heap tracks %d live allocations but the physical walk found %d",
			h.allocCount, allocCount)
	}
	if allocCount != h.live.Count() {
		return errors.Errorf("the live allocation table holds %d entries but the physical walk found %d",
			h.live.Count(), allocCount)
	}

	var listCount int
	for class := 0; class < NumSizeClasses; class++ {
		prev := layout.NullRef
		for ref := h.buckets[class]; ref != layout.NullRef; ref = layout.NextFree(a, ref) {
			if !a.Contains(int(ref)) {
				return errors.Errorf("free list class %d contains offset %d, which is outside the heap", class, int(ref))
			}

			hdr := layout.ReadHeader(a, ref)
			if hdr.Allocated {
				return errors.Errorf("free list class %d contains the allocated block at offset %d: header %#08x",
					class, int(ref), layout.HeaderWord(a, ref))
			}
			if sizeClass(hdr.Size) != class {
				return errors.Errorf("block of size %d at offset %d is filed in class %d but belongs in class %d",
					hdr.Size, int(ref), class, sizeClass(hdr.Size))
			}
			if layout.PrevFree(a, ref) != prev {
				return errors.Errorf("free list class %d linkage is asymmetric at offset %d", class, int(ref))
			}

			next := layout.NextFree(a, ref)
			if next != layout.NullRef && !a.Contains(int(next)) {
				return errors.Errorf("free block at offset %d links to offset %d, which is outside the heap",
					int(ref), int(next))
			}

			listCount++
			if listCount > freeCount {
				return errors.Errorf("the free lists hold more blocks (at least %d) than the %d free blocks in the heap",
					listCount, freeCount)
			}
			prev = ref
		}
	}

	if listCount != freeCount {
		return errors.Errorf("the free lists hold %d blocks but the physical walk found %d free blocks",
			listCount, freeCount)
	}
	if freeCount != h.freeBlockCount {
		return errors.Errorf("the heap tracks %d free blocks but the physical walk found %d",
			h.freeBlockCount, freeCount)
	}
	if freeBytes != h.freeBytes {
		return errors.Errorf("the heap tracks %d free bytes but the physical walk found %d",
			h.freeBytes, freeBytes)
	}

	return nil
}

// CheckHeap runs Validate and terminates the process on any violation, reporting the
// call site and the failing block. It is a debugging aid, not a recoverable error
// path.
func (h *Heap) CheckHeap(callSite string) {
	if err := h.Validate(); err != nil {
		panic(fmt.Sprintf("heap corruption detected at %s: %+v", callSite, err))
	}
}
