package heap

import (
	"context"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/memlabs/segheap"
	"github.com/memlabs/segheap/layout"
	"golang.org/x/exp/slog"
)

// AddStatistics sums this heap's allocation statistics into stats.
func (h *Heap) AddStatistics(stats *segheap.Statistics) {
	stats.HeapCount++
	stats.AllocationCount += h.allocCount
	stats.HeapBytes += h.arena.Size()
	stats.AllocationBytes += h.arena.Size() - h.freeBytes
}

// AddDetailedStatistics walks the physical block chain and sums this heap's
// per-block statistics into stats.
func (h *Heap) AddDetailedStatistics(stats *segheap.DetailedStatistics) {
	stats.HeapCount++
	stats.HeapBytes += h.arena.Size()

	_ = h.VisitAllBlocks(func(ref layout.Ref, size int, allocated bool) error {
		if allocated {
			stats.AddAllocation(size)
		} else {
			stats.AddFreeRange(size)
		}
		return nil
	})
}

// PrintDetailedMap writes a JSON description of the heap- summary counters followed
// by one entry per physical block- into the provided writer.
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("TotalBytes").Int(h.arena.Size())
	obj.Name("FreeBytes").Int(h.freeBytes)
	obj.Name("Allocations").Int(h.allocCount)
	obj.Name("FreeRanges").Int(h.freeBlockCount)

	blocks := obj.Name("Blocks").Array()
	defer blocks.End()

	_ = h.VisitAllBlocks(func(ref layout.Ref, size int, allocated bool) error {
		block := blocks.Object()
		block.Name("Offset").Int(int(ref))
		block.Name("Size").Int(size)
		if allocated {
			block.Name("State").String("ALLOCATED")
		} else {
			block.Name("State").String("FREE")
		}
		block.End()
		return nil
	})
}

// BuildStatsString returns the PrintDetailedMap JSON as a string.
func (h *Heap) BuildStatsString() (string, error) {
	writer := jwriter.NewWriter()
	h.PrintDetailedMap(&writer)

	if writer.Error() != nil {
		return "", writer.Error()
	}

	return string(writer.Bytes()), nil
}

// LogAllAllocations emits a debug log line for every live allocation. Useful for
// finding unreleased memory at teardown.
func (h *Heap) LogAllAllocations(logger *slog.Logger) {
	_ = h.VisitAllBlocks(func(ref layout.Ref, size int, allocated bool) error {
		if !allocated {
			return nil
		}

		requested, _ := h.live.Get(ref)
		logger.LogAttrs(context.Background(), slog.LevelDebug, "live allocation",
			slog.Int("offset", int(ref)),
			slog.Int("blockSize", size),
			slog.Int("requestedSize", requested))
		return nil
	})
}
