package segheap_test

import (
	"testing"

	"github.com/memlabs/segheap"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, segheap.AlignUp(0, 8))
	require.Equal(t, 8, segheap.AlignUp(1, 8))
	require.Equal(t, 8, segheap.AlignUp(8, 8))
	require.Equal(t, 16, segheap.AlignUp(9, 8))
	require.Equal(t, 4096, segheap.AlignUp(4089, 4096))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, segheap.AlignDown(7, 8))
	require.Equal(t, 8, segheap.AlignDown(8, 8))
	require.Equal(t, 8, segheap.AlignDown(15, 8))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, segheap.CheckPow2(8, "alignment"))
	require.NoError(t, segheap.CheckPow2(4096, "alignment"))

	err := segheap.CheckPow2(24, "alignment")
	require.Error(t, err)
	require.ErrorIs(t, err, segheap.PowerOfTwoError)
}

func TestStatisticsAccumulate(t *testing.T) {
	var detailed segheap.DetailedStatistics
	detailed.Clear()

	detailed.AddAllocation(100)
	detailed.AddAllocation(50)
	detailed.AddFreeRange(200)

	require.Equal(t, 2, detailed.AllocationCount)
	require.Equal(t, 150, detailed.AllocationBytes)
	require.Equal(t, 50, detailed.AllocationSizeMin)
	require.Equal(t, 100, detailed.AllocationSizeMax)
	require.Equal(t, 1, detailed.FreeRangeCount)
	require.Equal(t, 200, detailed.FreeRangeSizeMin)
	require.Equal(t, 200, detailed.FreeRangeSizeMax)

	var other segheap.DetailedStatistics
	other.Clear()
	other.AddAllocation(10)

	detailed.AddDetailedStatistics(&other)
	require.Equal(t, 3, detailed.AllocationCount)
	require.Equal(t, 10, detailed.AllocationSizeMin)
}
