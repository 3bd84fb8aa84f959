package memory

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/driver/simdriver"
)

type recordingCallbacks struct {
	allocated []int
	freed     []int
}

func (c *recordingCallbacks) Allocate(memoryType int, memory driver.MemoryHandle, size int) {
	c.allocated = append(c.allocated, size)
}

func (c *recordingCallbacks) Free(memoryType int, memory driver.MemoryHandle, size int) {
	c.freed = append(c.freed, size)
}

func newProperties(t *testing.T, heapLimits []int, callbacks MemoryCallbacks) (*simdriver.Driver, *DeviceMemoryProperties) {
	options := simdriver.DiscreteGPU()
	options.Limits.MaxMemoryAllocationCount = 3

	sim, err := simdriver.New(options)
	require.NoError(t, err)

	props, err := NewDeviceMemoryProperties(true, sim, callbacks, heapLimits)
	require.NoError(t, err)

	return sim, props
}

func TestDeviceMemoryProperties_HeapLimitCount(t *testing.T) {
	sim, err := simdriver.New(simdriver.DiscreteGPU())
	require.NoError(t, err)

	_, err = NewDeviceMemoryProperties(true, sim, nil, []int{1, 2})
	require.Error(t, err)
}

func TestDeviceMemoryProperties_TypeQueries(t *testing.T) {
	_, props := newProperties(t, nil, nil)

	require.Equal(t, 4, props.MemoryTypeCount())
	require.Equal(t, 3, props.MemoryHeapCount())
	require.Equal(t, uint32(0xf), props.CalculateGlobalMemoryTypeBits())
	require.Equal(t, 1024, props.CalculateBufferImageGranularity())

	require.False(t, props.IsMemoryTypeHostVisible(0))
	require.False(t, props.IsMemoryTypeHostNonCoherent(1))
	require.True(t, props.IsMemoryTypeHostNonCoherent(2))

	require.Equal(t, uint(1), props.MemoryTypeMinimumAlignment(1))
	require.Equal(t, uint(64), props.MemoryTypeMinimumAlignment(2))
	require.Equal(t, 1, props.MemoryTypeIndexToHeapIndex(2))
}

func TestDeviceMemoryProperties_AllocateAndBudget(t *testing.T) {
	callbacks := &recordingCallbacks{}
	sim, props := newProperties(t, nil, callbacks)

	mem, err := props.AllocateDeviceMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 1, Size: 4096})
	require.NoError(t, err)
	require.Equal(t, 1, sim.MemoryObjectCount())
	require.Equal(t, uint32(1), props.AllocationCount())

	props.AddAllocation(1, 1000)
	props.AddAllocation(1, 24)
	props.RemoveAllocation(1, 24)

	var budgets [3]Budget
	props.HeapBudgets(0, budgets[:])

	require.Zero(t, budgets[0].Usage)
	require.Equal(t, 2<<30*8/10, budgets[0].Budget)
	require.Equal(t, 4096, budgets[1].Usage)
	require.Equal(t, 1, budgets[1].Statistics.BlockCount)
	require.Equal(t, 1, budgets[1].Statistics.AllocationCount)
	require.Equal(t, 1000, budgets[1].Statistics.AllocationBytes)
	require.Equal(t, 1<<30*8/10, budgets[1].Budget)

	props.RemoveAllocation(1, 1000)
	props.FreeDeviceMemory(1, 4096, mem)
	require.Zero(t, sim.MemoryObjectCount())
	require.Zero(t, props.AllocationCount())

	props.HeapBudget(1, &budgets[1])
	require.Zero(t, budgets[1].Usage)
	require.Zero(t, budgets[1].Statistics.BlockCount)

	require.Equal(t, []int{4096}, callbacks.allocated)
	require.Equal(t, []int{4096}, callbacks.freed)
}

func TestDeviceMemoryProperties_HeapLimit(t *testing.T) {
	_, props := newProperties(t, []int{0, 8192, 0}, nil)

	_, err := props.AllocateDeviceMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 1, Size: 6000})
	require.NoError(t, err)

	_, err = props.AllocateDeviceMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 2, Size: 6000})
	require.True(t, errors.Is(err, driver.ErrOutOfDeviceMemory))

	var budget Budget
	props.HeapBudget(1, &budget)
	require.Equal(t, 6000, budget.Usage)
	require.Equal(t, 8192, budget.Budget)
	require.Equal(t, uint32(1), props.AllocationCount())
}

func TestDeviceMemoryProperties_AllocationCountLimit(t *testing.T) {
	_, props := newProperties(t, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := props.AllocateDeviceMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 0, Size: 256})
		require.NoError(t, err)
	}

	_, err := props.AllocateDeviceMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 0, Size: 256})
	require.True(t, errors.Is(err, driver.ErrTooManyObjects))

	var budget Budget
	props.HeapBudget(0, &budget)
	require.Equal(t, 768, budget.Usage)
	require.Equal(t, uint32(3), props.AllocationCount())
}

func TestDeviceMemoryProperties_FlushOrInvalidate(t *testing.T) {
	sim, props := newProperties(t, nil, nil)

	mem, err := props.AllocateDeviceMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 2, Size: 256})
	require.NoError(t, err)

	ranges := []driver.MappedMemoryRange{{Memory: mem.Memory(), Offset: 0, Size: 128}}
	require.NoError(t, props.FlushOrInvalidateAllocations(ranges, CacheOperationFlush))
	require.NoError(t, props.FlushOrInvalidateAllocations(ranges, CacheOperationInvalidate))
	require.NoError(t, props.FlushOrInvalidateAllocations(nil, CacheOperationFlush))
	require.Error(t, props.FlushOrInvalidateAllocations(ranges, CacheOperation(7)))

	require.Equal(t, 1, sim.FlushCount())
	require.Equal(t, 1, sim.InvalidateCount())
}
