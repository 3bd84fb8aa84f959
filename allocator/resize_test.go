package allocator

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/memutils"
)

func TestResizeAllocation(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       64 * kib,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	allocs, err := allocator.AllocateMemorySlice(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{Pool: pool}, 2)
	require.NoError(t, err)
	first, second := allocs[0], allocs[1]
	require.Zero(t, first.FindOffset())
	require.Equal(t, 16*kib, second.FindOffset())

	// The first allocation is boxed in by the second
	require.True(t, errors.Is(allocator.ResizeAllocation(first, 20*kib), ErrInvalidUsage))
	require.Equal(t, 16*kib, first.Size())

	// The second allocation has the rest of the block behind it
	require.NoError(t, allocator.ResizeAllocation(second, 48*kib))
	require.Equal(t, 48*kib, second.Size())
	require.Equal(t, 16*kib, second.FindOffset())
	require.True(t, errors.Is(allocator.ResizeAllocation(second, 48*kib+1), ErrInvalidUsage))

	require.NoError(t, allocator.ResizeAllocation(first, 8*kib))
	require.Equal(t, 8*kib, first.Size())
	require.Zero(t, first.FindOffset())

	var stats memutils.Statistics
	pool.Statistics(&stats)
	require.Equal(t, 56*kib, stats.AllocationBytes)

	// Shrinking opened a gap that the first allocation can grow back into
	require.NoError(t, allocator.ResizeAllocation(first, 16*kib))
	require.Equal(t, 16*kib, first.Size())

	pool.Statistics(&stats)
	require.Equal(t, 64*kib, stats.AllocationBytes)

	require.True(t, errors.Is(allocator.ResizeAllocation(first, 0), ErrInvalidUsage))
	require.True(t, errors.Is(allocator.ResizeAllocation(nil, kib), ErrInvalidUsage))

	require.NoError(t, allocator.FreeMemorySlice(allocs))
	require.True(t, errors.Is(allocator.ResizeAllocation(first, kib), ErrInvalidUsage))

	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestResizeAllocation_Dedicated(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})

	alloc, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 4 * kib, Alignment: 1}, AllocationCreateInfo{
		Usage: MemoryUsageHostOnly,
		Flags: AllocationCreateDedicatedMemory,
	})
	require.NoError(t, err)
	require.True(t, alloc.Info().Dedicated)

	require.NoError(t, allocator.ResizeAllocation(alloc, 4*kib))
	require.True(t, errors.Is(allocator.ResizeAllocation(alloc, 2*kib), ErrInvalidUsage))
	require.True(t, errors.Is(allocator.ResizeAllocation(alloc, 8*kib), ErrInvalidUsage))
	require.Equal(t, 4*kib, alloc.Size())

	require.NoError(t, allocator.FreeMemory(alloc))
	require.NoError(t, allocator.Destroy())
}

func TestResizeAllocation_KeepsGuards(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{DebugMargin: 16})

	alloc, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 256, Alignment: 1}, AllocationCreateInfo{
		Usage: MemoryUsageHostOnly,
	})
	require.NoError(t, err)

	require.NoError(t, allocator.ResizeAllocation(alloc, 1022))
	require.Equal(t, 1024, alloc.Size())
	require.NoError(t, allocator.CheckCorruption(typeBit(3)))

	require.NoError(t, allocator.ResizeAllocation(alloc, 128))
	require.NoError(t, allocator.CheckCorruption(typeBit(3)))

	require.NoError(t, allocator.FreeMemory(alloc))
	require.NoError(t, allocator.Destroy())
}
