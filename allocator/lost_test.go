package allocator

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/memutils"
	"golang.org/x/exp/slog"
)

func readyEvictionPool(t *testing.T, allocator *Allocator, blockSize int) *Pool {
	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex:        1,
		BlockSize:              blockSize,
		MaxBlockCount:          1,
		EvictionFrameThreshold: 2,
	})
	require.NoError(t, err)
	return pool
}

func TestCanEvictOthers(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})
	pool := readyEvictionPool(t, allocator, 64*kib)

	evictable, err := allocator.AllocateMemorySlice(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateMayBecomeLost,
	}, 4)
	require.NoError(t, err)

	// The pool is full, and nothing has gone stale yet
	_, err = allocator.AllocateMemory(driver.MemoryRequirements{Size: 32 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateCanEvictOthers,
	})
	require.True(t, errors.Is(err, ErrDeviceOutOfMemory))

	allocator.SetCurrentFrameIndex(2)
	require.NoError(t, evictable[3].Touch())

	alloc, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 32 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateCanEvictOthers,
	})
	require.NoError(t, err)
	require.Equal(t, 2, alloc.Info().EvictedAllocations)
	require.Equal(t, 2, pool.LostAllocationCount())

	lost := 0
	for _, candidate := range evictable {
		if !candidate.IsLost() {
			continue
		}

		lost++
		require.True(t, errors.Is(candidate.Touch(), ErrAllocationLost))
		_, err = candidate.Map()
		require.True(t, errors.Is(err, ErrAllocationLost))
		require.True(t, errors.Is(allocator.ResizeAllocation(candidate, kib), ErrAllocationLost))
		require.Equal(t, driver.NullMemory, candidate.Info().Memory)
		require.True(t, candidate.Info().Lost)
	}
	require.Equal(t, 2, lost)
	require.False(t, evictable[3].IsLost())

	require.NoError(t, allocator.FreeMemorySlice(append(evictable, alloc)))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestCanEvictOthers_LeastRecentlyUsedFirst(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})
	pool := readyEvictionPool(t, allocator, 64*kib)

	var evictable []*Allocation
	for frame := uint32(0); frame < 4; frame++ {
		allocator.SetCurrentFrameIndex(frame)
		alloc, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{
			Pool:  pool,
			Flags: AllocationCreateMayBecomeLost,
		})
		require.NoError(t, err)
		evictable = append(evictable, alloc)
	}

	allocator.SetCurrentFrameIndex(10)
	alloc, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateCanEvictOthers,
	})
	require.NoError(t, err)
	require.Equal(t, 1, alloc.Info().EvictedAllocations)
	require.True(t, evictable[0].IsLost())
	require.Zero(t, alloc.FindOffset())

	for _, survivor := range evictable[1:] {
		require.False(t, survivor.IsLost())
	}

	require.NoError(t, allocator.FreeMemorySlice(append(evictable, alloc)))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestMakeAllocationsLost(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})
	pool := readyEvictionPool(t, allocator, 64*kib)

	stale, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool:     pool,
		Flags:    AllocationCreateMayBecomeLost,
		UserData: 7,
	})
	require.NoError(t, err)

	fresh, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateMayBecomeLost,
	})
	require.NoError(t, err)

	pinned, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool: pool,
	})
	require.NoError(t, err)

	allocator.SetCurrentFrameIndex(5)
	require.NoError(t, fresh.Touch())

	require.Equal(t, 1, pool.MakeAllocationsLost())
	require.True(t, stale.IsLost())
	require.False(t, fresh.IsLost())
	require.False(t, pinned.IsLost())

	// Recreating puts the allocation back, live in the current frame
	require.NoError(t, allocator.RecreateLostAllocation(stale))
	require.False(t, stale.IsLost())
	require.Equal(t, uint32(5), stale.LastUseFrameIndex())
	require.Equal(t, 16*kib, stale.Size())
	require.Equal(t, 7, stale.UserData())
	require.NotEqual(t, driver.NullMemory, stale.Memory())

	require.True(t, errors.Is(allocator.RecreateLostAllocation(stale), ErrInvalidUsage))
	require.True(t, errors.Is(allocator.RecreateLostAllocation(pinned), ErrInvalidUsage))

	require.NoError(t, allocator.FreeMemorySlice([]*Allocation{stale, fresh, pinned}))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestCreateLostAllocation(t *testing.T) {
	drv := readyDevice(t)
	allocator := readyAllocator(t, drv, CreateOptions{})

	alloc, err := allocator.CreateLostAllocation(driver.MemoryRequirements{Size: 4 * kib, Alignment: 256}, AllocationCreateInfo{
		Usage: MemoryUsageHostOnly,
	})
	require.NoError(t, err)
	require.True(t, alloc.IsLost())
	require.True(t, alloc.MayBecomeLost())
	require.Equal(t, 3, alloc.MemoryTypeIndex())
	require.Zero(t, drv.MemoryObjectCount())
	require.True(t, errors.Is(alloc.Touch(), ErrAllocationLost))

	allocator.SetCurrentFrameIndex(3)
	require.NoError(t, allocator.RecreateLostAllocation(alloc))
	require.False(t, alloc.IsLost())
	require.Equal(t, uint32(3), alloc.LastUseFrameIndex())
	require.Zero(t, alloc.FindOffset()%256)
	require.Equal(t, 1, drv.MemoryObjectCount())

	data, err := alloc.Map()
	require.NoError(t, err)
	require.NotNil(t, data)
	require.NoError(t, alloc.Unmap())

	require.NoError(t, allocator.FreeMemory(alloc))
	require.NoError(t, allocator.Destroy())
}

func TestFreeLostAllocation(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})

	alloc, err := allocator.CreateLostAllocation(driver.MemoryRequirements{Size: 4 * kib, Alignment: 1}, AllocationCreateInfo{
		Usage: MemoryUsageDeviceOnly,
	})
	require.NoError(t, err)

	require.NoError(t, allocator.FreeMemory(alloc))
	require.True(t, errors.Is(allocator.FreeMemory(alloc), ErrInvalidUsage))
	require.NoError(t, allocator.Destroy())
}

func TestCanEvictOthers_MayBecomeLost(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})
	pool := readyEvictionPool(t, allocator, 64*kib)

	evictable, err := allocator.AllocateMemorySlice(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateMayBecomeLost,
	}, 4)
	require.NoError(t, err)

	allocator.SetCurrentFrameIndex(2)
	streamed, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateMayBecomeLost | AllocationCreateCanEvictOthers,
	})
	require.NoError(t, err)
	require.Equal(t, 1, streamed.Info().EvictedAllocations)
	require.True(t, streamed.MayBecomeLost())
	require.Equal(t, 1, pool.LostAllocationCount())

	// Once stale, the evicting allocation is as evictable as the ones it replaced
	allocator.SetCurrentFrameIndex(4)
	whole, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 64 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateCanEvictOthers,
	})
	require.NoError(t, err)
	require.Equal(t, 4, whole.Info().EvictedAllocations)
	require.True(t, streamed.IsLost())
	require.Equal(t, 5, pool.LostAllocationCount())

	require.NoError(t, allocator.FreeMemorySlice(append(evictable, streamed, whole)))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestRecreateLostAllocation_TracksNewOffset(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})
	pool := readyEvictionPool(t, allocator, 64*kib)

	stale, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateMayBecomeLost,
	})
	require.NoError(t, err)

	pinned, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool: pool,
	})
	require.NoError(t, err)
	require.Equal(t, stale.Info().Offset, stale.FindOffset())

	allocator.SetCurrentFrameIndex(5)
	require.Equal(t, 1, pool.MakeAllocationsLost())
	require.Zero(t, stale.FindOffset())

	// Take the space the lost allocation left behind, whichever region the pool picks
	filler, err := allocator.AllocateMemorySlice(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool: pool,
	}, 2)
	require.NoError(t, err)

	require.NoError(t, allocator.RecreateLostAllocation(stale))
	info := stale.Info()
	require.Equal(t, info.Offset, stale.FindOffset())

	for _, other := range append(filler, pinned) {
		otherOffset := other.FindOffset()
		overlaps := info.Offset < otherOffset+other.Size() && otherOffset < info.Offset+info.Size
		require.False(t, overlaps, "recreated range [%d, %d) overlaps [%d, %d)",
			info.Offset, info.Offset+info.Size, otherOffset, otherOffset+other.Size())
	}

	require.NoError(t, allocator.FreeMemorySlice(append(filler, stale, pinned)))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestRecreateLostAllocation_DestroyedPool(t *testing.T) {
	drv := readyDevice(t)
	allocator := readyAllocator(t, drv, CreateOptions{})
	pool := readyEvictionPool(t, allocator, 64*kib)

	alloc, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateMayBecomeLost,
	})
	require.NoError(t, err)

	allocator.SetCurrentFrameIndex(5)
	require.Equal(t, 1, pool.MakeAllocationsLost())

	// Lost allocations don't keep their pool alive
	require.NoError(t, pool.Destroy())
	require.Zero(t, drv.MemoryObjectCount())

	require.True(t, errors.Is(allocator.RecreateLostAllocation(alloc), ErrInvalidUsage))
	require.True(t, alloc.IsLost())
	require.Zero(t, drv.MemoryObjectCount())

	require.NoError(t, allocator.FreeMemory(alloc))
	require.NoError(t, allocator.Destroy())
}

func TestMakeAllocationsLost_DamagedGuards(t *testing.T) {
	var logs bytes.Buffer
	allocator, err := New(slog.New(slog.NewJSONHandler(&logs, nil)), readyDevice(t), CreateOptions{DebugMargin: 16})
	require.NoError(t, err)
	pool := readyEvictionPool(t, allocator, 64*kib)

	alloc, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: kib, Alignment: 1}, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateMayBecomeLost,
	})
	require.NoError(t, err)

	data, err := alloc.Map()
	require.NoError(t, err)
	*(*byte)(unsafe.Add(data, alloc.Size())) = 0
	require.NoError(t, alloc.Unmap())

	allocator.SetCurrentFrameIndex(5)
	require.Equal(t, 1, pool.MakeAllocationsLost())
	require.True(t, alloc.IsLost())
	require.Contains(t, logs.String(), "Lost allocation released with errors")
	require.Contains(t, logs.String(), "\"MemoryTypeIndex\":1")

	var stats memutils.Statistics
	pool.Statistics(&stats)
	require.Zero(t, stats.AllocationCount)

	require.NoError(t, allocator.FreeMemory(alloc))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}
