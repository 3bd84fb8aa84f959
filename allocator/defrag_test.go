package allocator

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/memutils/defrag"
)

// readyFragmentedPool fills a single 128KiB block with eight 16KiB allocations, frees every other one,
// and stamps each survivor with its original index
func readyFragmentedPool(t *testing.T, allocator *Allocator) (*Pool, []*Allocation) {
	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       128 * kib,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	allocs, err := allocator.AllocateMemorySlice(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{Pool: pool}, 8)
	require.NoError(t, err)

	var survivors []*Allocation
	for index, alloc := range allocs {
		require.Equal(t, index*16*kib, alloc.FindOffset())

		if index%2 == 1 {
			require.NoError(t, allocator.FreeMemory(alloc))
			continue
		}

		stampAllocation(t, alloc, byte(index+1))
		survivors = append(survivors, alloc)
	}

	return pool, survivors
}

func stampAllocation(t *testing.T, alloc *Allocation, value byte) {
	data, err := alloc.Map()
	require.NoError(t, err)

	bytes := unsafe.Slice((*byte)(data), alloc.Size())
	bytes[0] = value
	bytes[len(bytes)-1] = value

	require.NoError(t, alloc.Unmap())
}

func requireStamp(t *testing.T, alloc *Allocation, value byte) {
	data, err := alloc.Map()
	require.NoError(t, err)

	bytes := unsafe.Slice((*byte)(data), alloc.Size())
	require.Equal(t, value, bytes[0])
	require.Equal(t, value, bytes[len(bytes)-1])

	require.NoError(t, alloc.Unmap())
}

func TestDefragment(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})
	pool, survivors := readyFragmentedPool(t, allocator)

	report, err := allocator.Defragment(DefragmentationInfo{Pool: pool})
	require.NoError(t, err)
	require.NoError(t, report.Err)

	require.InDelta(t, 0.75, report.FragmentationBefore, 0.0001)
	require.InDelta(t, 0, report.FragmentationAfter, 0.0001)
	require.Equal(t, 2, report.Stats.AllocationsMoved)
	require.Equal(t, 32*kib, report.Stats.BytesMoved)
	require.Zero(t, report.Stats.MovesFailed)
	require.Len(t, report.Moves, 2)

	for _, move := range report.Moves {
		require.NoError(t, move.Err)
		require.Equal(t, defrag.DefragmentationMoveCopy, move.Operation)
		require.Equal(t, 16*kib, move.Size)
	}

	// The block is compacted toward the start and the data came along
	require.Zero(t, survivors[0].FindOffset())
	require.Equal(t, 48*kib, survivors[2].FindOffset())
	require.Equal(t, 32*kib, survivors[1].FindOffset())
	require.Equal(t, 16*kib, survivors[3].FindOffset())
	for index, alloc := range survivors {
		requireStamp(t, alloc, byte(index*2+1))
	}

	var stats memutils.DetailedStatistics
	pool.DetailedStatistics(&stats)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 64*kib, stats.UnusedRangeSizeMax)

	require.NoError(t, allocator.FreeMemorySlice(survivors))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestDefragment_MoverFailure(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})
	pool, survivors := readyFragmentedPool(t, allocator)

	errCopyFailed := errors.New("copy failed")

	report, err := allocator.Defragment(DefragmentationInfo{
		Pool: pool,
		Mover: func(c *DefragmentationContext, move *defrag.DefragmentationMove[Allocation]) error {
			return errCopyFailed
		},
	})
	require.NoError(t, err)
	require.Error(t, report.Err)

	require.NotEmpty(t, report.Moves)
	require.Equal(t, len(report.Moves), report.Stats.MovesFailed)
	require.Zero(t, report.Stats.AllocationsMoved)
	require.Zero(t, report.Stats.BytesMoved)

	for _, move := range report.Moves {
		require.True(t, errors.Is(move.Err, errCopyFailed))
		require.Equal(t, defrag.DefragmentationMoveIgnore, move.Operation)
	}

	require.InDelta(t, report.FragmentationBefore, report.FragmentationAfter, 0.0001)

	// Nothing moved
	for index, alloc := range survivors {
		require.Equal(t, index*32*kib, alloc.FindOffset())
		requireStamp(t, alloc, byte(index*2+1))
	}

	require.NoError(t, allocator.FreeMemorySlice(survivors))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestDefragment_Subset(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})
	pool, survivors := readyFragmentedPool(t, allocator)

	dedicated, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: 4 * kib, Alignment: 1}, AllocationCreateInfo{
		Usage: MemoryUsageHostOnly,
		Flags: AllocationCreateDedicatedMemory,
	})
	require.NoError(t, err)

	report, err := allocator.Defragment(DefragmentationInfo{
		Allocations: []*Allocation{survivors[2], dedicated},
	})
	require.NoError(t, err)
	require.NoError(t, report.Err)
	require.Equal(t, 1, report.Stats.AllocationsMoved)
	require.Len(t, report.Moves, 1)
	require.Equal(t, survivors[2], report.Moves[0].Allocation)

	require.Equal(t, 16*kib, survivors[2].FindOffset())
	require.Equal(t, 96*kib, survivors[3].FindOffset())
	requireStamp(t, survivors[2], 5)

	// Allocations outside the pool being defragmented are rejected
	_, err = allocator.Defragment(DefragmentationInfo{
		Pool:        pool,
		Allocations: []*Allocation{dedicated},
	})
	require.True(t, errors.Is(err, ErrInvalidUsage))

	require.NoError(t, allocator.FreeMemorySlice(append(survivors, dedicated)))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestDefragment_FastReleasesBlocks(t *testing.T) {
	drv := readyDevice(t)
	allocator := readyAllocator(t, drv, CreateOptions{})

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       64 * kib,
	})
	require.NoError(t, err)

	allocs, err := allocator.AllocateMemorySlice(driver.MemoryRequirements{Size: 16 * kib, Alignment: 1}, AllocationCreateInfo{Pool: pool}, 8)
	require.NoError(t, err)
	require.Equal(t, 2, drv.MemoryObjectCount())
	require.NotEqual(t, allocs[0].Memory(), allocs[4].Memory())

	// Leave the first block nearly empty and the second nearly full
	require.NoError(t, allocator.FreeMemorySlice(allocs[1:5]))
	stampAllocation(t, allocs[0], 0x42)

	report, err := allocator.Defragment(DefragmentationInfo{
		Pool:  pool,
		Flags: DefragmentationFlagAlgorithmFast,
	})
	require.NoError(t, err)
	require.NoError(t, report.Err)
	require.Equal(t, 1, report.Stats.AllocationsMoved)
	require.Equal(t, 1, report.Stats.DeviceMemoryBlocksFreed)
	require.Equal(t, 64*kib, report.Stats.BytesFreed)

	require.Equal(t, 1, drv.MemoryObjectCount())
	require.Equal(t, allocs[5].Memory(), allocs[0].Memory())
	require.Zero(t, allocs[0].FindOffset())
	requireStamp(t, allocs[0], 0x42)

	var stats memutils.Statistics
	pool.Statistics(&stats)
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 4, stats.AllocationCount)

	require.NoError(t, allocator.FreeMemorySlice([]*Allocation{allocs[0], allocs[5], allocs[6], allocs[7]}))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestDefragmentationContext_Passes(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})
	pool, survivors := readyFragmentedPool(t, allocator)

	c, err := allocator.BeginDefragmentation(DefragmentationInfo{
		Pool:                  pool,
		MaxAllocationsPerPass: 1,
	})
	require.NoError(t, err)

	passes := 0
	for {
		moves, err := c.BeginPass()
		require.NoError(t, err)
		if len(moves) == 0 {
			break
		}
		passes++
		require.Len(t, moves, 1)

		// Relocating allocations are off limits until the pass ends
		src := moves[0].SrcAllocation
		require.True(t, errors.Is(allocator.FreeMemory(src), ErrInvalidUsage))
		_, err = src.Map()
		require.True(t, errors.Is(err, ErrInvalidUsage))
		require.True(t, errors.Is(allocator.ResizeAllocation(src, kib), ErrInvalidUsage))

		_, err = c.BeginPass()
		require.True(t, errors.Is(err, ErrInvalidUsage))

		require.NoError(t, HostCopyMover(c, &moves[0]))

		done, err := c.EndPass()
		require.NoError(t, err)
		require.False(t, done)
	}
	require.Equal(t, 2, passes)

	done, err := c.EndPass()
	require.NoError(t, err)
	require.True(t, done)

	report := c.Finish()
	require.NoError(t, report.Err)
	require.Equal(t, 2, report.Stats.AllocationsMoved)
	require.InDelta(t, 0, report.FragmentationAfter, 0.0001)

	_, err = c.BeginPass()
	require.True(t, errors.Is(err, ErrInvalidUsage))

	for index, alloc := range survivors {
		requireStamp(t, alloc, byte(index*2+1))
	}

	require.NoError(t, allocator.FreeMemorySlice(survivors))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestDefragmentationContext_FinishWithOpenPass(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})
	pool, survivors := readyFragmentedPool(t, allocator)

	c, err := allocator.BeginDefragmentation(DefragmentationInfo{Pool: pool})
	require.NoError(t, err)

	moves, err := c.BeginPass()
	require.NoError(t, err)
	require.NotEmpty(t, moves)

	report := c.Finish()
	require.Zero(t, report.Stats.AllocationsMoved)
	for _, move := range report.Moves {
		require.Equal(t, defrag.DefragmentationMoveIgnore, move.Operation)
	}

	for index, alloc := range survivors {
		require.Equal(t, index*32*kib, alloc.FindOffset())
		requireStamp(t, alloc, byte(index*2+1))
	}

	require.NoError(t, allocator.FreeMemorySlice(survivors))
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestBeginDefragmentation_InvalidOptions(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})

	testCases := []struct {
		name string
		info DefragmentationInfo
	}{
		{
			name: "Both algorithms",
			info: DefragmentationInfo{Flags: DefragmentationFlagAlgorithmFast | DefragmentationFlagAlgorithmFull},
		},
		{
			name: "Negative pass bytes",
			info: DefragmentationInfo{MaxBytesPerPass: -1},
		},
		{
			name: "Threshold of one",
			info: DefragmentationInfo{FragmentationThreshold: 1},
		},
		{
			name: "Nil allocation",
			info: DefragmentationInfo{Allocations: []*Allocation{nil}},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := allocator.BeginDefragmentation(testCase.info)
			require.True(t, errors.Is(err, ErrInvalidUsage))
		})
	}

	require.NoError(t, allocator.Destroy())
}
