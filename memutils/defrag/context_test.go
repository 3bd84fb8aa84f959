package defrag

import (
	"math"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/memutils/metadata"
)

type fakeAlloc struct {
	name   string
	block  metadata.BlockMetadata
	handle metadata.BlockAllocationHandle
	size   int
	tmp    bool
	pinned bool
}

type fakeBlockList struct {
	mutex     sync.Mutex
	blocks    []metadata.BlockMetadata
	minBlocks int
	released  int
}

func (l *fakeBlockList) MetadataForBlock(index int) metadata.BlockMetadata { return l.blocks[index] }
func (l *fakeBlockList) BlockCount() int                                   { return len(l.blocks) }
func (l *fakeBlockList) MinBlockCount() int                                { return l.minBlocks }
func (l *fakeBlockList) Lock()                                             { l.mutex.Lock() }
func (l *fakeBlockList) Unlock()                                           { l.mutex.Unlock() }
func (l *fakeBlockList) CreateAlloc() *fakeAlloc                           { return &fakeAlloc{tmp: true} }

func (l *fakeBlockList) MoveDataForUserData(userData any) (MoveAllocationData[fakeAlloc], bool) {
	alloc := userData.(*fakeAlloc)
	if alloc.tmp || alloc.pinned {
		return MoveAllocationData[fakeAlloc]{}, false
	}

	return MoveAllocationData[fakeAlloc]{
		Alignment:         1,
		SuballocationType: metadata.SuballocationBuffer,
		Move: DefragmentationMove[fakeAlloc]{
			Size:          alloc.size,
			SrcAllocation: alloc,
		},
	}, true
}

func (l *fakeBlockList) CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, suballocType metadata.SuballocationType, outAlloc *fakeAlloc) error {
	block := l.blocks[blockIndex]
	handle, err := block.Alloc(allocRequest, suballocType, outAlloc)
	if err != nil {
		return err
	}

	outAlloc.block = block
	outAlloc.handle = handle
	outAlloc.size = allocRequest.Size
	return nil
}

func (l *fakeBlockList) ReleaseDefragAllocation(alloc *fakeAlloc) error {
	return alloc.block.Free(alloc.handle)
}

func (l *fakeBlockList) ReleaseEmptyBlock(mtdata metadata.BlockMetadata) (int, error) {
	for index, block := range l.blocks {
		if block == mtdata {
			l.blocks = append(l.blocks[:index], l.blocks[index+1:]...)
			l.released++
			return block.Size(), nil
		}
	}

	return 0, errors.New("block not found")
}

func (l *fakeBlockList) SwapBlocks(leftIndex, rightIndex int) {
	l.blocks[leftIndex], l.blocks[rightIndex] = l.blocks[rightIndex], l.blocks[leftIndex]
}

func (l *fakeBlockList) fragmentation() float64 {
	var stats memutils.DetailedStatistics
	stats.Clear()
	for _, block := range l.blocks {
		block.AddDetailedStatistics(&stats)
	}
	return stats.Fragmentation()
}

func copyHandler(t *testing.T) DefragmentOperationHandler[fakeAlloc] {
	return func(move DefragmentationMove[fakeAlloc]) error {
		src := move.SrcAllocation
		dst := move.DstTmpAllocation

		if move.MoveOperation != DefragmentationMoveCopy {
			return dst.block.Free(dst.handle)
		}

		require.NoError(t, src.block.Free(src.handle))
		require.NoError(t, dst.block.SetAllocationUserData(dst.handle, src))
		src.block = dst.block
		src.handle = dst.handle
		return nil
	}
}

// newBlock builds a block by allocating the provided sizes in order and freeing the ones at the provided indices
func newBlock(t *testing.T, size int, sizes []int, freeIndices ...int) (metadata.BlockMetadata, []*fakeAlloc) {
	block := metadata.NewFreeListBlockMetadata(1, 0)
	block.Init(size)

	var allocs []*fakeAlloc
	for _, allocSize := range sizes {
		success, request, err := block.CreateAllocationRequest(allocSize, 1, false, metadata.SuballocationBuffer, metadata.AllocationStrategyFirstFit, math.MaxInt)
		require.NoError(t, err)
		require.True(t, success)

		alloc := &fakeAlloc{block: block, size: allocSize}
		alloc.handle, err = block.Alloc(request, metadata.SuballocationBuffer, alloc)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}

	for _, index := range freeIndices {
		require.NoError(t, block.Free(allocs[index].handle))
		allocs[index] = nil
	}

	return block, allocs
}

func runToCompletion(t *testing.T, c *MetadataDefragContext[fakeAlloc], list *fakeBlockList, maxAllocations int) DefragmentationStats {
	var total DefragmentationStats

	for i := 0; i < 100; i++ {
		pass := PassContext{MaxPassBytes: math.MaxInt, MaxPassAllocations: maxAllocations}
		before := list.fragmentation()

		c.BlockListCollectMoves(&pass)
		if len(c.Moves()) == 0 {
			return total
		}
		if maxAllocations < math.MaxInt {
			require.LessOrEqual(t, len(c.Moves()), maxAllocations)
		}

		require.NoError(t, c.BlockListCompletePass(&pass))
		total.Add(pass.Stats)

		require.LessOrEqual(t, list.fragmentation(), before+fragmentationEpsilon)
		for _, block := range list.blocks {
			require.NoError(t, block.Validate())
		}
	}

	t.Fatal("defragmentation did not converge")
	return total
}

func TestDefrag_EmptiesTrailingBlock(t *testing.T) {
	first, _ := newBlock(t, 1000, []int{400})
	second, allocs := newBlock(t, 1000, []int{100})

	list := &fakeBlockList{blocks: []metadata.BlockMetadata{first, second}}
	c := MetadataDefragContext[fakeAlloc]{BlockList: list, Handler: copyHandler(t)}
	c.Init()

	stats := runToCompletion(t, &c, list, math.MaxInt)
	require.Equal(t, DefragmentationStats{
		BytesMoved:              100,
		BytesFreed:              1000,
		AllocationsMoved:        1,
		DeviceMemoryBlocksFreed: 1,
	}, stats)

	require.Len(t, list.blocks, 1)
	require.Equal(t, first, allocs[0].block)
	offset, err := first.AllocationOffset(allocs[0].handle)
	require.NoError(t, err)
	require.Equal(t, 400, offset)
}

func TestDefrag_MinBlockCountKeepsEmptiedBlock(t *testing.T) {
	first, _ := newBlock(t, 1000, []int{400})
	second, _ := newBlock(t, 1000, []int{100})

	list := &fakeBlockList{blocks: []metadata.BlockMetadata{first, second}, minBlocks: 2}
	c := MetadataDefragContext[fakeAlloc]{BlockList: list, Handler: copyHandler(t), Algorithm: AlgorithmFast}
	c.Init()

	stats := runToCompletion(t, &c, list, math.MaxInt)
	require.Equal(t, 1, stats.AllocationsMoved)
	require.Zero(t, stats.DeviceMemoryBlocksFreed)
	require.Len(t, list.blocks, 2)
	require.True(t, second.IsEmpty())
}

func TestDefrag_CompactsSingleBlock(t *testing.T) {
	block, _ := newBlock(t, 1000, []int{100, 100, 100, 100, 100}, 1, 3)

	list := &fakeBlockList{blocks: []metadata.BlockMetadata{block}}
	c := MetadataDefragContext[fakeAlloc]{BlockList: list, Handler: copyHandler(t)}
	c.Init()

	before := list.fragmentation()
	require.Greater(t, before, 0.0)

	stats := runToCompletion(t, &c, list, math.MaxInt)
	// The trailing allocation fills the first hole, leaving one run of free space
	require.Equal(t, 1, stats.AllocationsMoved)
	require.Zero(t, list.fragmentation())
	require.Equal(t, 1, block.FreeRegionsCount())
	require.Equal(t, 700, block.LargestFreeRegion())
}

func TestDefrag_FastAlgorithmLeavesSingleBlock(t *testing.T) {
	block, _ := newBlock(t, 1000, []int{100, 100, 100}, 1)

	list := &fakeBlockList{blocks: []metadata.BlockMetadata{block}}
	c := MetadataDefragContext[fakeAlloc]{BlockList: list, Handler: copyHandler(t), Algorithm: AlgorithmFast}
	c.Init()

	stats := runToCompletion(t, &c, list, math.MaxInt)
	require.Zero(t, stats.AllocationsMoved)
}

func TestDefrag_RejectsMovesThatRaiseFragmentation(t *testing.T) {
	// Holes of 100 and 30 bytes; moving the 40 byte allocation in would split the large hole
	first, _ := newBlock(t, 1000, []int{100, 770, 30, 100}, 0, 2)
	second, _ := newBlock(t, 100, []int{40})

	list := &fakeBlockList{blocks: []metadata.BlockMetadata{first, second}}
	c := MetadataDefragContext[fakeAlloc]{BlockList: list, Handler: copyHandler(t), Algorithm: AlgorithmFast}
	c.Init()

	pass := PassContext{MaxPassBytes: math.MaxInt, MaxPassAllocations: math.MaxInt}
	c.BlockListCollectMoves(&pass)
	require.Empty(t, c.Moves())
	require.NoError(t, first.Validate())
	require.Equal(t, 2, first.FreeRegionsCount())
	require.Equal(t, 130, first.SumFreeSize())
}

func TestDefrag_IgnoredMoveIsSkippedWithoutAborting(t *testing.T) {
	first, _ := newBlock(t, 1000, []int{400})
	second, allocs := newBlock(t, 1000, []int{100, 100})

	list := &fakeBlockList{blocks: []metadata.BlockMetadata{first, second}}
	c := MetadataDefragContext[fakeAlloc]{BlockList: list, Handler: copyHandler(t), Algorithm: AlgorithmFast}
	c.Init()

	pass := PassContext{MaxPassBytes: math.MaxInt, MaxPassAllocations: math.MaxInt}
	c.BlockListCollectMoves(&pass)
	require.Len(t, c.Moves(), 2)

	c.Moves()[0].MoveOperation = DefragmentationMoveIgnore
	require.NoError(t, c.BlockListCompletePass(&pass))

	require.Equal(t, 1, pass.Stats.AllocationsMoved)
	require.Equal(t, 1, pass.Stats.MovesFailed)
	require.Zero(t, pass.Stats.DeviceMemoryBlocksFreed)

	results := c.Results()
	require.Len(t, results, 2)
	require.Equal(t, DefragmentationMoveIgnore, results[0].MoveOperation)
	require.Equal(t, DefragmentationMoveCopy, results[1].MoveOperation)

	movedCount := 0
	for _, alloc := range allocs {
		if alloc.block == first {
			movedCount++
		}
	}
	require.Equal(t, 1, movedCount)

	// The failed allocation's block was pushed to the immovable front and is not planned again
	require.Equal(t, second, list.blocks[0])

	pass = PassContext{MaxPassBytes: math.MaxInt, MaxPassAllocations: math.MaxInt}
	c.BlockListCollectMoves(&pass)
	for _, move := range c.Moves() {
		require.NotSame(t, allocs[1], move.SrcAllocation)
	}
}

func TestDefrag_HandlerErrorsAreAggregated(t *testing.T) {
	first, _ := newBlock(t, 1000, []int{400})
	second, _ := newBlock(t, 1000, []int{100, 100})

	list := &fakeBlockList{blocks: []metadata.BlockMetadata{first, second}}
	handler := copyHandler(t)
	calls := 0
	c := MetadataDefragContext[fakeAlloc]{
		BlockList: list,
		Algorithm: AlgorithmFast,
		Handler: func(move DefragmentationMove[fakeAlloc]) error {
			calls++
			if calls == 1 {
				require.NoError(t, move.DstTmpAllocation.block.Free(move.DstTmpAllocation.handle))
				return errors.New("copy unsupported")
			}
			return handler(move)
		},
	}
	c.Init()

	pass := PassContext{MaxPassBytes: math.MaxInt, MaxPassAllocations: math.MaxInt}
	c.BlockListCollectMoves(&pass)
	require.Len(t, c.Moves(), 2)

	err := c.BlockListCompletePass(&pass)
	require.ErrorContains(t, err, "copy unsupported")
	require.Equal(t, 1, pass.Stats.AllocationsMoved)
	require.Equal(t, 1, pass.Stats.MovesFailed)
	require.Error(t, c.Results()[0].Err)
}

func TestDefrag_PassLimits(t *testing.T) {
	first, _ := newBlock(t, 1000, []int{100})
	second, _ := newBlock(t, 1000, []int{100, 100, 100})

	list := &fakeBlockList{blocks: []metadata.BlockMetadata{first, second}}
	c := MetadataDefragContext[fakeAlloc]{BlockList: list, Handler: copyHandler(t)}
	c.Init()

	stats := runToCompletion(t, &c, list, 1)
	require.Equal(t, 3, stats.AllocationsMoved)
	require.Equal(t, 1, stats.DeviceMemoryBlocksFreed)
}

func TestDefrag_PinnedAllocationsStay(t *testing.T) {
	first, _ := newBlock(t, 1000, []int{400})
	second, allocs := newBlock(t, 1000, []int{100})
	allocs[0].pinned = true

	list := &fakeBlockList{blocks: []metadata.BlockMetadata{first, second}}
	c := MetadataDefragContext[fakeAlloc]{BlockList: list, Handler: copyHandler(t)}
	c.Init()

	stats := runToCompletion(t, &c, list, math.MaxInt)
	require.Zero(t, stats.AllocationsMoved)
	require.Equal(t, second, allocs[0].block)
}
