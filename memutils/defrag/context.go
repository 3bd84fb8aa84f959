package defrag

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/memutils/metadata"
)

const fragmentationEpsilon = 1e-9

// blockSpace is the predicted free-space shape of a block once the pending relocations of the current pass
// have completed
type blockSpace struct {
	largest int
	free    int
	removed bool
}

// MetadataDefragContext is the core of the defragmentation logic for memutils. One of these must be created
// and initialized for each defragmentation run, which will then consist of multiple passes
type MetadataDefragContext[T any] struct {
	// Algorithm is the defragmentation algorithm that should be used
	Algorithm Algorithm
	// Handler is a method that will be called to complete each relocation as part of BlockListCompletePass
	Handler DefragmentOperationHandler[T]
	// BlockList is the memory object this context exists to defragment
	BlockList BlockList[T]
	// FragmentationThreshold is the minimum amount by which a relocation must lower the weighted fragmentation
	// ratio of the block list. Relocations that would raise the ratio are never planned.
	FragmentationThreshold float64
	// ExternallyLocked indicates that the consumer holds the BlockList lock around BlockListCollectMoves and
	// BlockListCompletePass
	ExternallyLocked bool

	moves   []DefragmentationMove[T]
	results []DefragmentationMove[T]

	immovableBlockCount int
	failed              map[*T]struct{}

	pending      map[metadata.BlockMetadata]map[metadata.BlockAllocationHandle]struct{}
	space        map[metadata.BlockMetadata]blockSpace
	removedCount int
}

// Init sets up this MetadataDefragContext to be used in a fresh defragmentation run. MetadataDefragContext can
// be reused for multiple runs, as long as this method is called prior to beginning each run, including the first
func (c *MetadataDefragContext[T]) Init() {
	if c.BlockList == nil {
		panic("attempted to init defragmentation context without a block list")
	}
	if c.Handler == nil {
		panic("attempted to init defragmentation context without a move handler")
	}

	if c.Algorithm == 0 {
		c.Algorithm = AlgorithmFull
	}

	c.moves = c.moves[:0]
	c.results = c.results[:0]
	c.immovableBlockCount = 0
	c.failed = make(map[*T]struct{})
}

func (c *MetadataDefragContext[T]) lock() {
	if !c.ExternallyLocked {
		c.BlockList.Lock()
	}
}

func (c *MetadataDefragContext[T]) unlock() {
	if !c.ExternallyLocked {
		c.BlockList.Unlock()
	}
}

func (c *MetadataDefragContext[T]) refreshSpace() {
	c.pending = make(map[metadata.BlockMetadata]map[metadata.BlockAllocationHandle]struct{})
	c.space = make(map[metadata.BlockMetadata]blockSpace, c.BlockList.BlockCount())
	c.removedCount = 0

	for index := 0; index < c.BlockList.BlockCount(); index++ {
		mtdata := c.BlockList.MetadataForBlock(index)
		c.space[mtdata] = blockSpace{
			largest: mtdata.LargestFreeRegion(),
			free:    mtdata.SumFreeSize(),
		}
	}
}

// Fragmentation returns the weighted fragmentation ratio of the block list as it will be once the moves
// collected for the current pass complete
func (c *MetadataDefragContext[T]) Fragmentation() float64 {
	return c.ratioWith(nil, blockSpace{}, nil, blockSpace{})
}

func (c *MetadataDefragContext[T]) ratioWith(first metadata.BlockMetadata, firstSpace blockSpace, second metadata.BlockMetadata, secondSpace blockSpace) float64 {
	var largest, free int

	for mtdata, space := range c.space {
		if mtdata == first {
			space = firstSpace
		} else if mtdata == second {
			space = secondSpace
		}

		if space.removed {
			continue
		}

		largest += space.largest
		free += space.free
	}

	return memutils.FragmentationRatio(largest, free)
}

// predict computes the free-space shape of a block once its pending relocations, plus the optional extra
// handle, have been freed
func (c *MetadataDefragContext[T]) predict(mtdata metadata.BlockMetadata, extra metadata.BlockAllocationHandle) blockSpace {
	pending := c.pending[mtdata]
	largest, free := mtdata.FreeSpaceIfFreed(func(handle metadata.BlockAllocationHandle) bool {
		if handle == extra {
			return true
		}
		_, ok := pending[handle]
		return ok
	})

	pendingCount := len(pending)
	if extra != metadata.NoAllocation {
		pendingCount++
	}

	emptied := pendingCount > 0 && mtdata.AllocationCount() == pendingCount
	return blockSpace{
		largest: largest,
		free:    free,
		removed: emptied && c.BlockList.BlockCount()-c.removedCount > c.BlockList.MinBlockCount(),
	}
}

// tryMove evaluates a relocation of data's source allocation into the region described by request. The
// relocation is planned only if it does not raise the fragmentation ratio by more than the threshold allows.
func (c *MetadataDefragContext[T]) tryMove(blockIndex int, dstMetadata metadata.BlockMetadata, request metadata.AllocationRequest, data *MoveAllocationData[T]) bool {
	tmp := c.BlockList.CreateAlloc()
	err := c.BlockList.CommitDefragAllocationRequest(request, blockIndex, data.Alignment, data.SuballocationType, tmp)
	if err != nil {
		return false
	}

	srcMetadata := data.Move.SrcBlockMetadata
	before := c.Fragmentation()

	srcSpace := c.predict(srcMetadata, data.Move.SrcHandle)
	var dstSpace blockSpace
	if dstMetadata != srcMetadata {
		dstSpace = c.predict(dstMetadata, metadata.NoAllocation)
	}

	after := c.ratioWith(srcMetadata, srcSpace, dstMetadata, dstSpace)
	if after > before-c.FragmentationThreshold+fragmentationEpsilon {
		err = c.BlockList.ReleaseDefragAllocation(tmp)
		if err != nil {
			panic(fmt.Sprintf("failed to release rejected defragmentation target: %+v", err))
		}
		return false
	}

	pending, ok := c.pending[srcMetadata]
	if !ok {
		pending = make(map[metadata.BlockAllocationHandle]struct{})
		c.pending[srcMetadata] = pending
	}
	pending[data.Move.SrcHandle] = struct{}{}

	c.space[srcMetadata] = srcSpace
	if dstMetadata != srcMetadata {
		c.space[dstMetadata] = dstSpace
	}
	if srcSpace.removed {
		c.removedCount++
	}

	data.Move.MoveOperation = DefragmentationMoveCopy
	data.Move.DstBlockMetadata = dstMetadata
	data.Move.DstTmpAllocation = tmp
	c.moves = append(c.moves, data.Move)

	return true
}

// BlockListCompletePass should be called after a defragmentation pass has been worked: BlockListCollectMoves
// has been called, data has been copied for all relocations, and any relocation that could not be performed
// has had its operation changed to DefragmentationMoveIgnore.
//
// This method calls Handler for each move, updates the pass statistics, and releases blocks that the pass
// emptied. Handler errors are aggregated and returned; the remaining moves are still completed.
func (c *MetadataDefragContext[T]) BlockListCompletePass(pass *PassContext) error {
	c.lock()
	defer c.unlock()

	var allErrors *multierror.Error
	immovableBlocks := make(map[metadata.BlockMetadata]struct{})

	for i := 0; i < len(c.moves); i++ {
		move := c.moves[i]

		err := c.Handler(move)
		if err != nil {
			allErrors = multierror.Append(allErrors, err)
			if move.MoveOperation == DefragmentationMoveCopy {
				move.MoveOperation = DefragmentationMoveIgnore
				move.Err = err
			}
		}

		switch move.MoveOperation {
		case DefragmentationMoveIgnore:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
			pass.Stats.MovesFailed++
			immovableBlocks[move.SrcBlockMetadata] = struct{}{}
			c.failed[move.SrcAllocation] = struct{}{}

		case DefragmentationMoveDestroy:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
		}

		c.results = append(c.results, move)
	}

	for mtdata, space := range c.space {
		if !space.removed || !mtdata.IsEmpty() {
			continue
		}

		bytes, err := c.BlockList.ReleaseEmptyBlock(mtdata)
		if err != nil {
			allErrors = multierror.Append(allErrors, err)
			continue
		}

		pass.Stats.DeviceMemoryBlocksFreed++
		pass.Stats.BytesFreed += bytes
	}

	// Move blocks with immovable allocations to the beginning
	for block := range immovableBlocks {
		c.swapImmovableBlock(block)
	}

	c.moves = c.moves[:0]
	c.pending = nil
	c.space = nil

	return allErrors.ErrorOrNil()
}

func (c *MetadataDefragContext[T]) swapImmovableBlock(mtdata metadata.BlockMetadata) {
	for i := c.immovableBlockCount; i < c.BlockList.BlockCount(); i++ {
		if c.BlockList.MetadataForBlock(i) == mtdata {
			c.BlockList.SwapBlocks(i, c.immovableBlockCount)
			c.immovableBlockCount++
			return
		}
	}
}

// BlockListCollectMoves will retrieve a single pass's worth of DefragmentationMove operations to be completed.
// Those operations can be retrieved from MetadataDefragContext.Moves. It returns true if the pass budget
// was exhausted while collecting.
func (c *MetadataDefragContext[T]) BlockListCollectMoves(pass *PassContext) bool {
	c.lock()
	defer c.unlock()

	c.moves = c.moves[:0]
	c.refreshSpace()

	if c.BlockList.BlockCount() > 1 {
		switch c.Algorithm {
		case AlgorithmFast:
			return c.walkSuballocations(pass, c.defragFastSuballocHandler)
		case AlgorithmFull:
			return c.walkSuballocations(pass, c.defragFullSuballocHandler)
		default:
			panic(fmt.Sprintf("attempted to defragment with unknown algorithm: %s", c.Algorithm.String()))
		}
	} else if c.BlockList.BlockCount() == 1 && c.Algorithm != AlgorithmFast {
		return c.walkSuballocations(pass, c.reallocSuballocHandler)
	}

	return false
}

// Moves returns the list of relocation operations most recently collected with BlockListCollectMoves
func (c *MetadataDefragContext[T]) Moves() []DefragmentationMove[T] {
	return c.moves
}

// Results returns every move completed during this run, with its final operation
func (c *MetadataDefragContext[T]) Results() []DefragmentationMove[T] {
	return c.results
}

func (c *MetadataDefragContext[T]) mustFindNextAllocation(mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle) metadata.BlockAllocationHandle {
	handle, err := mtdata.FindNextAllocation(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting next allocation: %+v", err))
	}

	return handle
}

func (c *MetadataDefragContext[T]) mustFindOffset(mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle) int {
	offset, err := mtdata.AllocationOffset(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting allocation offset: %+v", err))
	}

	return offset
}

func (c *MetadataDefragContext[T]) getMoveData(handle metadata.BlockAllocationHandle, mtdata metadata.BlockMetadata) (MoveAllocationData[T], bool) {
	userData, err := mtdata.AllocationUserData(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when retrieving allocation user data: %+v", err))
	}

	data, movable := c.BlockList.MoveDataForUserData(userData)
	if !movable {
		return data, false
	}

	if _, failed := c.failed[data.Move.SrcAllocation]; failed {
		return data, false
	}

	data.Move.SrcHandle = handle
	data.Move.SrcBlockMetadata = mtdata
	return data, true
}

func (c *MetadataDefragContext[T]) allocInOtherBlock(start, end int, data *MoveAllocationData[T]) bool {
	for ; start < end; start++ {
		dstMetadata := c.BlockList.MetadataForBlock(start)
		if c.space[dstMetadata].removed || !dstMetadata.MayHaveFreeBlock(data.SuballocationType, data.Move.Size) {
			continue
		}

		success, request, err := dstMetadata.CreateAllocationRequest(data.Move.Size, data.Alignment, false, data.SuballocationType, metadata.AllocationStrategyBestFit, math.MaxInt)
		if err != nil {
			panic(fmt.Sprintf("unexpected error when populating allocation request for defrag: %+v", err))
		}

		if success && c.tryMove(start, dstMetadata, request, data) {
			return true
		}
	}

	return false
}

type walkHandler[T any] func(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) bool

func (c *MetadataDefragContext[T]) walkSuballocations(pass *PassContext, suballocHandler walkHandler[T]) bool {
	var handles []metadata.BlockAllocationHandle

	// Go through allocation in last blocks and try to fit them inside first ones
	for blockIndex := c.BlockList.BlockCount() - 1; blockIndex >= c.immovableBlockCount; blockIndex-- {
		mtdata := c.BlockList.MetadataForBlock(blockIndex)

		handles = handles[:0]
		for handle := mtdata.AllocationListBegin(); handle != metadata.NoAllocation; handle = c.mustFindNextAllocation(mtdata, handle) {
			handles = append(handles, handle)
		}

		// Highest offsets first, so that relocations do not open holes in front of data that stays put
		for i := len(handles) - 1; i >= 0; i-- {
			handle := handles[i]
			moveData, movable := c.getMoveData(handle, mtdata)
			if movable {
				switch counter := pass.checkCounters(moveData.Move.Size); counter {
				case defragCounterIgnore:
				case defragCounterEnd:
					return true
				case defragCounterPass:
					if suballocHandler(pass, blockIndex, mtdata, handle, moveData) {
						return true
					}
				default:
					panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
				}
			}
		}
	}

	return false
}

func (c *MetadataDefragContext[T]) allocIfLowerOffset(offset int, blockIndex int, mtdata metadata.BlockMetadata, moveData *MoveAllocationData[T]) bool {
	success, allocRequest, err := mtdata.CreateAllocationRequest(
		moveData.Move.Size,
		moveData.Alignment,
		false,
		moveData.SuballocationType,
		metadata.AllocationStrategyMinOffset,
		offset,
	)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when populating allocation request for defrag: %+v", err))
	}

	if success && allocRequest.Offset < offset {
		return c.tryMove(blockIndex, mtdata, allocRequest, moveData)
	}

	return false
}

func (c *MetadataDefragContext[T]) reallocSuballocHandler(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) bool {
	offset := c.mustFindOffset(mtdata, handle)
	if offset != 0 && mtdata.MayHaveFreeBlock(moveData.SuballocationType, moveData.Move.Size) {
		if c.allocIfLowerOffset(offset, blockIndex, mtdata, &moveData) {
			return pass.incrementCounters(moveData.Move.Size)
		}
	}

	return false
}

func (c *MetadataDefragContext[T]) defragFastSuballocHandler(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) bool {
	if blockIndex == 0 {
		return false
	}

	if !c.allocInOtherBlock(0, blockIndex, &moveData) {
		return false
	}

	// Have we crossed our threshold for this pass?
	return pass.incrementCounters(moveData.Move.Size)
}

func (c *MetadataDefragContext[T]) defragFullSuballocHandler(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) bool {
	// Check all previous blocks for free space
	if blockIndex > 0 && c.allocInOtherBlock(0, blockIndex, &moveData) {
		return pass.incrementCounters(moveData.Move.Size)
	}

	// If no room found then realloc within block for lower offset
	offset := c.mustFindOffset(mtdata, handle)
	if offset > 0 && mtdata.MayHaveFreeBlock(moveData.SuballocationType, moveData.Move.Size) {
		if c.allocIfLowerOffset(offset, blockIndex, mtdata, &moveData) {
			return pass.incrementCounters(moveData.Move.Size)
		}
	}

	return false
}
