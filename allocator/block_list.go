package allocator

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/devmem/allocator/internal/memory"
	"github.com/vkngwrapper/devmem/allocator/internal/utils"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/memutils/metadata"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

var blockPool = sync.Pool{
	New: func() any {
		return &deviceMemoryBlock{}
	},
}

// blockSizeAlignment is the granularity new block sizes are rounded up to
const blockSizeAlignment uint = 32

// maxNewBlockSizeShift is the number of times a new block may be halved below the preferred block size
const maxNewBlockSizeShift = 3

type blockListCreateInfo struct {
	memoryTypeIndex        int
	preferredBlockSize     int
	minBlockSize           int
	maxBlockSize           int
	minBlockCount          int
	maxBlockCount          int
	bufferImageGranularity int
	explicitBlockSize      bool
	strategy               metadata.AllocationStrategy
	evictionFrameThreshold int
	priority               float32
}

// memoryBlockList is the set of blocks for a single memory type, either one of the allocator's default
// pools or the contents of a custom Pool
type memoryBlockList struct {
	parentAllocator *Allocator
	parentPool      *Pool
	deviceMemory    *memory.DeviceMemoryProperties
	logger          *slog.Logger

	memoryTypeIndex        int
	preferredBlockSize     int
	minBlockSize           int
	maxBlockSize           int
	minBlockCount          int
	maxBlockCount          int
	bufferImageGranularity int
	explicitBlockSize      bool
	strategy               metadata.AllocationStrategy
	evictionFrameThreshold int
	priority               float32
	minAllocationAlignment uint
	debugMargin            int

	mutex            utils.OptionalRWMutex
	blocks           []*deviceMemoryBlock
	nextBlockId      int
	incrementalSort  bool
	defragInProgress int
	lostAllocations  int
	destroyed        bool
}

func (l *memoryBlockList) MemoryTypeIndex() int    { return l.memoryTypeIndex }
func (l *memoryBlockList) PreferredBlockSize() int { return l.preferredBlockSize }
func (l *memoryBlockList) HasExplicitBlockSize() bool {
	return l.explicitBlockSize
}
func (l *memoryBlockList) BlockCount() int    { return len(l.blocks) }
func (l *memoryBlockList) MinBlockCount() int { return l.minBlockCount }

func (l *memoryBlockList) Init(
	useMutex bool,
	allocator *Allocator,
	pool *Pool,
	createInfo blockListCreateInfo,
) {
	l.parentAllocator = allocator
	l.parentPool = pool
	l.logger = allocator.logger
	l.deviceMemory = allocator.deviceMemory
	l.memoryTypeIndex = createInfo.memoryTypeIndex
	l.preferredBlockSize = createInfo.preferredBlockSize
	l.minBlockSize = createInfo.minBlockSize
	l.maxBlockSize = createInfo.maxBlockSize
	if l.maxBlockSize <= 0 {
		l.maxBlockSize = l.preferredBlockSize
	}
	l.minBlockCount = createInfo.minBlockCount
	l.maxBlockCount = createInfo.maxBlockCount
	l.bufferImageGranularity = createInfo.bufferImageGranularity
	l.explicitBlockSize = createInfo.explicitBlockSize
	l.strategy = createInfo.strategy
	l.evictionFrameThreshold = createInfo.evictionFrameThreshold
	l.priority = createInfo.priority
	l.minAllocationAlignment = l.deviceMemory.MemoryTypeMinimumAlignment(l.memoryTypeIndex)
	l.incrementalSort = true
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}

	requiredMemFlags := driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent
	if allocator.debugMargin > 0 &&
		l.deviceMemory.MemoryTypeProperties(l.memoryTypeIndex).PropertyFlags&requiredMemFlags == requiredMemFlags {
		l.debugMargin = allocator.debugMargin
	}
}

// Destroy frees every block in the list. If any allocation is still live, every leak is logged and
// nothing is freed.
func (l *memoryBlockList) Destroy() error {
	if leaked := l.logUnreleased(); leaked > 0 {
		return usageErrorf("memory type %d still has %d allocations that remain unfreed", l.memoryTypeIndex, leaked)
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	for _, block := range l.blocks {
		err := block.Destroy()
		if err != nil {
			return err
		}
		blockPool.Put(block)
	}
	l.blocks = nil
	l.destroyed = true
	return nil
}

// logUnreleased logs every live allocation in the list and returns how many there were
func (l *memoryBlockList) logUnreleased() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	leaked := 0
	for _, block := range l.blocks {
		if !block.metadata.IsEmpty() {
			block.logUnreleasedAllocations()
			leaked += block.metadata.AllocationCount()
		}
	}

	return leaked
}

func (l *memoryBlockList) CreateMinBlocks() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for i := len(l.blocks); i < l.minBlockCount; i++ {
		_, err := l.CreateBlock(l.clampBlockSize(l.preferredBlockSize))
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *memoryBlockList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddDetailedStatistics(stats)
	}
}

// LostAllocationCount returns the number of allocations that have been made lost in this list
func (l *memoryBlockList) LostAllocationCount() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.lostAllocations
}

func (l *memoryBlockList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks) == 0
}

func (l *memoryBlockList) HasNoAllocations() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if !l.blocks[blockIndex].metadata.IsEmpty() {
			return false
		}
	}

	return true
}

// CreateBlock allocates a new memory object of the provided size and appends it to the list. The list lock
// must be held.
func (l *memoryBlockList) CreateBlock(blockSize int) (int, error) {
	if l.priority < 0 || l.priority > 1 {
		panic(fmt.Sprintf("block list had an invalid priority value %f somehow: priority values should be between 0 and 1, inclusive", l.priority))
	}

	allocInfo := driver.MemoryAllocateInfo{
		MemoryTypeIndex: l.memoryTypeIndex,
		Size:            blockSize,
		Priority:        l.priority,
	}

	mem, err := l.deviceMemory.AllocateDeviceMemory(allocInfo)
	if err != nil {
		return -1, wrapDriverError(err, "failed to allocate a %d-byte block in memory type %d", blockSize, l.memoryTypeIndex)
	}

	block := blockPool.Get().(*deviceMemoryBlock)
	block.Init(l.logger, l, l.deviceMemory, l.memoryTypeIndex, mem, blockSize, l.nextBlockId, l.bufferImageGranularity, l.debugMargin)
	l.nextBlockId++

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("size", blockSize),
		slog.Int("MemoryTypeIndex", l.memoryTypeIndex))

	l.blocks = append(l.blocks, block)
	return len(l.blocks) - 1, nil
}

func (l *memoryBlockList) Remove(block *deviceMemoryBlock) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex] == block {
			l.blocks = slices.Delete(l.blocks, blockIndex, blockIndex+1)
			return
		}
	}

	panic("attempted to remove a block from a block list that did not belong to it")
}

func (l *memoryBlockList) IsCorruptionDetectionEnabled() bool {
	return l.debugMargin > 0
}

// clampBlockSize applies the list's block size limits to a candidate block size
func (l *memoryBlockList) clampBlockSize(blockSize int) int {
	return memutils.AlignUp(memutils.Clamp(blockSize, l.minBlockSize, l.maxBlockSize), blockSizeAlignment)
}

// adjustRequest applies the list's minimum alignment, and the guard alignment when corruption detection
// is enabled, to a request
func (l *memoryBlockList) adjustRequest(size int, alignment uint) (int, uint) {
	if l.minAllocationAlignment > alignment {
		alignment = l.minAllocationAlignment
	}

	if l.IsCorruptionDetectionEnabled() {
		size = memutils.AlignUp(size, 4)
		alignment = uint(memutils.AlignUp(int(alignment), 4))
	}

	return size, alignment
}

// Allocate places every allocation in the slice. The allocations must have been initialized by the
// allocator. If any placement fails, the allocations already placed are freed.
func (l *memoryBlockList) Allocate(size int, alignment uint, flags AllocationCreateFlags, suballocType metadata.SuballocationType, allocations []*Allocation) (err error) {
	size, alignment = l.adjustRequest(size, alignment)

	allocIndex := 0

	defer func() {
		if err != nil {
			for allocIndex > 0 {
				allocIndex--

				freeErr := l.Free(allocations[allocIndex])
				if freeErr != nil {
					panic(fmt.Sprintf("unexpected error when freeing an allocation that was created as part of a failed allocation: %+v", freeErr))
				}
			}
		}
	}()

	l.mutex.Lock()
	defer l.mutex.Unlock()

	for allocIndex = 0; allocIndex < len(allocations); allocIndex++ {
		err = l.allocPageWithEviction(size, alignment, flags, suballocType, allocations[allocIndex])
		if err != nil {
			return err
		}
	}

	return nil
}

// allocPageWithEviction places a single allocation, evicting lost-capable allocations and retrying once if
// the request permits it. The list lock must be held.
func (l *memoryBlockList) allocPageWithEviction(size int, alignment uint, flags AllocationCreateFlags, suballocType metadata.SuballocationType, outAlloc *Allocation) error {
	err := l.allocPage(size, alignment, flags, suballocType, outAlloc)
	if err == nil || flags&AllocationCreateCanEvictOthers == 0 || !isOutOfMemory(err) {
		return err
	}

	evicted := l.evictForRequest(size, alignment, suballocType)
	if evicted == 0 {
		return err
	}

	err = l.allocPage(size, alignment, flags, suballocType, outAlloc)
	if err != nil {
		return err
	}

	outAlloc.evictedAllocations = evicted
	return nil
}

func (l *memoryBlockList) allocPage(size int, alignment uint, flags AllocationCreateFlags, suballocType metadata.SuballocationType, outAlloc *Allocation) error {
	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)

	budget := memory.Budget{}
	l.deviceMemory.HeapBudget(heapIndex, &budget)
	freeMemory := budget.Budget - budget.Usage

	if freeMemory < 0 {
		freeMemory = 0
	}

	canFallbackToDedicated := !l.HasExplicitBlockSize() && l.parentPool == nil &&
		flags&AllocationCreateNeverAllocate == 0
	canCreateNewBlock := flags&AllocationCreateNeverAllocate == 0 &&
		len(l.blocks) < l.maxBlockCount &&
		(freeMemory >= size || !canFallbackToDedicated)

	strategy, err := flags.strategy(l.strategy)
	if err != nil {
		return err
	}

	// Early reject: the allocation and its guards are larger than any block this list may create
	requiredBlockSize := size + 2*l.debugMargin
	if requiredBlockSize > l.maxBlockSize {
		return outOfMemoryErrorf("allocation of %d bytes is larger than the maximum block size %d of memory type %d", size, l.maxBlockSize, l.memoryTypeIndex)
	}

	// 1. Search existing blocks
	if strategy != metadata.AllocationStrategyFirstFit {
		// Blocks are kept sorted by ascending free size, so iterating forward finds the fullest block the
		// allocation fits in
		mapped := flags&AllocationCreateMapped != 0
		passes := 1
		if l.deviceMemory.IsMemoryTypeHostVisible(l.memoryTypeIndex) {
			// Mapped allocations try already mapped blocks first, unmapped allocations try unmapped blocks
			// first, which keeps the number of mapped blocks down
			passes = 2
		}

		for pass := 0; pass < passes; pass++ {
			for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
				currentBlock := l.blocks[blockIndex]
				if currentBlock == nil {
					panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
				}

				if passes > 1 && (pass == 0) != (mapped == currentBlock.isMapped()) {
					continue
				}

				err = l.allocFromBlock(currentBlock, size, alignment, flags, suballocType, strategy, outAlloc)
				if err == nil {
					l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
					l.incrementallySortBlocks()
					return nil
				} else if !errors.Is(err, errNoSuitableRegion) {
					return err
				}
			}
		}
	} else {
		for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
			// Prefer blocks with the largest amount of free space by iterating backward
			currentBlock := l.blocks[blockIndex]
			if currentBlock == nil {
				panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
			}

			err = l.allocFromBlock(currentBlock, size, alignment, flags, suballocType, strategy, outAlloc)
			if err == nil {
				l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
				l.incrementallySortBlocks()
				return nil
			} else if !errors.Is(err, errNoSuitableRegion) {
				return err
			}
		}
	}

	// 2. Try to create a new block
	if !canCreateNewBlock {
		return outOfMemoryErrorf("no block in memory type %d can hold an allocation of %d bytes", l.memoryTypeIndex, size)
	}

	newBlockSize := l.preferredBlockSize
	if newBlockSize < requiredBlockSize {
		newBlockSize = requiredBlockSize
	}
	newBlockSizeShift := 0

	if !l.explicitBlockSize {
		maxExistingBlockSize := l.calcMaxBlockSize()

		for i := 0; i < maxNewBlockSizeShift; i++ {
			smallerNewBlockSize := newBlockSize / 2
			if smallerNewBlockSize > maxExistingBlockSize && smallerNewBlockSize >= requiredBlockSize*2 {
				newBlockSize = smallerNewBlockSize
				newBlockSizeShift++
			} else {
				break
			}
		}
	}

	newBlockIndex := -1
	newBlockSize = l.clampBlockSize(newBlockSize)
	if newBlockSize <= freeMemory || !canFallbackToDedicated {
		newBlockIndex, err = l.CreateBlock(newBlockSize)
	} else {
		err = outOfMemoryErrorf("a new %d-byte block would exceed the budget of heap %d", newBlockSize, heapIndex)
	}

	if !l.explicitBlockSize {
		for err != nil && isOutOfMemory(err) && newBlockSizeShift < maxNewBlockSizeShift {
			smallerNewBlockSize := l.clampBlockSize(newBlockSize / 2)
			if smallerNewBlockSize < requiredBlockSize || smallerNewBlockSize >= newBlockSize {
				break
			}

			newBlockSize = smallerNewBlockSize
			newBlockSizeShift++
			if newBlockSize <= freeMemory || !canFallbackToDedicated {
				newBlockIndex, err = l.CreateBlock(newBlockSize)
			}
		}
	}

	if err != nil {
		return err
	}

	block := l.blocks[newBlockIndex]
	if block.metadata.Size() < size {
		panic(fmt.Sprintf("created a new block at index %d to hold an allocation of size %d but the created block was somehow only size %d", newBlockIndex, size, block.metadata.Size()))
	}

	err = l.allocFromBlock(block, size, alignment, flags, suballocType, strategy, outAlloc)
	if err == nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block for allocation", slog.Int("block.id", block.id))
		l.incrementallySortBlocks()
		return nil
	}

	if errors.Is(err, errNoSuitableRegion) {
		// A brand-new block must never keep its first allocation from fitting. Return it to the driver so
		// that the failure leaves nothing behind.
		l.Remove(block)
		destroyErr := block.Destroy()
		if destroyErr != nil {
			panic(fmt.Sprintf("unexpected failure when destroying an unused memory block: %+v", destroyErr))
		}
		blockPool.Put(block)
		return outOfMemoryErrorf("allocation of %d bytes did not fit in a new %d-byte block", size, newBlockSize)
	}

	return err
}

// Free returns an allocation's region to its block. If the guards around the allocation were damaged,
// the free still completes and an error marked with ErrMemoryCorruptionDetected is returned.
func (l *memoryBlockList) Free(alloc *Allocation) error {
	blockToDelete, err := l.freeWithLock(alloc)

	if blockToDelete != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockToDelete.id))
		destroyErr := blockToDelete.Destroy()
		if destroyErr != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", destroyErr))
		}
		blockPool.Put(blockToDelete)
	}

	return err
}

func (l *memoryBlockList) freeWithLock(alloc *Allocation) (blockToDelete *deviceMemoryBlock, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if alloc.relocating.Load() {
		return nil, usageErrorf("attempted to free an allocation that is being relocated by defragmentation")
	}

	return l.freeLocked(alloc)
}

// freeLocked frees the allocation and returns the block, if any, that should be destroyed now that it is
// empty. The list lock must be held.
func (l *memoryBlockList) freeLocked(alloc *Allocation) (blockToDelete *deviceMemoryBlock, err error) {
	previousState, err := alloc.markFreed()
	if err != nil {
		return nil, err
	} else if previousState == allocationLost {
		// The region was released when the allocation was lost
		return nil, nil
	}

	block := alloc.blockData.block
	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)

	heapBudget := memory.Budget{}
	l.deviceMemory.HeapBudget(heapIndex, &heapBudget)
	budgetExceeded := heapBudget.Usage >= heapBudget.Budget

	// The allocation is already marked freed, so its region is released even if the guard check or the
	// unmap fails
	releaseErrs := l.releaseRegionMappings(block, alloc)

	hasEmptyBlockBeforeFree := l.hasEmptyBlock()
	err = block.metadata.Free(alloc.blockData.handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing allocation with handle %+v in metadata: %+v", alloc.blockData.handle, err))
	}
	block.memory.RecordSuballocSubfree()
	memutils.DebugValidate(block)
	l.deviceMemory.RemoveAllocation(heapIndex, alloc.size)
	alloc.releaseBlock()

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block",
		slog.Int("block.id", block.id),
		slog.Int("MemoryTypeIndex", l.memoryTypeIndex))

	canDeleteBlock := len(l.blocks) > l.minBlockCount && l.defragInProgress == 0

	if block.metadata.IsEmpty() && (hasEmptyBlockBeforeFree || budgetExceeded) && canDeleteBlock {
		// The block is empty and another empty block is already waiting, or the heap is over budget
		blockToDelete = block
		l.Remove(block)
	} else if !block.metadata.IsEmpty() && hasEmptyBlockBeforeFree && canDeleteBlock {
		// There is an empty block somewhere we don't need
		lastBlock := l.blocks[len(l.blocks)-1]
		if lastBlock.metadata.IsEmpty() {
			blockToDelete = lastBlock
			l.blocks = l.blocks[:len(l.blocks)-1]
		}
	}

	l.incrementallySortBlocks()

	return blockToDelete, combineErrors(releaseErrs)
}

// releaseRegionMappings validates the guards of an allocation leaving its region and drops the mappings it
// holds on the block. Damaged guards and failures are returned together. The list lock must be held.
func (l *memoryBlockList) releaseRegionMappings(block *deviceMemoryBlock, alloc *Allocation) []error {
	var errs []error

	if l.IsCorruptionDetectionEnabled() {
		corruptionErr, err := l.validateAllocationGuards(block, alloc)
		if err != nil {
			errs = append(errs, err)
		} else if corruptionErr != nil {
			errs = append(errs, corruptionErr)
		}
	}

	refs := alloc.mapCount
	if alloc.isPersistentMap() {
		refs++
	}
	if refs > 0 {
		if err := block.memory.Unmap(refs); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

// Maintain frees every empty block beyond the list's minimum block count and returns the number of
// blocks freed
func (l *memoryBlockList) Maintain() (int, error) {
	var blocksToDelete []*deviceMemoryBlock

	l.mutex.Lock()
	if l.defragInProgress == 0 {
		for blockIndex := len(l.blocks) - 1; blockIndex >= 0 && len(l.blocks) > l.minBlockCount; blockIndex-- {
			block := l.blocks[blockIndex]
			if block.metadata.IsEmpty() {
				blocksToDelete = append(blocksToDelete, block)
				l.blocks = slices.Delete(l.blocks, blockIndex, blockIndex+1)
			}
		}
	}
	l.mutex.Unlock()

	for _, block := range blocksToDelete {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", block.id))
		err := block.Destroy()
		if err != nil {
			return 0, err
		}
		blockPool.Put(block)
	}

	return len(blocksToDelete), nil
}

func (l *memoryBlockList) hasEmptyBlock() bool {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block.metadata.IsEmpty() {
			return true
		}
	}

	return false
}

func (l *memoryBlockList) incrementallySortBlocks() {
	if !l.incrementalSort {
		return
	}

	for blockIndex := 1; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex-1].metadata.SumFreeSize() > l.blocks[blockIndex].metadata.SumFreeSize() {
			l.blocks[blockIndex-1], l.blocks[blockIndex] = l.blocks[blockIndex], l.blocks[blockIndex-1]
			return
		}
	}
}

// SortByFreeSize orders the blocks fullest first
func (l *memoryBlockList) SortByFreeSize() {
	slices.SortStableFunc(l.blocks, func(left, right *deviceMemoryBlock) int {
		return left.metadata.SumFreeSize() - right.metadata.SumFreeSize()
	})
}

func (l *memoryBlockList) calcMaxBlockSize() int {
	result := 0
	for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
		blockSize := l.blocks[blockIndex].metadata.Size()
		if blockSize <= result {
			continue
		}

		result = blockSize
		if result >= l.preferredBlockSize {
			return result
		}
	}

	return result
}

// allocFromBlock places the allocation in the provided block. It returns errNoSuitableRegion if the block
// has no region that can hold it.
func (l *memoryBlockList) allocFromBlock(block *deviceMemoryBlock, size int, alignment uint, flags AllocationCreateFlags, suballocType metadata.SuballocationType, strategy metadata.AllocationStrategy, outAlloc *Allocation) error {
	if !block.metadata.MayHaveFreeBlock(suballocType, size) {
		return errNoSuitableRegion
	}

	isUpperAddress := flags&AllocationCreateUpperAddress != 0

	success, currRequest, err := block.metadata.CreateAllocationRequest(size, alignment, isUpperAddress, suballocType, strategy, math.MaxInt)
	if err != nil {
		return err
	} else if !success {
		return errNoSuitableRegion
	}

	mapped := flags&AllocationCreateMapped != 0 && l.deviceMemory.IsMemoryTypeHostVisible(l.memoryTypeIndex)
	return l.commitAllocationRequest(currRequest, block, alignment, mapped, outAlloc)
}

func (l *memoryBlockList) commitAllocationRequest(allocRequest metadata.AllocationRequest, block *deviceMemoryBlock, alignment uint, mapped bool, outAlloc *Allocation) error {
	block.memory.RecordSuballocSubfree()

	if mapped {
		_, err := block.memory.Map(1)
		if err != nil {
			return wrapDriverError(err, "failed to map block %d of memory type %d", block.id, l.memoryTypeIndex)
		}
	}

	handle, err := block.metadata.Alloc(allocRequest, allocRequest.AllocType, outAlloc)
	if err != nil {
		if mapped {
			_ = block.memory.Unmap(1)
		}
		return err
	}

	offset, err := block.metadata.AllocationOffset(handle)
	if err != nil {
		panic(fmt.Sprintf("failed to locate offset for new handle %+v: %+v", handle, err))
	}
	outAlloc.initBlockAllocation(block, handle, offset, alignment, allocRequest.Size, l.memoryTypeIndex, mapped)

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.AddAllocation(heapIndex, allocRequest.Size)

	outAlloc.fillAllocation(createdFillPattern)

	if l.IsCorruptionDetectionEnabled() {
		err = l.writeAllocationGuards(block, offset, allocRequest.Size)
		if err != nil {
			panic(fmt.Sprintf("failed to write corruption guards with unexpected error: %+v", err))
		}
	}

	return nil
}

// resize changes the size of a block allocation in place. Growing fails with ErrInvalidUsage if the region
// directly after the allocation cannot hold the new size.
func (l *memoryBlockList) resize(alloc *Allocation, newSize int) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	err := alloc.checkUsable("resize")
	if err != nil {
		return err
	}

	if l.IsCorruptionDetectionEnabled() {
		newSize = memutils.AlignUp(newSize, 4)
	}

	oldSize := alloc.size
	if newSize == oldSize {
		return nil
	}

	block := alloc.blockData.block
	success, err := block.metadata.Resize(alloc.blockData.handle, newSize)
	if err != nil {
		return err
	} else if !success {
		return usageErrorf("allocation of %d bytes cannot grow to %d bytes because the space after it is in use", oldSize, newSize)
	}

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.ResizeAllocation(heapIndex, oldSize, newSize)
	alloc.size = newSize
	alloc.request.size = newSize

	if l.IsCorruptionDetectionEnabled() {
		err = l.writeAllocationGuards(block, alloc.FindOffset(), newSize)
		if err != nil {
			return err
		}
	}

	memutils.DebugValidate(block)
	l.incrementallySortBlocks()

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Resized allocation",
		slog.Int("block.id", block.id),
		slog.Int("oldSize", oldSize),
		slog.Int("size", newSize))

	return nil
}

// PrintDetailedMap writes one object per block, keyed by block id, listing every region in the block
func (l *memoryBlockList) PrintDetailedMap(json *jwriter.ObjectState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		blockObj := json.Name(strconv.Itoa(block.id)).Object()

		blockObj.Name("MapReferences").Int(block.memory.References())
		block.metadata.BlockJsonData(blockObj)
		l.printDetailedMapRegions(block.metadata, &blockObj)

		blockObj.End()
	}
}

func (l *memoryBlockList) printDetailedMapRegions(md metadata.BlockMetadata, json *jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		if free {
			obj.Name("Type").String(metadata.SuballocationFree.String())
			obj.Name("Size").Int(size)
			return nil
		}

		if alloc, isAllocation := userData.(*Allocation); isAllocation && alloc != nil {
			alloc.printParameters(&obj)
		} else if userData != nil {
			obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
		}
		return nil
	})
}
