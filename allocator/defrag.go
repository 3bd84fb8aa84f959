package allocator

import (
	"context"
	"fmt"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/devmem/allocator/internal/memory"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/memutils/defrag"
	"github.com/vkngwrapper/devmem/memutils/metadata"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// DefragmentationFlags is a set of bitflags that specify behavior for the DefragmentationContext
type DefragmentationFlags uint32

const (
	// DefragmentationFlagAlgorithmFast indicates that the DefragmentationContext should only move allocations
	// out of the emptiest blocks and into fuller ones. It requires fewer passes than
	// DefragmentationFlagAlgorithmFull and is not compatible with it.
	DefragmentationFlagAlgorithmFast DefragmentationFlags = 1 << iota
	// DefragmentationFlagAlgorithmFull indicates that the DefragmentationContext should also compact
	// allocations toward the start of their own blocks.
	//
	// This is the default algorithm if none is specified.
	DefragmentationFlagAlgorithmFull

	DefragmentationFlagAlgorithmMask = DefragmentationFlagAlgorithmFast |
		DefragmentationFlagAlgorithmFull
)

var defragmentationFlagsMapping = map[DefragmentationFlags]string{
	DefragmentationFlagAlgorithmFast: "DefragmentationFlagAlgorithmFast",
	DefragmentationFlagAlgorithmFull: "DefragmentationFlagAlgorithmFull",
}

func (f DefragmentationFlags) String() string {
	str, ok := defragmentationFlagsMapping[f]
	if !ok {
		return fmt.Sprintf("DefragmentationFlags(%#x)", uint32(f))
	}
	return str
}

// AllocationMover copies the contents of move.SrcAllocation into move.DstTmpAllocation. It is called by
// Allocator.Defragment with the block list locked, so it must not call Allocator or Pool methods. Returning
// an error skips the move and keeps the source where it is.
type AllocationMover func(c *DefragmentationContext, move *defrag.DefragmentationMove[Allocation]) error

// DefragmentationInfo is used to specify options for a defragmentation run
type DefragmentationInfo struct {
	// Flags specifies optional DefragmentationFlags
	Flags DefragmentationFlags
	// Pool indicates a custom memory pool to defragment. This is usually nil, in which case the Allocator's
	// default pools will be defragmented.
	Pool *Pool
	// Allocations restricts the run to the provided allocations. Allocations that are dedicated or lost
	// are skipped. If this is empty, every allocation in the selected block lists may be moved.
	Allocations []*Allocation

	// MaxBytesPerPass is the maximum number of bytes to relocate in each pass. 0 means no limit.
	MaxBytesPerPass int
	// MaxAllocationsPerPass is the maximum number of allocations to relocate in each pass. 0 means no limit.
	MaxAllocationsPerPass int
	// FragmentationThreshold is the minimum amount by which a move must lower the fragmentation ratio of
	// its block list in order to be planned. It must be in [0, 1).
	FragmentationThreshold float64

	// Mover copies data for Allocator.Defragment. If it is nil, HostCopyMover is used.
	Mover AllocationMover
}

// DefragmentationMoveResult is the outcome of a single relocation
type DefragmentationMoveResult struct {
	Allocation *Allocation
	Size       int
	Operation  defrag.DefragmentationMoveOperation
	// Err is the reason the move was skipped, if it failed
	Err error
}

// DefragmentationReport summarizes a finished defragmentation run
type DefragmentationReport struct {
	Stats defrag.DefragmentationStats
	Moves []DefragmentationMoveResult

	// FragmentationBefore and FragmentationAfter are the weighted fragmentation ratios of the defragmented
	// block lists when the run began and when it finished
	FragmentationBefore float64
	FragmentationAfter  float64

	// Err aggregates every failure encountered during the run
	Err error
}

// defragBlockList restricts a memoryBlockList's relocatable allocations to a defragmentation run's subset
type defragBlockList struct {
	*memoryBlockList
	subset map[*Allocation]struct{}
}

var _ defrag.BlockList[Allocation] = &defragBlockList{}

func (l *defragBlockList) MoveDataForUserData(userData any) (defrag.MoveAllocationData[Allocation], bool) {
	alloc, isAllocation := userData.(*Allocation)
	if !isAllocation || alloc == nil || alloc.isDefragTarget() || alloc.relocating.Load() {
		return defrag.MoveAllocationData[Allocation]{}, false
	}

	switch alloc.state() {
	case allocationLive, allocationEvictable:
	default:
		return defrag.MoveAllocationData[Allocation]{}, false
	}

	if l.subset != nil {
		if _, inSubset := l.subset[alloc]; !inSubset {
			return defrag.MoveAllocationData[Allocation]{}, false
		}
	}

	return defrag.MoveAllocationData[Allocation]{
		Alignment:         alloc.alignment,
		SuballocationType: alloc.suballocationType,
		Move: defrag.DefragmentationMove[Allocation]{
			Size:          alloc.size,
			SrcAllocation: alloc,
		},
	}, true
}

func (l *memoryBlockList) MetadataForBlock(index int) metadata.BlockMetadata {
	return l.blocks[index].metadata
}

func (l *memoryBlockList) Lock() {
	l.mutex.Lock()
}

func (l *memoryBlockList) Unlock() {
	l.mutex.Unlock()
}

func (l *memoryBlockList) CreateAlloc() *Allocation {
	return &Allocation{}
}

func (l *memoryBlockList) SwapBlocks(leftIndex, rightIndex int) {
	l.blocks[leftIndex], l.blocks[rightIndex] = l.blocks[rightIndex], l.blocks[leftIndex]
}

// CommitDefragAllocationRequest places a relocation target. The list lock must be held.
func (l *memoryBlockList) CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, suballocType metadata.SuballocationType, outAlloc *Allocation) error {
	outAlloc.init(l.parentAllocator, l, allocationRequest{
		size:         allocRequest.Size,
		alignment:    alignment,
		suballocType: suballocType,
	}, nil)
	outAlloc.flags |= allocationDefragTarget

	return l.commitAllocationRequest(allocRequest, l.blocks[blockIndex], alignment, false, outAlloc)
}

// ReleaseDefragAllocation frees a relocation target, which after a completed move holds the source's old
// region. The list lock must be held.
func (l *memoryBlockList) ReleaseDefragAllocation(alloc *Allocation) error {
	if !alloc.isDefragTarget() {
		return errors.New("attempted to release an allocation that is not a defragmentation target")
	}

	block := alloc.blockData.block
	err := block.metadata.Free(alloc.blockData.handle)
	if err != nil {
		return err
	}
	block.memory.RecordSuballocSubfree()

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.RemoveAllocation(heapIndex, alloc.size)
	alloc.releaseBlock()

	return nil
}

// ReleaseEmptyBlock destroys a block that defragmentation emptied and returns its size. The list lock
// must be held.
func (l *memoryBlockList) ReleaseEmptyBlock(mtdata metadata.BlockMetadata) (int, error) {
	for blockIndex, block := range l.blocks {
		if metadata.BlockMetadata(block.metadata) != mtdata {
			continue
		}

		if !block.metadata.IsEmpty() {
			return 0, errors.Newf("attempted to release block %d, which still holds %d allocations", block.id, block.metadata.AllocationCount())
		}

		size := block.metadata.Size()
		l.blocks = slices.Delete(l.blocks, blockIndex, blockIndex+1)

		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted block emptied by defragmentation", slog.Int("block.id", block.id))
		err := block.Destroy()
		if err != nil {
			return 0, err
		}
		blockPool.Put(block)

		return size, nil
	}

	return 0, errors.New("attempted to release a block that does not belong to this block list")
}

// swapBlockAllocation moves this allocation into the region held by tmp, and gives tmp the region this
// allocation used to occupy. The list lock must be held.
func (a *Allocation) swapBlockAllocation(tmp *Allocation) error {
	if tmp.mapCount > 0 {
		return usageErrorf("the destination of a relocation was still mapped %d times when the pass ended", tmp.mapCount)
	}

	refs := a.mapCount
	if a.isPersistentMap() {
		refs++
	}

	if refs > 0 {
		_, err := tmp.memory.Map(refs)
		if err != nil {
			return wrapDriverError(err, "failed to map relocation destination in memory type %d", tmp.memoryTypeIndex)
		}

		err = a.memory.Unmap(refs)
		if err != nil {
			_ = tmp.memory.Unmap(refs)
			return err
		}
	}

	a.blockData, tmp.blockData = tmp.blockData, a.blockData
	a.memory, tmp.memory = tmp.memory, a.memory
	tmpOffset := tmp.offset.Load()
	tmp.offset.Store(a.offset.Load())
	a.offset.Store(tmpOffset)

	err := a.blockData.block.metadata.SetAllocationUserData(a.blockData.handle, a)
	if err != nil {
		panic(fmt.Sprintf("failed to point relocated region at its allocation: %+v", err))
	}
	err = tmp.blockData.block.metadata.SetAllocationUserData(tmp.blockData.handle, tmp)
	if err != nil {
		panic(fmt.Sprintf("failed to point vacated region at its temporary allocation: %+v", err))
	}

	return nil
}

// DefragmentationContext is a single run of the defragmentation algorithm, which will consist of one or more
// passes. It is created by Allocator.BeginDefragmentation and must be ended with Finish.
type DefragmentationContext struct {
	MaxPassBytes       int
	MaxPassAllocations int

	logger              *slog.Logger
	lists               []*defragBlockList
	contexts            []defrag.MetadataDefragContext[Allocation]
	blockListProgress   int
	passOpen            bool
	finished            bool
	pass                defrag.PassContext
	stats               defrag.DefragmentationStats
	fragmentationBefore float64
	errs                *multierror.Error
}

// BeginDefragmentation prepares a defragmentation run. While the run is in progress, empty blocks in the
// affected block lists are kept, and allocations being relocated reject Free, Map, and Resize.
func (a *Allocator) BeginDefragmentation(o DefragmentationInfo) (*DefragmentationContext, error) {
	a.logger.Debug("Allocator::BeginDefragmentation")

	algorithm := o.Flags & DefragmentationFlagAlgorithmMask
	var defragAlgorithm defrag.Algorithm
	switch algorithm {
	case 0, DefragmentationFlagAlgorithmFull:
		defragAlgorithm = defrag.AlgorithmFull
	case DefragmentationFlagAlgorithmFast:
		defragAlgorithm = defrag.AlgorithmFast
	default:
		return nil, usageErrorf("only one defragmentation algorithm may be specified, but flags were %#x", uint32(o.Flags))
	}

	if o.MaxBytesPerPass < 0 || o.MaxAllocationsPerPass < 0 {
		return nil, usageErrorf("defragmentation pass limits must not be negative")
	}
	if o.FragmentationThreshold < 0 || o.FragmentationThreshold >= 1 {
		return nil, usageErrorf("FragmentationThreshold must be in [0, 1), but was %f", o.FragmentationThreshold)
	}

	lists, err := a.defragBlockLists(&o)
	if err != nil {
		return nil, err
	}

	c := &DefragmentationContext{
		MaxPassBytes:       o.MaxBytesPerPass,
		MaxPassAllocations: o.MaxAllocationsPerPass,
		logger:             a.logger,
		lists:              lists,
		contexts:           make([]defrag.MetadataDefragContext[Allocation], len(lists)),
	}

	if c.MaxPassBytes == 0 {
		c.MaxPassBytes = math.MaxInt
	}
	if c.MaxPassAllocations == 0 {
		c.MaxPassAllocations = math.MaxInt
	}

	for index, list := range lists {
		list.Lock()
		list.defragInProgress++
		list.incrementalSort = false
		list.SortByFreeSize()
		list.Unlock()

		blockList := list.memoryBlockList
		c.contexts[index].Algorithm = defragAlgorithm
		c.contexts[index].BlockList = list
		c.contexts[index].FragmentationThreshold = o.FragmentationThreshold
		c.contexts[index].ExternallyLocked = true
		c.contexts[index].Handler = func(move defrag.DefragmentationMove[Allocation]) error {
			return blockList.completeMove(move)
		}
		c.contexts[index].Init()
	}

	c.fragmentationBefore = c.fragmentation()
	return c, nil
}

func (a *Allocator) defragBlockLists(o *DefragmentationInfo) ([]*defragBlockList, error) {
	if len(o.Allocations) == 0 {
		if o.Pool != nil {
			return []*defragBlockList{{memoryBlockList: &o.Pool.blockList}}, nil
		}

		lists := make([]*defragBlockList, 0, len(a.memoryBlockLists))
		for _, list := range a.memoryBlockLists {
			if list != nil {
				lists = append(lists, &defragBlockList{memoryBlockList: list})
			}
		}
		return lists, nil
	}

	var lists []*defragBlockList
	byList := make(map[*memoryBlockList]*defragBlockList)

	for _, alloc := range o.Allocations {
		if alloc == nil {
			return nil, usageErrorf("attempted to defragment a nil allocation")
		}
		if alloc.state() == allocationFreed {
			return nil, usageErrorf("attempted to defragment an allocation that has already been freed")
		}
		if o.Pool != nil && alloc.ParentPool() != o.Pool {
			return nil, usageErrorf("attempted to defragment an allocation that does not belong to pool %d", o.Pool.id)
		}
		if alloc.allocationType != allocationTypeBlock || alloc.parentList == nil {
			continue
		}

		list, ok := byList[alloc.parentList]
		if !ok {
			list = &defragBlockList{
				memoryBlockList: alloc.parentList,
				subset:          make(map[*Allocation]struct{}),
			}
			byList[alloc.parentList] = list
			lists = append(lists, list)
		}
		list.subset[alloc] = struct{}{}
	}

	return lists, nil
}

// completeMove applies the final operation of a move. The list lock must be held.
func (l *memoryBlockList) completeMove(move defrag.DefragmentationMove[Allocation]) error {
	src := move.SrcAllocation
	defer src.relocating.Store(false)

	var err error
	switch move.MoveOperation {
	case defrag.DefragmentationMoveCopy:
		err = src.swapBlockAllocation(move.DstTmpAllocation)
	case defrag.DefragmentationMoveDestroy:
		// Blocks are never deleted while defragmentation is in progress
		_, err = l.freeLocked(src)
	}

	releaseErr := l.ReleaseDefragAllocation(move.DstTmpAllocation)
	if releaseErr != nil {
		panic(fmt.Sprintf("failed to release temporary defragmentation allocation: %+v", releaseErr))
	}

	return err
}

func (c *DefragmentationContext) fragmentation() float64 {
	var stats memutils.DetailedStatistics
	stats.Clear()

	for _, list := range c.lists {
		list.AddDetailedStatistics(&stats)
	}

	return stats.Fragmentation()
}

// BeginPass collects the relocations for a single pass and returns them. Before calling EndPass, the caller
// should copy the data of each move's SrcAllocation to its DstTmpAllocation and rebind any resources, or set
// the move's MoveOperation to defrag.DefragmentationMoveIgnore or defrag.DefragmentationMoveDestroy.
// MapAllocation and UnmapAllocation can be used to access both allocations while they are being relocated.
//
// An empty result means the run is complete and Finish should be called.
func (c *DefragmentationContext) BeginPass() ([]defrag.DefragmentationMove[Allocation], error) {
	c.logger.Debug("DefragmentationContext::BeginPass")

	if c.finished {
		return nil, usageErrorf("attempted to begin a pass on a defragmentation run that has finished")
	}
	if c.passOpen {
		return nil, usageErrorf("attempted to begin a defragmentation pass before ending the previous one")
	}

	c.pass = defrag.PassContext{
		MaxPassBytes:       c.MaxPassBytes,
		MaxPassAllocations: c.MaxPassAllocations,
	}

	for ; c.blockListProgress < len(c.contexts); c.blockListProgress++ {
		moves := c.collectMoves(c.blockListProgress)
		if len(moves) > 0 {
			c.passOpen = true
			return moves, nil
		}
	}

	return nil, nil
}

func (c *DefragmentationContext) collectMoves(index int) []defrag.DefragmentationMove[Allocation] {
	list := c.lists[index]
	list.Lock()
	defer list.Unlock()

	c.contexts[index].BlockListCollectMoves(&c.pass)

	moves := c.contexts[index].Moves()
	for _, move := range moves {
		move.SrcAllocation.relocating.Store(true)
	}

	return moves
}

func (c *DefragmentationContext) completePass(index int) {
	list := c.lists[index]
	list.Lock()
	err := c.contexts[index].BlockListCompletePass(&c.pass)
	list.Unlock()

	if err != nil {
		c.errs = multierror.Append(c.errs, err)
	}
	c.stats.Add(c.pass.Stats)
}

// EndPass completes the relocations collected by BeginPass: copied allocations take over their new region,
// their old region is freed, and blocks emptied by the pass are released. It returns true once the run has
// no further passes. Failed moves are recorded in the report returned by Finish.
func (c *DefragmentationContext) EndPass() (bool, error) {
	c.logger.Debug("DefragmentationContext::EndPass")

	if c.finished {
		return true, usageErrorf("attempted to end a pass on a defragmentation run that has finished")
	}
	if !c.passOpen {
		return c.blockListProgress >= len(c.contexts), nil
	}

	c.passOpen = false
	c.completePass(c.blockListProgress)
	return false, nil
}

// Finish ends the run and returns its report. Moves from a pass that was begun but not ended are ignored.
func (c *DefragmentationContext) Finish() *DefragmentationReport {
	c.logger.Debug("DefragmentationContext::Finish")

	if c.passOpen {
		moves := c.contexts[c.blockListProgress].Moves()
		for i := range moves {
			moves[i].MoveOperation = defrag.DefragmentationMoveIgnore
		}
		c.passOpen = false
		c.completePass(c.blockListProgress)
	}

	if !c.finished {
		for _, list := range c.lists {
			list.Lock()
			list.defragInProgress--
			list.incrementalSort = true
			list.Unlock()
		}
		c.finished = true
	}

	report := &DefragmentationReport{
		Stats:               c.stats,
		FragmentationBefore: c.fragmentationBefore,
		FragmentationAfter:  c.fragmentation(),
		Err:                 c.errs.ErrorOrNil(),
	}

	for index := range c.contexts {
		for _, move := range c.contexts[index].Results() {
			report.Moves = append(report.Moves, DefragmentationMoveResult{
				Allocation: move.SrcAllocation,
				Size:       move.Size,
				Operation:  move.MoveOperation,
				Err:        move.Err,
			})
		}
	}

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Defragmentation finished",
		slog.Int("bytesMoved", report.Stats.BytesMoved),
		slog.Int("allocationsMoved", report.Stats.AllocationsMoved),
		slog.Int("blocksFreed", report.Stats.DeviceMemoryBlocksFreed),
		slog.Float64("fragmentationBefore", report.FragmentationBefore),
		slog.Float64("fragmentationAfter", report.FragmentationAfter))

	return report
}

// MapAllocation maps an allocation that is part of the current pass, either a move's SrcAllocation or its
// DstTmpAllocation. Allocation.Map rejects allocations that are being relocated, so movers should use this
// instead. Each call must be balanced by UnmapAllocation before the pass ends.
func (c *DefragmentationContext) MapAllocation(alloc *Allocation) (unsafe.Pointer, error) {
	return alloc.mapMemory()
}

// UnmapAllocation releases a mapping acquired with MapAllocation
func (c *DefragmentationContext) UnmapAllocation(alloc *Allocation) error {
	if alloc.mapCount == 0 {
		return usageErrorf("attempted to unmap an allocation that is not mapped")
	}
	return alloc.unmapMemory()
}

// HostCopyMover copies a relocating allocation's bytes through host mappings of both regions. It only
// supports host visible memory.
func HostCopyMover(c *DefragmentationContext, move *defrag.DefragmentationMove[Allocation]) error {
	src := move.SrcAllocation
	dst := move.DstTmpAllocation

	srcData, err := c.MapAllocation(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.UnmapAllocation(src)
	}()

	dstData, err := c.MapAllocation(dst)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.UnmapAllocation(dst)
	}()

	err = src.syncHostCache(memory.CacheOperationInvalidate)
	if err != nil {
		return err
	}

	copy(unsafe.Slice((*byte)(dstData), move.Size), unsafe.Slice((*byte)(srcData), move.Size))

	return dst.syncHostCache(memory.CacheOperationFlush)
}

// Defragment runs a complete defragmentation synchronously. Each pass holds its block list's lock while
// it plans, copies, and completes. A move whose copy fails is skipped and recorded in the report; the error
// return is reserved for invalid options.
func (a *Allocator) Defragment(o DefragmentationInfo) (*DefragmentationReport, error) {
	a.logger.Debug("Allocator::Defragment")

	c, err := a.BeginDefragmentation(o)
	if err != nil {
		return nil, err
	}

	mover := o.Mover
	if mover == nil {
		mover = HostCopyMover
	}

	for index := range c.contexts {
		for c.defragmentPass(index, mover) {
		}
	}
	c.blockListProgress = len(c.contexts)

	return c.Finish(), nil
}

// defragmentPass runs one pass over a single block list and returns true if it moved anything
func (c *DefragmentationContext) defragmentPass(index int, mover AllocationMover) bool {
	list := c.lists[index]
	c.pass = defrag.PassContext{
		MaxPassBytes:       c.MaxPassBytes,
		MaxPassAllocations: c.MaxPassAllocations,
	}

	list.Lock()
	defer list.Unlock()

	c.contexts[index].BlockListCollectMoves(&c.pass)
	moves := c.contexts[index].Moves()
	if len(moves) == 0 {
		return false
	}

	for i := range moves {
		moves[i].SrcAllocation.relocating.Store(true)

		moveErr := mover(c, &moves[i])
		if moveErr != nil {
			moves[i].MoveOperation = defrag.DefragmentationMoveIgnore
			moves[i].Err = moveErr
			c.errs = multierror.Append(c.errs, moveErr)
		}
	}

	err := c.contexts[index].BlockListCompletePass(&c.pass)
	if err != nil {
		c.errs = multierror.Append(c.errs, err)
	}
	c.stats.Add(c.pass.Stats)

	return true
}
