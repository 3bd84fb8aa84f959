package allocator

import (
	"cmp"
	"context"
	"fmt"

	"github.com/vkngwrapper/devmem/memutils/metadata"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

type allocationState uint32

const (
	allocationLive allocationState = iota
	// allocationEvictable allocations have gone untouched for the eviction threshold and may be made lost
	allocationEvictable
	allocationLost
	allocationFreed
)

var allocationStateMapping = map[allocationState]string{
	allocationLive:      "Live",
	allocationEvictable: "Evictable",
	allocationLost:      "Lost",
	allocationFreed:     "Freed",
}

func (s allocationState) String() string {
	str, ok := allocationStateMapping[s]
	if !ok {
		return "unknown allocationState"
	}
	return str
}

// The lifecycle word holds the state in the high 32 bits and the last use frame in the low 32 bits
func packLifecycle(state allocationState, frame uint32) uint64 {
	return uint64(state)<<32 | uint64(frame)
}

func unpackLifecycle(lifecycle uint64) (allocationState, uint32) {
	return allocationState(lifecycle >> 32), uint32(lifecycle)
}

// Touch marks the allocation as used in the allocator's current frame. It fails with ErrAllocationLost
// if the allocation has been evicted. Allocations created with AllocationCreateMayBecomeLost should be
// touched every frame they are used in.
func (a *Allocation) Touch() error {
	frame := a.parentAllocator.CurrentFrameIndex()

	for {
		old := a.lifecycle.Load()
		state, lastUse := unpackLifecycle(old)

		switch state {
		case allocationLost:
			return ErrAllocationLost
		case allocationFreed:
			return usageErrorf("attempted to touch an allocation that has already been freed")
		}

		if state == allocationLive && lastUse == frame {
			return nil
		}

		if a.lifecycle.CompareAndSwap(old, packLifecycle(allocationLive, frame)) {
			return nil
		}
	}
}

// IsLost reports whether the allocation has been evicted and not yet recreated
func (a *Allocation) IsLost() bool {
	state, _ := unpackLifecycle(a.lifecycle.Load())
	return state == allocationLost
}

// LastUseFrameIndex returns the frame index the allocation was created, touched, or recreated in
func (a *Allocation) LastUseFrameIndex() uint32 {
	_, frame := unpackLifecycle(a.lifecycle.Load())
	return frame
}

func (a *Allocation) state() allocationState {
	state, _ := unpackLifecycle(a.lifecycle.Load())
	return state
}

// markEvictableIfStale moves a live allocation to the evictable state if it has gone untouched for at least
// threshold frames. It returns true if the allocation is evictable afterward.
func (a *Allocation) markEvictableIfStale(frame uint32, threshold int) bool {
	for {
		old := a.lifecycle.Load()
		state, lastUse := unpackLifecycle(old)

		switch state {
		case allocationEvictable:
			return true
		case allocationLive:
		default:
			return false
		}

		if int64(frame)-int64(lastUse) < int64(threshold) {
			return false
		}

		if a.lifecycle.CompareAndSwap(old, packLifecycle(allocationEvictable, lastUse)) {
			return true
		}
	}
}

// markLost moves an evictable allocation to the lost state. It fails if the allocation was touched since it
// became evictable.
func (a *Allocation) markLost() bool {
	old := a.lifecycle.Load()
	state, lastUse := unpackLifecycle(old)
	if state != allocationEvictable {
		return false
	}

	return a.lifecycle.CompareAndSwap(old, packLifecycle(allocationLost, lastUse))
}

// markFreed moves the allocation to its terminal state and returns the state it was in before
func (a *Allocation) markFreed() (allocationState, error) {
	for {
		old := a.lifecycle.Load()
		state, lastUse := unpackLifecycle(old)
		if state == allocationFreed {
			return state, usageErrorf("attempted to free an allocation that has already been freed")
		}

		if a.lifecycle.CompareAndSwap(old, packLifecycle(allocationFreed, lastUse)) {
			return state, nil
		}
	}
}

func (a *Allocation) markRecreated(frame uint32) bool {
	old := a.lifecycle.Load()
	state, _ := unpackLifecycle(old)
	if state != allocationLost {
		return false
	}

	return a.lifecycle.CompareAndSwap(old, packLifecycle(allocationLive, frame))
}

// collectEvictable returns every allocation in the list that may be evicted right now, least recently used
// first. The list lock must be held.
func (l *memoryBlockList) collectEvictable() []*Allocation {
	frame := l.parentAllocator.CurrentFrameIndex()
	var candidates []*Allocation

	for _, block := range l.blocks {
		_ = block.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			alloc := userData.(*Allocation)
			if !alloc.MayBecomeLost() || alloc.relocating.Load() || alloc.isDefragTarget() {
				return nil
			}

			if alloc.markEvictableIfStale(frame, l.evictionFrameThreshold) {
				candidates = append(candidates, alloc)
			}
			return nil
		})
	}

	slices.SortStableFunc(candidates, func(left, right *Allocation) int {
		return cmp.Compare(left.LastUseFrameIndex(), right.LastUseFrameIndex())
	})

	return candidates
}

// evictForRequest makes just enough evictable allocations lost, oldest first, for a request of the provided
// shape to fit within a single block. It returns the number of allocations made lost. The list lock must be
// held.
func (l *memoryBlockList) evictForRequest(size int, alignment uint, suballocType metadata.SuballocationType) int {
	candidates := l.collectEvictable()
	if len(candidates) == 0 {
		return 0
	}

	victimsByBlock := make(map[*deviceMemoryBlock][]*Allocation)
	handlesByBlock := make(map[*deviceMemoryBlock]map[metadata.BlockAllocationHandle]struct{})

	for _, candidate := range candidates {
		block := candidate.blockData.block
		handles, ok := handlesByBlock[block]
		if !ok {
			handles = make(map[metadata.BlockAllocationHandle]struct{})
			handlesByBlock[block] = handles
		}
		handles[candidate.blockData.handle] = struct{}{}
		victimsByBlock[block] = append(victimsByBlock[block], candidate)

		fits := block.metadata.FitsIfFreed(size, alignment, suballocType, func(handle metadata.BlockAllocationHandle) bool {
			_, freed := handles[handle]
			return freed
		})
		if !fits {
			continue
		}

		evicted := 0
		for _, victim := range victimsByBlock[block] {
			if !victim.markLost() {
				continue
			}

			l.releaseLostAllocationLogged(victim)
			evicted++
		}

		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Evicted allocations",
			slog.Int("block.id", block.id),
			slog.Int("count", evicted))
		return evicted
	}

	return 0
}

// releaseLostAllocation gives the region of a newly lost allocation back to its block. Damaged guards
// around the region are logged and returned, but the region is released either way. The list lock must be
// held.
func (l *memoryBlockList) releaseLostAllocation(alloc *Allocation) error {
	block := alloc.blockData.block
	releaseErrs := l.releaseRegionMappings(block, alloc)

	err := block.metadata.Free(alloc.blockData.handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing lost allocation with handle %+v in metadata: %+v", alloc.blockData.handle, err))
	}
	block.memory.RecordSuballocSubfree()

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.RemoveAllocation(heapIndex, alloc.size)

	alloc.releaseBlock()
	l.lostAllocations++

	return combineErrors(releaseErrs)
}

func (l *memoryBlockList) releaseLostAllocationLogged(alloc *Allocation) {
	err := l.releaseLostAllocation(alloc)
	if err != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelError, "Lost allocation released with errors",
			slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
			slog.Any("error", err))
	}
}

// MakeAllocationsLost makes every allocation that has gone untouched for the eviction threshold lost
// and returns the number of allocations affected
func (l *memoryBlockList) MakeAllocationsLost() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	count := 0
	for _, alloc := range l.collectEvictable() {
		if alloc.markLost() {
			l.releaseLostAllocationLogged(alloc)
			count++
		}
	}

	return count
}

// recreate places a lost allocation back into the list using the request it was originally created with
func (l *memoryBlockList) recreate(alloc *Allocation) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.destroyed {
		return usageErrorf("attempted to recreate an allocation whose pool has been destroyed")
	}
	if alloc.state() != allocationLost {
		return usageErrorf("attempted to recreate an allocation that is in state %s", alloc.state())
	}

	size, alignment := l.adjustRequest(alloc.request.size, alloc.request.alignment)
	err := l.allocPageWithEviction(size, alignment, alloc.request.flags, alloc.request.suballocType, alloc)
	if err != nil {
		return err
	}

	if !alloc.markRecreated(l.parentAllocator.CurrentFrameIndex()) {
		panic("a lost allocation changed state while its block list was locked")
	}

	return nil
}
