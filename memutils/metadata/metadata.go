package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/devmem/memutils"
)

// BlockMetadata represents a single large allocation of memory within some system. It manages
// suballocations within the block, allowing allocations to be requested and freed, as well as
// enumerated and queried.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It sizes the block in bytes and
	// resets it to a single free region.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive.
	// When the implementation is functioning correctly, it should not be possible for this method to
	// return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the block
	AllocationCount() int
	// FreeRegionsCount returns the number of unique regions of free memory in the block. Adjacent
	// free regions are always merged, so they are never counted twice.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block.
	SumFreeSize() int
	// LargestFreeRegion returns the size of the largest contiguous free region
	LargestFreeRegion() int
	// MayHaveFreeBlock is a fast heuristic indicating whether the block could possibly support a new
	// allocation of the provided type and size. It must not produce false negatives.
	MayHaveFreeBlock(allocType SuballocationType, size int) bool

	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in offset order.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error
	// AllocationListBegin retrieves the handle of the lowest-offset allocation in the block, if any. If none exist,
	// NoAllocation will be returned.
	AllocationListBegin() BlockAllocationHandle
	// FindNextAllocation accepts a handle that maps to a live allocation within the block and returns the
	// handle of the next live allocation in offset order, or NoAllocation.
	FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error)

	// AllocationOffset returns the offset in bytes of a live allocation
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationSize returns the size in bytes of a live allocation
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userdata value provided by the consumer for a live allocation
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData changes the userData of a live allocation
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into the provided object
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the provided object
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)

	// CreateAllocationRequest retrieves an AllocationRequest indicating where the implementation
	// would place the requested memory. That object can be passed to Alloc to commit the allocation.
	// A false return with a nil error means no free region can hold the request.
	//
	// maxOffset should usually be math.MaxInt. The request fails if the allocation cannot be placed
	// at an offset before maxOffset. This is used by defragmentation to relocate an allocation
	// only when it moves lower in the block.
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		upperAddress bool,
		allocType SuballocationType,
		strategy AllocationStrategy,
		maxOffset int,
	) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest, creating the suballocation within the block. It returns an
	// error if the request is no longer valid.
	Alloc(request AllocationRequest, allocType SuballocationType, userData any) (BlockAllocationHandle, error)
	// Resize changes the size of a live allocation in place, growing into the free region directly after
	// it. It returns false if the allocation cannot be resized without moving.
	Resize(allocHandle BlockAllocationHandle, newSize int) (bool, error)

	// Free frees a suballocation within the block, merging it with neighbouring free regions.
	Free(allocHandle BlockAllocationHandle) error

	// FitsIfFreed reports whether an allocation of the provided size could be placed if every allocation
	// for which freed returns true were released.
	FitsIfFreed(allocSize int, allocAlignment uint, allocType SuballocationType, freed func(handle BlockAllocationHandle) bool) bool
	// FreeSpaceIfFreed returns the largest free region and the total free bytes the block would
	// have if every allocation for which freed returns true were released.
	FreeSpaceIfFreed(freed func(handle BlockAllocationHandle) bool) (largest int, sumFree int)
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size        int
	debugMargin int
	granularity Granularity
}

// NewBlockMetadata creates a new BlockMetadataBase from a granularity page size and a debug margin.
// If your memory system does not have granularity requirements, granularity should be 1. The margin
// is the number of guard bytes reserved before and after every allocation.
func NewBlockMetadata(granularity uint, debugMargin int) BlockMetadataBase {
	return BlockMetadataBase{
		size:        0,
		debugMargin: debugMargin,
		granularity: Granularity{PageSize: granularity},
	}
}

// Init sizes the block in bytes
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// DebugMargin returns the number of guard bytes reserved on each side of every allocation
func (m *BlockMetadataBase) DebugMargin() int { return m.debugMargin }

// Granularity returns the granularity rules applied to neighbouring allocations
func (m *BlockMetadataBase) Granularity() Granularity { return m.granularity }

func (m *BlockMetadataBase) writeJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount, largestUnusedRange int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
	json.Name("LargestUnusedRange").Int(largestUnusedRange)
	json.Name("Fragmentation").Float64(memutils.FragmentationRatio(largestUnusedRange, unusedBytes))
}
