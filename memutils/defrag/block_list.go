package defrag

import (
	"github.com/vkngwrapper/devmem/memutils/metadata"
)

// BlockList is the set of blocks a MetadataDefragContext relocates allocations within. T is the consumer's
// allocation type.
type BlockList[T any] interface {
	MetadataForBlock(index int) metadata.BlockMetadata
	BlockCount() int
	MinBlockCount() int
	// MoveDataForUserData describes the allocation stored as userData in block metadata. It returns false
	// if the allocation must not be relocated during this run.
	MoveDataForUserData(userData any) (MoveAllocationData[T], bool)

	Lock()
	Unlock()

	CreateAlloc() *T
	// CommitDefragAllocationRequest commits a relocation target to the block at blockIndex and initializes
	// outAlloc as a temporary allocation describing it
	CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, suballocType metadata.SuballocationType, outAlloc *T) error
	// ReleaseDefragAllocation frees a temporary allocation created by CommitDefragAllocationRequest
	ReleaseDefragAllocation(alloc *T) error
	// ReleaseEmptyBlock frees the device memory of an empty block and removes it from the list. It returns
	// the size of the block in bytes.
	ReleaseEmptyBlock(mtdata metadata.BlockMetadata) (int, error)
	SwapBlocks(leftIndex, rightIndex int)
}
