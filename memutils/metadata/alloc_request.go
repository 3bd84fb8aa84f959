package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where
// the metadata intends to place new memory. The request can be applied to the actual memory system consuming
// memutils, and then committed to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// Offset is the final, aligned offset of the allocation within the block
	Offset int
	// Size is the total size of the allocation
	Size int
	// Padding is the number of free bytes that will be left in front of the allocation
	// within the chosen free region
	Padding int
	// AllocType is the value passed into CreateAllocationRequest by the consumer to generate
	// this request
	AllocType SuballocationType

	region *region
}
