package defrag

import (
	"github.com/vkngwrapper/devmem/memutils/metadata"
)

// DefragmentationMoveOperation indicates what should happen to a planned relocation when its pass completes
type DefragmentationMoveOperation uint32

const (
	// DefragmentationMoveCopy indicates that the data was copied and the source should be replaced by
	// the destination
	DefragmentationMoveCopy DefragmentationMoveOperation = iota
	// DefragmentationMoveIgnore indicates that the relocation did not happen. The destination is released
	// and the source stays where it is.
	DefragmentationMoveIgnore
	// DefragmentationMoveDestroy indicates that the source allocation should be freed instead of relocated
	DefragmentationMoveDestroy
)

var moveOperationMapping = map[DefragmentationMoveOperation]string{
	DefragmentationMoveCopy:    "DefragmentationMoveCopy",
	DefragmentationMoveIgnore:  "DefragmentationMoveIgnore",
	DefragmentationMoveDestroy: "DefragmentationMoveDestroy",
}

func (o DefragmentationMoveOperation) String() string {
	return moveOperationMapping[o]
}

// DefragmentationMove is a single planned relocation
type DefragmentationMove[T any] struct {
	MoveOperation DefragmentationMoveOperation
	// Err records why a relocation was ignored, if the consumer supplied a reason
	Err error

	Size             int
	SrcBlockMetadata metadata.BlockMetadata
	SrcHandle        metadata.BlockAllocationHandle
	SrcAllocation    *T
	DstBlockMetadata metadata.BlockMetadata
	DstTmpAllocation *T
}

// DefragmentOperationHandler applies a completed move's operation to the consumer's allocations. It is called
// with the block list locked.
type DefragmentOperationHandler[T any] func(move DefragmentationMove[T]) error

// MoveAllocationData is the information a BlockList provides about a relocatable allocation
type MoveAllocationData[T any] struct {
	Alignment         uint
	SuballocationType metadata.SuballocationType
	Move              DefragmentationMove[T]
}
