package driver

//go:generate mockgen -source driver.go -destination ./mocks/driver.go -package mocks

import "unsafe"

// WholeSize can be passed as a size to MapMemory and in a MappedMemoryRange to refer to everything from the
// offset to the end of the memory object
const WholeSize = -1

// MemoryHandle identifies a single device memory object. The zero value never refers to live memory.
type MemoryHandle uint64

// BufferHandle identifies a buffer object. The zero value never refers to a live buffer.
type BufferHandle uint64

// ImageHandle identifies an image object. The zero value never refers to a live image.
type ImageHandle uint64

const (
	NullMemory MemoryHandle = 0
	NullBuffer BufferHandle = 0
	NullImage  ImageHandle  = 0
)

// MemoryType is one entry in the device's memory type table
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     int
}

// MemoryHeap is one of the device's memory heaps
type MemoryHeap struct {
	Size  int
	Flags MemoryHeapFlags
}

// MemoryProperties is the device's full memory layout
type MemoryProperties struct {
	MemoryTypes []MemoryType
	MemoryHeaps []MemoryHeap
}

// Limits contains the device limits that influence how memory is placed
type Limits struct {
	// BufferImageGranularity is the page size within which linear and optimal resources may not be
	// placed next to one another
	BufferImageGranularity int
	// NonCoherentAtomSize is the alignment required for flush and invalidate ranges in non-coherent memory
	NonCoherentAtomSize int
	// MaxMemoryAllocationCount is the maximum number of memory objects that may exist at once
	MaxMemoryAllocationCount int
}

// MemoryAllocateInfo describes a request for a new device memory object
type MemoryAllocateInfo struct {
	MemoryTypeIndex int
	Size            int
	// Priority is a hint in the range [0, 1] that drivers supporting memory priority may apply
	Priority float32
}

// MappedMemoryRange is a range of a memory object to flush or invalidate
type MappedMemoryRange struct {
	Memory MemoryHandle
	Offset int
	Size   int
}

// MemoryRequirements describes the memory a buffer or image needs to be bound
type MemoryRequirements struct {
	Size           int
	Alignment      uint
	MemoryTypeBits uint32
}

// BufferCreateInfo describes a buffer to create
type BufferCreateInfo struct {
	Size  int
	Usage uint32
}

// ImageCreateInfo describes a two- or three-dimensional image to create
type ImageCreateInfo struct {
	Width       int
	Height      int
	Depth       int
	MipLevels   int
	ArrayLayers int
	Format      uint32
	Tiling      ImageTiling
	Usage       uint32
}

// Driver is the set of graphics API calls the allocator consumes. Implementations must be safe for
// concurrent use.
type Driver interface {
	// MemoryProperties returns the memory type and heap tables
	MemoryProperties() MemoryProperties
	// Limits returns the device limits relevant to memory placement
	Limits() Limits

	// AllocateMemory creates a new device memory object. Failures are marked with ErrOutOfDeviceMemory,
	// ErrOutOfHostMemory, ErrTooManyObjects, or ErrInvalidParameter
	AllocateMemory(info MemoryAllocateInfo) (MemoryHandle, error)
	// FreeMemory releases a device memory object, unmapping it first if necessary
	FreeMemory(memory MemoryHandle)
	// MapMemory maps a range of a memory object into host address space. Memory from a type that is not
	// host visible fails with ErrMemoryMapFailed.
	MapMemory(memory MemoryHandle, offset int, size int) (unsafe.Pointer, error)
	// UnmapMemory releases the mapping created by MapMemory
	UnmapMemory(memory MemoryHandle)
	// FlushMappedMemoryRanges makes host writes to non-coherent memory visible to the device
	FlushMappedMemoryRanges(ranges []MappedMemoryRange) error
	// InvalidateMappedMemoryRanges makes device writes to non-coherent memory visible to the host
	InvalidateMappedMemoryRanges(ranges []MappedMemoryRange) error

	CreateBuffer(info BufferCreateInfo) (BufferHandle, error)
	DestroyBuffer(buffer BufferHandle)
	BufferMemoryRequirements(buffer BufferHandle) (MemoryRequirements, error)
	BindBufferMemory(buffer BufferHandle, memory MemoryHandle, offset int) error

	CreateImage(info ImageCreateInfo) (ImageHandle, error)
	DestroyImage(image ImageHandle)
	ImageMemoryRequirements(image ImageHandle) (MemoryRequirements, error)
	BindImageMemory(image ImageHandle, memory MemoryHandle, offset int) error
}
