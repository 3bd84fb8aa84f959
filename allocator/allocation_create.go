package allocator

import (
	"github.com/vkngwrapper/devmem/driver"
)

// MemoryUsage is an enum passed to the Usage field of AllocationCreateInfo to
// indicate how memory types are to be selected for the allocation in question.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown indicates no intended memory usage was specified. When choosing a memory type,
	// the Allocator uses only the Required, Preferred, and NotPreferred flags specified in
	// AllocationCreateInfo.
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageDeviceOnly prefers DeviceLocal memory. The memory is not expected to be mapped.
	MemoryUsageDeviceOnly
	// MemoryUsageHostOnly requires HostVisible and HostCoherent memory, usually for staging buffers
	MemoryUsageHostOnly
	// MemoryUsageHostToDevice requires HostVisible memory and prefers memory that is also DeviceLocal.
	// Use it for resources written by the host every frame and read by the device.
	MemoryUsageHostToDevice
	// MemoryUsageDeviceToHost requires HostVisible memory and prefers HostCached memory. Use it for
	// resources written by the device and read back by the host.
	MemoryUsageDeviceToHost
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageUnknown:      "Unknown",
	MemoryUsageDeviceOnly:   "DeviceOnly",
	MemoryUsageHostOnly:     "HostOnly",
	MemoryUsageHostToDevice: "HostToDevice",
	MemoryUsageDeviceToHost: "DeviceToHost",
}

func (u MemoryUsage) String() string {
	str, ok := memoryUsageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

// ParseMemoryUsage converts a usage name as returned by MemoryUsage.String back into a MemoryUsage
func ParseMemoryUsage(name string) (MemoryUsage, bool) {
	for usage, str := range memoryUsageMapping {
		if str == name {
			return usage, true
		}
	}

	return MemoryUsageUnknown, false
}

// AllocationCreateInfo is an options struct that is used to define the specifics of a new allocation created
// by Allocator.AllocateMemory, Allocator.AllocateMemorySlice, Allocator.AllocateMemoryForBuffer,
// Allocator.AllocateMemoryForImage, etc.
type AllocationCreateInfo struct {
	// Flags describes the intended behavior of the created Allocation
	Flags AllocationCreateFlags
	// Usage indicates how the new allocation will be used, allowing the allocator to decide what memory
	// type to use
	Usage MemoryUsage

	// RequiredFlags indicates what flags must be on the memory type. If no type with these flags can be found,
	// the allocation will fail with ErrNoCompatibleMemoryType
	RequiredFlags driver.MemoryPropertyFlags
	// PreferredFlags indicates a set of flags that should be on the memory type. Every missing preferred flag
	// adds one to a memory type's cost.
	PreferredFlags driver.MemoryPropertyFlags
	// NotPreferredFlags indicates a set of flags that should not be on the memory type. Every present
	// not-preferred flag adds one to a memory type's cost.
	NotPreferredFlags driver.MemoryPropertyFlags

	// MemoryTypeBits is a bitmask of memory types that may be chosen for the requested allocation. If this is left
	// 0, all memory types are permitted.
	MemoryTypeBits uint32
	// Pool is the custom memory pool to allocate from. This is usually nil, in which case the memory will be
	// allocated from the Allocator's default pools.
	Pool *Pool

	// UserData is an arbitrary value that will be applied to the Allocation. With
	// AllocationCreateUserDataCopyString, a string UserData becomes the allocation's name instead.
	UserData any
	// Priority is the memory priority applied to the allocated memory. It only has an effect for dedicated
	// allocations and new blocks on drivers that support memory priority.
	Priority float32
}

// PoolCreateInfo is an options struct that is used to define the specifics of a new Pool created with
// Allocator.CreatePool
type PoolCreateInfo struct {
	// MemoryTypeIndex is the memory type index to allocate from. Non-negative.
	MemoryTypeIndex int
	// Flags indicates special behavior for the pool
	Flags PoolCreateFlags

	// BlockSize is the size of each single memory block allocated for this pool. If 0, the allocator's
	// preferred block size for the memory type is used.
	BlockSize int
	// MinBlockSize is the smallest block the pool will create. 0 means no minimum.
	MinBlockSize int
	// MaxBlockSize is the largest block the pool will create. 0 means the block size. A MaxBlockSize larger
	// than BlockSize allows the pool to create blocks larger than BlockSize for allocations that would not fit.
	MaxBlockSize int
	// MinBlockCount is the number of blocks that will be created up front and kept alive while the pool exists
	MinBlockCount int
	// MaxBlockCount is the maximum number of blocks that can be allocated in this pool. 0 means no limit.
	MaxBlockCount int

	// EvictionFrameThreshold is the number of frames an AllocationCreateMayBecomeLost allocation must go
	// untouched before it may be evicted. 0 uses the allocator's default.
	EvictionFrameThreshold int
	// Strategy is the default allocation strategy for allocations that do not request one. It must be one
	// of the AllocationCreateStrategy flags, or 0 for best fit.
	Strategy AllocationCreateFlags

	// Priority is the memory priority applied to blocks allocated for this pool
	Priority float32
	// Name is the pool's name, reported in statistics
	Name string
}
