package allocator

import (
	"math/bits"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/devmem/memutils/metadata"
)

// AllocationCreateFlags exposes several options for allocation behavior that can be applied.
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateDedicatedMemory instructs the allocator to give this allocation its own memory object
	AllocationCreateDedicatedMemory AllocationCreateFlags = 1 << iota
	// AllocationCreateNeverAllocate instructs the allocator to only try to allocate from existing
	// memory blocks and never create new blocks
	//
	// If a new allocation cannot be placed in any of the existing blocks, allocation fails with
	// ErrDeviceOutOfMemory
	AllocationCreateNeverAllocate
	// AllocationCreateMapped instructs the allocator to map the allocation on creation and keep it
	// mapped until it is freed. The pointer is available via Allocation.MappedData.
	//
	// It is valid to use this flag for an allocation made from a memory type that is not HostVisible.
	// The flag is then ignored and the memory is not mapped.
	AllocationCreateMapped
	// AllocationCreateUpperAddress places the allocation at the highest address that fits within a block
	AllocationCreateUpperAddress
	// AllocationCreateMayBecomeLost allows the allocator to evict this allocation when it has not been
	// touched for the pool's eviction frame threshold and another request needs the space. An evicted
	// allocation must be recreated with Allocator.RecreateLostAllocation before it can be used again.
	AllocationCreateMayBecomeLost
	// AllocationCreateCanEvictOthers allows the request to evict AllocationCreateMayBecomeLost allocations
	// when there is no room for it otherwise. It may be combined with AllocationCreateMayBecomeLost, in which
	// case the new allocation is itself evictable by later requests.
	AllocationCreateCanEvictOthers
	// AllocationCreateUserDataCopyString indicates that UserData is a string that should be copied into the
	// allocation's name
	AllocationCreateUserDataCopyString
	// AllocationCreateStrategyBestFit selects the smallest free range that can hold the allocation
	AllocationCreateStrategyBestFit
	// AllocationCreateStrategyWorstFit selects the largest free range
	AllocationCreateStrategyWorstFit
	// AllocationCreateStrategyFirstFit selects the first free range, in offset order, that can hold the
	// allocation
	AllocationCreateStrategyFirstFit

	AllocationCreateStrategyMinMemory        = AllocationCreateStrategyBestFit
	AllocationCreateStrategyMinFragmentation = AllocationCreateStrategyWorstFit
	AllocationCreateStrategyMinTime          = AllocationCreateStrategyFirstFit

	AllocationCreateStrategyMask = AllocationCreateStrategyBestFit |
		AllocationCreateStrategyWorstFit |
		AllocationCreateStrategyFirstFit
)

func init() {
	AllocationCreateDedicatedMemory.Register("DedicatedMemory")
	AllocationCreateNeverAllocate.Register("NeverAllocate")
	AllocationCreateMapped.Register("MappedOnCreation")
	AllocationCreateUpperAddress.Register("UpperAddress")
	AllocationCreateMayBecomeLost.Register("MayBecomeLost")
	AllocationCreateCanEvictOthers.Register("CanEvictOthers")
	AllocationCreateUserDataCopyString.Register("UserDataCopyString")
	AllocationCreateStrategyBestFit.Register("StrategyBestFit")
	AllocationCreateStrategyWorstFit.Register("StrategyWorstFit")
	AllocationCreateStrategyFirstFit.Register("StrategyFirstFit")
}

// strategy converts the strategy bits of the flags into the block metadata strategy. At most one
// strategy bit may be set.
func (f AllocationCreateFlags) strategy(defaultStrategy metadata.AllocationStrategy) (metadata.AllocationStrategy, error) {
	strategyBits := f & AllocationCreateStrategyMask
	if bits.OnesCount32(uint32(strategyBits)) > 1 {
		return 0, usageErrorf("conflicting allocation strategies requested: %s", strategyBits.String())
	}

	switch strategyBits {
	case AllocationCreateStrategyBestFit:
		return metadata.AllocationStrategyBestFit, nil
	case AllocationCreateStrategyWorstFit:
		return metadata.AllocationStrategyWorstFit, nil
	case AllocationCreateStrategyFirstFit:
		return metadata.AllocationStrategyFirstFit, nil
	}

	if defaultStrategy == 0 {
		return metadata.AllocationStrategyBestFit, nil
	}
	return defaultStrategy, nil
}

// PoolCreateFlags exposes options for custom pool behavior
type PoolCreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateIgnoreBufferImageGranularity indicates that the pool only ever holds buffers and linear
	// images, or only optimal images, so the buffer/image granularity can be ignored
	PoolCreateIgnoreBufferImageGranularity PoolCreateFlags = 1 << iota
)

func init() {
	PoolCreateIgnoreBufferImageGranularity.Register("IgnoreBufferImageGranularity")
}

// CreateFlags exposes options for the allocator as a whole
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized disables the allocator's internal locks. The caller must then ensure
	// that the allocator and its pools are only used from one goroutine at a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("ExternallySynchronized")
}
