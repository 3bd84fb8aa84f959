package allocator

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/devmem/allocator/internal/memory"
	"github.com/vkngwrapper/devmem/allocator/internal/utils"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/memutils"
	"golang.org/x/exp/slog"
)

const (
	// defaultLargeHeapBlockSize is the value that is used as the PreferredLargeHeapBlockSize when none
	// is provided via CreateOptions. It is equal to 256MiB.
	defaultLargeHeapBlockSize int = 256 * 1024 * 1024
	smallHeapMaxSize          int = 1024 * 1024 * 1024
	defaultEvictionThreshold  int = 1
	defaultBlockPriority          = 0.5
)

// DeviceMemoryCallback is called after the allocator allocates a new device memory object, or before it
// frees one
type DeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory driver.MemoryHandle,
	size int,
	userData any,
)

// MemoryCallbackOptions holds informative callbacks for device memory allocation and free. Allocations
// made from the allocator do not map 1:1 to device memory objects, so these are called far less often.
type MemoryCallbackOptions struct {
	Allocate DeviceMemoryCallback
	Free     DeviceMemoryCallback
	UserData any
}

type memoryCallbacks struct {
	options   *MemoryCallbackOptions
	allocator *Allocator
}

func (c *memoryCallbacks) Allocate(memoryType int, memory driver.MemoryHandle, size int) {
	if c.options.Allocate != nil {
		c.options.Allocate(c.allocator, memoryType, memory, size, c.options.UserData)
	}
}

func (c *memoryCallbacks) Free(memoryType int, memory driver.MemoryHandle, size int) {
	if c.options.Free != nil {
		c.options.Free(c.allocator, memoryType, memory, size, c.options.UserData)
	}
}

// CreateOptions contains optional settings when creating an allocator. It is valid to leave every field blank.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PreferredLargeHeapBlockSize is the block size to use when allocating from heaps larger
	// than a gigabyte. Smaller heaps use an eighth of the heap size.
	PreferredLargeHeapBlockSize int

	// MemoryCallbacks is an optional set of callbacks that will be executed when device memory
	// is allocated or freed by this allocator
	MemoryCallbacks *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must have one entry per memory
	// heap. Each entry is either the maximum number of bytes that should be allocated from the heap,
	// or 0 or less for no limit. Allocations beyond a limit fail with ErrDeviceOutOfMemory.
	HeapSizeLimits []int

	// DebugMargin is the number of guard bytes reserved before and after every allocation in host visible,
	// host coherent memory. It must be a multiple of 4. Guards are filled with a magic value that is
	// checked on free and by CheckCorruption. 0 disables corruption detection.
	DebugMargin int

	// DefaultEvictionFrameThreshold is the number of frames an AllocationCreateMayBecomeLost allocation
	// in a default pool must go untouched before it may be evicted. 0 means 1.
	DefaultEvictionFrameThreshold int
}

// New creates a new Allocator over the provided driver
func New(logger *slog.Logger, drv driver.Driver, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if drv == nil {
		return nil, usageErrorf("attempted to create an allocator with a nil driver")
	}

	if err := memutils.CheckMargin(options.DebugMargin); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid DebugMargin %d", options.DebugMargin), ErrInvalidUsage)
	}
	if options.DefaultEvictionFrameThreshold < 0 {
		return nil, usageErrorf("DefaultEvictionFrameThreshold must not be negative, but was %d", options.DefaultEvictionFrameThreshold)
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0

	allocator := &Allocator{
		useMutex:                      useMutex,
		logger:                        logger,
		driver:                        drv,
		createFlags:                   options.Flags,
		debugMargin:                   options.DebugMargin,
		defaultEvictionFrameThreshold: options.DefaultEvictionFrameThreshold,
		poolsMutex:                    utils.OptionalRWMutex{UseMutex: useMutex},
		pools:                         swiss.NewMap[int, *Pool](8),
		nextPoolId:                    1,
	}

	if allocator.defaultEvictionFrameThreshold == 0 {
		allocator.defaultEvictionFrameThreshold = defaultEvictionThreshold
	}

	if options.PreferredLargeHeapBlockSize == 0 {
		allocator.preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	} else {
		allocator.preferredLargeHeapBlockSize = options.PreferredLargeHeapBlockSize
	}

	var callbacks memory.MemoryCallbacks
	if options.MemoryCallbacks != nil {
		callbacks = &memoryCallbacks{
			options:   options.MemoryCallbacks,
			allocator: allocator,
		}
	}

	var err error
	allocator.deviceMemory, err = memory.NewDeviceMemoryProperties(
		useMutex,
		drv,
		callbacks,
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidUsage)
	}

	allocator.globalMemoryTypeBits = allocator.deviceMemory.CalculateGlobalMemoryTypeBits()

	// Initialize memory block lists
	typeCount := allocator.deviceMemory.MemoryTypeCount()
	allocator.memoryBlockLists = make([]*memoryBlockList, typeCount)
	allocator.dedicatedAllocations = make([]*dedicatedAllocationList, typeCount)

	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		allocator.memoryBlockLists[typeIndex] = &memoryBlockList{}
		allocator.memoryBlockLists[typeIndex].Init(
			useMutex,
			allocator,
			nil,
			blockListCreateInfo{
				memoryTypeIndex:        typeIndex,
				preferredBlockSize:     allocator.calculatePreferredBlockSize(typeIndex),
				maxBlockCount:          math.MaxInt,
				bufferImageGranularity: allocator.deviceMemory.CalculateBufferImageGranularity(),
				strategy:               0,
				evictionFrameThreshold: allocator.defaultEvictionFrameThreshold,
				priority:               defaultBlockPriority,
			},
		)

		allocator.dedicatedAllocations[typeIndex] = &dedicatedAllocationList{}
		allocator.dedicatedAllocations[typeIndex].Init(useMutex, nil)
	}

	return allocator, nil
}

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := a.deviceMemory.MemoryHeapProperties(heapIndex).Size
	rawSize := a.preferredLargeHeapBlockSize
	if heapSize <= smallHeapMaxSize {
		rawSize = heapSize / 8
	}

	return memutils.AlignUp(rawSize, 32)
}

// Destroy frees every block held by the allocator. It fails with ErrInvalidUsage, logging every leaked
// allocation and leaving the allocator intact, if any pool or allocation is still live.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	if poolCount := a.pools.Count(); poolCount > 0 {
		return usageErrorf("attempted to destroy an allocator that still has %d pools", poolCount)
	}

	leaked := 0
	for typeIndex := range a.memoryBlockLists {
		leaked += a.memoryBlockLists[typeIndex].logUnreleased()
		leaked += a.dedicatedAllocations[typeIndex].logUnreleased(a.logger)
	}
	if leaked > 0 {
		return usageErrorf("attempted to destroy an allocator that still has %d allocations", leaked)
	}

	for typeIndex := range a.memoryBlockLists {
		err := a.memoryBlockLists[typeIndex].Destroy()
		if err != nil {
			return err
		}
	}

	return nil
}
