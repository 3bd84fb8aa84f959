package allocator

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/devmem/allocator/internal/memory"
	"github.com/vkngwrapper/devmem/allocator/internal/utils"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Allocator hands out device memory from per-memory-type default pools and from custom pools. It is
// created with New and must be destroyed with Destroy once every pool and allocation has been released.
type Allocator struct {
	useMutex bool
	logger   *slog.Logger
	driver   driver.Driver

	createFlags                   CreateFlags
	debugMargin                   int
	defaultEvictionFrameThreshold int
	currentFrameIndex             atomic.Uint32

	preferredLargeHeapBlockSize int
	globalMemoryTypeBits        uint32
	nextPoolId                  int
	poolsMutex                  utils.OptionalRWMutex
	pools                       *swiss.Map[int, *Pool]

	deviceMemory         *memory.DeviceMemoryProperties
	memoryBlockLists     []*memoryBlockList
	dedicatedAllocations []*dedicatedAllocationList
}

// SetCurrentFrameIndex advances the frame counter that AllocationCreateMayBecomeLost allocations are
// aged against
func (a *Allocator) SetCurrentFrameIndex(frameIndex uint32) {
	a.currentFrameIndex.Store(frameIndex)
}

func (a *Allocator) CurrentFrameIndex() uint32 {
	return a.currentFrameIndex.Load()
}

// MemoryProperties returns the memory type and heap tables the allocator was created with
func (a *Allocator) MemoryProperties() driver.MemoryProperties {
	return a.deviceMemory.MemoryProperties()
}

func (a *Allocator) calcAllocationParams(
	o *AllocationCreateInfo,
	requiresDedicatedAllocation bool,
) error {
	if _, err := o.Flags.strategy(0); err != nil {
		return err
	}

	if requiresDedicatedAllocation {
		o.Flags |= AllocationCreateDedicatedMemory
	}

	if o.Pool != nil {
		if o.Pool.blockList.HasExplicitBlockSize() && o.Flags&AllocationCreateDedicatedMemory != 0 {
			return usageErrorf("specified AllocationCreateDedicatedMemory with a pool that has an explicit block size")
		}

		o.Priority = o.Pool.blockList.priority
	}

	if o.Priority < 0 || o.Priority > 1 {
		return usageErrorf("allocation priority must be between 0 and 1, inclusive, but was %f", o.Priority)
	}

	if o.Flags&AllocationCreateDedicatedMemory != 0 && o.Flags&AllocationCreateNeverAllocate != 0 {
		return usageErrorf("AllocationCreateDedicatedMemory and AllocationCreateNeverAllocate cannot be specified together")
	}

	if o.Flags&AllocationCreateDedicatedMemory != 0 && o.Flags&AllocationCreateMayBecomeLost != 0 {
		return usageErrorf("AllocationCreateDedicatedMemory and AllocationCreateMayBecomeLost cannot be specified together")
	}

	return nil
}

func (a *Allocator) calculateMemoryTypeParameters(options *AllocationCreateInfo, memoryTypeIndex int) {
	// If memory type is not HOST_VISIBLE, disable MAPPED
	if options.Flags&AllocationCreateMapped != 0 && !a.deviceMemory.IsMemoryTypeHostVisible(memoryTypeIndex) {
		options.Flags &^= AllocationCreateMapped
	}
}

func (a *Allocator) allocateDedicatedMemoryPage(
	dedicatedAllocations *dedicatedAllocationList,
	size int,
	memoryTypeIndex int,
	allocInfo driver.MemoryAllocateInfo,
	doMap bool,
	alloc *Allocation,
) (err error) {
	mem, err := a.deviceMemory.AllocateDeviceMemory(allocInfo)
	if err != nil {
		a.logger.Debug("    Allocator::allocateDedicatedMemoryPage FAILED")
		return wrapDriverError(err, "failed to allocate %d bytes of dedicated memory in memory type %d", size, memoryTypeIndex)
	}
	defer func() {
		if err != nil {
			a.logger.Debug("    Allocator::allocateDedicatedMemoryPage FAILED")
			a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, size, mem)
		}
	}()

	if doMap {
		// Set up our persistent map
		_, err = mem.Map(1)
		if err != nil {
			return wrapDriverError(err, "failed to map dedicated memory in memory type %d", memoryTypeIndex)
		}
	}

	alloc.initDedicatedAllocation(dedicatedAllocations, memoryTypeIndex, mem, size)
	a.deviceMemory.AddAllocation(a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex), size)

	alloc.fillAllocation(createdFillPattern)

	return nil
}

func (a *Allocator) allocateDedicatedMemory(
	size int,
	dedicatedAllocations *dedicatedAllocationList,
	memoryTypeIndex int,
	doMap bool,
	priority float32,
	allocations []*Allocation,
) error {
	if len(allocations) == 0 {
		panic("called Allocator::allocateDedicatedMemory with empty allocation list")
	}

	allocInfo := driver.MemoryAllocateInfo{
		MemoryTypeIndex: memoryTypeIndex,
		Size:            size,
		Priority:        priority,
	}

	var err error
	var allocIndex int
	for allocIndex = 0; allocIndex < len(allocations); allocIndex++ {
		err = a.allocateDedicatedMemoryPage(
			dedicatedAllocations,
			size,
			memoryTypeIndex,
			allocInfo,
			doMap,
			allocations[allocIndex],
		)
		if err != nil {
			break
		}
	}

	if err == nil {
		for registerIndex := 0; registerIndex < len(allocations); registerIndex++ {
			dedicatedAllocations.Register(allocations[registerIndex])
		}

		a.logger.Debug("    Allocated DedicatedMemory", slog.Int("Count", len(allocations)), slog.Int("MemoryTypeIndex", memoryTypeIndex))

		return nil
	}

	// Clean up allocations after error
	for allocIndex > 0 {
		allocIndex--

		currentAlloc := allocations[allocIndex]
		a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, currentAlloc.Size(), currentAlloc.memory)
		a.deviceMemory.RemoveAllocation(a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex), currentAlloc.Size())
		currentAlloc.releaseBlock()
	}

	return err
}

func (a *Allocator) allocateMemoryOfType(
	pool *Pool,
	size int,
	alignment uint,
	dedicatedPreferred bool,
	createInfo *AllocationCreateInfo,
	memoryTypeIndex int,
	suballocationType metadata.SuballocationType,
	dedicatedAllocations *dedicatedAllocationList,
	blockAllocations *memoryBlockList,
	allocations []*Allocation,
) error {
	if len(allocations) == 0 {
		panic("allocateMemoryOfType called with an empty list of target allocations")
	}
	if createInfo == nil {
		panic("allocateMemoryOfType called with a nil createInfo")
	}

	a.logger.Debug("Allocator::allocateMemoryOfType", slog.Int("MemoryTypeIndex", memoryTypeIndex), slog.Int("AllocationCount", len(allocations)), slog.Int("Size", size))

	finalCreateInfo := *createInfo
	a.calculateMemoryTypeParameters(&finalCreateInfo, memoryTypeIndex)

	doMap := finalCreateInfo.Flags&AllocationCreateMapped != 0

	// Every attempt starts from freshly initialized allocations, since a failed attempt leaves them freed
	initAllocations := func(list *memoryBlockList, flags AllocationCreateFlags) {
		request := allocationRequest{
			size:         size,
			alignment:    alignment,
			suballocType: suballocationType,
			flags:        flags,
		}
		for _, alloc := range allocations {
			alloc.init(a, list, request, finalCreateInfo.UserData)
		}
	}

	if finalCreateInfo.Flags&AllocationCreateDedicatedMemory != 0 {
		initAllocations(nil, finalCreateInfo.Flags)
		return a.allocateDedicatedMemory(
			size,
			dedicatedAllocations,
			memoryTypeIndex,
			doMap,
			finalCreateInfo.Priority,
			allocations,
		)
	}

	canAllocateDedicated := finalCreateInfo.Flags&AllocationCreateNeverAllocate == 0 &&
		finalCreateInfo.Flags&AllocationCreateMayBecomeLost == 0 &&
		(pool == nil || !blockAllocations.HasExplicitBlockSize())

	var err error
	if canAllocateDedicated {
		// Allocate dedicated memory if requested size is more than half of preferred block size
		if size > blockAllocations.PreferredBlockSize()/2 {
			dedicatedPreferred = true
		}

		// We don't want to create all allocations as dedicated when we're near maximum size, so don't prefer
		// allocations when we're nearing the maximum number of allocations
		maxAllocationCount := a.deviceMemory.Limits().MaxMemoryAllocationCount
		if maxAllocationCount > 0 && maxAllocationCount < math.MaxUint32/4 &&
			a.deviceMemory.AllocationCount() > uint32(maxAllocationCount*3/4) {
			dedicatedPreferred = false
		}

		if dedicatedPreferred {
			initAllocations(nil, finalCreateInfo.Flags)
			err = a.allocateDedicatedMemory(
				size,
				dedicatedAllocations,
				memoryTypeIndex,
				doMap,
				finalCreateInfo.Priority,
				allocations,
			)
			if err == nil {
				a.logger.Debug("  Allocated as DedicatedMemory")
				return nil
			} else if !isOutOfMemory(err) {
				return err
			}
		}
	}

	// Eviction is the last resort: when a dedicated allocation could still be tried, the first pass over the
	// blocks doesn't evict anything
	evictLast := canAllocateDedicated && !dedicatedPreferred && finalCreateInfo.Flags&AllocationCreateCanEvictOthers != 0
	blockFlags := finalCreateInfo.Flags
	if evictLast {
		blockFlags &^= AllocationCreateCanEvictOthers
	}

	initAllocations(blockAllocations, finalCreateInfo.Flags)
	err = blockAllocations.Allocate(
		size,
		alignment,
		blockFlags,
		suballocationType,
		allocations,
	)
	if err == nil || !isOutOfMemory(err) {
		return err
	}

	// Try dedicated memory
	if canAllocateDedicated && !dedicatedPreferred {
		initAllocations(nil, finalCreateInfo.Flags)
		err = a.allocateDedicatedMemory(
			size,
			dedicatedAllocations,
			memoryTypeIndex,
			doMap,
			finalCreateInfo.Priority,
			allocations,
		)
		if err == nil {
			a.logger.Debug("  Allocated as DedicatedMemory")
			return nil
		} else if !isOutOfMemory(err) {
			return err
		}
	}

	if evictLast {
		initAllocations(blockAllocations, finalCreateInfo.Flags)
		err = blockAllocations.Allocate(
			size,
			alignment,
			finalCreateInfo.Flags,
			suballocationType,
			allocations,
		)
		if err == nil {
			return nil
		}
	}

	a.logger.Debug("  AllocateMemory FAILED")
	return err
}

func (a *Allocator) checkMemoryRequirements(memoryRequirements driver.MemoryRequirements) error {
	err := memutils.CheckPow2(memoryRequirements.Alignment, "MemoryRequirements.Alignment")
	if err != nil {
		return errors.Mark(err, ErrInvalidUsage)
	}

	if memoryRequirements.Size < 1 {
		return usageErrorf("provided memory requirement size %d was not a positive integer", memoryRequirements.Size)
	}

	return nil
}

func (a *Allocator) multiAllocateMemory(
	memoryRequirements driver.MemoryRequirements,
	requiresDedicatedAllocation bool,
	prefersDedicatedAllocation bool,
	options *AllocationCreateInfo,
	suballocType metadata.SuballocationType,
	outAllocations []*Allocation,
) error {
	err := a.checkMemoryRequirements(memoryRequirements)
	if err != nil {
		return err
	}

	err = a.calcAllocationParams(options, requiresDedicatedAllocation)
	if err != nil {
		return err
	}

	memoryBits := memoryRequirements.MemoryTypeBits
	if memoryBits == 0 {
		memoryBits = a.globalMemoryTypeBits
	}

	if options.Pool != nil {
		poolTypeBit := uint32(1) << options.Pool.blockList.memoryTypeIndex
		if memoryBits&poolTypeBit == 0 {
			return errors.Wrapf(ErrNoCompatibleMemoryType, "pool %d uses memory type %d, which the memory requirements do not permit", options.Pool.id, options.Pool.blockList.memoryTypeIndex)
		}

		return a.allocateMemoryOfType(
			options.Pool,
			memoryRequirements.Size,
			memoryRequirements.Alignment,
			prefersDedicatedAllocation,
			options,
			options.Pool.blockList.memoryTypeIndex,
			suballocType,
			&options.Pool.dedicatedAllocations,
			&options.Pool.blockList,
			outAllocations,
		)
	}

	memoryTypeIndex, err := a.findMemoryTypeIndex(memoryBits, options)
	if err != nil {
		return err
	}

	for {
		blockList := a.memoryBlockLists[memoryTypeIndex]
		if blockList == nil {
			return errors.Newf("attempted to allocate from unsupported memory type index %d", memoryTypeIndex)
		}

		err = a.allocateMemoryOfType(
			nil,
			memoryRequirements.Size,
			memoryRequirements.Alignment,
			requiresDedicatedAllocation || prefersDedicatedAllocation,
			options,
			memoryTypeIndex,
			suballocType,
			a.dedicatedAllocations[memoryTypeIndex],
			blockList,
			outAllocations,
		)

		// Allocation succeeded (or irrevocably failed)
		if err == nil || !isOutOfMemory(err) {
			return err
		}

		// Remove memory type index from possibilities
		memoryBits &^= 1 << memoryTypeIndex
		// Find a new memorytypeindex
		nextTypeIndex, findErr := a.findMemoryTypeIndex(memoryBits, options)
		if findErr != nil {
			return err
		}
		memoryTypeIndex = nextTypeIndex
	}
}

func newAllocations(count int) []*Allocation {
	allocations := make([]*Allocation, count)
	for i := range allocations {
		allocations[i] = &Allocation{}
	}
	return allocations
}

// AllocateMemory allocates memory that satisfies the provided requirements. MemoryTypeBits of 0 permits
// every memory type.
func (a *Allocator) AllocateMemory(memoryRequirements driver.MemoryRequirements, o AllocationCreateInfo) (*Allocation, error) {
	a.logger.Debug("Allocator::AllocateMemory")

	allocations := newAllocations(1)
	err := a.multiAllocateMemory(
		memoryRequirements,
		false,
		false,
		&o,
		metadata.SuballocationUnknown,
		allocations,
	)
	if err != nil {
		return nil, err
	}

	return allocations[0], nil
}

// AllocateMemorySlice makes count allocations that share the provided requirements. Either every
// allocation succeeds or none of them are made.
func (a *Allocator) AllocateMemorySlice(memoryRequirements driver.MemoryRequirements, o AllocationCreateInfo, count int) ([]*Allocation, error) {
	a.logger.Debug("Allocator::AllocateMemorySlice")

	if count < 0 {
		return nil, usageErrorf("attempted to allocate a negative number of allocations: %d", count)
	} else if count == 0 {
		return nil, nil
	}

	allocations := newAllocations(count)
	err := a.multiAllocateMemory(
		memoryRequirements,
		false,
		false,
		&o,
		metadata.SuballocationUnknown,
		allocations,
	)
	if err != nil {
		return nil, err
	}

	return allocations, nil
}

// AllocateMemoryForBuffer allocates memory suitable for the provided buffer. The buffer is not bound.
func (a *Allocator) AllocateMemoryForBuffer(buffer driver.BufferHandle, o AllocationCreateInfo) (*Allocation, error) {
	a.logger.Debug("Allocator::AllocateMemoryForBuffer")

	if buffer == driver.NullBuffer {
		return nil, usageErrorf("attempted to allocate for a null buffer")
	}

	memReqs, err := a.driver.BufferMemoryRequirements(buffer)
	if err != nil {
		return nil, wrapDriverError(err, "failed to retrieve buffer memory requirements")
	}

	allocations := newAllocations(1)
	err = a.multiAllocateMemory(
		memReqs,
		false,
		false,
		&o,
		metadata.SuballocationBuffer,
		allocations,
	)
	if err != nil {
		return nil, err
	}

	return allocations[0], nil
}

// AllocateMemoryForImage allocates memory suitable for the provided image. The image is not bound.
func (a *Allocator) AllocateMemoryForImage(image driver.ImageHandle, o AllocationCreateInfo) (*Allocation, error) {
	a.logger.Debug("Allocator::AllocateMemoryForImage")

	if image == driver.NullImage {
		return nil, usageErrorf("attempted to allocate for a null image")
	}

	memReqs, err := a.driver.ImageMemoryRequirements(image)
	if err != nil {
		return nil, wrapDriverError(err, "failed to retrieve image memory requirements")
	}

	allocations := newAllocations(1)
	err = a.multiAllocateMemory(
		memReqs,
		false,
		false,
		&o,
		metadata.SuballocationImageUnknown,
		allocations,
	)
	if err != nil {
		return nil, err
	}

	return allocations[0], nil
}

// CreateBuffer creates a buffer, allocates memory for it, and binds the two together
func (a *Allocator) CreateBuffer(bufferInfo driver.BufferCreateInfo, o AllocationCreateInfo) (buffer driver.BufferHandle, alloc *Allocation, err error) {
	a.logger.Debug("Allocator::CreateBuffer")

	if bufferInfo.Size < 1 {
		return driver.NullBuffer, nil, usageErrorf("attempted to create a buffer of size %d", bufferInfo.Size)
	}

	buffer, err = a.driver.CreateBuffer(bufferInfo)
	if err != nil {
		return driver.NullBuffer, nil, wrapDriverError(err, "failed to create buffer")
	}
	defer func() {
		if err != nil {
			a.driver.DestroyBuffer(buffer)
			buffer = driver.NullBuffer
		}
	}()

	memReqs, err := a.driver.BufferMemoryRequirements(buffer)
	if err != nil {
		return buffer, nil, wrapDriverError(err, "failed to retrieve buffer memory requirements")
	}

	allocations := newAllocations(1)
	err = a.multiAllocateMemory(memReqs, false, false, &o, metadata.SuballocationBuffer, allocations)
	if err != nil {
		return buffer, nil, err
	}
	alloc = allocations[0]

	err = alloc.BindBufferMemory(buffer)
	if err != nil {
		freeErr := a.FreeMemory(alloc)
		if freeErr != nil {
			a.logger.Error("error attempting to free allocation after failing to bind buffer", slog.Any("error", freeErr))
		}
		return buffer, nil, err
	}

	return buffer, alloc, nil
}

// CreateImage creates an image, allocates memory for it, and binds the two together
func (a *Allocator) CreateImage(imageInfo driver.ImageCreateInfo, o AllocationCreateInfo) (image driver.ImageHandle, alloc *Allocation, err error) {
	a.logger.Debug("Allocator::CreateImage")

	if imageInfo.Width < 1 || imageInfo.Height < 1 || imageInfo.Depth < 1 || imageInfo.MipLevels < 1 || imageInfo.ArrayLayers < 1 {
		return driver.NullImage, nil, usageErrorf("attempted to create an image with an empty extent")
	}

	image, err = a.driver.CreateImage(imageInfo)
	if err != nil {
		return driver.NullImage, nil, wrapDriverError(err, "failed to create image")
	}
	defer func() {
		if err != nil {
			a.driver.DestroyImage(image)
			image = driver.NullImage
		}
	}()

	memReqs, err := a.driver.ImageMemoryRequirements(image)
	if err != nil {
		return image, nil, wrapDriverError(err, "failed to retrieve image memory requirements")
	}

	suballocType := metadata.SuballocationImageLinear
	if imageInfo.Tiling == driver.ImageTilingOptimal {
		suballocType = metadata.SuballocationImageOptimal
	}

	allocations := newAllocations(1)
	err = a.multiAllocateMemory(memReqs, false, false, &o, suballocType, allocations)
	if err != nil {
		return image, nil, err
	}
	alloc = allocations[0]

	err = alloc.BindImageMemory(image)
	if err != nil {
		freeErr := a.FreeMemory(alloc)
		if freeErr != nil {
			a.logger.Error("error attempting to free allocation after failing to bind image", slog.Any("error", freeErr))
		}
		return image, nil, err
	}

	return image, alloc, nil
}

// DestroyBuffer destroys the buffer and frees its allocation. Either may be null.
func (a *Allocator) DestroyBuffer(buffer driver.BufferHandle, alloc *Allocation) error {
	a.logger.Debug("Allocator::DestroyBuffer")

	if buffer != driver.NullBuffer {
		a.driver.DestroyBuffer(buffer)
	}

	if alloc == nil {
		return nil
	}
	return a.FreeMemory(alloc)
}

// DestroyImage destroys the image and frees its allocation. Either may be null.
func (a *Allocator) DestroyImage(image driver.ImageHandle, alloc *Allocation) error {
	a.logger.Debug("Allocator::DestroyImage")

	if image != driver.NullImage {
		a.driver.DestroyImage(image)
	}

	if alloc == nil {
		return nil
	}
	return a.FreeMemory(alloc)
}

// FreeMemory returns an allocation to the allocator. Freeing an allocation twice, or while it is being
// relocated by defragmentation, fails with ErrInvalidUsage. If the allocation's corruption guards were
// overwritten, the memory is still freed and an error matching ErrMemoryCorruptionDetected is returned.
func (a *Allocator) FreeMemory(alloc *Allocation) error {
	a.logger.Debug("Allocator::FreeMemory")

	if alloc == nil {
		return usageErrorf("attempted to free a nil allocation")
	}

	if alloc.dedicatedData.parentList != nil {
		return a.freeDedicatedMemory(alloc)
	}

	if alloc.parentList == nil {
		return usageErrorf("attempted to free an allocation that was never allocated")
	}

	if alloc.checkUsable("free") == nil && alloc.allocationType == allocationTypeBlock {
		alloc.fillAllocation(destroyedFillPattern)
	}

	return alloc.parentList.Free(alloc)
}

// FreeMemorySlice frees every allocation in the slice. Failures do not stop the remaining allocations
// from being freed; they are returned together.
func (a *Allocator) FreeMemorySlice(allocs []*Allocation) error {
	a.logger.Debug("Allocator::FreeMemorySlice")

	var result *multierror.Error
	for allocIndex := len(allocs) - 1; allocIndex >= 0; allocIndex-- {
		if allocs[allocIndex] == nil {
			continue
		}

		err := a.FreeMemory(allocs[allocIndex])
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (a *Allocator) freeDedicatedMemory(alloc *Allocation) error {
	if alloc.allocationType != allocationTypeDedicated {
		return errors.New("attempted to free dedicated memory for a non-dedicated allocation")
	}

	_, err := alloc.markFreed()
	if err != nil {
		return err
	}

	alloc.fillAllocation(destroyedFillPattern)

	memoryTypeIndex := alloc.MemoryTypeIndex()
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	alloc.dedicatedData.parentList.Unregister(alloc)

	a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, alloc.Size(), alloc.memory)
	a.deviceMemory.RemoveAllocation(heapIndex, alloc.Size())

	alloc.memory = nil
	alloc.mapCount = 0

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed DedicatedMemory", slog.Int("MemoryTypeIndex", memoryTypeIndex))

	return nil
}

// CreateLostAllocation creates an allocation that starts out lost. It occupies no memory until it is
// recreated with RecreateLostAllocation. AllocationCreateMayBecomeLost is implied.
func (a *Allocator) CreateLostAllocation(memoryRequirements driver.MemoryRequirements, o AllocationCreateInfo) (*Allocation, error) {
	a.logger.Debug("Allocator::CreateLostAllocation")

	err := a.checkMemoryRequirements(memoryRequirements)
	if err != nil {
		return nil, err
	}

	o.Flags |= AllocationCreateMayBecomeLost
	err = a.calcAllocationParams(&o, false)
	if err != nil {
		return nil, err
	}

	var list *memoryBlockList
	if o.Pool != nil {
		list = &o.Pool.blockList
	} else {
		memoryBits := memoryRequirements.MemoryTypeBits
		if memoryBits == 0 {
			memoryBits = a.globalMemoryTypeBits
		}

		memoryTypeIndex, err := a.findMemoryTypeIndex(memoryBits, &o)
		if err != nil {
			return nil, err
		}
		list = a.memoryBlockLists[memoryTypeIndex]
	}
	a.calculateMemoryTypeParameters(&o, list.memoryTypeIndex)

	alloc := &Allocation{}
	alloc.init(a, list, allocationRequest{
		size:         memoryRequirements.Size,
		alignment:    memoryRequirements.Alignment,
		suballocType: metadata.SuballocationUnknown,
		flags:        o.Flags,
	}, o.UserData)
	alloc.size = memoryRequirements.Size
	alloc.alignment = memoryRequirements.Alignment
	alloc.lifecycle.Store(packLifecycle(allocationLost, a.CurrentFrameIndex()))

	return alloc, nil
}

// RecreateLostAllocation places a lost allocation back into memory using the request it was created with,
// evicting other allocations if the request permits it. The allocation is live in the current frame
// afterward. Its contents are undefined.
func (a *Allocator) RecreateLostAllocation(alloc *Allocation) error {
	a.logger.Debug("Allocator::RecreateLostAllocation")

	if alloc == nil {
		return usageErrorf("attempted to recreate a nil allocation")
	}
	if alloc.parentList == nil || !alloc.MayBecomeLost() {
		return usageErrorf("attempted to recreate an allocation that cannot become lost")
	}

	return alloc.parentList.recreate(alloc)
}

// ResizeAllocation changes the size of an allocation in place. Shrinking always succeeds. Growing
// succeeds only if the space directly after the allocation is free; otherwise ErrInvalidUsage is returned
// and the allocation is unchanged. Dedicated allocations cannot change size.
func (a *Allocator) ResizeAllocation(alloc *Allocation, newSize int) error {
	a.logger.Debug("Allocator::ResizeAllocation")

	if alloc == nil {
		return usageErrorf("attempted to resize a nil allocation")
	}
	if newSize < 1 {
		return usageErrorf("attempted to resize an allocation to %d bytes", newSize)
	}

	err := alloc.checkUsable("resize")
	if err != nil {
		return err
	}

	switch alloc.allocationType {
	case allocationTypeDedicated:
		if newSize == alloc.size {
			return nil
		}
		return usageErrorf("attempted to resize a dedicated allocation from %d to %d bytes", alloc.size, newSize)
	case allocationTypeBlock:
		return alloc.parentList.resize(alloc, newSize)
	}

	return usageErrorf("attempted to resize an allocation with an unknown type: %s", alloc.allocationType.String())
}

// CheckCorruption validates the corruption guards of every allocation in the default and custom pools of
// the memory types in memoryTypeBits. It fails with ErrInvalidUsage if none of those memory types carry
// guards.
func (a *Allocator) CheckCorruption(memoryTypeBits uint32) error {
	a.logger.Debug("Allocator::CheckCorruption")

	checked := false
	var errs []error

	check := func(list *memoryBlockList) error {
		if (uint32(1)<<list.memoryTypeIndex)&memoryTypeBits == 0 || !list.IsCorruptionDetectionEnabled() {
			return nil
		}

		checked = true
		err := list.CheckCorruption()
		if errors.Is(err, ErrMemoryCorruptionDetected) {
			errs = append(errs, err)
			return nil
		}
		return err
	}

	// Process default pools
	for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		err := check(a.memoryBlockLists[memoryTypeIndex])
		if err != nil {
			return err
		}
	}

	// Process custom pools
	a.poolsMutex.RLock()
	var poolErr error
	a.pools.Iter(func(id int, pool *Pool) bool {
		poolErr = check(&pool.blockList)
		return poolErr != nil
	})
	a.poolsMutex.RUnlock()

	if poolErr != nil {
		return poolErr
	}

	if !checked {
		return usageErrorf("corruption detection is not enabled for any memory type in %#x", memoryTypeBits)
	}

	return aggregateCorruption(errs)
}

// CreatePool creates a custom pool of blocks with its own allocation policy
func (a *Allocator) CreatePool(createInfo PoolCreateInfo) (*Pool, error) {
	a.logger.Debug("Allocator::CreatePool",
		slog.Int("MemoryTypeIndex", createInfo.MemoryTypeIndex),
		slog.String("Flags", createInfo.Flags.String()),
	)

	memTypeBits := uint32(1) << createInfo.MemoryTypeIndex
	if createInfo.MemoryTypeIndex < 0 || createInfo.MemoryTypeIndex >= a.deviceMemory.MemoryTypeCount() || memTypeBits&a.globalMemoryTypeBits == 0 {
		return nil, errors.Wrapf(ErrNoCompatibleMemoryType, "memory type %d does not exist", createInfo.MemoryTypeIndex)
	}

	if createInfo.BlockSize < 0 || createInfo.MinBlockSize < 0 || createInfo.MaxBlockSize < 0 ||
		createInfo.MinBlockCount < 0 || createInfo.MaxBlockCount < 0 || createInfo.EvictionFrameThreshold < 0 {
		return nil, usageErrorf("pool sizes, counts, and thresholds must not be negative")
	}

	if createInfo.MaxBlockCount == 0 {
		createInfo.MaxBlockCount = math.MaxInt
	}
	if createInfo.MinBlockCount > createInfo.MaxBlockCount {
		return nil, usageErrorf("provided MinBlockCount %d was greater than provided MaxBlockCount %d", createInfo.MinBlockCount, createInfo.MaxBlockCount)
	}

	if createInfo.Strategy&^AllocationCreateStrategyMask != 0 {
		return nil, usageErrorf("pool Strategy may only contain strategy flags, but was %s", createInfo.Strategy.String())
	}
	strategy, err := createInfo.Strategy.strategy(0)
	if err != nil {
		return nil, err
	}

	if createInfo.Priority < 0 || createInfo.Priority > 1 {
		return nil, usageErrorf("pool priority must be between 0 and 1, inclusive, but was %f", createInfo.Priority)
	}

	blockSize := a.calculatePreferredBlockSize(createInfo.MemoryTypeIndex)
	if createInfo.BlockSize != 0 {
		blockSize = createInfo.BlockSize
	}

	maxBlockSize := createInfo.MaxBlockSize
	if maxBlockSize == 0 {
		maxBlockSize = blockSize
	} else if maxBlockSize < blockSize {
		return nil, usageErrorf("provided MaxBlockSize %d was smaller than the block size %d", maxBlockSize, blockSize)
	}
	if createInfo.MinBlockSize > blockSize {
		return nil, usageErrorf("provided MinBlockSize %d was larger than the block size %d", createInfo.MinBlockSize, blockSize)
	}

	evictionFrameThreshold := createInfo.EvictionFrameThreshold
	if evictionFrameThreshold == 0 {
		evictionFrameThreshold = a.defaultEvictionFrameThreshold
	}

	bufferImageGranularity := 1
	if createInfo.Flags&PoolCreateIgnoreBufferImageGranularity == 0 {
		bufferImageGranularity = a.deviceMemory.CalculateBufferImageGranularity()
	}

	pool := &Pool{
		logger:          a.logger,
		parentAllocator: a,
		name:            createInfo.Name,
	}

	pool.blockList.Init(
		a.useMutex,
		a,
		pool,
		blockListCreateInfo{
			memoryTypeIndex:        createInfo.MemoryTypeIndex,
			preferredBlockSize:     blockSize,
			minBlockSize:           createInfo.MinBlockSize,
			maxBlockSize:           maxBlockSize,
			minBlockCount:          createInfo.MinBlockCount,
			maxBlockCount:          createInfo.MaxBlockCount,
			bufferImageGranularity: bufferImageGranularity,
			explicitBlockSize:      createInfo.BlockSize != 0,
			strategy:               strategy,
			evictionFrameThreshold: evictionFrameThreshold,
			priority:               createInfo.Priority,
		},
	)
	pool.dedicatedAllocations.Init(a.useMutex, pool)

	err = pool.blockList.CreateMinBlocks()
	if err != nil {
		destroyErr := pool.blockList.Destroy()
		if destroyErr != nil {
			a.logger.Error("error attempting to destroy pool after creation failure", slog.Any("error", destroyErr))
		}
		return nil, err
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	pool.id = a.nextPoolId
	a.nextPoolId++
	a.pools.Put(pool.id, pool)

	return pool, nil
}

// Maintain frees the empty blocks of every default pool and custom pool beyond their minimum block
// counts. It returns the number of blocks freed.
func (a *Allocator) Maintain() (int, error) {
	a.logger.Debug("Allocator::Maintain")

	freed := 0
	for _, list := range a.memoryBlockLists {
		count, err := list.Maintain()
		freed += count
		if err != nil {
			return freed, err
		}
	}

	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	var err error
	a.pools.Iter(func(id int, pool *Pool) bool {
		var count int
		count, err = pool.blockList.Maintain()
		freed += count
		return err != nil
	})

	return freed, err
}
