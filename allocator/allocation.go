package allocator

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/devmem/allocator/internal/memory"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/memutils/metadata"
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypeBlock
	allocationTypeDedicated
)

var allocationTypeMapping = map[allocationType]string{
	allocationTypeNone:      "None",
	allocationTypeBlock:     "Block",
	allocationTypeDedicated: "Dedicated",
}

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

type allocationFlags uint32

const (
	allocationPersistentMap allocationFlags = 1 << iota
	allocationMappingAllowed
	allocationMayBecomeLost
	allocationDefragTarget
)

var allocationFlagsMapping = common.NewFlagStringMapping[allocationFlags]()

func (f allocationFlags) String() string {
	return allocationFlagsMapping.FlagsToString(f)
}

func init() {
	allocationFlagsMapping.Register(allocationPersistentMap, "PersistentMap")
	allocationFlagsMapping.Register(allocationMappingAllowed, "MappingAllowed")
	allocationFlagsMapping.Register(allocationMayBecomeLost, "MayBecomeLost")
	allocationFlagsMapping.Register(allocationDefragTarget, "DefragTarget")
}

type blockData struct {
	handle metadata.BlockAllocationHandle
	block  *deviceMemoryBlock
}

type dedicatedData struct {
	parentList *dedicatedAllocationList
	nextAlloc  *Allocation
	prevAlloc  *Allocation
}

// allocationRequest is everything needed to place the allocation again after it has been lost
type allocationRequest struct {
	size         int
	alignment    uint
	suballocType metadata.SuballocationType
	flags        AllocationCreateFlags
}

// Allocation is a region of device memory handed out by the Allocator. It is either a suballocation of
// a larger memory block or a dedicated memory object of its own.
type Allocation struct {
	alignment uint
	size      int
	userData  any
	name      string
	flags     allocationFlags

	memoryTypeIndex   int
	allocationType    allocationType
	suballocationType metadata.SuballocationType
	mapCount          int
	memory            *memory.SynchronizedMemory

	parentAllocator *Allocator
	parentList      *memoryBlockList

	blockData     blockData
	dedicatedData dedicatedData

	// offset caches the allocation's offset in its block. It is written under the block list lock and read
	// without it.
	offset             atomic.Int64
	lifecycle          atomic.Uint64
	relocating         atomic.Bool
	request            allocationRequest
	evictedAllocations int
}

// AllocationInfo is a point-in-time description of an Allocation
type AllocationInfo struct {
	MemoryTypeIndex int
	// Memory is the driver memory object holding the allocation. It is NullMemory while the allocation
	// is lost.
	Memory driver.MemoryHandle
	// Offset is the allocation's offset within Memory
	Offset int
	Size   int
	// MappedData points at the start of the allocation if it is persistently mapped, nil otherwise
	MappedData unsafe.Pointer
	UserData   any
	Name       string

	Dedicated bool
	Lost      bool
	// LastUseFrameIndex is the frame index the allocation was last created or touched in
	LastUseFrameIndex uint32
	// EvictedAllocations is the number of other allocations made lost to make room for this one
	EvictedAllocations int
}

func (a *Allocation) init(allocator *Allocator, list *memoryBlockList, request allocationRequest, userData any) {
	a.alignment = 1
	a.size = 0
	a.name = ""
	a.userData = nil
	a.flags = 0

	a.memoryTypeIndex = 0
	a.allocationType = allocationTypeNone
	a.suballocationType = request.suballocType
	a.mapCount = 0
	a.memory = nil
	a.parentAllocator = allocator
	a.parentList = list
	if list != nil {
		a.memoryTypeIndex = list.memoryTypeIndex
	}
	a.blockData.handle = metadata.NoAllocation
	a.blockData.block = nil
	a.dedicatedData = dedicatedData{}
	a.request = request
	a.evictedAllocations = 0
	a.relocating.Store(false)

	if request.flags&AllocationCreateMayBecomeLost != 0 {
		a.flags |= allocationMayBecomeLost
	}

	if name, isString := userData.(string); isString && request.flags&AllocationCreateUserDataCopyString != 0 {
		a.name = name
	} else {
		a.userData = userData
	}

	a.lifecycle.Store(packLifecycle(allocationLive, allocator.CurrentFrameIndex()))
}

func (a *Allocation) initBlockAllocation(
	block *deviceMemoryBlock,
	allocHandle metadata.BlockAllocationHandle,
	offset int,
	alignment uint,
	size int,
	memoryTypeIndex int,
	mapped bool,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if block == nil || block.memory == nil {
		panic("attempting to init a block allocation using a nil memory block")
	}
	a.allocationType = allocationTypeBlock
	a.alignment = alignment
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	a.setMappingAllowed()
	if mapped {
		a.flags |= allocationPersistentMap
	}

	a.memory = block.memory
	a.blockData.handle = allocHandle
	a.blockData.block = block
	a.offset.Store(int64(offset))
}

func (a *Allocation) initDedicatedAllocation(
	parentList *dedicatedAllocationList,
	memoryTypeIndex int,
	memory *memory.SynchronizedMemory,
	size int,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if memory == nil {
		panic("attempting to init a dedicated allocation using a nil device memory")
	}
	a.allocationType = allocationTypeDedicated
	a.alignment = 0
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	a.setMappingAllowed()
	if memory.MappedData() != nil {
		a.flags |= allocationPersistentMap
	}

	a.dedicatedData.parentList = parentList
	a.memory = memory
}

func (a *Allocation) setMappingAllowed() {
	if a.parentAllocator.deviceMemory.IsMemoryTypeHostVisible(a.memoryTypeIndex) {
		a.flags |= allocationMappingAllowed
	} else {
		a.flags &^= allocationMappingAllowed
	}
}

// releaseBlock detaches a lost allocation from the region it occupied. The allocation keeps its request
// so that it can be placed again.
func (a *Allocation) releaseBlock() {
	a.allocationType = allocationTypeNone
	a.memory = nil
	a.mapCount = 0
	a.flags &^= allocationPersistentMap
	a.blockData.handle = metadata.NoAllocation
	a.blockData.block = nil
	a.offset.Store(0)
}

func (a *Allocation) SetName(name string) {
	a.name = name
}

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) Name() string {
	return a.name
}

func (a *Allocation) MemoryTypeIndex() int   { return a.memoryTypeIndex }
func (a *Allocation) Size() int              { return a.size }
func (a *Allocation) Alignment() uint        { return a.alignment }
func (a *Allocation) isPersistentMap() bool  { return a.flags&allocationPersistentMap != 0 }
func (a *Allocation) IsMappingAllowed() bool { return a.flags&allocationMappingAllowed != 0 }
func (a *Allocation) MayBecomeLost() bool    { return a.flags&allocationMayBecomeLost != 0 }
func (a *Allocation) isDefragTarget() bool   { return a.flags&allocationDefragTarget != 0 }
func (a *Allocation) MemoryType() driver.MemoryType {
	return a.parentAllocator.deviceMemory.MemoryTypeProperties(a.memoryTypeIndex)
}

// Memory returns the driver memory object that holds this allocation
func (a *Allocation) Memory() driver.MemoryHandle {
	if a.memory == nil {
		return driver.NullMemory
	}
	return a.memory.Memory()
}

// FindOffset returns the allocation's offset within its memory object
func (a *Allocation) FindOffset() int {
	return int(a.offset.Load())
}

// MappedData returns a pointer to the start of the allocation if it was created with AllocationCreateMapped
// and lives in host visible memory, or nil otherwise
func (a *Allocation) MappedData() unsafe.Pointer {
	if !a.isPersistentMap() || a.memory == nil {
		return nil
	}

	data := a.memory.MappedData()
	if data == nil {
		return nil
	}

	return unsafe.Add(data, a.FindOffset())
}

// ParentPool returns the custom pool this allocation was made from, or nil for the default pools
func (a *Allocation) ParentPool() *Pool {
	if a.allocationType == allocationTypeDedicated {
		return a.dedicatedData.parentList.parentPool
	}
	if a.parentList != nil {
		return a.parentList.parentPool
	}
	return nil
}

func (a *Allocation) Info() AllocationInfo {
	state, frame := unpackLifecycle(a.lifecycle.Load())

	return AllocationInfo{
		MemoryTypeIndex:    a.memoryTypeIndex,
		Memory:             a.Memory(),
		Offset:             a.FindOffset(),
		Size:               a.size,
		MappedData:         a.MappedData(),
		UserData:           a.userData,
		Name:               a.name,
		Dedicated:          a.allocationType == allocationTypeDedicated,
		Lost:               state == allocationLost,
		LastUseFrameIndex:  frame,
		EvictedAllocations: a.evictedAllocations,
	}
}

// checkUsable returns an error if the allocation's memory may not be accessed right now
func (a *Allocation) checkUsable(operation string) error {
	state, _ := unpackLifecycle(a.lifecycle.Load())
	switch state {
	case allocationLost:
		return ErrAllocationLost
	case allocationFreed:
		return usageErrorf("attempted to %s an allocation that has already been freed", operation)
	}

	if a.relocating.Load() {
		return usageErrorf("attempted to %s an allocation that is being relocated by defragmentation", operation)
	}

	return nil
}

// Map maps the allocation's memory into host address space and returns a pointer to the start of the
// allocation. Each call must be balanced by a call to Unmap. The allocation must live in host visible memory.
func (a *Allocation) Map() (unsafe.Pointer, error) {
	a.parentAllocator.logger.Debug("Allocation::Map")

	if err := a.checkUsable("map"); err != nil {
		return nil, err
	}

	return a.mapMemory()
}

func (a *Allocation) mapMemory() (unsafe.Pointer, error) {
	if !a.IsMappingAllowed() {
		return nil, usageErrorf("attempted to map an allocation in memory type %d, which is not host visible", a.memoryTypeIndex)
	}

	ptr, err := a.memory.Map(1)
	if err != nil {
		return nil, wrapDriverError(err, "failed to map memory type %d", a.memoryTypeIndex)
	}
	a.mapCount++

	return unsafe.Add(ptr, a.FindOffset()), nil
}

// Unmap releases one mapping acquired with Map
func (a *Allocation) Unmap() error {
	a.parentAllocator.logger.Debug("Allocation::Unmap")

	if a.mapCount == 0 {
		return usageErrorf("attempted to unmap an allocation that is not mapped")
	}

	return a.unmapMemory()
}

func (a *Allocation) unmapMemory() error {
	a.mapCount--
	return a.memory.Unmap(1)
}

// Flush makes host writes to the provided range visible to the device. Size may be driver.WholeSize to
// flush everything from offset to the end of the allocation. It does nothing for host coherent memory.
func (a *Allocation) Flush(offset, size int) error {
	a.parentAllocator.logger.Debug("Allocation::Flush")

	return a.flushOrInvalidate(offset, size, memory.CacheOperationFlush)
}

// Invalidate makes device writes to the provided range visible to the host. Size may be driver.WholeSize
// to invalidate everything from offset to the end of the allocation. It does nothing for host coherent memory.
func (a *Allocation) Invalidate(offset, size int) error {
	a.parentAllocator.logger.Debug("Allocation::Invalidate")

	return a.flushOrInvalidate(offset, size, memory.CacheOperationInvalidate)
}

// BindBufferMemory binds the buffer to the start of this allocation
func (a *Allocation) BindBufferMemory(buffer driver.BufferHandle) error {
	a.parentAllocator.logger.Debug("Allocation::BindBufferMemory")

	return a.bindBufferMemory(0, buffer)
}

// BindBufferMemoryWithOffset binds the buffer at an offset within this allocation
func (a *Allocation) BindBufferMemoryWithOffset(offset int, buffer driver.BufferHandle) error {
	a.parentAllocator.logger.Debug("Allocation::BindBufferMemoryWithOffset")

	return a.bindBufferMemory(offset, buffer)
}

func (a *Allocation) bindBufferMemory(offset int, buffer driver.BufferHandle) error {
	if buffer == driver.NullBuffer {
		return usageErrorf("attempted to bind a null buffer")
	}
	if err := a.checkUsable("bind"); err != nil {
		return err
	}

	switch a.allocationType {
	case allocationTypeDedicated:
		return wrapDriverError(a.memory.BindBuffer(offset, buffer), "failed to bind buffer")
	case allocationTypeBlock:
		allocOffset := a.FindOffset()
		return wrapDriverError(a.memory.BindBuffer(offset+allocOffset, buffer), "failed to bind buffer")
	}

	return usageErrorf("attempted to bind an allocation with an unknown type: %s", a.allocationType.String())
}

// BindImageMemory binds the image to the start of this allocation
func (a *Allocation) BindImageMemory(image driver.ImageHandle) error {
	a.parentAllocator.logger.Debug("Allocation::BindImageMemory")

	return a.bindImageMemory(0, image)
}

// BindImageMemoryWithOffset binds the image at an offset within this allocation
func (a *Allocation) BindImageMemoryWithOffset(offset int, image driver.ImageHandle) error {
	a.parentAllocator.logger.Debug("Allocation::BindImageMemoryWithOffset")

	return a.bindImageMemory(offset, image)
}

func (a *Allocation) bindImageMemory(offset int, image driver.ImageHandle) error {
	if image == driver.NullImage {
		return usageErrorf("attempted to bind a null image")
	}
	if err := a.checkUsable("bind"); err != nil {
		return err
	}

	switch a.allocationType {
	case allocationTypeDedicated:
		return wrapDriverError(a.memory.BindImage(offset, image), "failed to bind image")
	case allocationTypeBlock:
		allocOffset := a.FindOffset()
		return wrapDriverError(a.memory.BindImage(offset+allocOffset, image), "failed to bind image")
	}

	return usageErrorf("attempted to bind an allocation with an unknown type: %s", a.allocationType.String())
}

// Free returns the allocation to the allocator. An allocation may only be freed once.
func (a *Allocation) Free() error {
	a.parentAllocator.logger.Debug("Allocation::Free")

	return a.parentAllocator.FreeMemory(a)
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.suballocationType.String())
	json.Name("Size").Int(a.size)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}

	if a.MayBecomeLost() {
		_, frame := unpackLifecycle(a.lifecycle.Load())
		json.Name("LastUseFrameIndex").Int(int(frame))
	}
}

func (a *Allocation) flushOrInvalidateRange(offset, size int, outRange *driver.MappedMemoryRange) (bool, error) {
	// A size of WholeSize indicates the rest of the allocation
	if size == 0 || size < driver.WholeSize || !a.parentAllocator.deviceMemory.IsMemoryTypeHostNonCoherent(a.memoryTypeIndex) {
		return false, nil
	}

	nonCoherentAtomSize := a.parentAllocator.deviceMemory.Limits().NonCoherentAtomSize
	allocationSize := a.Size()

	if offset > allocationSize {
		return false, usageErrorf("offset %d is past the end of the allocation, which is size %d", offset, allocationSize)
	}
	if size > 0 && (offset+size) > allocationSize {
		return false, usageErrorf("offset %d places the end of the range %d past the end of the allocation, which is size %d", offset, offset+size, allocationSize)
	}

	outRange.Memory = a.Memory()
	outRange.Offset = memutils.AlignDown(offset, uint(nonCoherentAtomSize))

	switch a.allocationType {
	case allocationTypeDedicated:
		outRange.Size = allocationSize - outRange.Offset
		if size > 0 {
			alignedSize := memutils.AlignUp(size+(offset-outRange.Offset), uint(nonCoherentAtomSize))
			if alignedSize < outRange.Size {
				outRange.Size = alignedSize
			}
		}
		return true, nil
	case allocationTypeBlock:
		if size == driver.WholeSize {
			size = allocationSize - offset
		}

		outRange.Size = memutils.AlignUp(size+(offset-outRange.Offset), uint(nonCoherentAtomSize))

		// Move the range into block space
		allocationOffset := a.FindOffset()

		if allocationOffset%nonCoherentAtomSize != 0 {
			panic(fmt.Sprintf("the allocation has an invalid offset %d for non-coherent memory, which has an alignment of %d", allocationOffset, nonCoherentAtomSize))
		}

		blockSize := a.blockData.block.metadata.Size()
		outRange.Offset += allocationOffset

		restOfBlock := blockSize - outRange.Offset
		if restOfBlock < outRange.Size {
			outRange.Size = restOfBlock
		}
		return true, nil
	}

	return false, usageErrorf("attempted to get the flush or invalidate range of an allocation with invalid type %s", a.allocationType.String())
}

func (a *Allocation) flushOrInvalidate(offset, size int, operation memory.CacheOperation) error {
	if err := a.checkUsable("flush or invalidate"); err != nil {
		return err
	}

	var memRange driver.MappedMemoryRange
	success, err := a.flushOrInvalidateRange(offset, size, &memRange)
	if err != nil {
		return err
	} else if !success {
		// Coherent memory needs no cache maintenance
		return nil
	}

	err = a.parentAllocator.deviceMemory.FlushOrInvalidateAllocations([]driver.MappedMemoryRange{memRange}, operation)
	return wrapDriverError(err, "%s failed for memory type %d", operation.String(), a.memoryTypeIndex)
}

// syncHostCache flushes or invalidates the whole allocation without checking whether it is usable
func (a *Allocation) syncHostCache(operation memory.CacheOperation) error {
	var memRange driver.MappedMemoryRange
	success, err := a.flushOrInvalidateRange(0, driver.WholeSize, &memRange)
	if err != nil || !success {
		return err
	}

	err = a.parentAllocator.deviceMemory.FlushOrInvalidateAllocations([]driver.MappedMemoryRange{memRange}, operation)
	return wrapDriverError(err, "%s failed for memory type %d", operation.String(), a.memoryTypeIndex)
}

func (a *Allocation) nextDedicatedAlloc() *Allocation {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to get the next dedicated allocation in the linked list, but this is not a dedicated allocation")
	}
	return a.dedicatedData.nextAlloc
}

func (a *Allocation) setNext(alloc *Allocation) {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to set the next dedicated allocation in the linked list, but this is not a dedicated allocation")
	}

	a.dedicatedData.nextAlloc = alloc
}

func (a *Allocation) prevDedicatedAlloc() *Allocation {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to get the prev dedicated allocation in the linked list, but this is not a dedicated allocation")
	}

	return a.dedicatedData.prevAlloc
}

func (a *Allocation) setPrev(alloc *Allocation) {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to set the prev dedicated allocation in the linked list, but this is not a dedicated allocation")
	}

	a.dedicatedData.prevAlloc = alloc
}

const (
	createdFillPattern   uint8 = 0xDC
	destroyedFillPattern uint8 = 0xEF
)
