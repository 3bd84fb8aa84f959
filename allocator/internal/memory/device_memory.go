package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/memutils"
)

// Budget reports how much of a heap is in use and how much the allocator is willing to use
type Budget struct {
	Statistics memutils.Statistics
	Usage      int
	Budget     int
}

// MemoryCallbacks is notified whenever real device memory is allocated or freed
type MemoryCallbacks interface {
	Allocate(memoryType int, memory driver.MemoryHandle, size int)
	Free(memoryType int, memory driver.MemoryHandle, size int)
}

// DeviceMemoryProperties caches the device's memory layout and tracks per-heap usage. Counters are updated
// atomically so that block lists for different memory types never contend on a lock.
type DeviceMemoryProperties struct {
	// Number of real allocations that have been made from device memory
	blockCount [common.MaxMemoryHeaps]int32
	// Number of user allocations that have actually been doled out for use- this includes the number
	// of dedicated allocations + the number of block suballocations
	allocationCount [common.MaxMemoryHeaps]int32
	// Size of real allocations that have been made from device memory
	blockBytes [common.MaxMemoryHeaps]int64
	// Size of user allocations that have actually been doled out for use
	allocationBytes [common.MaxMemoryHeaps]int64

	// Whether the SynchronizedMemory objects created from this object should use a mutex to control access
	useMutex        bool
	memoryCallbacks MemoryCallbacks
	memoryCount     uint32
	heapLimits      []int

	driver           driver.Driver
	limits           driver.Limits
	memoryProperties driver.MemoryProperties
}

func NewDeviceMemoryProperties(
	useMutex bool,
	drv driver.Driver,
	memoryCallbacks MemoryCallbacks,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	deviceMemory := &DeviceMemoryProperties{
		useMutex:        useMutex,
		memoryCallbacks: memoryCallbacks,
		driver:          drv,
		limits:          drv.Limits(),
	}

	deviceMemory.memoryProperties = drv.MemoryProperties()

	err := memutils.CheckPow2(deviceMemory.limits.BufferImageGranularity, "device BufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(deviceMemory.limits.NonCoherentAtomSize, "device NonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	typeCount := deviceMemory.MemoryTypeCount()
	heapCount := deviceMemory.MemoryHeapCount()
	if typeCount == 0 || typeCount > common.MaxMemoryTypes {
		return nil, errors.Newf("the device reported %d memory types, but between 1 and %d are supported", typeCount, common.MaxMemoryTypes)
	}
	if heapCount == 0 || heapCount > common.MaxMemoryHeaps {
		return nil, errors.Newf("the device reported %d memory heaps, but between 1 and %d are supported", heapCount, common.MaxMemoryHeaps)
	}

	heapLimitCount := len(heapSizeLimits)
	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.Newf("CreateOptions.HeapSizeLimits was provided with %d entries, but the device has %d heaps", heapLimitCount, heapCount)
	}

	deviceMemory.heapLimits = make([]int, heapCount)
	copy(deviceMemory.heapLimits, heapSizeLimits)

	return deviceMemory, nil
}

func (m *DeviceMemoryProperties) Driver() driver.Driver { return m.driver }

func (m *DeviceMemoryProperties) Limits() driver.Limits { return m.limits }

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) driver.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) driver.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

// MemoryProperties returns a copy of the device's memory layout
func (m *DeviceMemoryProperties) MemoryProperties() driver.MemoryProperties {
	return driver.MemoryProperties{
		MemoryTypes: append([]driver.MemoryType(nil), m.memoryProperties.MemoryTypes...),
		MemoryHeaps: append([]driver.MemoryHeap(nil), m.memoryProperties.MemoryHeaps...),
	}
}

// MemoryTypeMinimumAlignment is the alignment every allocation in the memory type must respect. Non-coherent
// memory is flushed in units of NonCoherentAtomSize, so allocations must not share an atom.
func (m *DeviceMemoryProperties) MemoryTypeMinimumAlignment(memTypeIndex int) uint {
	if m.IsMemoryTypeHostNonCoherent(memTypeIndex) {
		alignment := uint(m.limits.NonCoherentAtomSize)
		if alignment < 1 {
			return 1
		}
		return alignment
	}

	return 1
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags&driver.MemoryPropertyHostVisible != 0
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(driver.MemoryPropertyHostVisible|driver.MemoryPropertyHostCoherent) == driver.MemoryPropertyHostVisible
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) addBlockAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return errors.Mark(
				errors.Newf("allocating %d bytes would exceed the %d byte limit of heap %d", allocationSize, maxAllocatable, heapIndex),
				driver.ErrOutOfDeviceMemory,
			)
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocateDeviceMemory allocates a new memory object from the driver, enforcing the device's allocation count
// limit and any heap size limit the allocator was created with
func (m *DeviceMemoryProperties) AllocateDeviceMemory(allocateInfo driver.MemoryAllocateInfo) (mem *SynchronizedMemory, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	if m.limits.MaxMemoryAllocationCount > 0 && int(newDeviceCount) > m.limits.MaxMemoryAllocationCount {
		return nil, errors.Mark(
			errors.Newf("the device allows at most %d memory objects", m.limits.MaxMemoryAllocationCount),
			driver.ErrTooManyObjects,
		)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(allocateInfo.MemoryTypeIndex)
	heapLimit := m.heapLimits[heapIndex]
	if heapLimit <= 0 {
		m.addBlockAllocation(heapIndex, allocateInfo.Size)
	} else {
		maxSize := heapLimit
		heapSize := m.memoryProperties.MemoryHeaps[heapIndex].Size
		if heapSize < maxSize {
			maxSize = heapSize
		}
		err = m.addBlockAllocationWithBudget(heapIndex, allocateInfo.Size, maxSize)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			m.removeBlockAllocation(heapIndex, allocateInfo.Size)
		}
	}()

	handle, err := m.driver.AllocateMemory(allocateInfo)
	if err != nil {
		return nil, err
	}

	mem = newSynchronizedMemory(m.driver, m.useMutex, handle, allocateInfo.Size)

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(allocateInfo.MemoryTypeIndex, handle, allocateInfo.Size)
	}

	return mem, nil
}

// FreeDeviceMemory returns a memory object created by AllocateDeviceMemory to the driver
func (m *DeviceMemoryProperties) FreeDeviceMemory(memoryType int, size int, memory *SynchronizedMemory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memoryType, memory.Memory(), size)
	}

	memory.FreeMemory()

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryType)
	m.removeBlockAllocation(heapIndex, size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

// AddAllocation records a new user allocation in a heap's usage counters
func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

// RemoveAllocation reverses AddAllocation
func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

// ResizeAllocation adjusts a heap's allocation bytes when a live allocation changes size in place
func (m *DeviceMemoryProperties) ResizeAllocation(heapIndex int, oldSize, newSize int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(newSize-oldSize))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}
}

// HeapBudget populates budget with the current usage of a single heap. Without an explicit heap size limit,
// the budget is 80% of the heap's size.
func (m *DeviceMemoryProperties) HeapBudget(heapIndex int, budget *Budget) {
	budget.Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
	budget.Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
	budget.Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
	budget.Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

	budget.Usage = budget.Statistics.BlockBytes

	heapSize := m.memoryProperties.MemoryHeaps[heapIndex].Size
	if limit := m.heapLimits[heapIndex]; limit > 0 && limit < heapSize {
		budget.Budget = limit
	} else {
		budget.Budget = heapSize * 8 / 10
	}
}

// HeapBudgets populates budgets for consecutive heaps beginning at firstHeap
func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := 0; i < len(budgets); i++ {
		m.HeapBudget(firstHeap+i, &budgets[i])
	}
}

type CacheOperation uint32

const (
	CacheOperationFlush CacheOperation = iota
	CacheOperationInvalidate
)

var cacheOperationMapping = map[CacheOperation]string{
	CacheOperationFlush:      "CacheOperationFlush",
	CacheOperationInvalidate: "CacheOperationInvalidate",
}

func (o CacheOperation) String() string {
	return cacheOperationMapping[o]
}

func (m *DeviceMemoryProperties) FlushOrInvalidateAllocations(memRanges []driver.MappedMemoryRange, operation CacheOperation) error {
	if len(memRanges) == 0 {
		return nil
	}

	switch operation {
	case CacheOperationFlush:
		return m.driver.FlushMappedMemoryRanges(memRanges)
	case CacheOperationInvalidate:
		return m.driver.InvalidateMappedMemoryRanges(memRanges)
	}

	return errors.Newf("attempted to carry out invalid cache operation %s", operation.String())
}

// CalculateGlobalMemoryTypeBits returns a mask with a bit set for every memory type the device reported
func (m *DeviceMemoryProperties) CalculateGlobalMemoryTypeBits() uint32 {
	var typeBits uint32

	memTypeCount := len(m.memoryProperties.MemoryTypes)
	for memoryTypeIndex := 0; memoryTypeIndex < memTypeCount; memoryTypeIndex++ {
		typeBits |= 1 << memoryTypeIndex
	}

	return typeBits
}

func (m *DeviceMemoryProperties) CalculateBufferImageGranularity() int {
	granularity := m.limits.BufferImageGranularity

	if granularity < 1 {
		return 1
	}
	return granularity
}

// AllocationCount returns the number of live memory objects
func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}
