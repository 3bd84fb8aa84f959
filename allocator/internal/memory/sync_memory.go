package memory

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/devmem/allocator/internal/utils"
	"github.com/vkngwrapper/devmem/driver"
)

// SynchronizedMemory wraps a single driver memory object and reference counts its host mapping
type SynchronizedMemory struct {
	// Mapping data
	mapReferences int
	mapData       unsafe.Pointer

	// Hysteresis data- if we're calling map/unmap a lot more than suballoc/subfree then
	// maintain a persistent mapping to save time
	delayCounter  uint32
	statusCounter int32
	extraMapping  bool

	mapMutex utils.OptionalMutex
	memory   driver.MemoryHandle
	size     int
	driver   driver.Driver
}

func newSynchronizedMemory(drv driver.Driver, useMutex bool, memory driver.MemoryHandle, size int) *SynchronizedMemory {
	return &SynchronizedMemory{
		memory: memory,
		size:   size,
		driver: drv,
		mapMutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
	}
}

func (m *SynchronizedMemory) Memory() driver.MemoryHandle {
	return m.memory
}

func (m *SynchronizedMemory) Size() int {
	return m.size
}

func (m *SynchronizedMemory) BindBuffer(offset int, buffer driver.BufferHandle) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.driver.BindBufferMemory(buffer, m.memory, offset)
}

func (m *SynchronizedMemory) BindImage(offset int, image driver.ImageHandle) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.driver.BindImageMemory(image, m.memory, offset)
}

// References returns the number of outstanding maps, counting the hysteresis mapping as one
func (m *SynchronizedMemory) References() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.references()
}

func (m *SynchronizedMemory) references() int {
	refs := m.mapReferences
	if m.extraMapping {
		refs++
	}
	return refs
}

func (m *SynchronizedMemory) MappedData() unsafe.Pointer {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapData
}

const MapDelay uint32 = 7

func (m *SynchronizedMemory) postMapUnmap() bool {
	m.delayCounter++
	m.statusCounter++

	if m.delayCounter >= MapDelay {
		m.delayCounter = 0
		if m.statusCounter >= 1 {
			m.statusCounter = 0
			m.extraMapping = true
			return true
		}
	}

	return false
}

// RecordSuballocSubfree notes an allocation or free in the memory object. Frequent suballocation without
// mapping drops the hysteresis mapping, releasing the host pointer if nothing else holds it.
func (m *SynchronizedMemory) RecordSuballocSubfree() bool {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	m.delayCounter++
	m.statusCounter--

	if m.delayCounter >= MapDelay {
		m.delayCounter = 0
		if m.statusCounter <= -2 {
			m.statusCounter = 0
			if m.extraMapping {
				m.extraMapping = false
				if m.mapReferences == 0 && m.mapData != nil {
					m.driver.UnmapMemory(m.memory)
					m.mapData = nil
				}
			}
			return true
		}
	}

	return false
}

// Map adds references to the memory object's host mapping, mapping the whole object if it is not
// mapped yet
func (m *SynchronizedMemory) Map(references int) (unsafe.Pointer, error) {
	if references == 0 {
		return nil, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	oldRefCount := m.references()
	_ = m.postMapUnmap()

	if oldRefCount > 0 {
		if m.mapData == nil {
			return nil, errors.New("the block is showing existing memory mapping references, but no mapped memory")
		}

		m.mapReferences += references
		return m.mapData, nil
	}

	mappedData, err := m.driver.MapMemory(m.memory, 0, driver.WholeSize)
	if err != nil {
		return nil, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, nil
}

// Unmap removes references from the host mapping. The driver mapping is released once no references
// remain.
func (m *SynchronizedMemory) Unmap(references int) error {
	if references == 0 {
		return nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences < references {
		return errors.Errorf("device memory block has %d references being unmapped but only %d currently mapped", references, m.mapReferences)
	}

	m.mapReferences -= references
	m.postMapUnmap()

	if m.references() <= 0 && m.mapData != nil {
		m.driver.UnmapMemory(m.memory)
		m.mapData = nil
	}

	return nil
}

// FreeMemory returns the memory object to the driver, dropping any host mapping
func (m *SynchronizedMemory) FreeMemory() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapData != nil {
		m.driver.UnmapMemory(m.memory)
		m.mapData = nil
	}
	m.mapReferences = 0
	m.extraMapping = false

	m.driver.FreeMemory(m.memory)
}
