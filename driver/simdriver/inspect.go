package simdriver

import "github.com/vkngwrapper/devmem/driver"

// MemoryObjectCount returns the number of live memory objects
func (d *Driver) MemoryObjectCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.memory.Count()
}

// HeapUsage returns the number of bytes allocated from a heap
func (d *Driver) HeapUsage(heapIndex int) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.heapUsage[heapIndex]
}

// IsMapped reports whether a memory object currently has a host mapping
func (d *Driver) IsMapped(memory driver.MemoryHandle) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	obj, ok := d.memory.Get(memory)
	return ok && obj.mapped
}

// MemoryData returns the backing bytes of a memory object, or nil if it does not exist. Writes to the
// returned slice are visible through every mapping of the object.
func (d *Driver) MemoryData(memory driver.MemoryHandle) []byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	obj, ok := d.memory.Get(memory)
	if !ok {
		return nil
	}
	return obj.data
}

// MemoryPriority returns the priority a memory object was allocated with
func (d *Driver) MemoryPriority(memory driver.MemoryHandle) float32 {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	obj, ok := d.memory.Get(memory)
	if !ok {
		return 0
	}
	return obj.priority
}

// BufferBinding returns the memory and offset a buffer is bound to
func (d *Driver) BufferBinding(buffer driver.BufferHandle) (driver.MemoryHandle, int, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	res, ok := d.buffers.Get(buffer)
	if !ok || res.memory == driver.NullMemory {
		return driver.NullMemory, 0, false
	}
	return res.memory, res.offset, true
}

// ImageBinding returns the memory and offset an image is bound to
func (d *Driver) ImageBinding(image driver.ImageHandle) (driver.MemoryHandle, int, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	res, ok := d.images.Get(image)
	if !ok || res.memory == driver.NullMemory {
		return driver.NullMemory, 0, false
	}
	return res.memory, res.offset, true
}

// BufferCount returns the number of live buffers
func (d *Driver) BufferCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.buffers.Count()
}

// ImageCount returns the number of live images
func (d *Driver) ImageCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.images.Count()
}

// FlushCount returns the number of ranges flushed since the driver was created
func (d *Driver) FlushCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.flushCount
}

// InvalidateCount returns the number of ranges invalidated since the driver was created
func (d *Driver) InvalidateCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.invalidateCount
}
