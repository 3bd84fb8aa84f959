// Package simdriver provides an in-process driver.Driver backed by host memory. Every memory object is a
// byte slice, so allocations can be mapped, written, and inspected without a graphics device.
package simdriver

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/memutils"
)

// AllocateHook is consulted before every memory allocation. Returning an error fails the allocation with
// that error, which allows tests to inject driver failures.
type AllocateHook func(info driver.MemoryAllocateInfo) error

// Options describes the simulated device
type Options struct {
	MemoryTypes []driver.MemoryType
	MemoryHeaps []driver.MemoryHeap
	Limits      driver.Limits

	// BufferAlignment is the alignment reported for every buffer. Defaults to 256.
	BufferAlignment uint
	// ImageAlignment is the alignment reported for every image. Defaults to 4096.
	ImageAlignment uint
	// MemoryTypeBits restricts the memory types reported compatible with buffers and images. Zero
	// means every memory type.
	MemoryTypeBits uint32

	AllocateHook AllocateHook
}

type memoryObject struct {
	typeIndex int
	data      []byte
	priority  float32
	mapped    bool
}

type resource struct {
	requirements driver.MemoryRequirements
	memory       driver.MemoryHandle
	offset       int
}

// Driver is the simulated device. The zero value is not usable; create one with New.
type Driver struct {
	mutex   sync.Mutex
	options Options

	nextHandle uint64
	memory     *swiss.Map[driver.MemoryHandle, *memoryObject]
	buffers    *swiss.Map[driver.BufferHandle, *resource]
	images     *swiss.Map[driver.ImageHandle, *resource]

	heapUsage       []int
	flushCount      int
	invalidateCount int
}

var _ driver.Driver = &Driver{}

// New creates a simulated device from options
func New(options Options) (*Driver, error) {
	if len(options.MemoryTypes) == 0 || len(options.MemoryHeaps) == 0 {
		return nil, errors.New("a simulated device requires at least one memory type and one memory heap")
	}
	for typeIndex, memoryType := range options.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(options.MemoryHeaps) {
			return nil, errors.Newf("memory type %d refers to heap %d, but only %d heaps exist", typeIndex, memoryType.HeapIndex, len(options.MemoryHeaps))
		}
	}
	if options.BufferAlignment == 0 {
		options.BufferAlignment = 256
	}
	if options.ImageAlignment == 0 {
		options.ImageAlignment = 4096
	}
	if err := memutils.CheckPow2(options.BufferAlignment, "BufferAlignment"); err != nil {
		return nil, err
	}
	if err := memutils.CheckPow2(options.ImageAlignment, "ImageAlignment"); err != nil {
		return nil, err
	}
	if options.Limits.BufferImageGranularity < 1 {
		options.Limits.BufferImageGranularity = 1
	}
	if options.Limits.NonCoherentAtomSize < 1 {
		options.Limits.NonCoherentAtomSize = 1
	}
	if options.MemoryTypeBits == 0 {
		options.MemoryTypeBits = uint32(1)<<len(options.MemoryTypes) - 1
	}

	return &Driver{
		options:   options,
		memory:    swiss.NewMap[driver.MemoryHandle, *memoryObject](16),
		buffers:   swiss.NewMap[driver.BufferHandle, *resource](16),
		images:    swiss.NewMap[driver.ImageHandle, *resource](16),
		heapUsage: make([]int, len(options.MemoryHeaps)),
	}, nil
}

// DiscreteGPU returns the options for a typical discrete device: a large device-local heap plus a
// host heap offering coherent and cached memory
func DiscreteGPU() Options {
	return Options{
		MemoryTypes: []driver.MemoryType{
			{PropertyFlags: driver.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCached, HeapIndex: 1},
			{PropertyFlags: driver.MemoryPropertyDeviceLocal | driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent, HeapIndex: 2},
		},
		MemoryHeaps: []driver.MemoryHeap{
			{Size: 2 * 1024 * 1024 * 1024, Flags: driver.MemoryHeapDeviceLocal},
			{Size: 1024 * 1024 * 1024},
			{Size: 256 * 1024 * 1024, Flags: driver.MemoryHeapDeviceLocal},
		},
		Limits: driver.Limits{
			BufferImageGranularity:   1024,
			NonCoherentAtomSize:      64,
			MaxMemoryAllocationCount: 4096,
		},
	}
}

func (d *Driver) MemoryProperties() driver.MemoryProperties {
	return driver.MemoryProperties{
		MemoryTypes: append([]driver.MemoryType(nil), d.options.MemoryTypes...),
		MemoryHeaps: append([]driver.MemoryHeap(nil), d.options.MemoryHeaps...),
	}
}

func (d *Driver) Limits() driver.Limits {
	return d.options.Limits
}

func (d *Driver) handle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

func (d *Driver) AllocateMemory(info driver.MemoryAllocateInfo) (driver.MemoryHandle, error) {
	if info.MemoryTypeIndex < 0 || info.MemoryTypeIndex >= len(d.options.MemoryTypes) {
		return driver.NullMemory, errors.Mark(errors.Newf("memory type index %d does not exist", info.MemoryTypeIndex), driver.ErrInvalidParameter)
	}
	if info.Size < 1 {
		return driver.NullMemory, errors.Mark(errors.Newf("invalid allocation size %d", info.Size), driver.ErrInvalidParameter)
	}
	if info.Priority < 0 || info.Priority > 1 {
		return driver.NullMemory, errors.Mark(errors.Newf("invalid memory priority %f", info.Priority), driver.ErrInvalidParameter)
	}

	if d.options.AllocateHook != nil {
		if err := d.options.AllocateHook(info); err != nil {
			return driver.NullMemory, err
		}
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	limit := d.options.Limits.MaxMemoryAllocationCount
	if limit > 0 && d.memory.Count() >= limit {
		return driver.NullMemory, errors.Mark(errors.Newf("device already holds %d memory objects", d.memory.Count()), driver.ErrTooManyObjects)
	}

	heapIndex := d.options.MemoryTypes[info.MemoryTypeIndex].HeapIndex
	if d.heapUsage[heapIndex]+info.Size > d.options.MemoryHeaps[heapIndex].Size {
		return driver.NullMemory, errors.Mark(errors.Newf("heap %d cannot fit %d more bytes", heapIndex, info.Size), driver.ErrOutOfDeviceMemory)
	}

	handle := driver.MemoryHandle(d.handle())
	d.memory.Put(handle, &memoryObject{
		typeIndex: info.MemoryTypeIndex,
		data:      make([]byte, info.Size),
		priority:  info.Priority,
	})
	d.heapUsage[heapIndex] += info.Size

	return handle, nil
}

func (d *Driver) FreeMemory(memory driver.MemoryHandle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	obj, ok := d.memory.Get(memory)
	if !ok {
		panic("attempted to free a memory object that does not exist")
	}

	heapIndex := d.options.MemoryTypes[obj.typeIndex].HeapIndex
	d.heapUsage[heapIndex] -= len(obj.data)
	d.memory.Delete(memory)
}

func (d *Driver) lookupMemory(memory driver.MemoryHandle) (*memoryObject, error) {
	obj, ok := d.memory.Get(memory)
	if !ok {
		return nil, errors.Mark(errors.Newf("memory handle %d does not exist", memory), driver.ErrInvalidParameter)
	}
	return obj, nil
}

func (d *Driver) MapMemory(memory driver.MemoryHandle, offset int, size int) (unsafe.Pointer, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	obj, err := d.lookupMemory(memory)
	if err != nil {
		return nil, err
	}

	if d.options.MemoryTypes[obj.typeIndex].PropertyFlags&driver.MemoryPropertyHostVisible == 0 {
		return nil, errors.Mark(errors.Newf("memory type %d is not host visible", obj.typeIndex), driver.ErrMemoryMapFailed)
	}
	if obj.mapped {
		return nil, errors.Mark(errors.Newf("memory handle %d is already mapped", memory), driver.ErrMemoryMapFailed)
	}
	if size == driver.WholeSize {
		size = len(obj.data) - offset
	}
	if offset < 0 || size < 1 || offset+size > len(obj.data) {
		return nil, errors.Mark(errors.Newf("map range offset %d size %d falls outside memory of size %d", offset, size, len(obj.data)), driver.ErrInvalidParameter)
	}

	obj.mapped = true
	return unsafe.Pointer(&obj.data[offset]), nil
}

func (d *Driver) UnmapMemory(memory driver.MemoryHandle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	obj, err := d.lookupMemory(memory)
	if err != nil {
		panic(err)
	}
	if !obj.mapped {
		panic("attempted to unmap memory that was not mapped")
	}
	obj.mapped = false
}

func (d *Driver) validateRanges(ranges []driver.MappedMemoryRange) error {
	atom := d.options.Limits.NonCoherentAtomSize

	for _, memRange := range ranges {
		obj, err := d.lookupMemory(memRange.Memory)
		if err != nil {
			return err
		}

		if memRange.Offset%atom != 0 {
			return errors.Mark(errors.Newf("range offset %d is not a multiple of the non-coherent atom size %d", memRange.Offset, atom), driver.ErrInvalidParameter)
		}

		if memRange.Size == driver.WholeSize {
			continue
		}

		end := memRange.Offset + memRange.Size
		if end > len(obj.data) {
			return errors.Mark(errors.Newf("range ending at %d runs past the end of memory of size %d", end, len(obj.data)), driver.ErrInvalidParameter)
		}
		if memRange.Size%atom != 0 && end != len(obj.data) {
			return errors.Mark(errors.Newf("range size %d is not a multiple of the non-coherent atom size %d", memRange.Size, atom), driver.ErrInvalidParameter)
		}
	}

	return nil
}

func (d *Driver) FlushMappedMemoryRanges(ranges []driver.MappedMemoryRange) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.validateRanges(ranges); err != nil {
		return err
	}
	d.flushCount += len(ranges)
	return nil
}

func (d *Driver) InvalidateMappedMemoryRanges(ranges []driver.MappedMemoryRange) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.validateRanges(ranges); err != nil {
		return err
	}
	d.invalidateCount += len(ranges)
	return nil
}

func (d *Driver) CreateBuffer(info driver.BufferCreateInfo) (driver.BufferHandle, error) {
	if info.Size < 1 {
		return driver.NullBuffer, errors.Mark(errors.Newf("invalid buffer size %d", info.Size), driver.ErrInvalidParameter)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.BufferHandle(d.handle())
	d.buffers.Put(handle, &resource{
		requirements: driver.MemoryRequirements{
			Size:           memutils.AlignUp(info.Size, d.options.BufferAlignment),
			Alignment:      d.options.BufferAlignment,
			MemoryTypeBits: d.options.MemoryTypeBits,
		},
	})
	return handle, nil
}

func (d *Driver) DestroyBuffer(buffer driver.BufferHandle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.buffers.Delete(buffer)
}

func (d *Driver) BufferMemoryRequirements(buffer driver.BufferHandle) (driver.MemoryRequirements, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	res, ok := d.buffers.Get(buffer)
	if !ok {
		return driver.MemoryRequirements{}, errors.Mark(errors.Newf("buffer handle %d does not exist", buffer), driver.ErrInvalidParameter)
	}
	return res.requirements, nil
}

func (d *Driver) bind(res *resource, memory driver.MemoryHandle, offset int) error {
	obj, err := d.lookupMemory(memory)
	if err != nil {
		return err
	}
	if res.memory != driver.NullMemory {
		return errors.Mark(errors.New("resource is already bound to memory"), driver.ErrInvalidParameter)
	}
	if uint32(1)<<obj.typeIndex&res.requirements.MemoryTypeBits == 0 {
		return errors.Mark(errors.Newf("memory type %d is not compatible with the resource", obj.typeIndex), driver.ErrInvalidParameter)
	}
	if memutils.AlignDown(offset, res.requirements.Alignment) != offset {
		return errors.Mark(errors.Newf("offset %d does not meet the resource alignment %d", offset, res.requirements.Alignment), driver.ErrInvalidParameter)
	}
	if offset < 0 || offset+res.requirements.Size > len(obj.data) {
		return errors.Mark(errors.Newf("resource of size %d at offset %d does not fit in memory of size %d", res.requirements.Size, offset, len(obj.data)), driver.ErrInvalidParameter)
	}

	res.memory = memory
	res.offset = offset
	return nil
}

func (d *Driver) BindBufferMemory(buffer driver.BufferHandle, memory driver.MemoryHandle, offset int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	res, ok := d.buffers.Get(buffer)
	if !ok {
		return errors.Mark(errors.Newf("buffer handle %d does not exist", buffer), driver.ErrInvalidParameter)
	}
	return d.bind(res, memory, offset)
}

func imageSize(info driver.ImageCreateInfo) int {
	const bytesPerTexel = 4

	size := 0
	width, height, depth := info.Width, info.Height, info.Depth
	for level := 0; level < info.MipLevels; level++ {
		size += width * height * depth * info.ArrayLayers * bytesPerTexel
		width = max(width/2, 1)
		height = max(height/2, 1)
		depth = max(depth/2, 1)
	}
	return size
}

func (d *Driver) CreateImage(info driver.ImageCreateInfo) (driver.ImageHandle, error) {
	if info.Width < 1 || info.Height < 1 || info.Depth < 1 || info.MipLevels < 1 || info.ArrayLayers < 1 {
		return driver.NullImage, errors.Mark(errors.Newf("invalid image dimensions %+v", info), driver.ErrInvalidParameter)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.ImageHandle(d.handle())
	d.images.Put(handle, &resource{
		requirements: driver.MemoryRequirements{
			Size:           memutils.AlignUp(imageSize(info), d.options.ImageAlignment),
			Alignment:      d.options.ImageAlignment,
			MemoryTypeBits: d.options.MemoryTypeBits,
		},
	})
	return handle, nil
}

func (d *Driver) DestroyImage(image driver.ImageHandle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.images.Delete(image)
}

func (d *Driver) ImageMemoryRequirements(image driver.ImageHandle) (driver.MemoryRequirements, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	res, ok := d.images.Get(image)
	if !ok {
		return driver.MemoryRequirements{}, errors.Mark(errors.Newf("image handle %d does not exist", image), driver.ErrInvalidParameter)
	}
	return res.requirements, nil
}

func (d *Driver) BindImageMemory(image driver.ImageHandle, memory driver.MemoryHandle, offset int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	res, ok := d.images.Get(image)
	if !ok {
		return errors.Mark(errors.Newf("image handle %d does not exist", image), driver.ErrInvalidParameter)
	}
	return d.bind(res, memory, offset)
}
