// Package vkdriver implements driver.Driver over a vkngwrapper core1_0 device. Memory objects, buffers, and
// images are handed to the allocator as opaque handles; the Driver keeps the table that maps them back to
// their core1_0 objects.
package vkdriver

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	coredriver "github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
)

// PhysicalDevice is the part of core1_0.PhysicalDevice the Driver reads memory layout from
type PhysicalDevice interface {
	Properties() (*core1_0.PhysicalDeviceProperties, error)
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties
}

// Device is the part of core1_0.Device the Driver issues calls against
type Device interface {
	IsDeviceExtensionActive(extensionName string) bool
	AllocateMemory(allocationCallbacks *coredriver.AllocationCallbacks, o core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error)
	FlushMappedMemoryRanges(ranges []core1_0.MappedMemoryRange) (common.VkResult, error)
	InvalidateMappedMemoryRanges(ranges []core1_0.MappedMemoryRange) (common.VkResult, error)
	CreateBuffer(allocationCallbacks *coredriver.AllocationCallbacks, o core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error)
	CreateImage(allocationCallbacks *coredriver.AllocationCallbacks, o core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error)
}

var _ PhysicalDevice = core1_0.PhysicalDevice(nil)
var _ Device = core1_0.Device(nil)

// Options contains optional settings for New
type Options struct {
	// AllocationCallbacks are passed to every object creation and destruction call
	AllocationCallbacks *coredriver.AllocationCallbacks
	// BufferSharingMode is used for buffers created through CreateBuffer
	BufferSharingMode core1_0.SharingMode
	// ImageFormat is used for images created through CreateImage when the create info leaves Format at 0
	ImageFormat core1_0.Format
}

// Driver is a driver.Driver backed by a core1_0.Device. It is safe for concurrent use.
type Driver struct {
	device    Device
	callbacks *coredriver.AllocationCallbacks
	options   Options

	memoryProperties driver.MemoryProperties
	limits           driver.Limits
	memoryPriority   bool

	mutex      sync.RWMutex
	nextHandle uint64
	memory     *swiss.Map[driver.MemoryHandle, core1_0.DeviceMemory]
	buffers    *swiss.Map[driver.BufferHandle, core1_0.Buffer]
	images     *swiss.Map[driver.ImageHandle, core1_0.Image]
}

var _ driver.Driver = &Driver{}

// New reads the physical device's memory layout and limits and returns a Driver that allocates from device.
// Memory priorities are forwarded only if ext_memory_priority is active on the device.
func New(physicalDevice PhysicalDevice, device Device, options Options) (*Driver, error) {
	if physicalDevice == nil || device == nil {
		return nil, errors.New("vkdriver.New requires a physical device and a device")
	}

	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read physical device properties")
	}
	if properties.Limits == nil {
		return nil, errors.New("physical device properties did not include limits")
	}

	limits := driver.Limits{
		BufferImageGranularity:   properties.Limits.BufferImageGranularity,
		NonCoherentAtomSize:      properties.Limits.NonCoherentAtomSize,
		MaxMemoryAllocationCount: properties.Limits.MaxMemoryAllocationCount,
	}
	if err := memutils.CheckPow2(uint(limits.BufferImageGranularity), "device BufferImageGranularity"); err != nil {
		return nil, err
	}
	if err := memutils.CheckPow2(uint(limits.NonCoherentAtomSize), "device NonCoherentAtomSize"); err != nil {
		return nil, err
	}

	return &Driver{
		device:           device,
		callbacks:        options.AllocationCallbacks,
		options:          options,
		memoryProperties: convertMemoryProperties(physicalDevice.MemoryProperties()),
		limits:           limits,
		memoryPriority:   device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName),

		memory:  swiss.NewMap[driver.MemoryHandle, core1_0.DeviceMemory](16),
		buffers: swiss.NewMap[driver.BufferHandle, core1_0.Buffer](16),
		images:  swiss.NewMap[driver.ImageHandle, core1_0.Image](16),
	}, nil
}

func convertMemoryProperties(properties *core1_0.PhysicalDeviceMemoryProperties) driver.MemoryProperties {
	var out driver.MemoryProperties
	if properties == nil {
		return out
	}

	out.MemoryTypes = make([]driver.MemoryType, 0, len(properties.MemoryTypes))
	for _, memoryType := range properties.MemoryTypes {
		out.MemoryTypes = append(out.MemoryTypes, driver.MemoryType{
			PropertyFlags: driver.MemoryPropertyFlags(memoryType.PropertyFlags),
			HeapIndex:     memoryType.HeapIndex,
		})
	}

	out.MemoryHeaps = make([]driver.MemoryHeap, 0, len(properties.MemoryHeaps))
	for _, heap := range properties.MemoryHeaps {
		out.MemoryHeaps = append(out.MemoryHeaps, driver.MemoryHeap{
			Size:  heap.Size,
			Flags: driver.MemoryHeapFlags(heap.Flags),
		})
	}

	return out
}

// translateResult marks a failed call's error with the driver sentinel matching its result code
func translateResult(res common.VkResult, err error) error {
	if err == nil {
		return nil
	}

	switch res {
	case core1_0.VKErrorOutOfDeviceMemory:
		return errors.Mark(err, driver.ErrOutOfDeviceMemory)
	case core1_0.VKErrorOutOfHostMemory:
		return errors.Mark(err, driver.ErrOutOfHostMemory)
	case core1_0.VKErrorTooManyObjects:
		return errors.Mark(err, driver.ErrTooManyObjects)
	case core1_0.VKErrorMemoryMapFailed:
		return errors.Mark(err, driver.ErrMemoryMapFailed)
	case core1_0.VKErrorFormatNotSupported, core1_0.VKErrorFeatureNotPresent:
		return errors.Mark(err, driver.ErrInvalidParameter)
	}

	return err
}

// memoryAllocateInfo builds the core allocate info, chaining a priority when the extension is active
func (d *Driver) memoryAllocateInfo(info driver.MemoryAllocateInfo) core1_0.MemoryAllocateInfo {
	allocateInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  info.Size,
		MemoryTypeIndex: info.MemoryTypeIndex,
	}

	if d.memoryPriority {
		allocateInfo.Next = ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: info.Priority,
		}
	}

	return allocateInfo
}

func (d *Driver) handle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

func (d *Driver) MemoryProperties() driver.MemoryProperties {
	return driver.MemoryProperties{
		MemoryTypes: append([]driver.MemoryType(nil), d.memoryProperties.MemoryTypes...),
		MemoryHeaps: append([]driver.MemoryHeap(nil), d.memoryProperties.MemoryHeaps...),
	}
}

func (d *Driver) Limits() driver.Limits {
	return d.limits
}

func (d *Driver) AllocateMemory(info driver.MemoryAllocateInfo) (driver.MemoryHandle, error) {
	if info.MemoryTypeIndex < 0 || info.MemoryTypeIndex >= len(d.memoryProperties.MemoryTypes) {
		return driver.NullMemory, errors.Mark(errors.Newf("memory type index %d does not exist", info.MemoryTypeIndex), driver.ErrInvalidParameter)
	}

	memory, res, err := d.device.AllocateMemory(d.callbacks, d.memoryAllocateInfo(info))
	if err != nil {
		return driver.NullMemory, translateResult(res, err)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.MemoryHandle(d.handle())
	d.memory.Put(handle, memory)
	return handle, nil
}

func (d *Driver) lookupMemory(memory driver.MemoryHandle) (core1_0.DeviceMemory, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	obj, ok := d.memory.Get(memory)
	if !ok {
		return nil, errors.Mark(errors.Newf("memory handle %d does not exist", memory), driver.ErrInvalidParameter)
	}
	return obj, nil
}

func (d *Driver) FreeMemory(memory driver.MemoryHandle) {
	d.mutex.Lock()
	obj, ok := d.memory.Get(memory)
	d.memory.Delete(memory)
	d.mutex.Unlock()

	if !ok {
		panic("attempted to free a memory object that does not exist")
	}

	obj.Free(d.callbacks)
}

func (d *Driver) MapMemory(memory driver.MemoryHandle, offset int, size int) (unsafe.Pointer, error) {
	obj, err := d.lookupMemory(memory)
	if err != nil {
		return nil, err
	}

	if size == driver.WholeSize {
		size = common.WholeSize
	}

	data, res, err := obj.Map(offset, size, 0)
	if err != nil {
		return nil, translateResult(res, err)
	}
	return data, nil
}

func (d *Driver) UnmapMemory(memory driver.MemoryHandle) {
	obj, err := d.lookupMemory(memory)
	if err != nil {
		panic(err)
	}

	obj.Unmap()
}

func (d *Driver) mappedMemoryRanges(ranges []driver.MappedMemoryRange) ([]core1_0.MappedMemoryRange, error) {
	out := make([]core1_0.MappedMemoryRange, 0, len(ranges))
	for _, memRange := range ranges {
		obj, err := d.lookupMemory(memRange.Memory)
		if err != nil {
			return nil, err
		}

		size := memRange.Size
		if size == driver.WholeSize {
			size = common.WholeSize
		}

		out = append(out, core1_0.MappedMemoryRange{
			Memory: obj,
			Offset: memRange.Offset,
			Size:   size,
		})
	}

	return out, nil
}

func (d *Driver) FlushMappedMemoryRanges(ranges []driver.MappedMemoryRange) error {
	coreRanges, err := d.mappedMemoryRanges(ranges)
	if err != nil {
		return err
	}

	return translateResult(d.device.FlushMappedMemoryRanges(coreRanges))
}

func (d *Driver) InvalidateMappedMemoryRanges(ranges []driver.MappedMemoryRange) error {
	coreRanges, err := d.mappedMemoryRanges(ranges)
	if err != nil {
		return err
	}

	return translateResult(d.device.InvalidateMappedMemoryRanges(coreRanges))
}

// RegisterBuffer hands a buffer created outside the Driver to it, so the allocator can allocate for and
// bind it. The Driver takes ownership and destroys the buffer in DestroyBuffer.
func (d *Driver) RegisterBuffer(buffer core1_0.Buffer) driver.BufferHandle {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.BufferHandle(d.handle())
	d.buffers.Put(handle, buffer)
	return handle
}

// Buffer returns the core1_0.Buffer behind a handle, or nil if the handle is unknown
func (d *Driver) Buffer(buffer driver.BufferHandle) core1_0.Buffer {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	obj, _ := d.buffers.Get(buffer)
	return obj
}

func (d *Driver) lookupBuffer(buffer driver.BufferHandle) (core1_0.Buffer, error) {
	obj := d.Buffer(buffer)
	if obj == nil {
		return nil, errors.Mark(errors.Newf("buffer handle %d does not exist", buffer), driver.ErrInvalidParameter)
	}
	return obj, nil
}

func (d *Driver) CreateBuffer(info driver.BufferCreateInfo) (driver.BufferHandle, error) {
	if info.Size < 1 {
		return driver.NullBuffer, errors.Mark(errors.Newf("invalid buffer size %d", info.Size), driver.ErrInvalidParameter)
	}

	buffer, res, err := d.device.CreateBuffer(d.callbacks, core1_0.BufferCreateInfo{
		Size:        info.Size,
		Usage:       core1_0.BufferUsageFlags(info.Usage),
		SharingMode: d.options.BufferSharingMode,
	})
	if err != nil {
		return driver.NullBuffer, translateResult(res, err)
	}

	return d.RegisterBuffer(buffer), nil
}

func (d *Driver) DestroyBuffer(buffer driver.BufferHandle) {
	d.mutex.Lock()
	obj, ok := d.buffers.Get(buffer)
	d.buffers.Delete(buffer)
	d.mutex.Unlock()

	if ok {
		obj.Destroy(d.callbacks)
	}
}

func convertMemoryRequirements(requirements *core1_0.MemoryRequirements) driver.MemoryRequirements {
	return driver.MemoryRequirements{
		Size:           requirements.Size,
		Alignment:      uint(requirements.Alignment),
		MemoryTypeBits: requirements.MemoryTypeBits,
	}
}

func (d *Driver) BufferMemoryRequirements(buffer driver.BufferHandle) (driver.MemoryRequirements, error) {
	obj, err := d.lookupBuffer(buffer)
	if err != nil {
		return driver.MemoryRequirements{}, err
	}

	return convertMemoryRequirements(obj.MemoryRequirements()), nil
}

func (d *Driver) BindBufferMemory(buffer driver.BufferHandle, memory driver.MemoryHandle, offset int) error {
	obj, err := d.lookupBuffer(buffer)
	if err != nil {
		return err
	}

	mem, err := d.lookupMemory(memory)
	if err != nil {
		return err
	}

	return translateResult(obj.BindBufferMemory(mem, offset))
}

// RegisterImage hands an image created outside the Driver to it, so the allocator can allocate for and
// bind it. The Driver takes ownership and destroys the image in DestroyImage.
func (d *Driver) RegisterImage(image core1_0.Image) driver.ImageHandle {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	handle := driver.ImageHandle(d.handle())
	d.images.Put(handle, image)
	return handle
}

// Image returns the core1_0.Image behind a handle, or nil if the handle is unknown
func (d *Driver) Image(image driver.ImageHandle) core1_0.Image {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	obj, _ := d.images.Get(image)
	return obj
}

func (d *Driver) lookupImage(image driver.ImageHandle) (core1_0.Image, error) {
	obj := d.Image(image)
	if obj == nil {
		return nil, errors.Mark(errors.Newf("image handle %d does not exist", image), driver.ErrInvalidParameter)
	}
	return obj, nil
}

// imageCreateInfo converts an image request into core create info. Depth above 1 selects a 3D image.
func (d *Driver) imageCreateInfo(info driver.ImageCreateInfo) (core1_0.ImageCreateInfo, error) {
	if info.Width < 1 || info.Height < 1 || info.Depth < 1 || info.MipLevels < 1 || info.ArrayLayers < 1 {
		return core1_0.ImageCreateInfo{}, errors.Mark(errors.Newf("invalid image dimensions %dx%dx%d with %d mip levels and %d array layers",
			info.Width, info.Height, info.Depth, info.MipLevels, info.ArrayLayers), driver.ErrInvalidParameter)
	}

	imageType := core1_0.ImageType2D
	if info.Depth > 1 {
		imageType = core1_0.ImageType3D
	}

	tiling := core1_0.ImageTilingOptimal
	if info.Tiling == driver.ImageTilingLinear {
		tiling = core1_0.ImageTilingLinear
	}

	format := core1_0.Format(info.Format)
	if format == 0 {
		format = d.options.ImageFormat
	}

	return core1_0.ImageCreateInfo{
		ImageType: imageType,
		Format:    format,
		Extent: core1_0.Extent3D{
			Width:  info.Width,
			Height: info.Height,
			Depth:  info.Depth,
		},
		MipLevels:     info.MipLevels,
		ArrayLayers:   info.ArrayLayers,
		Samples:       core1_0.Samples1,
		Tiling:        tiling,
		Usage:         core1_0.ImageUsageFlags(info.Usage),
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	}, nil
}

func (d *Driver) CreateImage(info driver.ImageCreateInfo) (driver.ImageHandle, error) {
	createInfo, err := d.imageCreateInfo(info)
	if err != nil {
		return driver.NullImage, err
	}

	image, res, err := d.device.CreateImage(d.callbacks, createInfo)
	if err != nil {
		return driver.NullImage, translateResult(res, err)
	}

	return d.RegisterImage(image), nil
}

func (d *Driver) DestroyImage(image driver.ImageHandle) {
	d.mutex.Lock()
	obj, ok := d.images.Get(image)
	d.images.Delete(image)
	d.mutex.Unlock()

	if ok {
		obj.Destroy(d.callbacks)
	}
}

func (d *Driver) ImageMemoryRequirements(image driver.ImageHandle) (driver.MemoryRequirements, error) {
	obj, err := d.lookupImage(image)
	if err != nil {
		return driver.MemoryRequirements{}, err
	}

	return convertMemoryRequirements(obj.MemoryRequirements()), nil
}

func (d *Driver) BindImageMemory(image driver.ImageHandle, memory driver.MemoryHandle, offset int) error {
	obj, err := d.lookupImage(image)
	if err != nil {
		return err
	}

	mem, err := d.lookupMemory(memory)
	if err != nil {
		return err
	}

	return translateResult(obj.BindImageMemory(mem, offset))
}

// DeviceMemory returns the core1_0.DeviceMemory behind a handle, or nil if the handle is unknown
func (d *Driver) DeviceMemory(memory driver.MemoryHandle) core1_0.DeviceMemory {
	obj, _ := d.lookupMemory(memory)
	return obj
}
