package vkdriver

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"go.uber.org/mock/gomock"
)

type staticPhysicalDevice struct {
	properties core1_0.PhysicalDeviceProperties
	memory     core1_0.PhysicalDeviceMemoryProperties
}

func (d *staticPhysicalDevice) Properties() (*core1_0.PhysicalDeviceProperties, error) {
	return &d.properties, nil
}

func (d *staticPhysicalDevice) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &d.memory
}

func readyPhysicalDevice() *staticPhysicalDevice {
	return &staticPhysicalDevice{
		properties: core1_0.PhysicalDeviceProperties{
			DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
			Limits: &core1_0.PhysicalDeviceLimits{
				BufferImageGranularity:   1024,
				NonCoherentAtomSize:      64,
				MaxMemoryAllocationCount: 4096,
			},
		},
		memory: core1_0.PhysicalDeviceMemoryProperties{
			MemoryTypes: []core1_0.MemoryType{
				{
					PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
					HeapIndex:     0,
				},
				{
					PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
					HeapIndex:     1,
				},
			},
			MemoryHeaps: []core1_0.MemoryHeap{
				{
					Size:  1000000,
					Flags: core1_0.MemoryHeapDeviceLocal,
				},
				{
					Size:  500000,
					Flags: 0,
				},
			},
		},
	}
}

func TestNew_ConvertsMemoryLayout(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, _, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	drv, err := New(readyPhysicalDevice(), device, Options{})
	require.NoError(t, err)
	require.False(t, drv.memoryPriority)

	require.Equal(t, driver.MemoryProperties{
		MemoryTypes: []driver.MemoryType{
			{PropertyFlags: driver.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
		MemoryHeaps: []driver.MemoryHeap{
			{Size: 1000000, Flags: driver.MemoryHeapDeviceLocal},
			{Size: 500000},
		},
	}, drv.MemoryProperties())

	require.Equal(t, driver.Limits{
		BufferImageGranularity:   1024,
		NonCoherentAtomSize:      64,
		MaxMemoryAllocationCount: 4096,
	}, drv.Limits())
}

func TestNew_InvalidLimits(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, _, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	physicalDevice := readyPhysicalDevice()
	physicalDevice.properties.Limits.NonCoherentAtomSize = 48

	_, err := New(physicalDevice, device, Options{})
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	physicalDevice.properties.Limits = nil
	_, err = New(physicalDevice, device, Options{})
	require.Error(t, err)

	_, err = New(nil, device, Options{})
	require.Error(t, err)
}

func TestAllocateMemory_Priority(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, _, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{ext_memory_priority.ExtensionName})

	drv, err := New(readyPhysicalDevice(), device, Options{})
	require.NoError(t, err)
	require.True(t, drv.memoryPriority)

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 1,
		AllocationSize:  4096,
		NextOptions: common.NextOptions{
			Next: ext_memory_priority.MemoryPriorityAllocateInfo{
				Priority: 0.75,
			},
		},
	}).Return(memory, core1_0.VKSuccess, nil)

	handle, err := drv.AllocateMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 1, Size: 4096, Priority: 0.75})
	require.NoError(t, err)
	require.NotEqual(t, driver.NullMemory, handle)
	require.Equal(t, memory, drv.DeviceMemory(handle))

	data := make([]byte, 4096)
	memory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(unsafe.Pointer(&data[0]), core1_0.VKSuccess, nil)
	memory.EXPECT().Unmap()
	memory.EXPECT().Free(gomock.Nil())

	ptr, err := drv.MapMemory(handle, 0, driver.WholeSize)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&data[0]), ptr)

	drv.UnmapMemory(handle)
	drv.FreeMemory(handle)
	require.Nil(t, drv.DeviceMemory(handle))
}

func TestAllocateMemory_NoPriority(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, _, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	drv, err := New(readyPhysicalDevice(), device, Options{})
	require.NoError(t, err)

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 0,
		AllocationSize:  2048,
	}).Return(memory, core1_0.VKSuccess, nil)

	handle, err := drv.AllocateMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 0, Size: 2048, Priority: 1})
	require.NoError(t, err)

	memory.EXPECT().Free(gomock.Nil())
	drv.FreeMemory(handle)
}

func TestAllocateMemory_Failures(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, _, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	drv, err := New(readyPhysicalDevice(), device, Options{})
	require.NoError(t, err)

	_, err = drv.AllocateMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 2, Size: 2048})
	require.True(t, errors.Is(err, driver.ErrInvalidParameter))

	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError())
	_, err = drv.AllocateMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 0, Size: 2048})
	require.True(t, errors.Is(err, driver.ErrOutOfDeviceMemory))

	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError())
	_, err = drv.AllocateMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 0, Size: 2048})
	require.True(t, errors.Is(err, driver.ErrTooManyObjects))

	_, err = drv.MapMemory(driver.MemoryHandle(77), 0, driver.WholeSize)
	require.True(t, errors.Is(err, driver.ErrInvalidParameter))
}

func TestTranslateResult(t *testing.T) {
	testCases := map[string]struct {
		res      common.VkResult
		sentinel error
	}{
		"OutOfDeviceMemory": {res: core1_0.VKErrorOutOfDeviceMemory, sentinel: driver.ErrOutOfDeviceMemory},
		"OutOfHostMemory":   {res: core1_0.VKErrorOutOfHostMemory, sentinel: driver.ErrOutOfHostMemory},
		"TooManyObjects":    {res: core1_0.VKErrorTooManyObjects, sentinel: driver.ErrTooManyObjects},
		"MemoryMapFailed":   {res: core1_0.VKErrorMemoryMapFailed, sentinel: driver.ErrMemoryMapFailed},
		"FormatUnsupported": {res: core1_0.VKErrorFormatNotSupported, sentinel: driver.ErrInvalidParameter},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			err := translateResult(testCase.res, testCase.res.ToError())
			require.True(t, errors.Is(err, testCase.sentinel))
		})
	}

	require.NoError(t, translateResult(core1_0.VKSuccess, nil))

	err := translateResult(core1_0.VKErrorUnknown, core1_0.VKErrorUnknown.ToError())
	require.Error(t, err)
	require.False(t, errors.Is(err, driver.ErrOutOfDeviceMemory))
}

func TestFlushAndInvalidate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, _, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	drv, err := New(readyPhysicalDevice(), device, Options{})
	require.NoError(t, err)

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)

	handle, err := drv.AllocateMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 1, Size: 4096})
	require.NoError(t, err)

	device.EXPECT().FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{Memory: memory, Offset: 0, Size: 128},
		{Memory: memory, Offset: 1024, Size: common.WholeSize},
	}).Return(core1_0.VKSuccess, nil)
	device.EXPECT().InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{Memory: memory, Offset: 512, Size: 64},
	}).Return(core1_0.VKErrorOutOfHostMemory, core1_0.VKErrorOutOfHostMemory.ToError())

	require.NoError(t, drv.FlushMappedMemoryRanges([]driver.MappedMemoryRange{
		{Memory: handle, Offset: 0, Size: 128},
		{Memory: handle, Offset: 1024, Size: driver.WholeSize},
	}))

	err = drv.InvalidateMappedMemoryRanges([]driver.MappedMemoryRange{
		{Memory: handle, Offset: 512, Size: 64},
	})
	require.True(t, errors.Is(err, driver.ErrOutOfHostMemory))

	err = drv.FlushMappedMemoryRanges([]driver.MappedMemoryRange{
		{Memory: handle + 1, Offset: 0, Size: 64},
	})
	require.True(t, errors.Is(err, driver.ErrInvalidParameter))

	memory.EXPECT().Free(gomock.Nil())
	drv.FreeMemory(handle)
}

func TestBufferLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, _, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	drv, err := New(readyPhysicalDevice(), device, Options{})
	require.NoError(t, err)

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)
	memHandle, err := drv.AllocateMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 0, Size: 65536})
	require.NoError(t, err)

	buffer := mocks.NewMockBuffer(ctrl)
	device.EXPECT().CreateBuffer(gomock.Any(), core1_0.BufferCreateInfo{
		Size:        1000,
		Usage:       core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageTransferDst,
		SharingMode: core1_0.SharingModeExclusive,
	}).Return(buffer, core1_0.VKSuccess, nil)

	bufferHandle, err := drv.CreateBuffer(driver.BufferCreateInfo{
		Size:  1000,
		Usage: uint32(core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageTransferDst),
	})
	require.NoError(t, err)
	require.Equal(t, buffer, drv.Buffer(bufferHandle))

	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           1024,
		Alignment:      256,
		MemoryTypeBits: 3,
	})
	requirements, err := drv.BufferMemoryRequirements(bufferHandle)
	require.NoError(t, err)
	require.Equal(t, driver.MemoryRequirements{Size: 1024, Alignment: 256, MemoryTypeBits: 3}, requirements)

	buffer.EXPECT().BindBufferMemory(memory, 4096).Return(core1_0.VKSuccess, nil)
	require.NoError(t, drv.BindBufferMemory(bufferHandle, memHandle, 4096))

	err = drv.BindBufferMemory(bufferHandle, memHandle+1, 0)
	require.True(t, errors.Is(err, driver.ErrInvalidParameter))

	buffer.EXPECT().Destroy(gomock.Nil())
	drv.DestroyBuffer(bufferHandle)
	require.Nil(t, drv.Buffer(bufferHandle))

	_, err = drv.BufferMemoryRequirements(bufferHandle)
	require.True(t, errors.Is(err, driver.ErrInvalidParameter))

	_, err = drv.CreateBuffer(driver.BufferCreateInfo{Size: 0})
	require.True(t, errors.Is(err, driver.ErrInvalidParameter))

	memory.EXPECT().Free(gomock.Nil())
	drv.FreeMemory(memHandle)
}

func TestImageLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, _, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	drv, err := New(readyPhysicalDevice(), device, Options{ImageFormat: core1_0.FormatR8G8B8A8UnsignedNormalized})
	require.NoError(t, err)

	image := mocks.NewMockImage(ctrl)
	device.EXPECT().CreateImage(gomock.Any(), core1_0.ImageCreateInfo{
		ImageType:     core1_0.ImageType2D,
		Format:        core1_0.FormatR8G8B8A8UnsignedNormalized,
		Extent:        core1_0.Extent3D{Width: 256, Height: 128, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       core1_0.Samples1,
		Tiling:        core1_0.ImageTilingLinear,
		Usage:         core1_0.ImageUsageSampled,
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	}).Return(image, core1_0.VKSuccess, nil)

	imageHandle, err := drv.CreateImage(driver.ImageCreateInfo{
		Width:       256,
		Height:      128,
		Depth:       1,
		MipLevels:   1,
		ArrayLayers: 1,
		Tiling:      driver.ImageTilingLinear,
		Usage:       uint32(core1_0.ImageUsageSampled),
	})
	require.NoError(t, err)
	require.Equal(t, image, drv.Image(imageHandle))

	image.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           131072,
		Alignment:      4096,
		MemoryTypeBits: 1,
	})
	requirements, err := drv.ImageMemoryRequirements(imageHandle)
	require.NoError(t, err)
	require.Equal(t, driver.MemoryRequirements{Size: 131072, Alignment: 4096, MemoryTypeBits: 1}, requirements)

	image.EXPECT().Destroy(gomock.Nil())
	drv.DestroyImage(imageHandle)
	require.Nil(t, drv.Image(imageHandle))

	_, err = drv.CreateImage(driver.ImageCreateInfo{Width: 16, Height: 16, Depth: 1, MipLevels: 0, ArrayLayers: 1})
	require.True(t, errors.Is(err, driver.ErrInvalidParameter))
}

func TestImageCreateInfo_Volume(t *testing.T) {
	drv := &Driver{}

	createInfo, err := drv.imageCreateInfo(driver.ImageCreateInfo{
		Width:       32,
		Height:      32,
		Depth:       8,
		MipLevels:   3,
		ArrayLayers: 1,
		Format:      uint32(core1_0.FormatR16SignedFloat),
	})
	require.NoError(t, err)
	require.Equal(t, core1_0.ImageType3D, createInfo.ImageType)
	require.Equal(t, core1_0.ImageTilingOptimal, createInfo.Tiling)
	require.Equal(t, core1_0.FormatR16SignedFloat, createInfo.Format)
	require.Equal(t, core1_0.Extent3D{Width: 32, Height: 32, Depth: 8}, createInfo.Extent)
	require.Equal(t, 3, createInfo.MipLevels)
}

func TestRegisterBuffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, _, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	drv, err := New(readyPhysicalDevice(), device, Options{})
	require.NoError(t, err)

	first := drv.RegisterBuffer(mocks.NewMockBuffer(ctrl))
	second := drv.RegisterBuffer(mocks.NewMockBuffer(ctrl))
	require.NotEqual(t, first, second)
	require.NotEqual(t, driver.NullBuffer, first)

	drv.mutex.RLock()
	require.Equal(t, 2, drv.buffers.Count())
	drv.mutex.RUnlock()
}
