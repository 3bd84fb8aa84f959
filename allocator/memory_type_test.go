package allocator

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/driver/simdriver"
)

func TestFindMemoryTypeIndex(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})

	testCases := []struct {
		name           string
		memoryTypeBits uint32
		createInfo     AllocationCreateInfo
		expected       int
	}{
		{
			name:       "DeviceOnly ties go to the smaller heap",
			createInfo: AllocationCreateInfo{Usage: MemoryUsageDeviceOnly},
			expected:   3,
		},
		{
			name:           "DeviceOnly within the mask",
			memoryTypeBits: typeBit(0) | typeBit(1),
			createInfo:     AllocationCreateInfo{Usage: MemoryUsageDeviceOnly},
			expected:       0,
		},
		{
			name:       "HostOnly",
			createInfo: AllocationCreateInfo{Usage: MemoryUsageHostOnly},
			expected:   3,
		},
		{
			name: "HostOnly avoiding device local",
			createInfo: AllocationCreateInfo{
				Usage:             MemoryUsageHostOnly,
				NotPreferredFlags: driver.MemoryPropertyDeviceLocal,
			},
			expected: 1,
		},
		{
			name:       "HostToDevice",
			createInfo: AllocationCreateInfo{Usage: MemoryUsageHostToDevice},
			expected:   3,
		},
		{
			name:       "DeviceToHost",
			createInfo: AllocationCreateInfo{Usage: MemoryUsageDeviceToHost},
			expected:   2,
		},
		{
			name: "Required flags only",
			createInfo: AllocationCreateInfo{
				RequiredFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCached,
			},
			expected: 2,
		},
		{
			name: "Create info mask narrows the requirement mask",
			createInfo: AllocationCreateInfo{
				Usage:          MemoryUsageDeviceOnly,
				MemoryTypeBits: typeBit(1) | typeBit(2),
			},
			expected: 1,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			memoryTypeIndex, err := allocator.FindMemoryTypeIndex(testCase.memoryTypeBits, testCase.createInfo)
			require.NoError(t, err)
			require.Equal(t, testCase.expected, memoryTypeIndex)
		})
	}
}

func TestFindMemoryTypeIndex_NoCompatibleType(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})

	_, err := allocator.FindMemoryTypeIndex(0, AllocationCreateInfo{
		RequiredFlags: driver.MemoryPropertyLazilyAllocated,
	})
	require.True(t, errors.Is(err, ErrNoCompatibleMemoryType))

	_, err = allocator.FindMemoryTypeIndex(typeBit(0), AllocationCreateInfo{
		Usage: MemoryUsageHostOnly,
	})
	require.True(t, errors.Is(err, ErrNoCompatibleMemoryType))

	// Allocation requests fail the same way
	_, err = allocator.AllocateMemory(driver.MemoryRequirements{Size: kib, Alignment: 1, MemoryTypeBits: typeBit(0)}, AllocationCreateInfo{
		Usage: MemoryUsageHostOnly,
	})
	require.True(t, errors.Is(err, ErrNoCompatibleMemoryType))
}

func TestFindMemoryTypeIndexForBufferInfo(t *testing.T) {
	options := testDeviceOptions()
	options.MemoryTypeBits = typeBit(1) | typeBit(2)
	drv, err := simdriver.New(options)
	require.NoError(t, err)

	allocator := readyAllocator(t, drv, CreateOptions{})

	memoryTypeIndex, err := allocator.FindMemoryTypeIndexForBufferInfo(driver.BufferCreateInfo{Size: 4096}, AllocationCreateInfo{
		Usage: MemoryUsageDeviceOnly,
	})
	require.NoError(t, err)
	require.Equal(t, 1, memoryTypeIndex)
	require.Zero(t, drv.BufferCount())

	memoryTypeIndex, err = allocator.FindMemoryTypeIndexForImageInfo(driver.ImageCreateInfo{
		Width:       32,
		Height:      32,
		Depth:       1,
		MipLevels:   1,
		ArrayLayers: 1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageDeviceToHost,
	})
	require.NoError(t, err)
	require.Equal(t, 2, memoryTypeIndex)
	require.Zero(t, drv.ImageCount())

	_, err = allocator.FindMemoryTypeIndexForImageInfo(driver.ImageCreateInfo{}, AllocationCreateInfo{})
	require.True(t, errors.Is(err, ErrInvalidUsage))
	require.True(t, errors.Is(err, driver.ErrInvalidParameter))
}

func TestAllocateMemory_MappedOnNonHostVisibleType(t *testing.T) {
	allocator := readyAllocator(t, readyDevice(t), CreateOptions{})

	alloc, err := allocator.AllocateMemory(driver.MemoryRequirements{Size: kib, Alignment: 1, MemoryTypeBits: typeBit(0)}, AllocationCreateInfo{
		Usage: MemoryUsageDeviceOnly,
		Flags: AllocationCreateMapped,
	})
	require.NoError(t, err)
	require.Nil(t, alloc.MappedData())
	require.False(t, alloc.IsMappingAllowed())

	require.NoError(t, allocator.FreeMemory(alloc))
	require.NoError(t, allocator.Destroy())
}
