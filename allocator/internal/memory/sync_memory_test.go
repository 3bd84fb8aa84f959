package memory

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/driver/mocks"
	"github.com/vkngwrapper/devmem/driver/simdriver"
	"go.uber.org/mock/gomock"
)

func hostVisibleMemory(t *testing.T) (*simdriver.Driver, *SynchronizedMemory) {
	sim, err := simdriver.New(simdriver.DiscreteGPU())
	require.NoError(t, err)

	handle, err := sim.AllocateMemory(driver.MemoryAllocateInfo{MemoryTypeIndex: 1, Size: 1024})
	require.NoError(t, err)

	return sim, newSynchronizedMemory(sim, true, handle, 1024)
}

func TestSynchronizedMemory_MapReferences(t *testing.T) {
	sim, mem := hostVisibleMemory(t)

	first, err := mem.Map(1)
	require.NoError(t, err)
	require.True(t, sim.IsMapped(mem.Memory()))

	second, err := mem.Map(2)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 3, mem.References())

	require.NoError(t, mem.Unmap(2))
	require.True(t, sim.IsMapped(mem.Memory()))

	require.NoError(t, mem.Unmap(1))
	require.False(t, sim.IsMapped(mem.Memory()))
	require.Nil(t, mem.MappedData())

	require.Error(t, mem.Unmap(1))
}

func TestSynchronizedMemory_Hysteresis(t *testing.T) {
	sim, mem := hostVisibleMemory(t)
	mem.RecordSuballocSubfree()

	_, err := mem.Map(1)
	require.NoError(t, err)
	require.NoError(t, mem.Unmap(1))
	require.False(t, sim.IsMapped(mem.Memory()))

	for i := 0; i < 2; i++ {
		_, err = mem.Map(1)
		require.NoError(t, err)
		require.NoError(t, mem.Unmap(1))
	}

	// Frequent remapping keeps the memory persistently mapped
	require.True(t, sim.IsMapped(mem.Memory()))
	require.Equal(t, 1, mem.References())

	// Frequent suballocation without mapping releases it again
	for i := 0; i < int(MapDelay)*2; i++ {
		mem.RecordSuballocSubfree()
	}
	require.False(t, sim.IsMapped(mem.Memory()))
	require.Zero(t, mem.References())
}

func TestSynchronizedMemory_FreeUnmaps(t *testing.T) {
	sim, mem := hostVisibleMemory(t)

	_, err := mem.Map(1)
	require.NoError(t, err)

	mem.FreeMemory()
	require.Zero(t, sim.MemoryObjectCount())
}

func TestSynchronizedMemory_MapFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	drv := mocks.NewMockDriver(ctrl)
	mem := newSynchronizedMemory(drv, false, driver.MemoryHandle(5), 64)

	drv.EXPECT().MapMemory(driver.MemoryHandle(5), 0, driver.WholeSize).Return(unsafe.Pointer(nil), driver.ErrMemoryMapFailed)

	ptr, err := mem.Map(1)
	require.True(t, errors.Is(err, driver.ErrMemoryMapFailed))
	require.Nil(t, ptr)
	require.Zero(t, mem.References())

	var backing [64]byte
	drv.EXPECT().MapMemory(driver.MemoryHandle(5), 0, driver.WholeSize).Return(unsafe.Pointer(&backing[0]), nil)
	drv.EXPECT().UnmapMemory(driver.MemoryHandle(5))

	ptr, err = mem.Map(1)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&backing[0]), ptr)
	require.NoError(t, mem.Unmap(1))
}

func TestSynchronizedMemory_Bind(t *testing.T) {
	sim, mem := hostVisibleMemory(t)

	buffer, err := sim.CreateBuffer(driver.BufferCreateInfo{Size: 128})
	require.NoError(t, err)

	require.NoError(t, mem.BindBuffer(256, buffer))
	boundMem, offset, bound := sim.BufferBinding(buffer)
	require.True(t, bound)
	require.Equal(t, mem.Memory(), boundMem)
	require.Equal(t, 256, offset)
}
