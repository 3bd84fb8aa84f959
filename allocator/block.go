package allocator

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devmem/allocator/internal/memory"
	"github.com/vkngwrapper/devmem/memutils/metadata"
	"golang.org/x/exp/slog"
)

// deviceMemoryBlock is a single driver memory object that is subdivided among many allocations
type deviceMemoryBlock struct {
	id              int
	memory          *memory.SynchronizedMemory
	parentList      *memoryBlockList
	memoryTypeIndex int
	logger          *slog.Logger

	// debugMargin is the corruption guard width around each allocation, 0 if guards are disabled
	debugMargin  int
	metadata     *metadata.FreeListBlockMetadata
	deviceMemory *memory.DeviceMemoryProperties
}

func (b *deviceMemoryBlock) Init(
	logger *slog.Logger,
	list *memoryBlockList,
	deviceMemory *memory.DeviceMemoryProperties,
	newMemoryTypeIndex int,
	newMemory *memory.SynchronizedMemory,
	newSize int,
	id int,
	bufferImageGranularity int,
	debugMargin int,
) {
	if b.memory != nil {
		panic("attempting to initialize a device memory block that is already in use")
	}

	b.parentList = list
	b.memoryTypeIndex = newMemoryTypeIndex
	b.id = id
	b.memory = newMemory
	b.deviceMemory = deviceMemory
	b.logger = logger
	b.debugMargin = debugMargin

	b.metadata = metadata.NewFreeListBlockMetadata(uint(bufferImageGranularity), debugMargin)
	b.metadata.Init(newSize)
}

// Destroy returns the block's memory to the driver. It fails, logging every leaked allocation, if the
// block still holds allocations.
func (b *deviceMemoryBlock) Destroy() error {
	if !b.metadata.IsEmpty() {
		b.logUnreleasedAllocations()
		return errors.Newf("memory block %d of memory type %d still holds %d allocations", b.id, b.memoryTypeIndex, b.metadata.AllocationCount())
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing memory handle")
	}

	b.deviceMemory.FreeDeviceMemory(b.memoryTypeIndex, b.metadata.Size(), b.memory)

	b.memory = nil
	b.metadata = nil
	b.parentList = nil
	return nil
}

func (b *deviceMemoryBlock) logUnreleasedAllocations() {
	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			return nil
		}

		b.logUnreleasedMemory(offset, size, userData)
		return nil
	})
	if err != nil {
		b.logger.LogAttrs(context.Background(),
			slog.LevelError,
			"[UNRELEASED MEMORY] error while iterating unreleased memory",
			slog.Any("error", err))
	}
}

func (b *deviceMemoryBlock) logUnreleasedMemory(offset, size int, userData any) {
	allocation := userData.(*Allocation)
	name := allocation.Name()
	if name == "" {
		name = "empty"
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("block.id", b.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", allocation.UserData()),
		slog.String("name", name),
	)
}

func (b *deviceMemoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}

	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		allocation, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Newf("a region at offset %d is marked as free but contains an allocation object", offset)
		} else if !free && (!isAllocation || allocation == nil) {
			return errors.Newf("a region at offset %d is marked as allocated but has no allocation object", offset)
		} else if !free && allocation.blockData.block != b {
			return errors.Newf("the allocation at offset %d does not point back at block %d", offset, b.id)
		}

		return nil
	})

	if err != nil {
		return err
	}

	return b.metadata.Validate()
}

func (b *deviceMemoryBlock) isMapped() bool {
	return b.memory.MappedData() != nil
}
