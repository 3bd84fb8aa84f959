package allocator

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devmem/driver"
)

var (
	// ErrNoCompatibleMemoryType is returned when no memory type satisfies both the compatibility mask
	// and the required property flags of a request. Retrying the same request will not help.
	ErrNoCompatibleMemoryType = errors.New("no compatible memory type")
	// ErrDeviceOutOfMemory is returned when device memory is exhausted, either by the driver or by a heap
	// budget, and no eviction could make room
	ErrDeviceOutOfMemory = errors.New("out of device memory")
	// ErrHostOutOfMemory is returned when the driver could not allocate host-side bookkeeping
	ErrHostOutOfMemory = errors.New("out of host memory")
	// ErrAllocationLost is returned when an allocation that was evicted is touched or mapped
	ErrAllocationLost = errors.New("allocation lost")
	// ErrMemoryCorruptionDetected is returned when a corruption guard around an allocation has been
	// overwritten. A *CorruptionError describing the allocation can be retrieved with errors.As.
	ErrMemoryCorruptionDetected = errors.New("memory corruption detected")
	// ErrInvalidUsage is returned when the caller breaks the allocator's usage rules
	ErrInvalidUsage = errors.New("invalid usage")

	errNoSuitableRegion = errors.New("no suitable region")
)

func usageErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidUsage)
}

func outOfMemoryErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrDeviceOutOfMemory)
}

// wrapDriverError wraps an error returned by the driver and marks it with the sentinel that matches
// its driver classification
func wrapDriverError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	wrapped := errors.Wrapf(err, format, args...)

	switch {
	case errors.Is(err, driver.ErrOutOfDeviceMemory), errors.Is(err, driver.ErrTooManyObjects):
		return errors.Mark(wrapped, ErrDeviceOutOfMemory)
	case errors.Is(err, driver.ErrOutOfHostMemory):
		return errors.Mark(wrapped, ErrHostOutOfMemory)
	case errors.Is(err, driver.ErrMemoryMapFailed), errors.Is(err, driver.ErrInvalidParameter):
		return errors.Mark(wrapped, ErrInvalidUsage)
	}

	return wrapped
}

// isOutOfMemory reports whether an error indicates that retrying elsewhere might succeed
func isOutOfMemory(err error) bool {
	return errors.Is(err, ErrDeviceOutOfMemory) || errors.Is(err, driver.ErrOutOfDeviceMemory) ||
		errors.Is(err, driver.ErrTooManyObjects) || errors.Is(err, errNoSuitableRegion)
}

// CorruptionError describes a single overwritten corruption guard
type CorruptionError struct {
	// Name is the name of the allocation the guard belongs to, or empty
	Name string
	// MemoryTypeIndex is the memory type of the block containing the allocation
	MemoryTypeIndex int
	// BlockID is the id of the block containing the allocation
	BlockID int
	// Offset is the allocation's offset within the block
	Offset int
	// Size is the allocation's size in bytes
	Size int
	// Before is true if the guard in front of the allocation was overwritten, false if the guard after it was
	Before bool
}

func (e *CorruptionError) Error() string {
	side := "after"
	if e.Before {
		side = "before"
	}

	name := e.Name
	if name == "" {
		name = "unnamed allocation"
	}

	return fmt.Sprintf("corruption guard %s %s (memory type %d, block %d, offset %d, size %d) was overwritten",
		side, name, e.MemoryTypeIndex, e.BlockID, e.Offset, e.Size)
}

func newCorruptionError(alloc *Allocation, block *deviceMemoryBlock, offset, size int, before bool) error {
	return errors.Mark(&CorruptionError{
		Name:            alloc.Name(),
		MemoryTypeIndex: block.memoryTypeIndex,
		BlockID:         block.id,
		Offset:          offset,
		Size:            size,
		Before:          before,
	}, ErrMemoryCorruptionDetected)
}
