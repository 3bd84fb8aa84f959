package allocator

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devmem/driver"
	"golang.org/x/exp/slog"
)

func (a *Allocator) findMemoryPreferences(o *AllocationCreateInfo) (requiredFlags, preferredFlags, notPreferredFlags driver.MemoryPropertyFlags) {
	requiredFlags = o.RequiredFlags
	preferredFlags = o.PreferredFlags
	notPreferredFlags = o.NotPreferredFlags

	switch o.Usage {
	case MemoryUsageDeviceOnly:
		preferredFlags |= driver.MemoryPropertyDeviceLocal
	case MemoryUsageHostOnly:
		requiredFlags |= driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent
	case MemoryUsageHostToDevice:
		requiredFlags |= driver.MemoryPropertyHostVisible
		preferredFlags |= driver.MemoryPropertyDeviceLocal
	case MemoryUsageDeviceToHost:
		requiredFlags |= driver.MemoryPropertyHostVisible
		preferredFlags |= driver.MemoryPropertyHostCached
	}

	return requiredFlags, preferredFlags, notPreferredFlags
}

// FindMemoryTypeIndex returns the memory type an allocation with the provided options would be placed in.
// A memoryTypeBits of 0 permits every memory type. ErrNoCompatibleMemoryType is returned if no permitted
// type carries the required flags.
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, o AllocationCreateInfo) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	if memoryTypeBits == 0 {
		memoryTypeBits = a.globalMemoryTypeBits
	}

	return a.findMemoryTypeIndex(memoryTypeBits, &o)
}

// FindMemoryTypeIndexForBufferInfo creates a temporary buffer to learn its memory requirements and returns
// the memory type a buffer with that description would be placed in
func (a *Allocator) FindMemoryTypeIndexForBufferInfo(bufferInfo driver.BufferCreateInfo, o AllocationCreateInfo) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndexForBufferInfo")

	memReqs, err := a.memoryRequirementsForBufferInfo(bufferInfo)
	if err != nil {
		return -1, err
	}

	return a.findMemoryTypeIndex(memReqs.MemoryTypeBits, &o)
}

// FindMemoryTypeIndexForImageInfo creates a temporary image to learn its memory requirements and returns
// the memory type an image with that description would be placed in
func (a *Allocator) FindMemoryTypeIndexForImageInfo(imageInfo driver.ImageCreateInfo, o AllocationCreateInfo) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndexForImageInfo")

	memReqs, err := a.memoryRequirementsForImageInfo(imageInfo)
	if err != nil {
		return -1, err
	}

	return a.findMemoryTypeIndex(memReqs.MemoryTypeBits, &o)
}

func (a *Allocator) memoryRequirementsForBufferInfo(bufferInfo driver.BufferCreateInfo) (driver.MemoryRequirements, error) {
	buffer, err := a.driver.CreateBuffer(bufferInfo)
	if err != nil {
		return driver.MemoryRequirements{}, wrapDriverError(err, "failed to create temporary buffer")
	}
	defer a.driver.DestroyBuffer(buffer)

	memReqs, err := a.driver.BufferMemoryRequirements(buffer)
	return memReqs, wrapDriverError(err, "failed to query temporary buffer requirements")
}

func (a *Allocator) memoryRequirementsForImageInfo(imageInfo driver.ImageCreateInfo) (driver.MemoryRequirements, error) {
	image, err := a.driver.CreateImage(imageInfo)
	if err != nil {
		return driver.MemoryRequirements{}, wrapDriverError(err, "failed to create temporary image")
	}
	defer a.driver.DestroyImage(image)

	memReqs, err := a.driver.ImageMemoryRequirements(image)
	return memReqs, wrapDriverError(err, "failed to query temporary image requirements")
}

func (a *Allocator) findMemoryTypeIndex(memoryTypeBits uint32, o *AllocationCreateInfo) (int, error) {
	memoryTypeBits &= a.globalMemoryTypeBits
	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	requiredFlags, preferredFlags, notPreferredFlags := a.findMemoryPreferences(o)

	bestMemoryTypeIndex := -1
	bestHeapSize := math.MaxInt
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1) << memTypeIndex

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags &^ flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		heapSize := a.deviceMemory.MemoryHeapProperties(a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)).Size

		// Ties go to the smallest heap, and then to the lowest index
		if cost < minCost || (cost == minCost && heapSize < bestHeapSize) {
			bestMemoryTypeIndex = memTypeIndex
			bestHeapSize = heapSize
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(ErrNoCompatibleMemoryType,
			"no memory type in %#x has the required flags %s", memoryTypeBits, requiredFlags.String())
	}

	a.logger.Debug("    Selected memory type",
		slog.Int("MemoryTypeIndex", bestMemoryTypeIndex),
		slog.Int("cost", minCost))

	return bestMemoryTypeIndex, nil
}
