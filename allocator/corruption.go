package allocator

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/memutils/metadata"
	"golang.org/x/exp/slog"
)

// aggregateCorruption folds several corruption errors into a single error that still matches
// ErrMemoryCorruptionDetected
func aggregateCorruption(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}

	var result *multierror.Error
	result = multierror.Append(result, errs...)
	return errors.Mark(result.ErrorOrNil(), ErrMemoryCorruptionDetected)
}

// combineErrors returns nil, the only error, or a multierror holding all of them
func combineErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}

	var result *multierror.Error
	result = multierror.Append(result, errs...)
	return result.ErrorOrNil()
}

// writeAllocationGuards writes the magic value into the margins on both sides of a new allocation. The
// list lock must be held.
func (l *memoryBlockList) writeAllocationGuards(block *deviceMemoryBlock, offset, size int) error {
	data, err := block.memory.Map(1)
	if err != nil {
		return wrapDriverError(err, "failed to map block %d to write corruption guards", block.id)
	}

	memutils.WriteMagicValue(data, offset-l.debugMargin, l.debugMargin)
	memutils.WriteMagicValue(data, offset+size, l.debugMargin)

	return block.memory.Unmap(1)
}

// validateAllocationGuards checks both guards of an allocation that is about to be freed. Damaged guards are
// reported in the first return value; the second is reserved for failures to perform the check at all.
func (l *memoryBlockList) validateAllocationGuards(block *deviceMemoryBlock, alloc *Allocation) (error, error) {
	offset := alloc.FindOffset()

	data, err := block.memory.Map(1)
	if err != nil {
		return nil, wrapDriverError(err, "failed to map block %d to validate corruption guards", block.id)
	}

	corruptionErr := block.validateRegionGuards(data, alloc, offset, alloc.size)

	err = block.memory.Unmap(1)
	if err != nil {
		return nil, err
	}

	return corruptionErr, nil
}

func (b *deviceMemoryBlock) validateRegionGuards(data unsafe.Pointer, alloc *Allocation, offset, size int) error {
	var errs []error
	if !memutils.ValidateMagicValue(data, offset-b.debugMargin, b.debugMargin) {
		errs = append(errs, newCorruptionError(alloc, b, offset, size, true))
	}
	if !memutils.ValidateMagicValue(data, offset+size, b.debugMargin) {
		errs = append(errs, newCorruptionError(alloc, b, offset, size, false))
	}

	for _, err := range errs {
		b.logger.LogAttrs(context.Background(), slog.LevelError, "Memory corruption detected", slog.Any("error", err))
	}

	return aggregateCorruption(errs)
}

// CheckCorruption validates the guards of every allocation in the block
func (b *deviceMemoryBlock) CheckCorruption() error {
	data, err := b.memory.Map(1)
	if err != nil {
		return wrapDriverError(err, "failed to map block %d to validate corruption guards", b.id)
	}
	defer func() {
		_ = b.memory.Unmap(1)
	}()

	var errs []error
	err = b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			return nil
		}

		corruptionErr := b.validateRegionGuards(data, userData.(*Allocation), offset, size)
		if corruptionErr != nil {
			errs = append(errs, corruptionErr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return aggregateCorruption(errs)
}

// CheckCorruption validates the guards of every allocation in the list. It fails with ErrInvalidUsage if
// the list does not carry guards.
func (l *memoryBlockList) CheckCorruption() error {
	if !l.IsCorruptionDetectionEnabled() {
		return usageErrorf("corruption detection is not enabled for memory type %d", l.memoryTypeIndex)
	}

	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var errs []error
	for _, block := range l.blocks {
		err := block.CheckCorruption()
		if errors.Is(err, ErrMemoryCorruptionDetected) {
			errs = append(errs, err)
		} else if err != nil {
			return err
		}
	}

	return aggregateCorruption(errs)
}
