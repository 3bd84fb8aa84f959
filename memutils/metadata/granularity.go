package metadata

import "github.com/vkngwrapper/devmem/memutils"

// MaxLowGranularity is the largest granularity that is satisfied by rounding the size and alignment
// of ambiguous allocations up front, instead of checking neighbours
const MaxLowGranularity uint = 256

// Granularity implements the buffer/image granularity rules for a block: linear and optimal resources
// that would share a page of Granularity bytes must not be placed next to each other.
type Granularity struct {
	PageSize uint
}

// AllocationsConflict reports whether two resource types may not share a granularity page
func (g Granularity) AllocationsConflict(first, second SuballocationType) bool {
	if first > second {
		first, second = second, first
	}

	switch first {
	case SuballocationFree:
		return false
	case SuballocationUnknown:
		return true
	case SuballocationBuffer:
		return second == SuballocationImageUnknown || second == SuballocationImageOptimal
	case SuballocationImageUnknown:
		return second == SuballocationImageUnknown || second == SuballocationImageLinear ||
			second == SuballocationImageOptimal
	case SuballocationImageLinear:
		return second == SuballocationImageOptimal
	}

	return false
}

// RoundUpAllocRequest grows small-granularity requests of ambiguous type so that they cannot share a page
// with any neighbour
func (g Granularity) RoundUpAllocRequest(allocType SuballocationType, allocSize int, allocAlignment uint) (int, uint) {
	if g.PageSize > 1 && g.PageSize <= MaxLowGranularity &&
		(allocType == SuballocationUnknown ||
			allocType == SuballocationImageUnknown ||
			allocType == SuballocationImageOptimal) {

		if allocAlignment < g.PageSize {
			allocAlignment = g.PageSize
		}

		allocSize = memutils.AlignUp(allocSize, g.PageSize)
	}

	return allocSize, allocAlignment
}

func (g Granularity) enabled() bool {
	return g.PageSize > 1
}

// conflictsBefore reports whether an allocation at offset would share a page with a conflicting
// allocation that ends before it
func (g Granularity) conflictsBefore(prev *region, offset int, allocType SuballocationType) bool {
	if !g.enabled() || prev == nil || prev.free() {
		return false
	}
	return memutils.BlocksOnSamePage(prev.offset, prev.size, offset, g.PageSize) &&
		g.AllocationsConflict(prev.allocType, allocType)
}

// conflictsAfter reports whether an allocation at offset/size would share a page with a conflicting
// allocation that begins after it
func (g Granularity) conflictsAfter(next *region, offset, size int, allocType SuballocationType) bool {
	if !g.enabled() || next == nil || next.free() {
		return false
	}
	return memutils.BlocksOnSamePage(offset, size, next.offset, g.PageSize) &&
		g.AllocationsConflict(allocType, next.allocType)
}
