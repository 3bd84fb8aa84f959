package metadata

import (
	"sync"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/devmem/memutils"
	"golang.org/x/exp/slices"
)

// region is one contiguous range of a block, either free or allocated. Regions form a doubly
// linked list in offset order that always covers the entire block.
type region struct {
	offset    int
	size      int
	allocType SuballocationType
	userData  any
	handle    BlockAllocationHandle
	// padding marks a free region that was split off the front of a larger one to satisfy alignment
	padding bool

	prev *region
	next *region
}

func (r *region) free() bool {
	return r.allocType == SuballocationFree
}

func (r *region) end() int {
	return r.offset + r.size
}

var regionAllocator = sync.Pool{
	New: func() any {
		return &region{}
	},
}

func newRegion(offset, size int) *region {
	r := regionAllocator.Get().(*region)
	*r = region{offset: offset, size: size, allocType: SuballocationFree, handle: NoAllocation}
	return r
}

func releaseRegion(r *region) {
	*r = region{}
	regionAllocator.Put(r)
}

// FreeListBlockMetadata is a BlockMetadata implementation that keeps every region of the block in an
// offset-ordered list and merges free neighbours on release. Free regions are additionally indexed by size
// so that best-fit and worst-fit lookups are logarithmic.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	head *region
	tail *region

	handles    *swiss.Map[BlockAllocationHandle, *region]
	freeBySize []*region
	nextHandle BlockAllocationHandle

	allocationCount int
	sumFreeSize     int
}

var _ BlockMetadata = &FreeListBlockMetadata{}

// NewFreeListBlockMetadata creates metadata that applies the given buffer/image granularity and reserves
// debugMargin guard bytes on each side of every allocation
func NewFreeListBlockMetadata(granularity uint, debugMargin int) *FreeListBlockMetadata {
	return &FreeListBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(granularity, debugMargin),
		nextHandle:        1,
	}
}

func (m *FreeListBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.reset()
}

func (m *FreeListBlockMetadata) reset() {
	for r := m.head; r != nil; {
		next := r.next
		releaseRegion(r)
		r = next
	}

	m.head = newRegion(0, m.size)
	m.tail = m.head
	m.freeBySize = append(m.freeBySize[:0], m.head)
	m.allocationCount = 0
	m.sumFreeSize = m.size
	m.handles = swiss.NewMap[BlockAllocationHandle, *region](42)
}

func (m *FreeListBlockMetadata) Clear() {
	m.reset()
}

func (m *FreeListBlockMetadata) AllocationCount() int { return m.allocationCount }

func (m *FreeListBlockMetadata) FreeRegionsCount() int { return len(m.freeBySize) }

func (m *FreeListBlockMetadata) SumFreeSize() int { return m.sumFreeSize }

func (m *FreeListBlockMetadata) IsEmpty() bool { return m.allocationCount == 0 }

func (m *FreeListBlockMetadata) LargestFreeRegion() int {
	if len(m.freeBySize) == 0 {
		return 0
	}
	return m.freeBySize[len(m.freeBySize)-1].size
}

func (m *FreeListBlockMetadata) MayHaveFreeBlock(allocType SuballocationType, size int) bool {
	return m.LargestFreeRegion() >= size+2*m.debugMargin
}

func compareFree(left, right *region) int {
	if left.size != right.size {
		return left.size - right.size
	}
	return left.offset - right.offset
}

func (m *FreeListBlockMetadata) insertFree(r *region) {
	index, _ := slices.BinarySearchFunc(m.freeBySize, r, compareFree)
	m.freeBySize = slices.Insert(m.freeBySize, index, r)
}

func (m *FreeListBlockMetadata) removeFree(r *region) {
	index, found := slices.BinarySearchFunc(m.freeBySize, r, compareFree)
	if !found || m.freeBySize[index] != r {
		panic(errors.Errorf("free region at offset %d with size %d is missing from the size index", r.offset, r.size))
	}
	m.freeBySize = slices.Delete(m.freeBySize, index, index+1)
}

func (m *FreeListBlockMetadata) insertAfter(anchor, r *region) {
	r.prev = anchor
	r.next = anchor.next
	if anchor.next != nil {
		anchor.next.prev = r
	} else {
		m.tail = r
	}
	anchor.next = r
}

func (m *FreeListBlockMetadata) insertBefore(anchor, r *region) {
	r.next = anchor
	r.prev = anchor.prev
	if anchor.prev != nil {
		anchor.prev.next = r
	} else {
		m.head = r
	}
	anchor.prev = r
}

func (m *FreeListBlockMetadata) unlink(r *region) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		m.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else {
		m.tail = r.prev
	}
	releaseRegion(r)
}

func (m *FreeListBlockMetadata) lookup(allocHandle BlockAllocationHandle) (*region, error) {
	r, ok := m.handles.Get(allocHandle)
	if !ok {
		return nil, errors.Errorf("allocation handle %d does not map to a live allocation", allocHandle)
	}
	return r, nil
}

// placeLow computes the lowest offset within free region r at which the allocation fits
func (m *FreeListBlockMetadata) placeLow(r *region, allocSize int, allocAlignment uint, allocType SuballocationType) (int, bool) {
	offset := memutils.AlignUp(r.offset+m.debugMargin, allocAlignment)
	if m.granularity.conflictsBefore(r.prev, offset, allocType) {
		offset = memutils.AlignUp(offset, m.granularity.PageSize)
	}

	if offset+allocSize+m.debugMargin > r.end() {
		return 0, false
	}

	if m.granularity.conflictsAfter(r.next, offset, allocSize, allocType) {
		return 0, false
	}

	return offset, true
}

// placeHigh computes the highest offset within free region r at which the allocation fits
func (m *FreeListBlockMetadata) placeHigh(r *region, allocSize int, allocAlignment uint, allocType SuballocationType) (int, bool) {
	top := r.end() - m.debugMargin - allocSize
	if top < 0 {
		return 0, false
	}
	offset := memutils.AlignDown(top, allocAlignment)
	if m.granularity.conflictsAfter(r.next, offset, allocSize, allocType) {
		offset = memutils.AlignDown(memutils.AlignDown(r.next.offset, m.granularity.PageSize)-allocSize, allocAlignment)
	}

	if offset < r.offset+m.debugMargin {
		return 0, false
	}

	if m.granularity.conflictsBefore(r.prev, offset, allocType) {
		return 0, false
	}

	return offset, true
}

func (m *FreeListBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	upperAddress bool,
	allocType SuballocationType,
	strategy AllocationStrategy,
	maxOffset int,
) (bool, AllocationRequest, error) {
	if allocSize < 1 {
		return false, AllocationRequest{}, errors.Errorf("invalid allocation size %d", allocSize)
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, AllocationRequest{}, err
	}

	allocSize, allocAlignment = m.granularity.RoundUpAllocRequest(allocType, allocSize, allocAlignment)
	if !m.MayHaveFreeBlock(allocType, allocSize) {
		return false, AllocationRequest{}, nil
	}

	request := AllocationRequest{
		Size:      allocSize,
		AllocType: allocType,
	}

	accept := func(r *region, offset int) (bool, AllocationRequest, error) {
		request.Offset = offset
		request.Padding = offset - r.offset
		request.region = r
		return true, request, nil
	}

	if upperAddress {
		for r := m.tail; r != nil; r = r.prev {
			if !r.free() || r.offset > maxOffset {
				continue
			}
			offset, ok := m.placeHigh(r, allocSize, allocAlignment, allocType)
			if ok && offset <= maxOffset {
				return accept(r, offset)
			}
		}
		return false, AllocationRequest{}, nil
	}

	switch strategy {
	case AllocationStrategyFirstFit, AllocationStrategyMinOffset:
		for r := m.head; r != nil && r.offset <= maxOffset; r = r.next {
			if !r.free() {
				continue
			}
			offset, ok := m.placeLow(r, allocSize, allocAlignment, allocType)
			if ok && offset <= maxOffset {
				return accept(r, offset)
			}
		}
	case AllocationStrategyWorstFit:
		for i := len(m.freeBySize) - 1; i >= 0; i-- {
			r := m.freeBySize[i]
			if r.size < allocSize {
				break
			}
			offset, ok := m.placeLow(r, allocSize, allocAlignment, allocType)
			if ok && offset <= maxOffset {
				return accept(r, offset)
			}
		}
	default:
		// Best fit: binary search for the smallest region that could possibly hold the request, then walk
		// up past candidates that fail once padding is applied
		start, _ := slices.BinarySearchFunc(m.freeBySize, allocSize, func(r *region, size int) int {
			return r.size - size
		})
		for i := start; i < len(m.freeBySize); i++ {
			r := m.freeBySize[i]
			offset, ok := m.placeLow(r, allocSize, allocAlignment, allocType)
			if ok && offset <= maxOffset {
				return accept(r, offset)
			}
		}
	}

	return false, AllocationRequest{}, nil
}

func (m *FreeListBlockMetadata) Alloc(request AllocationRequest, allocType SuballocationType, userData any) (BlockAllocationHandle, error) {
	r := request.region
	if r == nil || !r.free() || request.Offset < r.offset || request.Offset+request.Size > r.end() {
		return NoAllocation, errors.New("allocation request no longer maps to a free region that can hold it")
	}

	m.removeFree(r)

	front := request.Offset - r.offset
	if front > 0 {
		padding := newRegion(r.offset, front)
		padding.padding = true
		m.insertBefore(r, padding)
		m.insertFree(padding)
	}

	back := r.end() - (request.Offset + request.Size)
	if back > 0 {
		tail := newRegion(request.Offset+request.Size, back)
		m.insertAfter(r, tail)
		m.insertFree(tail)
	}

	r.offset = request.Offset
	r.size = request.Size
	r.allocType = allocType
	r.userData = userData
	r.padding = false
	r.handle = m.nextHandle
	m.nextHandle++

	m.handles.Put(r.handle, r)
	m.allocationCount++
	m.sumFreeSize -= request.Size

	memutils.DebugValidate(m)

	return r.handle, nil
}

func (m *FreeListBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	r, err := m.lookup(allocHandle)
	if err != nil {
		return err
	}

	m.handles.Delete(allocHandle)
	m.allocationCount--
	m.sumFreeSize += r.size

	r.allocType = SuballocationFree
	r.userData = nil
	r.handle = NoAllocation
	r.padding = false

	if next := r.next; next != nil && next.free() {
		m.removeFree(next)
		r.size += next.size
		m.unlink(next)
	}

	if prev := r.prev; prev != nil && prev.free() {
		m.removeFree(prev)
		prev.size += r.size
		prev.padding = false
		m.unlink(r)
		r = prev
	}

	m.insertFree(r)

	memutils.DebugValidate(m)

	return nil
}

func (m *FreeListBlockMetadata) Resize(allocHandle BlockAllocationHandle, newSize int) (bool, error) {
	if newSize < 1 {
		return false, errors.Errorf("invalid allocation size %d", newSize)
	}

	r, err := m.lookup(allocHandle)
	if err != nil {
		return false, err
	}

	delta := newSize - r.size
	next := r.next

	switch {
	case delta == 0:
		return true, nil
	case delta < 0:
		if next != nil && next.free() {
			m.removeFree(next)
			next.offset += delta
			next.size -= delta
			m.insertFree(next)
		} else {
			tail := newRegion(r.offset+newSize, -delta)
			m.insertAfter(r, tail)
			m.insertFree(tail)
		}
	default:
		if next == nil || !next.free() || next.size < delta+m.debugMargin {
			return false, nil
		}
		if m.granularity.conflictsAfter(next.next, r.offset, newSize, r.allocType) {
			return false, nil
		}

		m.removeFree(next)
		if next.size == delta {
			m.unlink(next)
		} else {
			next.offset += delta
			next.size -= delta
			m.insertFree(next)
		}
	}

	r.size = newSize
	m.sumFreeSize -= delta

	memutils.DebugValidate(m)

	return true, nil
}

func (m *FreeListBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for r := m.head; r != nil; r = r.next {
		err := handleBlock(r.handle, r.offset, r.size, r.userData, r.free())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *FreeListBlockMetadata) AllocationListBegin() BlockAllocationHandle {
	for r := m.head; r != nil; r = r.next {
		if !r.free() {
			return r.handle
		}
	}

	return NoAllocation
}

func (m *FreeListBlockMetadata) FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error) {
	r, err := m.lookup(allocHandle)
	if err != nil {
		return NoAllocation, err
	}

	for r = r.next; r != nil; r = r.next {
		if !r.free() {
			return r.handle, nil
		}
	}

	return NoAllocation, nil
}

func (m *FreeListBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	r, err := m.lookup(allocHandle)
	if err != nil {
		return 0, err
	}
	return r.offset, nil
}

func (m *FreeListBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	r, err := m.lookup(allocHandle)
	if err != nil {
		return 0, err
	}
	return r.size, nil
}

func (m *FreeListBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	r, err := m.lookup(allocHandle)
	if err != nil {
		return nil, err
	}
	return r.userData, nil
}

func (m *FreeListBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	r, err := m.lookup(allocHandle)
	if err != nil {
		return err
	}
	r.userData = userData
	return nil
}

// walkFreeRuns calls visit for every run of memory that would be free if the allocations selected by
// freed were released. prev and next are the live allocations bordering the run, if any.
func (m *FreeListBlockMetadata) walkFreeRuns(freed func(handle BlockAllocationHandle) bool, visit func(start, end int, prev, next *region) bool) {
	var before *region
	start := -1

	for r := m.head; r != nil; r = r.next {
		if r.free() || freed(r.handle) {
			if start < 0 {
				start = r.offset
			}
			continue
		}

		if start >= 0 {
			if visit(start, r.offset, before, r) {
				return
			}
			start = -1
		}
		before = r
	}

	if start >= 0 {
		visit(start, m.size, before, nil)
	}
}

func (m *FreeListBlockMetadata) FitsIfFreed(allocSize int, allocAlignment uint, allocType SuballocationType, freed func(handle BlockAllocationHandle) bool) bool {
	allocSize, allocAlignment = m.granularity.RoundUpAllocRequest(allocType, allocSize, allocAlignment)

	fits := false
	m.walkFreeRuns(freed, func(start, end int, prev, next *region) bool {
		offset := memutils.AlignUp(start+m.debugMargin, allocAlignment)
		if m.granularity.conflictsBefore(prev, offset, allocType) {
			offset = memutils.AlignUp(offset, m.granularity.PageSize)
		}
		if offset+allocSize+m.debugMargin > end {
			return false
		}
		if m.granularity.conflictsAfter(next, offset, allocSize, allocType) {
			return false
		}

		fits = true
		return true
	})

	return fits
}

func (m *FreeListBlockMetadata) FreeSpaceIfFreed(freed func(handle BlockAllocationHandle) bool) (largest int, sumFree int) {
	m.walkFreeRuns(freed, func(start, end int, prev, next *region) bool {
		size := end - start
		sumFree += size
		if size > largest {
			largest = size
		}
		return false
	})

	return largest, sumFree
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for r := m.head; r != nil; r = r.next {
		if !r.free() {
			stats.AddAllocation(r.size)
			continue
		}

		stats.AddUnusedRange(r.size)
		if r.padding {
			stats.AddPadding(r.size)
		}
	}

	stats.AddLargestUnusedRange(m.LargestFreeRegion())
}

func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocationCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.sumFreeSize
}

func (m *FreeListBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.writeJsonData(json, m.sumFreeSize, m.allocationCount, len(m.freeBySize), m.LargestFreeRegion())
}

func (m *FreeListBlockMetadata) Validate() error {
	if m.head == nil || m.head.prev != nil {
		return errors.New("region list head is missing or has a predecessor")
	}
	if m.head.offset != 0 {
		return errors.Errorf("first region starts at offset %d", m.head.offset)
	}

	expectedOffset := 0
	freeCount := 0
	allocCount := 0
	sumFree := 0
	var last *region

	for r := m.head; r != nil; r = r.next {
		if r.offset != expectedOffset {
			return errors.Errorf("region at offset %d does not start where the previous region ended (%d)", r.offset, expectedOffset)
		}
		if r.size < 1 {
			return errors.Errorf("region at offset %d has invalid size %d", r.offset, r.size)
		}
		if r.prev != last {
			return errors.Errorf("region at offset %d has a broken back link", r.offset)
		}

		if r.free() {
			if r.prev != nil && r.prev.free() {
				return errors.Errorf("free regions at offsets %d and %d were not merged", r.prev.offset, r.offset)
			}
			if r.handle != NoAllocation {
				return errors.Errorf("free region at offset %d has a live handle", r.offset)
			}
			freeCount++
			sumFree += r.size
		} else {
			mapped, ok := m.handles.Get(r.handle)
			if !ok || mapped != r {
				return errors.Errorf("allocation at offset %d is not indexed by its handle %d", r.offset, r.handle)
			}
			allocCount++
		}

		expectedOffset = r.end()
		last = r
	}

	if last != m.tail {
		return errors.New("region list tail does not match the last region")
	}
	if expectedOffset != m.size {
		return errors.Errorf("regions cover %d bytes but the block holds %d", expectedOffset, m.size)
	}
	if freeCount != len(m.freeBySize) {
		return errors.Errorf("%d free regions in the list but %d in the size index", freeCount, len(m.freeBySize))
	}
	if allocCount != m.allocationCount || allocCount != m.handles.Count() {
		return errors.Errorf("allocation count mismatch: list %d, counter %d, handles %d", allocCount, m.allocationCount, m.handles.Count())
	}
	if sumFree != m.sumFreeSize {
		return errors.Errorf("free size mismatch: list %d, counter %d", sumFree, m.sumFreeSize)
	}

	for i, r := range m.freeBySize {
		if !r.free() {
			return errors.Errorf("size index holds the allocated region at offset %d", r.offset)
		}
		if i > 0 && compareFree(m.freeBySize[i-1], r) >= 0 {
			return errors.Errorf("size index is out of order at offset %d", r.offset)
		}
	}

	return nil
}
