package allocator

import (
	"context"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/devmem/allocator/internal/utils"
	"github.com/vkngwrapper/devmem/memutils"
	"golang.org/x/exp/slog"
)

// dedicatedAllocationList is an intrusive linked list of the dedicated allocations of a single memory type,
// either for the allocator's default pools or for a custom Pool
type dedicatedAllocationList struct {
	mutex      utils.OptionalRWMutex
	parentPool *Pool

	count              int
	allocationListHead *Allocation
	allocationListTail *Allocation
}

func (l *dedicatedAllocationList) Init(useMutex bool, parentPool *Pool) {
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
	l.parentPool = parentPool
}

func (l *dedicatedAllocationList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	declaredCount := l.count
	actualCount := 0

	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.nextDedicatedAlloc() {
		if alloc.dedicatedData.parentList != l {
			return errors.Errorf("dedicated allocation %d in the list belongs to a different list", actualCount)
		}
		actualCount++
	}

	if declaredCount != actualCount {
		return errors.Errorf("the listed number of dedicated allocations in the list (%d) does not match the actual number of allocations (%d)", declaredCount, actualCount)
	}

	return nil
}

func (l *dedicatedAllocationList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.allocationListHead; item != nil; item = item.nextDedicatedAlloc() {
		stats.BlockCount++
		stats.AllocationCount++
		stats.BlockBytes += item.size
		stats.AllocationBytes += item.size
	}
}

func (l *dedicatedAllocationList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.allocationListHead; item != nil; item = item.nextDedicatedAlloc() {
		size := item.size
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += size
		stats.AddAllocation(size)
	}
}

// PrintDetailedMap writes one object per dedicated allocation into the provided array
func (l *dedicatedAllocationList) PrintDetailedMap(json *jwriter.ArrayState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.nextDedicatedAlloc() {
		o := json.Object()
		alloc.printParameters(&o)
		o.End()
	}
}

func (l *dedicatedAllocationList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count == 0
}

func (l *dedicatedAllocationList) Count() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count
}

// logUnreleased logs every allocation still in the list and returns how many there were
func (l *dedicatedAllocationList) logUnreleased(logger *slog.Logger) int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.nextDedicatedAlloc() {
		name := alloc.Name()
		if name == "" {
			name = "empty"
		}

		logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed dedicated allocation",
			slog.Int("MemoryTypeIndex", alloc.memoryTypeIndex),
			slog.Int("size", alloc.size),
			slog.Any("userData", alloc.UserData()),
			slog.String("name", name),
		)
	}

	return l.count
}

func (l *dedicatedAllocationList) Register(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.pushAllocation(alloc)
}

func (l *dedicatedAllocationList) Unregister(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.removeAllocation(alloc)
}

func (l *dedicatedAllocationList) removeAllocation(alloc *Allocation) {
	prev := alloc.prevDedicatedAlloc()
	next := alloc.nextDedicatedAlloc()

	if prev != nil {
		prev.setNext(next)
	} else {
		l.allocationListHead = next
	}

	if next != nil {
		next.setPrev(prev)
	} else {
		l.allocationListTail = prev
	}

	alloc.setNext(nil)
	alloc.setPrev(nil)

	l.count--
}

func (l *dedicatedAllocationList) pushAllocation(alloc *Allocation) {
	if l.count == 0 {
		l.allocationListHead = alloc
		l.allocationListTail = alloc
		l.count = 1
		return
	}

	alloc.setPrev(l.allocationListTail)
	l.allocationListTail.setNext(alloc)

	l.allocationListTail = alloc
	l.count++
}
