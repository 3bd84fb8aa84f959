package allocator

import (
	"github.com/vkngwrapper/devmem/memutils"
	"golang.org/x/exp/slog"
)

// Pool is a set of memory blocks of a single memory type that share an allocation policy. Pools are created
// with Allocator.CreatePool and allocated from by setting AllocationCreateInfo.Pool.
type Pool struct {
	logger               *slog.Logger
	blockList            memoryBlockList
	dedicatedAllocations dedicatedAllocationList
	parentAllocator      *Allocator

	id   int
	name string
}

func (p *Pool) SetName(name string) {
	p.logger.Debug("Pool::SetName")

	p.name = name
}

func (p *Pool) ID() int {
	return p.id
}

func (p *Pool) Name() string {
	p.logger.Debug("Pool::Name")

	return p.name
}

// MemoryTypeIndex returns the memory type every allocation in this pool is made from
func (p *Pool) MemoryTypeIndex() int {
	return p.blockList.memoryTypeIndex
}

// Destroy frees the pool's blocks and removes it from its allocator. It fails with ErrInvalidUsage, leaving
// the pool intact, if any allocation made from the pool is still live.
func (p *Pool) Destroy() error {
	p.logger.Debug("Pool::Destroy")

	p.parentAllocator.poolsMutex.Lock()
	defer p.parentAllocator.poolsMutex.Unlock()

	return p.destroyAfterLock()
}

func (p *Pool) destroyAfterLock() error {
	memutils.DebugValidate(&p.dedicatedAllocations)
	if leaked := p.dedicatedAllocations.logUnreleased(p.logger); leaked > 0 {
		return usageErrorf("pool %d still has %d dedicated allocations that remain unfreed", p.id, leaked)
	}

	err := p.blockList.Destroy()
	if err != nil {
		return err
	}

	p.parentAllocator.pools.Delete(p.id)
	return nil
}

// CheckCorruption validates the corruption guards of every allocation in the pool
func (p *Pool) CheckCorruption() error {
	p.logger.Debug("Pool::CheckCorruption")

	return p.blockList.CheckCorruption()
}

// Maintain frees empty blocks beyond the pool's MinBlockCount and returns how many were freed
func (p *Pool) Maintain() (int, error) {
	p.logger.Debug("Pool::Maintain")

	return p.blockList.Maintain()
}

// MakeAllocationsLost makes every AllocationCreateMayBecomeLost allocation in the pool that has gone
// untouched for the eviction threshold lost, and returns the number of allocations affected
func (p *Pool) MakeAllocationsLost() int {
	p.logger.Debug("Pool::MakeAllocationsLost")

	return p.blockList.MakeAllocationsLost()
}

// LostAllocationCount returns the number of allocations in this pool that have been made lost
func (p *Pool) LostAllocationCount() int {
	return p.blockList.LostAllocationCount()
}

// Statistics populates stats with the pool's block and allocation counts
func (p *Pool) Statistics(stats *memutils.Statistics) {
	p.logger.Debug("Pool::Statistics")

	stats.Clear()
	p.blockList.AddStatistics(stats)
	p.dedicatedAllocations.AddStatistics(stats)
}

// DetailedStatistics populates stats with the pool's full statistics, including free range and fragmentation data
func (p *Pool) DetailedStatistics(stats *memutils.DetailedStatistics) {
	p.logger.Debug("Pool::DetailedStatistics")

	stats.Clear()
	p.blockList.AddDetailedStatistics(stats)
	p.dedicatedAllocations.AddDetailedStatistics(stats)
}
