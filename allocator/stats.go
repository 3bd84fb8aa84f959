package allocator

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/devmem/allocator/internal/memory"
	"github.com/vkngwrapper/devmem/memutils"
)

// Budget reports how much of a heap is in use and how much of it the allocator is willing to use
type Budget = memory.Budget

// TotalStatistics holds statistics for every memory type and heap, and for the allocator as a whole
type TotalStatistics struct {
	MemoryTypes []memutils.DetailedStatistics
	MemoryHeaps []memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// CalculateStatistics walks every block and dedicated allocation, including those of custom pools, and
// returns detailed statistics for each memory type and heap
func (a *Allocator) CalculateStatistics() *TotalStatistics {
	a.logger.Debug("Allocator::CalculateStatistics")

	typeCount := a.deviceMemory.MemoryTypeCount()
	heapCount := a.deviceMemory.MemoryHeapCount()

	stats := &TotalStatistics{
		MemoryTypes: make([]memutils.DetailedStatistics, typeCount),
		MemoryHeaps: make([]memutils.DetailedStatistics, heapCount),
	}
	stats.Total.Clear()
	for typeIndex := range stats.MemoryTypes {
		stats.MemoryTypes[typeIndex].Clear()
	}
	for heapIndex := range stats.MemoryHeaps {
		stats.MemoryHeaps[heapIndex].Clear()
	}

	// Process default pools
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		a.memoryBlockLists[typeIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		a.dedicatedAllocations[typeIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}

	// Process custom pools
	a.poolsMutex.RLock()
	a.pools.Iter(func(id int, pool *Pool) bool {
		typeIndex := pool.blockList.memoryTypeIndex
		pool.blockList.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		pool.dedicatedAllocations.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		return false
	})
	a.poolsMutex.RUnlock()

	// Sum up
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}

	return stats
}

// HeapBudgets returns the current usage and budget of every memory heap
func (a *Allocator) HeapBudgets() []Budget {
	budgets := make([]Budget, a.deviceMemory.MemoryHeapCount())
	a.deviceMemory.HeapBudgets(0, budgets)
	return budgets
}

func writeStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("PaddingBytes").Int(stats.PaddingBytes)
	json.Name("Fragmentation").Float64(stats.Fragmentation())

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString returns a JSON document describing the allocator's heaps, memory types, and budgets.
// If detailedMap is true, it also lists every block, region, and dedicated allocation of the default and
// custom pools.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	stats := a.CalculateStatistics()
	budgets := a.HeapBudgets()
	props := a.deviceMemory.MemoryProperties()

	writer := jwriter.NewWriter()
	root := writer.Object()

	general := root.Name("General").Object()
	general.Name("MemoryTypeCount").Int(len(props.MemoryTypes))
	general.Name("MemoryHeapCount").Int(len(props.MemoryHeaps))
	general.Name("CurrentFrameIndex").Int(int(a.CurrentFrameIndex()))
	general.Name("AllocationCount").Int(int(a.deviceMemory.AllocationCount()))
	general.End()

	total := root.Name("Total").Object()
	writeStatistics(&total, &stats.Total)
	total.End()

	memoryInfo := root.Name("MemoryInfo").Object()
	for heapIndex, heap := range props.MemoryHeaps {
		heapObj := memoryInfo.Name(fmt.Sprintf("Heap %d", heapIndex)).Object()
		heapObj.Name("Flags").String(heap.Flags.String())
		heapObj.Name("Size").Int(heap.Size)

		budgetObj := heapObj.Name("Budget").Object()
		budgetObj.Name("BudgetBytes").Int(budgets[heapIndex].Budget)
		budgetObj.Name("UsageBytes").Int(budgets[heapIndex].Usage)
		budgetObj.End()

		heapStats := heapObj.Name("Stats").Object()
		writeStatistics(&heapStats, &stats.MemoryHeaps[heapIndex])
		heapStats.End()

		types := heapObj.Name("MemoryPools").Object()
		for typeIndex, memType := range props.MemoryTypes {
			if memType.HeapIndex != heapIndex {
				continue
			}

			typeObj := types.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
			typeObj.Name("Flags").String(memType.PropertyFlags.String())
			typeStats := typeObj.Name("Stats").Object()
			writeStatistics(&typeStats, &stats.MemoryTypes[typeIndex])
			typeStats.End()
			typeObj.End()
		}
		types.End()

		heapObj.End()
	}
	memoryInfo.End()

	if detailedMap {
		a.printDetailedMap(&root)
	}

	root.End()
	return string(writer.Bytes())
}

func (a *Allocator) printDetailedMap(root *jwriter.ObjectState) {
	defaultPools := root.Name("DefaultPools").Object()
	for typeIndex, list := range a.memoryBlockLists {
		typeObj := defaultPools.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
		typeObj.Name("PreferredBlockSize").Int(list.preferredBlockSize)

		blocks := typeObj.Name("Blocks").Object()
		list.PrintDetailedMap(&blocks)
		blocks.End()

		dedicated := typeObj.Name("DedicatedAllocations").Array()
		a.dedicatedAllocations[typeIndex].PrintDetailedMap(&dedicated)
		dedicated.End()

		typeObj.End()
	}
	defaultPools.End()

	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	customPools := root.Name("CustomPools").Array()
	a.pools.Iter(func(id int, pool *Pool) bool {
		poolObj := customPools.Object()
		poolObj.Name("Id").Int(pool.id)
		if pool.name != "" {
			poolObj.Name("Name").String(pool.name)
		}
		poolObj.Name("MemoryTypeIndex").Int(pool.blockList.memoryTypeIndex)
		poolObj.Name("PreferredBlockSize").Int(pool.blockList.preferredBlockSize)

		blocks := poolObj.Name("Blocks").Object()
		pool.blockList.PrintDetailedMap(&blocks)
		blocks.End()

		dedicated := poolObj.Name("DedicatedAllocations").Array()
		pool.dedicatedAllocations.PrintDetailedMap(&dedicated)
		dedicated.End()

		poolObj.End()
		return false
	})
	customPools.End()
}
