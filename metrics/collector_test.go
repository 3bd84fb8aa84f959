package metrics

import (
	"io"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/devmem/allocator"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/driver/simdriver"
	"github.com/vkngwrapper/devmem/memutils/defrag"
	"golang.org/x/exp/slog"
)

const kib = 1024

func readyAllocator(t *testing.T) *allocator.Allocator {
	drv, err := simdriver.New(simdriver.Options{
		MemoryTypes: []driver.MemoryType{
			{PropertyFlags: driver.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
		MemoryHeaps: []driver.MemoryHeap{
			{Size: 8 * 1024 * kib, Flags: driver.MemoryHeapDeviceLocal},
			{Size: 4 * 1024 * kib},
		},
	})
	require.NoError(t, err)

	alloc, err := allocator.New(slog.New(slog.NewJSONHandler(io.Discard, nil)), drv, allocator.CreateOptions{})
	require.NoError(t, err)
	return alloc
}

func gaugeValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	families, err := registry.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

	metricLoop:
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if labels[label.GetName()] != label.GetValue() {
					continue metricLoop
				}
			}
			return metric.GetGauge().GetValue()
		}
	}

	require.Failf(t, "metric not found", "%s %v", name, labels)
	return 0
}

func TestCollector(t *testing.T) {
	target := readyAllocator(t)

	pool, err := target.CreatePool(allocator.PoolCreateInfo{MemoryTypeIndex: 1, BlockSize: 64 * kib})
	require.NoError(t, err)

	alloc, err := target.AllocateMemory(driver.MemoryRequirements{Size: 8 * kib, Alignment: 1}, allocator.AllocationCreateInfo{Pool: pool})
	require.NoError(t, err)

	collector := NewCollector(target)

	expected := `
# HELP devmem_heap_block_count Number of device memory objects allocated from a heap.
# TYPE devmem_heap_block_count gauge
devmem_heap_block_count{heap="0"} 0
devmem_heap_block_count{heap="1"} 1
# HELP devmem_heap_allocation_bytes Bytes occupied by live allocations in a heap.
# TYPE devmem_heap_allocation_bytes gauge
devmem_heap_allocation_bytes{heap="0"} 0
devmem_heap_allocation_bytes{heap="1"} 8192
# HELP devmem_memory_type_allocation_count Number of live allocations of a memory type.
# TYPE devmem_memory_type_allocation_count gauge
devmem_memory_type_allocation_count{heap="0",memory_type="0"} 0
devmem_memory_type_allocation_count{heap="1",memory_type="1"} 1
# HELP devmem_memory_type_unused_range_count Number of free ranges between allocations of a memory type.
# TYPE devmem_memory_type_unused_range_count gauge
devmem_memory_type_unused_range_count{heap="0",memory_type="0"} 0
devmem_memory_type_unused_range_count{heap="1",memory_type="1"} 1
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"devmem_heap_block_count",
		"devmem_heap_allocation_bytes",
		"devmem_memory_type_allocation_count",
		"devmem_memory_type_unused_range_count",
	))

	// 2 heaps and 2 memory types with 6 series each, plus the defragmentation series
	require.Equal(t, 2*6+2*6+7, testutil.CollectAndCount(collector))

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(collector))

	require.Equal(t, float64(64*kib), gaugeValue(t, registry, "devmem_heap_usage_bytes", map[string]string{"heap": "1"}))
	require.Equal(t, float64(4*1024*kib*8/10), gaugeValue(t, registry, "devmem_heap_budget_bytes", map[string]string{"heap": "1"}))
	require.Equal(t, float64(64*kib), gaugeValue(t, registry, "devmem_memory_type_block_bytes", map[string]string{"heap": "1", "memory_type": "1"}))
	require.Zero(t, gaugeValue(t, registry, "devmem_memory_type_fragmentation_ratio", map[string]string{"heap": "1", "memory_type": "1"}))

	require.NoError(t, target.FreeMemory(alloc))

	require.Zero(t, gaugeValue(t, registry, "devmem_heap_allocation_count", map[string]string{"heap": "1"}))

	require.NoError(t, pool.Destroy())
	require.NoError(t, target.Destroy())
}

func TestCollector_RecordDefragmentation(t *testing.T) {
	target := readyAllocator(t)
	collector := NewCollector(target)

	collector.RecordDefragmentation(&allocator.DefragmentationReport{
		Stats: defrag.DefragmentationStats{
			BytesMoved:              32 * kib,
			BytesFreed:              64 * kib,
			AllocationsMoved:        2,
			DeviceMemoryBlocksFreed: 1,
			MovesFailed:             1,
		},
		FragmentationBefore: 0.75,
		FragmentationAfter:  0.25,
	})
	collector.RecordDefragmentation(&allocator.DefragmentationReport{
		Stats: defrag.DefragmentationStats{
			BytesMoved:       16 * kib,
			AllocationsMoved: 1,
		},
		FragmentationAfter: 0,
	})
	collector.RecordDefragmentation(nil)

	require.Equal(t, float64(2), testutil.ToFloat64(collector.defragRuns))
	require.Equal(t, float64(3), testutil.ToFloat64(collector.defragMoves))
	require.Equal(t, float64(1), testutil.ToFloat64(collector.defragMovesFailed))
	require.Equal(t, float64(48*kib), testutil.ToFloat64(collector.defragBytesMoved))
	require.Equal(t, float64(64*kib), testutil.ToFloat64(collector.defragBytesFreed))
	require.Equal(t, float64(1), testutil.ToFloat64(collector.defragBlocksFreed))
	require.Zero(t, testutil.ToFloat64(collector.defragFragmentation))

	expected := `
# HELP devmem_defragmentation_moves_total Number of allocations relocated by defragmentation.
# TYPE devmem_defragmentation_moves_total counter
devmem_defragmentation_moves_total 3
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected), "devmem_defragmentation_moves_total"))

	require.NoError(t, target.Destroy())
}
