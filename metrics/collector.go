// Package metrics exports allocator statistics as Prometheus metrics
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/devmem/allocator"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/memutils"
)

const namespace = "devmem"

const (
	descHeapBlockCount = iota
	descHeapBlockBytes
	descHeapAllocationCount
	descHeapAllocationBytes
	descHeapUsage
	descHeapBudget
	descTypeBlockCount
	descTypeBlockBytes
	descTypeAllocationCount
	descTypeAllocationBytes
	descTypeUnusedRangeCount
	descTypeFragmentation
)

var (
	heapLabels = []string{"heap"}
	typeLabels = []string{"memory_type", "heap"}

	descriptors = []*prometheus.Desc{
		descHeapBlockCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "block_count"),
			"Number of device memory objects allocated from a heap.",
			heapLabels,
			nil,
		),
		descHeapBlockBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "block_bytes"),
			"Bytes of device memory allocated from a heap.",
			heapLabels,
			nil,
		),
		descHeapAllocationCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "allocation_count"),
			"Number of live allocations in a heap.",
			heapLabels,
			nil,
		),
		descHeapAllocationBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "allocation_bytes"),
			"Bytes occupied by live allocations in a heap.",
			heapLabels,
			nil,
		),
		descHeapUsage: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "usage_bytes"),
			"Bytes of a heap in use by the allocator.",
			heapLabels,
			nil,
		),
		descHeapBudget: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "budget_bytes"),
			"Bytes of a heap the allocator is willing to use.",
			heapLabels,
			nil,
		),
		descTypeBlockCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_type", "block_count"),
			"Number of device memory objects of a memory type, including dedicated allocations.",
			typeLabels,
			nil,
		),
		descTypeBlockBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_type", "block_bytes"),
			"Bytes of device memory of a memory type.",
			typeLabels,
			nil,
		),
		descTypeAllocationCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_type", "allocation_count"),
			"Number of live allocations of a memory type.",
			typeLabels,
			nil,
		),
		descTypeAllocationBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_type", "allocation_bytes"),
			"Bytes occupied by live allocations of a memory type.",
			typeLabels,
			nil,
		),
		descTypeUnusedRangeCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_type", "unused_range_count"),
			"Number of free ranges between allocations of a memory type.",
			typeLabels,
			nil,
		),
		descTypeFragmentation: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_type", "fragmentation_ratio"),
			"One minus the ratio of the largest free range per block to all free bytes of a memory type.",
			typeLabels,
			nil,
		),
	}
)

// StatisticsSource is the part of *allocator.Allocator the Collector reads
type StatisticsSource interface {
	CalculateStatistics() *allocator.TotalStatistics
	HeapBudgets() []allocator.Budget
	MemoryProperties() driver.MemoryProperties
}

var _ StatisticsSource = (*allocator.Allocator)(nil)

// Collector is a prometheus.Collector that calculates allocator statistics on every scrape. It also counts
// the results of defragmentation runs passed to RecordDefragmentation.
type Collector struct {
	source StatisticsSource

	lock                sync.Mutex
	defragRuns          prometheus.Counter
	defragMoves         prometheus.Counter
	defragMovesFailed   prometheus.Counter
	defragBytesMoved    prometheus.Counter
	defragBytesFreed    prometheus.Counter
	defragBlocksFreed   prometheus.Counter
	defragFragmentation prometheus.Gauge
}

var _ prometheus.Collector = &Collector{}

func newDefragCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "defragmentation",
		Name:      name,
		Help:      help,
	})
}

// NewCollector creates a Collector that reads statistics from source
func NewCollector(source StatisticsSource) *Collector {
	return &Collector{
		source: source,

		defragRuns:        newDefragCounter("runs_total", "Number of finished defragmentation runs."),
		defragMoves:       newDefragCounter("moves_total", "Number of allocations relocated by defragmentation."),
		defragMovesFailed: newDefragCounter("moves_failed_total", "Number of planned relocations that were skipped."),
		defragBytesMoved:  newDefragCounter("bytes_moved_total", "Bytes relocated by defragmentation."),
		defragBytesFreed:  newDefragCounter("bytes_freed_total", "Bytes of device memory released by defragmentation."),
		defragBlocksFreed: newDefragCounter("blocks_freed_total", "Device memory objects released by defragmentation."),
		defragFragmentation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "defragmentation",
			Name:      "last_fragmentation_ratio",
			Help:      "Fragmentation ratio of the defragmented block lists at the end of the last run.",
		}),
	}
}

// RecordDefragmentation adds a finished run's results to the defragmentation counters
func (c *Collector) RecordDefragmentation(report *allocator.DefragmentationReport) {
	if report == nil {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.defragRuns.Inc()
	c.defragMoves.Add(float64(report.Stats.AllocationsMoved))
	c.defragMovesFailed.Add(float64(report.Stats.MovesFailed))
	c.defragBytesMoved.Add(float64(report.Stats.BytesMoved))
	c.defragBytesFreed.Add(float64(report.Stats.BytesFreed))
	c.defragBlocksFreed.Add(float64(report.Stats.DeviceMemoryBlocksFreed))
	c.defragFragmentation.Set(report.FragmentationAfter)
}

func (c *Collector) defragMetrics() []prometheus.Collector {
	return []prometheus.Collector{
		c.defragRuns,
		c.defragMoves,
		c.defragMovesFailed,
		c.defragBytesMoved,
		c.defragBytesFreed,
		c.defragBlocksFreed,
		c.defragFragmentation,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range descriptors {
		ch <- desc
	}
	for _, metric := range c.defragMetrics() {
		metric.Describe(ch)
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.CalculateStatistics()
	budgets := c.source.HeapBudgets()
	properties := c.source.MemoryProperties()

	for heapIndex := range stats.MemoryHeaps {
		heap := strconv.Itoa(heapIndex)
		collectStatistics(ch, &stats.MemoryHeaps[heapIndex].Statistics, descHeapBlockCount, heap)

		if heapIndex < len(budgets) {
			ch <- prometheus.MustNewConstMetric(descriptors[descHeapUsage], prometheus.GaugeValue, float64(budgets[heapIndex].Usage), heap)
			ch <- prometheus.MustNewConstMetric(descriptors[descHeapBudget], prometheus.GaugeValue, float64(budgets[heapIndex].Budget), heap)
		}
	}

	for typeIndex := range stats.MemoryTypes {
		typeStats := &stats.MemoryTypes[typeIndex]
		memoryType := strconv.Itoa(typeIndex)
		heap := strconv.Itoa(properties.MemoryTypes[typeIndex].HeapIndex)

		collectStatistics(ch, &typeStats.Statistics, descTypeBlockCount, memoryType, heap)
		ch <- prometheus.MustNewConstMetric(descriptors[descTypeUnusedRangeCount], prometheus.GaugeValue, float64(typeStats.UnusedRangeCount), memoryType, heap)
		ch <- prometheus.MustNewConstMetric(descriptors[descTypeFragmentation], prometheus.GaugeValue, typeStats.Fragmentation(), memoryType, heap)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	for _, metric := range c.defragMetrics() {
		metric.Collect(ch)
	}
}

// collectStatistics emits the four basic counters, whose descriptors are consecutive starting at firstDesc
func collectStatistics(ch chan<- prometheus.Metric, stats *memutils.Statistics, firstDesc int, labels ...string) {
	ch <- prometheus.MustNewConstMetric(descriptors[firstDesc], prometheus.GaugeValue, float64(stats.BlockCount), labels...)
	ch <- prometheus.MustNewConstMetric(descriptors[firstDesc+1], prometheus.GaugeValue, float64(stats.BlockBytes), labels...)
	ch <- prometheus.MustNewConstMetric(descriptors[firstDesc+2], prometheus.GaugeValue, float64(stats.AllocationCount), labels...)
	ch <- prometheus.MustNewConstMetric(descriptors[firstDesc+3], prometheus.GaugeValue, float64(stats.AllocationBytes), labels...)
}
