package memutils

import "math"

// Statistics holds the cheap counters maintained for a block, pool, or memory type
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// UnusedBytes is the number of bytes held in blocks that are not part of any allocation
func (s *Statistics) UnusedBytes() int {
	return s.BlockBytes - s.AllocationBytes
}

// DetailedStatistics extends Statistics with the free-region breakdown used for fragmentation estimates
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int

	// PaddingBytes counts free bytes that were split off the front of a free region to satisfy alignment
	PaddingBytes int
	// LargestUnusedRangeSum is the sum, over every block, of the largest free region in that block
	LargestUnusedRangeSum int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
	s.PaddingBytes = 0
	s.LargestUnusedRangeSum = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

// AddPadding records alignment padding that is currently part of the block's free space
func (s *DetailedStatistics) AddPadding(size int) {
	s.PaddingBytes += size
}

// AddLargestUnusedRange records the largest free region of a single block. It should be called
// once per block.
func (s *DetailedStatistics) AddLargestUnusedRange(size int) {
	s.LargestUnusedRangeSum += size
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.PaddingBytes += other.PaddingBytes
	s.LargestUnusedRangeSum += other.LargestUnusedRangeSum

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// Fragmentation returns 1 - (largest free region / free bytes). Summed statistics weight each
// block's ratio by its free bytes. A value of 0 means all free space is contiguous within each block.
func (s *DetailedStatistics) Fragmentation() float64 {
	return FragmentationRatio(s.LargestUnusedRangeSum, s.UnusedBytes())
}

// FragmentationRatio computes 1 - largest/free, returning 0 when nothing is free
func FragmentationRatio(largest, free int) float64 {
	if free <= 0 {
		return 0
	}
	return 1 - float64(largest)/float64(free)
}
