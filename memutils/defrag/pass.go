package defrag

import "fmt"

// PassContext tracks the budget and results of a single defragmentation pass
type PassContext struct {
	// MaxPassBytes caps the bytes relocated in one pass. The cap is not a target: a pass may move fewer
	// bytes if no further relocation fits.
	MaxPassBytes int
	// MaxPassAllocations caps the relocations planned in one pass
	MaxPassAllocations int
	// Stats holds the results of the pass so far
	Stats DefragmentationStats

	// skippedInARow counts consecutive candidates that were too large for the remaining byte budget
	skippedInARow int
}

// maxSkippedInARow is how many oversized candidates in a row end a pass early
const maxSkippedInARow = 16

func (p *PassContext) checkCounters(bytes int) defragCounterStatus {
	if p.Stats.BytesMoved+bytes <= p.MaxPassBytes {
		p.skippedInARow = 0
		return defragCounterPass
	}

	p.skippedInARow++
	if p.skippedInARow >= maxSkippedInARow {
		return defragCounterEnd
	}
	return defragCounterIgnore
}

// incrementCounters records a planned relocation and returns true once the pass budget is used up
func (p *PassContext) incrementCounters(bytes int) bool {
	p.Stats.BytesMoved += bytes
	p.Stats.AllocationsMoved++

	if p.Stats.AllocationsMoved < p.MaxPassAllocations && p.Stats.BytesMoved < p.MaxPassBytes {
		return false
	}

	if p.Stats.AllocationsMoved > p.MaxPassAllocations || p.Stats.BytesMoved > p.MaxPassBytes {
		panic(fmt.Sprintf("pass exceeded its budget: bytes %d/%d, allocations %d/%d",
			p.Stats.BytesMoved, p.MaxPassBytes, p.Stats.AllocationsMoved, p.MaxPassAllocations))
	}
	return true
}
