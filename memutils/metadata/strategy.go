package metadata

// AllocationStrategy selects how a free region is chosen for a new allocation
type AllocationStrategy uint32

const (
	// AllocationStrategyBestFit picks the smallest free region that can hold the allocation,
	// leaving the least memory behind
	AllocationStrategyBestFit AllocationStrategy = 1 << iota
	// AllocationStrategyWorstFit picks the largest free region, so leftovers stay large
	AllocationStrategyWorstFit
	// AllocationStrategyFirstFit picks the first free region in offset order that can hold the allocation
	AllocationStrategyFirstFit
	// AllocationStrategyMinOffset picks the lowest offset that can hold the allocation. Used internally
	// by defragmentation, not recommended in typical usage.
	AllocationStrategyMinOffset
)

const (
	AllocationStrategyMinMemory        = AllocationStrategyBestFit
	AllocationStrategyMinFragmentation = AllocationStrategyWorstFit
	AllocationStrategyMinTime          = AllocationStrategyFirstFit
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyBestFit:   "BestFit",
	AllocationStrategyWorstFit:  "WorstFit",
	AllocationStrategyFirstFit:  "FirstFit",
	AllocationStrategyMinOffset: "MinOffset",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "unknown AllocationStrategy"
	}
	return str
}
