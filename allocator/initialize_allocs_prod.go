//go:build !debug_init_allocs

package allocator

// InitializeAllocs causes every new allocation in host visible memory to be filled with createdFillPattern
// and every freed one with destroyedFillPattern. It is only true when built with the debug_init_allocs tag.
const InitializeAllocs bool = false

func (a *Allocation) fillAllocation(pattern uint8) {}
