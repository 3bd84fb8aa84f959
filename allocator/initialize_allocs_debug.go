//go:build debug_init_allocs

package allocator

import (
	"fmt"
	"unsafe"

	"github.com/vkngwrapper/devmem/allocator/internal/memory"
)

// InitializeAllocs causes every new allocation in host visible memory to be filled with createdFillPattern
// and every freed one with destroyedFillPattern. It is only true when built with the debug_init_allocs tag.
const InitializeAllocs bool = true

func (a *Allocation) fillAllocation(pattern uint8) {
	if !a.IsMappingAllowed() || a.memory == nil {
		return
	}

	data, err := a.mapMemory()
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to map memory during debug pattern fill: %+v", err))
	}

	dataSlice := unsafe.Slice((*uint8)(data), a.size)
	for i := range dataSlice {
		dataSlice[i] = pattern
	}

	err = a.syncHostCache(memory.CacheOperationFlush)
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to flush host cache during debug pattern fill: %+v", err))
	}

	err = a.unmapMemory()
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to unmap memory during debug pattern fill: %+v", err))
	}
}
