package driver

import "github.com/vkngwrapper/core/v2/common"

// MemoryPropertyFlags describes the capabilities of a memory type. The bit values match the graphics API's
// memory property bits so that adapters can convert them directly.
type MemoryPropertyFlags int32

var memoryPropertyFlagsMapping = common.NewFlagStringMapping[MemoryPropertyFlags]()

func (f MemoryPropertyFlags) Register(str string) {
	memoryPropertyFlagsMapping.Register(f, str)
}
func (f MemoryPropertyFlags) String() string {
	return memoryPropertyFlagsMapping.FlagsToString(f)
}

const (
	// MemoryPropertyDeviceLocal indicates memory that is most efficient for device access
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryPropertyHostVisible indicates memory that can be mapped for host access
	MemoryPropertyHostVisible
	// MemoryPropertyHostCoherent indicates that host writes and device writes are visible to one another
	// without explicit flush and invalidate calls
	MemoryPropertyHostCoherent
	// MemoryPropertyHostCached indicates memory that is cached on the host. Host reads are faster, but
	// non-coherent cached memory must be invalidated before it is read.
	MemoryPropertyHostCached
	// MemoryPropertyLazilyAllocated indicates memory that is only committed by the device as it is used
	MemoryPropertyLazilyAllocated
)

func init() {
	MemoryPropertyDeviceLocal.Register("DeviceLocal")
	MemoryPropertyHostVisible.Register("HostVisible")
	MemoryPropertyHostCoherent.Register("HostCoherent")
	MemoryPropertyHostCached.Register("HostCached")
	MemoryPropertyLazilyAllocated.Register("LazilyAllocated")
}

// MemoryHeapFlags describes a memory heap
type MemoryHeapFlags int32

var memoryHeapFlagsMapping = common.NewFlagStringMapping[MemoryHeapFlags]()

func (f MemoryHeapFlags) Register(str string) {
	memoryHeapFlagsMapping.Register(f, str)
}
func (f MemoryHeapFlags) String() string {
	return memoryHeapFlagsMapping.FlagsToString(f)
}

const (
	// MemoryHeapDeviceLocal indicates a heap that lives on the device
	MemoryHeapDeviceLocal MemoryHeapFlags = 1 << iota
)

func init() {
	MemoryHeapDeviceLocal.Register("DeviceLocal")
}

// ImageTiling selects the data layout of an image
type ImageTiling int32

const (
	ImageTilingOptimal ImageTiling = iota
	ImageTilingLinear
)

var imageTilingMapping = map[ImageTiling]string{
	ImageTilingOptimal: "Optimal",
	ImageTilingLinear:  "Linear",
}

func (t ImageTiling) String() string {
	str, ok := imageTilingMapping[t]
	if !ok {
		return "unknown ImageTiling"
	}
	return str
}
