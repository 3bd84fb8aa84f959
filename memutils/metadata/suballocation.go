package metadata

import "math"

// BlockAllocationHandle identifies a single live allocation within one block's metadata
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// SuballocationType describes what kind of resource lives in a region of a block. It drives the
// buffer/image granularity conflict rules.
type SuballocationType uint32

const (
	SuballocationFree SuballocationType = iota
	SuballocationUnknown
	SuballocationBuffer
	SuballocationImageUnknown
	SuballocationImageLinear
	SuballocationImageOptimal
)

var suballocationTypeMapping = map[SuballocationType]string{
	SuballocationFree:         "FREE",
	SuballocationUnknown:      "UNKNOWN",
	SuballocationBuffer:       "BUFFER",
	SuballocationImageUnknown: "IMAGE_UNKNOWN",
	SuballocationImageLinear:  "IMAGE_LINEAR",
	SuballocationImageOptimal: "IMAGE_OPTIMAL",
}

func (s SuballocationType) String() string {
	str, ok := suballocationTypeMapping[s]
	if !ok {
		return "unknown SuballocationType"
	}

	return str
}

// Suballocation is a point-in-time description of one region of a block
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
	Type     SuballocationType
}
