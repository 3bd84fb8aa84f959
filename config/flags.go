package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devmem/allocator"
	"github.com/vkngwrapper/devmem/driver"
)

// ErrUnknownName is returned when a flag, usage, or algorithm name is not recognized
var ErrUnknownName = errors.New("unknown name")

// namedFlags is any of the module's bitflag types, which print registered bit names via String
type namedFlags interface {
	~int32
	String() string
}

var flagAliases = map[string]string{
	"Mapped":                   "MappedOnCreation",
	"StrategyMinMemory":        "StrategyBestFit",
	"StrategyMinFragmentation": "StrategyWorstFit",
	"StrategyMinTime":          "StrategyFirstFit",
}

func findFlag[T namedFlags](name string) (T, bool) {
	if alias, ok := flagAliases[name]; ok {
		name = alias
	}

	for bit := 0; bit < 31; bit++ {
		flag := T(1) << bit
		if strings.EqualFold(flag.String(), name) {
			return flag, true
		}
	}

	return 0, false
}

// parseFlags ORs together the bits named in names
func parseFlags[T namedFlags](names []string, kind string) (T, error) {
	var flags T
	for _, name := range names {
		flag, ok := findFlag[T](strings.TrimSpace(name))
		if !ok {
			return 0, errors.Mark(errors.Newf("unknown %s flag %q", kind, name), ErrUnknownName)
		}
		flags |= flag
	}

	return flags, nil
}

// ParseAllocationCreateFlags converts names such as "MayBecomeLost" into allocator.AllocationCreateFlags
func ParseAllocationCreateFlags(names []string) (allocator.AllocationCreateFlags, error) {
	return parseFlags[allocator.AllocationCreateFlags](names, "allocation")
}

// ParseMemoryPropertyFlags converts names such as "HostVisible" into driver.MemoryPropertyFlags
func ParseMemoryPropertyFlags(names []string) (driver.MemoryPropertyFlags, error) {
	return parseFlags[driver.MemoryPropertyFlags](names, "memory property")
}

// ParseStrategy converts a strategy name into its allocation flag. Both "BestFit" and "StrategyBestFit"
// are accepted, as are the MinMemory, MinFragmentation, and MinTime aliases. An empty name is 0.
func ParseStrategy(name string) (allocator.AllocationCreateFlags, error) {
	if name == "" {
		return 0, nil
	}
	if !strings.HasPrefix(name, "Strategy") {
		name = "Strategy" + name
	}

	flag, ok := findFlag[allocator.AllocationCreateFlags](name)
	if !ok || flag&allocator.AllocationCreateStrategyMask == 0 {
		return 0, errors.Mark(errors.Newf("unknown allocation strategy %q", name), ErrUnknownName)
	}
	return flag, nil
}

// ParseMemoryUsage converts a usage name such as "HostToDevice" into an allocator.MemoryUsage. An empty
// name is MemoryUsageUnknown.
func ParseMemoryUsage(name string) (allocator.MemoryUsage, error) {
	if name == "" {
		return allocator.MemoryUsageUnknown, nil
	}

	usage, ok := allocator.ParseMemoryUsage(name)
	if !ok {
		return 0, errors.Mark(errors.Newf("unknown memory usage %q", name), ErrUnknownName)
	}
	return usage, nil
}

// ParseDefragmentationAlgorithm converts "Fast" or "Full" into the matching defragmentation flag. An empty
// name selects the default algorithm.
func ParseDefragmentationAlgorithm(name string) (allocator.DefragmentationFlags, error) {
	switch strings.ToLower(name) {
	case "":
		return 0, nil
	case "fast":
		return allocator.DefragmentationFlagAlgorithmFast, nil
	case "full":
		return allocator.DefragmentationFlagAlgorithmFull, nil
	}

	return 0, errors.Mark(errors.Newf("unknown defragmentation algorithm %q", name), ErrUnknownName)
}
