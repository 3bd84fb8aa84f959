package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devmem/allocator"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/driver/simdriver"
	"sigs.k8s.io/yaml"
)

// MemoryType is the YAML form of driver.MemoryType
type MemoryType struct {
	Flags     []string
	HeapIndex int
}

// MemoryHeap is the YAML form of driver.MemoryHeap
type MemoryHeap struct {
	Size  Size
	Flags []string
}

// Device describes a simulated device. A Device without memory types or heaps is the simdriver
// DiscreteGPU layout, with any limits and alignments that are set applied on top.
type Device struct {
	MemoryTypes []MemoryType
	MemoryHeaps []MemoryHeap

	BufferImageGranularity   Size
	NonCoherentAtomSize      Size
	MaxMemoryAllocationCount int

	BufferAlignment Size
	ImageAlignment  Size
}

// SimulatorOptions converts the device description into options for simdriver.New
func (d *Device) SimulatorOptions() (simdriver.Options, error) {
	options := simdriver.DiscreteGPU()

	if len(d.MemoryTypes) > 0 || len(d.MemoryHeaps) > 0 {
		options.MemoryTypes = make([]driver.MemoryType, 0, len(d.MemoryTypes))
		for typeIndex, memoryType := range d.MemoryTypes {
			flags, err := ParseMemoryPropertyFlags(memoryType.Flags)
			if err != nil {
				return simdriver.Options{}, errors.Wrapf(err, "memory type %d", typeIndex)
			}
			options.MemoryTypes = append(options.MemoryTypes, driver.MemoryType{
				PropertyFlags: flags,
				HeapIndex:     memoryType.HeapIndex,
			})
		}

		options.MemoryHeaps = make([]driver.MemoryHeap, 0, len(d.MemoryHeaps))
		for heapIndex, heap := range d.MemoryHeaps {
			flags, err := parseFlags[driver.MemoryHeapFlags](heap.Flags, "memory heap")
			if err != nil {
				return simdriver.Options{}, errors.Wrapf(err, "memory heap %d", heapIndex)
			}
			options.MemoryHeaps = append(options.MemoryHeaps, driver.MemoryHeap{
				Size:  int(heap.Size),
				Flags: flags,
			})
		}
	}

	if d.BufferImageGranularity > 0 {
		options.Limits.BufferImageGranularity = int(d.BufferImageGranularity)
	}
	if d.NonCoherentAtomSize > 0 {
		options.Limits.NonCoherentAtomSize = int(d.NonCoherentAtomSize)
	}
	if d.MaxMemoryAllocationCount > 0 {
		options.Limits.MaxMemoryAllocationCount = d.MaxMemoryAllocationCount
	}
	if d.BufferAlignment > 0 {
		options.BufferAlignment = uint(d.BufferAlignment)
	}
	if d.ImageAlignment > 0 {
		options.ImageAlignment = uint(d.ImageAlignment)
	}

	return options, nil
}

// StepOp names the action a workload step performs
type StepOp string

const (
	// StepAllocate allocates Count raw allocations of Size bytes under Name
	StepAllocate StepOp = "allocate"
	// StepBuffer creates Count buffers of Size bytes with bound memory under Name
	StepBuffer StepOp = "buffer"
	// StepImage creates Count Width x Height images with bound memory under Name
	StepImage StepOp = "image"
	// StepFree frees everything held under Name
	StepFree StepOp = "free"
	// StepResize resizes everything held under Name to Size bytes
	StepResize StepOp = "resize"
	// StepTouch touches everything held under Name, recreating allocations that became lost
	StepTouch StepOp = "touch"
	// StepFrame advances the allocator's frame index by Frames, or by one if Frames is 0
	StepFrame StepOp = "frame"
	// StepMakeLost makes eligible allocations of Pool lost, or of every custom pool if Pool is empty
	StepMakeLost StepOp = "makeLost"
	// StepDefragment runs a synchronous defragmentation of Pool, or of the default pools
	StepDefragment StepOp = "defragment"
	// StepCheckCorruption checks the guards of every memory type
	StepCheckCorruption StepOp = "checkCorruption"
	// StepMaintain frees empty blocks beyond each pool's minimum
	StepMaintain StepOp = "maintain"
)

// Step is a single action in a Workload
type Step struct {
	Op    StepOp
	Name  string
	Count int

	Size           Size
	Alignment      Size
	MemoryTypeBits uint32
	Width          int
	Height         int

	Usage          string
	Flags          []string
	RequiredFlags  []string
	PreferredFlags []string
	Pool           string
	Priority       float32

	Frames int

	Algorithm             string
	MaxBytesPerPass       Size
	MaxAllocationsPerPass int
}

// AllocationCreateInfo builds the create info for an allocating step, resolving Pool against pools
func (s *Step) AllocationCreateInfo(pools map[string]*allocator.Pool) (allocator.AllocationCreateInfo, error) {
	usage, err := ParseMemoryUsage(s.Usage)
	if err != nil {
		return allocator.AllocationCreateInfo{}, err
	}

	flags, err := ParseAllocationCreateFlags(s.Flags)
	if err != nil {
		return allocator.AllocationCreateInfo{}, err
	}

	required, err := ParseMemoryPropertyFlags(s.RequiredFlags)
	if err != nil {
		return allocator.AllocationCreateInfo{}, err
	}

	preferred, err := ParseMemoryPropertyFlags(s.PreferredFlags)
	if err != nil {
		return allocator.AllocationCreateInfo{}, err
	}

	createInfo := allocator.AllocationCreateInfo{
		Flags:          flags,
		Usage:          usage,
		RequiredFlags:  required,
		PreferredFlags: preferred,
		MemoryTypeBits: s.MemoryTypeBits,
		Priority:       s.Priority,
		UserData:       s.Name,
	}

	if s.Pool != "" {
		pool, ok := pools[s.Pool]
		if !ok {
			return allocator.AllocationCreateInfo{}, errors.Mark(errors.Newf("step refers to unknown pool %q", s.Pool), ErrUnknownName)
		}
		createInfo.Pool = pool
	}

	return createInfo, nil
}

// DefragmentationInfo builds the options for a defragment step
func (s *Step) DefragmentationInfo(pools map[string]*allocator.Pool) (allocator.DefragmentationInfo, error) {
	algorithm, err := ParseDefragmentationAlgorithm(s.Algorithm)
	if err != nil {
		return allocator.DefragmentationInfo{}, err
	}

	info := allocator.DefragmentationInfo{
		Flags:                 algorithm,
		MaxBytesPerPass:       int(s.MaxBytesPerPass),
		MaxAllocationsPerPass: s.MaxAllocationsPerPass,
	}

	if s.Pool != "" {
		pool, ok := pools[s.Pool]
		if !ok {
			return allocator.DefragmentationInfo{}, errors.Mark(errors.Newf("step refers to unknown pool %q", s.Pool), ErrUnknownName)
		}
		info.Pool = pool
	}

	return info, nil
}

// Workload is a scripted sequence of allocator operations against a simulated device
type Workload struct {
	Device    Device
	Allocator Allocator
	Steps     []Step
}

func (w *Workload) validate() error {
	for index, step := range w.Steps {
		switch step.Op {
		case StepAllocate, StepBuffer, StepImage, StepFree, StepResize, StepTouch:
			if step.Name == "" {
				return errors.Newf("step %d (%s) requires a name", index, step.Op)
			}
		case StepFrame, StepMakeLost, StepDefragment, StepCheckCorruption, StepMaintain:
		default:
			return errors.Mark(errors.Newf("step %d has unknown op %q", index, step.Op), ErrUnknownName)
		}

		if step.Count < 0 {
			return errors.Newf("step %d has negative count %d", index, step.Count)
		}
	}

	return nil
}

// ParseWorkload decodes a YAML workload. Unknown fields and unknown step ops are an error.
func ParseWorkload(data []byte) (*Workload, error) {
	var workload Workload
	if err := yaml.UnmarshalStrict(data, &workload); err != nil {
		return nil, errors.Wrap(err, "cannot parse workload")
	}

	if err := workload.validate(); err != nil {
		return nil, err
	}

	return &workload, nil
}

// LoadWorkload reads and decodes a YAML workload from path
func LoadWorkload(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading workload file %q", path)
	}

	return ParseWorkload(data)
}
