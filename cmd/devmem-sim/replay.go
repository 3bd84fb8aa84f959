package main

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/devmem/allocator"
	"github.com/vkngwrapper/devmem/config"
	"github.com/vkngwrapper/devmem/driver"
	"github.com/vkngwrapper/devmem/driver/simdriver"
	"github.com/vkngwrapper/devmem/metrics"
	"golang.org/x/exp/slog"
)

// resource is one allocation created by a workload step, together with the buffer or image bound to it
type resource struct {
	alloc  *allocator.Allocation
	buffer driver.BufferHandle
	image  driver.ImageHandle
}

// replayer runs workload steps against an allocator on a simulated device
type replayer struct {
	logger    *slog.Logger
	device    *simdriver.Driver
	allocator *allocator.Allocator
	collector *metrics.Collector

	pools     map[string]*allocator.Pool
	resources map[string][]resource

	// evicted counts allocations that were found lost and recreated by touch steps
	evicted int
}

func newReplayer(logger *slog.Logger, workload *config.Workload) (*replayer, error) {
	deviceOptions, err := workload.Device.SimulatorOptions()
	if err != nil {
		return nil, err
	}

	device, err := simdriver.New(deviceOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create simulated device")
	}

	createOptions, err := workload.Allocator.CreateOptions()
	if err != nil {
		return nil, err
	}

	alloc, err := allocator.New(logger, device, createOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create allocator")
	}

	pools, err := workload.Allocator.CreatePools(alloc)
	if err != nil {
		_ = alloc.Destroy()
		return nil, err
	}

	return &replayer{
		logger:    logger,
		device:    device,
		allocator: alloc,
		collector: metrics.NewCollector(alloc),
		pools:     pools,
		resources: make(map[string][]resource),
	}, nil
}

func (r *replayer) Run(ctx context.Context, steps []config.Step) error {
	for index := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		step := &steps[index]
		r.logger.LogAttrs(ctx, slog.LevelDebug, "replay step",
			slog.Int("index", index),
			slog.String("op", string(step.Op)),
			slog.String("name", step.Name),
		)

		if err := r.step(step); err != nil {
			return errors.Wrapf(err, "step %d (%s %s)", index, step.Op, step.Name)
		}
	}

	return nil
}

func count(step *config.Step) int {
	if step.Count == 0 {
		return 1
	}
	return step.Count
}

func (r *replayer) step(step *config.Step) error {
	switch step.Op {
	case config.StepAllocate:
		return r.allocate(step)
	case config.StepBuffer:
		return r.createBuffers(step)
	case config.StepImage:
		return r.createImages(step)
	case config.StepFree:
		return r.free(step.Name)
	case config.StepResize:
		return r.resize(step)
	case config.StepTouch:
		return r.touch(step.Name)
	case config.StepFrame:
		frames := step.Frames
		if frames == 0 {
			frames = 1
		}
		r.allocator.SetCurrentFrameIndex(r.allocator.CurrentFrameIndex() + uint32(frames))
		return nil
	case config.StepMakeLost:
		return r.makeLost(step.Pool)
	case config.StepDefragment:
		return r.defragment(step)
	case config.StepCheckCorruption:
		return r.allocator.CheckCorruption(math.MaxUint32)
	case config.StepMaintain:
		freed, err := r.allocator.Maintain()
		r.logger.Debug("maintained pools", slog.Int("blocksFreed", freed))
		return err
	}

	return errors.Mark(errors.Newf("unknown op %q", step.Op), config.ErrUnknownName)
}

func (r *replayer) allocate(step *config.Step) error {
	createInfo, err := step.AllocationCreateInfo(r.pools)
	if err != nil {
		return err
	}

	alignment := uint(step.Alignment)
	if alignment == 0 {
		alignment = 1
	}

	allocs, err := r.allocator.AllocateMemorySlice(driver.MemoryRequirements{
		Size:           int(step.Size),
		Alignment:      alignment,
		MemoryTypeBits: step.MemoryTypeBits,
	}, createInfo, count(step))
	if err != nil {
		return err
	}

	for _, alloc := range allocs {
		r.resources[step.Name] = append(r.resources[step.Name], resource{alloc: alloc})
	}
	return nil
}

func (r *replayer) createBuffers(step *config.Step) error {
	createInfo, err := step.AllocationCreateInfo(r.pools)
	if err != nil {
		return err
	}

	for i := 0; i < count(step); i++ {
		buffer, alloc, err := r.allocator.CreateBuffer(driver.BufferCreateInfo{Size: int(step.Size)}, createInfo)
		if err != nil {
			return err
		}
		r.resources[step.Name] = append(r.resources[step.Name], resource{alloc: alloc, buffer: buffer})
	}
	return nil
}

func (r *replayer) createImages(step *config.Step) error {
	createInfo, err := step.AllocationCreateInfo(r.pools)
	if err != nil {
		return err
	}

	for i := 0; i < count(step); i++ {
		image, alloc, err := r.allocator.CreateImage(driver.ImageCreateInfo{
			Width:       step.Width,
			Height:      step.Height,
			Depth:       1,
			MipLevels:   1,
			ArrayLayers: 1,
		}, createInfo)
		if err != nil {
			return err
		}
		r.resources[step.Name] = append(r.resources[step.Name], resource{alloc: alloc, image: image})
	}
	return nil
}

func (r *replayer) release(res resource) error {
	switch {
	case res.buffer != driver.NullBuffer:
		return r.allocator.DestroyBuffer(res.buffer, res.alloc)
	case res.image != driver.NullImage:
		return r.allocator.DestroyImage(res.image, res.alloc)
	}
	return r.allocator.FreeMemory(res.alloc)
}

func (r *replayer) free(name string) error {
	resources, ok := r.resources[name]
	if !ok {
		return errors.Newf("nothing is allocated under %q", name)
	}
	delete(r.resources, name)

	var err error
	for _, res := range resources {
		if freeErr := r.release(res); freeErr != nil {
			err = multierror.Append(err, freeErr)
		}
	}
	return err
}

func (r *replayer) resize(step *config.Step) error {
	resources, ok := r.resources[step.Name]
	if !ok {
		return errors.Newf("nothing is allocated under %q", step.Name)
	}

	for _, res := range resources {
		if err := r.allocator.ResizeAllocation(res.alloc, int(step.Size)); err != nil {
			return err
		}
	}
	return nil
}

func (r *replayer) touch(name string) error {
	resources, ok := r.resources[name]
	if !ok {
		return errors.Newf("nothing is allocated under %q", name)
	}

	for _, res := range resources {
		err := res.alloc.Touch()
		if errors.Is(err, allocator.ErrAllocationLost) && res.buffer == driver.NullBuffer && res.image == driver.NullImage {
			r.evicted++
			err = r.allocator.RecreateLostAllocation(res.alloc)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *replayer) makeLost(poolName string) error {
	if poolName != "" {
		pool, ok := r.pools[poolName]
		if !ok {
			return errors.Mark(errors.Newf("unknown pool %q", poolName), config.ErrUnknownName)
		}
		r.logger.Debug("made allocations lost", slog.String("pool", poolName), slog.Int("count", pool.MakeAllocationsLost()))
		return nil
	}

	for name, pool := range r.pools {
		r.logger.Debug("made allocations lost", slog.String("pool", name), slog.Int("count", pool.MakeAllocationsLost()))
	}
	return nil
}

func (r *replayer) defragment(step *config.Step) error {
	info, err := step.DefragmentationInfo(r.pools)
	if err != nil {
		return err
	}

	report, err := r.allocator.Defragment(info)
	if err != nil {
		return err
	}
	r.collector.RecordDefragmentation(report)

	r.logger.Info("defragmented",
		slog.Int("allocationsMoved", report.Stats.AllocationsMoved),
		slog.Int("bytesMoved", report.Stats.BytesMoved),
		slog.Int("blocksFreed", report.Stats.DeviceMemoryBlocksFreed),
		slog.Float64("fragmentationBefore", report.FragmentationBefore),
		slog.Float64("fragmentationAfter", report.FragmentationAfter),
	)
	if report.Err != nil {
		r.logger.Warn("some defragmentation moves failed", slog.Any("error", report.Err))
	}
	return nil
}

// Close releases every remaining resource, then the pools and the allocator
func (r *replayer) Close() error {
	var err error
	for name := range r.resources {
		if freeErr := r.free(name); freeErr != nil {
			err = multierror.Append(err, freeErr)
		}
	}

	for name, pool := range r.pools {
		if destroyErr := pool.Destroy(); destroyErr != nil {
			err = multierror.Append(err, errors.Wrapf(destroyErr, "failed to destroy pool %q", name))
		}
	}
	r.pools = nil

	if destroyErr := r.allocator.Destroy(); destroyErr != nil {
		err = multierror.Append(err, destroyErr)
	}
	return err
}
