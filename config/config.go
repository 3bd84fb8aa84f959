// Package config loads allocator options, simulated devices, and workloads from YAML documents.
//
// Field names match the Go struct fields and are matched case-insensitively, so both "blockSize" and
// "BlockSize" are accepted. Flags are lists of the names their String methods print, and sizes accept
// unit suffixes:
//
//	allocator:
//	  flags: [ExternallySynchronized]
//	  preferredLargeHeapBlockSize: 64MiB
//	  debugMargin: 16
//	  pools:
//	    - name: staging
//	      memoryTypeIndex: 1
//	      blockSize: 4MiB
//	      maxBlockCount: 8
//	      strategy: MinTime
package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devmem/allocator"
	"sigs.k8s.io/yaml"
)

// Allocator is the YAML form of allocator.CreateOptions plus the custom pools to create once the
// allocator exists
type Allocator struct {
	Flags                         []string
	PreferredLargeHeapBlockSize   Size
	HeapSizeLimits                []Size
	DebugMargin                   int
	DefaultEvictionFrameThreshold int

	Pools []Pool
}

// Pool is the YAML form of allocator.PoolCreateInfo
type Pool struct {
	Name            string
	MemoryTypeIndex int
	Flags           []string

	BlockSize     Size
	MinBlockSize  Size
	MaxBlockSize  Size
	MinBlockCount int
	MaxBlockCount int

	EvictionFrameThreshold int
	Strategy               string
	Priority               float32
}

// CreateOptions converts the configuration into options for allocator.New
func (c *Allocator) CreateOptions() (allocator.CreateOptions, error) {
	flags, err := parseFlags[allocator.CreateFlags](c.Flags, "allocator")
	if err != nil {
		return allocator.CreateOptions{}, err
	}

	return allocator.CreateOptions{
		Flags:                         flags,
		PreferredLargeHeapBlockSize:   int(c.PreferredLargeHeapBlockSize),
		HeapSizeLimits:                sizes(c.HeapSizeLimits),
		DebugMargin:                   c.DebugMargin,
		DefaultEvictionFrameThreshold: c.DefaultEvictionFrameThreshold,
	}, nil
}

// PoolCreateInfo converts the configuration into a create info for Allocator.CreatePool
func (c *Pool) PoolCreateInfo() (allocator.PoolCreateInfo, error) {
	flags, err := parseFlags[allocator.PoolCreateFlags](c.Flags, "pool")
	if err != nil {
		return allocator.PoolCreateInfo{}, errors.Wrapf(err, "pool %q", c.Name)
	}

	strategy, err := ParseStrategy(c.Strategy)
	if err != nil {
		return allocator.PoolCreateInfo{}, errors.Wrapf(err, "pool %q", c.Name)
	}

	return allocator.PoolCreateInfo{
		MemoryTypeIndex:        c.MemoryTypeIndex,
		Flags:                  flags,
		BlockSize:              int(c.BlockSize),
		MinBlockSize:           int(c.MinBlockSize),
		MaxBlockSize:           int(c.MaxBlockSize),
		MinBlockCount:          c.MinBlockCount,
		MaxBlockCount:          c.MaxBlockCount,
		EvictionFrameThreshold: c.EvictionFrameThreshold,
		Strategy:               strategy,
		Priority:               c.Priority,
		Name:                   c.Name,
	}, nil
}

// CreatePools creates every configured pool on target, returning them by name. If any pool fails, the pools
// already created are destroyed.
func (c *Allocator) CreatePools(target *allocator.Allocator) (map[string]*allocator.Pool, error) {
	pools := make(map[string]*allocator.Pool, len(c.Pools))
	for index := range c.Pools {
		poolConfig := &c.Pools[index]
		if _, exists := pools[poolConfig.Name]; exists {
			destroyPools(pools)
			return nil, errors.Newf("pool name %q is used more than once", poolConfig.Name)
		}

		createInfo, err := poolConfig.PoolCreateInfo()
		if err != nil {
			destroyPools(pools)
			return nil, err
		}

		pool, err := target.CreatePool(createInfo)
		if err != nil {
			destroyPools(pools)
			return nil, errors.Wrapf(err, "failed to create pool %q", poolConfig.Name)
		}
		pools[poolConfig.Name] = pool
	}

	return pools, nil
}

func destroyPools(pools map[string]*allocator.Pool) {
	for _, pool := range pools {
		_ = pool.Destroy()
	}
}

// Parse decodes a YAML allocator configuration. Unknown fields are an error.
func Parse(data []byte) (*Allocator, error) {
	var cfg Allocator
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse allocator configuration")
	}
	return &cfg, nil
}

// Load reads and decodes a YAML allocator configuration from path
func Load(path string) (*Allocator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading configuration file %q", path)
	}

	return Parse(data)
}
