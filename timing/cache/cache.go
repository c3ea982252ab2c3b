// Package cache provides a write-back, write-allocate cache placed in front
// of a FrontendMemory, using Akita cache components for tag management.
package cache

import (
	"errors"
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/ekliptik/qtrvsim/emu"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid cache config")

// Config holds cache configuration parameters.
type Config struct {
	// Size in bytes
	Size int `json:"size"`
	// Associativity (number of ways)
	Associativity int `json:"associativity"`
	// BlockSize in bytes (cache line size)
	BlockSize int `json:"block_size"`
}

// DefaultL1IConfig returns the default instruction cache configuration.
func DefaultL1IConfig() Config {
	return Config{
		Size:          4 * 1024, // 4KB
		Associativity: 2,
		BlockSize:     32,
	}
}

// DefaultL1DConfig returns the default data cache configuration.
func DefaultL1DConfig() Config {
	return Config{
		Size:          4 * 1024, // 4KB
		Associativity: 4,
		BlockSize:     32,
	}
}

// NumSets returns the number of sets the configuration describes.
func (c Config) NumSets() int {
	if c.Associativity <= 0 || c.BlockSize <= 0 {
		return 0
	}
	return c.Size / (c.Associativity * c.BlockSize)
}

// Validate checks that the geometry is usable.
func (c Config) Validate() error {
	if c.BlockSize < 4 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("%w: block_size %d must be a power of two >= 4",
			ErrInvalidConfig, c.BlockSize)
	}
	if c.Associativity <= 0 {
		return fmt.Errorf("%w: associativity must be positive", ErrInvalidConfig)
	}
	if c.NumSets() == 0 || c.NumSets()*c.Associativity*c.BlockSize != c.Size {
		return fmt.Errorf("%w: size %d is not a multiple of associativity*block_size",
			ErrInvalidConfig, c.Size)
	}
	return nil
}

// Statistics holds cache performance statistics.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// HitRate returns hits over total accesses, or 0 when nothing was accessed.
func (s Statistics) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a FrontendMemory that caches another FrontendMemory.
type Cache struct {
	config Config

	// Akita cache directory for tag/state management
	directory *akitacache.DirectoryImpl

	// Data storage - indexed by (setID * associativity + wayID)
	dataStore [][]byte

	stats Statistics

	backing emu.FrontendMemory
	checker emu.AccessChecker
}

// New creates a cache in front of backing. The config must be valid.
func New(config Config, backing emu.FrontendMemory) *Cache {
	numSets := config.NumSets()
	totalBlocks := numSets * config.Associativity

	dataStore := make([][]byte, totalBlocks)
	for i := range dataStore {
		dataStore[i] = make([]byte, config.BlockSize)
	}

	c := &Cache{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		dataStore: dataStore,
		backing:   backing,
	}
	c.checker, _ = backing.(emu.AccessChecker)
	return c
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Stats returns cache statistics.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// ResetStats clears cache statistics.
func (c *Cache) ResetStats() {
	c.stats = Statistics{}
}

// CheckAccess forwards the access policy of the backing memory, if any.
func (c *Cache) CheckAccess(addr uint32, size int, write bool) error {
	if c.checker == nil {
		return nil
	}
	return c.checker.CheckAccess(addr, size, write)
}

func (c *Cache) blockIndex(block *akitacache.Block) int {
	return block.SetID*c.config.Associativity + block.WayID
}

func (c *Cache) blockAddr(addr uint32) uint32 {
	return addr &^ uint32(c.config.BlockSize-1)
}

// Read returns size bytes starting at addr. An access crossing a line
// boundary touches every line it covers.
func (c *Cache) Read(addr uint32, size int) ([]byte, error) {
	if err := c.CheckAccess(addr, size, false); err != nil {
		return nil, err
	}
	c.stats.Reads++

	data := make([]byte, 0, size)
	for done := 0; done < size; {
		cur := addr + uint32(done)
		block, err := c.lookup(cur)
		if err != nil {
			return nil, err
		}
		offset := int(cur - c.blockAddr(cur))
		n := min(size-done, c.config.BlockSize-offset)
		blockData := c.dataStore[c.blockIndex(block)]
		data = append(data, blockData[offset:offset+n]...)
		done += n
	}
	return data, nil
}

// Write stores data starting at addr. Uses write-allocate: on miss the
// line is fetched first, then written and marked dirty.
func (c *Cache) Write(addr uint32, data []byte) error {
	if err := c.CheckAccess(addr, len(data), true); err != nil {
		return err
	}
	c.stats.Writes++

	for done := 0; done < len(data); {
		cur := addr + uint32(done)
		block, err := c.lookup(cur)
		if err != nil {
			return err
		}
		offset := int(cur - c.blockAddr(cur))
		blockData := c.dataStore[c.blockIndex(block)]
		done += copy(blockData[offset:], data[done:])
		block.IsDirty = true
	}
	return nil
}

// lookup returns the resident block holding addr, filling it on a miss.
func (c *Cache) lookup(addr uint32) (*akitacache.Block, error) {
	blockAddr := uint64(c.blockAddr(addr))

	block := c.directory.Lookup(0, blockAddr)
	if block != nil && block.IsValid {
		c.stats.Hits++
		c.directory.Visit(block) // Update LRU
		return block, nil
	}

	c.stats.Misses++
	return c.handleMiss(blockAddr)
}

func (c *Cache) handleMiss(blockAddr uint64) (*akitacache.Block, error) {
	victim := c.directory.FindVictim(blockAddr)
	if victim == nil {
		return nil, fmt.Errorf("no victim for line 0x%08x", blockAddr)
	}

	victimData := c.dataStore[c.blockIndex(victim)]

	if victim.IsValid {
		c.stats.Evictions++
		if victim.IsDirty {
			if err := c.writeback(victim); err != nil {
				return nil, err
			}
		}
	}

	newData, err := c.backing.Read(uint32(blockAddr), c.config.BlockSize)
	if err != nil {
		victim.IsValid = false
		victim.IsDirty = false
		return nil, fmt.Errorf("line fill at 0x%08x: %w", blockAddr, err)
	}
	copy(victimData, newData)

	// Tag stores the block-aligned address
	victim.Tag = blockAddr
	victim.IsValid = true
	victim.IsDirty = false

	c.directory.Visit(victim)
	return victim, nil
}

func (c *Cache) writeback(block *akitacache.Block) error {
	c.stats.Writebacks++
	data := c.dataStore[c.blockIndex(block)]
	if err := c.backing.Write(uint32(block.Tag), data); err != nil {
		return fmt.Errorf("writeback of line 0x%08x: %w", block.Tag, err)
	}
	block.IsDirty = false
	return nil
}

// Invalidate drops the line holding addr without writing it back.
func (c *Cache) Invalidate(addr uint32) {
	block := c.directory.Lookup(0, uint64(c.blockAddr(addr)))
	if block != nil && block.IsValid {
		block.IsValid = false
		block.IsDirty = false
	}
}

// Sync writes back all dirty lines and keeps them resident.
func (c *Cache) Sync() error {
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid && block.IsDirty {
				if err := c.writeback(block); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Flush writes back all dirty lines and invalidates the cache.
func (c *Cache) Flush() error {
	if err := c.Sync(); err != nil {
		return err
	}
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			block.IsValid = false
		}
	}
	return nil
}

// Reset invalidates all cache lines without writeback.
func (c *Cache) Reset() {
	c.directory.Reset()
	c.stats = Statistics{}
}
