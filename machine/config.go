package machine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ekliptik/qtrvsim/timing/cache"
	"github.com/ekliptik/qtrvsim/timing/pipeline"
)

// ErrInvalidConfig is returned by Validate for an unusable configuration.
var ErrInvalidConfig = errors.New("invalid machine config")

// CacheConfig enables and sizes one level-1 cache.
type CacheConfig struct {
	Enabled bool `json:"enabled"`
	cache.Config
}

// Config describes the simulated machine.
type Config struct {
	// Pipelined selects the five-stage pipeline instead of the
	// single-cycle core.
	Pipelined bool `json:"pipelined"`

	// HazardUnit is one of "none", "stall" or "forward". Only the
	// pipelined core consults it.
	HazardUnit string `json:"hazard_unit"`

	// Predictor is one of "static", "btfnt" or "bimodal".
	Predictor        string `json:"predictor"`
	PredictorBHTSize uint32 `json:"predictor_bht_size"`
	PredictorBTBSize uint32 `json:"predictor_btb_size"`

	// MemorySize is the number of addressable bytes; 0 is the full 4 GiB.
	MemorySize      uint64 `json:"memory_size"`
	StrictAlignment bool   `json:"strict_alignment"`

	ICache CacheConfig `json:"icache"`
	DCache CacheConfig `json:"dcache"`

	// TrapVector is written to mtvec before the run. 0 leaves traps
	// unvectored.
	TrapVector uint32 `json:"trap_vector"`

	// SyscallEmulation handles ecall as a Linux system call.
	SyscallEmulation bool `json:"syscall_emulation"`

	// StopOnException names the exception causes that halt the core even
	// when handled.
	StopOnException []string `json:"stop_on_exception"`

	// MaxCycles bounds Run; 0 is unbounded.
	MaxCycles uint64 `json:"max_cycles"`
}

// DefaultConfig returns a pipelined machine with forwarding, a bimodal
// predictor, no caches and syscall emulation.
func DefaultConfig() *Config {
	bp := pipeline.DefaultBranchPredictorConfig()
	return &Config{
		Pipelined:        true,
		HazardUnit:       pipeline.HazardForward.String(),
		Predictor:        pipeline.PredictorBimodal,
		PredictorBHTSize: bp.BHTSize,
		PredictorBTBSize: bp.BTBSize,
		MemorySize:       0,
		ICache:           CacheConfig{Config: cache.DefaultL1IConfig()},
		DCache:           CacheConfig{Config: cache.DefaultL1DConfig()},
		SyscallEmulation: true,
	}
}

// LoadConfig loads a Config from a JSON file. Fields absent from the file
// keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read machine config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse machine config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a Config to a JSON file.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize machine config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write machine config file: %w", err)
	}

	return nil
}

// Validate checks that every field names something the machine can build.
func (c *Config) Validate() error {
	if _, err := pipeline.ParseHazardUnitMode(c.HazardUnit); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := pipeline.NewPredictor(c.Predictor, c.predictorConfig()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.PredictorBHTSize == 0 || c.PredictorBHTSize&(c.PredictorBHTSize-1) != 0 {
		return fmt.Errorf("%w: predictor_bht_size must be a power of 2", ErrInvalidConfig)
	}
	if c.PredictorBTBSize == 0 || c.PredictorBTBSize&(c.PredictorBTBSize-1) != 0 {
		return fmt.Errorf("%w: predictor_btb_size must be a power of 2", ErrInvalidConfig)
	}
	if c.TrapVector&3 != 0 {
		return fmt.Errorf("%w: trap_vector must be 4-byte aligned", ErrInvalidConfig)
	}
	if c.ICache.Enabled {
		if err := c.ICache.Validate(); err != nil {
			return fmt.Errorf("%w: icache: %w", ErrInvalidConfig, err)
		}
	}
	if c.DCache.Enabled {
		if err := c.DCache.Validate(); err != nil {
			return fmt.Errorf("%w: dcache: %w", ErrInvalidConfig, err)
		}
	}
	for _, name := range c.StopOnException {
		if _, err := pipeline.ParseExceptionCause(name); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	clone.StopOnException = append([]string(nil), c.StopOnException...)
	return &clone
}

func (c *Config) predictorConfig() pipeline.BranchPredictorConfig {
	return pipeline.BranchPredictorConfig{
		BHTSize: c.PredictorBHTSize,
		BTBSize: c.PredictorBTBSize,
	}
}
