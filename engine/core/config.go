package core

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

const (
	// Hard ceiling for any bindless heap.
	BINDLESS_MAX_CAPACITY uint32 = 100000
	// Frames in flight are kept between MIN_BUFFERCOUNT and MAX_BUFFERCOUNT.
	MIN_BUFFERCOUNT uint32 = 1
	MAX_BUFFERCOUNT uint32 = 4
)

type EngineConfig struct {
	Name string `toml:"name"`
	// Stops the frame loop after this many frames. 0 runs until quit.
	MaxFrames uint64 `toml:"max_frames"`
	Workers   int    `toml:"workers"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type DeviceConfig struct {
	// "software" or "vulkan".
	Backend     string `toml:"backend"`
	BufferCount uint32 `toml:"buffer_count"`
	// Turns on synchronization misuse assertions and dependency cycle detection.
	Validation       bool   `toml:"validation"`
	GPUWaitTimeoutMS uint32 `toml:"gpu_wait_timeout_ms"`
}

type BindlessConfig struct {
	SampledImages  uint32 `toml:"sampled_images"`
	StorageImages  uint32 `toml:"storage_images"`
	StorageBuffers uint32 `toml:"storage_buffers"`
	Samplers       uint32 `toml:"samplers"`
}

type CopyConfig struct {
	MinStagingSize uint64 `toml:"min_staging_size"`
}

type FrameConfig struct {
	LinearAllocatorSize uint64 `toml:"linear_allocator_size"`
}

type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Log      LogConfig      `toml:"log"`
	Device   DeviceConfig   `toml:"device"`
	Bindless BindlessConfig `toml:"bindless"`
	Copy     CopyConfig     `toml:"copy"`
	Frame    FrameConfig    `toml:"frame"`
}

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Name:    "anima-gpu",
			Workers: 4,
		},
		Log: LogConfig{
			Level: "info",
		},
		Device: DeviceConfig{
			Backend:          "software",
			BufferCount:      2,
			Validation:       true,
			GPUWaitTimeoutMS: 5000,
		},
		Bindless: BindlessConfig{
			SampledImages:  BINDLESS_MAX_CAPACITY,
			StorageImages:  1000,
			StorageBuffers: 10000,
			Samplers:       256,
		},
		Copy: CopyConfig{
			MinStagingSize: 64 * 1024,
		},
		Frame: FrameConfig{
			LinearAllocatorSize: 1 << 20,
		},
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig. Missing keys keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decoding config"), ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unusable settings and clamps bindless capacities to BINDLESS_MAX_CAPACITY.
func (c *Config) Validate() error {
	if c.Device.BufferCount < MIN_BUFFERCOUNT || c.Device.BufferCount > MAX_BUFFERCOUNT {
		return errors.Wrapf(ErrInvalidConfig, "device.buffer_count must be within [%d, %d], got %d",
			MIN_BUFFERCOUNT, MAX_BUFFERCOUNT, c.Device.BufferCount)
	}
	switch c.Device.Backend {
	case "software", "vulkan":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown device.backend %q", c.Device.Backend)
	}
	if c.Engine.Workers <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Copy.MinStagingSize == 0 {
		return errors.Wrap(ErrInvalidConfig, "copy.min_staging_size must be positive")
	}
	if c.Frame.LinearAllocatorSize == 0 {
		return errors.Wrap(ErrInvalidConfig, "frame.linear_allocator_size must be positive")
	}
	for _, capacity := range []*uint32{
		&c.Bindless.SampledImages,
		&c.Bindless.StorageImages,
		&c.Bindless.StorageBuffers,
		&c.Bindless.Samplers,
	} {
		if *capacity == 0 {
			return errors.Wrap(ErrInvalidConfig, "bindless capacities must be positive")
		}
		if *capacity > BINDLESS_MAX_CAPACITY {
			LogWarn("bindless capacity %d clamped to %d", *capacity, BINDLESS_MAX_CAPACITY)
			*capacity = BINDLESS_MAX_CAPACITY
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return errors.Mark(errors.Wrapf(err, "log.level"), ErrInvalidConfig)
	}
	return nil
}
