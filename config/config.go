// Package config holds the engine configuration shared read-only by an
// instance, its bridge and its engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEngine        = "goja"
	DefaultQueueCapacity = 1024
	DefaultMemoryLimit   = "256MiB"
	DefaultCallTimeout   = 30 * time.Second
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is attached to an instance before Initialize and never changes
// afterwards.
type Config struct {
	// Engine names a registered engine factory.
	Engine string `yaml:"engine"`
	// MemoryLimit caps engine memory, in human units ("64MiB", "1GB").
	// Empty means the engine default.
	MemoryLimit string `yaml:"memory_limit"`
	// QueueCapacity bounds the number of tasks waiting on the JS queue.
	QueueCapacity int `yaml:"queue_capacity"`
	// Inspectable asks the engine to expose its context for debugging.
	Inspectable bool `yaml:"inspectable"`
	// CacheDir stores compiled engine artifacts between runs.
	CacheDir string `yaml:"cache_dir"`
	// CallTimeout bounds a single engine call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	Modules Modules `yaml:"modules"`
}

// Modules selects the built-in native modules.
type Modules struct {
	KeyValue bool    `yaml:"key_value"`
	Timing   bool    `yaml:"timing"`
	Logger   bool    `yaml:"logger"`
	Storage  string  `yaml:"storage"`
	FS       []Mount `yaml:"fs"`
	HTTP     *HTTP   `yaml:"http"`
}

// Mount exposes a host directory to script.
type Mount struct {
	Virtual string `yaml:"virtual"`
	Host    string `yaml:"host"`
	// Mode is "ro", "rw" or "rwc".
	Mode string `yaml:"mode"`
}

// HTTP enables the Networking module.
type HTTP struct {
	AllowedHosts []string      `yaml:"allowed_hosts"`
	MaxBodySize  string        `yaml:"max_body_size"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when none is attached.
func Default() Config {
	return Config{
		Engine:        DefaultEngine,
		MemoryLimit:   DefaultMemoryLimit,
		QueueCapacity: DefaultQueueCapacity,
		CallTimeout:   DefaultCallTimeout,
		Modules: Modules{
			KeyValue: true,
			Timing:   true,
			Logger:   true,
		},
	}
}

// Load reads a YAML file over Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges and units.
func (c Config) Validate() error {
	if c.Engine == "" {
		return fmt.Errorf("%w: engine is required", ErrInvalidConfig)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("%w: queue_capacity must not be negative", ErrInvalidConfig)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("%w: call_timeout must not be negative", ErrInvalidConfig)
	}
	if _, err := c.MemoryLimitBytes(); err != nil {
		return err
	}
	for _, m := range c.Modules.FS {
		if m.Virtual == "" || m.Host == "" {
			return fmt.Errorf("%w: fs mount needs virtual and host paths", ErrInvalidConfig)
		}
		if !strings.HasPrefix(m.Virtual, "/") {
			return fmt.Errorf("%w: fs mount %q must be absolute", ErrInvalidConfig, m.Virtual)
		}
		switch m.Mode {
		case "", "ro", "rw", "rwc":
		default:
			return fmt.Errorf("%w: fs mount %q has unknown mode %q", ErrInvalidConfig, m.Virtual, m.Mode)
		}
	}
	if h := c.Modules.HTTP; h != nil && h.MaxBodySize != "" {
		if _, err := humanize.ParseBytes(h.MaxBodySize); err != nil {
			return fmt.Errorf("%w: http max_body_size: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// MemoryLimitBytes parses MemoryLimit. Zero means no explicit limit.
func (c Config) MemoryLimitBytes() (uint64, error) {
	if c.MemoryLimit == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("%w: memory_limit: %v", ErrInvalidConfig, err)
	}
	return n, nil
}

// Capacity returns the JS queue bound. Zero means unbounded; Default and
// files loaded over it start from DefaultQueueCapacity.
func (c Config) Capacity() int {
	return c.QueueCapacity
}
