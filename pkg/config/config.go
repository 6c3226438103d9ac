package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	Prod = "prod"
	Dev  = "dev"
	Test = "test"
)

type Display struct {
	Display *DisplayBox `yaml:"display"`
}

type DisplayBox struct {
	Env        string      `yaml:"env"`
	Name       string      `yaml:"name"`
	Queue      *Queue      `yaml:"queue"`
	Api        *Api        `yaml:"api"`
	Metrics    *Metrics    `yaml:"metrics"`
	K8S        *K8S        `yaml:"k8s"`
	ForceGC    *ForceGC    `yaml:"force_gc"`
	Compositor *Compositor `yaml:"compositor"`
}

// Queue carries the work queue tuning knobs.
type Queue struct {
	// PoolCount is the number of pre-allocated frames; PoolLimit is the soft
	// cap on used frames before producers are stalled to let the display
	// drain. PoolLimit must stay below PoolCount.
	PoolCount int `yaml:"pool_count"`
	PoolLimit int `yaml:"pool_limit"`

	// SyncBeforeFlip makes the worker wait for source rendering to complete
	// before a frame is handed to the display.
	SyncBeforeFlip bool `yaml:"sync_before_flip"`

	TimeoutForReady      time.Duration `yaml:"timeout_for_ready"`      // bounded wait for display readiness
	TimeoutForLimit      time.Duration `yaml:"timeout_for_limit"`      // bounded producer stall on pool pressure
	TimeoutWaitRendering time.Duration `yaml:"timeout_wait_rendering"` // bounded wait for layer rendering

	// Validate enables full ring walks with counter cross-checks after every
	// mutation. Meant for tests and debugging; it panics on inconsistency.
	Validate bool `yaml:"validate"`
}

type Api struct {
	Name string `yaml:"name"`
	Port string `yaml:"port"`
}

type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

type K8S struct {
	Probe *Probe `yaml:"probe"`
}

type Probe struct {
	Timeout time.Duration `yaml:"timeout"`
}

type ForceGC struct {
	Enabled           bool          `yaml:"enabled"`
	GCInterval        time.Duration `yaml:"gc_interval"`
	FreeOsMemInterval time.Duration `yaml:"free_os_mem_interval"`
}

// Compositor configures the built-in demo producer.
type Compositor struct {
	Enabled     bool `yaml:"enabled"`
	RefreshRate int  `yaml:"refresh_rate"` // frames per second
	Layers      int  `yaml:"layers"`       // layers per composed frame
}

const (
	configPath      = "/config/config.yaml"
	configPathLocal = "/config/config.local.yaml"
	configPathTest  = "/../../config/config.test.yaml"
)

func LoadConfig() (*Display, error) {
	env := os.Getenv("APP_ENV")

	var path string
	switch {
	case env == Prod:
		path = configPath
	case env == Dev:
		path = configPathLocal
	case env == Test:
		path = configPathTest
	default:
		return nil, errors.New("unknown APP_ENV: '" + env + "'")
	}

	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	path, err = filepath.Abs(filepath.Clean(dir + path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute config filepath: %w", err)
	}

	if _, err = os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config yaml file %s: %w", path, err)
	}

	var cfg *Display
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml from %s: %w", path, err)
	}
	if cfg == nil || cfg.Display == nil {
		return nil, fmt.Errorf("config %s has no display section", path)
	}

	if err = cfg.Display.Queue.normalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultQueue returns queue settings usable without a config file.
func DefaultQueue() *Queue {
	q := &Queue{}
	_ = q.normalize()
	return q
}

func (q *Queue) normalize() error {
	if q == nil {
		return errors.New("queue config section is missing")
	}
	if q.PoolCount <= 0 {
		q.PoolCount = 8
	}
	if q.PoolLimit <= 0 {
		q.PoolLimit = q.PoolCount - 2
	}
	if q.PoolLimit >= q.PoolCount {
		return fmt.Errorf("queue pool_limit %d must be below pool_count %d", q.PoolLimit, q.PoolCount)
	}
	if q.TimeoutForReady <= 0 {
		q.TimeoutForReady = time.Second
	}
	if q.TimeoutForLimit <= 0 {
		q.TimeoutForLimit = 500 * time.Millisecond
	}
	if q.TimeoutWaitRendering <= 0 {
		q.TimeoutWaitRendering = 100 * time.Millisecond
	}
	return nil
}

func (c *Display) IsProd() bool {
	return c != nil && c.Display != nil && c.Display.Env == Prod
}
