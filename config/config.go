// Package config loads the YAML configuration document that wires
// together the storage, B+Tree, lock manager, logging, and telemetry
// settings for a running instance.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dblab/storagecore/pkg/logger"
	"github.com/dblab/storagecore/pkg/telemetry"
)

// Storage configures the disk/buffer-pool layer.
type Storage struct {
	PageSize  int `yaml:"page_size"`
	PoolSize  int `yaml:"pool_size"`
	ReplacerK int `yaml:"replacer_k"`
}

// BTree configures the index layer.
type BTree struct {
	LeafMaxSize     int `yaml:"leaf_max_size"`
	InternalMaxSize int `yaml:"internal_max_size"`
}

// Duration wraps time.Duration so it can be decoded from a YAML string
// like "50ms", which yaml.v3 does not do for the bare type.
type Duration time.Duration

// UnmarshalYAML decodes a duration string into d.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LockManager configures the concurrency-control layer.
type LockManager struct {
	CycleDetectionInterval Duration `yaml:"cycle_detection_interval"`
}

// Config is the top-level configuration document.
type Config struct {
	Storage     Storage          `yaml:"storage"`
	BTree       BTree            `yaml:"btree"`
	LockManager LockManager      `yaml:"lock_manager"`
	Logger      logger.Config    `yaml:"logger"`
	Telemetry   telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration this package falls back to when a
// field is left unset in the loaded document.
func Default() Config {
	return Config{
		Storage: Storage{
			PageSize:  4096,
			PoolSize:  64,
			ReplacerK: 2,
		},
		BTree: BTree{
			LeafMaxSize:     64,
			InternalMaxSize: 64,
		},
		LockManager: LockManager{
			CycleDetectionInterval: Duration(50 * time.Millisecond),
		},
		Logger: logger.Config{
			Level:       "info",
			Format:      "console",
			OutputFile:  "stdout",
			ServiceName: "gojodb-storagecore",
		},
		Telemetry: telemetry.Config{
			Enabled:         false,
			ServiceName:     "gojodb-storagecore",
			PrometheusPort:  9464,
			MetricNamespace: "gojodb",
		},
	}
}

// Load reads and decodes a YAML configuration file at path on top of
// Default(), so any field the document omits keeps its default value. A
// page_size of 0 is reset to 4096; other fields set explicitly to their
// zero value keep that zero value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.Storage.PageSize == 0 {
		cfg.Storage.PageSize = 4096
	}
	return cfg, nil
}
