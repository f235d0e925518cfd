// Package config loads the YAML configuration shared by the hashstore binaries.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sushant-115/hashstore/pkg/logger"
	"github.com/sushant-115/hashstore/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Storage   StorageConfig    `yaml:"storage"`
}

// StorageConfig describes the buffer pool and the index on top of it.
type StorageConfig struct {
	// DBFile is the page file. Empty keeps all pages in memory.
	DBFile string `yaml:"db_file"`
	// PoolSize is the number of frames in each buffer pool instance.
	PoolSize int `yaml:"pool_size"`
	// NumInstances is the number of buffer pool shards.
	NumInstances int `yaml:"num_instances"`
	// IndexName labels the index in logs, traces and metrics.
	IndexName string `yaml:"index_name"`
}

// Default returns the configuration used when no file is given, and the base
// a file is layered over.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "hashstore",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
		Storage: StorageConfig{
			DBFile:       "",
			PoolSize:     64,
			NumInstances: 4,
			IndexName:    "default",
		},
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if c.Storage.PoolSize < 3 {
		// A bucket split pins the directory, the bucket and its new image.
		errs = append(errs, fmt.Errorf("storage.pool_size must be at least 3, got %d", c.Storage.PoolSize))
	}
	if c.Storage.NumInstances < 1 {
		errs = append(errs, fmt.Errorf("storage.num_instances must be at least 1, got %d", c.Storage.NumInstances))
	}
	if c.Storage.IndexName == "" {
		errs = append(errs, errors.New("storage.index_name must not be empty"))
	}
	if c.Telemetry.Enabled && (c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535) {
		errs = append(errs, fmt.Errorf("telemetry.prometheus_port out of range: %d", c.Telemetry.PrometheusPort))
	}
	return errors.Join(errs...)
}
