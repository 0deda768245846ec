// Package config loads the application configuration and the credential file.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/s3fs/internal/metrics"
	s3backend "github.com/objectfs/s3fs/internal/storage/s3"
	"github.com/objectfs/s3fs/pkg/errors"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global   GlobalConfig      `yaml:"global"`
	S3       s3backend.Config  `yaml:"s3"`
	Mount    MountConfig       `yaml:"mount"`
	Uploader UploaderConfig    `yaml:"uploader"`
	Metrics  metrics.Config    `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// MountConfig represents mount-option settings passed to the FUSE layer
type MountConfig struct {
	Volname    string `yaml:"volname"`
	IOSize     uint32 `yaml:"iosize"`
	AllowOther bool   `yaml:"allow_other"`
}

// UploaderConfig represents uploader daemon settings
type UploaderConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		S3: *s3backend.NewDefaultConfig(),
		Uploader: UploaderConfig{
			ScanInterval: 3 * time.Second,
		},
		Metrics: metrics.Config{
			Enabled: false,
			Path:    "/metrics",
		},
	}
}

// Load reads a yaml configuration file over the defaults. An empty path
// returns the defaults untouched.
func Load(path string) (*Configuration, error) {
	cfg := NewDefault()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeConfigLoad, "failed to read config file: %s", path).WithCause(err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "failed to parse config file: %s", path).WithCause(err)
	}
	return cfg, nil
}
