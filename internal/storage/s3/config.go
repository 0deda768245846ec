package s3

import (
	"time"
)

// Config represents S3 backend configuration
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings. The filesystem server never retries on top of
	// these; the SDK retry budget is the only one.
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Advanced settings
	UseAccelerate bool `yaml:"use_accelerate"`
	UseDualStack  bool `yaml:"use_dual_stack"`

	// CargoShip optimization settings for the flush path
	EnableCargoShipOptimization bool  `yaml:"enable_cargoship_optimization"`
	MultipartThreshold          int64 `yaml:"multipart_threshold"`
	MultipartChunkSize          int64 `yaml:"multipart_chunk_size"`
	MultipartConcurrency        int   `yaml:"multipart_concurrency"`
}

// NewDefaultConfig returns the backend defaults: two retries and a seven
// second request ceiling, with the optimized flush path off.
func NewDefaultConfig() *Config {
	return &Config{
		Region:               "us-east-1",
		MaxRetries:           2,
		RequestTimeout:       7 * time.Second,
		MultipartThreshold:   32 * 1024 * 1024,
		MultipartChunkSize:   16 * 1024 * 1024,
		MultipartConcurrency: 4,
	}
}
