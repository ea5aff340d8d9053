package s3

import (
	"fmt"
	"strings"
	"time"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// minPartSize is the smallest part S3 accepts other than the last one.
const minPartSize = 5 * 1024 * 1024

// Config represents S3 backend configuration
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	// Advanced settings
	UseAccelerate bool `yaml:"use_accelerate"`
	UseDualStack  bool `yaml:"use_dual_stack"`

	// StorageClass applied to uploaded objects ("STANDARD", "STANDARD_IA", ...).
	StorageClass string `yaml:"storage_class"`

	// Objects of at least MultipartThreshold bytes are uploaded in
	// MultipartChunkSize parts. Zero disables multipart uploads.
	MultipartThreshold int64 `yaml:"multipart_threshold"`
	MultipartChunkSize int64 `yaml:"multipart_chunk_size"`

	// SkipHealthCheck disables the HeadBucket probe in NewBackend.
	SkipHealthCheck bool `yaml:"skip_health_check"`
}

// NewDefaultConfig returns the default backend configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		PoolSize:       8,
		StorageClass:   string(s3types.StorageClassStandard),

		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
	}
}

// Validate checks the configuration for values the SDK would reject late.
func (c *Config) Validate() error {
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("access_key_id and secret_access_key must be set together")
	}
	if c.MultipartThreshold < 0 {
		return fmt.Errorf("multipart_threshold must not be negative")
	}
	if c.MultipartThreshold > 0 && c.MultipartChunkSize < minPartSize {
		return fmt.Errorf("multipart_chunk_size must be at least %d bytes", minPartSize)
	}
	if c.StorageClass != "" {
		if _, err := storageClass(c.StorageClass); err != nil {
			return err
		}
	}
	return nil
}

// storageClass converts a configured class name to the SDK value.
func storageClass(name string) (s3types.StorageClass, error) {
	want := strings.ToUpper(name)
	for _, sc := range s3types.StorageClassStandard.Values() {
		if string(sc) == want {
			return sc, nil
		}
	}
	return "", fmt.Errorf("unknown storage class %q", name)
}
