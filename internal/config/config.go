package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

// validate is the shared validator instance
var validate = validator.New()

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Listing ListingConfig `yaml:"listing"`
	FUSE    FUSEConfig    `yaml:"fuse"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR"`
	LogFormat   string `yaml:"log_format" validate:"oneof=json console"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port" validate:"gte=0,lte=65535"`
}

// StorageConfig selects and configures the remote blob store.
type StorageConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=s3 memory"`
	Container string `yaml:"container" validate:"required"`

	// S3 settings; ignored by the memory backend.
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint" validate:"omitempty,url"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	StorageClass   string        `yaml:"storage_class"`
	PoolSize       int           `yaml:"pool_size" validate:"gte=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`

	// MultipartThreshold is the object size at which uploads switch to
	// parallel multipart transfers. Zero keeps the backend default.
	MultipartThreshold int64 `yaml:"multipart_threshold" validate:"gte=0"`
}

// CacheConfig represents the local disk cache and its eviction policy.
type CacheConfig struct {
	Dir           string        `yaml:"dir" validate:"required"`
	TTL           time.Duration `yaml:"ttl" validate:"gt=0"`
	HighThreshold float64       `yaml:"high_threshold" validate:"gt=0,lte=100"`
	LowThreshold  float64       `yaml:"low_threshold" validate:"gte=0,lt=100"`
	PollInterval  time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

// ListingConfig controls remote listing pagination and retries.
type ListingConfig struct {
	PageSize      int           `yaml:"page_size" validate:"gte=1,lte=5000"`
	MaxFailures   int           `yaml:"max_failures" validate:"gte=1"`
	RetryDelay    time.Duration `yaml:"retry_delay" validate:"gte=0"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" validate:"gte=0"`
}

// FUSEConfig represents the kernel mount settings.
type FUSEConfig struct {
	MountPoint string `yaml:"mount_point"`
	Adapter    string `yaml:"adapter" validate:"oneof=gofuse cgofuse"`
	AllowOther bool   `yaml:"allow_other"`
	UID        uint32 `yaml:"uid"`
	GID        uint32 `yaml:"gid"`
	FileMode   uint32 `yaml:"file_mode" validate:"lte=511"`
	DirMode    uint32 `yaml:"dir_mode" validate:"lte=511"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "json",
			MetricsPort: 9100,
		},
		Storage: StorageConfig{
			Backend:        "s3",
			Region:         "us-east-1",
			PoolSize:       8,
			RequestTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Dir:           filepath.Join(os.TempDir(), "blobfs"),
			TTL:           120 * time.Second,
			HighThreshold: 90,
			LowThreshold:  80,
			PollInterval:  time.Second,
		},
		Listing: ListingConfig{
			PageSize:      5000,
			MaxFailures:   20,
			RetryDelay:    10 * time.Millisecond,
			MaxRetryDelay: time.Second,
		},
		FUSE: FUSEConfig{
			Adapter:  "gofuse",
			UID:      uint32(os.Getuid()),
			GID:      uint32(os.Getgid()),
			FileMode: 0o770,
			DirMode:  0o770,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies BLOBFS_* environment overrides. Malformed values are
// reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("BLOBFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("BLOBFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("BLOBFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if err := envInt("BLOBFS_METRICS_PORT", &c.Global.MetricsPort); err != nil {
		return err
	}

	// Storage settings
	if val := os.Getenv("BLOBFS_STORAGE_BACKEND"); val != "" {
		c.Storage.Backend = val
	}
	if val := os.Getenv("BLOBFS_CONTAINER"); val != "" {
		c.Storage.Container = val
	}
	if val := os.Getenv("BLOBFS_S3_REGION"); val != "" {
		c.Storage.Region = val
	}
	if val := os.Getenv("BLOBFS_S3_ENDPOINT"); val != "" {
		c.Storage.Endpoint = val
	}
	if val := os.Getenv("BLOBFS_S3_FORCE_PATH_STYLE"); val != "" {
		c.Storage.ForcePathStyle = strings.ToLower(val) == "true"
	}

	// Cache settings
	if val := os.Getenv("BLOBFS_CACHE_DIR"); val != "" {
		c.Cache.Dir = val
	}
	if err := envDuration("BLOBFS_CACHE_TTL", &c.Cache.TTL); err != nil {
		return err
	}
	if err := envFloat("BLOBFS_HIGH_THRESHOLD", &c.Cache.HighThreshold); err != nil {
		return err
	}
	if err := envFloat("BLOBFS_LOW_THRESHOLD", &c.Cache.LowThreshold); err != nil {
		return err
	}

	// Listing settings
	if err := envInt("BLOBFS_LIST_PAGE_SIZE", &c.Listing.PageSize); err != nil {
		return err
	}

	// Mount settings
	if val := os.Getenv("BLOBFS_MOUNT_POINT"); val != "" {
		c.FUSE.MountPoint = val
	}

	return nil
}

func envInt(key string, dst *int) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks struct tags first, then the rules tags cannot express.
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.Cache.LowThreshold >= c.Cache.HighThreshold {
		return fmt.Errorf("cache: low_threshold (%v) must be below high_threshold (%v)",
			c.Cache.LowThreshold, c.Cache.HighThreshold)
	}
	if c.Listing.MaxRetryDelay > 0 && c.Listing.MaxRetryDelay < c.Listing.RetryDelay {
		return fmt.Errorf("listing: max_retry_delay must not be below retry_delay")
	}

	return nil
}

// formatValidationError reports the first failed field.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

// Load builds the effective configuration: defaults, then the optional file,
// then the environment, then validation.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
