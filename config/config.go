// Package config provides configuration management for the unpackd service.
//
// Configuration is loaded from multiple sources with proper precedence
// (later sources override earlier ones):
//  1. Default values (SetConfigDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.unpackd/config.yaml, /etc/unpackd/config.yaml)
//  3. .env files
//  4. Environment variables with the UNPACKD_ prefix
//
// Environment variables use underscores for nested keys:
//   - UNPACKD_SERVER_PORT=8085
//   - UNPACKD_STORAGE_EXTRACT_ROOT=/var/lib/unpackd/extracted
//   - UNPACKD_EXTRACT_MAX_UPLOAD_SIZE=1073741824
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig contains service-specific metadata.
type ServiceConfig struct {
	// Name is the service name
	Name string `mapstructure:"name"`

	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8085)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses.
	// Raw downloads of large files need generous headroom here.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging and additional endpoints
	Debug bool `mapstructure:"debug"`

	// BodyLimit is the transport-level request body cap (e.g. "2G")
	BodyLimit string `mapstructure:"body_limit"`

	// RateLimit is the maximum requests per second per client (0 = disabled)
	RateLimit float64 `mapstructure:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StorageConfig contains on-disk layout settings.
type StorageConfig struct {
	// UploadDir is where uploaded archives are stored before extraction
	UploadDir string `mapstructure:"upload_dir"`

	// ExtractRoot is the root under which each job gets its own directory
	ExtractRoot string `mapstructure:"extract_root"`

	// JobsDB is the bbolt database file for job records
	JobsDB string `mapstructure:"jobs_db"`

	// IndexDB is the SQLite database file for the file index
	IndexDB string `mapstructure:"index_db"`
}

// ExtractConfig contains extraction pipeline settings.
type ExtractConfig struct {
	// MaxUploadSize is the upload size ceiling in bytes (default: 2 GiB)
	MaxUploadSize int64 `mapstructure:"max_upload_size"`

	// ProgressStep is the number of entries between progress updates
	ProgressStep int `mapstructure:"progress_step"`
}

// BrowseConfig contains listing and preview settings.
type BrowseConfig struct {
	// PageSize is the default number of entries per page
	PageSize int `mapstructure:"page_size"`

	// MaxPageSize is the hard cap on per_page requests
	MaxPageSize int `mapstructure:"max_page_size"`

	// PreviewMax is the text preview size ceiling in bytes (default: 5 MiB)
	PreviewMax int64 `mapstructure:"preview_max"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the root configuration structure for the unpackd service.
type Config struct {
	// Service contains service metadata
	Service ServiceConfig `mapstructure:"service"`

	// Server contains HTTP server configuration
	Server ServerConfig `mapstructure:"server"`

	// Storage contains on-disk layout settings
	Storage StorageConfig `mapstructure:"storage"`

	// Extract contains extraction pipeline settings
	Extract ExtractConfig `mapstructure:"extract"`

	// Browse contains listing and preview settings
	Browse BrowseConfig `mapstructure:"browse"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment prefix.
// The prefix is used for environment variables (e.g., "UNPACKD" -> "UNPACKD_SERVER_PORT").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the standard unpackd defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("service.name", "unpackd")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8085)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "5m")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)
	l.v.SetDefault("server.body_limit", "2G")
	l.v.SetDefault("server.rate_limit", 0)
	l.v.SetDefault("server.allowed_origins", []string{"*"})

	l.v.SetDefault("storage.upload_dir", "data/uploads")
	l.v.SetDefault("storage.extract_root", "data/extracted")
	l.v.SetDefault("storage.jobs_db", "data/jobs.db")
	l.v.SetDefault("storage.index_db", "data/index.db")

	l.v.SetDefault("extract.max_upload_size", int64(2)<<30)
	l.v.SetDefault("extract.progress_step", 25)

	l.v.SetDefault("browse.page_size", 50)
	l.v.SetDefault("browse.max_page_size", 100)
	l.v.SetDefault("browse.preview_max", int64(5)<<20)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (with prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.unpackd")
		l.v.AddConfigPath("/etc/unpackd")
	}

	if err := l.v.ReadInConfig(); err != nil {
		// Only fail on non-NotFound errors for explicit file paths
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig() // Ignore if .env doesn't exist

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig is a convenience function that loads configuration with standard defaults.
// The envPrefix is used for environment variables (e.g., "UNPACKD" -> "UNPACKD_SERVER_PORT").
func LoadConfig(envPrefix, cfgFile string) (*Config, error) {
	loader := NewLoader(envPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Storage.UploadDir == "" {
		return fmt.Errorf("storage upload_dir is required")
	}
	if cfg.Storage.ExtractRoot == "" {
		return fmt.Errorf("storage extract_root is required")
	}
	if cfg.Extract.MaxUploadSize <= 0 {
		return fmt.Errorf("extract max_upload_size must be positive")
	}
	if cfg.Browse.PageSize < 1 {
		return fmt.Errorf("browse page_size must be at least 1")
	}
	if cfg.Browse.MaxPageSize < cfg.Browse.PageSize {
		return fmt.Errorf("browse max_page_size (%d) must not be below page_size (%d)",
			cfg.Browse.MaxPageSize, cfg.Browse.PageSize)
	}
	if cfg.Browse.PreviewMax <= 0 {
		return fmt.Errorf("browse preview_max must be positive")
	}
	return nil
}

// EnsureDirs creates the upload and extraction directories if they are missing.
func (c *StorageConfig) EnsureDirs() error {
	for _, dir := range []string{c.UploadDir, c.ExtractRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
