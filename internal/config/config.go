package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Compression CompressionConfig `yaml:"compression"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Performance PerformanceConfig `yaml:"performance"`
	Server      ServerConfig      `yaml:"server"`
}

// CompressionConfig holds defaults for compress operations
type CompressionConfig struct {
	DefaultLevel  int    `yaml:"default_level"`
	Method        string `yaml:"method"`
	OutputDir     string `yaml:"output_dir"`
	UseSourceName bool   `yaml:"use_source_name"`
}

// ExtractionConfig holds defaults for extract operations
type ExtractionConfig struct {
	OutputDir      string `yaml:"output_dir"`
	UseArchiveName bool   `yaml:"use_archive_name"`
}

// PerformanceConfig controls memory and concurrency limits
type PerformanceConfig struct {
	MaxMemoryPercent         float64       `yaml:"max_memory_percent"`
	Workers                  int           `yaml:"workers"`
	ChunkSize                string        `yaml:"chunk_size"`
	LargeFileThreshold       string        `yaml:"large_file_threshold"`
	MemoryOptimizedChunkSize string        `yaml:"memory_optimized_chunk_size"`
	MemoryOptimizedThreshold string        `yaml:"memory_optimized_threshold"`
	ProgressInterval         time.Duration `yaml:"progress_interval"`
	MonitorInterval          time.Duration `yaml:"monitor_interval"`
	PollInterval             time.Duration `yaml:"poll_interval"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	DataDir         string        `yaml:"data_dir"`
	DBPath          string        `yaml:"db_path"`
	TaskTTL         time.Duration `yaml:"task_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxUpload       string        `yaml:"max_upload"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	dataDir := filepath.Join(os.TempDir(), "zippy")
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "zippy")
	}
	return &Config{
		Compression: CompressionConfig{
			DefaultLevel:  6,
			Method:        "deflate",
			OutputDir:     "",
			UseSourceName: true,
		},
		Extraction: ExtractionConfig{
			OutputDir:      "",
			UseArchiveName: true,
		},
		Performance: PerformanceConfig{
			MaxMemoryPercent:         75,
			Workers:                  0,
			ChunkSize:                "8MB",
			LargeFileThreshold:       "500MB",
			MemoryOptimizedChunkSize: "1MB",
			MemoryOptimizedThreshold: "100MB",
			ProgressInterval:         500 * time.Millisecond,
			MonitorInterval:          time.Second,
			PollInterval:             250 * time.Millisecond,
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:8000",
			DataDir:         dataDir,
			DBPath:          "",
			TaskTTL:         time.Hour,
			CleanupInterval: 5 * time.Minute,
			MaxUpload:       "2GB",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the config as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"zippy.yaml",
		"/etc/zippy/zippy.yaml",
	}

	if p := UserConfigPath(); p != "" {
		searchPaths = append(searchPaths, p)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// UserConfigPath returns ~/.config/zippy/zippy.yaml, or "" when the home
// directory is unknown.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "zippy", "zippy.yaml")
}

// DatabasePath returns server.db_path, defaulting to zippy.db in the data
// directory.
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "zippy.db")
}

// Validate checks ranges and parses every size string once.
func (c *Config) Validate() error {
	if c.Compression.DefaultLevel < 0 || c.Compression.DefaultLevel > 9 {
		return fmt.Errorf("compression.default_level must be between 0 and 9, got %d", c.Compression.DefaultLevel)
	}
	switch c.Compression.Method {
	case "deflate", "zstd":
	default:
		return fmt.Errorf("compression.method must be deflate or zstd, got %q", c.Compression.Method)
	}
	if c.Performance.MaxMemoryPercent <= 0 || c.Performance.MaxMemoryPercent > 100 {
		return fmt.Errorf("performance.max_memory_percent must be in (0, 100], got %v", c.Performance.MaxMemoryPercent)
	}
	if c.Performance.Workers < 0 {
		return fmt.Errorf("performance.workers must not be negative")
	}
	sizes := map[string]string{
		"performance.chunk_size":                  c.Performance.ChunkSize,
		"performance.large_file_threshold":        c.Performance.LargeFileThreshold,
		"performance.memory_optimized_chunk_size": c.Performance.MemoryOptimizedChunkSize,
		"performance.memory_optimized_threshold":  c.Performance.MemoryOptimizedThreshold,
		"server.max_upload":                       c.Server.MaxUpload,
	}
	for key, v := range sizes {
		n, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if n == 0 && key != "performance.large_file_threshold" {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

// Set assigns a value addressed by its dotted YAML key, e.g.
// "compression.default_level". The value is parsed according to the
// field's type and the result is validated.
func (c *Config) Set(key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key %q must have the form section.field", key)
	}

	// Round-trip through a generic map so the YAML tags stay the single
	// source of truth for key names.
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	var raw map[string]map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	sec, ok := raw[section]
	if !ok {
		return fmt.Errorf("unknown config section %q", section)
	}
	current, ok := sec[field]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}

	switch current.(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s expects a boolean: %w", key, err)
		}
		sec[field] = b
	case int, float64:
		// Whole floats come back from YAML as ints, so accept either form
		// here and let the typed decode below reject a mismatch.
		if n, err := strconv.Atoi(value); err == nil {
			sec[field] = n
		} else if f, err := strconv.ParseFloat(value, 64); err == nil {
			sec[field] = f
		} else {
			return fmt.Errorf("%s expects a number, got %q", key, value)
		}
	default:
		sec[field] = value
	}

	data, err = yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	updated := *c
	if err := yaml.Unmarshal(data, &updated); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	*c = updated
	return nil
}
