// Package config provides configuration management for mnemo.
// It loads settings from environment variables with the MNEMO_ prefix and
// provides sensible defaults for all configuration options.
//
// An optional YAML file named by MNEMO_CONFIG_FILE is applied on top of the
// defaults before the environment, so environment variables always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all configuration settings for the mnemo service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Engine     EngineConfig     `yaml:"engine"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // Server port (default: 6464)
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)

	// AllowedOrigins are extra host patterns accepted on the feed websocket.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig selects and configures the storage backends.
type StorageConfig struct {
	// Backend holds events: sqlite, postgres or chromem (default: sqlite).
	// chromem keeps events in process memory; markers and schema memory
	// then stay in SQLite.
	Backend     string `yaml:"backend"`
	DataPath    string `yaml:"data_path"`    // Directory holding mnemo.db (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // Required for the postgres backend

	// BackupDir holds SQLite snapshots (default: <data_path>/backups).
	BackupDir string `yaml:"backup_dir"`

	// BackupInterval schedules snapshots while serving; zero disables them.
	BackupInterval time.Duration `yaml:"backup_interval"`
}

// ExtractionConfig configures the extraction gateway.
type ExtractionConfig struct {
	Provider          string        `yaml:"provider"` // static, ollama, openai, anthropic (default: static)
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"` // default: 60s
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	WindowTokens      int           `yaml:"window_tokens"`  // default: 3000
	WindowOverlap     int           `yaml:"window_overlap"` // default: 200

	// SchemaPath names a YAML schema descriptor; empty uses the built-in
	// user_profile schema.
	SchemaPath string `yaml:"schema_path"`
}

// EmbeddingConfig configures the embedding gateway.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"` // hash, ollama, openai (default: hash)
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"` // default: 30s
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Dimensions        int           `yaml:"dimensions"`    // default: 256
	CacheEntries      int           `yaml:"cache_entries"` // 0 disables the cache (default: 10000)
}

// EngineConfig tunes the memory engine.
type EngineConfig struct {
	ClaimTTL               time.Duration `yaml:"claim_ttl"`
	NearDuplicateThreshold float64       `yaml:"near_duplicate_threshold"`
	SalienceBoost          float64       `yaml:"salience_boost"`
	DefaultTopK            int           `yaml:"default_top_k"`
	MaxApplyRetries        int           `yaml:"max_apply_retries"`
	GatewayRetries         int           `yaml:"gateway_retries"`
	NumWorkers             int           `yaml:"num_workers"`
	QueueSize              int           `yaml:"queue_size"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json or console (default: json)
}

// BackupPath returns BackupDir, defaulting to a backups directory under DataPath.
func (s StorageConfig) BackupPath() string {
	if s.BackupDir != "" {
		return s.BackupDir
	}
	return filepath.Join(s.DataPath, "backups")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: 6464, Host: "127.0.0.1"},
		Storage: StorageConfig{Backend: "sqlite", DataPath: "./data"},
		Extraction: ExtractionConfig{
			Provider:      "static",
			Timeout:       60 * time.Second,
			Burst:         1,
			WindowTokens:  3000,
			WindowOverlap: 200,
		},
		Embedding: EmbeddingConfig{
			Provider:     "hash",
			Timeout:      30 * time.Second,
			Burst:        1,
			Dimensions:   256,
			CacheEntries: 10000,
		},
		Engine: EngineConfig{
			ClaimTTL:               5 * time.Minute,
			NearDuplicateThreshold: 0.95,
			SalienceBoost:          0.1,
			DefaultTopK:            5,
			MaxApplyRetries:        3,
			GatewayRetries:         1,
			NumWorkers:             4,
			QueueSize:              1000,
			ShutdownTimeout:        30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig builds the configuration from defaults, the optional
// MNEMO_CONFIG_FILE overlay and the environment, then validates it.
func LoadConfig() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("MNEMO_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides c with any MNEMO_ variables that are set.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("MNEMO_PORT", c.Server.Port)
	c.Server.Host = getEnv("MNEMO_HOST", c.Server.Host)

	c.Storage.Backend = getEnv("MNEMO_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.DataPath = getEnv("MNEMO_DATA_PATH", c.Storage.DataPath)
	c.Storage.PostgresDSN = getEnv("MNEMO_POSTGRES_DSN", c.Storage.PostgresDSN)
	c.Storage.BackupDir = getEnv("MNEMO_BACKUP_DIR", c.Storage.BackupDir)
	c.Storage.BackupInterval = getEnvDuration("MNEMO_BACKUP_INTERVAL", c.Storage.BackupInterval)

	c.Extraction.Provider = getEnv("MNEMO_EXTRACTION_PROVIDER", c.Extraction.Provider)
	c.Extraction.Model = getEnv("MNEMO_EXTRACTION_MODEL", c.Extraction.Model)
	c.Extraction.BaseURL = getEnv("MNEMO_EXTRACTION_BASE_URL", c.Extraction.BaseURL)
	c.Extraction.APIKey = getEnv("MNEMO_EXTRACTION_API_KEY", c.Extraction.APIKey)
	c.Extraction.Timeout = getEnvDuration("MNEMO_EXTRACTION_TIMEOUT", c.Extraction.Timeout)
	c.Extraction.RequestsPerSecond = getEnvFloat("MNEMO_EXTRACTION_RPS", c.Extraction.RequestsPerSecond)
	c.Extraction.WindowTokens = getEnvInt("MNEMO_EXTRACTION_WINDOW_TOKENS", c.Extraction.WindowTokens)
	c.Extraction.SchemaPath = getEnv("MNEMO_SCHEMA_PATH", c.Extraction.SchemaPath)

	c.Embedding.Provider = getEnv("MNEMO_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("MNEMO_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.BaseURL = getEnv("MNEMO_EMBEDDING_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.APIKey = getEnv("MNEMO_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.Timeout = getEnvDuration("MNEMO_EMBEDDING_TIMEOUT", c.Embedding.Timeout)
	c.Embedding.RequestsPerSecond = getEnvFloat("MNEMO_EMBEDDING_RPS", c.Embedding.RequestsPerSecond)
	c.Embedding.Dimensions = getEnvInt("MNEMO_EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)
	c.Embedding.CacheEntries = getEnvInt("MNEMO_EMBEDDING_CACHE_ENTRIES", c.Embedding.CacheEntries)

	// Provider keys fall back to the vendor variables.
	if c.Extraction.APIKey == "" {
		c.Extraction.APIKey = vendorKey(c.Extraction.Provider)
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = vendorKey(c.Embedding.Provider)
	}

	c.Engine.ClaimTTL = getEnvDuration("MNEMO_CLAIM_TTL", c.Engine.ClaimTTL)
	c.Engine.NearDuplicateThreshold = getEnvFloat("MNEMO_NEAR_DUPLICATE_THRESHOLD", c.Engine.NearDuplicateThreshold)
	c.Engine.SalienceBoost = getEnvFloat("MNEMO_SALIENCE_BOOST", c.Engine.SalienceBoost)
	c.Engine.DefaultTopK = getEnvInt("MNEMO_DEFAULT_TOP_K", c.Engine.DefaultTopK)
	c.Engine.NumWorkers = getEnvInt("MNEMO_NUM_WORKERS", c.Engine.NumWorkers)
	c.Engine.QueueSize = getEnvInt("MNEMO_QUEUE_SIZE", c.Engine.QueueSize)

	c.Logging.Level = getEnv("MNEMO_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("MNEMO_LOG_FORMAT", c.Logging.Format)

}

func vendorKey(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Server.Port)
	}

	switch c.Storage.Backend {
	case "sqlite", "chromem":
		if c.Storage.DataPath == "" {
			return fmt.Errorf("%w: data path is required for the %s backend", ErrInvalidConfig, c.Storage.Backend)
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("%w: MNEMO_POSTGRES_DSN is required for the postgres backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}

	switch c.Extraction.Provider {
	case "static", "ollama":
	case "openai", "anthropic":
		if c.Extraction.APIKey == "" {
			return fmt.Errorf("%w: an API key is required for %s extraction", ErrInvalidConfig, c.Extraction.Provider)
		}
	default:
		return fmt.Errorf("%w: unknown extraction provider %q", ErrInvalidConfig, c.Extraction.Provider)
	}

	switch c.Embedding.Provider {
	case "hash", "ollama":
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("%w: an API key is required for openai embeddings", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, c.Embedding.Provider)
	}
	if c.Embedding.Dimensions < 1 {
		return fmt.Errorf("%w: embedding dimensions must be >= 1, got %d", ErrInvalidConfig, c.Embedding.Dimensions)
	}

	if t := c.Engine.NearDuplicateThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("%w: near duplicate threshold must be in (0, 1], got %v", ErrInvalidConfig, t)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log format must be json or console, got %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings such as "90s" or "5m".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
