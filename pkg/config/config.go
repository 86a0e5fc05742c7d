package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"audio-framer/pkg/framer"
)

// FileEnv names the environment variable pointing at an optional YAML config
// file. Environment variables override values from the file.
const FileEnv = "FRAMER_CONFIG_FILE"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Address         string        `yaml:"address" env:"FRAMER_ADDRESS" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"FRAMER_READ_TIMEOUT" env-default:"30s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"FRAMER_WRITE_TIMEOUT" env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"FRAMER_SHUTDOWN_TIMEOUT" env-default:"30s"`
}

type PipelineConfig struct {
	// BlockQueueSize bounds the per-session queue of host blocks awaiting the
	// processor.
	BlockQueueSize int `yaml:"block_queue_size" env:"FRAMER_BLOCK_QUEUE_SIZE" env-default:"64"`
	// FrameQueueSize bounds the port between a processor and its delivery stage.
	FrameQueueSize      int `yaml:"frame_queue_size" env:"FRAMER_FRAME_QUEUE_SIZE" env-default:"32"`
	SubscriberQueueSize int `yaml:"subscriber_queue_size" env:"FRAMER_SUBSCRIBER_QUEUE_SIZE" env-default:"32"`
	ArchiveWorkers      int `yaml:"archive_workers" env:"FRAMER_ARCHIVE_WORKERS" env-default:"2"`
	ArchiveQueueSize    int `yaml:"archive_queue_size" env:"FRAMER_ARCHIVE_QUEUE_SIZE" env-default:"1000"`
	MaxSessions         int `yaml:"max_sessions" env:"FRAMER_MAX_SESSIONS" env-default:"256"`
	FrameDurationMs     int `yaml:"frame_duration_ms" env:"FRAMER_FRAME_DURATION_MS" env-default:"50"`
	// DefaultBlockSize pre-sizes processor scratch buffers for sessions that
	// do not state their host block size.
	DefaultBlockSize int `yaml:"default_block_size" env:"FRAMER_DEFAULT_BLOCK_SIZE" env-default:"128"`
}

type StorageConfig struct {
	Path           string        `yaml:"path" env:"FRAMER_STORAGE_PATH" env-default:"./data"`
	DisableArchive bool          `yaml:"disable_archive" env:"FRAMER_DISABLE_ARCHIVE"`
	RetentionTTL   time.Duration `yaml:"retention_ttl" env:"FRAMER_RETENTION_TTL" env-default:"24h"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"FRAMER_LOG_LEVEL" env-default:"info"`
	JSON  bool   `yaml:"json" env:"FRAMER_LOG_JSON" env-default:"false"`
}

// Load reads .env files (the working directory's .env when none are given),
// then the YAML file named by FRAMER_CONFIG_FILE if set, then the
// environment, and validates the result.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load env file: %w", err)
	}

	var cfg Config
	if path := os.Getenv(FileEnv); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("config: server address is required"))
	}
	positive := map[string]int{
		"block_queue_size":      c.Pipeline.BlockQueueSize,
		"frame_queue_size":      c.Pipeline.FrameQueueSize,
		"subscriber_queue_size": c.Pipeline.SubscriberQueueSize,
		"archive_workers":       c.Pipeline.ArchiveWorkers,
		"archive_queue_size":    c.Pipeline.ArchiveQueueSize,
		"max_sessions":          c.Pipeline.MaxSessions,
		"default_block_size":    c.Pipeline.DefaultBlockSize,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("config: pipeline.%s must be positive, got %d", name, v))
		}
	}
	if ms := c.Pipeline.FrameDurationMs; ms <= 0 || ms > framer.MaxFrameDurationMs {
		errs = append(errs, fmt.Errorf("config: pipeline.frame_duration_ms must be in (0, %d], got %d",
			framer.MaxFrameDurationMs, ms))
	}
	if !c.Storage.DisableArchive && c.Storage.Path == "" {
		errs = append(errs, errors.New("config: storage.path is required when the archive is enabled"))
	}
	if c.Storage.RetentionTTL < 0 {
		errs = append(errs, fmt.Errorf("config: storage.retention_ttl must not be negative, got %s", c.Storage.RetentionTTL))
	}
	return errors.Join(errs...)
}
