// Package config loads scribe settings from defaults, an optional YAML file,
// a .env file and SCRIBE_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Engine   EngineConfig   `yaml:"engine"`
	Cache    CacheConfig    `yaml:"cache"`
	Worker   WorkerConfig   `yaml:"worker"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DataConfig locates persistent state. Empty paths are derived from Dir.
type DataConfig struct {
	Dir       string `yaml:"dir"`
	DBPath    string `yaml:"db_path"`
	UploadDir string `yaml:"upload_dir"`
	CacheDir  string `yaml:"cache_dir"`
	WorkDir   string `yaml:"work_dir"`
}

// EngineConfig configures the speech and diarization engines.
type EngineConfig struct {
	ModelsDir      string `yaml:"models_dir"`
	DefaultModel   string `yaml:"default_model"`
	Device         string `yaml:"device"`
	NumThreads     int    `yaml:"num_threads"`
	Language       string `yaml:"language"`
	DiarizationDir string `yaml:"diarization_dir"`
}

// CacheConfig configures the stage cache.
type CacheConfig struct {
	InlineThreshold int64         `yaml:"inline_threshold"`
	DownloadTTL     time.Duration `yaml:"download_ttl"`
	MaxBytes        int64         `yaml:"max_bytes"`
	MaxAge          time.Duration `yaml:"max_age"`
}

// WorkerConfig configures the background worker.
type WorkerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxPollInterval   time.Duration `yaml:"max_poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

// DefaultsConfig holds per-job defaults applied at submission.
type DefaultsConfig struct {
	Diarize         bool          `yaml:"diarize"`
	MinSpeakers     *int          `yaml:"min_speakers"`
	MaxSpeakers     *int          `yaml:"max_speakers"`
	Quality         string        `yaml:"quality"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Data:   DataConfig{Dir: "data"},
		Engine: EngineConfig{
			ModelsDir:    "models",
			DefaultModel: "whisper-base",
			Device:       "cpu",
			NumThreads:   4,
		},
		Cache: CacheConfig{
			InlineThreshold: 100 * 1024,
			DownloadTTL:     24 * time.Hour,
		},
		Worker: WorkerConfig{
			PollInterval:      time.Second,
			MaxPollInterval:   10 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			StaleAfter:        2 * time.Minute,
		},
		Defaults: DefaultsConfig{
			Quality:         "best",
			MaxUploadBytes:  100 * 1024 * 1024,
			DownloadTimeout: 10 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load builds the configuration. A missing file at path is not an error
// so the binary runs with defaults; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// .envファイルを読み込み（存在しない場合はスキップ）
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var problems []string

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	str("SCRIBE_ADDR", &c.Server.Addr)
	str("SCRIBE_DATA_DIR", &c.Data.Dir)
	str("SCRIBE_DB_PATH", &c.Data.DBPath)
	str("SCRIBE_UPLOAD_DIR", &c.Data.UploadDir)
	str("SCRIBE_CACHE_DIR", &c.Data.CacheDir)
	str("SCRIBE_MODELS_DIR", &c.Engine.ModelsDir)
	str("SCRIBE_MODEL", &c.Engine.DefaultModel)
	str("SCRIBE_DEVICE", &c.Engine.Device)
	str("SCRIBE_LANGUAGE", &c.Engine.Language)
	str("SCRIBE_DIARIZATION_DIR", &c.Engine.DiarizationDir)
	str("SCRIBE_LOG_LEVEL", &c.Log.Level)
	str("SCRIBE_LOG_FORMAT", &c.Log.Format)
	str("SCRIBE_LOG_FILE", &c.Log.File)
	dur("SCRIBE_CACHE_TTL", &c.Cache.DownloadTTL)
	dur("SCRIBE_STALE_AFTER", &c.Worker.StaleAfter)
	integer("SCRIBE_CACHE_MAX_BYTES", &c.Cache.MaxBytes)
	integer("SCRIBE_INLINE_THRESHOLD", &c.Cache.InlineThreshold)

	if v := os.Getenv("SCRIBE_NUM_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SCRIBE_NUM_THREADS: %v", err))
		} else {
			c.Engine.NumThreads = n
		}
	}
	if v := os.Getenv("SCRIBE_DIARIZE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SCRIBE_DIARIZE: %v", err))
		} else {
			c.Defaults.Diarize = b
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid environment:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func (c *Config) applyDerived() {
	if c.Data.DBPath == "" {
		c.Data.DBPath = filepath.Join(c.Data.Dir, "scribe.db")
	}
	if c.Data.UploadDir == "" {
		c.Data.UploadDir = filepath.Join(c.Data.Dir, "uploads")
	}
	if c.Data.CacheDir == "" {
		c.Data.CacheDir = filepath.Join(c.Data.Dir, "cache")
	}
	if c.Data.WorkDir == "" {
		c.Data.WorkDir = filepath.Join(c.Data.Dir, "work")
	}
	if c.Engine.DiarizationDir == "" {
		c.Engine.DiarizationDir = filepath.Join(c.Engine.ModelsDir, "diarization")
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Data.Dir == "" && c.Data.DBPath == "" {
		problems = append(problems, "data.dir or data.db_path is required")
	}
	if c.Engine.DefaultModel == "" {
		problems = append(problems, "engine.default_model is required")
	}
	if c.Engine.NumThreads < 1 {
		problems = append(problems, fmt.Sprintf("engine.num_threads must be positive, got %d", c.Engine.NumThreads))
	}
	switch c.Engine.Device {
	case "cpu", "cuda", "coreml":
	default:
		problems = append(problems, fmt.Sprintf("invalid engine.device: %s (must be: cpu, cuda, coreml)", c.Engine.Device))
	}

	if c.Cache.InlineThreshold < 0 {
		problems = append(problems, "cache.inline_threshold cannot be negative")
	}
	if c.Cache.DownloadTTL <= 0 {
		problems = append(problems, "cache.download_ttl must be positive")
	}
	if c.Cache.MaxBytes < 0 {
		problems = append(problems, "cache.max_bytes cannot be negative")
	}

	if c.Worker.PollInterval <= 0 {
		problems = append(problems, "worker.poll_interval must be positive")
	}
	if c.Worker.MaxPollInterval < c.Worker.PollInterval {
		problems = append(problems, "worker.max_poll_interval must be >= worker.poll_interval")
	}
	if c.Worker.HeartbeatInterval <= 0 {
		problems = append(problems, "worker.heartbeat_interval must be positive")
	}
	if c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		problems = append(problems, "worker.stale_after must be greater than worker.heartbeat_interval")
	}

	if c.Defaults.MinSpeakers != nil && *c.Defaults.MinSpeakers < 1 {
		problems = append(problems, "defaults.min_speakers must be at least 1")
	}
	if c.Defaults.MaxSpeakers != nil && *c.Defaults.MaxSpeakers < 1 {
		problems = append(problems, "defaults.max_speakers must be at least 1")
	}
	if c.Defaults.MinSpeakers != nil && c.Defaults.MaxSpeakers != nil && *c.Defaults.MinSpeakers > *c.Defaults.MaxSpeakers {
		problems = append(problems, fmt.Sprintf("defaults.min_speakers (%d) cannot be greater than defaults.max_speakers (%d)",
			*c.Defaults.MinSpeakers, *c.Defaults.MaxSpeakers))
	}
	switch c.Defaults.Quality {
	case "best", "mp4", "webm":
	default:
		problems = append(problems, fmt.Sprintf("invalid defaults.quality: %s (must be: best, mp4, webm)", c.Defaults.Quality))
	}
	if c.Defaults.MaxUploadBytes <= 0 {
		problems = append(problems, "defaults.max_upload_bytes must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error)", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("invalid log.format: %s (must be: text, json)", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// DeviceProfile identifies the compute setup for transcript cache keys.
func (e EngineConfig) DeviceProfile() string {
	return e.Device
}
