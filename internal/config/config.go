// Package config loads service configuration from an optional TOML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultModelURL expects the ONNX export of the skin-condition model to be
// served next to the service.
const DefaultModelURL = "http://localhost:8000/model.onnx"

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Model    ModelConfig    `toml:"model"`
	Fetch    FetchConfig    `toml:"fetch"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Port            string        `toml:"port"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	MaxUploadBytes  int64         `toml:"max_upload_bytes"`
}

type ModelConfig struct {
	URL string `toml:"url"`
	// LibraryPath points at the ONNX Runtime shared library.
	LibraryPath    string  `toml:"library_path"`
	Threshold      float32 `toml:"threshold"`
	IntraOpThreads int     `toml:"intra_op_threads"`
	InterOpThreads int     `toml:"inter_op_threads"`
}

type FetchConfig struct {
	Timeout   time.Duration `toml:"timeout"`
	ChunkSize int           `toml:"chunk_size"`
}

type PipelineConfig struct {
	// BusyPolicy is "reject" or "wait".
	BusyPolicy string `toml:"busy_policy"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxUploadBytes:  10 << 20,
		},
		Model: ModelConfig{
			URL:       DefaultModelURL,
			Threshold: 0.6,
		},
		Fetch: FetchConfig{
			Timeout:   5 * time.Minute,
			ChunkSize: 32 << 10,
		},
		Pipeline: PipelineConfig{
			BusyPolicy: "reject",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration at path. A missing file yields defaults.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Model.URL = getEnv("MODEL_URL", c.Model.URL)
	c.Model.LibraryPath = getEnv("ONNXRUNTIME_LIB", c.Model.LibraryPath)
	c.Pipeline.BusyPolicy = getEnv("BUSY_POLICY", c.Pipeline.BusyPolicy)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	if v := os.Getenv("MODEL_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("invalid MODEL_THRESHOLD %q: %w", v, err)
		}
		c.Model.Threshold = float32(f)
	}
	if os.Getenv("DEBUG") == "true" {
		c.Log.Level = "debug"
		c.Log.Development = true
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port %q is not a number", c.Server.Port)
	}
	u, err := url.Parse(c.Model.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("model.url %q must be an absolute http(s) URL", c.Model.URL)
	}
	if c.Model.Threshold < 0 || c.Model.Threshold > 1 {
		return fmt.Errorf("model.threshold %v must be within [0, 1]", c.Model.Threshold)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.New("server.max_upload_bytes must be positive")
	}
	switch c.Pipeline.BusyPolicy {
	case "reject", "wait":
	default:
		return fmt.Errorf("pipeline.busy_policy %q must be reject or wait", c.Pipeline.BusyPolicy)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
