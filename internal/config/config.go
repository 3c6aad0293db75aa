// Package config loads refacer settings from defaults, an optional YAML file
// and REFACER_* environment variables. Command-line flags are layered on top
// by the cmd package.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/refacer/internal/engine"
	"github.com/andresmejia3/refacer/internal/normalize"
	"github.com/andresmejia3/refacer/internal/types"
)

// ErrInvalid classifies validation failures.
var ErrInvalid = errors.New("invalid configuration")

// ServerConfig is the local HTTP listener.
type ServerConfig struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Name, s.Port)
}

// NgrokConfig configures the optional public tunnel.
type NgrokConfig struct {
	Token  string `yaml:"token"` // token or token:user:pass
	Region string `yaml:"region"`
}

// EngineConfig configures the inference engine subprocess.
type EngineConfig struct {
	Command  []string      `yaml:"command"`
	Timeout  time.Duration `yaml:"timeout"`
	ForceCPU bool          `yaml:"force_cpu"`
	Autocast bool          `yaml:"autocast"`
}

// Config is the fully merged configuration.
type Config struct {
	MaxNumFaces     int                     `yaml:"max_num_faces"`
	Performance     bool                    `yaml:"performance"`
	ClampThresholds bool                    `yaml:"clamp_thresholds"`
	Workers         int                     `yaml:"workers"`
	OutputDir       string                  `yaml:"output_dir"`
	Database        string                  `yaml:"database"`
	RateLimit       int                     `yaml:"rate_limit"` // reface requests per minute per client
	LogLevel        string                  `yaml:"log_level"`
	Server          ServerConfig            `yaml:"server"`
	Ngrok           NgrokConfig             `yaml:"ngrok"`
	Engine          EngineConfig            `yaml:"engine"`
	Normalize       types.NormalizationSpec `yaml:"normalize"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MaxNumFaces:     5,
		ClampThresholds: true,
		Workers:         1,
		OutputDir:       "out",
		RateLimit:       10,
		LogLevel:        "info",
		Server:          ServerConfig{Name: "127.0.0.1", Port: 7860},
		Ngrok:           NgrokConfig{Region: "us"},
		Engine:          EngineConfig{Command: append([]string{}, engine.DefaultCommand...)},
		Normalize:       normalize.DefaultSpec(),
	}
}

// Load applies defaults, then the YAML file at path (if any), then the
// environment. The result is not validated; call Validate once flags are applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := mergeEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("load environment: %w", err)
	}
	return cfg, nil
}

// mergeFile decodes the YAML file over cfg. Unknown keys are rejected.
func mergeFile(cfg *Config, path string) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func Validate(cfg Config) error {
	var errs []error
	add := func(field, msg string, value any) {
		errs = append(errs, fmt.Errorf("%w: %s %s (got %v)", ErrInvalid, field, msg, value))
	}

	if cfg.MaxNumFaces < 1 {
		add("max_num_faces", "must be at least 1", cfg.MaxNumFaces)
	}
	if cfg.Workers < 1 {
		add("workers", "must be at least 1", cfg.Workers)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535", cfg.Server.Port)
	}
	if strings.TrimSpace(cfg.Server.Name) == "" {
		add("server.name", "must not be empty", `""`)
	}
	if _, _, err := normalize.ParseResolution(cfg.Normalize.Resolution); err != nil {
		add("normalize.resolution", "must be WIDTHxHEIGHT", cfg.Normalize.Resolution)
	}
	if cfg.Normalize.TargetFPS < 1 {
		add("normalize.fps", "must be at least 1", cfg.Normalize.TargetFPS)
	}
	if len(cfg.Engine.Command) == 0 || strings.TrimSpace(cfg.Engine.Command[0]) == "" {
		add("engine.command", "must name an executable", cfg.Engine.Command)
	}
	if cfg.Engine.Timeout < 0 {
		add("engine.timeout", "must not be negative", cfg.Engine.Timeout)
	}
	if cfg.RateLimit < 0 {
		add("rate_limit", "must not be negative", cfg.RateLimit)
	}
	return errors.Join(errs...)
}

// DatabaseURL returns the configured connection string, falling back to the
// POSTGRES_* variables. Empty means no database is configured.
func (c Config) DatabaseURL() string {
	if c.Database != "" {
		return c.Database
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}
