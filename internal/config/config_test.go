package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "refacer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, 5, cfg.MaxNumFaces)
	assert.Equal(t, "127.0.0.1:7860", cfg.Server.Addr())
	assert.Equal(t, "us", cfg.Ngrok.Region)
	assert.True(t, cfg.ClampThresholds)
	assert.False(t, cfg.Performance)
	assert.Equal(t, "1920x1080", cfg.Normalize.Resolution)
	assert.Equal(t, 30, cfg.Normalize.TargetFPS)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
max_num_faces: 3
performance: true
server:
  port: 8080
engine:
  command: ["python3", "/opt/engine.py"]
  timeout: 10m
normalize:
  resolution: 1280x720
  fps: 24
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxNumFaces)
	assert.True(t, cfg.Performance)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Name, "unset keys keep their defaults")
	assert.Equal(t, []string{"python3", "/opt/engine.py"}, cfg.Engine.Command)
	assert.Equal(t, 10*time.Minute, cfg.Engine.Timeout)
	assert.Equal(t, "1280x720", cfg.Normalize.Resolution)
	assert.Equal(t, 24, cfg.Normalize.TargetFPS)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "max_faces: 3\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict config parse error")
}

func TestLoadFileRejectsNonYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refacer.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "max_num_faces: 3\nworkers: 2\n")
	t.Setenv("REFACER_MAX_NUM_FACES", "7")
	t.Setenv("REFACER_PERFORMANCE", "true")
	t.Setenv("REFACER_ENGINE_CMD", "python3 -u engine.py")
	t.Setenv("REFACER_NGROK_TOKEN", "tok:user:pass")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxNumFaces)
	assert.Equal(t, 2, cfg.Workers, "file value survives when env is unset")
	assert.True(t, cfg.Performance)
	assert.Equal(t, []string{"python3", "-u", "engine.py"}, cfg.Engine.Command)
	assert.Equal(t, "tok:user:pass", cfg.Ngrok.Token)
}

func TestEnvParseErrors(t *testing.T) {
	t.Setenv("REFACER_WORKERS", "many")
	t.Setenv("REFACER_FORCE_CPU", "perhaps")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REFACER_WORKERS")
	assert.Contains(t, err.Error(), "REFACER_FORCE_CPU")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero faces", func(c *Config) { c.MaxNumFaces = 0 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"bad resolution", func(c *Config) { c.Normalize.Resolution = "hd" }},
		{"zero fps", func(c *Config) { c.Normalize.TargetFPS = 0 }},
		{"no engine command", func(c *Config) { c.Engine.Command = nil }},
		{"negative timeout", func(c *Config) { c.Engine.Timeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := Default()
	t.Setenv("POSTGRES_HOST", "")
	assert.Empty(t, cfg.DatabaseURL(), "no database unless one is configured")

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "refacer")
	assert.Equal(t, "postgres://u:p@db:5432/refacer", cfg.DatabaseURL())

	cfg.Database = "postgres://explicit/db"
	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL())
}
