package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/andresmejia3/refacer/internal/log"
)

// EnvPrefix prefixes every environment variable refacer reads.
const EnvPrefix = "REFACER_"

type envReader struct {
	log  zerolog.Logger
	errs []error
}

func (r *envReader) lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || value == "" {
		return "", false
	}
	lower := strings.ToLower(key)
	evt := r.log.Debug().Str("key", EnvPrefix+key).Str("source", "environment")
	if strings.Contains(lower, "token") || key == "DB" {
		evt = evt.Bool("sensitive", true)
	} else {
		evt = evt.Str("value", value)
	}
	evt.Msg("using environment variable")
	return value, true
}

func (r *envReader) setString(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) setInt(key string, dst *int) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) setBool(key string, dst *bool) {
	if v, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = b
	}
}

func (r *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
}

func (r *envReader) setFields(key string, dst *[]string) {
	if v, ok := r.lookup(key); ok {
		*dst = strings.Fields(v)
	}
}

// mergeEnv overrides cfg with REFACER_* variables. Empty variables are ignored.
func mergeEnv(cfg *Config) error {
	r := &envReader{log: xlog.WithComponent("config")}

	r.setInt("MAX_NUM_FACES", &cfg.MaxNumFaces)
	r.setBool("PERFORMANCE", &cfg.Performance)
	r.setBool("CLAMP_THRESHOLDS", &cfg.ClampThresholds)
	r.setInt("WORKERS", &cfg.Workers)
	r.setString("OUTPUT_DIR", &cfg.OutputDir)
	r.setString("DB", &cfg.Database)
	r.setInt("RATE_LIMIT", &cfg.RateLimit)
	r.setString("LOG_LEVEL", &cfg.LogLevel)

	r.setString("SERVER_NAME", &cfg.Server.Name)
	r.setInt("SERVER_PORT", &cfg.Server.Port)

	r.setString("NGROK_TOKEN", &cfg.Ngrok.Token)
	r.setString("NGROK_REGION", &cfg.Ngrok.Region)

	r.setFields("ENGINE_CMD", &cfg.Engine.Command)
	r.setDuration("ENGINE_TIMEOUT", &cfg.Engine.Timeout)
	r.setBool("FORCE_CPU", &cfg.Engine.ForceCPU)
	r.setBool("AUTOCAST", &cfg.Engine.Autocast)

	r.setString("RESOLUTION", &cfg.Normalize.Resolution)
	r.setInt("FPS", &cfg.Normalize.TargetFPS)

	return errors.Join(r.errs...)
}
