package cmd

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andresmejia3/refacer/internal/config"
	"github.com/andresmejia3/refacer/internal/engine"
	"github.com/andresmejia3/refacer/internal/executor"
	xlog "github.com/andresmejia3/refacer/internal/log"
	"github.com/andresmejia3/refacer/internal/mapping"
	"github.com/andresmejia3/refacer/internal/normalize"
)

// Flag defaults mirror config.Default so --help shows real values. Only flags
// the user actually set override the config file and environment.

func addEngineFlags(cmd *cobra.Command) {
	def := config.Default()
	cmd.Flags().Bool("force-cpu", false, "Run the engine on CPU even when a GPU is available")
	cmd.Flags().Bool("autocast", false, "Enable mixed precision on GPU")
	cmd.Flags().String("engine-cmd", strings.Join(def.Engine.Command, " "), "Command that starts the inference engine")
	cmd.Flags().Duration("engine-timeout", 0, "Per-call engine timeout (0 = none)")
	cmd.Flags().Bool("clamp-thresholds", def.ClampThresholds, "Clamp face thresholds into [0,1] instead of passing them through")
}

func addNormalizeFlags(cmd *cobra.Command) {
	def := config.Default()
	cmd.Flags().Bool("performance", false, "Performance mode: normalize videos before inference")
	cmd.Flags().String("resolution", def.Normalize.Resolution, "Normalization bounding box (WIDTHxHEIGHT)")
	cmd.Flags().Int("fps", def.Normalize.TargetFPS, "Normalization frame rate cap")
}

// overrides copies explicitly set flags into the config.
type overrides struct {
	fs *pflag.FlagSet
}

func (o overrides) changed(name string) bool {
	f := o.fs.Lookup(name)
	return f != nil && f.Changed
}

func (o overrides) intVar(name string, dst *int) {
	if o.changed(name) {
		if v, err := o.fs.GetInt(name); err == nil {
			*dst = v
		}
	}
}

func (o overrides) boolVar(name string, dst *bool) {
	if o.changed(name) {
		if v, err := o.fs.GetBool(name); err == nil {
			*dst = v
		}
	}
}

func (o overrides) stringVar(name string, dst *string) {
	if o.changed(name) {
		if v, err := o.fs.GetString(name); err == nil {
			*dst = v
		}
	}
}

func (o overrides) durationVar(name string, dst *time.Duration) {
	if o.changed(name) {
		if v, err := o.fs.GetDuration(name); err == nil {
			*dst = v
		}
	}
}

// applyFlags layers every known flag present on fs over cfg.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) {
	o := overrides{fs: fs}

	o.intVar("max-num-faces", &cfg.MaxNumFaces)
	o.intVar("workers", &cfg.Workers)
	o.intVar("rate-limit", &cfg.RateLimit)
	o.stringVar("output-dir", &cfg.OutputDir)
	o.boolVar("clamp-thresholds", &cfg.ClampThresholds)
	o.boolVar("performance", &cfg.Performance)

	o.stringVar("server-name", &cfg.Server.Name)
	o.intVar("server-port", &cfg.Server.Port)
	o.stringVar("ngrok", &cfg.Ngrok.Token)
	o.stringVar("ngrok-region", &cfg.Ngrok.Region)

	o.boolVar("force-cpu", &cfg.Engine.ForceCPU)
	o.boolVar("autocast", &cfg.Engine.Autocast)
	o.durationVar("engine-timeout", &cfg.Engine.Timeout)
	if o.changed("engine-cmd") {
		var raw string
		o.stringVar("engine-cmd", &raw)
		cfg.Engine.Command = strings.Fields(raw)
	}

	o.stringVar("resolution", &cfg.Normalize.Resolution)
	o.intVar("fps", &cfg.Normalize.TargetFPS)
}

// resolveConfig returns the validated config for cmd.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := appCfg
	applyFlags(cmd.Flags(), &cfg)
	return cfg, config.Validate(cfg)
}

func newEngine(cfg config.Config, outputDir string) *engine.PythonEngine {
	return engine.NewPythonEngine(engine.Options{
		Command:     cfg.Engine.Command,
		ForceCPU:    cfg.Engine.ForceCPU,
		Autocast:    cfg.Engine.Autocast,
		Performance: cfg.Performance,
		OutputDir:   outputDir,
		Timeout:     cfg.Engine.Timeout,
	})
}

func newNormalizer(outputDir string) *normalize.Normalizer {
	return normalize.New(normalize.Config{OutputDir: outputDir})
}

func newExecutor(cfg config.Config, eng engine.Engine, norm executor.Normalizer, rec executor.Recorder) *executor.Executor {
	logger := xlog.WithComponent("engine")
	return executor.New(executor.Options{
		Workers:    cfg.Workers,
		Normalize:  cfg.Performance,
		Spec:       cfg.Normalize,
		Compiler:   mapping.NewCompiler(cfg.ClampThresholds),
		Normalizer: norm,
		Gateway:    engine.NewGateway(eng, logger),
		Recorder:   rec,
	})
}
