// Package normalize re-encodes input videos to a bounded resolution and frame
// rate before inference. Normalization is an optimization: every failure falls
// back to the original file.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	xlog "github.com/andresmejia3/refacer/internal/log"
	"github.com/andresmejia3/refacer/internal/metrics"
	"github.com/andresmejia3/refacer/internal/types"
	"github.com/andresmejia3/refacer/internal/utils"
)

// Default bounds used when performance mode is on and nothing else is configured.
const (
	DefaultResolution = "1920x1080"
	DefaultFPS        = 30
)

// DefaultSpec returns the default 1080p / 30 fps bound.
func DefaultSpec() types.NormalizationSpec {
	return types.NormalizationSpec{Resolution: DefaultResolution, TargetFPS: DefaultFPS}
}

// Result is the outcome of a normalization attempt. Path is always usable:
// the re-encoded file on success, the original input otherwise.
type Result struct {
	Path       string
	Normalized bool  // Path points at a re-encoded copy
	Skipped    bool  // input already within bounds
	Cached     bool  // re-encoded copy from an earlier run was reused
	Err        error // set when normalization failed and Path fell back to the input
}

// Outcome names the result for logs and metrics.
func (r Result) Outcome() string {
	switch {
	case r.Err != nil:
		return "fallback"
	case r.Cached:
		return "cached"
	case r.Skipped:
		return "skipped"
	case r.Normalized:
		return "normalized"
	default:
		return "unknown"
	}
}

// Config configures the external tools and where re-encoded files go.
type Config struct {
	FFmpegBin  string
	FFprobeBin string
	// OutputDir receives normalized copies. Empty means next to the source.
	OutputDir string
	Logger    *zerolog.Logger
}

type mediaInfo struct {
	Width, Height int
	FPS           float64
}

// Normalizer runs the transcode subprocess.
type Normalizer struct {
	cfg   Config
	log   zerolog.Logger
	probe func(ctx context.Context, path string) (mediaInfo, error)
}

// New builds a Normalizer. Missing binaries default to ffmpeg/ffprobe on PATH.
func New(cfg Config) *Normalizer {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.FFprobeBin == "" {
		cfg.FFprobeBin = "ffprobe"
	}
	logger := xlog.WithComponent("normalize")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	n := &Normalizer{cfg: cfg, log: logger}
	n.probe = n.ffprobe
	return n
}

// ParseResolution parses a WIDTHxHEIGHT string.
func ParseResolution(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resolution %q: expected WIDTHxHEIGHT", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution width %q: %w", ws, err)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution height %q: %w", hs, err)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q: dimensions must be positive", s)
	}
	return w, h, nil
}

// Normalize conditionally re-encodes src to fit spec. It never fails: on any
// error the original path comes back with Result.Err set.
func (n *Normalizer) Normalize(ctx context.Context, src string, spec types.NormalizationSpec) Result {
	logger := xlog.WithContext(ctx, n.log).With().Str(xlog.FieldPath, src).Logger()

	res := n.normalize(ctx, logger, src, spec)
	metrics.NormalizeTotal.WithLabelValues(res.Outcome()).Inc()

	if res.Err != nil {
		logger.Warn().Err(res.Err).
			Str(xlog.FieldEvent, "normalize.fallback").
			Msg("video normalization failed, using original video")
	} else {
		logger.Info().
			Str(xlog.FieldEvent, "normalize."+res.Outcome()).
			Str(xlog.FieldOutput, res.Path).
			Str(xlog.FieldResolution, spec.Resolution).
			Int(xlog.FieldFPS, spec.TargetFPS).
			Msg("video normalization finished")
	}
	return res
}

func (n *Normalizer) normalize(ctx context.Context, logger zerolog.Logger, src string, spec types.NormalizationSpec) Result {
	fallback := func(err error) Result {
		return Result{Path: src, Err: err}
	}

	width, height, err := ParseResolution(spec.Resolution)
	if err != nil {
		return fallback(err)
	}
	if spec.TargetFPS < 1 {
		return fallback(fmt.Errorf("invalid target fps %d", spec.TargetFPS))
	}

	if info, err := n.probe(ctx, src); err != nil {
		// Probing is only used to skip work; the transcode may still succeed
		logger.Debug().Err(err).Msg("probe failed, transcoding unconditionally")
	} else if info.Width <= width && info.Height <= height && info.FPS <= float64(spec.TargetFPS)+0.01 {
		return Result{Path: src, Skipped: true}
	}

	out, err := n.outputPath(src, width, height, spec.TargetFPS)
	if err != nil {
		return fallback(err)
	}

	if info, err := os.Stat(out); err == nil && info.Size() > 0 {
		return Result{Path: out, Normalized: true, Cached: true}
	}

	if _, err := exec.LookPath(n.cfg.FFmpegBin); err != nil {
		return fallback(fmt.Errorf("ffmpeg not available: %w", err))
	}

	if err := n.transcode(ctx, src, out, width, height, spec.TargetFPS); err != nil {
		return fallback(err)
	}
	return Result{Path: out, Normalized: true}
}

// outputPath derives a destination that is never the source file. The content
// ID in the name lets a later run reuse the copy.
func (n *Normalizer) outputPath(src string, width, height, fps int) (string, error) {
	id, err := utils.GenerateVideoID(src)
	if err != nil {
		return "", fmt.Errorf("read source video: %w", err)
	}

	dir := n.cfg.OutputDir
	if dir == "" {
		dir = filepath.Dir(src)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create normalize output directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	name := fmt.Sprintf("%s_%s_%dx%d_%dfps.mp4", base, id[:12], width, height, fps)
	out := filepath.Join(dir, name)

	inAbs, err := filepath.Abs(src)
	if err != nil {
		return "", err
	}
	outAbs, err := filepath.Abs(out)
	if err != nil {
		return "", err
	}
	if inAbs == outAbs {
		return "", errors.New("normalized output would overwrite the source video")
	}
	return out, nil
}

func (n *Normalizer) transcode(ctx context.Context, src, out string, width, height, fps int) error {
	partial := strings.TrimSuffix(out, ".mp4") + ".partial.mp4"
	defer os.Remove(partial)

	ffmpeg := utils.NewSafeCommand(ctx, n.cfg.FFmpegBin, BuildArgs(src, partial, width, height, fps)...)
	if err := ffmpeg.Run(); err != nil {
		if tail := ffmpeg.StderrTail(10); tail != "" {
			return fmt.Errorf("ffmpeg failed: %w: %s", err, tail)
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}

	if info, err := os.Stat(partial); err != nil || info.Size() == 0 {
		return fmt.Errorf("ffmpeg produced no output at %s", partial)
	}
	if err := os.Rename(partial, out); err != nil {
		return fmt.Errorf("finalize normalized video: %w", err)
	}
	return nil
}

// BuildArgs returns the ffmpeg argument list that scales src into a
// width x height box at fps and writes out.
func BuildArgs(src, out string, width, height, fps int) []string {
	scale := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease:force_divisible_by=2", width, height)
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-vf", scale,
		"-r", strconv.Itoa(fps),
		"-c:v", "libx264", "-preset", "veryfast",
		"-c:a", "copy",
		out,
	}
}

// ffprobe reads dimensions and frame rate concurrently.
func (n *Normalizer) ffprobe(ctx context.Context, path string) (mediaInfo, error) {
	var info mediaInfo
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w, h, err := utils.GetVideoDimensions(gctx, n.cfg.FFprobeBin, path)
		info.Width, info.Height = w, h
		return err
	})
	g.Go(func() error {
		fps, err := utils.GetVideoFPS(gctx, n.cfg.FFprobeBin, path)
		info.FPS = fps
		return err
	})
	if err := g.Wait(); err != nil {
		return mediaInfo{}, err
	}
	return info, nil
}
