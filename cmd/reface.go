package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/refacer/internal/api"
	"github.com/andresmejia3/refacer/internal/config"
	"github.com/andresmejia3/refacer/internal/executor"
	"github.com/andresmejia3/refacer/internal/types"
	"github.com/andresmejia3/refacer/internal/utils"
)

type refaceOptions struct {
	InputPath  string
	OutputPath string
	Faces      []string
}

var refaceOpts refaceOptions

var refaceCmd = &cobra.Command{
	Use:   "reface",
	Short: "Replace faces in a single video without the web interface",
	Example: `  refacer reface -i clip.mp4 --face alice.png:bob.png
  refacer reface -i clip.mp4 --face a.png:b.png:0.35 --face c.png:d.png -o out.mp4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		slots, err := validateRefaceFlags(&refaceOpts, cfg.MaxNumFaces)
		if err != nil {
			return err
		}
		out, err := runReface(cmd.Context(), cfg, refaceOpts, slots)
		if err != nil {
			utils.ShowError("Reface failed", err, nil)
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	def := config.Default()
	refaceCmd.Flags().StringVarP(&refaceOpts.InputPath, "input", "i", "", "Path to video")
	refaceCmd.Flags().StringVarP(&refaceOpts.OutputPath, "output", "o", "", "Where to write the result (default: inside --output-dir)")
	refaceCmd.Flags().StringArrayVarP(&refaceOpts.Faces, "face", "f", nil, "ORIGIN:DESTINATION[:THRESHOLD] image pair (repeatable)")
	refaceCmd.Flags().Int("max-num-faces", def.MaxNumFaces, "Maximum number of --face pairs")
	refaceCmd.Flags().String("output-dir", def.OutputDir, "Directory for intermediate and result files")
	addEngineFlags(refaceCmd)
	addNormalizeFlags(refaceCmd)

	refaceCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(refaceCmd)
}

// parseFaceSpec reads ORIGIN:DESTINATION[:THRESHOLD]. Either image may be
// empty, which leaves that side of the slot absent.
func parseFaceSpec(raw string) (types.Slot, error) {
	parts := splitFaceSpec(raw)
	if len(parts) < 2 || len(parts) > 3 {
		return types.Slot{}, fmt.Errorf("face %q: expected ORIGIN:DESTINATION[:THRESHOLD]", raw)
	}
	slot := types.Slot{Threshold: api.DefaultThreshold}
	if p := strings.TrimSpace(parts[0]); p != "" {
		slot.Origin = &types.ImageHandle{Path: p}
	}
	if p := strings.TrimSpace(parts[1]); p != "" {
		slot.Destination = &types.ImageHandle{Path: p}
	}
	if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return types.Slot{}, fmt.Errorf("face %q: threshold is not a number", raw)
		}
		slot.Threshold = v
	}
	return slot, nil
}

// splitFaceSpec splits on ':' but keeps drive letters such as C:\faces\a.png
// attached to their path.
func splitFaceSpec(raw string) []string {
	tokens := strings.Split(raw, ":")
	parts := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if len(t) == 1 && isDriveLetter(t[0]) && i+1 < len(tokens) &&
			(strings.HasPrefix(tokens[i+1], `\`) || strings.HasPrefix(tokens[i+1], "/")) {
			t += ":" + tokens[i+1]
			i++
		}
		parts = append(parts, t)
	}
	return parts
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func validateRefaceFlags(opts *refaceOptions, maxFaces int) (types.SlotArray, error) {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("input file does not exist: %w", err)
		}
		return nil, fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("input path is a directory, expected a video file")
	}
	if len(opts.Faces) > maxFaces {
		return nil, fmt.Errorf("got %d --face pairs, at most %d allowed (raise --max-num-faces)", len(opts.Faces), maxFaces)
	}
	if opts.OutputPath != "" && sameFile(opts.InputPath, opts.OutputPath) {
		return nil, errors.New("output path must differ from the input")
	}

	slots := make(types.SlotArray, maxFaces)
	for i := range slots {
		slots[i].Threshold = api.DefaultThreshold
	}
	for i, raw := range opts.Faces {
		slot, err := parseFaceSpec(raw)
		if err != nil {
			return nil, err
		}
		for _, h := range []*types.ImageHandle{slot.Origin, slot.Destination} {
			if h == nil {
				continue
			}
			if _, err := os.Stat(h.Path); err != nil {
				return nil, fmt.Errorf("face image: %w", err)
			}
		}
		slots[i] = slot
	}
	return slots, nil
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

func runReface(ctx context.Context, cfg config.Config, opts refaceOptions, slots types.SlotArray) (string, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	var rec executor.Recorder
	if db, err := openStore(ctx, cfg, false); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Job history disabled: %v\n", err)
	} else if db != nil {
		defer db.Close()
		rec = db
	}

	eng := newEngine(cfg, cfg.OutputDir)
	defer eng.Close()
	exec := newExecutor(cfg, eng, newNormalizer(cfg.OutputDir), rec)
	defer exec.Close()

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🎭 Refacing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetVisibility(isTerminal(os.Stderr)),
	)
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				bar.Add(1)
			}
		}
	}()

	out, err := exec.Handle(ctx, opts.InputPath, slots)
	close(stop)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}

	if opts.OutputPath == "" || sameFile(out, opts.OutputPath) {
		return out, nil
	}
	if err := moveFile(out, opts.OutputPath); err != nil {
		return "", fmt.Errorf("write %s: %w", opts.OutputPath, err)
	}
	return opts.OutputPath, nil
}

// moveFile renames src to dst, copying across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	t, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, in); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}
	return os.Remove(src)
}
