package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/refacer/internal/config"
)

var normalizeInput string

var normalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Re-encode a video to the configured resolution and frame rate",
	Long: `Runs the same normalization step performance mode applies before inference.
Prints the path of the video the engine would receive; on failure that is the original.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		info, err := os.Stat(normalizeInput)
		if err != nil {
			return fmt.Errorf("unable to access input file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path is a directory, expected a video file")
		}
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}

		res := newNormalizer(cfg.OutputDir).Normalize(cmd.Context(), normalizeInput, cfg.Normalize)
		switch {
		case res.Err != nil:
			fmt.Fprintf(os.Stderr, "⚠️  Normalization failed, using original video: %v\n", res.Err)
		case res.Skipped:
			fmt.Fprintln(os.Stderr, "✅ Already within bounds, nothing to do.")
		case res.Cached:
			fmt.Fprintln(os.Stderr, "♻️  Reusing earlier normalized copy.")
		default:
			fmt.Fprintf(os.Stderr, "🎞️  Normalized to %s @ %dfps\n", cfg.Normalize.Resolution, cfg.Normalize.TargetFPS)
		}
		fmt.Println(res.Path)
		return nil
	},
}

func init() {
	normalizeCmd.Flags().StringVarP(&normalizeInput, "input", "i", "", "Path to video")
	normalizeCmd.Flags().String("output-dir", config.Default().OutputDir, "Directory for the normalized copy")
	addNormalizeFlags(normalizeCmd)
	normalizeCmd.Flags().MarkHidden("performance")

	normalizeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(normalizeCmd)
}
