package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/refacer/internal/config"
	xlog "github.com/andresmejia3/refacer/internal/log"
	"github.com/andresmejia3/refacer/internal/store"
)

var (
	// appCfg is the configuration after defaults, file and environment.
	// Subcommands copy it and apply their own flags on top.
	appCfg config.Config

	cfgFile  string
	logLevel string
	// dbURL is the connection string
	dbURL string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "refacer",
	Short:   "Video face replacement service",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("db") {
			cfg.Database = dbURL
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}

		xlog.Configure(xlog.Config{
			Level:  cfg.LogLevel,
			Output: os.Stderr,
			Pretty: isTerminal(os.Stderr),
		})
		appCfg = cfg
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for job history (default: POSTGRES_* env, otherwise disabled)")
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// openStore connects to the job history database. With required unset a
// missing configuration returns (nil, nil).
func openStore(ctx context.Context, cfg config.Config, required bool) (*store.Store, error) {
	url := cfg.DatabaseURL()
	if url == "" {
		if !required {
			return nil, nil
		}
		// Fallback to local default if nothing is configured
		url = "postgres://localhost:5432/refacer"
	}
	db, err := store.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
