package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/refacer/internal/api"
	"github.com/andresmejia3/refacer/internal/config"
	"github.com/andresmejia3/refacer/internal/executor"
	xlog "github.com/andresmejia3/refacer/internal/log"
	"github.com/andresmejia3/refacer/internal/tunnel"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web interface",
	Long: `Serves the upload form and the reface API. One video and up to --max-num-faces
origin/destination image pairs are accepted per request; requests run on a bounded worker pool.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	def := config.Default()
	serveCmd.Flags().Int("max-num-faces", def.MaxNumFaces, "Number of face slots in the form")
	serveCmd.Flags().Int("workers", def.Workers, "Concurrent reface jobs")
	serveCmd.Flags().String("server-name", def.Server.Name, "Interface to listen on")
	serveCmd.Flags().Int("server-port", def.Server.Port, "Port to listen on")
	serveCmd.Flags().String("output-dir", def.OutputDir, "Directory for uploads and results")
	serveCmd.Flags().Int("rate-limit", def.RateLimit, "Reface requests per minute per client (0 = unlimited)")
	serveCmd.Flags().String("ngrok", "", "Share through ngrok: TOKEN or TOKEN:USER:PASS for basic auth")
	serveCmd.Flags().String("ngrok-region", def.Ngrok.Region, "ngrok region")
	addEngineFlags(serveCmd)
	addNormalizeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := xlog.WithComponent("serve")

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	var rec executor.Recorder
	db, err := openStore(ctx, cfg, false)
	if err != nil {
		logger.Warn().Err(err).Msg("job history disabled")
	} else if db != nil {
		defer db.Close()
		rec = db
	}

	eng := newEngine(cfg, cfg.OutputDir)
	defer eng.Close()

	exec := newExecutor(cfg, eng, newNormalizer(cfg.OutputDir), rec)
	defer exec.Close()

	srv, err := api.New(api.Config{
		MaxFaces:    cfg.MaxNumFaces,
		Performance: cfg.Performance,
		Normalize:   cfg.Normalize,
		UploadDir:   cfg.OutputDir,
		RateLimit:   cfg.RateLimit,
	}, exec, xlog.WithComponent("api"))
	if err != nil {
		return err
	}
	handler := srv.Routes()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpSrv.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	fmt.Fprintf(os.Stderr, "🌐 Refacer running at http://%s\n", httpSrv.Addr)

	var tun *tunnel.Tunnel
	if cfg.Ngrok.Token != "" {
		tunLog := xlog.WithComponent("tunnel")
		tun, err = tunnel.Connect(ctx, tunnel.Options{
			Token:  cfg.Ngrok.Token,
			Region: cfg.Ngrok.Region,
			Logger: &tunLog,
		}, handler)
		if err != nil {
			// The local server stays up
			logger.Error().Err(err).Msg("ngrok tunnel unavailable")
			fmt.Fprintf(os.Stderr, "⚠️  ngrok: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "🔗 Public URL: %s\n", tun.URL())
		}
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if tun != nil {
		if err := tun.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("close tunnel")
		}
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}
