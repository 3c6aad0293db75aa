// Package api is the HTTP boundary: the upload page, the reface endpoint and
// the result downloads.
package api

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	xlog "github.com/andresmejia3/refacer/internal/log"
	"github.com/andresmejia3/refacer/internal/types"
)

//go:embed templates/index.html
var templateFS embed.FS

// DefaultThreshold is the slider position a slot starts at.
const DefaultThreshold = 0.2

// Refacer runs one reface request to completion.
type Refacer interface {
	Handle(ctx context.Context, videoPath string, slots types.SlotArray) (string, error)
}

// poolReporter is implemented by refacers that run on a worker pool.
type poolReporter interface {
	Workers() (size, busy int)
}

// Config configures the HTTP surface.
type Config struct {
	MaxFaces    int
	Performance bool
	Normalize   types.NormalizationSpec
	// UploadDir holds one directory per job with its uploads and result.
	UploadDir string
	// RateLimit caps reface requests per minute per client. Zero disables it.
	RateLimit int
	// MaxUploadBytes caps a whole reface request body. Zero means 4 GiB.
	MaxUploadBytes int64
}

// Server serves the UI and API.
type Server struct {
	cfg     Config
	refacer Refacer
	log     zerolog.Logger
	index   *template.Template
}

// New builds a Server.
func New(cfg Config, refacer Refacer, logger zerolog.Logger) (*Server, error) {
	if cfg.MaxFaces < 1 {
		return nil, fmt.Errorf("max faces must be at least 1, got %d", cfg.MaxFaces)
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 4 << 30
	}
	tmpl, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}
	return &Server{cfg: cfg, refacer: refacer, log: logger, index: tmpl}, nil
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(xlog.Middleware())
	// Inside the access log so a recovered panic is still logged as a 500
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/config", s.handleConfig)
		r.With(rateLimit(s.cfg.RateLimit)).Post("/reface", s.handleReface)
		r.Get("/outputs/{job}/{file}", s.handleOutput)
	})
	return r
}

// rateLimit limits requests per client IP per minute.
func rateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := time.Minute
	return httprate.Limit(
		perMinute,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limit_exceeded"})
		}),
	)
}
