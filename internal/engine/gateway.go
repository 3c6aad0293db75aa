package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/andresmejia3/refacer/internal/log"
	"github.com/andresmejia3/refacer/internal/metrics"
	"github.com/andresmejia3/refacer/internal/types"
)

// Gateway is the single call site for the engine. It does not retry.
type Gateway struct {
	engine Engine
	log    zerolog.Logger
}

// NewGateway wraps e.
func NewGateway(e Engine, logger zerolog.Logger) *Gateway {
	return &Gateway{engine: e, log: logger}
}

// Execute forwards the directives to the engine unchanged, including an empty
// list. Any engine error comes back as a *Failure.
func (g *Gateway) Execute(ctx context.Context, video string, directives []types.SwapDirective) (string, error) {
	logger := xlog.WithContext(ctx, g.log)
	if directives == nil {
		directives = []types.SwapDirective{}
	}

	start := time.Now()
	out, err := g.engine.Reface(ctx, video, directives)
	if err != nil {
		metrics.EngineCalls.WithLabelValues("failure").Inc()
		logger.Error().Err(err).
			Str(xlog.FieldEvent, "engine.failure").
			Str(xlog.FieldPath, video).
			Int(xlog.FieldDirectives, len(directives)).
			Dur("duration", time.Since(start)).
			Msg("engine call failed")
		return "", &Failure{Video: video, Err: err}
	}

	metrics.EngineCalls.WithLabelValues("ok").Inc()
	logger.Info().
		Str(xlog.FieldEvent, "engine.done").
		Str(xlog.FieldPath, video).
		Str(xlog.FieldOutput, out).
		Int(xlog.FieldDirectives, len(directives)).
		Dur("duration", time.Since(start)).
		Msg("engine call finished")
	return out, nil
}
