// Package engine is the boundary to the external face-replacement engine.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/refacer/internal/types"
)

// ErrEngineFailure matches every error produced by a failed engine call.
var ErrEngineFailure = errors.New("engine failure")

// ErrClosed is returned by an engine that has been shut down.
var ErrClosed = errors.New("engine closed")

// ErrTimeout is returned when the engine does not answer within Options.Timeout.
var ErrTimeout = errors.New("engine timed out")

// Engine replaces faces in a video according to the directives and returns
// the path of the produced video. Implementations own their threading model.
type Engine interface {
	Reface(ctx context.Context, video string, directives []types.SwapDirective) (string, error)
}

// Func adapts a plain function to the Engine interface.
type Func func(ctx context.Context, video string, directives []types.SwapDirective) (string, error)

// Reface calls f.
func (f Func) Reface(ctx context.Context, video string, directives []types.SwapDirective) (string, error) {
	return f(ctx, video, directives)
}

// Failure wraps an engine error together with the video it was working on.
type Failure struct {
	Video string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("engine failure on %s: %v", f.Video, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is makes errors.Is(err, ErrEngineFailure) true for any *Failure.
func (f *Failure) Is(target error) bool { return target == ErrEngineFailure }
