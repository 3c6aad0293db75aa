// Package executor runs reface requests off the request path on a bounded
// worker pool.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/refacer/internal/engine"
	xlog "github.com/andresmejia3/refacer/internal/log"
	"github.com/andresmejia3/refacer/internal/mapping"
	"github.com/andresmejia3/refacer/internal/metrics"
	"github.com/andresmejia3/refacer/internal/normalize"
	"github.com/andresmejia3/refacer/internal/types"
	"github.com/andresmejia3/refacer/internal/worker"
)

// ErrClosed is returned by Handle after Close.
var ErrClosed = errors.New("executor closed")

// Normalizer is the subset of normalize.Normalizer the executor needs.
type Normalizer interface {
	Normalize(ctx context.Context, src string, spec types.NormalizationSpec) normalize.Result
}

// Gateway is the subset of engine.Gateway the executor needs.
type Gateway interface {
	Execute(ctx context.Context, video string, directives []types.SwapDirective) (string, error)
}

// Recorder persists finished jobs. Record errors never reach the caller.
type Recorder interface {
	RecordJob(ctx context.Context, job types.JobRecord) error
}

// Options wires the executor.
type Options struct {
	Workers    int
	Normalize  bool // performance mode
	Spec       types.NormalizationSpec
	Compiler   mapping.Compiler
	Normalizer Normalizer
	Gateway    Gateway
	Recorder   Recorder // optional
	Logger     *zerolog.Logger
}

// Executor accepts reface requests and runs each as an independent job.
type Executor struct {
	opts Options
	pool *worker.Pool
	log  zerolog.Logger
}

type outcome struct {
	path string
	err  error
}

// New starts the worker pool.
func New(opts Options) *Executor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Spec == (types.NormalizationSpec{}) {
		opts.Spec = normalize.DefaultSpec()
	}
	logger := xlog.WithComponent("executor")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Executor{
		opts: opts,
		pool: worker.NewPool(opts.Workers, logger),
		log:  logger,
	}
}

// Handle compiles the slots, runs the job on a worker and blocks for its
// result. ctx can abort the wait for a free worker; a dispatched job is not
// cancelled and has no deadline of its own. A job ID already on ctx is reused.
func (e *Executor) Handle(ctx context.Context, videoPath string, slots types.SlotArray) (string, error) {
	directives := e.opts.Compiler.Compile(slots)

	jobID := xlog.JobIDFromContext(ctx)
	if jobID == "" {
		jobID = uuid.NewString()
	}
	jobCtx := xlog.ContextWithJobID(context.WithoutCancel(ctx), jobID)
	logger := xlog.WithContext(jobCtx, e.log)

	done := make(chan outcome, 1)
	err := e.pool.Submit(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str(xlog.FieldEvent, "job.panic").Str("panic", fmt.Sprint(r)).Msg("reface job panicked")
				metrics.JobsTotal.WithLabelValues(types.JobStatusEngineFailure).Inc()
				done <- outcome{err: &engine.Failure{Video: videoPath, Err: fmt.Errorf("job panicked: %v", r)}}
			}
		}()
		path, err := e.run(jobCtx, jobID, videoPath, directives)
		done <- outcome{path: path, err: err}
	})
	if errors.Is(err, worker.ErrClosed) {
		return "", ErrClosed
	}
	if err != nil {
		logger.Warn().Err(err).Str(xlog.FieldEvent, "job.abandoned").Msg("request gave up before a worker was free")
		return "", err
	}

	res := <-done
	return res.path, res.err
}

func (e *Executor) run(ctx context.Context, jobID, videoPath string, directives []types.SwapDirective) (string, error) {
	logger := xlog.WithContext(ctx, e.log)
	job := types.JobRecord{
		ID:             jobID,
		VideoPath:      videoPath,
		DirectiveCount: len(directives),
		StartedAt:      time.Now().UTC(),
	}
	logger.Info().
		Str(xlog.FieldEvent, "job.start").
		Str(xlog.FieldPath, videoPath).
		Int(xlog.FieldDirectives, len(directives)).
		Bool("performance", e.opts.Normalize).
		Msg("reface job started")

	video := videoPath
	if e.opts.Normalize && e.opts.Normalizer != nil {
		res := e.opts.Normalizer.Normalize(ctx, videoPath, e.opts.Spec)
		video = res.Path
		job.Normalized = res.Normalized
	}

	out, err := e.opts.Gateway.Execute(ctx, video, directives)
	job.OutputPath = out
	job.Status = types.JobStatusOK
	job.FinishedAt = time.Now().UTC()
	if err != nil {
		job.Status = types.JobStatusEngineFailure
		job.Error = err.Error()
	}

	metrics.JobsTotal.WithLabelValues(job.Status).Inc()
	metrics.JobDuration.Observe(job.Duration().Seconds())
	metrics.DirectivesPerJob.Observe(float64(len(directives)))

	if e.opts.Recorder != nil {
		if rerr := e.opts.Recorder.RecordJob(ctx, job); rerr != nil {
			logger.Warn().Err(rerr).Str(xlog.FieldEvent, "job.record_failed").Msg("could not record job history")
		}
	}

	evt := logger.Info()
	if err != nil {
		evt = logger.Error().Err(err)
	}
	evt.Str(xlog.FieldEvent, "job.finish").
		Str("result", job.Status).
		Str(xlog.FieldOutput, out).
		Dur("duration", job.Duration()).
		Msg("reface job finished")

	return out, err
}

// Workers reports the pool size and how many workers are running a job.
func (e *Executor) Workers() (size, busy int) {
	return e.pool.Size(), e.pool.Busy()
}

// Close stops accepting requests and waits for running jobs.
func (e *Executor) Close() {
	e.pool.Close()
}
