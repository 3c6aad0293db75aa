package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	xlog "github.com/andresmejia3/refacer/internal/log"
	"github.com/andresmejia3/refacer/internal/metrics"
	"github.com/andresmejia3/refacer/internal/types"
	"github.com/andresmejia3/refacer/internal/utils"
)

// DefaultCommand launches the bundled Python engine script.
var DefaultCommand = []string{"python3", "-u", "python/engine.py"}

// maxResponse guards against a corrupt length header allocating gigabytes.
const maxResponse = 16 << 20

// Options configure the engine subprocess.
type Options struct {
	Command     []string // argv; defaults to DefaultCommand
	ForceCPU    bool
	Autocast    bool // mixed precision on GPU
	Performance bool
	// OutputDir receives refaced videos. Empty means next to the input.
	OutputDir string
	// Timeout bounds a single call. Zero means no limit.
	Timeout time.Duration
	Logger  *zerolog.Logger
}

// process is one running engine. Stdin carries requests, DataPipe (FD 3 in
// the child) carries responses so engine logging on stdout/stderr can't
// corrupt the framing.
type process struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// PythonEngine is the process-wide engine. It keeps one Python process alive
// so model weights are loaded once, and serializes calls over its pipes.
type PythonEngine struct {
	opts  Options
	log   zerolog.Logger
	start func() (*process, error)

	mu     sync.Mutex
	proc   *process
	closed bool
}

// NewPythonEngine builds an engine. The subprocess starts on the first call.
func NewPythonEngine(opts Options) *PythonEngine {
	if len(opts.Command) == 0 {
		opts.Command = DefaultCommand
	}
	logger := xlog.WithComponent("engine")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	e := &PythonEngine{opts: opts, log: logger}
	e.start = e.spawn
	return e
}

// Args returns the full argv used to launch the engine.
func (e *PythonEngine) Args() []string {
	args := append([]string{}, e.opts.Command...)
	if e.opts.ForceCPU {
		args = append(args, "--force-cpu")
	}
	if e.opts.Autocast {
		args = append(args, "--autocast")
	}
	if e.opts.Performance {
		args = append(args, "--performance")
	}
	return args
}

func (e *PythonEngine) spawn() (*process, error) {
	args := e.Args()
	// The engine outlives any single request, so it is not tied to a request context
	py := utils.NewSafeCommand(context.Background(), args[0], args[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	e.log.Info().
		Str(xlog.FieldEvent, "engine.start").
		Int("pid", py.Process.Pid).
		Strs("argv", args).
		Msg("inference engine started")

	return &process{Cmd: py, Stdin: stdin, DataPipe: r}, nil
}

// Reface sends one request to the engine and waits for its answer. A crashed
// engine fails the call and is restarted on the next one.
func (e *PythonEngine) Reface(ctx context.Context, video string, directives []types.SwapDirective) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", ErrClosed
	}

	if e.proc == nil {
		p, err := e.start()
		if err != nil {
			return "", err
		}
		metrics.EngineRestarts.Inc()
		e.proc = p
	}
	p := e.proc

	req := types.EngineRequest{
		Video:  video,
		Output: e.outputPath(video),
		Faces:  make([]types.EngineFace, 0, len(directives)),
	}
	for _, d := range directives {
		req.Faces = append(req.Faces, types.EngineFace{
			Origin:      d.Origin.Path,
			Destination: d.Destination.Path,
			Threshold:   d.Threshold,
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode engine request: %w", err)
	}

	var timer *time.Timer
	if e.opts.Timeout > 0 {
		timer = time.AfterFunc(e.opts.Timeout, p.kill)
	}

	raw, err := p.communicate(body)
	// Stop reports false once the kill has fired; the process is gone or going
	timedOut := timer != nil && !timer.Stop()
	if timedOut || err != nil {
		// Reap first so the stderr copier has finished
		e.discard(p)
		tail := p.Cmd.StderrTail(20)
		if timedOut {
			err = fmt.Errorf("%w: no answer within %s", ErrTimeout, e.opts.Timeout)
		}
		if tail != "" {
			return "", fmt.Errorf("engine process died: %w\n%s", err, tail)
		}
		return "", fmt.Errorf("engine process died: %w", err)
	}

	var resp types.EngineResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode engine response: %w", err)
	}
	if resp.Error != "" {
		return "", errors.New("python engine error: " + resp.Error)
	}
	if resp.Output == "" {
		return "", errors.New("engine returned no output path")
	}
	return resp.Output, nil
}

func (e *PythonEngine) outputPath(video string) string {
	dir := e.opts.OutputDir
	if dir == "" {
		dir = filepath.Dir(video)
	}
	base := strings.TrimSuffix(filepath.Base(video), filepath.Ext(video))
	return filepath.Join(dir, fmt.Sprintf("%s_refaced_%s.mp4", base, uuid.NewString()[:8]))
}

// discard drops a broken process so the next call spawns a fresh one.
func (e *PythonEngine) discard(p *process) {
	p.kill()
	p.close()
	if e.proc == p {
		e.proc = nil
	}
	e.log.Warn().Str(xlog.FieldEvent, "engine.crash").Msg("inference engine exited, will restart on next call")
}

// Close stops the engine process. Further calls return ErrClosed.
func (e *PythonEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.proc != nil {
		e.proc.close()
		e.proc = nil
	}
	return nil
}

func (p *process) communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(p.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := p.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(p.DataPipe, header); err != nil {
		return nil, err // a crashed engine surfaces here as EOF
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("engine response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(p.DataPipe, respBody)
	return respBody, err
}

func (p *process) kill() {
	if p.Cmd != nil && p.Cmd.Process != nil {
		_ = p.Cmd.Process.Kill()
	}
}

func (p *process) close() {
	p.Stdin.Close()
	p.DataPipe.Close()
	if p.Cmd != nil && p.Cmd.Process != nil {
		p.Cmd.Wait()
	}
}
