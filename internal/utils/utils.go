package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// --- 1. Process Safety & Command Wrapping ---

// maxStderr caps how much subprocess stderr is retained. Long-lived engines
// log for the whole life of the service.
const maxStderr = 64 * 1024

// TailBuffer keeps the last Cap bytes written to it. It is safe for
// concurrent use: os/exec copies stderr from its own goroutine.
type TailBuffer struct {
	mu  sync.Mutex
	buf []byte
	Cap int
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) >= t.Cap {
		t.buf = append(t.buf[:0], p[len(p)-t.Cap:]...)
		return n, nil
	}
	if over := len(t.buf) + len(p) - t.Cap; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

// WriteString appends s.
func (t *TailBuffer) WriteString(s string) (int, error) {
	return t.Write([]byte(s))
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (t *TailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python / FFmpeg logs)
// so crash output is still available after the process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *TailBuffer
}

// NewSafeCommand initializes a command and attaches a bounded buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &TailBuffer{Cap: maxStderr}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// StderrTail returns at most the last n lines of captured stderr.
func (s *SafeCommand) StderrTail(n int) string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(s.Stderr.String(), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// ShowError prints a formatted error box to stderr and dumps subprocess logs
// if a SafeCommand is provided. It does not exit.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 REFACER ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nENGINE LOGS:\n%s\n", s.StderrTail(40))
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Video Probing ---

type ffprobeStreams struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

func probeVideoStream(ctx context.Context, ffprobe, path, entries string) (*ffprobeStreams, error) {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, ffprobe, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream="+entries, "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	var res ffprobeStreams
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return nil, fmt.Errorf("no video stream in %s", path)
	}
	return &res, nil
}

// GetVideoFPS returns the frame rate of the first video stream.
func GetVideoFPS(ctx context.Context, ffprobe, path string) (float64, error) {
	res, err := probeVideoStream(ctx, ffprobe, path, "r_frame_rate,avg_frame_rate")
	if err != nil {
		return 0, err
	}
	// avg_frame_rate reflects VFR content better; r_frame_rate is the fallback
	for _, rate := range []string{res.Streams[0].AvgFrameRate, res.Streams[0].RFrameRate} {
		if fps, err := ParseFrameRate(rate); err == nil && fps > 0 {
			return fps, nil
		}
	}
	return 0, fmt.Errorf("unable to determine frame rate of %s", path)
}

// GetVideoDimensions returns width and height of the first video stream.
func GetVideoDimensions(ctx context.Context, ffprobe, path string) (int, int, error) {
	res, err := probeVideoStream(ctx, ffprobe, path, "width,height")
	if err != nil {
		return 0, 0, err
	}
	w, h := res.Streams[0].Width, res.Streams[0].Height
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid dimensions %dx%d for %s", w, h, path)
	}
	return w, h, nil
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func ParseFrameRate(rate string) (float64, error) {
	rate = strings.TrimSpace(rate)
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", rate, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", rate, err)
	}
	if d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q: zero denominator", rate)
	}
	return n / d, nil
}

// GenerateVideoID creates a deterministic hash for the video file
// based on its path, size, and modification time.
func GenerateVideoID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
