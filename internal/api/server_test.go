package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/refacer/internal/engine"
	"github.com/andresmejia3/refacer/internal/normalize"
	"github.com/andresmejia3/refacer/internal/types"
)

// stubRefacer writes a fake result next to the input and records what it got.
type stubRefacer struct {
	mu    sync.Mutex
	calls int
	video string
	slots types.SlotArray
	err   error
}

func (s *stubRefacer) Handle(ctx context.Context, videoPath string, slots types.SlotArray) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.video = videoPath
	s.slots = slots
	if s.err != nil {
		return "", s.err
	}
	out := filepath.Join(filepath.Dir(videoPath), "input_refaced.mp4")
	if err := os.WriteFile(out, []byte("refaced video"), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func newTestServer(t *testing.T, cfg Config, r Refacer) (*httptest.Server, Config) {
	t.Helper()
	if cfg.MaxFaces == 0 {
		cfg.MaxFaces = 5
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = t.TempDir()
	}
	if cfg.Normalize == (types.NormalizationSpec{}) {
		cfg.Normalize = normalize.DefaultSpec()
	}
	s, err := New(cfg, r, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return ts, cfg
}

type part struct {
	name     string
	filename string // empty means a plain value
	body     string
}

func postForm(t *testing.T, url string, parts ...part) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename == "" {
			require.NoError(t, mw.WriteField(p.name, p.body))
			continue
		}
		fw, err := mw.CreateFormFile(p.name, p.filename)
		require.NoError(t, err)
		_, err = io.WriteString(fw, p.body)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(url+"/api/v1/reface", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestConfigEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, Config{MaxFaces: 3, Performance: true}, &stubRefacer{})

	resp, err := http.Get(ts.URL + "/api/v1/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.EqualValues(t, 3, body["max_faces"])
	assert.Equal(t, true, body["performance_mode"])
	assert.Equal(t, "1920x1080", body["resolution"])
}

func TestIndexRendersOneTabPerSlot(t *testing.T) {
	ts, _ := newTestServer(t, Config{MaxFaces: 4}, &stubRefacer{})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	html, _ := io.ReadAll(resp.Body)

	assert.Equal(t, 4, strings.Count(string(html), `type="range"`))
	assert.Contains(t, string(html), `name="origin_3"`)
	assert.NotContains(t, string(html), `name="origin_4"`)
}

func TestRefaceBuildsFullSlotArray(t *testing.T) {
	stub := &stubRefacer{}
	ts, cfg := newTestServer(t, Config{MaxFaces: 5}, stub)

	resp := postForm(t, ts.URL,
		part{name: "video", filename: "clip.MOV", body: "video bytes"},
		part{name: "origin_0", filename: "a.png", body: "A"},
		part{name: "destination_0", filename: "b.png", body: "B"},
		part{name: "threshold_0", body: "0.45"},
		part{name: "origin_1", filename: "c.png", body: "C"},
		part{name: "destination_2", body: ""}, // unselected file input
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)

	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "/api/v1/outputs/"+jobID+"/input_refaced.mp4", body["output_url"])

	require.Len(t, stub.slots, 5)
	assert.Equal(t, filepath.Join(cfg.UploadDir, jobID, "input.mov"), stub.video)

	s0 := stub.slots[0]
	require.True(t, s0.Origin.Present() && s0.Destination.Present())
	assert.Equal(t, 0.45, s0.Threshold)
	data, err := os.ReadFile(s0.Origin.Path)
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))

	assert.True(t, stub.slots[1].Origin.Present())
	assert.Nil(t, stub.slots[1].Destination)
	assert.Nil(t, stub.slots[2].Destination)
	assert.Equal(t, DefaultThreshold, stub.slots[4].Threshold)

	// The result is downloadable
	dl, err := http.Get(ts.URL + body["output_url"].(string))
	require.NoError(t, err)
	defer dl.Body.Close()
	got, _ := io.ReadAll(dl.Body)
	assert.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "refaced video", string(got))
}

func TestRefaceRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		parts []part
	}{
		{"missing video", []part{{name: "origin_0", filename: "a.png", body: "A"}}},
		{"bad threshold", []part{{name: "video", filename: "v.mp4", body: "v"}, {name: "threshold_0", body: "high"}}},
		{"slot index too large", []part{{name: "video", filename: "v.mp4", body: "v"}, {name: "origin_5", filename: "a.png", body: "A"}}},
		{"bad slot index", []part{{name: "video", filename: "v.mp4", body: "v"}, {name: "threshold_x", body: "0.3"}}},
		{"text in image field", []part{{name: "video", filename: "v.mp4", body: "v"}, {name: "origin_0", body: "a.png"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubRefacer{}
			ts, _ := newTestServer(t, Config{MaxFaces: 5}, stub)

			resp := postForm(t, ts.URL, tt.parts...)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Zero(t, stub.calls, "bad input must not reach the executor")
		})
	}
}

func TestRefaceEngineFailure(t *testing.T) {
	stub := &stubRefacer{err: &engine.Failure{Video: "v.mp4", Err: errors.New("CUDA error")}}
	ts, _ := newTestServer(t, Config{}, stub)

	resp := postForm(t, ts.URL, part{name: "video", filename: "v.mp4", body: "v"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "engine_failure", body["error"])
	assert.NotContains(t, body, "output_url")
}

func TestRefaceRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, Config{RateLimit: 1}, &stubRefacer{})

	first := postForm(t, ts.URL, part{name: "video", filename: "v.mp4", body: "v"})
	assert.Equal(t, http.StatusOK, first.StatusCode)
	second := postForm(t, ts.URL, part{name: "video", filename: "v.mp4", body: "v"})
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestOutputRejectsTraversal(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, &stubRefacer{})

	for _, path := range []string{
		"/api/v1/outputs/not-a-uuid/input_refaced.mp4",
		"/api/v1/outputs/2f1d7e0c-4b7a-4c55-9d3e-0d6a7d0b1c2e/missing.mp4",
		"/api/v1/outputs/2f1d7e0c-4b7a-4c55-9d3e-0d6a7d0b1c2e/..%2f..%2fetc%2fpasswd",
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestPublishMovesForeignOutput(t *testing.T) {
	jobDir := t.TempDir()
	elsewhere := filepath.Join(t.TempDir(), "result.mp4")
	require.NoError(t, os.WriteFile(elsewhere, []byte("x"), 0o644))

	name, err := publish(jobDir, elsewhere)
	require.NoError(t, err)
	assert.Equal(t, "result.mp4", name)
	assert.FileExists(t, filepath.Join(jobDir, "result.mp4"))
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, &stubRefacer{})

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

// poolRefacer also reports worker occupancy, like the executor.
type poolRefacer struct {
	stubRefacer
}

func (p *poolRefacer) Workers() (int, int) { return 4, 1 }

func TestHealthReportsWorkerPool(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, &poolRefacer{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 4, body["workers"])
	assert.EqualValues(t, 1, body["busy"])
}
