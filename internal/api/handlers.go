package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/andresmejia3/refacer/internal/engine"
	"github.com/andresmejia3/refacer/internal/executor"
	xlog "github.com/andresmejia3/refacer/internal/log"
	"github.com/andresmejia3/refacer/internal/mapping"
	"github.com/andresmejia3/refacer/internal/types"
)

// multipartMemory is how much of a form is kept in memory before spilling to disk.
const multipartMemory = 32 << 20

var safeExt = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)

// inputError marks a client mistake (400) as opposed to a server fault.
type inputError string

func (e inputError) Error() string { return string(e) }

type indexData struct {
	Slots            []int
	DefaultThreshold float64
	Performance      bool
	Resolution       string
	FPS              int
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := indexData{
		Slots:            make([]int, s.cfg.MaxFaces),
		DefaultThreshold: DefaultThreshold,
		Performance:      s.cfg.Performance,
		Resolution:       s.cfg.Normalize.Resolution,
		FPS:              s.cfg.Normalize.TargetFPS,
	}
	for i := range data.Slots {
		data.Slots[i] = i
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.index.Execute(w, data); err != nil {
		logger := xlog.WithContext(r.Context(), s.log)
		logger.Error().Err(err).Msg("render index")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if pr, ok := s.refacer.(poolReporter); ok {
		size, busy := pr.Workers()
		body["workers"] = size
		body["busy"] = busy
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max_faces":         s.cfg.MaxFaces,
		"performance_mode":  s.cfg.Performance,
		"resolution":        s.cfg.Normalize.Resolution,
		"fps":               s.cfg.Normalize.TargetFPS,
		"default_threshold": DefaultThreshold,
	})
}

func (s *Server) handleReface(w http.ResponseWriter, r *http.Request) {
	jobID := uuid.NewString()
	ctx := xlog.ContextWithJobID(r.Context(), jobID)
	logger := xlog.WithContext(ctx, s.log)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeBadRequest(w, "expected a multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	jobDir := filepath.Join(s.cfg.UploadDir, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		logger.Error().Err(err).Msg("create job directory")
		writeInternal(w)
		return
	}

	videoPath, slots, err := s.saveForm(r.MultipartForm, jobDir)
	if err != nil {
		os.RemoveAll(jobDir)
		var inErr inputError
		if errors.As(err, &inErr) {
			writeBadRequest(w, inErr.Error())
			return
		}
		logger.Error().Err(err).Msg("save uploads")
		writeInternal(w)
		return
	}

	out, err := s.refacer.Handle(ctx, videoPath, slots)
	switch {
	case errors.Is(err, engine.ErrEngineFailure):
		writeEngineFailure(w, jobID)
		return
	case errors.Is(err, executor.ErrClosed):
		writeUnavailable(w, err)
		return
	case err != nil:
		logger.Warn().Err(err).Msg("reface request ended without a result")
		writeUnavailable(w, err)
		return
	}

	name, err := publish(jobDir, out)
	if err != nil {
		logger.Error().Err(err).Str(xlog.FieldOutput, out).Msg("publish output")
		writeInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id":     jobID,
		"output_url": fmt.Sprintf("/api/v1/outputs/%s/%s", jobID, url.PathEscape(name)),
	})
}

// saveForm stores the uploads in jobDir and builds a slot array of exactly
// MaxFaces entries. Absent images become nil handles.
func (s *Server) saveForm(form *multipart.Form, jobDir string) (string, types.SlotArray, error) {
	videos := form.File["video"]
	if len(videos) == 0 || videos[0].Size == 0 {
		return "", nil, inputError("video is required")
	}
	videoPath := filepath.Join(jobDir, "input"+uploadExt(videos[0].Filename, ".mp4"))
	if err := saveUpload(videos[0], videoPath); err != nil {
		return "", nil, fmt.Errorf("save video: %w", err)
	}

	// The form carries three parallel arrays, one entry per tab
	n := s.cfg.MaxFaces
	origins := make([]*types.ImageHandle, n)
	destinations := make([]*types.ImageHandle, n)
	thresholds := make([]float64, n)
	for i := range thresholds {
		thresholds[i] = DefaultThreshold
	}

	for name, values := range form.Value {
		kind, idx, ok, err := s.slotField(name)
		if err != nil {
			return "", nil, err
		}
		if !ok || len(values) == 0 {
			continue
		}
		// Browsers send unselected file inputs as empty values
		raw := strings.TrimSpace(values[0])
		if raw == "" {
			continue
		}
		if kind != "threshold" {
			return "", nil, inputError(name + " must be a file upload")
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", nil, inputError(fmt.Sprintf("%s: %q is not a number", name, raw))
		}
		thresholds[idx] = v
	}

	for name, files := range form.File {
		kind, idx, ok, err := s.slotField(name)
		if err != nil {
			return "", nil, err
		}
		if !ok || len(files) == 0 || files[0].Size == 0 {
			continue
		}
		if kind == "threshold" {
			return "", nil, inputError(name + " must be a number")
		}
		dst := filepath.Join(jobDir, fmt.Sprintf("%s_%d%s", kind, idx, uploadExt(files[0].Filename, ".png")))
		if err := saveUpload(files[0], dst); err != nil {
			return "", nil, fmt.Errorf("save %s: %w", name, err)
		}
		handle := &types.ImageHandle{Path: dst}
		if kind == "origin" {
			origins[idx] = handle
		} else {
			destinations[idx] = handle
		}
	}

	slots, err := mapping.FromParallel(origins, destinations, thresholds)
	if err != nil {
		return "", nil, err
	}
	return videoPath, slots, nil
}

// slotField splits "origin_3" into ("origin", 3). ok is false for fields that
// are not slot fields at all.
func (s *Server) slotField(name string) (kind string, idx int, ok bool, err error) {
	prefix, num, found := strings.Cut(name, "_")
	if !found {
		return "", 0, false, nil
	}
	switch prefix {
	case "origin", "destination", "threshold":
	default:
		return "", 0, false, nil
	}
	idx, convErr := strconv.Atoi(num)
	if convErr != nil || idx < 0 {
		return "", 0, false, inputError(fmt.Sprintf("%s: bad slot index", name))
	}
	if idx >= s.cfg.MaxFaces {
		return "", 0, false, inputError(fmt.Sprintf("%s: slot index must be below %d", name, s.cfg.MaxFaces))
	}
	return prefix, idx, true, nil
}

func uploadExt(filename, fallback string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !safeExt.MatchString(ext) {
		return fallback
	}
	return ext
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	t, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer t.Cleanup()

	if _, err := io.Copy(t, src); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// publish makes sure the engine output lives in jobDir and returns its file name.
func publish(jobDir, out string) (string, error) {
	absDir, err := filepath.Abs(jobDir)
	if err != nil {
		return "", err
	}
	absOut, err := filepath.Abs(out)
	if err != nil {
		return "", err
	}
	name := filepath.Base(absOut)
	if filepath.Dir(absOut) == absDir {
		return name, nil
	}

	dst := filepath.Join(absDir, name)
	if err := os.Rename(absOut, dst); err == nil {
		return name, nil
	}

	// Different filesystem: copy, then drop the original
	src, err := os.Open(absOut)
	if err != nil {
		return "", err
	}
	defer src.Close()
	t, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o644))
	if err != nil {
		return "", err
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, src); err != nil {
		return "", err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", err
	}
	_ = os.Remove(absOut)
	return name, nil
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	file := chi.URLParam(r, "file")
	if unescaped, err := url.PathUnescape(file); err == nil {
		file = unescaped
	}

	if _, err := uuid.Parse(job); err != nil {
		writeNotFound(w)
		return
	}
	if file == "" || file != filepath.Base(file) || file == "." || file == ".." || strings.ContainsAny(file, `/\`) {
		writeNotFound(w)
		return
	}

	path := filepath.Join(s.cfg.UploadDir, job, file)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeNotFound(w)
		return
	}
	http.ServeFile(w, r, path)
}
