package types

import "time"

// ImageHandle points at a face image on disk. The zero value means "no image".
type ImageHandle struct {
	Path string `json:"path"`
}

// Present reports whether the handle refers to actual image data.
func (h *ImageHandle) Present() bool {
	return h != nil && h.Path != ""
}

// Slot is one face row in the UI: the face to find, the face to put in its
// place, and the similarity cutoff for matching.
type Slot struct {
	Origin      *ImageHandle
	Destination *ImageHandle
	Threshold   float64
}

// SlotArray holds exactly N slots, N being the configured max face count.
type SlotArray []Slot

// SwapDirective is a ready-to-execute face swap built from a fully filled slot.
type SwapDirective struct {
	Origin      ImageHandle `json:"origin"`
	Destination ImageHandle `json:"destination"`
	Threshold   float64     `json:"threshold"`
}

// NormalizationSpec bounds the resolution and frame rate of an input video.
type NormalizationSpec struct {
	Resolution string `json:"resolution" yaml:"resolution"` // WIDTHxHEIGHT
	TargetFPS  int    `json:"fps" yaml:"fps"`
}

// EngineFace is a single directive as the Python engine expects it.
type EngineFace struct {
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
	Threshold   float64 `json:"threshold"`
}

// EngineRequest is the JSON body sent to the engine for one reface call.
type EngineRequest struct {
	Video  string       `json:"video"`
	Output string       `json:"output"`
	Faces  []EngineFace `json:"faces"`
}

// EngineResponse captures what the engine writes back: an output path or an error.
type EngineResponse struct {
	Output string `json:"output"`
	Error  string `json:"error"`
}

// Job statuses recorded in the job history.
const (
	JobStatusOK            = "ok"
	JobStatusEngineFailure = "engine_failure"
)

// JobRecord is one finished reface job as kept in the job history.
type JobRecord struct {
	ID             string
	VideoPath      string
	Normalized     bool
	DirectiveCount int
	Status         string
	OutputPath     string
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Duration is how long the job ran.
func (j JobRecord) Duration() time.Duration {
	return j.FinishedAt.Sub(j.StartedAt)
}
