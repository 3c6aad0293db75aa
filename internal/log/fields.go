package log

// Canonical field names.
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldJobID      = "job_id"
	FieldEvent      = "event"
	FieldPath       = "path"
	FieldOutput     = "output"
	FieldResolution = "resolution"
	FieldFPS        = "fps"
	FieldDirectives = "directives"
	FieldWorker     = "worker"
)
