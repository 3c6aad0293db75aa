package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithJobID(ctx, "job-9")

	l := WithContext(ctx, base)
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry[FieldRequestID] != "req-1" {
		t.Errorf("Expected request_id req-1, got %v", entry[FieldRequestID])
	}
	if entry[FieldJobID] != "job-9" {
		t.Errorf("Expected job_id job-9, got %v", entry[FieldJobID])
	}
}

func TestWithContextEmpty(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	l := WithContext(context.Background(), base)
	l.Info().Msg("plain")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if _, ok := entry[FieldRequestID]; ok {
		t.Error("Did not expect request_id on a bare context")
	}
}

func TestIDsFromNilContext(t *testing.T) {
	//nolint:staticcheck // nil context is part of the contract
	if RequestIDFromContext(nil) != "" || JobIDFromContext(nil) != "" {
		t.Error("Expected empty IDs from nil context")
	}
}
