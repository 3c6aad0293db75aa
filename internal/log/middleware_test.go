package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func TestMiddlewareLogsRecoveredPanic(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Level: "info"})
	t.Cleanup(func() { Configure(Config{}) })

	r := chi.NewRouter()
	r.Use(Middleware())
	r.Use(middleware.Recoverer)
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("handler bug")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("Expected one access-log line, got %q: %v", buf.String(), err)
	}
	if entry[FieldEvent] != "request.handled" {
		t.Errorf("Unexpected event %v", entry[FieldEvent])
	}
	if status, _ := entry["status"].(float64); status != http.StatusInternalServerError {
		t.Errorf("Expected logged status 500, got %v", entry["status"])
	}
}
