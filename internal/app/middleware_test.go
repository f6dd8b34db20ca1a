package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestLoggingRecordsStatusAndBytes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	}), log)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusTeapot)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if got := line["status"]; got != float64(http.StatusTeapot) {
		t.Fatalf("logged status=%v want %d", got, http.StatusTeapot)
	}
	if got := line["bytes"]; got != float64(len("short and stout")) {
		t.Fatalf("logged bytes=%v want %d", got, len("short and stout"))
	}
	if got := line["path"]; got != "/ws" {
		t.Fatalf("logged path=%v want /ws", got)
	}
}

func TestRequestLoggingSkipsProbePaths(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), log)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	if buf.Len() != 0 {
		t.Fatalf("probe paths must not be logged, got %q", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/other", nil))
	if buf.Len() == 0 {
		t.Fatalf("non-probe path must be logged")
	}
}
