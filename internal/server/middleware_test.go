package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Error("expected request ID in context")
	}
	if rr.Header().Get("X-Request-ID") != seen {
		t.Error("expected X-Request-ID header to match context value")
	}
}

func TestLoggingMiddlewareEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "provider", "anthropic")
		w.WriteHeader(http.StatusAccepted)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "request completed" {
		t.Errorf("unexpected log message %v", entry["msg"])
	}
	if entry["status"] != float64(http.StatusAccepted) {
		t.Errorf("expected status 202 in log, got %v", entry["status"])
	}
	if entry["provider"] != "anthropic" {
		t.Errorf("expected enriched provider field, got %v", entry["provider"])
	}
}

func TestResponseWriterPreservesFlusher(t *testing.T) {
	rr := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rr, statusCode: http.StatusOK}

	// httptest.ResponseRecorder implements http.Flusher
	var w http.ResponseWriter = rw
	if _, ok := w.(http.Flusher); !ok {
		t.Error("wrapped writer must still expose Flush for SSE")
	}
	rw.Flush()
	if !rr.Flushed {
		t.Error("Flush must be forwarded to the underlying writer")
	}
}
