package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// The logging middleware wraps every ResponseWriter; if the wrapper loses
// the Hijacker interface, WebSocket upgrades on /ws fail.
var _ http.Hijacker = (*statusWriter)(nil)

func TestStatusWriterHijackUnsupported(t *testing.T) {
	w := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("Hijack() on a non-hijackable writer returned no error")
	}
}

func TestStatusWriterCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	w.WriteHeader(http.StatusTeapot)

	if w.status != http.StatusTeapot {
		t.Errorf("captured status = %d, want %d", w.status, http.StatusTeapot)
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("written status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}
