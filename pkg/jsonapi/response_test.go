package jsonapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, ErrQuotaExceeded("request_limit_exceeded"))

	if w.Code != 402 {
		t.Errorf("status = %d, want 402", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != ContentType {
		t.Errorf("Content-Type = %q, want %q", ct, ContentType)
	}

	var doc Document
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(doc.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(doc.Errors))
	}
	if doc.Errors[0].Code != "quota_exceeded" {
		t.Errorf("code = %q, want quota_exceeded", doc.Errors[0].Code)
	}
}

func TestWriteError_Empty(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w)

	if w.Code != 500 {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestWriteBadRequest(t *testing.T) {
	w := httptest.NewRecorder()
	WriteBadRequest(w, "radius must be positive")

	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
