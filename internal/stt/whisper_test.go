package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWhisperTranscribe(t *testing.T) {
	var gotPath, gotAuth, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			gotModel = r.FormValue("model")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"  what time is it  "}`))
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	got, err := c.Transcribe(context.Background(), testWAV(160))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "what time is it" {
		t.Errorf("Text = %q, want %q", got.Text, "what time is it")
	}
	if !strings.HasSuffix(gotPath, "/audio/transcriptions") {
		t.Errorf("path = %q, want suffix /audio/transcriptions", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer sk-test")
	}
	if gotModel != "whisper-1" {
		t.Errorf("model = %q, want %q", gotModel, "whisper-1")
	}
}

func TestWhisperTranscribe_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{APIKey: "bad", BaseURL: srv.URL + "/v1"})
	if _, err := c.Transcribe(context.Background(), testWAV(160)); err == nil {
		t.Error("Transcribe() error = nil, want API error")
	}
}
