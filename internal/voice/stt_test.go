package voice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pocketmind/pocketmind/internal/config"
)

func audioFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "note.ogg")
	if err := os.WriteFile(path, []byte("not really ogg"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func sttEndpoint(name, baseURL string, priority int) config.EndpointConfig {
	return config.EndpointConfig{
		Name: name, Provider: "test", APIType: config.APIOpenAI,
		BaseURL: baseURL, Model: "whisper-1", Priority: priority,
	}
}

func TestTranscribeWhisperShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("not multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q", got)
		}
		w.Write([]byte(`{"text":" buy milk tomorrow "}`))
	}))
	defer srv.Close()

	c := NewClient([]config.EndpointConfig{sttEndpoint("whisper", srv.URL, 1)})
	text, err := c.Transcribe(context.Background(), audioFile(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "buy milk tomorrow" {
		t.Errorf("text = %q", text)
	}
}

func TestTranscribeParaformerShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"output":{"sentence":[{"text":"first part"},{"text":"second part"}]}}`))
	}))
	defer srv.Close()

	c := NewClient([]config.EndpointConfig{sttEndpoint("paraformer", srv.URL, 1)})
	text, err := c.Transcribe(context.Background(), audioFile(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "first part second part" {
		t.Errorf("text = %q", text)
	}
}

func TestTranscribeFailsOver(t *testing.T) {
	var primaryCalls atomic.Int32
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer broken.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"fallback result"}`))
	}))
	defer healthy.Close()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClient(
		[]config.EndpointConfig{
			sttEndpoint("broken", broken.URL, 1),
			sttEndpoint("healthy", healthy.URL, 2),
		},
		WithNow(func() time.Time { return clock }),
	)

	text, err := c.Transcribe(context.Background(), audioFile(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "fallback result" {
		t.Errorf("text = %q", text)
	}
	if primaryCalls.Load() != 1 {
		t.Errorf("primary called %d times", primaryCalls.Load())
	}

	// The failed endpoint sits in cooldown and is skipped entirely.
	if _, err := c.Transcribe(context.Background(), audioFile(t)); err != nil {
		t.Fatalf("Transcribe during cooldown: %v", err)
	}
	if primaryCalls.Load() != 1 {
		t.Errorf("cooldown not honored, primary called %d times", primaryCalls.Load())
	}

	// After the cooldown lapses the endpoint is tried again.
	clock = clock.Add(2 * time.Minute)
	if _, err := c.Transcribe(context.Background(), audioFile(t)); err != nil {
		t.Fatalf("Transcribe after cooldown: %v", err)
	}
	if primaryCalls.Load() != 2 {
		t.Errorf("primary not retried after cooldown: %d calls", primaryCalls.Load())
	}
}

func TestTranscribeWithoutEndpoints(t *testing.T) {
	c := NewClient(nil)
	if c.Enabled() {
		t.Error("empty client reports enabled")
	}
	if _, err := c.Transcribe(context.Background(), "x.ogg"); err == nil {
		t.Error("no error without endpoints")
	}
}
