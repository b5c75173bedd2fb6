package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
)

func newTestOllama(t *testing.T, handler http.HandlerFunc) *Ollama {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	o, err := NewOllama(config.AIConfig{
		OllamaHost:     srv.URL,
		VisionModel:    "vision-test",
		EmbeddingModel: "embed-test",
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewOllama: %v", err)
	}
	return o
}

func TestOllamaChatSendsImages(t *testing.T) {
	var got api.ChatRequest
	o := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "vision-test",
			"message": map[string]any{"role": "assistant", "content": "a red kite"},
			"done":    true,
		})
	})

	text, err := o.Chat(context.Background(), "describe", [][]byte{[]byte("img")})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if text != "a red kite" {
		t.Fatalf("unexpected reply %q", text)
	}
	if got.Model != "vision-test" || len(got.Messages) != 1 || len(got.Messages[0].Images) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOllamaEmbed(t *testing.T) {
	o := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":      "embed-test",
			"embeddings": [][]float32{{0.25, 0.5}},
		})
	})

	vec, err := o.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[1] != 0.5 {
		t.Fatalf("unexpected vector %v", vec)
	}
}

func TestOllamaServerErrorsAreTransient(t *testing.T) {
	o := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"runner crashed"}`))
	})

	_, err := o.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !isTransient(context.Background(), err) {
		t.Fatalf("expected 5xx to be retryable: %v", err)
	}
}

func TestOllamaMissingModelIsFinal(t *testing.T) {
	o := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	})

	_, err := o.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if isTransient(context.Background(), err) {
		t.Fatalf("missing model must not be retried: %v", err)
	}
	var statusErr api.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected wrapped status error, got %v", err)
	}
}

func TestNewOllamaRejectsBadHost(t *testing.T) {
	if _, err := NewOllama(config.AIConfig{OllamaHost: "localhost", VisionModel: "v", EmbeddingModel: "e"}); err == nil {
		t.Fatal("expected host without scheme to be rejected")
	}
}
