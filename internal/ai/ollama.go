package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
)

const (
	visionTemperature = 0.2
	visionNumPredict  = 1024
	visionNumCtx      = 8192
)

// Ollama adapts a local Ollama server to VisionModel and EmbeddingModel.
type Ollama struct {
	client         *api.Client
	visionModel    string
	embeddingModel string
}

// NewOllama builds a client for cfg.OllamaHost. RequestTimeout bounds every HTTP call.
func NewOllama(cfg config.AIConfig) (*Ollama, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.OllamaHost))
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("ollama host %q must include scheme and host", cfg.OllamaHost)
	}
	if cfg.VisionModel == "" || cfg.EmbeddingModel == "" {
		return nil, fmt.Errorf("vision and embedding models are required")
	}
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	return &Ollama{
		client:         api.NewClient(base, httpClient),
		visionModel:    cfg.VisionModel,
		embeddingModel: cfg.EmbeddingModel,
	}, nil
}

// Chat sends one user message with optional images and returns the reply text.
func (o *Ollama) Chat(ctx context.Context, prompt string, images [][]byte) (string, error) {
	msg := api.Message{Role: "user", Content: prompt}
	for _, img := range images {
		msg.Images = append(msg.Images, api.ImageData(img))
	}
	stream := false
	req := &api.ChatRequest{
		Model:    o.visionModel,
		Messages: []api.Message{msg},
		Stream:   &stream,
		Options: map[string]any{
			"temperature": visionTemperature,
			"num_predict": visionNumPredict,
			"num_ctx":     visionNumCtx,
		},
	}

	var out strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		if modelNotFound(err) {
			return "", fmt.Errorf("model not loaded, run: ollama pull %s: %w", o.visionModel, err)
		}
		return "", err
	}
	return out.String(), nil
}

// Embed returns the embedding of text.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embed(ctx, &api.EmbedRequest{Model: o.embeddingModel, Input: text})
	if err != nil {
		if modelNotFound(err) {
			return nil, fmt.Errorf("model not loaded, run: ollama pull %s: %w", o.embeddingModel, err)
		}
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding response was empty")
	}
	return resp.Embeddings[0], nil
}

// Ping checks that the Ollama server is reachable.
func (o *Ollama) Ping(ctx context.Context) error {
	return o.client.Heartbeat(ctx)
}
