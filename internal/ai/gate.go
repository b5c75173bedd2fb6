package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
	"github.com/angelmondragon/mediasearch-backend/pkg/metrics"
)

const (
	capabilityVision    = "vision"
	capabilityEmbedding = "embedding"
)

// VisionModel answers a prompt about zero or more images.
type VisionModel interface {
	Chat(ctx context.Context, prompt string, images [][]byte) (string, error)
}

// EmbeddingModel turns text into a vector.
type EmbeddingModel interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Gate bounds access to the vision and embedding models with one weighted
// semaphore each. A single Gate is shared by every pipeline in the process.
type Gate struct {
	vision     VisionModel
	embedding  EmbeddingModel
	visionSem  *semaphore.Weighted
	embedSem   *semaphore.Weighted
	geometry   ImageGeometry
	dimensions int
	maxChars   int
	maxFrames  int
	attempts   int
	minBackoff time.Duration
	maxBackoff time.Duration
	newBackoff func() retry.Backoff
	readFile   func(string) ([]byte, error)
	logg       *logger.Logger
	metrics    *metrics.PipelineMetrics
}

// GateParams wires a Gate.
type GateParams struct {
	Vision    VisionModel
	Embedding EmbeddingModel
	Config    config.AIConfig
	Logger    *logger.Logger
	Metrics   *metrics.PipelineMetrics
}

// NewGate validates params and sizes the semaphores from config.
func NewGate(params GateParams) (*Gate, error) {
	if params.Vision == nil {
		return nil, errors.New("vision model is required")
	}
	if params.Embedding == nil {
		return nil, errors.New("embedding model is required")
	}
	cfg := params.Config
	if cfg.MaxConcurrentVision < 1 || cfg.MaxConcurrentEmbedding < 1 {
		return nil, errors.New("concurrency limits must be at least 1")
	}
	if cfg.EmbeddingDimensions <= 0 {
		return nil, errors.New("embedding dimensions must be positive")
	}
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	minBackoff := cfg.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 2 * time.Second
	}
	maxBackoff := cfg.RetryMaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	g := &Gate{
		vision:     params.Vision,
		embedding:  params.Embedding,
		visionSem:  semaphore.NewWeighted(int64(cfg.MaxConcurrentVision)),
		embedSem:   semaphore.NewWeighted(int64(cfg.MaxConcurrentEmbedding)),
		geometry:   ImageGeometry{MaxDimension: cfg.ImageMaxDimension, PatchSize: cfg.ImagePatchSize, JPEGQuality: cfg.ImageJPEGQuality},
		dimensions: cfg.EmbeddingDimensions,
		maxChars:   cfg.EmbeddingMaxChars,
		maxFrames:  cfg.MaxVideoFrames,
		attempts:   attempts,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		readFile:   os.ReadFile,
		logg:       params.Logger,
		metrics:    params.Metrics,
	}
	g.newBackoff = g.exponentialBackoff
	return g, nil
}

// WithBackoff replaces the retry schedule. The attempt limit still applies.
func (g *Gate) WithBackoff(newBackoff func() retry.Backoff) *Gate {
	if newBackoff != nil {
		g.newBackoff = newBackoff
	}
	return g
}

func (g *Gate) exponentialBackoff() retry.Backoff {
	return retry.WithCappedDuration(g.maxBackoff, retry.NewExponential(g.minBackoff))
}

// withRetry runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent.
func (g *Gate) withRetry(ctx context.Context, capability string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(g.attempts-1), g.newBackoff())
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		start := time.Now()
		err := fn(ctx)
		g.metrics.ObserveAICall(capability, err, time.Since(start))
		if err == nil {
			return nil
		}
		if isTransient(ctx, err) {
			if attempt < g.attempts {
				g.metrics.IncAIRetry(capability)
				g.logg.Warn(g.logg.WithFields(ctx, map[string]any{
					"capability": capability,
					"attempt":    attempt,
					"error":      err.Error(),
				}), "ai.call.retrying")
			}
			return retry.RetryableError(err)
		}
		return err
	})
}

func (g *Gate) acquire(ctx context.Context, sem *semaphore.Weighted, capability string) (func(), error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.metrics.AIInFlight(capability, 1)
	return func() {
		g.metrics.AIInFlight(capability, -1)
		sem.Release(1)
	}, nil
}

func (g *Gate) loadImage(ctx context.Context, path string) ([]byte, error) {
	raw, err := g.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	prepared, err := PreprocessImage(raw, g.geometry)
	if err != nil {
		g.logg.Warn(g.logg.WithFields(ctx, map[string]any{"path": path, "error": err.Error()}), "ai.preprocess.fallback")
		return raw, nil
	}
	return prepared, nil
}

// DescribeImage returns the model's description of the image at path.
func (g *Gate) DescribeImage(ctx context.Context, path string) (string, error) {
	var description string
	err := g.withRetry(ctx, capabilityVision, func(ctx context.Context) error {
		release, err := g.acquire(ctx, g.visionSem, capabilityVision)
		if err != nil {
			return err
		}
		defer release()

		img, err := g.loadImage(ctx, path)
		if err != nil {
			return err
		}
		text, err := g.vision.Chat(ctx, imageAnalysisPrompt, [][]byte{img})
		if err != nil {
			return err
		}
		description = strings.TrimSpace(text)
		return nil
	})
	if err != nil {
		return "", &VisionError{Msg: "failed to analyze image", Err: err}
	}
	if description == "" {
		return "", &VisionError{Msg: "vision model returned empty description"}
	}
	return description, nil
}

// DescribeFrames describes each frame on its own and then asks the model to merge
// the frame descriptions into one description of the video. The vision slot is
// taken per model call and released before any backoff sleep.
func (g *Gate) DescribeFrames(ctx context.Context, framePaths []string) (string, error) {
	if len(framePaths) == 0 {
		return "", &VisionError{Msg: "no frames provided for video analysis"}
	}
	if g.maxFrames > 0 && len(framePaths) > g.maxFrames {
		framePaths = framePaths[:g.maxFrames]
	}

	descriptions := make([]string, 0, len(framePaths))
	for i, path := range framePaths {
		img, err := g.loadImage(ctx, path)
		if err != nil {
			return "", &VisionError{Msg: "failed to analyze video", Err: err}
		}
		var frameText string
		err = g.withRetry(ctx, capabilityVision, func(ctx context.Context) error {
			text, err := g.visionChat(ctx, videoFramePrompt, [][]byte{img})
			frameText = strings.TrimSpace(text)
			return err
		})
		if err != nil {
			return "", &VisionError{Msg: fmt.Sprintf("failed to analyze frame %d", i+1), Err: err}
		}
		descriptions = append(descriptions, fmt.Sprintf("Frame %d: %s", i+1, frameText))
	}

	var description string
	err := g.withRetry(ctx, capabilityVision, func(ctx context.Context) error {
		text, err := g.visionChat(ctx, synthesisPrompt(descriptions), nil)
		description = strings.TrimSpace(text)
		return err
	})
	if err != nil {
		return "", &VisionError{Msg: "failed to synthesize video description", Err: err}
	}
	if description == "" {
		return "", &VisionError{Msg: "vision model returned empty description"}
	}
	return description, nil
}

// visionChat holds a vision slot for one model call.
func (g *Gate) visionChat(ctx context.Context, prompt string, images [][]byte) (string, error) {
	release, err := g.acquire(ctx, g.visionSem, capabilityVision)
	if err != nil {
		return "", err
	}
	defer release()
	return g.vision.Chat(ctx, prompt, images)
}

// Embed truncates text to the character budget, embeds it and checks the vector
// length against the configured dimensions.
func (g *Gate) Embed(ctx context.Context, text string) ([]float32, error) {
	text = g.truncate(ctx, text)

	var vector []float32
	err := g.withRetry(ctx, capabilityEmbedding, func(ctx context.Context) error {
		release, err := g.acquire(ctx, g.embedSem, capabilityEmbedding)
		if err != nil {
			return err
		}
		defer release()

		out, err := g.embedding.Embed(ctx, text)
		if err != nil {
			return err
		}
		vector = out
		return nil
	})
	if err != nil {
		return nil, &EmbeddingError{Msg: "failed to generate embedding", Err: err}
	}
	if len(vector) != g.dimensions {
		return nil, &EmbeddingError{Msg: "invalid embedding dimensions", Expected: g.dimensions, Actual: len(vector)}
	}
	return vector, nil
}

func (g *Gate) truncate(ctx context.Context, text string) string {
	if g.maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= g.maxChars {
		return text
	}
	g.logg.Warn(g.logg.WithFields(ctx, map[string]any{"from": len(runes), "to": g.maxChars}), "ai.embed.truncated")
	return string(runes[:g.maxChars]) + "..."
}
