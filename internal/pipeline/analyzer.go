package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/mediasearch-backend/internal/audit"
	"github.com/angelmondragon/mediasearch-backend/internal/realtime"
	"github.com/angelmondragon/mediasearch-backend/pkg/db/models"
	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
)

const (
	defaultDescribeAttempts = 3
	maxErrorMessageLen      = 500
)

// Store is the persistence surface used by the pipeline.
type Store interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Upload, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status enums.ProcessingStatus, errMsg *string) error
	UpdateThumbnail(ctx context.Context, id uuid.UUID, thumbnailPath string) error
	UpdateAnalysis(ctx context.Context, id uuid.UUID, description string, embedding []float32, auditScore int) error
}

// Capabilities is the rate limited AI surface.
type Capabilities interface {
	DescribeImage(ctx context.Context, path string) (string, error)
	DescribeFrames(ctx context.Context, framePaths []string) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Auditor scores generated descriptions.
type Auditor interface {
	Audit(description string) audit.Result
}

// MediaStorage resolves stored files and derives previews from them.
type MediaStorage interface {
	AbsPath(rel string) (string, error)
	ExtractFrames(ctx context.Context, rel string, maxFrames int) ([]string, error)
	GenerateThumbnail(ctx context.Context, userID, uploadID uuid.UUID, rel string, fileType enums.FileType) (string, error)
}

// Publisher fans progress events out to connected clients.
type Publisher interface {
	PublishProgress(ctx context.Context, uploadID uuid.UUID, msg realtime.Message)
	PublishToUser(ctx context.Context, userID uuid.UUID, msg realtime.Message)
}

type AnalyzerParams struct {
	Store     Store
	AI        Capabilities
	Auditor   Auditor
	Storage   MediaStorage
	Publisher Publisher
	MaxFrames int
	Logger    *logger.Logger

	// DescribeAttempts bounds how often a description failing the audit is
	// regenerated.
	DescribeAttempts int
}

// Analyzer drives a single upload from pending to completed or failed.
type Analyzer struct {
	store     Store
	ai        Capabilities
	auditor   Auditor
	storage   MediaStorage
	publisher Publisher
	maxFrames int
	attempts  int
	logg      *logger.Logger
	now       func() time.Time
}

func NewAnalyzer(p AnalyzerParams) (*Analyzer, error) {
	if p.Store == nil {
		return nil, errors.New("analyzer store required")
	}
	if p.AI == nil {
		return nil, errors.New("analyzer ai capabilities required")
	}
	if p.Auditor == nil {
		return nil, errors.New("analyzer auditor required")
	}
	if p.Storage == nil {
		return nil, errors.New("analyzer storage required")
	}
	maxFrames := p.MaxFrames
	if maxFrames <= 0 {
		maxFrames = 10
	}
	attempts := p.DescribeAttempts
	if attempts <= 0 {
		attempts = defaultDescribeAttempts
	}
	return &Analyzer{
		store:     p.Store,
		ai:        p.AI,
		auditor:   p.Auditor,
		storage:   p.Storage,
		publisher: p.Publisher,
		maxFrames: maxFrames,
		attempts:  attempts,
		logg:      p.Logger,
		now:       time.Now,
	}, nil
}

// Analyze describes, audits and embeds the upload. On failure the upload is
// marked failed and the error is returned.
func (a *Analyzer) Analyze(ctx context.Context, uploadID uuid.UUID) error {
	ctx = a.logg.WithUploadID(ctx, uploadID.String())

	upload, err := a.store.FindByID(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("load upload: %w", err)
	}

	if err := a.run(ctx, upload); err != nil {
		a.fail(ctx, upload.ID, err)
		return err
	}
	return nil
}

func (a *Analyzer) run(ctx context.Context, upload *models.Upload) error {
	if err := a.store.UpdateStatus(ctx, upload.ID, enums.ProcessingStatusAnalyzing, nil); err != nil {
		return fmt.Errorf("mark analyzing: %w", err)
	}
	a.progress(ctx, upload.ID, enums.ProcessingStatusAnalyzing, enums.StageQueued, 0, "Starting analysis", nil)

	var (
		description string
		result      audit.Result
	)
	for attempt := 1; attempt <= a.attempts; attempt++ {
		desc, err := a.describe(ctx, upload)
		if err != nil {
			return err
		}
		a.progress(ctx, upload.ID, enums.ProcessingStatusAnalyzing, enums.StageDescriptionAudit, 50, "Auditing description", nil)
		description, result = desc, a.auditor.Audit(desc)
		if result.Passed {
			break
		}
		a.logg.Warn(a.logg.WithFields(ctx, map[string]any{
			"attempt": attempt,
			"score":   result.Score,
			"issues":  result.Issues,
		}), "pipeline.audit.below_threshold")
	}
	if !result.Passed {
		a.logg.Warn(a.logg.WithField(ctx, "score", result.Score), "pipeline.audit.accepted_below_threshold")
	}

	if err := a.store.UpdateStatus(ctx, upload.ID, enums.ProcessingStatusEmbedding, nil); err != nil {
		return fmt.Errorf("mark embedding: %w", err)
	}
	score := result.Score
	a.progress(ctx, upload.ID, enums.ProcessingStatusEmbedding, enums.StageEmbeddingGeneration, 60, "Generating embedding", &score)

	embedding, err := a.ai.Embed(ctx, description)
	if err != nil {
		return err
	}
	a.progress(ctx, upload.ID, enums.ProcessingStatusEmbedding, enums.StageIndexing, 90, "Indexing", &score)

	if err := a.store.UpdateAnalysis(ctx, upload.ID, description, embedding, score); err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}

	a.publish(ctx, upload.ID, realtime.UploadCompleted{
		UploadID:    upload.ID,
		Description: description,
		AuditScore:  score,
		Timestamp:   a.now().UTC(),
	})
	a.logg.Info(a.logg.WithField(ctx, "score", score), "pipeline.analysis.completed")
	return nil
}

func (a *Analyzer) describe(ctx context.Context, upload *models.Upload) (string, error) {
	if upload.FileType == enums.FileTypeVideo {
		a.progress(ctx, upload.ID, enums.ProcessingStatusAnalyzing, enums.StageExtractingFrames, 10, "Extracting frames", nil)
		frames, err := a.storage.ExtractFrames(ctx, upload.FilePath, a.maxFrames)
		if err != nil {
			return "", fmt.Errorf("extract frames: %w", err)
		}
		a.progress(ctx, upload.ID, enums.ProcessingStatusAnalyzing, enums.StageVisionAnalysis, 20, "Analyzing video frames", nil)
		return a.ai.DescribeFrames(ctx, frames)
	}

	path, err := a.storage.AbsPath(upload.FilePath)
	if err != nil {
		return "", fmt.Errorf("resolve media path: %w", err)
	}
	a.progress(ctx, upload.ID, enums.ProcessingStatusAnalyzing, enums.StageVisionAnalysis, 20, "Analyzing image", nil)
	return a.ai.DescribeImage(ctx, path)
}

// fail records the error on the upload and notifies subscribers. The context
// may already be cancelled so persistence uses a detached one.
func (a *Analyzer) fail(ctx context.Context, uploadID uuid.UUID, cause error) {
	msg := truncateMessage("AI processing failed: "+cause.Error(), maxErrorMessageLen)
	a.logg.Error(ctx, "pipeline.analysis.failed", cause)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.store.UpdateStatus(persistCtx, uploadID, enums.ProcessingStatusFailed, &msg); err != nil {
		a.logg.Error(ctx, "pipeline.analysis.mark_failed", err)
	}
	a.publish(persistCtx, uploadID, realtime.UploadFailed{
		UploadID:     uploadID,
		ErrorMessage: msg,
		Timestamp:    a.now().UTC(),
	})
}

func (a *Analyzer) progress(ctx context.Context, uploadID uuid.UUID, status enums.ProcessingStatus, stage enums.ProcessingStage, percent int, message string, score *int) {
	a.publish(ctx, uploadID, realtime.UploadProgress{
		Payload: realtime.UploadProgressPayload{
			UploadID:              uploadID,
			Status:                status,
			Stage:                 stage,
			ProgressPercent:       percent,
			Message:               message,
			DescriptionAuditScore: score,
		},
		Timestamp: a.now().UTC(),
	})
}

func (a *Analyzer) publish(ctx context.Context, uploadID uuid.UUID, msg realtime.Message) {
	if a.publisher == nil {
		return
	}
	a.publisher.PublishProgress(ctx, uploadID, msg)
}

func truncateMessage(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
