package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mediasearch-backend/internal/realtime"
	"github.com/angelmondragon/mediasearch-backend/pkg/db/models"
	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
	"github.com/angelmondragon/mediasearch-backend/pkg/metrics"
)

const (
	maxProcessAttempts  = 2
	defaultPollInterval = 300 * time.Millisecond
	pollErrorBackoff    = time.Second
	failedAfterRetry    = "Failed after retry"
)

// ItemAnalyzer runs the per-upload state machine.
type ItemAnalyzer interface {
	Analyze(ctx context.Context, uploadID uuid.UUID) error
}

type ProcessorParams struct {
	Store        Store
	Analyzer     ItemAnalyzer
	Storage      MediaStorage
	Publisher    Publisher
	PollInterval time.Duration
	Logger       *logger.Logger
	Metrics      *metrics.PipelineMetrics
}

// Processor wraps an analysis with thumbnailing, file level progress and a
// bounded retry. Failures stay contained to the item.
type Processor struct {
	store        Store
	analyzer     ItemAnalyzer
	storage      MediaStorage
	publisher    Publisher
	pollInterval time.Duration
	logg         *logger.Logger
	metrics      *metrics.PipelineMetrics
	now          func() time.Time
}

func NewProcessor(p ProcessorParams) (*Processor, error) {
	if p.Store == nil {
		return nil, errors.New("processor store required")
	}
	if p.Analyzer == nil {
		return nil, errors.New("processor analyzer required")
	}
	interval := p.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Processor{
		store:        p.Store,
		analyzer:     p.Analyzer,
		storage:      p.Storage,
		publisher:    p.Publisher,
		pollInterval: interval,
		logg:         p.Logger,
		metrics:      p.Metrics,
		now:          time.Now,
	}, nil
}

// ProcessWithRetry reports whether the upload ended up completed.
func (p *Processor) ProcessWithRetry(ctx context.Context, upload *models.Upload, batch *models.UploadBatch) bool {
	ctx = p.logg.WithUploadID(ctx, upload.ID.String())

	for attempt := 1; attempt <= maxProcessAttempts; attempt++ {
		ok, err := p.attempt(ctx, upload, batch, attempt)
		if ok {
			p.metrics.IncItem("completed")
			return true
		}
		p.logg.Warn(p.logg.WithFields(ctx, map[string]any{
			"attempt": attempt,
			"error":   errString(err),
		}), "pipeline.item.attempt_failed")
		if ctx.Err() != nil {
			break
		}
	}

	msg := failedAfterRetry
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.UpdateStatus(persistCtx, upload.ID, enums.ProcessingStatusFailed, &msg); err != nil {
		p.logg.Error(ctx, "pipeline.item.mark_failed", err)
	}
	p.metrics.IncItem("failed")
	return false
}

func (p *Processor) attempt(ctx context.Context, upload *models.Upload, batch *models.UploadBatch, attempt int) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic during processing: %v", r)
		}
	}()

	if attempt == 1 && upload.ThumbnailPath == nil {
		p.thumbnail(ctx, upload)
	}

	p.fileProgress(ctx, upload, batch, 5, realtime.FileStatusProcessing)
	p.fileProgress(ctx, upload, batch, 10, realtime.FileStatusProcessing)

	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.poll(pollCtx, upload, batch, 10)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := p.analyzer.Analyze(ctx, upload.ID); err != nil {
		return false, err
	}

	fresh, err := p.store.FindByID(ctx, upload.ID)
	if err != nil {
		return false, fmt.Errorf("reload upload: %w", err)
	}
	if fresh.ProcessingStatus != enums.ProcessingStatusCompleted {
		return false, fmt.Errorf("upload ended in status %s", fresh.ProcessingStatus)
	}
	return true, nil
}

func (p *Processor) thumbnail(ctx context.Context, upload *models.Upload) {
	if p.storage == nil {
		return
	}
	rel, err := p.storage.GenerateThumbnail(ctx, upload.UserID, upload.ID, upload.FilePath, upload.FileType)
	if err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "pipeline.thumbnail.failed")
		return
	}
	if err := p.store.UpdateThumbnail(ctx, upload.ID, rel); err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "pipeline.thumbnail.save_failed")
		return
	}
	upload.ThumbnailPath = &rel
}

// poll converts the stored upload status into monotonic file progress until
// the context is cancelled or the status leaves the analyzing/embedding range.
func (p *Processor) poll(ctx context.Context, upload *models.Upload, batch *models.UploadBatch, last int) {
	started := p.now()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := p.store.FindByID(ctx, upload.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) || ctx.Err() != nil {
				return
			}
			if !sleepCtx(ctx, pollErrorBackoff) {
				return
			}
			continue
		}

		next, keepGoing := nextProgress(current.ProcessingStatus, last, p.now().Sub(started))
		if !keepGoing {
			return
		}
		if next > last {
			last = next
			p.fileProgress(ctx, upload, batch, last, realtime.FileStatusProcessing)
		}
	}
}

// nextProgress maps a status to the next reported percentage. The second
// result is false once the status no longer represents in-flight work.
func nextProgress(status enums.ProcessingStatus, last int, elapsed time.Duration) (int, bool) {
	switch status {
	case enums.ProcessingStatusAnalyzing:
		if last < 50 {
			return min(50, last+2), true
		}
		return min(75, max(last, 50+int(elapsed.Seconds()))), true
	case enums.ProcessingStatusEmbedding:
		return min(90, max(75, last+2)), true
	default:
		return last, false
	}
}

func (p *Processor) fileProgress(ctx context.Context, upload *models.Upload, batch *models.UploadBatch, percent int, status realtime.FileStatus) {
	if p.publisher == nil || batch == nil {
		return
	}
	p.publisher.PublishToUser(ctx, batch.UserID, realtime.FileProgress{
		Payload: realtime.FileProgressPayload{
			BatchID:            batch.ID,
			UploadID:           upload.ID,
			FileName:           upload.Filename,
			FileSize:           upload.FileSize,
			ProgressPercentage: percent,
			Status:             status,
		},
		Timestamp: p.now().UTC(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
