package batches

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mediasearch-backend/internal/realtime"
	"github.com/angelmondragon/mediasearch-backend/internal/uploads"
	"github.com/angelmondragon/mediasearch-backend/pkg/db/models"
	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
	"github.com/angelmondragon/mediasearch-backend/pkg/metrics"
)

// Store is the durable batch state the orchestrator reads and advances.
type Store interface {
	FindBatch(ctx context.Context, id uuid.UUID) (*models.UploadBatch, error)
	UpdateBatchStatus(ctx context.Context, id uuid.UUID, status enums.BatchStatus, errMsg *string) error
	ResetBatchCounters(ctx context.Context, id uuid.UUID) error
	IncrementBatchProgress(ctx context.Context, id uuid.UUID, success bool) (*models.UploadBatch, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.Upload, error)
}

// ItemProcessor runs one upload to completion and reports success.
type ItemProcessor interface {
	ProcessWithRetry(ctx context.Context, upload *models.Upload, batch *models.UploadBatch) bool
}

// Publisher delivers events to every connection of a user.
type Publisher interface {
	PublishToUser(ctx context.Context, userID uuid.UUID, msg realtime.Message)
}

type OrchestratorParams struct {
	Store     Store
	Processor ItemProcessor
	Publisher Publisher
	Logger    *logger.Logger
	Metrics   *metrics.PipelineMetrics
}

// Orchestrator walks a batch's uploads sequentially. All progress lives in the
// store, so a redelivered batch resumes where the previous run stopped.
type Orchestrator struct {
	store     Store
	processor ItemProcessor
	publisher Publisher
	logg      *logger.Logger
	metrics   *metrics.PipelineMetrics
	now       func() time.Time
}

func NewOrchestrator(p OrchestratorParams) (*Orchestrator, error) {
	if p.Store == nil {
		return nil, errors.New("orchestrator store required")
	}
	if p.Processor == nil {
		return nil, errors.New("orchestrator processor required")
	}
	return &Orchestrator{
		store:     p.Store,
		processor: p.Processor,
		publisher: p.Publisher,
		logg:      p.Logger,
		metrics:   p.Metrics,
		now:       time.Now,
	}, nil
}

// ProcessBatch processes every upload of batchID. Missing and terminal batches
// are no-ops.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batchID uuid.UUID) error {
	ctx = o.logg.WithBatchID(ctx, batchID.String())
	started := o.now()

	batch, err := o.store.FindBatch(ctx, batchID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		o.logg.Warn(ctx, "batch.process.not_found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if batch.Status.IsTerminal() {
		o.logg.Info(o.logg.WithField(ctx, "status", string(batch.Status)), "batch.process.already_terminal")
		return nil
	}
	ctx = o.logg.WithUserID(ctx, batch.UserID.String())

	err = o.store.UpdateBatchStatus(ctx, batch.ID, enums.BatchStatusProcessing, nil)
	if errors.Is(err, uploads.ErrStateConflict) {
		o.logg.Info(ctx, "batch.process.left_active_state")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	// floor is what clients last saw from a crashed run. Events below it are
	// held back while the recount catches up so progress never goes backwards.
	floor := batch.ProcessedUploads
	if floor > 0 {
		if err := o.store.ResetBatchCounters(ctx, batch.ID); err != nil {
			return fmt.Errorf("reset counters: %w", err)
		}
		o.logg.Info(o.logg.WithField(ctx, "previously_processed", floor), "batch.process.resuming")
	}
	batch.Status = enums.BatchStatusProcessing
	batch.ProcessedUploads, batch.SuccessfulUploads, batch.FailedUploads = 0, 0, 0
	o.batchProgress(ctx, batch, floor)

	items, err := o.store.ListByBatch(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("list uploads: %w", err)
	}
	if len(items) != batch.TotalUploads {
		o.logg.Warn(o.logg.WithFields(ctx, map[string]any{
			"expected": batch.TotalUploads,
			"found":    len(items),
		}), "batch.process.count_mismatch")
	}

	for i := range items {
		upload := &items[i]
		if cancelled, err := o.cancelled(ctx, batch.ID); err != nil {
			return err
		} else if cancelled {
			o.logg.Info(ctx, "batch.process.cancelled")
			o.metrics.ObserveBatch(string(enums.BatchStatusCancelled), o.now().Sub(started))
			return nil
		}

		if upload.ProcessingStatus == enums.ProcessingStatusCompleted {
			updated, err := o.store.IncrementBatchProgress(ctx, batch.ID, true)
			if err != nil {
				return fmt.Errorf("count completed upload: %w", err)
			}
			batch = updated
			o.batchProgress(ctx, batch, floor)
			continue
		}

		o.fileProgress(ctx, batch, upload, 0, realtime.FileStatusProcessing)
		ok := o.processor.ProcessWithRetry(ctx, upload, batch)

		updated, err := o.store.IncrementBatchProgress(ctx, batch.ID, ok)
		if err != nil {
			return fmt.Errorf("count upload: %w", err)
		}
		batch = updated

		status := realtime.FileStatusCompleted
		if !ok {
			status = realtime.FileStatusFailed
		}
		o.fileProgress(ctx, batch, upload, 100, status)
		o.batchProgress(ctx, batch, floor)
	}

	err = o.store.UpdateBatchStatus(ctx, batch.ID, enums.BatchStatusCompleted, nil)
	if errors.Is(err, uploads.ErrStateConflict) {
		// Cancelled while the last item ran; the cancel stands.
		o.logg.Info(ctx, "batch.process.cancelled")
		o.metrics.ObserveBatch(string(enums.BatchStatusCancelled), o.now().Sub(started))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	batch.Status = enums.BatchStatusCompleted
	o.batchProgress(ctx, batch, floor)

	o.metrics.ObserveBatch(string(enums.BatchStatusCompleted), o.now().Sub(started))
	o.logg.Info(o.logg.WithFields(ctx, map[string]any{
		"processed":  batch.ProcessedUploads,
		"successful": batch.SuccessfulUploads,
		"failed":     batch.FailedUploads,
	}), "batch.process.completed")
	return nil
}

// cancelled re-reads the batch so a cancel issued through the API is seen
// between items.
func (o *Orchestrator) cancelled(ctx context.Context, batchID uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	current, err := o.store.FindBatch(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("reload batch: %w", err)
	}
	return current.Status == enums.BatchStatusCancelled, nil
}

func (o *Orchestrator) batchProgress(ctx context.Context, batch *models.UploadBatch, floor int) {
	if o.publisher == nil || batch.ProcessedUploads < floor {
		return
	}
	o.publisher.PublishToUser(ctx, batch.UserID, realtime.BatchProgress{
		Payload: realtime.BatchProgressPayload{
			BatchID:            batch.ID,
			Status:             batch.Status,
			Total:              batch.TotalUploads,
			Processed:          batch.ProcessedUploads,
			Successful:         batch.SuccessfulUploads,
			Failed:             batch.FailedUploads,
			ProgressPercentage: batch.ProgressPercentage(),
		},
		Timestamp: o.now().UTC(),
	})
}

func (o *Orchestrator) fileProgress(ctx context.Context, batch *models.UploadBatch, upload *models.Upload, percent int, status realtime.FileStatus) {
	if o.publisher == nil {
		return
	}
	o.publisher.PublishToUser(ctx, batch.UserID, realtime.FileProgress{
		Payload: realtime.FileProgressPayload{
			BatchID:            batch.ID,
			UploadID:           upload.ID,
			FileName:           upload.Filename,
			FileSize:           upload.FileSize,
			ProgressPercentage: percent,
			Status:             status,
		},
		Timestamp: o.now().UTC(),
	})
}
