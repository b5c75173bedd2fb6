package uploads

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/angelmondragon/mediasearch-backend/internal/repo"
	"github.com/angelmondragon/mediasearch-backend/pkg/db/models"
	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
)

// ErrStateConflict is returned when a conditional status transition matched no rows.
var ErrStateConflict = errors.New("upload state conflict")

// Repository persists uploads and upload batches. It is the single source of
// truth for pipeline state across worker restarts.
type Repository struct {
	repo.Base
	now func() time.Time
}

// NewRepository constructs a Repository bound to the provided GORM connection.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db), now: time.Now}
}

// CreateUpload inserts a new upload row.
func (r *Repository) CreateUpload(ctx context.Context, upload *models.Upload) error {
	return r.DB(ctx).Create(upload).Error
}

// FindByID loads an upload. Missing rows surface as gorm.ErrRecordNotFound.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Upload, error) {
	var upload models.Upload
	if err := r.DB(ctx).First(&upload, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &upload, nil
}

// FindByIDForUser loads an upload only if it belongs to userID.
func (r *Repository) FindByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Upload, error) {
	var upload models.Upload
	if err := r.DB(ctx).First(&upload, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		return nil, err
	}
	return &upload, nil
}

// UpdateStatus moves an upload to status. A nil errMsg leaves error_message untouched.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status enums.ProcessingStatus, errMsg *string) error {
	updates := map[string]any{
		"processing_status": status,
		"updated_at":        r.now(),
	}
	if errMsg != nil {
		updates["error_message"] = *errMsg
	}
	return r.DB(ctx).Model(&models.Upload{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateThumbnail records the generated thumbnail path.
func (r *Repository) UpdateThumbnail(ctx context.Context, id uuid.UUID, thumbnailPath string) error {
	return r.DB(ctx).Model(&models.Upload{}).
		Where("id = ?", id).
		Updates(map[string]any{"thumbnail_path": thumbnailPath, "updated_at": r.now()}).Error
}

// UpdateAnalysis writes the description, audit score and embedding together with the
// completed status so the embedding is never visible on a non-completed upload.
func (r *Repository) UpdateAnalysis(ctx context.Context, id uuid.UUID, description string, embedding []float32, auditScore int) error {
	vec := pgvector.NewVector(embedding)
	return r.DB(ctx).Model(&models.Upload{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"description":             description,
			"description_audit_score": auditScore,
			"embedding":               vec,
			"processing_status":       enums.ProcessingStatusCompleted,
			"error_message":           nil,
			"updated_at":              r.now(),
		}).Error
}

// ListByBatch returns the uploads of a batch in a stable creation order.
func (r *Repository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.Upload, error) {
	var uploads []models.Upload
	err := r.DB(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&uploads).Error
	return uploads, err
}

// MarkRegenerating flips a completed or failed upload back to analyzing and bumps
// its regeneration counter. ErrStateConflict means the upload was not eligible.
func (r *Repository) MarkRegenerating(ctx context.Context, id, userID uuid.UUID) error {
	now := r.now()
	res := r.DB(ctx).Model(&models.Upload{}).
		Where("id = ? AND user_id = ?", id, userID).
		Where("processing_status IN ?", []enums.ProcessingStatus{enums.ProcessingStatusCompleted, enums.ProcessingStatusFailed}).
		Updates(map[string]any{
			"processing_status":   enums.ProcessingStatusAnalyzing,
			"regeneration_count":  gorm.Expr("regeneration_count + 1"),
			"last_regenerated_at": now,
			"error_message":       nil,
			"updated_at":          now,
		})
	return repo.RequireRows(res, ErrStateConflict)
}

// CreateBatch inserts a new batch row.
func (r *Repository) CreateBatch(ctx context.Context, batch *models.UploadBatch) error {
	return r.DB(ctx).Create(batch).Error
}

// FindBatch loads a batch. Missing rows surface as gorm.ErrRecordNotFound.
func (r *Repository) FindBatch(ctx context.Context, id uuid.UUID) (*models.UploadBatch, error) {
	var batch models.UploadBatch
	if err := r.DB(ctx).First(&batch, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// FindBatchForUser loads a batch only if it belongs to userID.
func (r *Repository) FindBatchForUser(ctx context.Context, id, userID uuid.UUID) (*models.UploadBatch, error) {
	var batch models.UploadBatch
	if err := r.DB(ctx).First(&batch, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// UpdateBatchStatus moves a batch that is still pending or processing to status.
// started_at is only stamped on the first move into processing and completed_at
// on the single move into a terminal status. ErrStateConflict means the batch
// had already left the active states, for example through a concurrent cancel.
func (r *Repository) UpdateBatchStatus(ctx context.Context, id uuid.UUID, status enums.BatchStatus, errMsg *string) error {
	now := r.now()
	updates := map[string]any{"status": status}
	if status == enums.BatchStatusProcessing {
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
	}
	if status.IsTerminal() {
		updates["completed_at"] = now
	}
	if errMsg != nil {
		updates["error_message"] = *errMsg
	}
	res := r.DB(ctx).Model(&models.UploadBatch{}).
		Where("id = ?", id).
		Where("status IN ?", activeBatchStatuses).
		Updates(updates)
	return repo.RequireRows(res, ErrStateConflict)
}

var activeBatchStatuses = []enums.BatchStatus{enums.BatchStatusPending, enums.BatchStatusProcessing}

// IncrementBatchProgress bumps processed and exactly one of successful/failed in a
// single statement and returns the row as seen by the same transaction.
func (r *Repository) IncrementBatchProgress(ctx context.Context, id uuid.UUID, success bool) (*models.UploadBatch, error) {
	updates := map[string]any{
		"processed_uploads": gorm.Expr("processed_uploads + 1"),
	}
	if success {
		updates["successful_uploads"] = gorm.Expr("successful_uploads + 1")
	} else {
		updates["failed_uploads"] = gorm.Expr("failed_uploads + 1")
	}

	var batch models.UploadBatch
	err := r.InTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.UploadBatch{}).Where("id = ?", id).Updates(updates)
		if err := repo.RequireRows(res, gorm.ErrRecordNotFound); err != nil {
			return err
		}
		return tx.First(&batch, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// ResetBatchCounters zeroes the progress counters so a resumed run can recount
// from the durable upload states.
func (r *Repository) ResetBatchCounters(ctx context.Context, id uuid.UUID) error {
	return r.DB(ctx).Model(&models.UploadBatch{}).Where("id = ?", id).Updates(map[string]any{
		"processed_uploads":  0,
		"successful_uploads": 0,
		"failed_uploads":     0,
	}).Error
}

// SetBatchTotal corrects total_uploads after files were rejected before queueing.
func (r *Repository) SetBatchTotal(ctx context.Context, id uuid.UUID, total int) error {
	return r.DB(ctx).Model(&models.UploadBatch{}).Where("id = ?", id).Update("total_uploads", total).Error
}

// ListBatchesByUser returns the user's batches, newest first.
func (r *Repository) ListBatchesByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.UploadBatch, error) {
	var batches []models.UploadBatch
	err := r.DB(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&batches).Error
	return batches, err
}

// CancelBatch cancels a pending or processing batch. ErrStateConflict means it had
// already reached another status.
func (r *Repository) CancelBatch(ctx context.Context, id, userID uuid.UUID) error {
	res := r.DB(ctx).Model(&models.UploadBatch{}).
		Where("id = ? AND user_id = ?", id, userID).
		Where("status IN ?", activeBatchStatuses).
		Updates(map[string]any{
			"status":       enums.BatchStatusCancelled,
			"completed_at": r.now(),
		})
	return repo.RequireRows(res, ErrStateConflict)
}
