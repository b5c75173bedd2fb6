package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/db/models"
	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/mediasearch-backend/pkg/errors"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
	"github.com/angelmondragon/mediasearch-backend/pkg/storage"
)

type store interface {
	CreateUpload(ctx context.Context, upload *models.Upload) error
	FindByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Upload, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status enums.ProcessingStatus, errMsg *string) error
	MarkRegenerating(ctx context.Context, id, userID uuid.UUID) error
	CreateBatch(ctx context.Context, batch *models.UploadBatch) error
	FindBatchForUser(ctx context.Context, id, userID uuid.UUID) (*models.UploadBatch, error)
	UpdateBatchStatus(ctx context.Context, id uuid.UUID, status enums.BatchStatus, errMsg *string) error
	SetBatchTotal(ctx context.Context, id uuid.UUID, total int) error
	ListBatchesByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.UploadBatch, error)
	CancelBatch(ctx context.Context, id, userID uuid.UUID) error
}

type fileStorage interface {
	SaveOriginal(ctx context.Context, userID, uploadID uuid.UUID, filename string, r io.Reader) (string, int64, error)
	AbsPath(rel string) (string, error)
	Delete(ctx context.Context, userID, uploadID uuid.UUID) error
}

// Dispatcher hands work to the background worker pool.
type Dispatcher interface {
	EnqueueBatch(ctx context.Context, batchID uuid.UUID) error
	EnqueueAnalysis(ctx context.Context, uploadID uuid.UUID) error
}

// Service exposes the bulk upload and batch tracking operations.
type Service interface {
	CreateBulkUpload(ctx context.Context, userID uuid.UUID, files []*multipart.FileHeader) (*BulkUploadResult, error)
	GetBatch(ctx context.Context, userID, batchID uuid.UUID) (*BatchView, error)
	ListBatches(ctx context.Context, userID uuid.UUID, limit, offset int) ([]BatchView, error)
	CancelBatch(ctx context.Context, userID, batchID uuid.UUID) (*BatchView, error)
	GetUpload(ctx context.Context, userID, uploadID uuid.UUID) (*UploadView, error)
	Regenerate(ctx context.Context, userID, uploadID uuid.UUID) (*UploadView, error)
}

// ServiceParams wires the upload service.
type ServiceParams struct {
	Store      store
	Storage    fileStorage
	Dispatcher Dispatcher
	Batch      config.BatchConfig
	MaxFile    int64
	Logger     *logger.Logger
}

type service struct {
	store      store
	storage    fileStorage
	dispatcher Dispatcher
	batch      config.BatchConfig
	maxFile    int64
	logg       *logger.Logger
}

// NewService validates dependencies and constructs the upload service.
func NewService(params ServiceParams) (Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("upload store required")
	}
	if params.Storage == nil {
		return nil, fmt.Errorf("file storage required")
	}
	if params.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher required")
	}
	if params.Batch.MaxFiles <= 0 {
		return nil, fmt.Errorf("max bulk files must be positive")
	}
	if params.Batch.ListMaxLimit <= 0 {
		return nil, fmt.Errorf("batch list max limit must be positive")
	}
	return &service{
		store:      params.Store,
		storage:    params.Storage,
		dispatcher: params.Dispatcher,
		batch:      params.Batch,
		maxFile:    params.MaxFile,
		logg:       params.Logger,
	}, nil
}

// FailedFile reports a file rejected before it was queued.
type FailedFile struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// BulkUploadResult summarises an accepted bulk upload request.
type BulkUploadResult struct {
	BatchID     uuid.UUID    `json:"batch_id"`
	TotalFiles  int          `json:"total_files"`
	Queued      int          `json:"queued"`
	Failed      int          `json:"failed"`
	UploadIDs   []uuid.UUID  `json:"upload_ids"`
	FailedFiles []FailedFile `json:"failed_files"`
}

// BatchView is the client-facing batch status.
type BatchView struct {
	BatchID            uuid.UUID         `json:"batch_id"`
	Status             enums.BatchStatus `json:"status"`
	TotalUploads       int               `json:"total_uploads"`
	ProcessedUploads   int               `json:"processed_uploads"`
	SuccessfulUploads  int               `json:"successful_uploads"`
	FailedUploads      int               `json:"failed_uploads"`
	ProgressPercentage float64           `json:"progress_percentage"`
	CreatedAt          time.Time         `json:"created_at"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage       *string           `json:"error_message,omitempty"`
}

func newBatchView(b *models.UploadBatch) BatchView {
	return BatchView{
		BatchID:            b.ID,
		Status:             b.Status,
		TotalUploads:       b.TotalUploads,
		ProcessedUploads:   b.ProcessedUploads,
		SuccessfulUploads:  b.SuccessfulUploads,
		FailedUploads:      b.FailedUploads,
		ProgressPercentage: b.ProgressPercentage(),
		CreatedAt:          b.CreatedAt,
		StartedAt:          b.StartedAt,
		CompletedAt:        b.CompletedAt,
		ErrorMessage:       b.ErrorMessage,
	}
}

// UploadView is the client-facing upload record. The embedding is never exposed.
type UploadView struct {
	ID                    uuid.UUID              `json:"id"`
	Filename              string                 `json:"filename"`
	FileType              enums.FileType         `json:"file_type"`
	FileSize              int64                  `json:"file_size"`
	MimeType              string                 `json:"mime_type"`
	ProcessingStatus      enums.ProcessingStatus `json:"processing_status"`
	Description           *string                `json:"description,omitempty"`
	DescriptionAuditScore *int                   `json:"description_audit_score,omitempty"`
	ThumbnailPath         *string                `json:"thumbnail_path,omitempty"`
	ErrorMessage          *string                `json:"error_message,omitempty"`
	Metadata              map[string]any         `json:"metadata"`
	RegenerationCount     int                    `json:"regeneration_count"`
	LastRegeneratedAt     *time.Time             `json:"last_regenerated_at,omitempty"`
	BatchID               *uuid.UUID             `json:"batch_id,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
}

func newUploadView(u *models.Upload) UploadView {
	return UploadView{
		ID:                    u.ID,
		Filename:              u.Filename,
		FileType:              u.FileType,
		FileSize:              u.FileSize,
		MimeType:              u.MimeType,
		ProcessingStatus:      u.ProcessingStatus,
		Description:           u.Description,
		DescriptionAuditScore: u.DescriptionAuditScore,
		ThumbnailPath:         u.ThumbnailPath,
		ErrorMessage:          u.ErrorMessage,
		Metadata:              u.Metadata,
		RegenerationCount:     u.RegenerationCount,
		LastRegeneratedAt:     u.LastRegeneratedAt,
		BatchID:               u.BatchID,
		CreatedAt:             u.CreatedAt,
		UpdatedAt:             u.UpdatedAt,
	}
}

func (s *service) validateBulk(files []*multipart.FileHeader) error {
	if len(files) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "no files provided")
	}
	if len(files) > s.batch.MaxFiles {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("too many files: maximum %d files per batch", s.batch.MaxFiles))
	}
	var total int64
	for _, fh := range files {
		total += fh.Size
	}
	if s.batch.MaxTotalBytes > 0 && total > s.batch.MaxTotalBytes {
		return pkgerrors.New(pkgerrors.CodeTooLarge, fmt.Sprintf("total file size exceeds %d bytes", s.batch.MaxTotalBytes))
	}
	return nil
}

func (s *service) CreateBulkUpload(ctx context.Context, userID uuid.UUID, files []*multipart.FileHeader) (*BulkUploadResult, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if err := s.validateBulk(files); err != nil {
		return nil, err
	}

	batch := &models.UploadBatch{UserID: userID, TotalUploads: len(files)}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create batch")
	}
	ctx = s.logg.WithBatchID(s.logg.WithUserID(ctx, userID.String()), batch.ID.String())
	s.logg.Info(s.logg.WithField(ctx, "files", len(files)), "bulk_upload.batch_created")

	result := &BulkUploadResult{
		BatchID:     batch.ID,
		TotalFiles:  len(files),
		UploadIDs:   []uuid.UUID{},
		FailedFiles: []FailedFile{},
	}

	for _, fh := range files {
		uploadID, err := s.saveFile(ctx, userID, batch.ID, fh)
		if err != nil {
			name := fh.Filename
			if strings.TrimSpace(name) == "" {
				name = "unknown"
			}
			result.FailedFiles = append(result.FailedFiles, FailedFile{Filename: name, Error: publicFileError(err)})
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"filename": name, "error": err.Error()}), "bulk_upload.file_rejected")
			continue
		}
		result.UploadIDs = append(result.UploadIDs, uploadID)
	}

	result.Queued = len(result.UploadIDs)
	result.Failed = len(result.FailedFiles)

	if result.Queued != batch.TotalUploads {
		if err := s.store.SetBatchTotal(ctx, batch.ID, result.Queued); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "correct batch total")
		}
	}

	if result.Queued == 0 {
		// Nothing to process; close the batch so it never lingers as pending.
		if err := s.store.UpdateBatchStatus(ctx, batch.ID, enums.BatchStatusCompleted, nil); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "close empty batch")
		}
	} else {
		if err := s.dispatcher.EnqueueBatch(ctx, batch.ID); err != nil {
			msg := "Failed to queue batch for processing"
			if uerr := s.store.UpdateBatchStatus(ctx, batch.ID, enums.BatchStatusFailed, &msg); uerr != nil {
				s.logg.Error(ctx, "bulk_upload.mark_failed", uerr)
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue batch")
		}
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{"queued": result.Queued, "failed": result.Failed}), "bulk_upload.queued")
	return result, nil
}

type fileRejection struct {
	public string
}

func (e fileRejection) Error() string { return e.public }

func publicFileError(err error) string {
	var rejected fileRejection
	if errors.As(err, &rejected) {
		return rejected.public
	}
	return "Internal error during file processing"
}

func (s *service) saveFile(ctx context.Context, userID, batchID uuid.UUID, fh *multipart.FileHeader) (uuid.UUID, error) {
	if strings.TrimSpace(fh.Filename) == "" {
		return uuid.Nil, fileRejection{public: "No filename provided"}
	}
	if s.maxFile > 0 && fh.Size > s.maxFile {
		return uuid.Nil, fileRejection{public: fmt.Sprintf("File size %d exceeds limit of %d bytes", fh.Size, s.maxFile)}
	}

	f, err := fh.Open()
	if err != nil {
		return uuid.Nil, fmt.Errorf("open part: %w", err)
	}
	defer f.Close()

	mime, err := detectMIME(f, fh.Header.Get("Content-Type"))
	if err != nil {
		return uuid.Nil, err
	}
	fileType, err := classifyMIME(mime)
	if err != nil {
		return uuid.Nil, fileRejection{public: err.Error()}
	}

	uploadID := uuid.New()
	rel, size, err := s.storage.SaveOriginal(ctx, userID, uploadID, fh.Filename, f)
	if err != nil {
		return uuid.Nil, fmt.Errorf("save original: %w", err)
	}

	upload := &models.Upload{
		ID:       uploadID,
		UserID:   userID,
		BatchID:  &batchID,
		Filename: fh.Filename,
		FilePath: rel,
		FileType: fileType,
		FileSize: size,
		MimeType: mime,
		Metadata: s.describeFile(rel, fileType),
	}
	if err := s.store.CreateUpload(ctx, upload); err != nil {
		if derr := s.storage.Delete(ctx, userID, uploadID); derr != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", derr.Error()), "bulk_upload.cleanup_failed")
		}
		return uuid.Nil, fmt.Errorf("create upload: %w", err)
	}
	return uploadID, nil
}

func (s *service) describeFile(rel string, fileType enums.FileType) map[string]any {
	meta := map[string]any{}
	if fileType != enums.FileTypeImage {
		return meta
	}
	abs, err := s.storage.AbsPath(rel)
	if err != nil {
		return meta
	}
	if w, h, err := storage.ImageSize(abs); err == nil {
		meta["width"] = w
		meta["height"] = h
	}
	return meta
}

func (s *service) GetBatch(ctx context.Context, userID, batchID uuid.UUID) (*BatchView, error) {
	batch, err := s.store.FindBatchForUser(ctx, batchID, userID)
	if err != nil {
		return nil, pkgerrors.FromDB(err, "batch not found", "load batch")
	}
	view := newBatchView(batch)
	return &view, nil
}

func (s *service) ListBatches(ctx context.Context, userID uuid.UUID, limit, offset int) ([]BatchView, error) {
	if limit < 1 || limit > s.batch.ListMaxLimit {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("limit must be between 1 and %d", s.batch.ListMaxLimit))
	}
	if offset < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "offset must be non-negative")
	}
	batches, err := s.store.ListBatchesByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list batches")
	}
	views := make([]BatchView, 0, len(batches))
	for i := range batches {
		views = append(views, newBatchView(&batches[i]))
	}
	return views, nil
}

func (s *service) CancelBatch(ctx context.Context, userID, batchID uuid.UUID) (*BatchView, error) {
	if _, err := s.store.FindBatchForUser(ctx, batchID, userID); err != nil {
		return nil, pkgerrors.FromDB(err, "batch not found", "load batch")
	}
	if err := s.store.CancelBatch(ctx, batchID, userID); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "only pending or processing batches can be cancelled")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "cancel batch")
	}
	s.logg.Info(s.logg.WithBatchID(ctx, batchID.String()), "bulk_upload.batch_cancelled")
	return s.GetBatch(ctx, userID, batchID)
}

func (s *service) GetUpload(ctx context.Context, userID, uploadID uuid.UUID) (*UploadView, error) {
	upload, err := s.store.FindByIDForUser(ctx, uploadID, userID)
	if err != nil {
		return nil, pkgerrors.FromDB(err, "upload not found", "load upload")
	}
	view := newUploadView(upload)
	return &view, nil
}

func (s *service) Regenerate(ctx context.Context, userID, uploadID uuid.UUID) (*UploadView, error) {
	upload, err := s.store.FindByIDForUser(ctx, uploadID, userID)
	if err != nil {
		return nil, pkgerrors.FromDB(err, "upload not found", "load upload")
	}
	switch upload.ProcessingStatus {
	case enums.ProcessingStatusAnalyzing:
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "upload is already being analyzed")
	case enums.ProcessingStatusCompleted, enums.ProcessingStatusFailed:
	default:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("cannot regenerate description for upload with status %s", upload.ProcessingStatus))
	}

	if err := s.store.MarkRegenerating(ctx, uploadID, userID); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "upload is already being analyzed")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark regenerating")
	}

	ctx = s.logg.WithUploadID(ctx, uploadID.String())
	if err := s.dispatcher.EnqueueAnalysis(ctx, uploadID); err != nil {
		msg := "Failed to queue regeneration"
		if uerr := s.store.UpdateStatus(ctx, uploadID, enums.ProcessingStatusFailed, &msg); uerr != nil {
			s.logg.Error(ctx, "regenerate.mark_failed", uerr)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue analysis")
	}
	s.logg.Info(s.logg.WithField(ctx, "regeneration", upload.RegenerationCount+1), "regenerate.queued")

	return s.GetUpload(ctx, userID, uploadID)
}

