package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
)

// UploadBatch groups uploads submitted together. ProcessedUploads always equals
// SuccessfulUploads + FailedUploads.
type UploadBatch struct {
	ID                uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	UserID            uuid.UUID         `gorm:"column:user_id;type:uuid;not null;index"`
	Status            enums.BatchStatus `gorm:"column:status;not null;default:pending"`
	TotalUploads      int               `gorm:"column:total_uploads;not null;default:0"`
	ProcessedUploads  int               `gorm:"column:processed_uploads;not null;default:0"`
	SuccessfulUploads int               `gorm:"column:successful_uploads;not null;default:0"`
	FailedUploads     int               `gorm:"column:failed_uploads;not null;default:0"`
	ErrorMessage      *string           `gorm:"column:error_message"`
	CreatedAt         time.Time         `gorm:"column:created_at;autoCreateTime"`
	StartedAt         *time.Time        `gorm:"column:started_at"`
	CompletedAt       *time.Time        `gorm:"column:completed_at"`
}

func (UploadBatch) TableName() string { return "upload_batches" }

func (b *UploadBatch) BeforeCreate(*gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = enums.BatchStatusPending
	}
	return nil
}

// ProgressPercentage reports processed/total as a percentage, 0 for empty batches.
func (b UploadBatch) ProgressPercentage() float64 {
	if b.TotalUploads <= 0 {
		return 0
	}
	return float64(b.ProcessedUploads) / float64(b.TotalUploads) * 100
}
