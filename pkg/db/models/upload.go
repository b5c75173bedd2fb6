package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
)

// Upload is a single media item owned by a user. Embedding is only populated
// once ProcessingStatus reaches completed.
type Upload struct {
	ID                    uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	UserID                uuid.UUID              `gorm:"column:user_id;type:uuid;not null;index"`
	Filename              string                 `gorm:"column:filename;not null"`
	FilePath              string                 `gorm:"column:file_path;not null"`
	FileType              enums.FileType         `gorm:"column:file_type;not null"`
	FileSize              int64                  `gorm:"column:file_size;not null"`
	MimeType              string                 `gorm:"column:mime_type;not null"`
	ProcessingStatus      enums.ProcessingStatus `gorm:"column:processing_status;not null;default:pending;index"`
	Description           *string                `gorm:"column:description"`
	DescriptionAuditScore *int                   `gorm:"column:description_audit_score"`
	Embedding             *pgvector.Vector       `gorm:"column:embedding;type:vector(1024)"`
	ThumbnailPath         *string                `gorm:"column:thumbnail_path"`
	ErrorMessage          *string                `gorm:"column:error_message"`
	Metadata              datatypes.JSONMap      `gorm:"column:metadata"`
	Hidden                bool                   `gorm:"column:hidden;not null;default:false"`
	RegenerationCount     int                    `gorm:"column:regeneration_count;not null;default:0"`
	LastRegeneratedAt     *time.Time             `gorm:"column:last_regenerated_at"`
	BatchID               *uuid.UUID             `gorm:"column:batch_id;type:uuid;index"`
	CreatedAt             time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (Upload) TableName() string { return "uploads" }

func (u *Upload) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.ProcessingStatus == "" {
		u.ProcessingStatus = enums.ProcessingStatusPending
	}
	if u.Metadata == nil {
		u.Metadata = datatypes.JSONMap{}
	}
	return nil
}
