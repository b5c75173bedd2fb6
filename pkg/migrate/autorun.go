package migrate

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/db/models"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
)

// MaybeRunDev brings the schema up on boot for local development when
// MEDIASEARCH_AUTO_MIGRATE is set. Other environments are migrated by the
// migrate binary only.
//
// The SQL files depend on pgvector and Postgres enums, so sqlite databases get
// a GORM AutoMigrate of the models instead.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, conn *gorm.DB) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	ctx = logg.WithFields(ctx, map[string]any{"driver": cfg.DB.Driver, "dir": DefaultDir})

	if strings.EqualFold(cfg.DB.Driver, "sqlite") {
		if err := conn.WithContext(ctx).AutoMigrate(&models.UploadBatch{}, &models.Upload{}); err != nil {
			return fmt.Errorf("automigrate models: %w", err)
		}
		logg.Info(ctx, "migrate.automigrate_completed")
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}
	if err := Run(ctx, sqlDB, DefaultDir, "up"); err != nil {
		return err
	}
	logg.Info(ctx, "migrate.dev_up_completed")
	return nil
}
