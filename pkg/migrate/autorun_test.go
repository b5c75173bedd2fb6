package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
)

func TestMaybeRunDevSkipsOutsideDev(t *testing.T) {
	cfg := &config.Config{
		App:          config.AppConfig{Env: "prod"},
		FeatureFlags: config.FeatureFlagsConfig{AutoMigrate: true},
	}
	// A nil connection proves nothing is touched.
	require.NoError(t, MaybeRunDev(context.Background(), cfg, nil, nil))

	cfg.App.Env = "dev"
	cfg.FeatureFlags.AutoMigrate = false
	require.NoError(t, MaybeRunDev(context.Background(), cfg, nil, nil))
}

func TestMaybeRunDevAutoMigratesSQLite(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:autorun?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	cfg := &config.Config{
		App:          config.AppConfig{Env: "dev"},
		DB:           config.DBConfig{Driver: "sqlite"},
		FeatureFlags: config.FeatureFlagsConfig{AutoMigrate: true},
	}
	require.NoError(t, MaybeRunDev(context.Background(), cfg, nil, conn))
	require.True(t, conn.Migrator().HasTable("uploads"))
	require.True(t, conn.Migrator().HasTable("upload_batches"))
}
