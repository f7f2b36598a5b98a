package migrate

import (
	"context"
	"fmt"

	"github.com/Genocs/genocs-library-template/pkg/config"
	"github.com/Genocs/genocs-library-template/pkg/db"
	"github.com/Genocs/genocs-library-template/pkg/db/models"
	"github.com/Genocs/genocs-library-template/pkg/logger"
)

// Models lists the tables owned by this service.
func Models() []any {
	return []any{&models.Order{}, &models.OutboxRecord{}, &models.OutboxDLQ{}}
}

// MaybeRunDev executes migrations automatically when the app is running in dev
// mode and the feature flag is enabled. SQLite databases are migrated from the
// gorm models because the SQL files target Postgres.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}

	meta := map[string]any{"env": cfg.App.Env, "dialect": client.Dialect()}
	if logg != nil {
		ctx = logg.WithFields(ctx, meta)
	}

	if client.Dialect() == config.DBDriverSQLite {
		if logg != nil {
			logg.Info(ctx, "running gorm auto-migrate (sqlite)")
		}
		if err := client.DB().WithContext(ctx).AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto-migrating sqlite: %w", err)
		}
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	if logg != nil {
		logg.Info(ctx, "running Goose migrations (dev auto-run)")
	}
	if err := Run(ctx, sqlDB, EmbeddedDir, "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}
	if logg != nil {
		logg.Info(ctx, "Goose migrations completed")
	}
	return nil
}
