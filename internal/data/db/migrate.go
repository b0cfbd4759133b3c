package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&generation.GenerationRequest{},
		&generation.PipelineRun{},
		&generation.CachedArtifact{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
