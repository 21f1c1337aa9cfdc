package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/sections"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDropZeroDepthRows  = "2026-09-14_drop_zero_depth_rows"
	migrationClampNestingDepths = "2026-09-14_clamp_nesting_depths"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropZeroDepthRows, apply: dropZeroDepthRows},
		{name: migrationClampNestingDepths, apply: clampNestingDepths},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Top-level sections carry no depth row.
func dropZeroDepthRows(db *gorm.DB) error {
	return db.Where("name = ? AND value = ?", sections.DepthOptionName, "0").
		Delete(&sections.FormatOption{}).Error
}

func clampNestingDepths(db *gorm.DB) error {
	return db.Model(&sections.FormatOption{}).
		Where("name = ? AND value NOT IN ?", sections.DepthOptionName, []string{"0", "1"}).
		Update("value", "1").Error
}
