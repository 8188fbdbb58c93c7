package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iluwen/dormdb/internal/ledger"
)

const migrationPurgeFailedAttemptRows = "2026-05-02_purge_failed_attempt_rows"

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
		{name: migrationPurgeFailedAttemptRows, apply: purgeFailedAttemptRows},
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

// purgeFailedAttemptRows removes ledger rows written with empty resource
// names by an earlier release that also recorded failed attempts. The ledger
// is success-only: a row must name the resources it stands for.
func purgeFailedAttemptRows(db *gorm.DB) error {
	return db.
		Where("database_name = '' OR account_name = ''").
		Delete(&ledger.ProvisioningRecord{}).Error
}
