package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iluwen/dormdb/internal/ledger"
)

func TestApplyMigrationsPurgesFailedAttemptRows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&ledger.ProvisioningRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	rows := []ledger.ProvisioningRecord{
		{IdentityKey: "2023010101", DatabaseName: "db_2023010101", AccountName: "user_2023010101"},
		{IdentityKey: "2023010102", DatabaseName: "", AccountName: ""},
	}
	for index := range rows {
		if err := database.Create(&rows[index]).Error; err != nil {
			testContext.Fatalf("failed to insert ledger row: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []ledger.ProvisioningRecord
	if err := database.Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload ledger rows: %v", err)
	}
	if len(remaining) != 1 {
		testContext.Fatalf("expected one ledger row to survive, got %d", len(remaining))
	}
	if remaining[0].IdentityKey != "2023010101" {
		testContext.Fatalf("expected complete row to survive, got %q", remaining[0].IdentityKey)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationPurgeFailedAttemptRows).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected rerun to be a no-op: %v", err)
	}
}
