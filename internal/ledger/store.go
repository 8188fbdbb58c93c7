package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrDuplicateIdentity reports that a record for the identity key already
	// exists. It is produced by the storage-level uniqueness constraint, so it
	// is race-safe under concurrent writers.
	ErrDuplicateIdentity = errors.New("ledger: identity key already recorded")

	// ErrRecordNotFound reports that no record exists for the identity key.
	ErrRecordNotFound = errors.New("ledger: record not found")

	errMissingDatabase = errors.New("ledger: database handle is required")
)

// StoreConfig describes the dependencies of the ledger store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store is the authoritative record of completed provisioning operations and
// the read-only view of the identity whitelist.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs the ledger store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, now: clock}, nil
}

// IsWhitelisted reports whether the identity key is authorized for provisioning.
func (s *Store) IsWhitelisted(ctx context.Context, identityKey string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&WhitelistEntry{}).
		Where("identity_key = ?", identityKey).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("ledger: whitelist lookup failed: %w", err)
	}
	return count > 0, nil
}

// Exists reports whether a provisioning record exists for the identity key.
// It is a point-in-time fast path only; Record's uniqueness constraint is the
// correctness mechanism under concurrency.
func (s *Store) Exists(ctx context.Context, identityKey string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ProvisioningRecord{}).
		Where("identity_key = ?", identityKey).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("ledger: existence check failed: %w", err)
	}
	return count > 0, nil
}

// Record commits a completed provisioning run. A uniqueness-constraint
// violation on any of the three names maps to ErrDuplicateIdentity.
func (s *Store) Record(ctx context.Context, identityKey, databaseName, accountName string) error {
	record := ProvisioningRecord{
		IdentityKey:  identityKey,
		DatabaseName: databaseName,
		AccountName:  accountName,
		CreatedAt:    s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Create(&record).Error
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, identityKey)
	}
	return fmt.Errorf("ledger: record insert failed: %w", err)
}

// Filter narrows List results.
type Filter struct {
	GroupTag string
}

// Pagination bounds List results. A zero Limit falls back to a finite default.
type Pagination struct {
	Limit  int
	Offset int
}

const defaultListLimit = 100

// List returns provisioning records ordered newest first. Results are finite
// and restartable by offset.
func (s *Store) List(ctx context.Context, filter Filter, page Pagination) ([]ProvisioningRecord, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := s.db.WithContext(ctx).Model(&ProvisioningRecord{})
	if filter.GroupTag != "" {
		query = query.
			Joins("JOIN whitelist_entries ON whitelist_entries.identity_key = provisioning_records.identity_key").
			Where("whitelist_entries.group_tag = ?", filter.GroupTag)
	}
	var records []ProvisioningRecord
	err := query.
		Order("provisioning_records.created_at DESC, provisioning_records.id DESC").
		Limit(limit).
		Offset(page.Offset).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list failed: %w", err)
	}
	return records, nil
}

// Get returns the record for an identity key, or ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, identityKey string) (ProvisioningRecord, error) {
	var record ProvisioningRecord
	err := s.db.WithContext(ctx).
		Where("identity_key = ?", identityKey).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProvisioningRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, identityKey)
	}
	if err != nil {
		return ProvisioningRecord{}, fmt.Errorf("ledger: lookup failed: %w", err)
	}
	return record, nil
}

// Remove deletes the record for an identity key. Used by revoke and by auditor
// repair. Removing an absent record is not an error.
func (s *Store) Remove(ctx context.Context, identityKey string) error {
	err := s.db.WithContext(ctx).
		Where("identity_key = ?", identityKey).
		Delete(&ProvisioningRecord{}).Error
	if err != nil {
		return fmt.Errorf("ledger: remove failed: %w", err)
	}
	return nil
}

// isUniqueViolation matches storage-level uniqueness errors across the gorm
// drivers in use (sqlite message matching plus gorm's translated sentinel).
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "Duplicate entry")
}
