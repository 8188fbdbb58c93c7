package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/iluwen/dormdb/internal/naming"
)

// AddWhitelistEntry registers a single identity key for provisioning.
// Administrative operation; the provisioning engine never calls it.
func (s *Store) AddWhitelistEntry(ctx context.Context, identityKey, displayName, groupTag string) error {
	if err := naming.ValidateIdentityKey(identityKey); err != nil {
		return err
	}
	entry := WhitelistEntry{
		IdentityKey: identityKey,
		DisplayName: strings.TrimSpace(displayName),
		GroupTag:    strings.TrimSpace(groupTag),
	}
	err := s.db.WithContext(ctx).Create(&entry).Error
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, identityKey)
	}
	return fmt.Errorf("ledger: whitelist insert failed: %w", err)
}

// RemoveWhitelistEntry withdraws authorization for an identity key. Existing
// provisioning records are untouched.
func (s *Store) RemoveWhitelistEntry(ctx context.Context, identityKey string) error {
	err := s.db.WithContext(ctx).
		Where("identity_key = ?", identityKey).
		Delete(&WhitelistEntry{}).Error
	if err != nil {
		return fmt.Errorf("ledger: whitelist remove failed: %w", err)
	}
	return nil
}

// ListWhitelist returns whitelist entries ordered newest first.
func (s *Store) ListWhitelist(ctx context.Context, page Pagination) ([]WhitelistEntry, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var entries []WhitelistEntry
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(page.Offset).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: whitelist list failed: %w", err)
	}
	return entries, nil
}

// ImportResult summarizes a bulk whitelist import.
type ImportResult struct {
	Imported int
	Updated  int
	Errors   []string
}

// ImportWhitelist loads identity keys from CSV records of the form
// "identity_key[,display_name[,group_tag]]". Display names may be quoted and
// contain commas. Records that fail validation are collected in the result
// rather than aborting the import. When overwrite is set, existing entries
// have their display name and group tag refreshed.
func (s *Store) ImportWhitelist(ctx context.Context, data string, overwrite bool) (ImportResult, error) {
	result := ImportResult{}

	reader := csv.NewReader(strings.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	for lineNumber := 1; ; lineNumber++ {
		parts, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: malformed record: %v", lineNumber, err))
			continue
		}

		identityKey := strings.TrimSpace(parts[0])
		displayName := ""
		groupTag := ""
		if len(parts) > 1 {
			displayName = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			groupTag = strings.TrimSpace(parts[2])
		}

		if err := naming.ValidateIdentityKey(identityKey); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid identity key %q", lineNumber, identityKey))
			continue
		}

		var count int64
		if err := s.db.WithContext(ctx).
			Model(&WhitelistEntry{}).
			Where("identity_key = ?", identityKey).
			Count(&count).Error; err != nil {
			return result, fmt.Errorf("ledger: whitelist import lookup failed: %w", err)
		}

		if count > 0 {
			if !overwrite {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: identity key %q already whitelisted", lineNumber, identityKey))
				continue
			}
			err := s.db.WithContext(ctx).
				Model(&WhitelistEntry{}).
				Where("identity_key = ?", identityKey).
				Updates(map[string]interface{}{
					"display_name": displayName,
					"group_tag":    groupTag,
				}).Error
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: update failed: %v", lineNumber, err))
				continue
			}
			result.Updated++
			continue
		}

		if err := s.AddWhitelistEntry(ctx, identityKey, displayName, groupTag); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: insert failed: %v", lineNumber, err))
			continue
		}
		result.Imported++
	}

	return result, nil
}

// WhitelistStats reports whitelist coverage against the ledger.
type WhitelistStats struct {
	Total       int64
	Provisioned int64
}

// Stats counts whitelist entries and how many of them hold a provisioning record.
func (s *Store) Stats(ctx context.Context) (WhitelistStats, error) {
	stats := WhitelistStats{}
	if err := s.db.WithContext(ctx).Model(&WhitelistEntry{}).Count(&stats.Total).Error; err != nil {
		return stats, fmt.Errorf("ledger: whitelist count failed: %w", err)
	}
	err := s.db.WithContext(ctx).
		Model(&WhitelistEntry{}).
		Joins("JOIN provisioning_records ON provisioning_records.identity_key = whitelist_entries.identity_key").
		Count(&stats.Provisioned).Error
	if err != nil {
		return stats, fmt.Errorf("ledger: provisioned count failed: %w", err)
	}
	return stats, nil
}
