package ledger

import "time"

// ProvisioningRecord is the sole durable evidence that a set of backend
// resources was issued to an identity key. Rows are created exactly once at
// the end of a successful provisioning run and never updated; they are removed
// only by an explicit revoke or an auditor repair. Uniqueness of each of the
// three names is enforced at the storage layer so duplicate prevention holds
// under concurrent requests.
type ProvisioningRecord struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	IdentityKey  string    `gorm:"column:identity_key;size:50;not null;uniqueIndex"`
	DatabaseName string    `gorm:"column:database_name;size:64;not null;uniqueIndex"`
	AccountName  string    `gorm:"column:account_name;size:64;not null;uniqueIndex"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing the ledger.
func (ProvisioningRecord) TableName() string {
	return "provisioning_records"
}

// WhitelistEntry is an identity key authorized for provisioning. Entries are
// created and removed by administrative import only; the provisioning engine
// reads them and never writes them.
type WhitelistEntry struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	IdentityKey string    `gorm:"column:identity_key;size:50;not null;uniqueIndex"`
	DisplayName string    `gorm:"column:display_name;size:190"`
	GroupTag    string    `gorm:"column:group_tag;size:190"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the whitelist.
func (WhitelistEntry) TableName() string {
	return "whitelist_entries"
}
