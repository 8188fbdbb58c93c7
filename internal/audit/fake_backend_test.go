package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/iluwen/dormdb/internal/ledger"
	"github.com/iluwen/dormdb/internal/provision"
)

// fakeBackend is an in-memory backing server whose state the tests mutate
// directly to manufacture drift.
type fakeBackend struct {
	mu        sync.Mutex
	databases map[string]bool
	accounts  map[string]bool
	grants    map[string][]string

	failProvision   bool
	failDeprovision bool
	failRegrant     bool
	failIntrospect  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		databases: map[string]bool{},
		accounts:  map[string]bool{},
		grants:    map[string][]string{},
	}
}

func (f *fakeBackend) grantKey(databaseName, accountName string) string {
	return databaseName + "|" + accountName
}

func (f *fakeBackend) Provision(ctx context.Context, databaseName, accountName, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProvision {
		return &provision.Error{Kind: provision.KindConnectionFailed, Step: "create_database", Err: errors.New("injected failure")}
	}
	f.databases[databaseName] = true
	f.accounts[accountName] = true
	f.grants[f.grantKey(databaseName, accountName)] = append([]string(nil), provision.MinimalPrivileges...)
	return nil
}

func (f *fakeBackend) Deprovision(ctx context.Context, databaseName, accountName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeprovision {
		return &provision.Error{Kind: provision.KindConnectionFailed, Step: "drop_account", Err: errors.New("injected failure")}
	}
	delete(f.databases, databaseName)
	delete(f.accounts, accountName)
	delete(f.grants, f.grantKey(databaseName, accountName))
	return nil
}

func (f *fakeBackend) Introspect(ctx context.Context, databaseName, accountName string) (*provision.ResourceSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIntrospect {
		return nil, &provision.Error{Kind: provision.KindConnectionFailed, Step: "introspect", Err: errors.New("injected failure")}
	}
	databaseExists := f.databases[databaseName]
	accountExists := f.accounts[accountName]
	if !databaseExists && !accountExists {
		return nil, nil
	}
	return &provision.ResourceSet{
		DatabaseName:   databaseName,
		AccountName:    accountName,
		DatabaseExists: databaseExists,
		AccountExists:  accountExists,
		Privileges:     append([]string(nil), f.grants[f.grantKey(databaseName, accountName)]...),
	}, nil
}

func (f *fakeBackend) Regrant(ctx context.Context, databaseName, accountName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRegrant {
		return &provision.Error{Kind: provision.KindConnectionFailed, Step: "regrant", Err: errors.New("injected failure")}
	}
	f.grants[f.grantKey(databaseName, accountName)] = append([]string(nil), provision.MinimalPrivileges...)
	return nil
}

func (f *fakeBackend) ListDatabases(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.databases {
		if strings.HasPrefix(name, "db_") {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *fakeBackend) ListAccounts(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.accounts {
		if strings.HasPrefix(name, "user_") {
			names = append(names, name)
		}
	}
	return names, nil
}

// dropDatabase simulates an operator manually removing backend state.
func (f *fakeBackend) dropDatabase(databaseName, accountName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.databases, databaseName)
	delete(f.accounts, accountName)
	delete(f.grants, f.grantKey(databaseName, accountName))
}

// widenGrant simulates privilege drift.
func (f *fakeBackend) widenGrant(databaseName, accountName string, extra ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.grantKey(databaseName, accountName)
	f.grants[key] = append(f.grants[key], extra...)
}

// plantOrphan creates a backend database with no ledger record.
func (f *fakeBackend) plantOrphan(databaseName, accountName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.databases[databaseName] = true
	if accountName != "" {
		f.accounts[accountName] = true
	}
}

// plantOrphanAccount creates a backend account whose database is gone.
func (f *fakeBackend) plantOrphanAccount(accountName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[accountName] = true
}

func (f *fakeBackend) hasAccount(accountName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[accountName]
}

func (f *fakeBackend) hasDatabase(databaseName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.databases[databaseName]
}

type fixedSecrets struct{}

func (fixedSecrets) GenerateSecret() (string, error) {
	return "Re1!ssuedSecret0k", nil
}

// testDSNSequence makes each opened database unique even when the same test
// runs repeatedly in one process (go test -count=N).
var testDSNSequence atomic.Int64

func openTestLedger(t *testing.T) *ledger.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"), testDSNSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ledger.ProvisioningRecord{}, &ledger.WhitelistEntry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := ledger.NewStore(ledger.StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to create ledger store: %v", err)
	}
	return store
}

func newTestAuditor(t *testing.T, store *ledger.Store, backend *fakeBackend) *Auditor {
	t.Helper()
	auditor, err := NewAuditor(AuditorConfig{
		Ledger:      store,
		Provisioner: backend,
		Secrets:     fixedSecrets{},
		Clock:       func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to create auditor: %v", err)
	}
	return auditor
}

// provisionPair seeds a consistent ledger record and backend pair.
func provisionPair(t *testing.T, store *ledger.Store, backend *fakeBackend, identityKey string) {
	t.Helper()
	ctx := context.Background()
	databaseName := "db_" + identityKey
	accountName := "user_" + identityKey
	if err := backend.Provision(ctx, databaseName, accountName, "Se1!edSecretValue"); err != nil {
		t.Fatalf("backend seed failed: %v", err)
	}
	if err := store.Record(ctx, identityKey, databaseName, accountName); err != nil {
		t.Fatalf("ledger seed failed: %v", err)
	}
}
