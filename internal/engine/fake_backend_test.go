package engine

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

// fakeBackend is an in-memory stand-in for the MySQL provisioner. It mirrors
// the real compensation behavior: a step failure removes the resources created
// by the preceding steps unless failCompensation is set.
type fakeBackend struct {
	mu        sync.Mutex
	databases map[string]bool
	accounts  map[string]bool
	grants    map[string][]string

	failStep         string
	failStepKind     provision.Kind
	failCompensation bool
	failDeprovision  bool

	provisionCalls   int
	deprovisionCalls int
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
	f.provisionCalls++

	stepFailure := func(step string) error {
		kind := f.failStepKind
		if kind == "" {
			kind = provision.KindInternal
		}
		return &provision.Error{Kind: kind, Step: step, Err: errors.New("injected failure")}
	}

	if f.failStep == "create_database" {
		return stepFailure("create_database")
	}
	f.databases[databaseName] = true

	if f.failStep == "create_account" {
		if f.failCompensation {
			return &provision.Error{Kind: provision.KindPartialUnrecovered, Step: "drop_database", Err: errors.New("compensation refused")}
		}
		delete(f.databases, databaseName)
		return stepFailure("create_account")
	}
	f.accounts[accountName] = true

	if f.failStep == "grant_privileges" {
		if f.failCompensation {
			return &provision.Error{Kind: provision.KindPartialUnrecovered, Step: "drop_account", Err: errors.New("compensation refused")}
		}
		delete(f.accounts, accountName)
		delete(f.databases, databaseName)
		return stepFailure("grant_privileges")
	}
	f.grants[f.grantKey(databaseName, accountName)] = append([]string(nil), provision.MinimalPrivileges...)
	return nil
}

func (f *fakeBackend) Deprovision(ctx context.Context, databaseName, accountName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deprovisionCalls++
	if f.failDeprovision {
		return &provision.Error{Kind: provision.KindPartialUnrecovered, Step: "drop_account", Err: errors.New("injected deprovision failure")}
	}
	delete(f.accounts, accountName)
	delete(f.databases, databaseName)
	delete(f.grants, f.grantKey(databaseName, accountName))
	return nil
}

func (f *fakeBackend) Introspect(ctx context.Context, databaseName, accountName string) (*provision.ResourceSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeBackend) resourceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.databases) + len(f.accounts)
}

// fixedSecrets returns the same secret every call; tests that need
// distinctness use the real generator.
type fixedSecrets struct {
	secret string
}

func (s fixedSecrets) GenerateSecret() (string, error) {
	if s.secret == "" {
		return "Ab1!defghijklmnop", nil
	}
	return s.secret, nil
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

func newTestEngine(t *testing.T, store *ledger.Store, backend *fakeBackend) *Engine {
	t.Helper()
	testEngine, err := NewEngine(EngineConfig{
		Ledger:      store,
		Provisioner: backend,
		Secrets:     fixedSecrets{},
		Host:        "mysql.example.com",
		Port:        3306,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return testEngine
}
