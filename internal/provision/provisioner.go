package provision

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// MinimalPrivileges is the exact privilege set granted to every provisioned
// account, scoped to its single database. Never broader.
var MinimalPrivileges = []string{"DELETE", "INDEX", "INSERT", "LOCK TABLES", "SELECT", "UPDATE"}

// ResourceSet reports what actually exists on the backing server for one
// derived name pair. It is introspected state, never persisted.
type ResourceSet struct {
	DatabaseName   string
	AccountName    string
	DatabaseExists bool
	AccountExists  bool
	Privileges     []string
}

// HasExactPrivileges reports whether the introspected grant set equals
// MinimalPrivileges, no more and no less.
func (r ResourceSet) HasExactPrivileges() bool {
	if len(r.Privileges) != len(MinimalPrivileges) {
		return false
	}
	granted := append([]string(nil), r.Privileges...)
	sort.Strings(granted)
	for i, privilege := range MinimalPrivileges {
		if granted[i] != privilege {
			return false
		}
	}
	return true
}

// Provisioner is the capability interface the engine and auditor depend on.
// Implementations mutate the backing relational server; they never touch the
// ledger.
type Provisioner interface {
	// Provision creates the database, the account restricted to the allowed
	// host, and the minimal grant, in that order. On failure it undoes the
	// steps already applied before returning.
	Provision(ctx context.Context, databaseName, accountName, secret string) error

	// Deprovision drops the account first, then the database. Absent
	// resources are tolerated; the operation is idempotent.
	Deprovision(ctx context.Context, databaseName, accountName string) error

	// Introspect reports the actual backend state for the name pair. It
	// returns nil when neither resource exists.
	Introspect(ctx context.Context, databaseName, accountName string) (*ResourceSet, error)

	// Regrant re-issues the minimal grant after revoking everything the
	// account holds on the database. Used for privilege-drift repair.
	Regrant(ctx context.Context, databaseName, accountName string) error

	// ListDatabases enumerates backend databases matching the deterministic
	// naming pattern, for orphan discovery.
	ListDatabases(ctx context.Context) ([]string, error)

	// ListAccounts enumerates backend accounts matching the deterministic
	// naming pattern. An account can outlive its database, so orphan
	// discovery sweeps both sides.
	ListAccounts(ctx context.Context) ([]string, error)
}

// Kind classifies provisioner failures.
type Kind string

const (
	// KindConnectionFailed covers unreachable or unauthenticated backing servers.
	KindConnectionFailed Kind = "connection_failed"
	// KindPermissionDenied means the admin credential lacks rights. Fatal, not retried.
	KindPermissionDenied Kind = "permission_denied"
	// KindResourceExists means a resource was already present where it should not be.
	KindResourceExists Kind = "resource_exists"
	// KindPartialRecovered means a step failed and compensation succeeded.
	KindPartialRecovered Kind = "partial_failure_recovered"
	// KindPartialUnrecovered means compensation itself failed. The backend may
	// hold dangling resources; the auditor is the backstop.
	KindPartialUnrecovered Kind = "partial_failure_unrecovered"
	// KindInternal covers everything else.
	KindInternal Kind = "internal"
)

// Error tags a provisioner failure with its Kind and the step it occurred in.
type Error struct {
	Kind Kind
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provision: %s at step %s", e.Kind, e.Step)
	}
	return fmt.Sprintf("provision: %s at step %s: %v", e.Kind, e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var provisionErr *Error
	if errors.As(err, &provisionErr) {
		return provisionErr.Kind
	}
	return KindInternal
}
