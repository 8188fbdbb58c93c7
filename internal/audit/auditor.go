package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iluwen/dormdb/internal/ledger"
	"github.com/iluwen/dormdb/internal/naming"
	"github.com/iluwen/dormdb/internal/provision"
)

// Class identifies the discrepancy found for one identity key.
type Class string

const (
	ClassConsistent       Class = "consistent"
	ClassMissingOnBackend Class = "missing_on_backend"
	ClassOrphanOnBackend  Class = "orphan_on_backend"
	ClassPrivilegeDrift   Class = "privilege_drift"
	// ClassUnknown marks records whose backend state could not be observed
	// this run. No repair is attempted on an unobserved pair.
	ClassUnknown Class = "unknown"
)

// Outcome reports what the auditor did about a discrepancy.
type Outcome string

const (
	OutcomeNone         Outcome = "none"
	OutcomeRepaired     Outcome = "repaired"
	OutcomeRepairFailed Outcome = "repair_failed"
	OutcomeSkipped      Outcome = "skipped"
)

// Finding is one reconciliation result. NewSecret is set only when a
// missing-on-backend repair had to issue fresh credentials; the original
// secret is unrecoverable and the report is the only channel that can carry
// the replacement to an operator.
type Finding struct {
	IdentityKey  string  `json:"identity_key"`
	DatabaseName string  `json:"database_name"`
	AccountName  string  `json:"account_name"`
	Class        Class   `json:"class"`
	Outcome      Outcome `json:"outcome"`
	Reason       string  `json:"reason,omitempty"`
	NewSecret    string  `json:"new_secret,omitempty"`
}

// Report summarizes one audit run. The auditor never raises; infrastructure
// failures that prevented part of the run are data in Errors.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Checked    int       `json:"checked"`
	Repaired   int       `json:"repaired"`
	Failed     int       `json:"failed"`
	Findings   []Finding `json:"findings"`
	Errors     []string  `json:"errors,omitempty"`
}

// Ledger is the slice of the ledger store the auditor depends on.
type Ledger interface {
	List(ctx context.Context, filter ledger.Filter, page ledger.Pagination) ([]ledger.ProvisioningRecord, error)
	Exists(ctx context.Context, identityKey string) (bool, error)
	Remove(ctx context.Context, identityKey string) error
}

// AuditorConfig describes the dependencies of the consistency auditor.
type AuditorConfig struct {
	Ledger      Ledger
	Provisioner provision.Provisioner
	Secrets     naming.SecretGenerator
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Auditor reconciles the ledger's expected resource set against the backing
// server's actual one, applying a bounded repair per discrepancy class. Each
// repair is attempted independently; one failure never aborts the rest.
type Auditor struct {
	ledger      Ledger
	provisioner provision.Provisioner
	secrets     naming.SecretGenerator
	logger      *zap.Logger
	now         func() time.Time
}

var (
	errMissingLedger      = errors.New("audit: ledger dependency required")
	errMissingProvisioner = errors.New("audit: provisioner dependency required")
	errMissingSecrets     = errors.New("audit: secret generator required")
	noOpLogger            = zap.NewNop()
)

// NewAuditor constructs the consistency auditor.
func NewAuditor(cfg AuditorConfig) (*Auditor, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Provisioner == nil {
		return nil, errMissingProvisioner
	}
	if cfg.Secrets == nil {
		return nil, errMissingSecrets
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Auditor{
		ledger:      cfg.Ledger,
		provisioner: cfg.Provisioner,
		secrets:     cfg.Secrets,
		logger:      logger,
		now:         clock,
	}, nil
}

const auditPageSize = 100

// Audit walks every ledger record, recomputes the expected resource names,
// introspects the backend, classifies the result and repairs drift. It then
// scans the backend for databases matching the naming pattern with no ledger
// record and deprovisions them. Running it twice over an untouched state
// yields an all-consistent second report.
func (a *Auditor) Audit(ctx context.Context) Report {
	report := Report{
		RunID:     uuid.New().String(),
		StartedAt: a.now().UTC(),
	}

	a.logger.Info("audit started", zap.String("run_id", report.RunID))

	seenDatabases := map[string]bool{}
	seenAccounts := map[string]bool{}

	for offset := 0; ; offset += auditPageSize {
		records, err := a.ledger.List(ctx, ledger.Filter{}, ledger.Pagination{Limit: auditPageSize, Offset: offset})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("ledger listing failed at offset %d: %v", offset, err))
			break
		}
		if len(records) == 0 {
			break
		}
		for _, record := range records {
			finding := a.auditRecord(ctx, record)
			seenDatabases[finding.DatabaseName] = true
			seenAccounts[finding.AccountName] = true
			report.Checked++
			a.appendFinding(&report, finding)
		}
		if len(records) < auditPageSize {
			break
		}
	}

	a.auditOrphans(ctx, &report, seenDatabases, seenAccounts)
	a.auditOrphanAccounts(ctx, &report, seenAccounts)

	report.FinishedAt = a.now().UTC()
	a.logger.Info("audit finished",
		zap.String("run_id", report.RunID),
		zap.Int("checked", report.Checked),
		zap.Int("repaired", report.Repaired),
		zap.Int("failed", report.Failed))
	return report
}

// auditRecord classifies one ledger record against the backend and repairs it.
func (a *Auditor) auditRecord(ctx context.Context, record ledger.ProvisioningRecord) Finding {
	// Expected names are recomputed, not read from the record: the naming
	// scheme is the contract, the stored names only mirror it.
	databaseName, accountName := naming.Derive(record.IdentityKey)
	finding := Finding{
		IdentityKey:  record.IdentityKey,
		DatabaseName: databaseName,
		AccountName:  accountName,
	}

	resourceSet, err := a.provisioner.Introspect(ctx, databaseName, accountName)
	if err != nil {
		// A failed probe says nothing about the pair; a connection blip
		// must not read as drift.
		finding.Class = ClassUnknown
		finding.Outcome = OutcomeSkipped
		finding.Reason = fmt.Sprintf("introspection failed: %v", err)
		return finding
	}

	switch {
	case resourceSet == nil || !resourceSet.DatabaseExists || !resourceSet.AccountExists:
		finding.Class = ClassMissingOnBackend
		a.repairMissing(ctx, &finding)
	case !resourceSet.HasExactPrivileges():
		finding.Class = ClassPrivilegeDrift
		a.repairDrift(ctx, &finding, resourceSet.Privileges)
	default:
		finding.Class = ClassConsistent
		finding.Outcome = OutcomeNone
	}
	return finding
}

// repairMissing re-provisions the pair with a freshly generated secret. The
// replacement credentials are flagged prominently, never issued silently.
func (a *Auditor) repairMissing(ctx context.Context, finding *Finding) {
	secret, err := a.secrets.GenerateSecret()
	if err != nil {
		finding.Outcome = OutcomeRepairFailed
		finding.Reason = fmt.Sprintf("secret generation failed: %v", err)
		return
	}

	// Clear any half-present remnant first so the forward sequence starts clean.
	if err := a.provisioner.Deprovision(ctx, finding.DatabaseName, finding.AccountName); err != nil {
		finding.Outcome = OutcomeRepairFailed
		finding.Reason = fmt.Sprintf("remnant cleanup failed: %v", err)
		return
	}
	if err := a.provisioner.Provision(ctx, finding.DatabaseName, finding.AccountName, secret); err != nil {
		finding.Outcome = OutcomeRepairFailed
		finding.Reason = fmt.Sprintf("re-provisioning failed: %v", err)
		return
	}

	finding.Outcome = OutcomeRepaired
	finding.NewSecret = secret
	a.logger.Warn("missing backend resources recreated with new credentials",
		zap.String("identity_key", finding.IdentityKey),
		zap.String("database", finding.DatabaseName))
}

// repairDrift re-issues the grant wholesale. Individual differences are never
// narrowed by hand.
func (a *Auditor) repairDrift(ctx context.Context, finding *Finding, granted []string) {
	finding.Reason = fmt.Sprintf("granted privileges %v differ from the minimal set", granted)
	if err := a.provisioner.Regrant(ctx, finding.DatabaseName, finding.AccountName); err != nil {
		finding.Outcome = OutcomeRepairFailed
		finding.Reason = fmt.Sprintf("regrant failed: %v", err)
		return
	}
	finding.Outcome = OutcomeRepaired
	a.logger.Warn("privilege drift repaired",
		zap.String("identity_key", finding.IdentityKey),
		zap.String("database", finding.DatabaseName))
}

// auditOrphans deprovisions backend databases that match the naming pattern
// but have no ledger record. An orphan cannot be claimed safely without a
// known owner.
func (a *Auditor) auditOrphans(ctx context.Context, report *Report, seenDatabases, seenAccounts map[string]bool) {
	names, err := a.provisioner.ListDatabases(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("backend database listing failed: %v", err))
		return
	}

	for _, databaseName := range names {
		if seenDatabases[databaseName] {
			continue
		}
		finding := Finding{DatabaseName: databaseName, Class: ClassOrphanOnBackend}

		identityKey, ok := naming.IdentityKeyFromDatabase(databaseName)
		if !ok {
			finding.Outcome = OutcomeSkipped
			finding.Reason = "name does not derive from a valid identity key"
			a.appendFinding(report, finding)
			continue
		}
		finding.IdentityKey = identityKey
		_, finding.AccountName = naming.Derive(identityKey)

		recorded, err := a.ledger.Exists(ctx, identityKey)
		if err != nil {
			finding.Outcome = OutcomeSkipped
			finding.Reason = fmt.Sprintf("ledger lookup failed: %v", err)
			a.appendFinding(report, finding)
			continue
		}
		if recorded {
			// The record page walk already covered this pair.
			continue
		}

		if err := a.provisioner.Deprovision(ctx, databaseName, finding.AccountName); err != nil {
			finding.Outcome = OutcomeRepairFailed
			finding.Reason = fmt.Sprintf("deprovision failed: %v", err)
		} else {
			finding.Outcome = OutcomeRepaired
			seenAccounts[finding.AccountName] = true
			a.logger.Warn("orphan backend database dropped",
				zap.String("database", databaseName))
		}
		a.appendFinding(report, finding)
	}
}

// auditOrphanAccounts sweeps accounts the database walk could not reach: an
// account whose database is already gone matches no schema listing, yet still
// holds credentials on the backend.
func (a *Auditor) auditOrphanAccounts(ctx context.Context, report *Report, seenAccounts map[string]bool) {
	names, err := a.provisioner.ListAccounts(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("backend account listing failed: %v", err))
		return
	}

	for _, accountName := range names {
		if seenAccounts[accountName] {
			continue
		}
		finding := Finding{AccountName: accountName, Class: ClassOrphanOnBackend}

		identityKey, ok := naming.IdentityKeyFromAccount(accountName)
		if !ok {
			finding.Outcome = OutcomeSkipped
			finding.Reason = "name does not derive from a valid identity key"
			a.appendFinding(report, finding)
			continue
		}
		finding.IdentityKey = identityKey
		finding.DatabaseName, _ = naming.Derive(identityKey)

		recorded, err := a.ledger.Exists(ctx, identityKey)
		if err != nil {
			finding.Outcome = OutcomeSkipped
			finding.Reason = fmt.Sprintf("ledger lookup failed: %v", err)
			a.appendFinding(report, finding)
			continue
		}
		if recorded {
			continue
		}

		if err := a.provisioner.Deprovision(ctx, finding.DatabaseName, accountName); err != nil {
			finding.Outcome = OutcomeRepairFailed
			finding.Reason = fmt.Sprintf("deprovision failed: %v", err)
		} else {
			finding.Outcome = OutcomeRepaired
			a.logger.Warn("orphan backend account dropped",
				zap.String("account", accountName))
		}
		a.appendFinding(report, finding)
	}
}

func (a *Auditor) appendFinding(report *Report, finding Finding) {
	switch finding.Outcome {
	case OutcomeRepaired:
		report.Repaired++
	case OutcomeRepairFailed:
		report.Failed++
	}
	report.Findings = append(report.Findings, finding)
}
