package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/iluwen/dormdb/internal/ledger"
	"github.com/iluwen/dormdb/internal/naming"
	"github.com/iluwen/dormdb/internal/provision"
)

// ErrorKind is the stable failure classification callers dispatch on.
type ErrorKind string

const (
	// KindInvalidInput covers malformed or non-whitelisted identity keys.
	// User-correctable; not retryable as-is.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindDuplicateIdentity is terminal for the identity key.
	KindDuplicateIdentity ErrorKind = "duplicate_identity"
	// KindBackendUnavailable is retryable by the caller after a delay.
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	// KindProvisionFailed covers backend failures that were fully compensated.
	KindProvisionFailed ErrorKind = "provision_failed"
	// KindPartialUnrecovered means compensation failed and the backend may
	// hold dangling resources. Escalated, never presented as success.
	KindPartialUnrecovered ErrorKind = "partial_failure_unrecovered"
	// KindInternal covers ledger and infrastructure failures.
	KindInternal ErrorKind = "internal"
)

// Error tags an engine failure with its kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine: %s", e.Kind)
	}
	return fmt.Sprintf("engine: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from an error chain, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindInternal
}

// Credentials is returned exactly once per successful application. The secret
// is never stored and cannot be retrieved again.
type Credentials struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	DatabaseName string `json:"database_name"`
	AccountName  string `json:"account_name"`
	Secret       string `json:"secret"`
	DSN          string `json:"dsn"`
}

// Ledger is the slice of the ledger store the engine depends on.
type Ledger interface {
	IsWhitelisted(ctx context.Context, identityKey string) (bool, error)
	Exists(ctx context.Context, identityKey string) (bool, error)
	Record(ctx context.Context, identityKey, databaseName, accountName string) error
	Get(ctx context.Context, identityKey string) (ledger.ProvisioningRecord, error)
	Remove(ctx context.Context, identityKey string) error
	List(ctx context.Context, filter ledger.Filter, page ledger.Pagination) ([]ledger.ProvisioningRecord, error)
}

// EngineConfig describes the dependencies of the provisioning engine.
type EngineConfig struct {
	Ledger      Ledger
	Provisioner provision.Provisioner
	Secrets     naming.SecretGenerator
	// Host and Port are what provisioned accounts connect to; they are
	// reported back in Credentials.
	Host   string
	Port   int
	Logger *zap.Logger
}

// Engine orchestrates a provisioning run: validate, check the ledger, derive
// names, provision backend resources, commit to the ledger. Requests may run
// concurrently; the ledger's uniqueness constraint is the sole arbiter of
// first-writer-wins and no in-process lock is held across I/O.
type Engine struct {
	ledger      Ledger
	provisioner provision.Provisioner
	secrets     naming.SecretGenerator
	host        string
	port        int
	logger      *zap.Logger
}

var (
	errMissingLedger      = errors.New("engine: ledger dependency required")
	errMissingProvisioner = errors.New("engine: provisioner dependency required")
	errMissingSecrets     = errors.New("engine: secret generator required")
	errNotWhitelisted     = errors.New("engine: identity key is not whitelisted")
	errAlreadyProvisioned = errors.New("engine: identity key already has a database")
	noOpLogger            = zap.NewNop()
)

// NewEngine constructs the provisioning engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
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
	return &Engine{
		ledger:      cfg.Ledger,
		provisioner: cfg.Provisioner,
		secrets:     cfg.Secrets,
		host:        cfg.Host,
		port:        cfg.Port,
		logger:      logger,
	}, nil
}

// SubmitApplication provisions an isolated database and account for the
// identity key and commits the result to the ledger. On any failure after
// backend mutation the just-created resources are torn down, so a retried
// submission either finds a duplicate (the first attempt won) or proceeds on
// a clean backend.
func (e *Engine) SubmitApplication(ctx context.Context, identityKey string) (Credentials, error) {
	if err := naming.ValidateIdentityKey(identityKey); err != nil {
		return Credentials{}, &Error{Kind: KindInvalidInput, Err: err}
	}

	whitelisted, err := e.ledger.IsWhitelisted(ctx, identityKey)
	if err != nil {
		return Credentials{}, &Error{Kind: KindInternal, Err: err}
	}
	if !whitelisted {
		e.logger.Warn("application rejected, identity key not whitelisted",
			zap.String("identity_key", identityKey))
		return Credentials{}, &Error{Kind: KindInvalidInput, Err: errNotWhitelisted}
	}

	databaseName, accountName := naming.Derive(identityKey)

	// Fast path only. Two concurrent requests for the same key may both pass
	// this check; the Record constraint below decides the winner.
	exists, err := e.ledger.Exists(ctx, identityKey)
	if err != nil {
		return Credentials{}, &Error{Kind: KindInternal, Err: err}
	}
	if exists {
		return Credentials{}, &Error{Kind: KindDuplicateIdentity, Err: errAlreadyProvisioned}
	}

	secret, err := e.secrets.GenerateSecret()
	if err != nil {
		return Credentials{}, &Error{Kind: KindInternal, Err: err}
	}

	if err := e.provisioner.Provision(ctx, databaseName, accountName, secret); err != nil {
		return Credentials{}, e.classifyProvisionFailure(identityKey, err)
	}

	if err := e.ledger.Record(ctx, identityKey, databaseName, accountName); err != nil {
		return Credentials{}, e.handleCommitFailure(ctx, identityKey, databaseName, accountName, err)
	}

	e.logger.Info("application succeeded",
		zap.String("identity_key", identityKey),
		zap.String("database", databaseName),
		zap.String("account", accountName))

	return Credentials{
		Host:         e.host,
		Port:         e.port,
		DatabaseName: databaseName,
		AccountName:  accountName,
		Secret:       secret,
		DSN:          formatDSN(e.host, e.port, databaseName, accountName, secret),
	}, nil
}

// classifyProvisionFailure maps provisioner kinds onto the engine taxonomy.
// No ledger mutation has happened on this path.
func (e *Engine) classifyProvisionFailure(identityKey string, err error) error {
	switch provision.KindOf(err) {
	case provision.KindConnectionFailed:
		return &Error{Kind: KindBackendUnavailable, Err: err}
	case provision.KindPartialUnrecovered:
		e.escalatePartialFailure(identityKey, err)
		return &Error{Kind: KindPartialUnrecovered, Err: err}
	default:
		e.logger.Error("provisioning failed",
			zap.String("identity_key", identityKey),
			zap.Error(err))
		return &Error{Kind: KindProvisionFailed, Err: err}
	}
}

// handleCommitFailure tears down the just-created backend resources when the
// ledger commit fails. Losing the uniqueness race is the one case where
// resources are intentionally removed after a successful provisioning run.
func (e *Engine) handleCommitFailure(ctx context.Context, identityKey, databaseName, accountName string, commitErr error) error {
	lostRace := errors.Is(commitErr, ledger.ErrDuplicateIdentity)
	if lostRace {
		e.logger.Info("lost ledger race, deprovisioning own resources",
			zap.String("identity_key", identityKey))
	} else {
		e.logger.Error("ledger commit failed, deprovisioning",
			zap.String("identity_key", identityKey),
			zap.Error(commitErr))
	}

	if err := e.provisioner.Deprovision(ctx, databaseName, accountName); err != nil {
		e.escalatePartialFailure(identityKey, err)
		return &Error{Kind: KindPartialUnrecovered, Err: fmt.Errorf("commit failed (%v) and teardown failed: %w", commitErr, err)}
	}

	if lostRace {
		return &Error{Kind: KindDuplicateIdentity, Err: commitErr}
	}
	return &Error{Kind: KindInternal, Err: commitErr}
}

// escalatePartialFailure surfaces the most dangerous state with a stable code
// so operators can alert on it. The auditor repairs it on its next run.
func (e *Engine) escalatePartialFailure(identityKey string, err error) {
	e.logger.Error("partial failure left unrecovered state on the backend",
		zap.String("code", string(KindPartialUnrecovered)),
		zap.String("identity_key", identityKey),
		zap.Error(err))
}

// Revoke removes an identity's backend resources and its ledger record
// together. Backend first: if the drop fails the ledger still names the
// resources and the auditor can retry the pair.
func (e *Engine) Revoke(ctx context.Context, identityKey, reason string) error {
	if err := naming.ValidateIdentityKey(identityKey); err != nil {
		return &Error{Kind: KindInvalidInput, Err: err}
	}

	// Prefer the recorded names; fall back to derived ones when no record
	// exists so a retried revoke still clears backend remnants.
	databaseName, accountName := naming.Derive(identityKey)
	record, err := e.ledger.Get(ctx, identityKey)
	switch {
	case err == nil:
		databaseName, accountName = record.DatabaseName, record.AccountName
	case !errors.Is(err, ledger.ErrRecordNotFound):
		return &Error{Kind: KindInternal, Err: err}
	}

	e.logger.Info("revoking provisioned resources",
		zap.String("identity_key", identityKey),
		zap.String("reason", reason))

	if err := e.provisioner.Deprovision(ctx, databaseName, accountName); err != nil {
		if provision.KindOf(err) == provision.KindConnectionFailed {
			return &Error{Kind: KindBackendUnavailable, Err: err}
		}
		return &Error{Kind: KindInternal, Err: err}
	}
	if err := e.ledger.Remove(ctx, identityKey); err != nil {
		return &Error{Kind: KindInternal, Err: err}
	}
	return nil
}

// ListRecords exposes the ledger for administrative listing. No secrets are
// held anywhere to leak.
func (e *Engine) ListRecords(ctx context.Context, filter ledger.Filter, page ledger.Pagination) ([]ledger.ProvisioningRecord, error) {
	records, err := e.ledger.List(ctx, filter, page)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Err: err}
	}
	return records, nil
}

func formatDSN(host string, port int, databaseName, accountName, secret string) string {
	cfg := mysql.NewConfig()
	cfg.User = accountName
	cfg.Passwd = secret
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = databaseName
	return cfg.FormatDSN()
}
