package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iluwen/dormdb/internal/naming"
)

var (
	errMissingDatabase = errors.New("provision: backing server handle is required")
	noOpLogger         = zap.NewNop()
)

// grantClause lists the minimal privileges in statement order.
const grantClause = "SELECT, INSERT, UPDATE, DELETE, INDEX, LOCK TABLES"

// MySQLProvisionerConfig describes the dependencies of the MySQL provisioner.
type MySQLProvisionerConfig struct {
	// Database is the admin connection to the backing server.
	Database *gorm.DB
	// AllowedHost restricts where provisioned accounts may connect from.
	AllowedHost string
	// DevMode permits the "%" wildcard host. Never set in production.
	DevMode bool
	Logger  *zap.Logger
}

// MySQLProvisioner executes the ordered resource sequence against a MySQL
// server. The server has no multi-statement atomicity, so failure handling is
// a compensating-action sequence: each forward step has a known inverse,
// executed in reverse on the first failure.
type MySQLProvisioner struct {
	db          *gorm.DB
	allowedHost string
	logger      *zap.Logger
}

// NewMySQLProvisioner constructs the provisioner and validates the host pattern.
func NewMySQLProvisioner(cfg MySQLProvisionerConfig) (*MySQLProvisioner, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	host := cfg.AllowedHost
	if host == "" {
		host = "localhost"
	}
	if err := naming.ValidateHost(host, cfg.DevMode); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &MySQLProvisioner{db: cfg.Database, allowedHost: host, logger: logger}, nil
}

type provisionStep struct {
	name   string
	apply  func(ctx context.Context) error
	revert func(ctx context.Context) error
}

// Provision runs the forward sequence: create database, create account, grant
// the minimal set, flush privileges. On failure at step k the inverses of
// steps k-1..1 run before the error is returned, so no dangling database or
// account remains unless compensation itself fails.
func (p *MySQLProvisioner) Provision(ctx context.Context, databaseName, accountName, secret string) error {
	if err := p.validateNames(databaseName, accountName); err != nil {
		return err
	}

	steps := []provisionStep{
		{
			name: "create_database",
			apply: func(ctx context.Context) error {
				return p.exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", databaseName))
			},
			revert: func(ctx context.Context) error {
				return p.exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", databaseName))
			},
		},
		{
			name: "create_account",
			apply: func(ctx context.Context) error {
				// The secret is bound as a parameter, never spliced into the
				// statement text.
				statement := fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%s' IDENTIFIED BY ?", accountName, p.allowedHost)
				return p.db.WithContext(ctx).Exec(statement, secret).Error
			},
			revert: func(ctx context.Context) error {
				return p.exec(ctx, fmt.Sprintf("DROP USER IF EXISTS '%s'@'%s'", accountName, p.allowedHost))
			},
		},
		{
			name: "grant_privileges",
			apply: func(ctx context.Context) error {
				return p.exec(ctx, fmt.Sprintf("GRANT %s ON `%s`.* TO '%s'@'%s'", grantClause, databaseName, accountName, p.allowedHost))
			},
			revert: func(ctx context.Context) error {
				return p.exec(ctx, fmt.Sprintf("REVOKE ALL PRIVILEGES ON `%s`.* FROM '%s'@'%s'", databaseName, accountName, p.allowedHost))
			},
		},
		{
			name: "flush_privileges",
			apply: func(ctx context.Context) error {
				return p.exec(ctx, "FLUSH PRIVILEGES")
			},
			revert: func(ctx context.Context) error {
				return nil
			},
		},
	}

	for index, step := range steps {
		err := step.apply(ctx)
		if err == nil {
			continue
		}
		failure := classify(err, step.name)
		p.logger.Warn("provisioning step failed, compensating",
			zap.String("step", step.name),
			zap.String("database", databaseName),
			zap.Error(err))

		for revertIndex := index - 1; revertIndex >= 0; revertIndex-- {
			if revertErr := steps[revertIndex].revert(ctx); revertErr != nil {
				p.logger.Error("compensation failed, backend left partially provisioned",
					zap.String("step", steps[revertIndex].name),
					zap.String("database", databaseName),
					zap.Error(revertErr))
				return &Error{
					Kind: KindPartialUnrecovered,
					Step: steps[revertIndex].name,
					Err:  fmt.Errorf("compensating %v: %w", failure, revertErr),
				}
			}
		}
		if index > 0 {
			// Compensation succeeded; the caller sees the original failure
			// while the recovery itself is a log event.
			p.logger.Info("partial provisioning rolled back",
				zap.String("classification", string(KindPartialRecovered)),
				zap.String("failed_step", step.name),
				zap.String("database", databaseName))
		}
		return failure
	}

	p.logger.Info("resources provisioned",
		zap.String("database", databaseName),
		zap.String("account", accountName),
		zap.String("host", p.allowedHost))
	return nil
}

// Deprovision drops the account first, then the database. Both statements use
// IF EXISTS, so deprovisioning absent resources succeeds.
func (p *MySQLProvisioner) Deprovision(ctx context.Context, databaseName, accountName string) error {
	if err := p.validateNames(databaseName, accountName); err != nil {
		return err
	}
	if err := p.exec(ctx, fmt.Sprintf("DROP USER IF EXISTS '%s'@'%s'", accountName, p.allowedHost)); err != nil {
		return classify(err, "drop_account")
	}
	if err := p.exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", databaseName)); err != nil {
		return classify(err, "drop_database")
	}
	if err := p.exec(ctx, "FLUSH PRIVILEGES"); err != nil {
		return classify(err, "flush_privileges")
	}
	p.logger.Info("resources deprovisioned",
		zap.String("database", databaseName),
		zap.String("account", accountName))
	return nil
}

// Introspect reports the actual backend state for the name pair using the
// server's own catalogs.
func (p *MySQLProvisioner) Introspect(ctx context.Context, databaseName, accountName string) (*ResourceSet, error) {
	if err := p.validateNames(databaseName, accountName); err != nil {
		return nil, err
	}

	var databaseCount int64
	err := p.db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?", databaseName).
		Scan(&databaseCount).Error
	if err != nil {
		return nil, classify(err, "introspect_database")
	}

	var accountCount int64
	err = p.db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM mysql.user WHERE User = ? AND Host = ?", accountName, p.allowedHost).
		Scan(&accountCount).Error
	if err != nil {
		return nil, classify(err, "introspect_account")
	}

	if databaseCount == 0 && accountCount == 0 {
		return nil, nil
	}

	resourceSet := &ResourceSet{
		DatabaseName:   databaseName,
		AccountName:    accountName,
		DatabaseExists: databaseCount > 0,
		AccountExists:  accountCount > 0,
	}

	if accountCount > 0 {
		grantee := fmt.Sprintf("'%s'@'%s'", accountName, p.allowedHost)
		err = p.db.WithContext(ctx).
			Raw("SELECT PRIVILEGE_TYPE FROM information_schema.SCHEMA_PRIVILEGES WHERE TABLE_SCHEMA = ? AND GRANTEE = ?", databaseName, grantee).
			Scan(&resourceSet.Privileges).Error
		if err != nil {
			return nil, classify(err, "introspect_privileges")
		}
	}

	return resourceSet, nil
}

// Regrant revokes whatever the account holds on the database and re-issues the
// minimal grant. It never narrows individual differences.
func (p *MySQLProvisioner) Regrant(ctx context.Context, databaseName, accountName string) error {
	if err := p.validateNames(databaseName, accountName); err != nil {
		return err
	}
	revoke := fmt.Sprintf("REVOKE ALL PRIVILEGES ON `%s`.* FROM '%s'@'%s'", databaseName, accountName, p.allowedHost)
	if err := p.exec(ctx, revoke); err != nil {
		// The account may hold nothing yet; MySQL reports that as an error.
		p.logger.Debug("revoke before regrant reported an error",
			zap.String("database", databaseName),
			zap.Error(err))
	}
	grant := fmt.Sprintf("GRANT %s ON `%s`.* TO '%s'@'%s'", grantClause, databaseName, accountName, p.allowedHost)
	if err := p.exec(ctx, grant); err != nil {
		return classify(err, "regrant")
	}
	if err := p.exec(ctx, "FLUSH PRIVILEGES"); err != nil {
		return classify(err, "flush_privileges")
	}
	return nil
}

// ListDatabases enumerates databases whose names match the deterministic
// naming pattern.
func (p *MySQLProvisioner) ListDatabases(ctx context.Context) ([]string, error) {
	pattern := strings.ReplaceAll(naming.DatabasePrefix, "_", "\\_") + "%"
	var names []string
	err := p.db.WithContext(ctx).
		Raw("SELECT SCHEMA_NAME FROM information_schema.SCHEMATA WHERE SCHEMA_NAME LIKE ?", pattern).
		Scan(&names).Error
	if err != nil {
		return nil, classify(err, "list_databases")
	}
	return names, nil
}

// ListAccounts enumerates accounts at the allowed host whose names match the
// deterministic naming pattern.
func (p *MySQLProvisioner) ListAccounts(ctx context.Context) ([]string, error) {
	pattern := strings.ReplaceAll(naming.AccountPrefix, "_", "\\_") + "%"
	var names []string
	err := p.db.WithContext(ctx).
		Raw("SELECT user FROM mysql.user WHERE user LIKE ? AND host = ?", pattern, p.allowedHost).
		Scan(&names).Error
	if err != nil {
		return nil, classify(err, "list_accounts")
	}
	return names, nil
}

func (p *MySQLProvisioner) validateNames(databaseName, accountName string) error {
	if err := naming.ValidateIdentifier(databaseName); err != nil {
		return &Error{Kind: KindInternal, Step: "validate_names", Err: err}
	}
	if err := naming.ValidateIdentifier(accountName); err != nil {
		return &Error{Kind: KindInternal, Step: "validate_names", Err: err}
	}
	return nil
}

func (p *MySQLProvisioner) exec(ctx context.Context, statement string) error {
	return p.db.WithContext(ctx).Exec(statement).Error
}

// MySQL error numbers that matter for the taxonomy.
const (
	mysqlErrDatabaseExists   = 1007
	mysqlErrDBAccessDenied   = 1044
	mysqlErrAccessDenied     = 1045
	mysqlErrTableAccess      = 1142
	mysqlErrSpecificAccess   = 1227
	mysqlErrCannotCreateUser = 1396
)

func classify(err error, step string) error {
	var alreadyClassified *Error
	if errors.As(err, &alreadyClassified) {
		return err
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrDBAccessDenied, mysqlErrAccessDenied, mysqlErrTableAccess, mysqlErrSpecificAccess:
			return &Error{Kind: KindPermissionDenied, Step: step, Err: err}
		case mysqlErrDatabaseExists, mysqlErrCannotCreateUser:
			return &Error{Kind: KindResourceExists, Step: step, Err: err}
		default:
			return &Error{Kind: KindInternal, Step: step, Err: err}
		}
	}

	// Anything that is not a server-reported error is a transport problem:
	// dial failures, dropped connections, cancelled contexts.
	return &Error{Kind: KindConnectionFailed, Step: step, Err: err}
}
