package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iluwen/dormdb/internal/audit"
	"github.com/iluwen/dormdb/internal/config"
	"github.com/iluwen/dormdb/internal/database"
	"github.com/iluwen/dormdb/internal/engine"
	"github.com/iluwen/dormdb/internal/ledger"
	"github.com/iluwen/dormdb/internal/logging"
	"github.com/iluwen/dormdb/internal/naming"
	"github.com/iluwen/dormdb/internal/provision"
	"github.com/iluwen/dormdb/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dormdb-api",
		Short: "Self-service database provisioning service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Run one reconciliation pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context())
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <identity-key>",
		Short: "Tear down a provisioned database and remove its ledger record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, err := cmd.Flags().GetString("reason")
			if err != nil {
				return err
			}
			return runRevoke(cmd.Context(), args[0], reason)
		},
	}
	revokeCmd.Flags().String("reason", "operator request", "Reason recorded in the service log")

	whitelistCmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage the identity whitelist",
	}
	whitelistImportCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import whitelist entries from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overwrite, err := cmd.Flags().GetBool("overwrite")
			if err != nil {
				return err
			}
			return runWhitelistImport(cmd.Context(), args[0], overwrite)
		},
	}
	whitelistImportCmd.Flags().Bool("overwrite", false, "Update existing entries instead of skipping them")

	whitelistAddCmd := &cobra.Command{
		Use:   "add <identity-key>",
		Short: "Whitelist one identity key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			displayName, err := cmd.Flags().GetString("display-name")
			if err != nil {
				return err
			}
			groupTag, err := cmd.Flags().GetString("group")
			if err != nil {
				return err
			}
			return runWhitelistAdd(cmd.Context(), args[0], displayName, groupTag)
		},
	}
	whitelistAddCmd.Flags().String("display-name", "", "Human-readable name for the entry")
	whitelistAddCmd.Flags().String("group", "", "Group tag for filtered listings")

	whitelistRemoveCmd := &cobra.Command{
		Use:   "remove <identity-key>",
		Short: "Remove an identity key from the whitelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWhitelistRemove(cmd.Context(), args[0])
		},
	}

	whitelistListCmd := &cobra.Command{
		Use:   "list",
		Short: "Print whitelist entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWhitelistList(cmd.Context())
		},
	}

	whitelistStatsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print whitelist and provisioning counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWhitelistStats(cmd.Context())
		},
	}

	whitelistCmd.AddCommand(whitelistImportCmd, whitelistAddCmd, whitelistRemoveCmd, whitelistListCmd, whitelistStatsCmd)

	rootCmd.AddCommand(auditCmd, revokeCmd, whitelistCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite ledger path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("mysql-host", defaults.GetString("mysql.host"), "Backend MySQL host")
	cmd.PersistentFlags().Int("mysql-port", defaults.GetInt("mysql.port"), "Backend MySQL port")
	cmd.PersistentFlags().String("mysql-username", defaults.GetString("mysql.username"), "Backend MySQL admin user")
	cmd.PersistentFlags().String("mysql-password", "", "Backend MySQL admin password (overrides env)")
	cmd.PersistentFlags().String("mysql-database", defaults.GetString("mysql.database"), "Schema for the admin connection")
	cmd.PersistentFlags().String("allowed-host", defaults.GetString("mysql.allowed_host"), "Host provisioned accounts may connect from")
	cmd.PersistentFlags().Bool("dev-mode", false, "Permit the % wildcard allowed host")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "mysql.host", "mysql-host")
	bindFlag(cmd, "mysql.port", "mysql-port")
	bindFlag(cmd, "mysql.username", "mysql-username")
	bindFlag(cmd, "mysql.password", "mysql-password")
	bindFlag(cmd, "mysql.database", "mysql-database")
	bindFlag(cmd, "mysql.allowed_host", "allowed-host")
	bindFlag(cmd, "dev_mode", "dev-mode")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// application bundles the wired service components behind every subcommand.
type application struct {
	config  config.AppConfig
	logger  *zap.Logger
	ledger  *ledger.Store
	engine  *engine.Engine
	auditor *audit.Auditor

	ledgerDB *gorm.DB
}

func (a *application) Close() {
	if a.ledgerDB != nil {
		if sqlDB, err := a.ledgerDB.DB(); err == nil {
			sqlDB.Close() //nolint:errcheck
		}
	}
	if a.logger != nil {
		a.logger.Sync() //nolint:errcheck
	}
}

func buildApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	ledgerDB, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	backendDB, err := database.OpenMySQL(appConfig, logger)
	if err != nil {
		return nil, err
	}

	store, err := ledger.NewStore(ledger.StoreConfig{Database: ledgerDB})
	if err != nil {
		return nil, err
	}

	provisioner, err := provision.NewMySQLProvisioner(provision.MySQLProvisionerConfig{
		Database:    backendDB,
		AllowedHost: appConfig.AllowedHost,
		DevMode:     appConfig.DevMode,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	secrets := naming.NewSecretGenerator(naming.MinSecretLength)

	provisioningEngine, err := engine.NewEngine(engine.EngineConfig{
		Ledger:      store,
		Provisioner: provisioner,
		Secrets:     secrets,
		Host:        appConfig.MySQLHost,
		Port:        appConfig.MySQLPort,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	auditor, err := audit.NewAuditor(audit.AuditorConfig{
		Ledger:      store,
		Provisioner: provisioner,
		Secrets:     secrets,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config:   appConfig,
		logger:   logger,
		ledger:   store,
		engine:   provisioningEngine,
		auditor:  auditor,
		ledgerDB: ledgerDB,
	}, nil
}

func runServer(ctx context.Context) error {
	app, err := buildApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:  app.engine,
		Auditor: app.auditor,
		Logger:  app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runAudit(ctx context.Context) error {
	app, err := buildApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	report := app.auditor.Audit(ctx)

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if _, err := os.Stdout.Write(append(encoded, '\n')); err != nil {
		return err
	}

	if report.Failed > 0 {
		return errors.New("audit completed with failed repairs")
	}
	return nil
}

func runRevoke(ctx context.Context, identityKey, reason string) error {
	app, err := buildApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	return app.engine.Revoke(ctx, identityKey, reason)
}

func runWhitelistImport(ctx context.Context, path string, overwrite bool) error {
	app, err := buildApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	result, err := app.ledger.ImportWhitelist(ctx, string(data), overwrite)
	if err != nil {
		return err
	}

	app.logger.Info("whitelist import finished",
		zap.Int("imported", result.Imported),
		zap.Int("updated", result.Updated),
		zap.Int("rejected", len(result.Errors)))
	for _, importError := range result.Errors {
		app.logger.Warn("whitelist row rejected", zap.String("detail", importError))
	}
	return nil
}

func runWhitelistAdd(ctx context.Context, identityKey, displayName, groupTag string) error {
	app, err := buildApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	return app.ledger.AddWhitelistEntry(ctx, identityKey, displayName, groupTag)
}

func runWhitelistRemove(ctx context.Context, identityKey string) error {
	app, err := buildApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	return app.ledger.RemoveWhitelistEntry(ctx, identityKey)
}

func runWhitelistList(ctx context.Context) error {
	app, err := buildApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	entries, err := app.ledger.ListWhitelist(ctx, ledger.Pagination{})
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(encoded, '\n'))
	return err
}

func runWhitelistStats(ctx context.Context) error {
	app, err := buildApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	stats, err := app.ledger.Stats(ctx)
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(encoded, '\n'))
	return err
}
