package database

import (
	"net"
	"strconv"

	driver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/iluwen/dormdb/internal/config"
)

// OpenMySQL connects to the backend server with the administrative account
// used for provisioning. No migrations run here: the backend's schemas are
// managed through provisioning statements, never through gorm's automigrate.
func OpenMySQL(cfg config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	dsnConfig := driver.NewConfig()
	dsnConfig.User = cfg.MySQLUser
	dsnConfig.Passwd = cfg.MySQLPassword
	dsnConfig.Net = "tcp"
	dsnConfig.Addr = net.JoinHostPort(cfg.MySQLHost, strconv.Itoa(cfg.MySQLPort))
	dsnConfig.DBName = cfg.MySQLDatabase
	dsnConfig.ParseTime = true

	db, err := gorm.Open(gormmysql.Open(dsnConfig.FormatDSN()), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("backend database connected",
			zap.String("host", cfg.MySQLHost),
			zap.Int("port", cfg.MySQLPort),
			zap.String("username", cfg.MySQLUser))
	}

	return db, nil
}
