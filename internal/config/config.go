package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "DORMDB"
	defaultHTTPAddress  = "0.0.0.0:3000"
	defaultDatabasePath = "dormdb_state.db"
	defaultLogLevel     = "info"
	defaultMySQLHost    = "127.0.0.1"
	defaultMySQLPort    = 3306
	defaultMySQLUser    = "root"
	defaultMySQLSchema  = "mysql"
	defaultAllowedHost  = "localhost"
)

// AppConfig captures runtime configuration for the provisioning service.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	MySQLHost     string
	MySQLPort     int
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string
	// AllowedHost restricts where provisioned accounts may connect from.
	AllowedHost string
	// DevMode loosens the AllowedHost wildcard guard. Never set in production.
	DevMode bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("mysql.host", defaultMySQLHost)
	configViper.SetDefault("mysql.port", defaultMySQLPort)
	configViper.SetDefault("mysql.username", defaultMySQLUser)
	configViper.SetDefault("mysql.database", defaultMySQLSchema)
	configViper.SetDefault("mysql.allowed_host", defaultAllowedHost)
	configViper.SetDefault("dev_mode", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		MySQLHost:     configViper.GetString("mysql.host"),
		MySQLPort:     configViper.GetInt("mysql.port"),
		MySQLUser:     configViper.GetString("mysql.username"),
		MySQLPassword: configViper.GetString("mysql.password"),
		MySQLDatabase: configViper.GetString("mysql.database"),
		AllowedHost:   configViper.GetString("mysql.allowed_host"),
		DevMode:       configViper.GetBool("dev_mode"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.MySQLPassword) == "" {
		return fmt.Errorf("mysql.password is required")
	}
	if c.MySQLPort <= 0 || c.MySQLPort > 65535 {
		return fmt.Errorf("mysql.port %d is out of range", c.MySQLPort)
	}
	if c.AllowedHost == "%" && !c.DevMode {
		return fmt.Errorf("mysql.allowed_host may only be %% when dev_mode is set")
	}
	return nil
}
