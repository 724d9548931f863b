package serv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/enfyra/server-sub006/core"
)

// Core is the engine configuration embedded in the service config.
type Core = core.Config

// Config holds the full service configuration: the engine core plus the
// service-level settings around it.
type Config struct {
	// Configuration for the query engine core
	Core `mapstructure:",squash" jsonschema:"title=Engine Configuration"`

	// Configuration for the service
	Serv `mapstructure:",squash" jsonschema:"title=Service Configuration"`

	vi *viper.Viper
}

// Serv holds the service-level configuration.
type Serv struct {
	// Application name is used in log messages
	AppName string `mapstructure:"app_name" jsonschema:"title=Application Name"`

	// When enabled runs the service with production defaults, for
	// example JSON log output
	Production bool `jsonschema:"title=Production Mode,default=false"`

	// The default path to find all configuration files
	ConfigPath string `mapstructure:"config_path" jsonschema:"title=Config Path"`

	// Logging level must be one of debug, error, warn, info
	LogLevel string `mapstructure:"log_level" jsonschema:"title=Log Level,enum=debug,enum=error,enum=warn,enum=info"`

	// Logging format: "auto" (colored console in dev, JSON in
	// production), "json" or "simple"
	LogFormat string `mapstructure:"log_format" jsonschema:"title=Logging Format,enum=auto,enum=json,enum=simple"`

	// Path of the table metadata file, relative to the config path
	SchemaFile string `mapstructure:"schema_file" jsonschema:"title=Schema File"`

	// Enables reloading the engine when the schema file changes.
	// Disabled in production
	WatchAndReload bool `mapstructure:"reload_on_schema_change" jsonschema:"title=Reload On Schema Change"`

	// Database configuration
	DB Database `mapstructure:"database" jsonschema:"title=Database"`
}

// Database configuration
type Database struct {
	ConnString string `mapstructure:"connection_string" jsonschema:"title=Connection String"`
	Type       string `jsonschema:"title=Type,enum=postgres,enum=mysql,enum=sqlite,enum=mongodb"`
	Host       string `jsonschema:"title=Host"`
	Port       uint16 `jsonschema:"title=Port"`
	DBName     string `jsonschema:"title=Database Name"`
	User       string `jsonschema:"title=User"`
	Password   string `jsonschema:"title=Password"`
	Schema     string `jsonschema:"title=Postgres Schema"`

	// Path of the database file for file-backed engines like sqlite
	Path string `jsonschema:"title=Database File Path"`

	// Size of database connection pool
	PoolSize int `mapstructure:"pool_size" jsonschema:"title=Connection Pool Size"`

	// Max number of active database connections allowed
	MaxConnections int `mapstructure:"max_connections" jsonschema:"title=Maximum Connections"`

	// Max time after which idle database connections are closed
	MaxConnIdleTime time.Duration `mapstructure:"max_connection_idle_time" jsonschema:"title=Connection Idle Time"`

	// Max time after which database connections are not reused
	MaxConnLifeTime time.Duration `mapstructure:"max_connection_life_time" jsonschema:"title=Connection Life Time"`

	// Set up a secure TLS encrypted database connection
	EnableTLS bool `mapstructure:"enable_tls" jsonschema:"title=Enable TLS"`

	// Required for TLS. For example with Google Cloud SQL it's
	// <gcp-project-id>:<cloud-sql-instance>
	ServerName string `mapstructure:"server_name" jsonschema:"title=TLS Server Name"`

	// Required for TLS. Can be a file path or the contents of the PEM file
	ServerCert string `mapstructure:"server_cert" jsonschema:"title=Server Certificate"`

	// Required for TLS. Can be a file path or the contents of the PEM file
	ClientCert string `mapstructure:"client_cert" jsonschema:"title=Client Certificate"`

	// Required for TLS. Can be a file path or the contents of the PEM file
	ClientKey string `mapstructure:"client_key" jsonschema:"title=Client Key"`
}

// ReadInConfig reads in the config file at the given path. A config may
// name another one in `inherits`; the named file is read first and the
// original merged over it, one level deep.
func ReadInConfig(configFile string) (*Config, error) {
	return readInConfig(configFile, nil)
}

// ReadInConfigFS is the same as ReadInConfig but reads through the
// given filesystem.
func ReadInConfigFS(configFile string, fs afero.Fs) (*Config, error) {
	return readInConfig(configFile, fs)
}

func readInConfig(configFile string, fs afero.Fs) (*Config, error) {
	cp := filepath.Dir(configFile)
	vi := newViper(cp, filepath.Base(configFile))

	if fs != nil {
		vi.SetFs(fs)
	}

	if err := vi.ReadInConfig(); err != nil {
		return nil, err
	}

	if pcf := vi.GetString("inherits"); pcf != "" {
		cf := vi.ConfigFileUsed()
		vi = newViper(cp, pcf)
		if fs != nil {
			vi.SetFs(fs)
		}

		if err := vi.ReadInConfig(); err != nil {
			return nil, err
		}

		if value := vi.GetString("inherits"); value != "" {
			return nil, fmt.Errorf("inherited config %q cannot itself inherit %q", pcf, value)
		}

		vi.SetConfigFile(cf)

		if err := vi.MergeInConfig(); err != nil {
			return nil, err
		}
	}

	config := &Config{vi: vi}
	config.ConfigPath = cp

	if err := vi.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	return config, nil
}

// NewConfig creates a configuration from the provided config string.
func NewConfig(config, format string) (*Config, error) {
	if format == "" {
		format = "yaml"
	}

	vi := newViperWithDefaults()
	vi.SetConfigType(format)

	if err := vi.ReadConfig(strings.NewReader(config)); err != nil {
		return nil, err
	}

	c := &Config{vi: vi}

	if err := vi.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	return c, nil
}

// newViperWithDefaults returns a new viper instance with the default
// settings. Every key carries a default so the EF_ environment
// overrides bind even without a config file.
func newViperWithDefaults() *viper.Viper {
	vi := viper.New()

	vi.SetDefault("app_name", "Enfyra")
	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "auto")
	vi.SetDefault("schema_file", "schema.json")
	vi.SetDefault("reload_on_schema_change", true)

	vi.SetDefault("db_type", "postgres")
	vi.SetDefault("db_version", 0)
	vi.SetDefault("debug", false)
	vi.SetDefault("mock_db", false)
	vi.SetDefault("metadata.ttl", 5*time.Minute)
	vi.SetDefault("query.default_limit", 10)
	vi.SetDefault("deep.parallelism", 8)

	vi.SetDefault("database.type", "postgres")
	vi.SetDefault("database.host", "localhost")
	vi.SetDefault("database.port", 5432)
	vi.SetDefault("database.user", "postgres")
	vi.SetDefault("database.password", "")
	vi.SetDefault("database.schema", "public")
	vi.SetDefault("database.pool_size", 10)

	vi.SetDefault("env", "development")

	vi.SetEnvPrefix("EF")
	vi.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vi.AutomaticEnv()

	vi.BindEnv("env", "GO_ENV") //nolint:errcheck

	return vi
}

// newViper returns a new viper instance bound to the given config file.
func newViper(configPath, configFile string) *viper.Viper {
	vi := newViperWithDefaults()
	vi.SetConfigName(strings.TrimSuffix(configFile, filepath.Ext(configFile)))

	if configPath == "" {
		vi.AddConfigPath("./config")
	} else {
		vi.AddConfigPath(configPath)
	}

	return vi
}

// AbsolutePath returns the absolute path of the file, resolving it
// against the config path when relative.
func (c *Config) AbsolutePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ConfigPath, p)
}

// ShouldUseJSONLogs returns true if logs should be in JSON format:
// when log_format is "json", or "auto" with production mode enabled.
func (c *Config) ShouldUseJSONLogs() bool {
	if c.LogFormat == "json" {
		return true
	}
	if c.LogFormat == "auto" && c.Serv.Production {
		return true
	}
	return false
}

// GetConfigName returns the configuration name for the environment set
// in GO_ENV.
func GetConfigName() string {
	goEnv := strings.TrimSpace(strings.ToLower(os.Getenv("GO_ENV")))

	switch goEnv {
	case "production", "prod":
		return "prod"

	case "staging", "stage":
		return "stage"

	case "testing", "test":
		return "test"

	case "development", "dev", "":
		return "dev"

	default:
		return goEnv
	}
}
