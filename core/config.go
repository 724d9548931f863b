package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/enfyra/server-sub006/core/internal/meta"
)

// Table, Column and Relation re-export the metadata contract, so
// callers declare schemas without reaching into internal packages.
type (
	Table    = meta.Table
	Column   = meta.Column
	Relation = meta.Relation
	ColType  = meta.ColType
)

// Logical column types accepted by the metadata contract.
const (
	TypeInteger   = meta.TypeInteger
	TypeBigInt    = meta.TypeBigInt
	TypeUUID      = meta.TypeUUID
	TypeText      = meta.TypeText
	TypeVarchar   = meta.TypeVarchar
	TypeBoolean   = meta.TypeBoolean
	TypeDecimal   = meta.TypeDecimal
	TypeFloat     = meta.TypeFloat
	TypeDate      = meta.TypeDate
	TypeDateTime  = meta.TypeDateTime
	TypeTimestamp = meta.TypeTimestamp
	TypeEnum      = meta.TypeEnum
	TypeJSON      = meta.TypeJSON
)

// Relation cardinalities.
const (
	OneToOne   = meta.OneToOne
	ManyToOne  = meta.ManyToOne
	OneToMany  = meta.OneToMany
	ManyToMany = meta.ManyToMany
)

// SupportedDBTypes lists the database types the engine can execute
// against.
var SupportedDBTypes = []string{"postgres", "mysql", "sqlite", "mongodb"}

// ValidateDBType checks if the given database type is supported.
func ValidateDBType(dbType string) error {
	if dbType == "" {
		return nil // empty defaults to postgres
	}
	dbType = normalizeDBType(dbType)
	for _, t := range SupportedDBTypes {
		if strings.EqualFold(dbType, t) {
			return nil
		}
	}
	return fmt.Errorf("unsupported database type %q: supported types are %s",
		dbType, strings.Join(SupportedDBTypes, ", "))
}

// normalizeDBType folds the common aliases onto the canonical names.
func normalizeDBType(dbType string) string {
	switch strings.ToLower(dbType) {
	case "", "postgresql", "pgx", "postgres":
		return "postgres"
	case "mariadb", "mysql":
		return "mysql"
	case "sqlite3", "sqlite":
		return "sqlite"
	case "mongo", "mongodb":
		return "mongodb"
	}
	return strings.ToLower(dbType)
}

// Config holds the engine configuration. Every field has a working
// default; a zero Config runs against postgres.
type Config struct {
	// DBType selects the backend: postgres, mysql, sqlite or mongodb
	DBType string `mapstructure:"db_type" json:"db_type" yaml:"db_type" jsonschema:"title=Database Type,default=postgres"`

	// DBVersion is the major server version where it changes what the
	// dialect may emit (mysql grew CTEs in 8)
	DBVersion int `mapstructure:"db_version" json:"db_version" yaml:"db_version" jsonschema:"title=Database Version"`

	// Metadata controls the table metadata snapshot
	Metadata MetadataConfig `mapstructure:"metadata" json:"metadata" yaml:"metadata" jsonschema:"title=Metadata"`

	// Query controls request defaulting
	Query QueryConfig `mapstructure:"query" json:"query" yaml:"query" jsonschema:"title=Query"`

	// Deep controls deep-relation resolution
	Deep DeepConfig `mapstructure:"deep" json:"deep" yaml:"deep" jsonschema:"title=Deep Relations"`

	// Debug enables per-request statement logging
	Debug bool `mapstructure:"debug" json:"debug" yaml:"debug" jsonschema:"title=Debug,default=false"`

	// MockDB skips the database and serves plan-shaped fake rows; used
	// to try requests before a backend exists
	MockDB bool `mapstructure:"mock_db" json:"mock_db" yaml:"mock_db" jsonschema:"title=Mock DB,default=false"`
}

// MetadataConfig controls how table metadata is held and refreshed.
type MetadataConfig struct {
	// TTL is the maximum snapshot age before a background refresh.
	// Negative disables refresh entirely; the snapshot then only
	// changes via Reload
	TTL time.Duration `mapstructure:"ttl" json:"ttl" yaml:"ttl" jsonschema:"title=Metadata TTL,default=5m"`
}

// QueryConfig controls request defaulting.
type QueryConfig struct {
	// DefaultLimit is the page size applied when a request leaves
	// limit unset; an explicit limit of 0 means unbounded
	DefaultLimit int `mapstructure:"default_limit" json:"default_limit" yaml:"default_limit" jsonschema:"title=Default Limit,default=10"`
}

// DeepConfig controls deep-relation resolution.
type DeepConfig struct {
	// Parallelism bounds the concurrent fan-out of deep-relation and
	// post-fetch queries so they cannot starve the connection pool
	Parallelism int `mapstructure:"parallelism" json:"parallelism" yaml:"parallelism" jsonschema:"title=Deep Parallelism,default=8"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := ValidateDBType(c.DBType); err != nil {
		return err
	}
	if c.Query.DefaultLimit < 0 {
		return fmt.Errorf("query.default_limit must be >= 0, got %d", c.Query.DefaultLimit)
	}
	if c.Deep.Parallelism < 0 {
		return fmt.Errorf("deep.parallelism must be >= 0, got %d", c.Deep.Parallelism)
	}
	return nil
}

func (c *Config) setDefaults() {
	c.DBType = normalizeDBType(c.DBType)
	if c.Metadata.TTL == 0 {
		c.Metadata.TTL = 5 * time.Minute
	}
	if c.Metadata.TTL < 0 {
		c.Metadata.TTL = 0
	}
	if c.Query.DefaultLimit == 0 {
		c.Query.DefaultLimit = 10
	}
	if c.Deep.Parallelism == 0 {
		c.Deep.Parallelism = 8
	}
}
