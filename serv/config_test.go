package serv

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadInConfigFS(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/config/dev.yml", []byte(`
app_name: Blog
log_level: debug
schema_file: tables.json

db_type: mysql
db_version: 8
query:
  default_limit: 25
deep:
  parallelism: 4

database:
  host: db.internal
  port: 3306
  user: blog
  password: secret
  dbname: blogdb
  pool_size: 5
`), 0o600))

	conf, err := ReadInConfigFS("/config/dev.yml", fs)
	require.NoError(t, err)

	assert.Equal(t, "Blog", conf.AppName)
	assert.Equal(t, "debug", conf.LogLevel)
	assert.Equal(t, "tables.json", conf.SchemaFile)
	assert.Equal(t, "/config", conf.ConfigPath)

	// Engine keys land on the squashed core config.
	assert.Equal(t, "mysql", conf.DBType)
	assert.Equal(t, 8, conf.DBVersion)
	assert.Equal(t, 25, conf.Query.DefaultLimit)
	assert.Equal(t, 4, conf.Deep.Parallelism)

	assert.Equal(t, "db.internal", conf.DB.Host)
	assert.Equal(t, uint16(3306), conf.DB.Port)
	assert.Equal(t, "blog", conf.DB.User)
	assert.Equal(t, "blogdb", conf.DB.DBName)
	assert.Equal(t, 5, conf.DB.PoolSize)
}

func TestReadInConfigDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/config/dev.yml", []byte("app_name: Minimal\n"), 0o600))

	conf, err := ReadInConfigFS("/config/dev.yml", fs)
	require.NoError(t, err)

	assert.Equal(t, "info", conf.LogLevel)
	assert.Equal(t, "auto", conf.LogFormat)
	assert.Equal(t, "schema.json", conf.SchemaFile)
	assert.True(t, conf.WatchAndReload)
	assert.Equal(t, "postgres", conf.DBType)
	assert.Equal(t, 10, conf.Query.DefaultLimit)
	assert.Equal(t, 8, conf.Deep.Parallelism)
	assert.Equal(t, 5*time.Minute, conf.Metadata.TTL)
	assert.Equal(t, "localhost", conf.DB.Host)
	assert.Equal(t, uint16(5432), conf.DB.Port)
}

func TestReadInConfigInherits(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/config/base.yml", []byte(`
app_name: Base
log_level: error
database:
  host: base-db
`), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/config/dev.yml", []byte(`
inherits: base
app_name: Dev
`), 0o600))

	conf, err := ReadInConfigFS("/config/dev.yml", fs)
	require.NoError(t, err)

	// The child wins where both declare a value; the parent fills the
	// rest.
	assert.Equal(t, "Dev", conf.AppName)
	assert.Equal(t, "error", conf.LogLevel)
	assert.Equal(t, "base-db", conf.DB.Host)
}

func TestReadInConfigInheritsOneLevelOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/config/root.yml", []byte("app_name: Root\n"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/config/base.yml", []byte("inherits: root\n"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/config/dev.yml", []byte("inherits: base\n"), 0o600))

	_, err := ReadInConfigFS("/config/dev.yml", fs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot itself inherit")
}

func TestReadInConfigMissing(t *testing.T) {
	_, err := ReadInConfigFS("/config/nope.yml", afero.NewMemMapFs())
	assert.Error(t, err)
}

func TestNewConfigString(t *testing.T) {
	conf, err := NewConfig(`
app_name: Inline
db_type: sqlite
mock_db: true
database:
  path: app.db
`, "yaml")
	require.NoError(t, err)

	assert.Equal(t, "Inline", conf.AppName)
	assert.Equal(t, "sqlite", conf.DBType)
	assert.True(t, conf.MockDB)
	assert.Equal(t, "app.db", conf.DB.Path)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EF_DATABASE_HOST", "env-db")
	t.Setenv("EF_DB_TYPE", "mysql")
	t.Setenv("EF_LOG_LEVEL", "warn")

	conf, err := NewConfig("app_name: EnvTest\n", "yaml")
	require.NoError(t, err)

	assert.Equal(t, "env-db", conf.DB.Host)
	assert.Equal(t, "mysql", conf.DBType)
	assert.Equal(t, "warn", conf.LogLevel)
}

func TestShouldUseJSONLogs(t *testing.T) {
	conf := &Config{Serv: Serv{LogFormat: "json"}}
	assert.True(t, conf.ShouldUseJSONLogs())

	conf = &Config{Serv: Serv{LogFormat: "auto", Production: true}}
	assert.True(t, conf.ShouldUseJSONLogs())

	conf = &Config{Serv: Serv{LogFormat: "auto"}}
	assert.False(t, conf.ShouldUseJSONLogs())

	conf = &Config{Serv: Serv{LogFormat: "simple", Production: true}}
	assert.False(t, conf.ShouldUseJSONLogs())
}

func TestAbsolutePath(t *testing.T) {
	conf := &Config{Serv: Serv{ConfigPath: "/etc/enfyra"}}

	assert.Equal(t, "/etc/enfyra/schema.json", conf.AbsolutePath("schema.json"))
	assert.Equal(t, "/data/schema.json", conf.AbsolutePath("/data/schema.json"))
}

func TestGetConfigName(t *testing.T) {
	tests := map[string]string{
		"production": "prod",
		"prod":       "prod",
		"staging":    "stage",
		"testing":    "test",
		"dev":        "dev",
		"":           "dev",
		"custom":     "custom",
	}
	for env, want := range tests {
		t.Setenv("GO_ENV", env)
		assert.Equal(t, want, GetConfigName(), "GO_ENV=%q", env)
	}
}
