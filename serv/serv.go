package serv

import (
	"database/sql"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/enfyra/server-sub006/core"
	"github.com/enfyra/server-sub006/serv/internal/util"
)

var version string

const (
	logLevelNone int = iota
	logLevelInfo
	logLevelWarn
	logLevelError
	logLevelDebug
)

// Service is a thread-safe handle on the running service.
type Service struct {
	atomic.Value
	closeOnce sync.Once
}

type service struct {
	conf     *Config
	db       *sql.DB
	log      *zap.SugaredLogger
	zlog     *zap.Logger
	logLevel int
	fs       afero.Fs
	engine   *core.Engine
	done     chan struct{}
}

// Option modifies the service during construction.
type Option func(*service) error

// OptionSetDB sets a pre-opened database connection; the service then
// skips opening its own.
func OptionSetDB(db *sql.DB) Option {
	return func(s *service) error {
		s.db = db
		return nil
	}
}

// OptionSetFS sets the filesystem config and schema files are read
// through.
func OptionSetFS(fs afero.Fs) Option {
	return func(s *service) error {
		s.fs = fs
		return nil
	}
}

// OptionSetZapLogger sets the logger.
func OptionSetZapLogger(zlog *zap.Logger) Option {
	return func(s *service) error {
		s.zlog = zlog
		s.log = zlog.Sugar()
		return nil
	}
}

// NewService creates the service: it wires the logger, the database
// connection, the schema file provider and the engine together from
// the configuration.
func NewService(conf *Config, options ...Option) (*Service, error) {
	s := &service{conf: conf, done: make(chan struct{})}

	for _, op := range options {
		if err := op(s); err != nil {
			return nil, err
		}
	}

	if err := s.init(); err != nil {
		return nil, err
	}

	s1 := &Service{}
	s1.Store(s)
	return s1, nil
}

func (s *service) init() error {
	if err := s.initConfig(); err != nil {
		return err
	}
	s.initLogger()
	s.initLogLevel()

	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}

	if err := s.initDB(); err != nil {
		return err
	}
	if err := s.initEngine(); err != nil {
		return err
	}

	if s.conf.WatchAndReload && !s.conf.Serv.Production {
		if err := s.startSchemaWatcher(s.schemaPath()); err != nil {
			return err
		}
	}

	s.logStartup()
	return nil
}

// initConfig validates the configuration and fills the engine config
// from the service-level settings.
func (s *service) initConfig() error {
	c := s.conf

	// copy over db_type from database.type
	if c.DBType == "" {
		c.DBType = c.DB.Type
	}

	if err := core.ValidateDBType(c.DBType); err != nil {
		return err
	}

	if c.SchemaFile == "" {
		c.SchemaFile = "schema.json"
	}
	return nil
}

func (s *service) initLogger() {
	if s.zlog != nil {
		return
	}
	s.zlog = util.NewLogger(s.conf.ShouldUseJSONLogs())
	s.log = s.zlog.Sugar()
}

func (s *service) initLogLevel() {
	switch s.conf.LogLevel {
	case "debug":
		s.logLevel = logLevelDebug
	case "error":
		s.logLevel = logLevelError
	case "warn":
		s.logLevel = logLevelWarn
	case "info":
		s.logLevel = logLevelInfo
	default:
		s.logLevel = logLevelNone
	}
}

func (s *service) initDB() error {
	if s.db != nil || s.conf.MockDB {
		return nil
	}

	db, err := newDB(s.conf, true, s.log, s.fs)
	if err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}
	s.db = db
	return nil
}

func (s *service) initEngine() error {
	provider := newSchemaProvider(s.fs, s.schemaPath())

	engine, err := core.New(&s.conf.Core, s.db,
		core.OptionSetProvider(provider),
		core.OptionSetLogger(zap.NewStdLog(s.zlog)))
	if err != nil {
		return errors.Wrap(err, "failed to create engine")
	}
	s.engine = engine
	return nil
}

func (s *service) schemaPath() string {
	return s.conf.AbsolutePath(s.conf.SchemaFile)
}

func (s *service) logStartup() {
	ver := version
	if ver == "" {
		ver = "not-set"
	}

	fields := []zapcore.Field{
		zap.String("version", ver),
		zap.String("app-name", s.conf.AppName),
		zap.String("db-type", s.conf.DBType),
		zap.String("env", os.Getenv("GO_ENV")),
		zap.Bool("production", s.conf.Serv.Production),
	}
	if s.conf.MockDB {
		fields = append(fields, zap.Bool("mock-db", true))
	}

	s.zlog.Info("Enfyra engine ready", fields...)
}

// Engine returns the query engine.
func (s1 *Service) Engine() *core.Engine {
	return s1.Load().(*service).engine
}

// DB returns the database connection; nil in mock mode.
func (s1 *Service) DB() *sql.DB {
	return s1.Load().(*service).db
}

// Config returns the service configuration.
func (s1 *Service) Config() *Config {
	return s1.Load().(*service).conf
}

// Close stops the schema watcher and releases the engine and the
// database connection. Safe to call more than once.
func (s1 *Service) Close() error {
	var err error
	s1.closeOnce.Do(func() {
		s := s1.Load().(*service)
		close(s.done)
		s.engine.Close()
		if s.db != nil {
			err = s.db.Close()
		}
		s.log.Info("shutdown complete")
	})
	return err
}

// BuildVersion returns the version the binary was built with.
func BuildVersion() string {
	if version == "" {
		return "unknown"
	}
	return version
}

// SetBuildVersion records the version stamped in by the build.
func SetBuildVersion(v string) {
	if v != "" {
		version = v
	}
}
