package serv

import (
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/afero"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/enfyra/server-sub006/mongodriver"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const pemSig = "--BEGIN "

type dbConf struct {
	driverName string
	connString string
	connector  driver.Connector // for drivers that require sql.OpenDB (MongoDB)
}

// NewDB opens the database connection for the configured backend. With
// openDB set the connection selects the configured database; otherwise
// it attaches to the server only.
func NewDB(conf *Config, openDB bool, log *zap.SugaredLogger, fs afero.Fs) (*sql.DB, error) {
	return newDB(conf, openDB, log, fs)
}

// detectDBType detects the database type from the connection string and
// updates conf.DBType
func detectDBType(conf *Config) {
	if cs := conf.DB.ConnString; cs != "" {
		if strings.HasPrefix(cs, "postgres://") || strings.HasPrefix(cs, "postgresql://") {
			conf.DBType = "postgres"
		}
		if strings.HasPrefix(cs, "mysql://") {
			conf.DBType = "mysql"
			conf.DB.ConnString = strings.TrimPrefix(cs, "mysql://")
		}
		if strings.HasPrefix(cs, "sqlite://") {
			conf.DBType = "sqlite"
			conf.DB.ConnString = strings.TrimPrefix(cs, "sqlite://")
		}
		if strings.HasPrefix(cs, "mongodb://") || strings.HasPrefix(cs, "mongodb+srv://") {
			conf.DBType = "mongodb"
		}
	}
}

// initDBDriver initializes the database driver config based on the DB type
func initDBDriver(conf *Config, openDB bool, fs afero.Fs) (*dbConf, error) {
	// Honor explicit database.type when db_type is unset.
	if conf.DBType == "" && conf.DB.Type != "" {
		conf.DBType = strings.ToLower(conf.DB.Type)
	}

	detectDBType(conf)

	var dc *dbConf
	var err error

	switch conf.DBType {
	case "", "postgres", "postgresql":
		dc, err = initPostgres(conf, openDB, fs)
	case "mysql", "mariadb":
		dc, err = initMysql(conf, openDB)
	case "sqlite", "sqlite3":
		dc, err = initSqlite(conf)
	case "mongodb", "mongo":
		dc, err = initMongo(conf)
	default:
		return nil, fmt.Errorf("unsupported database type %q: supported types are postgres, mysql, mariadb, sqlite, mongodb", conf.DBType)
	}

	if err != nil {
		return nil, fmt.Errorf("database init: %v", err)
	}
	return dc, nil
}

// newDB initializes the database with a retry loop
func newDB(conf *Config, openDB bool, log *zap.SugaredLogger, fs afero.Fs) (*sql.DB, error) {
	var db *sql.DB
	var err error

	dc, err := initDBDriver(conf, openDB, fs)
	if err != nil {
		return nil, err
	}

	for i := 0; ; {
		if dc.connector != nil {
			db = sql.OpenDB(dc.connector)
			err = nil
		} else {
			db, err = sql.Open(dc.driverName, dc.connString)
		}
		if err == nil {
			db.SetMaxIdleConns(conf.DB.PoolSize)
			db.SetMaxOpenConns(conf.DB.MaxConnections)
			db.SetConnMaxIdleTime(conf.DB.MaxConnIdleTime)
			db.SetConnMaxLifetime(conf.DB.MaxConnLifeTime)

			if err := db.Ping(); err == nil {
				return db, nil
			} else {
				db.Close() //nolint:errcheck
				log.Warnf("database ping: %s", err)
			}

		} else {
			log.Warnf("database open: %s", err)
		}

		time.Sleep(time.Duration(i*100) * time.Millisecond)

		if i > 50 {
			return nil, err
		} else {
			i++
		}
	}
}

// newDBOnce attempts a single database connection without retries
func newDBOnce(conf *Config, openDB bool, fs afero.Fs) (*sql.DB, error) {
	dc, err := initDBDriver(conf, openDB, fs)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	if dc.connector != nil {
		db = sql.OpenDB(dc.connector)
	} else {
		db, err = sql.Open(dc.driverName, dc.connString)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
	}

	db.SetMaxIdleConns(conf.DB.PoolSize)
	db.SetMaxOpenConns(conf.DB.MaxConnections)
	db.SetConnMaxIdleTime(conf.DB.MaxConnIdleTime)
	db.SetConnMaxLifetime(conf.DB.MaxConnLifeTime)

	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("database ping: %w", err)
	}

	return db, nil
}

// initPostgres initializes the postgres database
func initPostgres(conf *Config, openDB bool, fs afero.Fs) (*dbConf, error) {
	config, _ := pgx.ParseConfig(conf.DB.ConnString)

	if conf.DB.ConnString == "" {
		if conf.DB.Host != "" {
			config.Host = conf.DB.Host
		}
		if conf.DB.Port != 0 {
			config.Port = conf.DB.Port
		}
		if conf.DB.User != "" {
			config.User = conf.DB.User
		}
		if conf.DB.Password != "" {
			config.Password = conf.DB.Password
		}
	}

	if config.RuntimeParams == nil {
		config.RuntimeParams = map[string]string{}
	}

	if conf.DB.Schema != "" {
		config.RuntimeParams["search_path"] = conf.DB.Schema
	}

	if conf.AppName != "" {
		config.RuntimeParams["application_name"] = conf.AppName
	}

	if openDB {
		config.Database = conf.DB.DBName
	}

	if conf.DB.EnableTLS {
		tc, err := tlsConfig(&conf.DB, fs)
		if err != nil {
			return nil, err
		}
		config.TLSConfig = tc
	}

	return &dbConf{driverName: "pgx", connString: stdlib.RegisterConnConfig(config)}, nil
}

// tlsConfig builds the TLS client configuration from the database
// settings. Certificate values hold either a file path or the PEM text
// itself.
func tlsConfig(db *Database, fs afero.Fs) (*tls.Config, error) {
	if len(db.ServerName) == 0 {
		return nil, errors.New("tls: server_name is required")
	}
	if len(db.ServerCert) == 0 {
		return nil, errors.New("tls: server_cert is required")
	}

	rootCertPool := x509.NewCertPool()
	var pem []byte
	var err error

	if strings.Contains(db.ServerCert, pemSig) {
		pem = []byte(strings.ReplaceAll(db.ServerCert, `\n`, "\n"))
	} else {
		pem, err = afero.ReadFile(fs, db.ServerCert)
	}

	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}

	if ok := rootCertPool.AppendCertsFromPEM(pem); !ok {
		return nil, errors.New("tls: failed to append pem")
	}

	tc := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    rootCertPool,
		ServerName: db.ServerName,
	}

	if len(db.ClientCert) > 0 {
		if len(db.ClientKey) == 0 {
			return nil, errors.New("tls: client_key is required")
		}

		var certs tls.Certificate

		if strings.Contains(db.ClientCert, pemSig) {
			certs, err = tls.X509KeyPair(
				[]byte(strings.ReplaceAll(db.ClientCert, `\n`, "\n")),
				[]byte(strings.ReplaceAll(db.ClientKey, `\n`, "\n")),
			)
		} else {
			certs, err = loadX509KeyPair(fs, db.ClientCert, db.ClientKey)
		}

		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}

		tc.Certificates = []tls.Certificate{certs}
	}

	return tc, nil
}

// initMysql initializes the mysql database
func initMysql(conf *Config, openDB bool) (*dbConf, error) {
	var connString string
	c := conf

	if c.DB.ConnString == "" {
		port := c.DB.Port
		if port == 0 || port == 5432 {
			port = 3306
		}
		connString = fmt.Sprintf("%s:%s@tcp(%s:%d)/", c.DB.User, c.DB.Password, c.DB.Host, port)
	} else {
		connString = c.DB.ConnString
	}

	if openDB {
		connString += c.DB.DBName
	}

	return &dbConf{driverName: "mysql", connString: connString}, nil
}

// initSqlite initializes the sqlite database
func initSqlite(conf *Config) (*dbConf, error) {
	connString := conf.DB.ConnString
	if connString == "" {
		connString = conf.DB.Path
	}
	if connString == "" {
		return nil, fmt.Errorf("sqlite requires a connection string or path")
	}

	return &dbConf{driverName: "sqlite", connString: connString}, nil
}

// initMongo initializes the mongodb database using the mongodriver
// connector
func initMongo(conf *Config) (*dbConf, error) {
	connString := conf.DB.ConnString
	if connString == "" {
		if conf.DB.Host == "" {
			return nil, fmt.Errorf("mongodb requires a connection string or host")
		}
		port := conf.DB.Port
		if port == 0 || port == 5432 {
			port = 27017
		}
		connString = fmt.Sprintf("mongodb://%s:%d", conf.DB.Host, port)
		if conf.DB.User != "" {
			connString = fmt.Sprintf("mongodb://%s:%s@%s:%d",
				conf.DB.User, conf.DB.Password, conf.DB.Host, port)
		}
	}

	dbName := conf.DB.DBName
	if dbName == "" {
		dbName = "enfyra"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(connString))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}

	connector := mongodriver.NewConnector(client, dbName)
	return &dbConf{driverName: "mongodb", connector: connector}, nil
}

// loadX509KeyPair loads a X509 key pair through the filesystem
func loadX509KeyPair(fs afero.Fs, certFile, keyFile string) (
	cert tls.Certificate, err error,
) {
	certPEMBlock, err := afero.ReadFile(fs, certFile)
	if err != nil {
		return cert, err
	}
	keyPEMBlock, err := afero.ReadFile(fs, keyFile)
	if err != nil {
		return cert, err
	}
	return tls.X509KeyPair(certPEMBlock, keyPEMBlock)
}
