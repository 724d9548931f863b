// Package mongodriver exposes MongoDB through database/sql. Statements are
// JSON operation envelopes rather than SQL text; the connection parses the
// envelope, runs the matching collection operation and hands results back as
// a single JSON value the caller scans.
package mongodriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	sql.Register("mongodb", &Driver{})
}

// Driver implements driver.Driver. The DSN is a standard MongoDB URI whose
// path names the database, e.g. mongodb://localhost:27017/appdb.
type Driver struct{}

// Open connects a new client for the URI. Prefer NewConnector when the
// caller already manages a mongo.Client.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("mongodriver: parse dsn: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return nil, fmt.Errorf("mongodriver: dsn %q does not name a database", dsn)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, fmt.Errorf("mongodriver: connect: %w", err)
	}

	return &Conn{client: client, db: client.Database(dbName)}, nil
}

// Connector pins an existing client and database name so sql.OpenDB can
// share the client's connection pool.
type Connector struct {
	client *mongo.Client
	dbName string
}

// NewConnector wraps a connected client for use with sql.OpenDB.
func NewConnector(client *mongo.Client, dbName string) *Connector {
	return &Connector{client: client, dbName: dbName}
}

// Database returns the database name the connector is bound to.
func (c *Connector) Database() string {
	return c.dbName
}

// Connect returns a connection bound to the connector's database.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	return &Conn{client: c.client, db: c.client.Database(c.dbName)}, nil
}

// Driver returns the underlying driver.
func (c *Connector) Driver() driver.Driver {
	return &Driver{}
}
