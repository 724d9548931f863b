package mongodriver

import (
	"context"
	"database/sql/driver"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Conn implements driver.Conn for MongoDB.
type Conn struct {
	db     *mongo.Database
	client *mongo.Client
}

// Prepare returns a prepared statement.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{
		conn:  c,
		query: query,
	}, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	// Connections are managed by the mongo.Client pool
	return nil
}

// Begin starts a transaction. MongoDB transactions require replica sets.
func (c *Conn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("mongodriver: transactions require BeginTx with context")
}

// BeginTx starts a transaction with context.
func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	session, err := c.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("mongodriver: start session: %w", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("mongodriver: start transaction: %w", err)
	}
	return &Tx{session: session, ctx: ctx}, nil
}

// QueryContext executes an envelope and returns its result rows.
func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("mongodriver: statements carry no parameter slots, got %d args", len(args))
	}

	q, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}

	return c.executeQuery(ctx, q)
}

// ExecContext executes an envelope that does not return rows.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("mongodriver: statements carry no parameter slots, got %d args", len(args))
	}

	q, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}

	return c.executeExec(ctx, q)
}

// executeQuery handles operations that return rows. Mutations issued through
// QueryContext return the affected document, mirroring RETURNING on the SQL
// side.
func (c *Conn) executeQuery(ctx context.Context, q *QueryDSL) (driver.Rows, error) {
	switch q.Operation {
	case OpAggregate:
		return c.executeAggregate(ctx, q)
	case OpFind:
		return c.executeFind(ctx, q)
	case OpCount:
		return c.executeCount(ctx, q)
	case OpInsertOne:
		return c.executeInsertOneAsQuery(ctx, q)
	case OpUpdateOne:
		return c.executeUpdateOneAsQuery(ctx, q)
	case OpDeleteOne:
		return c.executeDeleteOneAsQuery(ctx, q)
	default:
		return nil, fmt.Errorf("mongodriver: unsupported query operation: %s", q.Operation)
	}
}

// executeExec handles mutation operations executed for their side effect.
func (c *Conn) executeExec(ctx context.Context, q *QueryDSL) (driver.Result, error) {
	switch q.Operation {
	case OpInsertOne:
		return c.executeInsertOne(ctx, q)
	case OpInsertMany:
		return c.executeInsertMany(ctx, q)
	case OpUpdateOne:
		return c.executeUpdateOne(ctx, q)
	case OpDeleteOne:
		return c.executeDeleteOne(ctx, q)
	case OpDeleteMany:
		return c.executeDeleteMany(ctx, q)
	default:
		return nil, fmt.Errorf("mongodriver: unsupported exec operation: %s", q.Operation)
	}
}

// Tx implements driver.Tx for MongoDB transactions.
type Tx struct {
	session *mongo.Session
	ctx     context.Context
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	defer t.session.EndSession(t.ctx)
	return t.session.CommitTransaction(t.ctx)
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	defer t.session.EndSession(t.ctx)
	return t.session.AbortTransaction(t.ctx)
}

// Stmt implements driver.Stmt for MongoDB.
type Stmt struct {
	conn  *Conn
	query string
}

// Close closes the statement.
func (s *Stmt) Close() error {
	return nil
}

// NumInput returns the number of placeholder parameters.
func (s *Stmt) NumInput() int {
	return 0
}

// Exec executes a statement that doesn't return rows.
func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return s.conn.ExecContext(context.Background(), s.query, namedArgs)
}

// Query executes a statement that returns rows.
func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return s.conn.QueryContext(context.Background(), s.query, namedArgs)
}
