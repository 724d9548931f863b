// Package psql renders compiled query plans into SQL for the mysql,
// postgres and sqlite dialects. Collection relations are rendered as
// correlated JSON subqueries or deferred to follow-up child queries;
// they never join into the row stream.
package psql

import (
	"bytes"

	"github.com/enfyra/server-sub006/core/internal/dialect"
)

// Query is one renderable statement with its positional arguments.
type Query struct {
	SQL  string
	Args []any
}

// Compiler renders QCode plans for one dialect.
type Compiler struct {
	d dialect.Dialect
}

func NewCompiler(d dialect.Dialect) *Compiler {
	return &Compiler{d: d}
}

// Dialect returns the dialect the compiler renders for.
func (co *Compiler) Dialect() dialect.Dialect {
	return co.d
}

type compilerContext struct {
	w    *bytes.Buffer
	d    dialect.Dialect
	args []any
	err  error
}

func (co *Compiler) newContext() *compilerContext {
	return &compilerContext{w: &bytes.Buffer{}, d: co.d}
}

func (c *compilerContext) query() (*Query, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &Query{SQL: c.w.String(), Args: c.args}, nil
}

func (c *compilerContext) WriteString(s string) (int, error) {
	return c.w.WriteString(s)
}

// AddParam registers a bound value and returns its bind variable with
// any value-side cast applied.
func (c *compilerContext) AddParam(p dialect.Param) string {
	c.args = append(c.args, p.Value)
	return c.d.CastBind(c.d.BindVar(len(c.args)), p)
}

func (c *compilerContext) Quote(s string) {
	c.w.WriteString(c.d.QuoteIdent(s))
}

func (c *compilerContext) ColWithTable(table, col string) {
	c.w.WriteString(c.colRef(table, col))
}

func (c *compilerContext) quoted(s string) {
	c.w.WriteString(c.d.QuoteIdent(s))
}

func (c *compilerContext) colWithTable(table, col string) {
	c.w.WriteString(c.colRef(table, col))
}

// colRef returns the quoted table.column reference as a string so it
// can be passed through dialect cast helpers.
func (c *compilerContext) colRef(table, col string) string {
	return c.d.QuoteIdent(table) + `.` + c.d.QuoteIdent(col)
}

// alias writes a table alias, skipped when it matches the table name.
func (c *compilerContext) alias(table, alias string) {
	c.quoted(table)
	if alias != table {
		c.w.WriteString(` `)
		c.quoted(alias)
	}
}
