// Package dialect renders the database-specific fragments of a query:
// identifier quoting, bind variables, JSON constructors, casts and the
// substring operators. Everything else is dialect-neutral and lives in
// the compiler.
package dialect

import (
	"errors"
	"fmt"

	"github.com/enfyra/server-sub006/core/internal/meta"
)

// ErrUnsupported marks a request that the selected backend cannot
// execute, either an unknown database type or a plan shape the backend
// has no rendering for.
var ErrUnsupported = errors.New("unsupported")

// Param is one bound query argument together with the column it binds
// against. The column drives value-side casts; it may be nil for
// synthetic bindings like limits.
type Param struct {
	Col   *meta.Column
	Value any
}

// Context is the surface a compiler hands to a dialect while rendering.
// AddParam registers the value and returns the bind variable, already
// wrapped in any value-side cast the dialect needs.
type Context interface {
	WriteString(s string) (int, error)
	AddParam(p Param) string
	Quote(s string)
	ColWithTable(table, col string)
}

// MatchKind selects the substring operator family.
type MatchKind int

const (
	MatchContains MatchKind = iota
	MatchStartsWith
	MatchEndsWith
)

type Dialect interface {
	Name() string

	// QuoteIdent quotes a single identifier.
	QuoteIdent(s string) string

	// BindVar returns the i-th bind variable, 1-based.
	BindVar(i int) string

	// JSON construction used by relation subqueries.
	JSONObject() string
	JSONArrayAgg() string
	EmptyJSONArray() string

	// CastText wraps expr so both sides of a correlation compare as
	// text regardless of the underlying column types.
	CastText(expr string) string

	// CastBind wraps an already rendered bind variable in any
	// value-side cast the column type calls for.
	CastBind(bind string, p Param) string

	// RenderMatch writes a substring predicate over expr. The raw
	// needle is bound through ctx; the dialect adds the wildcard
	// concatenation itself.
	RenderMatch(ctx Context, expr string, kind MatchKind, p Param)

	// RenderIn writes a membership predicate over expr for a non-empty
	// value list.
	RenderIn(ctx Context, expr string, col *meta.Column, values []any, negate bool)

	// SupportsCTE reports whether the paging CTE optimisation may be
	// used.
	SupportsCTE() bool

	// SupportsReturning reports whether INSERT may return generated
	// columns directly.
	SupportsReturning() bool
}

// New returns the dialect for a database type. The version is the major
// server version where it matters (mysql grew CTEs in 8).
func New(dbType string, dbVersion int) (Dialect, error) {
	switch dbType {
	case "mysql":
		return &MySQLDialect{DBVersion: dbVersion}, nil
	case "postgres":
		return &PostgresDialect{DBVersion: dbVersion}, nil
	case "sqlite":
		return &SQLiteDialect{}, nil
	}
	return nil, fmt.Errorf("%w dialect: %s", ErrUnsupported, dbType)
}
