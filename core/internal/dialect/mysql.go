package dialect

import (
	"github.com/enfyra/server-sub006/core/internal/meta"
)

type MySQLDialect struct {
	DBVersion int
}

func (d *MySQLDialect) Name() string {
	return "mysql"
}

func (d *MySQLDialect) QuoteIdent(s string) string {
	return "`" + s + "`"
}

func (d *MySQLDialect) BindVar(i int) string {
	return "?"
}

func (d *MySQLDialect) JSONObject() string {
	return "JSON_OBJECT"
}

func (d *MySQLDialect) JSONArrayAgg() string {
	return "JSON_ARRAYAGG"
}

func (d *MySQLDialect) EmptyJSONArray() string {
	return "'[]'"
}

func (d *MySQLDialect) CastText(expr string) string {
	return "CAST(" + expr + " AS CHAR)"
}

func (d *MySQLDialect) CastBind(bind string, p Param) string {
	return bind
}

// RenderMatch relies on the connection's case-insensitive collation, so
// a plain LIKE with CONCAT wildcards is enough.
func (d *MySQLDialect) RenderMatch(ctx Context, expr string, kind MatchKind, p Param) {
	ctx.WriteString(expr)
	ctx.WriteString(` LIKE `)
	bind := ctx.AddParam(p)
	switch kind {
	case MatchContains:
		ctx.WriteString(`CONCAT('%', ` + bind + `, '%')`)
	case MatchStartsWith:
		ctx.WriteString(`CONCAT(` + bind + `, '%')`)
	case MatchEndsWith:
		ctx.WriteString(`CONCAT('%', ` + bind + `)`)
	}
}

func (d *MySQLDialect) RenderIn(ctx Context, expr string, col *meta.Column, values []any, negate bool) {
	ctx.WriteString(expr)
	if negate {
		ctx.WriteString(` NOT IN (`)
	} else {
		ctx.WriteString(` IN (`)
	}
	for i, v := range values {
		if i != 0 {
			ctx.WriteString(`, `)
		}
		ctx.WriteString(ctx.AddParam(Param{Col: col, Value: v}))
	}
	ctx.WriteString(`)`)
}

func (d *MySQLDialect) SupportsCTE() bool {
	return d.DBVersion >= 8
}

func (d *MySQLDialect) SupportsReturning() bool {
	return false
}
