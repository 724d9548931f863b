package dialect

import (
	"github.com/enfyra/server-sub006/core/internal/meta"
)

type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string {
	return "sqlite"
}

func (d *SQLiteDialect) QuoteIdent(s string) string {
	return `"` + s + `"`
}

func (d *SQLiteDialect) BindVar(i int) string {
	return "?"
}

func (d *SQLiteDialect) JSONObject() string {
	return "json_object"
}

func (d *SQLiteDialect) JSONArrayAgg() string {
	return "json_group_array"
}

func (d *SQLiteDialect) EmptyJSONArray() string {
	return "'[]'"
}

func (d *SQLiteDialect) CastText(expr string) string {
	return "CAST(" + expr + " AS TEXT)"
}

func (d *SQLiteDialect) CastBind(bind string, p Param) string {
	return bind
}

// RenderMatch uses a plain LIKE; sqlite's LIKE is case-insensitive for
// ASCII by default.
func (d *SQLiteDialect) RenderMatch(ctx Context, expr string, kind MatchKind, p Param) {
	ctx.WriteString(expr)
	ctx.WriteString(` LIKE `)
	bind := ctx.AddParam(p)
	switch kind {
	case MatchContains:
		ctx.WriteString(`'%' || ` + bind + ` || '%'`)
	case MatchStartsWith:
		ctx.WriteString(bind + ` || '%'`)
	case MatchEndsWith:
		ctx.WriteString(`'%' || ` + bind)
	}
}

func (d *SQLiteDialect) RenderIn(ctx Context, expr string, col *meta.Column, values []any, negate bool) {
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

func (d *SQLiteDialect) SupportsCTE() bool {
	return false
}

func (d *SQLiteDialect) SupportsReturning() bool {
	return true
}
