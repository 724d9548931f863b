package dialect

import (
	"strconv"

	"github.com/enfyra/server-sub006/core/internal/meta"
)

type PostgresDialect struct {
	DBVersion int
}

func (d *PostgresDialect) Name() string {
	return "postgres"
}

func (d *PostgresDialect) QuoteIdent(s string) string {
	return `"` + s + `"`
}

func (d *PostgresDialect) BindVar(i int) string {
	return "$" + strconv.Itoa(i)
}

func (d *PostgresDialect) JSONObject() string {
	return "json_build_object"
}

func (d *PostgresDialect) JSONArrayAgg() string {
	return "json_agg"
}

func (d *PostgresDialect) EmptyJSONArray() string {
	return "'[]'::json"
}

func (d *PostgresDialect) CastText(expr string) string {
	return "(" + expr + ")::text"
}

// CastBind adds uuid casts so text bindings compare against uuid
// columns without tripping the type checker.
func (d *PostgresDialect) CastBind(bind string, p Param) string {
	if p.Col == nil || p.Col.Type != meta.TypeUUID {
		return bind
	}
	switch v := p.Value.(type) {
	case string:
		if isUUID(v) {
			return bind + "::uuid"
		}
	case []string:
		return bind + "::uuid[]"
	}
	return bind
}

func (d *PostgresDialect) RenderMatch(ctx Context, expr string, kind MatchKind, p Param) {
	ctx.WriteString(`unaccent(lower(`)
	ctx.WriteString(expr)
	ctx.WriteString(`)) ILIKE unaccent(lower(`)
	bind := ctx.AddParam(p)
	switch kind {
	case MatchContains:
		ctx.WriteString(`'%' || ` + bind + ` || '%'`)
	case MatchStartsWith:
		ctx.WriteString(bind + ` || '%'`)
	case MatchEndsWith:
		ctx.WriteString(`'%' || ` + bind)
	}
	ctx.WriteString(`))`)
}

// RenderIn binds the whole list as one array parameter.
func (d *PostgresDialect) RenderIn(ctx Context, expr string, col *meta.Column, values []any, negate bool) {
	ctx.WriteString(expr)
	if negate {
		ctx.WriteString(` <> ALL(`)
	} else {
		ctx.WriteString(` = ANY(`)
	}
	ctx.WriteString(ctx.AddParam(Param{Col: col, Value: pgArray(values)}))
	ctx.WriteString(`)`)
}

func (d *PostgresDialect) SupportsCTE() bool {
	return true
}

func (d *PostgresDialect) SupportsReturning() bool {
	return true
}

// pgArray narrows a coerced value list to a concrete slice type the
// driver can encode as a server-side array.
func pgArray(values []any) any {
	if len(values) == 0 {
		return values
	}
	switch values[0].(type) {
	case string:
		out := make([]string, 0, len(values))
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				return values
			}
			out = append(out, s)
		}
		return out
	case int64:
		out := make([]int64, 0, len(values))
		for _, v := range values {
			n, ok := v.(int64)
			if !ok {
				return values
			}
			out = append(out, n)
		}
		return out
	case float64:
		out := make([]float64, 0, len(values))
		for _, v := range values {
			f, ok := v.(float64)
			if !ok {
				return values
			}
			out = append(out, f)
		}
		return out
	case bool:
		out := make([]bool, 0, len(values))
		for _, v := range values {
			b, ok := v.(bool)
			if !ok {
				return values
			}
			out = append(out, b)
		}
		return out
	}
	return values
}

// isUUID reports whether s is a canonical 8-4-4-4-12 hex uuid.
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
			continue
		}
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
