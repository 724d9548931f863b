package psql

import (
	"fmt"

	"github.com/enfyra/server-sub006/core/internal/dialect"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// renderExp writes one filter expression tree into the statement.
func (c *compilerContext) renderExp(ex *qcode.Exp) {
	switch ex.Op {
	case qcode.OpAnd, qcode.OpOr:
		sep := ` AND `
		if ex.Op == qcode.OpOr {
			sep = ` OR `
		}
		c.w.WriteString(`(`)
		for i, child := range ex.Children {
			if i != 0 {
				c.w.WriteString(sep)
			}
			c.renderExp(child)
		}
		c.w.WriteString(`)`)

	case qcode.OpNot:
		c.w.WriteString(`NOT (`)
		c.renderExp(ex.Children[0])
		c.w.WriteString(`)`)

	case qcode.OpFalse:
		c.w.WriteString(`(1 = 0)`)

	case qcode.OpTrue:
		c.w.WriteString(`(1 = 1)`)

	case qcode.OpExists:
		c.renderExists(ex.Rel)

	case qcode.OpAggregate:
		c.renderAggregate(ex.Rel)

	default:
		c.renderOp(ex)
	}
}

// renderOp writes a single column predicate.
func (c *compilerContext) renderOp(ex *qcode.Exp) {
	expr := c.colRef(ex.Table, ex.Col.Name)

	switch ex.Op {
	case qcode.OpEquals, qcode.OpNotEquals, qcode.OpGreaterThan,
		qcode.OpGreaterOrEquals, qcode.OpLesserThan, qcode.OpLesserOrEquals:
		c.w.WriteString(expr)
		c.w.WriteString(` `)
		c.w.WriteString(opToken(ex.Op))
		c.w.WriteString(` `)
		c.w.WriteString(c.AddParam(dialect.Param{Col: ex.Col, Value: ex.Val}))

	case qcode.OpIn:
		c.d.RenderIn(c, expr, ex.Col, ex.List, false)

	case qcode.OpNotIn:
		c.d.RenderIn(c, expr, ex.Col, ex.List, true)

	case qcode.OpBetween:
		c.w.WriteString(expr)
		c.w.WriteString(` BETWEEN `)
		c.w.WriteString(c.AddParam(dialect.Param{Col: ex.Col, Value: ex.List[0]}))
		c.w.WriteString(` AND `)
		c.w.WriteString(c.AddParam(dialect.Param{Col: ex.Col, Value: ex.List[1]}))

	case qcode.OpContains:
		c.d.RenderMatch(c, expr, dialect.MatchContains, dialect.Param{Col: ex.Col, Value: ex.Val})

	case qcode.OpStartsWith:
		c.d.RenderMatch(c, expr, dialect.MatchStartsWith, dialect.Param{Col: ex.Col, Value: ex.Val})

	case qcode.OpEndsWith:
		c.d.RenderMatch(c, expr, dialect.MatchEndsWith, dialect.Param{Col: ex.Col, Value: ex.Val})

	case qcode.OpIsNull:
		c.w.WriteString(expr)
		c.w.WriteString(` IS NULL`)

	case qcode.OpIsNotNull:
		c.w.WriteString(expr)
		c.w.WriteString(` IS NOT NULL`)

	default:
		c.err = fmt.Errorf("unhandled operator %d in plan", ex.Op)
	}
}

func opToken(op qcode.ExpOp) string {
	switch op {
	case qcode.OpEquals:
		return `=`
	case qcode.OpNotEquals:
		return `!=`
	case qcode.OpGreaterThan:
		return `>`
	case qcode.OpGreaterOrEquals:
		return `>=`
	case qcode.OpLesserThan:
		return `<`
	case qcode.OpLesserOrEquals:
		return `<=`
	}
	return ``
}

// renderExists writes the correlated EXISTS for a relation predicate.
// Many-to-many goes through the junction table and only joins the
// target when the nested filter actually touches it.
func (c *compilerContext) renderExists(rx *qcode.RelExp) {
	if rx.Embedded {
		c.err = fmt.Errorf("%w: relation %q has no owning side", dialect.ErrUnsupported, rx.Name)
		return
	}
	c.w.WriteString(`EXISTS (SELECT 1 FROM `)

	if j := rx.Junction; j != nil {
		c.quoted(j.Table)
		if expReferences(rx.Filter, rx.Alias) {
			c.w.WriteString(` JOIN `)
			c.alias(rx.Target.Name, rx.Alias)
			c.w.WriteString(` ON `)
			c.colWithTable(rx.Alias, rx.TargetCol)
			c.w.WriteString(` = `)
			c.colWithTable(j.Table, j.TargetColumn)
		}
		c.w.WriteString(` WHERE `)
		c.colWithTable(j.Table, j.SourceColumn)
	} else {
		c.alias(rx.Target.Name, rx.Alias)
		c.w.WriteString(` WHERE `)
		c.colWithTable(rx.Alias, rx.TargetCol)
	}

	c.w.WriteString(` = `)
	c.colWithTable(rx.LocalTable, rx.LocalCol)

	if rx.Filter != nil {
		c.w.WriteString(` AND `)
		c.renderExp(rx.Filter)
	}
	c.w.WriteString(`)`)
}

// renderAggregate writes a correlated scalar subquery compared against
// the bound value.
func (c *compilerContext) renderAggregate(rx *qcode.RelExp) {
	if rx.Embedded {
		c.err = fmt.Errorf("%w: relation %q has no owning side", dialect.ErrUnsupported, rx.Name)
		return
	}
	agg := rx.Agg

	c.w.WriteString(`(SELECT `)
	c.w.WriteString(agg.Fn)
	if agg.Col == nil {
		c.w.WriteString(`(*)`)
	} else {
		c.w.WriteString(`(`)
		c.colWithTable(rx.Alias, agg.Col.Name)
		c.w.WriteString(`)`)
	}
	c.w.WriteString(` FROM `)

	if j := rx.Junction; j != nil {
		c.quoted(j.Table)
		if agg.Col != nil {
			c.w.WriteString(` JOIN `)
			c.alias(rx.Target.Name, rx.Alias)
			c.w.WriteString(` ON `)
			c.colWithTable(rx.Alias, rx.TargetCol)
			c.w.WriteString(` = `)
			c.colWithTable(j.Table, j.TargetColumn)
		}
		c.w.WriteString(` WHERE `)
		c.colWithTable(j.Table, j.SourceColumn)
	} else {
		c.alias(rx.Target.Name, rx.Alias)
		c.w.WriteString(` WHERE `)
		c.colWithTable(rx.Alias, rx.TargetCol)
	}

	c.w.WriteString(` = `)
	c.colWithTable(rx.LocalTable, rx.LocalCol)
	c.w.WriteString(`) `)
	c.w.WriteString(opToken(agg.Op))
	c.w.WriteString(` `)
	c.w.WriteString(c.AddParam(dialect.Param{Col: agg.Col, Value: agg.Val}))
}

// expReferences reports whether the expression touches columns under
// the given qualifier. Nested relation scopes correlate through their
// LocalTable, so recursion stays within the current scope.
func expReferences(ex *qcode.Exp, qual string) bool {
	if ex == nil {
		return false
	}
	if ex.Table == qual {
		return true
	}
	if ex.Rel != nil && ex.Rel.LocalTable == qual {
		return true
	}
	for _, child := range ex.Children {
		if expReferences(child, qual) {
			return true
		}
	}
	return false
}
