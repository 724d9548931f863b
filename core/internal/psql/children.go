package psql

import (
	"fmt"

	"github.com/enfyra/server-sub006/core/internal/dialect"
	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// CompileChildren renders the one follow-up query for a deferred
// collection relation, covering every parent of the page at once. Rows
// carry the parent key as __parent_id so the executor can group them.
// pk is the parent table's primary key; it types the bound id list.
func (co *Compiler) CompileChildren(pk *meta.Column, sr *qcode.SelectRel, parents []any) (*Query, error) {
	if sr.Embedded {
		return nil, fmt.Errorf("%w: relation %q has no owning side", dialect.ErrUnsupported, sr.Name)
	}
	c := co.newContext()

	c.w.WriteString(`SELECT `)
	c.renderColumns(sr.Alias, sr.Fields, sr.Rels)
	c.w.WriteString(`, `)

	if j := sr.Junction; j != nil {
		c.colWithTable(sr.JunctionAlias, j.SourceColumn)
		c.w.WriteString(` AS `)
		c.quoted(qcode.ParentID)
		c.w.WriteString(` FROM `)
		c.alias(j.Table, sr.JunctionAlias)
		c.w.WriteString(` JOIN `)
		c.alias(sr.Target.Name, sr.Alias)
		c.w.WriteString(` ON `)
		c.colWithTable(sr.Alias, sr.TargetCol)
		c.w.WriteString(` = `)
		c.colWithTable(sr.JunctionAlias, j.TargetColumn)
		c.w.WriteString(` WHERE `)
		c.renderParentFilter(c.colRef(sr.JunctionAlias, j.SourceColumn), pk, parents)
	} else {
		c.colWithTable(sr.Alias, sr.TargetCol)
		c.w.WriteString(` AS `)
		c.quoted(qcode.ParentID)
		c.w.WriteString(` FROM `)
		c.alias(sr.Target.Name, sr.Alias)
		c.w.WriteString(` WHERE `)
		c.renderParentFilter(c.colRef(sr.Alias, sr.TargetCol), pk, parents)
	}

	c.renderOrderBy(sr.Sort)
	return c.query()
}

func (c *compilerContext) renderParentFilter(expr string, pk *meta.Column, parents []any) {
	if len(parents) == 0 {
		c.w.WriteString(`(1 = 0)`)
		return
	}
	c.d.RenderIn(c, expr, pk, parents, false)
}

// CompileJunctionLinks renders the link fetch of a many-to-many
// relation: source and target key pairs for the given parents, straight
// off the junction table. pk types the bound parent ids.
func (co *Compiler) CompileJunctionLinks(pk *meta.Column, j meta.Junction, parents []any) (*Query, error) {
	c := co.newContext()

	c.w.WriteString(`SELECT `)
	c.colWithTable(j.Table, j.SourceColumn)
	c.w.WriteString(`, `)
	c.colWithTable(j.Table, j.TargetColumn)
	c.w.WriteString(` FROM `)
	c.quoted(j.Table)
	c.w.WriteString(` WHERE `)
	c.renderParentFilter(c.colRef(j.Table, j.SourceColumn), pk, parents)

	return c.query()
}
