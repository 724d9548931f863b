package psql

import (
	"fmt"

	"github.com/enfyra/server-sub006/core/internal/dialect"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// renderColumns writes the scalar projections and the inline relation
// values. Post-fetch relations never enter the row stream.
func (c *compilerContext) renderColumns(local string, fields []qcode.Field, rels []*qcode.SelectRel) {
	i := 0
	for _, f := range fields {
		if i != 0 {
			c.w.WriteString(`, `)
		}
		c.colWithTable(local, f.Col.Name)
		i++
	}
	for _, sr := range rels {
		if sr.Strategy == qcode.StratPostFetch {
			continue
		}
		if i != 0 {
			c.w.WriteString(`, `)
		}
		c.renderRelValue(sr)
		c.w.WriteString(` AS `)
		c.quoted(sr.Name)
		i++
	}
}

func (c *compilerContext) renderRelValue(sr *qcode.SelectRel) {
	if sr.Embedded {
		c.err = fmt.Errorf("%w: relation %q has no owning side", dialect.ErrUnsupported, sr.Name)
		return
	}
	switch sr.Strategy {
	case qcode.StratReference:
		c.renderReference(sr)
	case qcode.StratObject:
		c.renderObject(sr)
	case qcode.StratArray:
		c.renderArray(sr)
	}
}

// renderReference builds the {id: fk} shape straight off the local
// foreign key, no subquery.
func (c *compilerContext) renderReference(sr *qcode.SelectRel) {
	fk := c.colRef(sr.LocalTable, sr.LocalCol)

	c.w.WriteString(`CASE WHEN `)
	c.w.WriteString(fk)
	c.w.WriteString(` IS NULL THEN NULL ELSE `)
	c.w.WriteString(c.d.JSONObject())
	c.w.WriteString(`('`)
	c.w.WriteString(sr.Fields[0].Col.Name)
	c.w.WriteString(`', `)
	c.w.WriteString(fk)
	c.w.WriteString(`) END`)
}

// renderObject writes a correlated subquery returning one JSON object.
func (c *compilerContext) renderObject(sr *qcode.SelectRel) {
	c.w.WriteString(`(SELECT `)
	c.renderJSONObject(sr)
	c.w.WriteString(` FROM `)
	c.alias(sr.Target.Name, sr.Alias)
	c.w.WriteString(` WHERE `)
	c.renderCorrelation(sr)
	c.w.WriteString(` LIMIT 1)`)
}

// renderArray writes a correlated subquery aggregating the matching
// rows into a JSON array, empty array when none match. Postgres orders
// inside the aggregate call, the others on the subquery itself.
func (c *compilerContext) renderArray(sr *qcode.SelectRel) {
	c.w.WriteString(`(SELECT COALESCE(`)
	c.w.WriteString(c.d.JSONArrayAgg())
	c.w.WriteString(`(`)
	c.renderJSONObject(sr)
	if len(sr.Sort) > 0 && c.d.Name() == "postgres" {
		c.renderOrderBy(sr.Sort)
	}
	c.w.WriteString(`), `)
	c.w.WriteString(c.d.EmptyJSONArray())
	c.w.WriteString(`) FROM `)
	c.alias(sr.Target.Name, sr.Alias)
	c.w.WriteString(` WHERE `)
	c.renderCorrelation(sr)
	if len(sr.Sort) > 0 && c.d.Name() != "postgres" {
		c.renderOrderBy(sr.Sort)
	}
	c.w.WriteString(`)`)
}

func (c *compilerContext) renderJSONObject(sr *qcode.SelectRel) {
	c.w.WriteString(c.d.JSONObject())
	c.w.WriteString(`(`)
	i := 0
	for _, f := range sr.Fields {
		if i != 0 {
			c.w.WriteString(`, `)
		}
		c.w.WriteString(`'`)
		c.w.WriteString(f.Col.Name)
		c.w.WriteString(`', `)
		c.colWithTable(sr.Alias, f.Col.Name)
		i++
	}
	for _, child := range sr.Rels {
		if child.Strategy == qcode.StratPostFetch {
			continue
		}
		if i != 0 {
			c.w.WriteString(`, `)
		}
		c.w.WriteString(`'`)
		c.w.WriteString(child.Name)
		c.w.WriteString(`', `)
		c.renderRelValue(child)
		i++
	}
	c.w.WriteString(`)`)
}

// renderCorrelation ties the subquery to its parent row. Both sides are
// cast to text so mixed column types still compare.
func (c *compilerContext) renderCorrelation(sr *qcode.SelectRel) {
	c.w.WriteString(c.d.CastText(c.colRef(sr.Alias, sr.TargetCol)))
	c.w.WriteString(` = `)
	c.w.WriteString(c.d.CastText(c.colRef(sr.LocalTable, sr.LocalCol)))
}
