package psql

import (
	"strconv"

	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// CompileQuery renders the main page fetch. When the plan carries both
// a limit and a sort and the dialect supports CTEs, the page's primary
// keys are pre-selected in a limited_<table> CTE so the relation
// subqueries only run for the page rows.
func (co *Compiler) CompileQuery(qc *qcode.QCode) (*Query, error) {
	c := co.newContext()

	if qc.Limit > 0 && len(qc.Sort) > 0 && co.d.SupportsCTE() {
		c.renderLimitedCTE(qc)
	} else {
		c.renderSelect(qc)
	}
	return c.query()
}

// CompileTotalCount renders the unfiltered row count of the base table.
func (co *Compiler) CompileTotalCount(qc *qcode.QCode) (*Query, error) {
	c := co.newContext()
	c.w.WriteString(`SELECT COUNT(*) FROM `)
	c.quoted(qc.Table.Name)
	return c.query()
}

// CompileFilterCount renders the filtered count: the page query with
// the projection, ordering and paging stripped, counting distinct
// primary keys.
func (co *Compiler) CompileFilterCount(qc *qcode.QCode) (*Query, error) {
	c := co.newContext()
	pk := qc.Table.PrimaryKey()

	c.w.WriteString(`SELECT COUNT(DISTINCT `)
	c.colWithTable(qc.Alias, pk.Name)
	c.w.WriteString(`)`)
	c.renderFrom(qc)
	c.renderWhere(qc)
	return c.query()
}

func (c *compilerContext) renderSelect(qc *qcode.QCode) {
	c.w.WriteString(`SELECT `)
	c.renderColumns(qc.Alias, qc.Fields, qc.Rels)
	c.renderFrom(qc)
	c.renderWhere(qc)
	c.renderOrderBy(qc.Sort)
	c.renderLimit(qc.Page, qc.Limit)
}

// renderLimitedCTE pages by primary key first, then projects only the
// page rows. The filter runs once inside the CTE; the ordering is
// repeated outside because the join does not preserve it.
func (c *compilerContext) renderLimitedCTE(qc *qcode.QCode) {
	pk := qc.Table.PrimaryKey()
	cte := "limited_" + qc.Table.Name

	c.w.WriteString(`WITH `)
	c.quoted(cte)
	c.w.WriteString(` AS (SELECT `)
	c.colWithTable(qc.Alias, pk.Name)
	c.w.WriteString(` AS `)
	c.quoted(pk.Name)
	c.renderFrom(qc)
	c.renderWhere(qc)
	c.renderOrderBy(qc.Sort)
	c.renderLimit(qc.Page, qc.Limit)
	c.w.WriteString(`) SELECT `)
	c.renderColumns(qc.Alias, qc.Fields, qc.Rels)
	c.w.WriteString(` FROM `)
	c.quoted(cte)
	c.w.WriteString(` JOIN `)
	c.alias(qc.Table.Name, qc.Alias)
	c.w.WriteString(` ON `)
	c.colWithTable(qc.Alias, pk.Name)
	c.w.WriteString(` = `)
	c.colWithTable(cte, pk.Name)
	c.renderJoins(qc.Joins)
	c.renderOrderBy(qc.Sort)
}

func (c *compilerContext) renderFrom(qc *qcode.QCode) {
	c.w.WriteString(` FROM `)
	c.alias(qc.Table.Name, qc.Alias)
	c.renderJoins(qc.Joins)
}

// renderJoins writes the left joins pulled in by sort paths through
// singular relations.
func (c *compilerContext) renderJoins(joins []qcode.Join) {
	for _, j := range joins {
		c.w.WriteString(` LEFT JOIN `)
		c.alias(j.Table.Name, j.Alias)
		c.w.WriteString(` ON `)
		c.colWithTable(j.Alias, j.TargetCol)
		c.w.WriteString(` = `)
		c.colWithTable(j.LocalTable, j.LocalCol)
	}
}

func (c *compilerContext) renderWhere(qc *qcode.QCode) {
	if qc.Filter == nil {
		return
	}
	c.w.WriteString(` WHERE `)
	c.renderExp(qc.Filter)
}

func (c *compilerContext) renderOrderBy(sort []qcode.OrderBy) {
	for i, ob := range sort {
		if i == 0 {
			c.w.WriteString(` ORDER BY `)
		} else {
			c.w.WriteString(`, `)
		}
		c.colWithTable(ob.Table, ob.Col.Name)
		if ob.Order == qcode.OrderDesc {
			c.w.WriteString(` DESC`)
		} else {
			c.w.WriteString(` ASC`)
		}
	}
}

// renderLimit writes the page window. Limit zero means unbounded and
// suppresses both clauses.
func (c *compilerContext) renderLimit(page, limit int) {
	if limit == 0 {
		return
	}
	c.w.WriteString(` LIMIT `)
	c.w.WriteString(strconv.Itoa(limit))
	if offset := (page - 1) * limit; offset > 0 {
		c.w.WriteString(` OFFSET `)
		c.w.WriteString(strconv.Itoa(offset))
	}
}
