package psql

import (
	"fmt"

	"github.com/enfyra/server-sub006/core/internal/dialect"
	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// CompileInsert renders a single-row insert. Columns follow the
// table's declared order filtered to the supplied values, so the same
// payload always renders the same statement. Dialects with RETURNING
// hand back the primary key directly.
func (co *Compiler) CompileInsert(table *meta.Table, values map[string]any) (*Query, error) {
	cols, err := pickColumns(table, values)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: insert into %q carries no columns", qcode.ErrValidation, table.Name)
	}

	c := co.newContext()
	c.w.WriteString(`INSERT INTO `)
	c.quoted(table.Name)
	c.w.WriteString(` (`)
	for i, col := range cols {
		if i != 0 {
			c.w.WriteString(`, `)
		}
		c.quoted(col.Name)
	}
	c.w.WriteString(`) VALUES (`)
	for i, col := range cols {
		if i != 0 {
			c.w.WriteString(`, `)
		}
		c.w.WriteString(c.AddParam(dialect.Param{Col: col, Value: values[col.Name]}))
	}
	c.w.WriteString(`)`)

	if pk := table.PrimaryKey(); pk != nil && co.d.SupportsReturning() {
		c.w.WriteString(` RETURNING `)
		c.quoted(pk.Name)
	}
	return c.query()
}

// CompileUpdate renders a single-row update by primary key. Columns
// flagged not updatable are rejected rather than silently dropped.
func (co *Compiler) CompileUpdate(table *meta.Table, id any, values map[string]any) (*Query, error) {
	pk := table.PrimaryKey()
	if pk == nil {
		return nil, fmt.Errorf("%w: table %q has no primary key", qcode.ErrValidation, table.Name)
	}
	cols, err := pickColumns(table, values)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: update of %q carries no columns", qcode.ErrValidation, table.Name)
	}
	for _, col := range cols {
		if !col.Updatable || col.Primary {
			return nil, fmt.Errorf("%w: column %q on table %q is not updatable", qcode.ErrValidation, col.Name, table.Name)
		}
	}

	c := co.newContext()
	c.w.WriteString(`UPDATE `)
	c.quoted(table.Name)
	c.w.WriteString(` SET `)
	for i, col := range cols {
		if i != 0 {
			c.w.WriteString(`, `)
		}
		c.quoted(col.Name)
		c.w.WriteString(` = `)
		c.w.WriteString(c.AddParam(dialect.Param{Col: col, Value: values[col.Name]}))
	}
	c.w.WriteString(` WHERE `)
	c.quoted(pk.Name)
	c.w.WriteString(` = `)
	c.w.WriteString(c.AddParam(dialect.Param{Col: pk, Value: id}))
	return c.query()
}

// CompileDelete renders a single-row delete by primary key.
func (co *Compiler) CompileDelete(table *meta.Table, id any) (*Query, error) {
	pk := table.PrimaryKey()
	if pk == nil {
		return nil, fmt.Errorf("%w: table %q has no primary key", qcode.ErrValidation, table.Name)
	}

	c := co.newContext()
	c.w.WriteString(`DELETE FROM `)
	c.quoted(table.Name)
	c.w.WriteString(` WHERE `)
	c.quoted(pk.Name)
	c.w.WriteString(` = `)
	c.w.WriteString(c.AddParam(dialect.Param{Col: pk, Value: id}))
	return c.query()
}

// CompileJunctionClear removes every link a parent row holds in a
// junction table; used before re-inserting the new link set.
func (co *Compiler) CompileJunctionClear(j meta.Junction, parent any) (*Query, error) {
	c := co.newContext()
	c.w.WriteString(`DELETE FROM `)
	c.quoted(j.Table)
	c.w.WriteString(` WHERE `)
	c.quoted(j.SourceColumn)
	c.w.WriteString(` = `)
	c.w.WriteString(c.AddParam(dialect.Param{Value: parent}))
	return c.query()
}

// CompileJunctionInsert links a parent row to each target id in one
// multi-row insert.
func (co *Compiler) CompileJunctionInsert(j meta.Junction, parent any, targets []any) (*Query, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: junction insert into %q carries no targets", qcode.ErrValidation, j.Table)
	}

	c := co.newContext()
	c.w.WriteString(`INSERT INTO `)
	c.quoted(j.Table)
	c.w.WriteString(` (`)
	c.quoted(j.SourceColumn)
	c.w.WriteString(`, `)
	c.quoted(j.TargetColumn)
	c.w.WriteString(`) VALUES `)
	for i, target := range targets {
		if i != 0 {
			c.w.WriteString(`, `)
		}
		c.w.WriteString(`(`)
		c.w.WriteString(c.AddParam(dialect.Param{Value: parent}))
		c.w.WriteString(`, `)
		c.w.WriteString(c.AddParam(dialect.Param{Value: target}))
		c.w.WriteString(`)`)
	}
	return c.query()
}

// pickColumns resolves the payload keys against the table in declared
// column order. Unknown and hidden names fail the whole statement.
func pickColumns(table *meta.Table, values map[string]any) ([]*meta.Column, error) {
	for name := range values {
		if col := table.Column(name); col == nil || col.Hidden {
			return nil, fmt.Errorf("%w: unknown column %q on table %q", qcode.ErrValidation, name, table.Name)
		}
	}
	cols := make([]*meta.Column, 0, len(values))
	for i := range table.Columns {
		col := &table.Columns[i]
		if _, ok := values[col.Name]; ok {
			cols = append(cols, col)
		}
	}
	return cols, nil
}
