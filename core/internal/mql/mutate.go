package mql

import (
	"fmt"

	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// CompileInsert renders an insertOne. Values are validated against the
// declared columns; the store assigns the id when the payload omits it.
func (co *Compiler) CompileInsert(table *meta.Table, vals map[string]any) (string, error) {
	doc, err := pickValues(table, vals, false)
	if err != nil {
		return "", err
	}
	if len(doc) == 0 {
		return "", fmt.Errorf("%w: insert into %q with no columns", qcode.ErrValidation, table.Name)
	}
	return envelope(table.Name, "insertOne", map[string]any{"document": doc})
}

// CompileUpdate renders an updateOne setting the given values on the
// document with the given primary key.
func (co *Compiler) CompileUpdate(table *meta.Table, id any, vals map[string]any) (string, error) {
	pk := table.PrimaryKey()
	if pk == nil {
		return "", fmt.Errorf("table %q has no primary key", table.Name)
	}
	set, err := pickValues(table, vals, true)
	if err != nil {
		return "", err
	}
	if len(set) == 0 {
		return "", fmt.Errorf("%w: update of %q with no columns", qcode.ErrValidation, table.Name)
	}
	return envelope(table.Name, "updateOne", map[string]any{
		"filter": map[string]any{pk.Name: docValue(id)},
		"set":    set,
	})
}

func (co *Compiler) CompileDelete(table *meta.Table, id any) (string, error) {
	pk := table.PrimaryKey()
	if pk == nil {
		return "", fmt.Errorf("table %q has no primary key", table.Name)
	}
	return envelope(table.Name, "deleteOne", map[string]any{
		"filter": map[string]any{pk.Name: docValue(id)},
	})
}

// CompileJunctionClear removes every link document of one parent.
func (co *Compiler) CompileJunctionClear(j meta.Junction, parent any) (string, error) {
	return envelope(j.Table, "deleteMany", map[string]any{
		"filter": map[string]any{j.SourceColumn: docValue(parent)},
	})
}

// CompileJunctionInsert writes one link document per target.
func (co *Compiler) CompileJunctionInsert(j meta.Junction, parent any, targets []any) (string, error) {
	if len(targets) == 0 {
		return "", fmt.Errorf("%w: junction insert into %q with no targets", qcode.ErrValidation, j.Table)
	}
	docs := make([]any, 0, len(targets))
	for _, t := range targets {
		docs = append(docs, map[string]any{
			j.SourceColumn: docValue(parent),
			j.TargetColumn: docValue(t),
		})
	}
	return envelope(j.Table, "insertMany", map[string]any{"documents": docs})
}

// pickValues validates a mutation payload against the declared columns.
// Updates additionally refuse the primary key and read-only columns.
func pickValues(table *meta.Table, vals map[string]any, update bool) (map[string]any, error) {
	doc := make(map[string]any, len(vals))
	for name, v := range vals {
		col := table.Column(name)
		if col == nil || col.Hidden {
			return nil, fmt.Errorf("%w: unknown column %q on table %q", qcode.ErrValidation, name, table.Name)
		}
		if update && (col.Primary || !col.Updatable) {
			return nil, fmt.Errorf("%w: column %q on table %q is not updatable", qcode.ErrValidation, name, table.Name)
		}
		doc[col.Name] = docValue(v)
	}
	return doc, nil
}
