package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/enfyra/server-sub006/core/internal/meta"
)

// execer is the slice of database/sql shared by *sql.DB and *sql.Tx;
// relation writes run on whichever the caller is inside.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// writePlan is a payload split into bindable column values and the
// relation writes that ride along with the row.
type writePlan struct {
	values map[string]any
	links  []linkWrite
	claims []claimWrite
}

// linkWrite replaces the junction rows of one many-to-many relation.
type linkWrite struct {
	rel     *meta.Relation
	targets []any
}

// claimWrite points inverse-side rows back at this row by setting
// their foreign key.
type claimWrite struct {
	rel *meta.Relation
	ids []any
}

func (e *engine) insert(c context.Context, table string, values map[string]any) (Record, error) {
	sc, err := e.snapshot(c)
	if err != nil {
		return nil, err
	}
	t, err := sc.Table(table)
	if err != nil {
		return nil, wrapErr(err, table, ErrNotFound)
	}
	pk := t.PrimaryKey()
	if pk == nil {
		return nil, newError(ErrValidation, "table %q has no primary key", table)
	}
	pl, err := e.prepareWrite(sc, t, values, false)
	if err != nil {
		return nil, err
	}

	var id any
	switch {
	case e.conf.MockDB:
		if id = pl.values[pk.Name]; id == nil {
			id = int64(1)
		}
	case e.dbtype == "mongodb":
		id, err = e.insertMongo(c, sc, t, pk, pl)
	default:
		id, err = e.insertSQL(c, sc, t, pk, pl)
	}
	if err != nil {
		return nil, err
	}
	return e.readRow(c, t.Name, pk.Name, id)
}

func (e *engine) update(c context.Context, table string, id any, values map[string]any) (Record, error) {
	sc, err := e.snapshot(c)
	if err != nil {
		return nil, err
	}
	t, err := sc.Table(table)
	if err != nil {
		return nil, wrapErr(err, table, ErrNotFound)
	}
	pk := t.PrimaryKey()
	if pk == nil {
		return nil, newError(ErrValidation, "table %q has no primary key", table)
	}
	pl, err := e.prepareWrite(sc, t, values, true)
	if err != nil {
		return nil, err
	}
	if len(pl.values) == 0 && len(pl.links) == 0 && len(pl.claims) == 0 {
		return nil, newError(ErrValidation, "update of %q carries no values", table)
	}
	if e.conf.MockDB {
		return e.readRow(c, t.Name, pk.Name, id)
	}

	// Existence is probed by reading. Affected-row counts cannot tell a
	// missing row from a no-op update; mysql reports zero for both.
	if _, err := e.readRow(c, t.Name, pk.Name, id); err != nil {
		return nil, err
	}

	if e.dbtype == "mongodb" {
		err = e.updateMongo(c, sc, t, id, pl)
	} else {
		err = e.updateSQL(c, sc, t, id, pl)
	}
	if err != nil {
		return nil, err
	}
	return e.readRow(c, t.Name, pk.Name, id)
}

func (e *engine) delete(c context.Context, table string, id any) (Record, error) {
	sc, err := e.snapshot(c)
	if err != nil {
		return nil, err
	}
	t, err := sc.Table(table)
	if err != nil {
		return nil, wrapErr(err, table, ErrNotFound)
	}
	pk := t.PrimaryKey()
	if pk == nil {
		return nil, newError(ErrValidation, "table %q has no primary key", table)
	}

	// The stored form is captured first; it is both the return value
	// and the existence probe.
	row, err := e.readRow(c, t.Name, pk.Name, id)
	if err != nil {
		return nil, err
	}
	if e.conf.MockDB {
		return row, nil
	}

	cascades, err := e.cascadeTargets(c, sc, t, pk, id)
	if err != nil {
		return nil, err
	}

	if e.dbtype == "mongodb" {
		err = e.deleteMongo(c, t, id, cascades)
	} else {
		err = e.deleteSQL(c, t, id, cascades)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// readRow fetches one row through the read pipeline so callers of the
// write surface see exactly what a find would return.
func (e *engine) readRow(c context.Context, table, pkName string, id any) (Record, error) {
	one := 1
	res, err := e.find(c, Request{
		TableName: table,
		Filter:    map[string]any{pkName: map[string]any{"_eq": id}},
		Limit:     &one,
	}, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return nil, &Error{Kind: ErrNotFound, Table: table, Message: "row not found"}
	}
	return res.Data[0], nil
}

func (e *engine) insertSQL(c context.Context, sc *meta.Schema, t *meta.Table, pk *meta.Column, pl *writePlan) (any, error) {
	q, err := e.psqlCompiler.CompileInsert(t, pl.values)
	if err != nil {
		return nil, compileErr(err, t.Name)
	}

	tx, err := e.db.BeginTx(c, nil)
	if err != nil {
		return nil, execErr(err, t.Name)
	}
	defer tx.Rollback()

	id := pl.values[pk.Name]
	if e.psqlCompiler.Dialect().SupportsReturning() {
		if err := tx.QueryRowContext(c, q.SQL, q.Args...).Scan(&id); err != nil {
			return nil, execErr(err, t.Name)
		}
	} else {
		res, err := tx.ExecContext(c, q.SQL, q.Args...)
		if err != nil {
			return nil, execErr(err, t.Name)
		}
		if id == nil {
			n, err := res.LastInsertId()
			if err != nil {
				return nil, execErr(err, t.Name)
			}
			id = n
		}
	}

	if err := e.relationWritesSQL(c, tx, sc, id, pl, false); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, execErr(err, t.Name)
	}
	return id, nil
}

func (e *engine) updateSQL(c context.Context, sc *meta.Schema, t *meta.Table, id any, pl *writePlan) error {
	tx, err := e.db.BeginTx(c, nil)
	if err != nil {
		return execErr(err, t.Name)
	}
	defer tx.Rollback()

	if len(pl.values) > 0 {
		q, err := e.psqlCompiler.CompileUpdate(t, id, pl.values)
		if err != nil {
			return compileErr(err, t.Name)
		}
		if _, err := tx.ExecContext(c, q.SQL, q.Args...); err != nil {
			return execErr(err, t.Name)
		}
	}
	if err := e.relationWritesSQL(c, tx, sc, id, pl, true); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return execErr(err, t.Name)
	}
	return nil
}

func (e *engine) deleteSQL(c context.Context, t *meta.Table, id any, cascades []cascade) error {
	q, err := e.psqlCompiler.CompileDelete(t, id)
	if err != nil {
		return compileErr(err, t.Name)
	}

	tx, err := e.db.BeginTx(c, nil)
	if err != nil {
		return execErr(err, t.Name)
	}
	defer tx.Rollback()

	for i := range t.Relations {
		rel := &t.Relations[i]
		if _, ok := rel.Kind().(meta.Junction); !ok {
			continue
		}
		cq, err := e.psqlCompiler.CompileJunctionClear(rel.Junction(), id)
		if err != nil {
			return compileErr(err, t.Name)
		}
		if _, err := tx.ExecContext(c, cq.SQL, cq.Args...); err != nil {
			return execErr(err, t.Name)
		}
	}
	for _, ca := range cascades {
		dq, err := e.psqlCompiler.CompileDelete(ca.table, ca.id)
		if err != nil {
			return compileErr(err, ca.table.Name)
		}
		if _, err := tx.ExecContext(c, dq.SQL, dq.Args...); err != nil {
			return execErr(err, ca.table.Name)
		}
	}
	if _, err := tx.ExecContext(c, q.SQL, q.Args...); err != nil {
		return execErr(err, t.Name)
	}
	return execErr(tx.Commit(), t.Name)
}

// relationWritesSQL synchronises junction tables and claims inverse-side
// rows. Runs on the caller's transaction.
func (e *engine) relationWritesSQL(c context.Context, run execer, sc *meta.Schema, id any, pl *writePlan, update bool) error {
	for _, lw := range pl.links {
		j := lw.rel.Junction()
		if update {
			q, err := e.psqlCompiler.CompileJunctionClear(j, id)
			if err != nil {
				return compileErr(err, lw.rel.SourceTable)
			}
			if _, err := run.ExecContext(c, q.SQL, q.Args...); err != nil {
				return execErr(err, lw.rel.SourceTable)
			}
		}
		if len(lw.targets) == 0 {
			continue
		}
		q, err := e.psqlCompiler.CompileJunctionInsert(j, id, lw.targets)
		if err != nil {
			return compileErr(err, lw.rel.SourceTable)
		}
		if _, err := run.ExecContext(c, q.SQL, q.Args...); err != nil {
			return execErr(err, lw.rel.SourceTable)
		}
	}

	for _, cw := range pl.claims {
		inv, err := sc.InverseOf(cw.rel)
		if err != nil {
			return wrapErr(err, cw.rel.SourceTable, ErrValidation)
		}
		target, err := sc.Table(cw.rel.TargetTable)
		if err != nil {
			return wrapErr(err, cw.rel.TargetTable, ErrNotFound)
		}
		for _, cid := range cw.ids {
			q, err := e.psqlCompiler.CompileUpdate(target, cid, map[string]any{inv.ForeignKey(): id})
			if err != nil {
				return compileErr(err, target.Name)
			}
			if _, err := run.ExecContext(c, q.SQL, q.Args...); err != nil {
				return execErr(err, target.Name)
			}
		}
	}
	return nil
}

// insertMongo stores the document and reads the assigned id off the
// returned stored form. Document writes are not transactional;
// standalone servers have no multi-document transactions.
func (e *engine) insertMongo(c context.Context, sc *meta.Schema, t *meta.Table, pk *meta.Column, pl *writePlan) (any, error) {
	env, err := e.mqlCompiler.CompileInsert(t, pl.values)
	if err != nil {
		return nil, compileErr(err, t.Name)
	}
	var raw []byte
	if err := e.db.QueryRowContext(c, env).Scan(&raw); err != nil {
		return nil, execErr(err, t.Name)
	}
	v, err := decodeJSONValue(raw)
	if err != nil {
		return nil, execErr(err, t.Name)
	}
	doc, _ := v.(map[string]any)
	if doc == nil {
		return nil, newError(ErrInternal, "insert into %q returned no document", t.Name)
	}
	id, ok := doc[pk.Name]
	if !ok {
		return nil, newError(ErrInternal, "insert into %q returned no %q", t.Name, pk.Name)
	}
	if err := e.relationWritesMongo(c, sc, id, pl, false); err != nil {
		return nil, err
	}
	return id, nil
}

func (e *engine) updateMongo(c context.Context, sc *meta.Schema, t *meta.Table, id any, pl *writePlan) error {
	if len(pl.values) > 0 {
		env, err := e.mqlCompiler.CompileUpdate(t, id, pl.values)
		if err != nil {
			return compileErr(err, t.Name)
		}
		if _, err := e.db.ExecContext(c, env); err != nil {
			return execErr(err, t.Name)
		}
	}
	return e.relationWritesMongo(c, sc, id, pl, true)
}

func (e *engine) deleteMongo(c context.Context, t *meta.Table, id any, cascades []cascade) error {
	for i := range t.Relations {
		rel := &t.Relations[i]
		if _, ok := rel.Kind().(meta.Junction); !ok {
			continue
		}
		env, err := e.mqlCompiler.CompileJunctionClear(rel.Junction(), id)
		if err != nil {
			return compileErr(err, t.Name)
		}
		if _, err := e.db.ExecContext(c, env); err != nil {
			return execErr(err, t.Name)
		}
	}
	for _, ca := range cascades {
		env, err := e.mqlCompiler.CompileDelete(ca.table, ca.id)
		if err != nil {
			return compileErr(err, ca.table.Name)
		}
		if _, err := e.db.ExecContext(c, env); err != nil {
			return execErr(err, ca.table.Name)
		}
	}
	env, err := e.mqlCompiler.CompileDelete(t, id)
	if err != nil {
		return compileErr(err, t.Name)
	}
	_, err = e.db.ExecContext(c, env)
	return execErr(err, t.Name)
}

func (e *engine) relationWritesMongo(c context.Context, sc *meta.Schema, id any, pl *writePlan, update bool) error {
	for _, lw := range pl.links {
		j := lw.rel.Junction()
		if update {
			env, err := e.mqlCompiler.CompileJunctionClear(j, id)
			if err != nil {
				return compileErr(err, lw.rel.SourceTable)
			}
			if _, err := e.db.ExecContext(c, env); err != nil {
				return execErr(err, lw.rel.SourceTable)
			}
		}
		if len(lw.targets) == 0 {
			continue
		}
		env, err := e.mqlCompiler.CompileJunctionInsert(j, id, lw.targets)
		if err != nil {
			return compileErr(err, lw.rel.SourceTable)
		}
		if _, err := e.db.ExecContext(c, env); err != nil {
			return execErr(err, lw.rel.SourceTable)
		}
	}

	for _, cw := range pl.claims {
		inv, err := sc.InverseOf(cw.rel)
		if err != nil {
			return wrapErr(err, cw.rel.SourceTable, ErrValidation)
		}
		target, err := sc.Table(cw.rel.TargetTable)
		if err != nil {
			return wrapErr(err, cw.rel.TargetTable, ErrNotFound)
		}
		for _, cid := range cw.ids {
			env, err := e.mqlCompiler.CompileUpdate(target, cid, map[string]any{inv.ForeignKey(): id})
			if err != nil {
				return compileErr(err, target.Name)
			}
			if _, err := e.db.ExecContext(c, env); err != nil {
				return execErr(err, target.Name)
			}
		}
	}
	return nil
}

// cascade is one row removed alongside its parent.
type cascade struct {
	table *meta.Table
	id    any
}

// cascadeTargets collects the owning one-to-one rows that disappear
// with this row. The cascade fires only on an explicit contract: both
// onDelete=CASCADE and the inverse property must be declared.
func (e *engine) cascadeTargets(c context.Context, sc *meta.Schema, t *meta.Table, pk *meta.Column, id any) ([]cascade, error) {
	var out []cascade
	for i := range t.Relations {
		rel := &t.Relations[i]
		k, ok := rel.Kind().(meta.InverseSingle)
		if !ok || rel.OnDelete != "CASCADE" || k.Via == "" {
			continue
		}
		target, err := sc.Table(rel.TargetTable)
		if err != nil {
			continue
		}
		tpk := target.PrimaryKey()
		if tpk == nil {
			continue
		}
		one := 1
		res, err := e.find(c, Request{
			TableName: rel.TargetTable,
			Fields:    StringList{tpk.Name},
			Filter:    map[string]any{k.Via: map[string]any{pk.Name: map[string]any{"_eq": id}}},
			Limit:     &one,
		}, nil, nil)
		if err != nil {
			return nil, err
		}
		if len(res.Data) == 0 {
			continue
		}
		out = append(out, cascade{table: target, id: res.Data[0][tpk.Name]})
	}
	return out, nil
}

// prepareWrite sanitises a mutation payload: unknown, hidden, generated
// and (on update) read-only columns are stripped, relation payloads are
// folded into foreign keys or queued as link and claim writes, JSON
// columns are serialised for the SQL stores, and the audit timestamps
// are stamped.
func (e *engine) prepareWrite(sc *meta.Schema, t *meta.Table, values map[string]any, update bool) (*writePlan, error) {
	pl := &writePlan{values: make(map[string]any, len(values))}
	for name, v := range values {
		col, rel := t.Prop(name)
		switch {
		case rel != nil:
			if err := e.queueRelation(sc, pl, rel, v); err != nil {
				return nil, err
			}
		case col == nil || col.Hidden || col.System || col.Generated:
			// stripped; the store owns these
		case update && (col.Primary || !col.Updatable):
			// stripped
		default:
			bound, err := e.bindValue(col, v)
			if err != nil {
				return nil, err
			}
			pl.values[col.Name] = bound
		}
	}
	stampTimestamps(t, pl.values, update, time.Now().UTC())
	return pl, nil
}

// queueRelation folds one relation payload into the plan. Owner sides
// become the foreign-key column; many-to-many becomes a link write;
// inverse sides become claims on the target rows. A payload of nil
// means detach for owners and clear for links.
func (e *engine) queueRelation(sc *meta.Schema, pl *writePlan, rel *meta.Relation, v any) error {
	target, err := sc.Table(rel.TargetTable)
	if err != nil {
		return wrapErr(err, rel.SourceTable, ErrNotFound)
	}
	switch k := rel.Kind().(type) {
	case meta.Owner:
		id, err := refID(target, rel.PropertyName, v)
		if err != nil {
			return err
		}
		pl.values[k.ForeignKey] = id
	case meta.Junction:
		ids, err := refIDs(target, rel.PropertyName, v)
		if err != nil {
			return err
		}
		pl.links = append(pl.links, linkWrite{rel: rel, targets: ids})
	case meta.InverseSingle:
		if v == nil {
			return nil
		}
		id, err := refID(target, rel.PropertyName, v)
		if err != nil {
			return err
		}
		pl.claims = append(pl.claims, claimWrite{rel: rel, ids: []any{id}})
	case meta.Collection:
		if v == nil {
			return nil
		}
		ids, err := refIDs(target, rel.PropertyName, v)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			pl.claims = append(pl.claims, claimWrite{rel: rel, ids: ids})
		}
	}
	return nil
}

// refID extracts the target identifier from a relation payload: the
// bare id, or the reference shape keyed by the target's primary key.
func refID(target *meta.Table, prop string, v any) (any, error) {
	switch ref := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if pk := target.PrimaryKey(); pk != nil {
			if id, ok := ref[pk.Name]; ok {
				return id, nil
			}
		}
		if id, ok := ref["id"]; ok {
			return id, nil
		}
		return nil, newError(ErrValidation, "relation %q expects a reference with an id", prop)
	case []any:
		return nil, newError(ErrValidation, "relation %q expects a single reference", prop)
	default:
		return v, nil
	}
}

func refIDs(target *meta.Table, prop string, v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, newError(ErrValidation, "relation %q expects a list of references", prop)
	}
	ids := make([]any, 0, len(list))
	for _, item := range list {
		id, err := refID(target, prop, item)
		if err != nil {
			return nil, err
		}
		if id == nil {
			return nil, newError(ErrValidation, "relation %q carries an empty reference", prop)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// bindValue prepares one payload value for the store. Structured values
// headed for JSON columns are serialised on the SQL side; the document
// store keeps them as subdocuments.
func (e *engine) bindValue(col *meta.Column, v any) (any, error) {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			v = i
		} else if f, err := n.Float64(); err == nil {
			v = f
		}
	}
	if col.Type == meta.TypeJSON && e.dbtype != "mongodb" {
		switch v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, newError(ErrValidation, "column %q holds an unserialisable value", col.Name)
			}
			return string(b), nil
		}
	}
	return v, nil
}

// stampTimestamps manages the conventional audit columns. Inserts fill
// both when the table declares them; updates always refresh updatedAt
// and never touch createdAt.
func stampTimestamps(t *meta.Table, values map[string]any, update bool, now time.Time) {
	if col := t.Column("createdAt"); col != nil && col.Type.Temporal() {
		if update {
			delete(values, "createdAt")
		} else if _, ok := values["createdAt"]; !ok {
			values["createdAt"] = now
		}
	}
	if col := t.Column("updatedAt"); col != nil && col.Type.Temporal() {
		if _, ok := values["updatedAt"]; update || !ok {
			values["updatedAt"] = now
		}
	}
}
