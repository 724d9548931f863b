package core

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/psql"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// find runs one query request end to end: plan, counts, fetch, deferred
// collections, normalisation, deep relations. scope is an extra filter
// ANDed in front of the user filter; deep resolution passes the
// relation link through it, and scoped total counts run against it
// alone.
func (e *engine) find(c context.Context, req Request, scope map[string]any, dbg *Debug) (*Result, error) {
	if req.TableName == "" {
		return nil, newError(ErrValidation, "tableName is required")
	}

	sc, err := e.snapshot(c)
	if err != nil {
		return nil, err
	}

	if req.DebugMode && dbg == nil {
		dbg = newDebug()
	}

	qreq := e.buildQuery(sc, req, scope)

	pl, err := e.plan(sc, qreq, scope)
	if err != nil {
		return nil, err
	}

	res := &Result{Data: []Record{}}
	if req.DebugMode {
		res.Debug = dbg
	}
	if pl.qc.Meta.Total || pl.qc.Meta.Filter {
		res.Meta = Meta{}
	}

	var rows []Record
	if e.conf.MockDB {
		rows = mockRecords(pl.qc)
		if pl.qc.Meta.Total {
			res.Meta["totalCount"] = int64(len(rows))
		}
		if pl.qc.Meta.Filter {
			res.Meta["filterCount"] = int64(len(rows))
		}
	} else {
		if pl.qc.Meta.Total {
			n, err := e.countQuery(c, pl.total, "totalCount", dbg)
			if err != nil {
				return nil, execErr(err, req.TableName)
			}
			res.Meta["totalCount"] = n
		}
		if pl.qc.Meta.Filter {
			n, err := e.countQuery(c, pl.filter, "filterCount", dbg)
			if err != nil {
				return nil, execErr(err, req.TableName)
			}
			res.Meta["filterCount"] = n
		}
		if rows, err = e.fetch(c, pl, dbg); err != nil {
			return nil, err
		}
	}

	if err := e.resolveDeferred(c, pl.qc.Table, rows, pl.qc.Rels, dbg); err != nil {
		return nil, err
	}

	normaliseRows(rows, pl.qc.Fields, pl.qc.Rels)

	if len(req.Deep) > 0 {
		if err := e.resolveDeep(c, sc, pl.qc, req.Deep, rows, res, dbg); err != nil {
			return nil, err
		}
	}

	// The correlation key added for deep resolution leaves the rows
	// only after deep consumed it.
	if pl.qc.PKHidden {
		pk := pl.qc.Table.PrimaryKey()
		for _, row := range rows {
			delete(row, pk.Name)
		}
	}

	if rows != nil {
		res.Data = rows
	}
	return res, nil
}

// buildQuery folds the request defaults and the scope filter into the
// compiler's request form.
func (e *engine) buildQuery(sc *meta.Schema, req Request, scope map[string]any) qcode.Request {
	qreq := qcode.Request{
		Table:  req.TableName,
		Fields: []string(req.Fields),
		Filter: req.Filter,
		Sort:   []string(req.Sort),
		Page:   req.Page,
		Meta:   req.Meta,
		NeedPK: len(req.Deep) > 0,
	}
	if qreq.Page == 0 {
		qreq.Page = 1
	}
	if req.Limit != nil {
		qreq.Limit = *req.Limit
	} else {
		qreq.Limit = e.conf.Query.DefaultLimit
	}

	if scope != nil {
		if qreq.Filter == nil {
			qreq.Filter = scope
		} else {
			qreq.Filter = map[string]any{"_and": []any{scope, qreq.Filter}}
		}
	}

	if len(req.Deep) > 0 {
		qreq.Fields = withDeepOwnerRefs(sc, req.TableName, qreq.Fields, req.Deep)
	}
	return qreq
}

// withDeepOwnerRefs appends the primary-key path of every owner-side
// deep relation to the field list. Deep resolution reads the target id
// off the parent row, so the reference has to be in the projection even
// when the caller did not ask for it.
func withDeepOwnerRefs(sc *meta.Schema, table string, fields []string, deep map[string]*DeepOptions) []string {
	t, err := sc.Table(table)
	if err != nil {
		return fields
	}

	var refs []string
	for name := range deep {
		rel := t.Relation(name)
		if rel == nil || !rel.IsOwner() {
			continue
		}
		target, err := sc.Table(rel.TargetTable)
		if err != nil {
			continue
		}
		if pk := target.PrimaryKey(); pk != nil {
			refs = append(refs, name+"."+pk.Name)
		}
	}
	if len(refs) == 0 {
		return fields
	}
	sort.Strings(refs)

	out := make([]string, 0, len(fields)+len(refs))
	if len(fields) == 0 {
		out = append(out, "*")
	}
	out = append(out, fields...)
	return append(out, refs...)
}

// plan returns the compiled statements for the request, from the cache
// when an identical request already compiled against this snapshot.
func (e *engine) plan(sc *meta.Schema, qreq qcode.Request, scope map[string]any) (*plan, error) {
	key := planKey(e.dbtype, e.conf.DBVersion, sc.Fingerprint(), qreq, scope)
	if p, ok := e.cache.Get(key); ok {
		return p, nil
	}

	co := qcode.NewCompiler(sc)
	qc, err := co.Compile(qreq)
	if err != nil {
		return nil, wrapErr(err, qreq.Table, ErrInternal)
	}

	p := &plan{qc: qc}
	if p.fetch, err = e.renderFetch(qc); err != nil {
		return nil, compileErr(err, qreq.Table)
	}

	if qc.Meta.Total {
		tqc, filtered := qc, false
		if scope != nil {
			// Scoped totals count the related set before the user
			// filter, so they compile from the scope alone.
			sqc, err := co.Compile(qcode.Request{Table: qreq.Table, Filter: scope, Page: 1})
			if err != nil {
				return nil, compileErr(err, qreq.Table)
			}
			tqc, filtered = sqc, true
		}
		if p.total, err = e.renderCount(tqc, filtered); err != nil {
			return nil, compileErr(err, qreq.Table)
		}
	}
	if qc.Meta.Filter {
		if p.filter, err = e.renderCount(qc, true); err != nil {
			return nil, compileErr(err, qreq.Table)
		}
	}

	e.cache.Set(key, p)
	return p, nil
}

func (e *engine) renderFetch(qc *qcode.QCode) (statement, error) {
	if e.dbtype == "mongodb" {
		env, err := e.mqlCompiler.CompileQuery(qc)
		if err != nil {
			return statement{}, err
		}
		return statement{query: env}, nil
	}
	q, err := e.psqlCompiler.CompileQuery(qc)
	if err != nil {
		return statement{}, err
	}
	return statement{query: q.SQL, args: q.Args}, nil
}

func (e *engine) renderCount(qc *qcode.QCode, filtered bool) (*statement, error) {
	if e.dbtype == "mongodb" {
		var env string
		var err error
		if filtered {
			env, err = e.mqlCompiler.CompileFilterCount(qc)
		} else {
			env, err = e.mqlCompiler.CompileTotalCount(qc)
		}
		if err != nil {
			return nil, err
		}
		return &statement{query: env}, nil
	}

	var q *psql.Query
	var err error
	if filtered {
		q, err = e.psqlCompiler.CompileFilterCount(qc)
	} else {
		q, err = e.psqlCompiler.CompileTotalCount(qc)
	}
	if err != nil {
		return nil, err
	}
	return &statement{query: q.SQL, args: q.Args}, nil
}

func (e *engine) fetch(c context.Context, pl *plan, dbg *Debug) ([]Record, error) {
	if e.dbtype == "mongodb" {
		docs, err := e.queryDocs(c, pl.fetch.query, "fetch", dbg)
		if err != nil {
			return nil, execErr(err, pl.qc.Table.Name)
		}
		return docs, nil
	}

	names := projectionNames(pl.qc.Fields, pl.qc.Rels, "")
	rows, err := e.queryRecords(c, pl.fetch, names, "fetch", dbg)
	if err != nil {
		return nil, execErr(err, pl.qc.Table.Name)
	}
	return rows, nil
}

// projectionNames lists the scan targets in statement order: scalar
// fields, inline relations, then the optional trailing column.
func projectionNames(fields []qcode.Field, rels []*qcode.SelectRel, extra string) []string {
	names := make([]string, 0, len(fields)+len(rels)+1)
	for _, f := range fields {
		names = append(names, f.Col.Name)
	}
	for _, sr := range rels {
		if sr.Strategy == qcode.StratPostFetch {
			continue
		}
		names = append(names, sr.Name)
	}
	if extra != "" {
		names = append(names, extra)
	}
	return names
}

func (e *engine) queryRecords(c context.Context, st statement, names []string, purpose string, dbg *Debug) ([]Record, error) {
	var out []Record
	err := retryOperation(c, func() error {
		start := time.Now()
		rows, err := e.db.QueryContext(c, st.query, st.args...)
		dbg.record(purpose, st.query, len(st.args), start)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			vals := make([]any, len(names))
			ptrs := make([]any, len(names))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			rec := make(Record, len(names))
			for i, name := range names {
				rec[name] = vals[i]
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// queryDocs runs one document-store envelope. The driver hands the
// whole result set back as a single JSON array value; numbers decode
// as json.Number so ids survive untruncated.
func (e *engine) queryDocs(c context.Context, envelope, purpose string, dbg *Debug) ([]Record, error) {
	var raw []byte
	err := retryOperation(c, func() error {
		start := time.Now()
		err := e.db.QueryRowContext(c, envelope).Scan(&raw)
		dbg.record(purpose, envelope, 0, start)
		return err
	})
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var docs []Record
	if err := dec.Decode(&docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (e *engine) countQuery(c context.Context, st *statement, purpose string, dbg *Debug) (n int64, err error) {
	err = retryOperation(c, func() error {
		start := time.Now()
		err := e.db.QueryRowContext(c, st.query, st.args...).Scan(&n)
		dbg.record(purpose, st.query, len(st.args), start)
		return err
	})
	return
}
