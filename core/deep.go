package core

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// resolveDeep attaches the deep relations of the page: one recursive
// find per parent row and relation, fanned out under the configured
// parallelism. A relation that cannot be resolved degrades to a warning
// plus an empty attachment; only cancellation aborts the request.
func (e *engine) resolveDeep(c context.Context, sc *meta.Schema, qc *qcode.QCode, deep map[string]*DeepOptions, rows []Record, res *Result, dbg *Debug) error {
	names := make([]string, 0, len(deep))
	for name := range deep {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		opts := deep[name]
		if opts == nil {
			opts = &DeepOptions{}
		}
		if err := e.deepRelation(c, sc, qc, name, opts, rows, res, dbg); err != nil {
			return err
		}
	}
	return nil
}

func (e *engine) deepRelation(c context.Context, sc *meta.Schema, qc *qcode.QCode, name string, opts *DeepOptions, rows []Record, res *Result, dbg *Debug) error {
	rel := qc.Table.Relation(name)
	if rel == nil {
		e.log.Printf("WARN: deep relation %q not found on table %q", name, qc.Table.Name)
		attachEmpty(rows, name, false)
		return nil
	}

	target, err := sc.Table(rel.TargetTable)
	if err != nil {
		e.log.Printf("WARN: deep relation %q on table %q targets unknown table %q", name, qc.Table.Name, rel.TargetTable)
		attachEmpty(rows, name, rel.Singular())
		return nil
	}
	tpk := target.PrimaryKey()
	pk := qc.Table.PrimaryKey()
	if tpk == nil || pk == nil {
		e.log.Printf("WARN: deep relation %q on table %q has no primary keys to link on", name, qc.Table.Name)
		attachEmpty(rows, name, rel.Singular())
		return nil
	}

	// One link scope per parent row; a nil scope means there is
	// nothing to fetch for that row.
	scopes := make([]map[string]any, len(rows))
	switch k := rel.Kind().(type) {
	case meta.Owner:
		for i, row := range rows {
			ref, _ := row[name].(map[string]any)
			if ref == nil {
				continue
			}
			if id := ref[tpk.Name]; id != nil {
				scopes[i] = map[string]any{tpk.Name: map[string]any{"_eq": id}}
			}
		}

	case meta.InverseSingle, meta.Collection:
		inv, err := sc.InverseOf(rel)
		if err != nil {
			e.log.Printf("WARN: deep relation %q on table %q has no owning side", name, qc.Table.Name)
			attachEmpty(rows, name, rel.Singular())
			return nil
		}
		for i, row := range rows {
			if id := row[pk.Name]; id != nil {
				scopes[i] = map[string]any{
					inv.PropertyName: map[string]any{pk.Name: map[string]any{"_eq": id}},
				}
			}
		}

	case meta.Junction:
		perParent, err := e.junctionTargets(c, pk, k, rows, dbg)
		if err != nil {
			if c.Err() != nil {
				return wrapErr(err, qc.Table.Name, ErrTransport)
			}
			e.log.Printf("WARN: deep relation %q on table %q: %v", name, qc.Table.Name, err)
			attachEmpty(rows, name, false)
			return nil
		}
		for i, row := range rows {
			targets := perParent[groupKey(row[pk.Name])]
			if len(targets) == 0 {
				continue
			}
			ids := make([]any, len(targets))
			for n, t := range targets {
				ids[n] = normaliseValue(tpk, t)
			}
			scopes[i] = map[string]any{tpk.Name: map[string]any{"_in": ids}}
		}
	}

	singular := rel.Singular()
	metaWanted := opts.Meta != ""
	entries := make([]Meta, len(rows))

	g, gc := errgroup.WithContext(c)
	sem := semaphore.NewWeighted(int64(e.conf.Deep.Parallelism))

	for i := range rows {
		row, scope := rows[i], scopes[i]
		g.Go(func() error {
			if scope == nil {
				attachOne(row, name, nil, singular)
				if metaWanted {
					entries[i] = zeroMeta(opts.Meta, pk.Name, row[pk.Name])
				}
				return nil
			}
			if err := sem.Acquire(gc, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			child := Request{
				TableName: rel.TargetTable,
				Fields:    opts.Fields,
				Filter:    opts.Filter,
				Sort:      opts.Sort,
				Page:      opts.Page,
				Limit:     opts.Limit,
				Meta:      opts.Meta,
				Deep:      opts.Deep,
			}
			sub, err := e.find(gc, child, scope, dbg)
			if err != nil {
				if gc.Err() != nil {
					return err
				}
				e.log.Printf("WARN: deep relation %q on table %q: %v", name, qc.Table.Name, err)
				attachOne(row, name, nil, singular)
				if metaWanted {
					entries[i] = zeroMeta(opts.Meta, pk.Name, row[pk.Name])
				}
				return nil
			}

			attachOne(row, name, sub.Data, singular)
			if metaWanted {
				entry := Meta{pk.Name: row[pk.Name]}
				for k, v := range sub.Meta {
					entry[k] = v
				}
				entries[i] = entry
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return wrapErr(err, qc.Table.Name, ErrTransport)
	}

	if metaWanted {
		if res.Meta == nil {
			res.Meta = Meta{}
		}
		list := make([]Meta, 0, len(entries))
		for _, entry := range entries {
			if entry != nil {
				list = append(list, entry)
			}
		}
		res.Meta[name] = list
	}
	return nil
}

// junctionTargets fetches the junction links for every parent of the
// page in one query and returns each parent's target ids in link
// order.
func (e *engine) junctionTargets(c context.Context, pk *meta.Column, j meta.Junction, rows []Record, dbg *Debug) (map[string][]any, error) {
	parents := parentIDs(rows, pk.Name)
	out := make(map[string][]any, len(parents))
	if len(parents) == 0 {
		return out, nil
	}

	var links []Record
	var err error
	switch {
	case e.conf.MockDB:
		links = mockLinks(j, parents)
	case e.dbtype == "mongodb":
		env, cerr := e.mqlCompiler.CompileJunctionLinks(j, parents)
		if cerr != nil {
			return nil, cerr
		}
		if links, err = e.queryDocs(c, env, "deep:links:"+j.Table, dbg); err != nil {
			return nil, err
		}
	default:
		q, cerr := e.psqlCompiler.CompileJunctionLinks(pk, j, parents)
		if cerr != nil {
			return nil, cerr
		}
		st := statement{query: q.SQL, args: q.Args}
		names := []string{j.SourceColumn, j.TargetColumn}
		if links, err = e.queryRecords(c, st, names, "deep:links:"+j.Table, dbg); err != nil {
			return nil, err
		}
	}

	for _, link := range links {
		src, tgt := link[j.SourceColumn], link[j.TargetColumn]
		if src == nil || tgt == nil {
			continue
		}
		out[groupKey(src)] = append(out[groupKey(src)], tgt)
	}
	return out, nil
}

func attachOne(row Record, name string, data []Record, singular bool) {
	if singular {
		if len(data) > 0 {
			row[name] = data[0]
		} else {
			row[name] = nil
		}
		return
	}
	if data == nil {
		data = []Record{}
	}
	row[name] = data
}

func attachEmpty(rows []Record, name string, singular bool) {
	for _, row := range rows {
		attachOne(row, name, nil, singular)
	}
}

func zeroMeta(spec, pkName string, id any) Meta {
	m := Meta{pkName: id}
	for _, tok := range strings.Split(spec, ",") {
		switch strings.TrimSpace(tok) {
		case "totalCount":
			m["totalCount"] = int64(0)
		case "filterCount":
			m["filterCount"] = int64(0)
		case "*":
			m["totalCount"] = int64(0)
			m["filterCount"] = int64(0)
		}
	}
	return m
}
