package core

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// resolveDeferred materialises the deferred collections of one level:
// one query per relation covering every parent row of the page, grouped
// in memory by parent id, never a query per row. Inline relation values
// are decoded first so the recursion reaches collections nested inside
// them.
func (e *engine) resolveDeferred(c context.Context, parent *meta.Table, rows []Record, rels []*qcode.SelectRel, dbg *Debug) error {
	if len(rows) == 0 || len(rels) == 0 {
		return nil
	}

	var deferred []*qcode.SelectRel
	for _, sr := range rels {
		switch sr.Strategy {
		case qcode.StratPostFetch:
			deferred = append(deferred, sr)
		default:
			children, err := decodeInline(rows, sr)
			if err != nil {
				return wrapErr(err, parent.Name, ErrInternal)
			}
			if err := e.resolveDeferred(c, sr.Target, children, sr.Rels, dbg); err != nil {
				return err
			}
		}
	}
	if len(deferred) == 0 {
		return nil
	}

	pk := parent.PrimaryKey()
	parents := parentIDs(rows, pk.Name)

	// Fetch, group and recurse concurrently per relation; attach only
	// after every fetch finished so no goroutine writes a shared row.
	g, gc := errgroup.WithContext(c)
	attachers := make([]func(), len(deferred))

	for i, sr := range deferred {
		g.Go(func() error {
			fn, err := e.fetchDeferred(gc, pk, sr, parents, rows, dbg)
			if err != nil {
				return err
			}
			attachers[i] = fn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, fn := range attachers {
		fn()
	}
	return nil
}

// fetchDeferred runs the follow-up fetch of one deferred relation and
// returns the closure that attaches the grouped children.
func (e *engine) fetchDeferred(c context.Context, pk *meta.Column, sr *qcode.SelectRel, parents []any, rows []Record, dbg *Debug) (func(), error) {
	if e.dbtype == "mongodb" && sr.Junction != nil && !e.conf.MockDB {
		return e.fetchJunctionDocs(c, pk, sr, parents, rows, dbg)
	}

	var children []Record
	var err error
	switch {
	case e.conf.MockDB:
		children = mockChildren(sr, parents)
	case e.dbtype == "mongodb":
		env, cerr := e.mqlCompiler.CompileChildren(sr, parents)
		if cerr != nil {
			return nil, compileErr(cerr, sr.Target.Name)
		}
		if children, err = e.queryDocs(c, env, "postfetch:"+sr.Name, dbg); err != nil {
			return nil, execErr(err, sr.Target.Name)
		}
	default:
		q, cerr := e.psqlCompiler.CompileChildren(pk, sr, parents)
		if cerr != nil {
			return nil, compileErr(cerr, sr.Target.Name)
		}
		names := projectionNames(sr.Fields, sr.Rels, qcode.ParentID)
		st := statement{query: q.SQL, args: q.Args}
		if children, err = e.queryRecords(c, st, names, "postfetch:"+sr.Name, dbg); err != nil {
			return nil, execErr(err, sr.Target.Name)
		}
	}

	if err := e.resolveDeferred(c, sr.Target, children, sr.Rels, dbg); err != nil {
		return nil, err
	}

	groups := make(map[string][]Record, len(parents))
	for _, child := range children {
		key := groupKey(child[qcode.ParentID])
		delete(child, qcode.ParentID)
		groups[key] = append(groups[key], child)
	}

	return func() {
		for _, row := range rows {
			set := groups[groupKey(row[pk.Name])]
			if set == nil {
				set = []Record{}
			}
			row[sr.Name] = set
		}
	}, nil
}

// fetchJunctionDocs resolves a many-to-many relation on the document
// store in two steps: the junction links for the page, then one fetch
// over the distinct target ids, routed back per parent through the
// links in link order.
func (e *engine) fetchJunctionDocs(c context.Context, pk *meta.Column, sr *qcode.SelectRel, parents []any, rows []Record, dbg *Debug) (func(), error) {
	j := *sr.Junction

	env, err := e.mqlCompiler.CompileJunctionLinks(j, parents)
	if err != nil {
		return nil, compileErr(err, j.Table)
	}
	links, err := e.queryDocs(c, env, "postfetch:"+sr.Name+":links", dbg)
	if err != nil {
		return nil, execErr(err, j.Table)
	}

	perParent := map[string][]any{}
	var ids []any
	seen := map[string]bool{}
	for _, link := range links {
		src, tgt := link[j.SourceColumn], link[j.TargetColumn]
		if src == nil || tgt == nil {
			continue
		}
		perParent[groupKey(src)] = append(perParent[groupKey(src)], tgt)
		if key := groupKey(tgt); !seen[key] {
			seen[key] = true
			ids = append(ids, tgt)
		}
	}

	var docs []Record
	if len(ids) > 0 {
		env, err := e.mqlCompiler.CompileTargets(sr, ids)
		if err != nil {
			return nil, compileErr(err, sr.Target.Name)
		}
		if docs, err = e.queryDocs(c, env, "postfetch:"+sr.Name, dbg); err != nil {
			return nil, execErr(err, sr.Target.Name)
		}
	}
	if err := e.resolveDeferred(c, sr.Target, docs, sr.Rels, dbg); err != nil {
		return nil, err
	}

	// The target key was projected for routing only; it stays on the
	// record just when the plan asked for it.
	keyPlanned := false
	for _, f := range sr.Fields {
		if f.Col.Name == sr.TargetCol {
			keyPlanned = true
			break
		}
	}

	index := make(map[string]Record, len(docs))
	for _, doc := range docs {
		index[groupKey(doc[sr.TargetCol])] = doc
	}

	return func() {
		for _, row := range rows {
			targets := perParent[groupKey(row[pk.Name])]
			set := make([]Record, 0, len(targets))
			for _, id := range targets {
				doc, ok := index[groupKey(id)]
				if !ok {
					continue
				}
				rec := make(Record, len(doc))
				for k, v := range doc {
					rec[k] = v
				}
				if !keyPlanned {
					delete(rec, sr.TargetCol)
				}
				set = append(set, rec)
			}
			row[sr.Name] = set
		}
	}, nil
}

// decodeInline parses the JSON values of one inline relation and
// returns the child records for recursion. Values arriving from the
// document pipeline are already structured and pass through.
func decodeInline(rows []Record, sr *qcode.SelectRel) ([]Record, error) {
	var children []Record
	for _, row := range rows {
		v, err := decodeJSONValue(row[sr.Name])
		if err != nil {
			return nil, fmt.Errorf("relation %q: %w", sr.Name, err)
		}
		row[sr.Name] = v

		switch t := v.(type) {
		case map[string]any:
			children = append(children, t)
		case []any:
			for _, el := range t {
				if m, ok := el.(map[string]any); ok {
					children = append(children, m)
				}
			}
		}
	}
	return children, nil
}

// parentIDs collects the distinct primary keys of the page in row
// order.
func parentIDs(rows []Record, pkName string) []any {
	ids := make([]any, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		v := row[pkName]
		if v == nil {
			continue
		}
		key := groupKey(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		ids = append(ids, v)
	}
	return ids
}
