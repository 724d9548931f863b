package mql

import (
	"fmt"

	"github.com/enfyra/server-sub006/core/internal/dialect"
	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// CompileQuery renders the page fetch as an aggregation pipeline. Stage
// order is fixed: match, sort-path lookups, relation lookups, the null
// normalisation for unwound singulars, sort, skip, limit, project.
func (co *Compiler) CompileQuery(qc *qcode.QCode) (string, error) {
	var stages []any

	if qc.Filter != nil {
		m, err := matchDoc(qc.Filter)
		if err != nil {
			return "", err
		}
		stages = append(stages, stage("$match", m))
	}

	for _, j := range qc.Joins {
		local := j.LocalCol
		if j.LocalTable != qc.Alias {
			local = j.LocalTable + "." + j.LocalCol
		}
		stages = append(stages, stage("$lookup", map[string]any{
			"from":         j.Table.Name,
			"localField":   local,
			"foreignField": j.TargetCol,
			"as":           j.Alias,
		}), unwindStage(j.Alias))
	}

	relStages, err := co.relStages(qc.Rels)
	if err != nil {
		return "", err
	}
	stages = append(stages, relStages...)

	if len(qc.Sort) > 0 {
		stages = append(stages, stage("$sort_ordered", sortPairs(qc.Sort, qc.Alias)))
	}
	if qc.Limit > 0 {
		if skip := (qc.Page - 1) * qc.Limit; skip > 0 {
			stages = append(stages, stage("$skip", skip))
		}
		stages = append(stages, stage("$limit", qc.Limit))
	}

	stages = append(stages, stage("$project", projection(qc.Fields, qc.Rels)))

	return envelope(qc.Table.Name, "aggregate", map[string]any{"pipeline": stages})
}

// relStages renders the lookups for the inline relations of one level.
// Singular relations unwind right after their lookup and are null
// normalised in one trailing $addFields, so a missing target surfaces
// as null instead of a vanished field.
func (co *Compiler) relStages(rels []*qcode.SelectRel) ([]any, error) {
	var stages []any
	var singular []string

	for _, sr := range rels {
		if sr.Strategy != qcode.StratObject {
			continue
		}
		ls, err := co.lookupStage(sr)
		if err != nil {
			return nil, err
		}
		stages = append(stages, ls, unwindStage(sr.Name))
		singular = append(singular, sr.Name)
	}

	for _, sr := range rels {
		if sr.Strategy != qcode.StratArray {
			continue
		}
		ls, err := co.lookupStage(sr)
		if err != nil {
			return nil, err
		}
		stages = append(stages, ls)
	}

	if len(singular) > 0 {
		fix := map[string]any{}
		for _, name := range singular {
			fix[name] = map[string]any{"$ifNull": []any{"$" + name, nil}}
		}
		stages = append(stages, stage("$addFields", fix))
	}
	return stages, nil
}

func (co *Compiler) lookupStage(sr *qcode.SelectRel) (map[string]any, error) {
	if sr.Junction != nil {
		return nil, fmt.Errorf("%w: relation %q joins through %q and is fetched separately",
			dialect.ErrUnsupported, sr.Name, sr.Junction.Table)
	}
	inner, err := co.relPipeline(sr)
	if err != nil {
		return nil, err
	}
	return stage("$lookup", map[string]any{
		"from":         sr.Target.Name,
		"localField":   sr.LocalCol,
		"foreignField": sr.TargetCol,
		"as":           sr.Name,
		"pipeline":     inner,
	}), nil
}

// relPipeline renders the inner pipeline of a relation lookup; nested
// relations recurse through relStages.
func (co *Compiler) relPipeline(sr *qcode.SelectRel) ([]any, error) {
	stages, err := co.relStages(sr.Rels)
	if err != nil {
		return nil, err
	}
	if len(sr.Sort) > 0 {
		stages = append(stages, stage("$sort_ordered", sortPairs(sr.Sort, sr.Alias)))
	}
	stages = append(stages, stage("$project", projection(sr.Fields, sr.Rels)))
	return stages, nil
}

// projection builds the $project document: requested scalars, inline
// relation fields and the computed owner references. The document id is
// excluded unless the plan asked for it.
func projection(fields []qcode.Field, rels []*qcode.SelectRel) map[string]any {
	proj := map[string]any{}
	idSeen := false

	for _, f := range fields {
		proj[f.Col.Name] = 1
		if f.Col.Name == "_id" {
			idSeen = true
		}
	}
	for _, sr := range rels {
		switch sr.Strategy {
		case qcode.StratReference:
			proj[sr.Name] = referenceExpr(sr)
		case qcode.StratObject, qcode.StratArray:
			proj[sr.Name] = 1
		}
	}
	if !idSeen {
		proj["_id"] = 0
	}
	return proj
}

// referenceExpr computes the {id: fk} shape from the local key field,
// null when the key is null or missing.
func referenceExpr(sr *qcode.SelectRel) map[string]any {
	fk := "$" + sr.LocalCol
	return map[string]any{
		"$cond": []any{
			map[string]any{"$eq": []any{map[string]any{"$ifNull": []any{fk, nil}}, nil}},
			nil,
			map[string]any{sr.Fields[0].Col.Name: fk},
		},
	}
}

func sortPairs(sort []qcode.OrderBy, local string) []any {
	pairs := make([]any, 0, len(sort))
	for _, ob := range sort {
		field := ob.Col.Name
		if ob.Table != local {
			field = ob.Table + "." + ob.Col.Name
		}
		dir := 1
		if ob.Order == qcode.OrderDesc {
			dir = -1
		}
		pairs = append(pairs, []any{field, dir})
	}
	return pairs
}

// CompileChildren renders the follow-up fetch for a deferred collection
// as one pipeline covering every parent id. Each document carries the
// parent key under the grouping column. Many-to-many relations resolve
// in two steps instead, CompileJunctionLinks then CompileTargets.
func (co *Compiler) CompileChildren(sr *qcode.SelectRel, parents []any) (string, error) {
	if sr.Junction != nil {
		return "", fmt.Errorf("%w: relation %q joins through %q and is fetched in two steps",
			dialect.ErrUnsupported, sr.Name, sr.Junction.Table)
	}

	stages := []any{
		stage("$match", cmp(sr.TargetCol, "$in", docList(parents))),
	}
	relStages, err := co.relStages(sr.Rels)
	if err != nil {
		return "", err
	}
	stages = append(stages, relStages...)

	if len(sr.Sort) > 0 {
		stages = append(stages, stage("$sort_ordered", sortPairs(sr.Sort, sr.Alias)))
	}

	proj := projection(sr.Fields, sr.Rels)
	proj[qcode.ParentID] = "$" + sr.TargetCol
	stages = append(stages, stage("$project", proj))

	return envelope(sr.Target.Name, "aggregate", map[string]any{"pipeline": stages})
}

// CompileJunctionLinks renders the link fetch of a many-to-many
// relation: every junction document for the given parents, source and
// target keys only.
func (co *Compiler) CompileJunctionLinks(j meta.Junction, parents []any) (string, error) {
	return envelope(j.Table, "find", map[string]any{
		"filter": cmp(j.SourceColumn, "$in", docList(parents)),
		"projection": map[string]any{
			"_id":          0,
			j.SourceColumn: 1,
			j.TargetColumn: 1,
		},
	})
}

// CompileTargets renders the target fetch of a many-to-many relation
// for the ids collected from the links. The target id is projected even
// when unrequested; the executor needs it to route each document back
// through the links and strips it before attaching.
func (co *Compiler) CompileTargets(sr *qcode.SelectRel, ids []any) (string, error) {
	stages := []any{
		stage("$match", cmp(sr.TargetCol, "$in", docList(ids))),
	}
	relStages, err := co.relStages(sr.Rels)
	if err != nil {
		return "", err
	}
	stages = append(stages, relStages...)

	if len(sr.Sort) > 0 {
		stages = append(stages, stage("$sort_ordered", sortPairs(sr.Sort, sr.Alias)))
	}
	proj := projection(sr.Fields, sr.Rels)
	proj[sr.TargetCol] = 1
	stages = append(stages, stage("$project", proj))

	return envelope(sr.Target.Name, "aggregate", map[string]any{"pipeline": stages})
}
