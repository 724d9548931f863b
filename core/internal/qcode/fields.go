package qcode

import (
	"fmt"
	"strings"

	"github.com/enfyra/server-sub006/core/internal/meta"
)

// fieldNode is one level of the requested field paths grouped by their
// first segment. Children keep first-appearance order.
type fieldNode struct {
	children map[string]*fieldNode
	order    []string
	wildcard bool
}

func newFieldNode() *fieldNode {
	return &fieldNode{children: map[string]*fieldNode{}}
}

func (n *fieldNode) insert(path []string) {
	if len(path) == 0 {
		return
	}
	head := path[0]
	if head == "*" {
		n.wildcard = true
		return
	}
	child, ok := n.children[head]
	if !ok {
		child = newFieldNode()
		n.children[head] = child
		n.order = append(n.order, head)
	}
	child.insert(path[1:])
}

func (n *fieldNode) leaf() bool {
	return !n.wildcard && len(n.order) == 0
}

// aliasSeq hands out the deterministic subquery aliases c, c1, c2, …
// in plan order.
type aliasSeq struct {
	n int
}

func (a *aliasSeq) next() string {
	a.n++
	if a.n == 1 {
		return "c"
	}
	return fmt.Sprintf("c%d", a.n-1)
}

func (co *Compiler) compileFields(qc *QCode, fields []string) error {
	root := newFieldNode()
	for _, raw := range fields {
		for _, ent := range strings.Split(raw, ",") {
			ent = strings.TrimSpace(ent)
			if ent == "" {
				continue
			}
			root.insert(strings.Split(ent, "."))
		}
	}

	seq := &aliasSeq{}
	flds, rels, err := co.buildLevel(qc.Table, qc.Alias, root, seq, 1)
	if err != nil {
		return err
	}
	qc.Fields = flds
	qc.Rels = rels

	if relsNeedPK(rels) {
		co.ensurePK(qc)
	}
	return nil
}

// buildLevel expands one field-tree level into scalar projections and
// relation nodes. A wildcard expands the table's visible scalar columns
// except owned foreign keys, which surface as reference-only relations
// instead; inverse collections are never auto-expanded.
func (co *Compiler) buildLevel(table *meta.Table, local string, node *fieldNode, seq *aliasSeq, depth int) ([]Field, []*SelectRel, error) {
	var flds []Field
	var rels []*SelectRel

	seenCol := map[string]bool{}
	seenRel := map[string]bool{}

	if node.wildcard {
		for i := range table.Columns {
			col := &table.Columns[i]
			if col.Hidden {
				continue
			}
			if rel := table.RelationForColumn(col.Name); rel != nil {
				if _, explicit := node.children[rel.PropertyName]; explicit {
					continue
				}
				sr, err := co.buildRel(table, local, rel, newFieldNode(), seq, depth)
				if err != nil {
					return nil, nil, err
				}
				rels = append(rels, sr)
				seenRel[rel.PropertyName] = true
				continue
			}
			flds = append(flds, Field{Col: col})
			seenCol[col.Name] = true
		}
	}

	for _, name := range node.order {
		child := node.children[name]
		col, rel := table.Prop(name)
		switch {
		case rel != nil:
			if seenRel[name] {
				continue
			}
			sr, err := co.buildRel(table, local, rel, child, seq, depth)
			if err != nil {
				return nil, nil, err
			}
			rels = append(rels, sr)
			seenRel[name] = true
		case col != nil:
			if col.Hidden {
				return nil, nil, fmt.Errorf("%w: unknown field %q on table %q", ErrValidation, name, table.Name)
			}
			if !child.leaf() {
				return nil, nil, fmt.Errorf("%w: field %q on table %q is not a relation", ErrValidation, name, table.Name)
			}
			if !seenCol[name] {
				flds = append(flds, Field{Col: col})
				seenCol[name] = true
			}
		default:
			return nil, nil, fmt.Errorf("%w: unknown field %q on table %q", ErrValidation, name, table.Name)
		}
	}

	return flds, rels, nil
}

func (co *Compiler) buildRel(table *meta.Table, local string, rel *meta.Relation, node *fieldNode, seq *aliasSeq, depth int) (*SelectRel, error) {
	ri, err := co.relInfo(table, rel)
	if err != nil {
		return nil, err
	}

	sr := &SelectRel{
		Name:       rel.PropertyName,
		Type:       rel.Type,
		Target:     ri.target,
		Alias:      seq.next(),
		Depth:      depth,
		Singular:   rel.Singular(),
		LocalTable: local,
		LocalCol:   ri.localCol,
		TargetCol:  ri.targetCol,
		Junction:   ri.junction,
		Embedded:   ri.embedded,
	}
	if ri.junction != nil {
		sr.JunctionAlias = fmt.Sprintf("j_%s_%d", rel.PropertyName, depth)
	}

	refOnly := node.leaf()
	if refOnly {
		pk := ri.target.PrimaryKey()
		if pk == nil {
			return nil, fmt.Errorf("table %q has no primary key", ri.target.Name)
		}
		sr.Fields = []Field{{Col: pk}}
	} else {
		flds, rels, err := co.buildLevel(ri.target, sr.Alias, node, seq, depth+1)
		if err != nil {
			return nil, err
		}
		sr.Fields = flds
		sr.Rels = rels
	}

	sr.Strategy = co.strategy(rel, sr, refOnly)

	if relsNeedPK(sr.Rels) {
		ensureRelPK(sr)
	}
	return sr, nil
}

// strategy picks the materialisation for a relation node. Owner-side
// reference-only requests come straight off the local foreign key.
// Collections stay out of the row stream: one-to-many inlines as a JSON
// subquery only while its subtree is scalar, and many-to-many always
// defers to the post-fetch pass.
func (co *Compiler) strategy(rel *meta.Relation, sr *SelectRel, refOnly bool) Strategy {
	switch rel.Kind().(type) {
	case meta.Owner:
		if refOnly {
			return StratReference
		}
		return StratObject
	case meta.InverseSingle:
		return StratObject
	case meta.Collection:
		// Embedded id arrays expand in place; the document pipeline
		// handles nesting and there is no foreign key to defer on.
		if sr.Embedded || len(sr.Rels) == 0 {
			return StratArray
		}
		return StratPostFetch
	case meta.Junction:
		return StratPostFetch
	}
	return StratObject
}

type relInfo struct {
	target    *meta.Table
	localCol  string
	targetCol string
	junction  *meta.Junction
	embedded  bool
}

// relInfo resolves the correlation columns for a relation from the
// parent's point of view.
func (co *Compiler) relInfo(table *meta.Table, rel *meta.Relation) (relInfo, error) {
	target, err := co.schema.Table(rel.TargetTable)
	if err != nil {
		return relInfo{}, fmt.Errorf("%w: relation %q on table %q targets unknown table %q",
			ErrNotFound, rel.PropertyName, table.Name, rel.TargetTable)
	}

	switch k := rel.Kind().(type) {
	case meta.Owner:
		pk := target.PrimaryKey()
		if pk == nil {
			return relInfo{}, fmt.Errorf("table %q has no primary key", target.Name)
		}
		return relInfo{target: target, localCol: k.ForeignKey, targetCol: pk.Name}, nil

	case meta.InverseSingle, meta.Collection:
		pk := table.PrimaryKey()
		if pk == nil {
			return relInfo{}, fmt.Errorf("table %q has no primary key", table.Name)
		}
		fk, err := co.schema.InverseForeignKey(rel)
		if err != nil {
			// A collection without an owning side is an embedded id
			// array on the parent document; only the document
			// pipeline can follow it.
			if rel.IsCollection() {
				tpk := target.PrimaryKey()
				if tpk == nil {
					return relInfo{}, fmt.Errorf("table %q has no primary key", target.Name)
				}
				return relInfo{target: target, localCol: rel.PropertyName, targetCol: tpk.Name, embedded: true}, nil
			}
			return relInfo{}, fmt.Errorf("%w: relation %q on table %q has no owning side",
				ErrNotFound, rel.PropertyName, table.Name)
		}
		return relInfo{target: target, localCol: pk.Name, targetCol: fk}, nil

	case meta.Junction:
		pk := table.PrimaryKey()
		tpk := target.PrimaryKey()
		if pk == nil || tpk == nil {
			return relInfo{}, fmt.Errorf("junction relation %q needs primary keys on both ends", rel.PropertyName)
		}
		j := k
		return relInfo{target: target, localCol: pk.Name, targetCol: tpk.Name, junction: &j}, nil
	}
	return relInfo{}, fmt.Errorf("relation %q on table %q has no kind", rel.PropertyName, table.Name)
}

func relsNeedPK(rels []*SelectRel) bool {
	for _, r := range rels {
		if r.Strategy == StratPostFetch {
			return true
		}
	}
	return false
}

func ensureRelPK(sr *SelectRel) {
	pk := sr.Target.PrimaryKey()
	if pk == nil {
		return
	}
	for _, f := range sr.Fields {
		if f.Col.Name == pk.Name {
			return
		}
	}
	sr.Fields = append(sr.Fields, Field{Col: pk})
	sr.PKHidden = true
}
