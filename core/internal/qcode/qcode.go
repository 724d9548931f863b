// Package qcode compiles a declarative query request against the table
// metadata into an intermediate form that the SQL and document-pipeline
// compilers render from. Compilation is pure: the same request and
// schema always produce the same plan, including alias names.
package qcode

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/enfyra/server-sub006/core/internal/meta"
)

var (
	// ErrValidation marks requests that violate the request contract.
	ErrValidation = errors.New("validation")

	// ErrNotFound marks requests that reference tables or relations
	// absent from the metadata.
	ErrNotFound = errors.New("not found")
)

// Request is a fully defaulted query request. Page is 1-based and Limit
// zero means unbounded; the caller resolves defaults before compiling.
type Request struct {
	Table  string
	Fields []string
	Filter map[string]any
	Sort   []string
	Page   int
	Limit  int
	Meta   string

	// NeedPK forces the primary key into the projection even when the
	// field list omits it; the executor strips it before emitting.
	NeedPK bool
}

// MetaSpec is the parsed meta csv.
type MetaSpec struct {
	Total  bool
	Filter bool
}

// ParentID is the synthetic column child queries carry so the executor
// can group rows by their parent. It is stripped before records are
// emitted.
const ParentID = "__parent_id"

// Order is the sort direction.
type Order int8

const (
	OrderAsc Order = iota
	OrderDesc
)

// OrderBy is one resolved sort term. Table is the alias or table name
// the column is qualified with in SQL; Path keeps the request path for
// the document pipeline.
type OrderBy struct {
	Col   *meta.Column
	Table string
	Path  []string
	Order Order
}

// Join is a left join pulled in by a sort path through a singular
// relation. LocalTable is the alias the joining side is visible under.
type Join struct {
	Table      *meta.Table
	Alias      string
	LocalTable string
	LocalCol   string
	TargetCol  string
}

// Field is one scalar projection.
type Field struct {
	Col *meta.Column
}

// Strategy picks how a relation is materialised on the record.
type Strategy int8

const (
	// StratReference renders {id: fk} from the local foreign key, no
	// join or subquery.
	StratReference Strategy = iota

	// StratObject renders a correlated subquery returning one JSON
	// object.
	StratObject

	// StratArray renders a correlated subquery returning a JSON array.
	StratArray

	// StratPostFetch defers the relation to a follow-up query grouped
	// by parent id.
	StratPostFetch
)

// SelectRel is one relation node of the select tree. The correlation
// columns are fully resolved: LocalCol lives on the parent side (under
// LocalTable), TargetCol on the target. For many-to-many both ends go
// through Junction instead.
type SelectRel struct {
	Name     string
	Type     meta.RelType
	Target   *meta.Table
	Alias    string
	Depth    int
	Strategy Strategy
	Singular bool

	LocalTable string
	LocalCol   string
	TargetCol  string

	Junction      *meta.Junction
	JunctionAlias string

	// Embedded marks a collection whose ids live in an array field on
	// the parent document rather than behind an owning foreign key.
	Embedded bool

	Fields []Field
	Rels   []*SelectRel
	Sort   []OrderBy

	// PKHidden marks a primary key added for correlation only; it is
	// stripped from the output.
	PKHidden bool
}

// QCode is the compiled plan.
type QCode struct {
	Table  *meta.Table
	Alias  string
	Fields []Field
	Rels   []*SelectRel
	Filter *Exp
	Joins  []Join
	Sort   []OrderBy
	Page   int
	Limit  int
	Meta   MetaSpec

	PKHidden bool
}

// Compiler builds QCode plans against one schema snapshot.
type Compiler struct {
	schema *meta.Schema
}

func NewCompiler(s *meta.Schema) *Compiler {
	return &Compiler{schema: s}
}

// Compile validates the request and produces a plan.
func (co *Compiler) Compile(req Request) (qc *QCode, err error) {
	table, err := co.schema.Table(req.Table)
	if err != nil {
		return nil, fmt.Errorf("%w: table %q", ErrNotFound, req.Table)
	}
	if req.Page < 1 {
		return nil, fmt.Errorf("%w: page must be >= 1, got %d", ErrValidation, req.Page)
	}
	if req.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be >= 0, got %d", ErrValidation, req.Limit)
	}

	qc = &QCode{
		Table: table,
		Alias: rootAlias(table.Name),
		Page:  req.Page,
		Limit: req.Limit,
	}
	if qc.Meta, err = parseMetaSpec(req.Meta); err != nil {
		return nil, err
	}

	fields := req.Fields
	if len(fields) == 0 {
		fields = []string{"*"}
	}
	if err := co.compileFields(qc, fields); err != nil {
		return nil, err
	}
	if req.NeedPK {
		co.ensurePK(qc)
	}
	if req.Filter != nil {
		if qc.Filter, err = co.compileFilter(table, qc.Alias, req.Filter); err != nil {
			return nil, err
		}
	}
	if err := co.compileSort(qc, req.Sort); err != nil {
		return nil, err
	}
	return qc, nil
}

// rootAlias derives the base table alias from its first letter. The
// letters used by subquery and junction aliases are skipped so
// correlations stay unambiguous.
func rootAlias(table string) string {
	a := strings.ToLower(table[:1])
	if a == "c" || a == "j" {
		return "t"
	}
	return a
}

func parseMetaSpec(s string) (MetaSpec, error) {
	var ms MetaSpec
	if s == "" {
		return ms, nil
	}
	for _, tok := range strings.Split(s, ",") {
		switch strings.TrimSpace(tok) {
		case "":
		case "*":
			ms.Total = true
			ms.Filter = true
		case "totalCount":
			ms.Total = true
		case "filterCount":
			ms.Filter = true
		default:
			return ms, fmt.Errorf("%w: unknown meta field %q", ErrValidation, tok)
		}
	}
	return ms, nil
}

// ensurePK forces the primary key into the root projection, hidden when
// it was not asked for.
func (co *Compiler) ensurePK(qc *QCode) {
	pk := qc.Table.PrimaryKey()
	if pk == nil {
		return
	}
	for _, f := range qc.Fields {
		if f.Col.Name == pk.Name {
			return
		}
	}
	qc.Fields = append(qc.Fields, Field{Col: pk})
	qc.PKHidden = true
}

// compileSort resolves the sort entries. Paths through singular
// relations become left joins; paths prefixed by a requested collection
// relation move into that relation's own sort.
func (co *Compiler) compileSort(qc *QCode, entries []string) error {
	joins := map[string]int{}

	for _, raw := range entries {
		for _, ent := range strings.Split(raw, ",") {
			ent = strings.TrimSpace(ent)
			if ent == "" {
				continue
			}
			order := OrderAsc
			if strings.HasPrefix(ent, "-") {
				order = OrderDesc
				ent = ent[1:]
			}
			path := strings.Split(ent, ".")
			if err := co.resolveSortPath(qc, path, order, joins); err != nil {
				return err
			}
		}
	}
	return nil
}

func (co *Compiler) resolveSortPath(qc *QCode, path []string, order Order, joins map[string]int) error {
	if len(path) == 1 {
		col := qc.Table.Column(path[0])
		if col == nil || col.Hidden {
			return fmt.Errorf("%w: unknown sort column %q on table %q", ErrValidation, path[0], qc.Table.Name)
		}
		qc.Sort = append(qc.Sort, OrderBy{Col: col, Table: qc.Alias, Path: path, Order: order})
		return nil
	}

	// Collection prefix: the sort belongs inside the relation subquery
	// or its post-fetch query.
	if rel := qc.Table.Relation(path[0]); rel != nil && rel.IsCollection() {
		if len(path) != 2 {
			return fmt.Errorf("%w: sort path %q descends past a collection", ErrValidation, strings.Join(path, "."))
		}
		sr := findRel(qc.Rels, path[0])
		if sr == nil {
			return fmt.Errorf("%w: sort path %q references an unrequested relation", ErrValidation, strings.Join(path, "."))
		}
		col := sr.Target.Column(path[1])
		if col == nil || col.Hidden {
			return fmt.Errorf("%w: unknown sort column %q on table %q", ErrValidation, path[1], sr.Target.Name)
		}
		sr.Sort = append(sr.Sort, OrderBy{Col: col, Table: sr.Alias, Path: path[1:], Order: order})
		return nil
	}

	// Singular chain: join each hop, order by the final column.
	table := qc.Table
	local := qc.Alias
	aliasParts := []string{qc.Table.Name}

	for i := 0; i < len(path)-1; i++ {
		rel := table.Relation(path[i])
		if rel == nil {
			return fmt.Errorf("%w: unknown sort relation %q on table %q", ErrValidation, path[i], table.Name)
		}
		if rel.IsCollection() {
			return fmt.Errorf("%w: sort path %q descends past a collection", ErrValidation, strings.Join(path, "."))
		}
		target, err := co.schema.Table(rel.TargetTable)
		if err != nil {
			return err
		}
		aliasParts = append(aliasParts, rel.PropertyName)
		alias := strings.Join(aliasParts, "_")

		if _, ok := joins[alias]; !ok {
			j := Join{Table: target, Alias: alias, LocalTable: local}
			switch k := rel.Kind().(type) {
			case meta.Owner:
				j.LocalCol = k.ForeignKey
				j.TargetCol = target.PrimaryKey().Name
			case meta.InverseSingle:
				fk, err := co.schema.InverseForeignKey(rel)
				if err != nil {
					return fmt.Errorf("%w: relation %q on table %q", ErrNotFound, rel.PropertyName, table.Name)
				}
				j.LocalCol = table.PrimaryKey().Name
				j.TargetCol = fk
			}
			joins[alias] = len(qc.Joins)
			qc.Joins = append(qc.Joins, j)
		}
		table = target
		local = alias
	}

	col := table.Column(path[len(path)-1])
	if col == nil || col.Hidden {
		return fmt.Errorf("%w: unknown sort column %q on table %q", ErrValidation, path[len(path)-1], table.Name)
	}
	qc.Sort = append(qc.Sort, OrderBy{Col: col, Table: local, Path: path, Order: order})
	return nil
}

func findRel(rels []*SelectRel, name string) *SelectRel {
	for _, r := range rels {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// sortedKeys returns the map keys in lexical order so plans do not
// depend on map iteration order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
