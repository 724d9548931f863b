package qcode

import (
	"fmt"

	"github.com/enfyra/server-sub006/core/internal/meta"
)

// ExpOp is the operator of one expression node.
type ExpOp int8

const (
	OpNop ExpOp = iota
	OpAnd
	OpOr
	OpNot
	OpEquals
	OpNotEquals
	OpGreaterThan
	OpGreaterOrEquals
	OpLesserThan
	OpLesserOrEquals
	OpIn
	OpNotIn
	OpBetween
	OpContains
	OpStartsWith
	OpEndsWith
	OpIsNull
	OpIsNotNull
	OpFalse
	OpTrue
	OpExists
	OpAggregate
)

// Exp is a node of the compiled filter tree. Field predicates carry Col
// plus the qualifier in Table; relation predicates carry Rel. OpFalse
// and OpTrue are the constant predicates empty membership lists
// collapse to.
type Exp struct {
	Op       ExpOp
	Children []*Exp

	Col   *meta.Column
	Table string
	Val   any
	List  []any

	Rel *RelExp
}

// RelExp is the relation payload of an OpExists or OpAggregate node.
// Alias is the name the target table is visible under inside the
// subquery; it differs from the table name only when an enclosing scope
// already uses it.
type RelExp struct {
	Name       string
	Type       meta.RelType
	Target     *meta.Table
	Alias      string
	LocalTable string
	LocalCol   string
	TargetCol  string
	Junction   *meta.Junction
	Embedded   bool
	Filter     *Exp
	Agg        *AggExp
}

// AggExp compares a correlated aggregate against a value. Col is nil
// for COUNT.
type AggExp struct {
	Fn  string
	Col *meta.Column
	Op  ExpOp
	Val any
}

var aggFns = map[string]string{
	"_count": "COUNT",
	"_sum":   "SUM",
	"_avg":   "AVG",
	"_min":   "MIN",
	"_max":   "MAX",
}

// expWalker compiles a filter tree. It tracks the table qualifiers in
// scope so nested subqueries over an already visible table pick a fresh
// alias.
type expWalker struct {
	co    *Compiler
	quals []string
	depth int
}

// compileFilter turns a request filter into an Exp tree rooted at the
// given table. Map keys are processed in lexical order so equivalent
// trees compile to the same plan.
func (co *Compiler) compileFilter(table *meta.Table, qual string, filter map[string]any) (*Exp, error) {
	w := &expWalker{co: co, quals: []string{qual}}
	return w.walkMap(table, qual, filter)
}

func (w *expWalker) walkMap(table *meta.Table, qual string, m map[string]any) (*Exp, error) {
	var exps []*Exp

	for _, k := range sortedKeys(m) {
		v := m[k]
		var ex *Exp
		var err error

		switch k {
		case "_and":
			ex, err = w.walkGroup(table, qual, v, OpAnd)
		case "_or":
			ex, err = w.walkGroup(table, qual, v, OpOr)
		case "_not":
			ex, err = w.walkNot(table, qual, v)
		default:
			col, rel := table.Prop(k)
			switch {
			case col != nil && !col.Hidden:
				ex, err = w.walkField(qual, col, v)
			case rel != nil:
				ex, err = w.walkRelation(table, qual, rel, v)
			default:
				err = fmt.Errorf("%w: unknown filter property %q on table %q", ErrValidation, k, table.Name)
			}
		}
		if err != nil {
			return nil, err
		}
		if ex != nil {
			exps = append(exps, ex)
		}
	}

	switch len(exps) {
	case 0:
		return nil, nil
	case 1:
		return exps[0], nil
	}
	return &Exp{Op: OpAnd, Children: exps}, nil
}

// walkGroup handles _and/_or. Both the array form and the object form
// are accepted; a single branch collapses to itself.
func (w *expWalker) walkGroup(table *meta.Table, qual string, v any, op ExpOp) (*Exp, error) {
	var children []*Exp

	switch vv := v.(type) {
	case []any:
		for _, item := range vv {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s branches must be objects", ErrValidation, opName(op))
			}
			ex, err := w.walkMap(table, qual, m)
			if err != nil {
				return nil, err
			}
			if ex != nil {
				children = append(children, ex)
			}
		}
	case map[string]any:
		for _, k := range sortedKeys(vv) {
			ex, err := w.walkMap(table, qual, map[string]any{k: vv[k]})
			if err != nil {
				return nil, err
			}
			if ex != nil {
				children = append(children, ex)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s expects a list or object", ErrValidation, opName(op))
	}

	switch len(children) {
	case 0:
		return nil, nil
	case 1:
		return children[0], nil
	}
	return &Exp{Op: op, Children: children}, nil
}

func (w *expWalker) walkNot(table *meta.Table, qual string, v any) (*Exp, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: _not expects an object", ErrValidation)
	}
	inner, err := w.walkMap(table, qual, m)
	if err != nil {
		return nil, err
	}
	if inner == nil {
		return nil, nil
	}
	// Double negation cancels out.
	if inner.Op == OpNot {
		return inner.Children[0], nil
	}
	return &Exp{Op: OpNot, Children: []*Exp{inner}}, nil
}

// walkField compiles { column: { op: operand, … } }.
func (w *expWalker) walkField(qual string, col *meta.Column, v any) (*Exp, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: column %q expects an operator object", ErrValidation, col.Name)
	}
	if len(m) == 0 {
		return nil, nil
	}

	var exps []*Exp
	for _, op := range sortedKeys(m) {
		ex, err := w.fieldOp(qual, col, op, m[op])
		if err != nil {
			return nil, err
		}
		exps = append(exps, ex)
	}
	if len(exps) == 1 {
		return exps[0], nil
	}
	return &Exp{Op: OpAnd, Children: exps}, nil
}

func (w *expWalker) fieldOp(qual string, col *meta.Column, op string, operand any) (*Exp, error) {
	ex := &Exp{Col: col, Table: qual}

	switch op {
	case "_eq", "_neq", "_gt", "_gte", "_lt", "_lte":
		val, err := coerceValue(col, operand)
		if err != nil {
			return nil, err
		}
		ex.Op = scalarOp(op)
		ex.Val = val

	case "_in", "_not_in":
		list, err := coerceList(col, operand)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			if op == "_in" {
				return &Exp{Op: OpFalse}, nil
			}
			return &Exp{Op: OpTrue}, nil
		}
		if op == "_in" {
			ex.Op = OpIn
		} else {
			ex.Op = OpNotIn
		}
		ex.List = list

	case "_between":
		raw, ok := operand.([]any)
		if !ok || len(raw) != 2 {
			return nil, fmt.Errorf("%w: _between on %q expects exactly two operands", ErrValidation, col.Name)
		}
		list, err := coerceList(col, operand)
		if err != nil {
			return nil, err
		}
		ex.Op = OpBetween
		ex.List = list

	case "_contains", "_starts_with", "_ends_with":
		if !col.Type.Textual() && col.Type != meta.TypeJSON {
			return nil, fmt.Errorf("%w: %s requires a text column, %q is %s", ErrValidation, op, col.Name, col.Type)
		}
		s, ok := operand.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %q expects a string", ErrValidation, op, col.Name)
		}
		switch op {
		case "_contains":
			ex.Op = OpContains
		case "_starts_with":
			ex.Op = OpStartsWith
		default:
			ex.Op = OpEndsWith
		}
		ex.Val = s

	case "_is_null", "_is_not_null":
		b, ok := operand.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %q expects a boolean", ErrValidation, op, col.Name)
		}
		// A false operand flips to the opposite nullity test.
		if (op == "_is_null") == b {
			ex.Op = OpIsNull
		} else {
			ex.Op = OpIsNotNull
		}

	default:
		return nil, fmt.Errorf("%w: unknown operator %q on column %q", ErrValidation, op, col.Name)
	}
	return ex, nil
}

func scalarOp(op string) ExpOp {
	switch op {
	case "_eq":
		return OpEquals
	case "_neq":
		return OpNotEquals
	case "_gt":
		return OpGreaterThan
	case "_gte":
		return OpGreaterOrEquals
	case "_lt":
		return OpLesserThan
	case "_lte":
		return OpLesserOrEquals
	}
	return OpNop
}

func opName(op ExpOp) string {
	switch op {
	case OpAnd:
		return "_and"
	case OpOr:
		return "_or"
	case OpNot:
		return "_not"
	}
	return "operator"
}

// walkRelation compiles { relation: {...} }. Membership and aggregate
// forms must stand alone; everything else becomes a correlated EXISTS
// with the nested filter compiled against the target.
func (w *expWalker) walkRelation(table *meta.Table, qual string, rel *meta.Relation, v any) (*Exp, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: relation %q expects an object", ErrValidation, rel.PropertyName)
	}
	if len(m) == 0 {
		return nil, nil
	}
	keys := sortedKeys(m)

	for _, k := range keys {
		if _, isAgg := aggFns[k]; isAgg {
			if len(keys) != 1 {
				return nil, fmt.Errorf("%w: aggregate %s on relation %q cannot be combined with other keys", ErrValidation, k, rel.PropertyName)
			}
			return w.walkAggregate(table, qual, rel, k, m[k])
		}
	}
	for _, k := range keys {
		if k == "_in" || k == "_not_in" {
			if len(keys) != 1 {
				return nil, fmt.Errorf("%w: %s on relation %q cannot be combined with other keys", ErrValidation, k, rel.PropertyName)
			}
			return w.walkMembership(table, qual, rel, k, m[k])
		}
	}

	// Owner-side { id: {...} } with equality or nullity operators only
	// rewrites onto the local foreign-key column, no subquery. The key
	// matches either the conventional name or the target's declared
	// primary key, so document tables keyed on _id rewrite too.
	if rel.IsOwner() && len(keys) == 1 && isPKKey(w.co.schema, rel, keys[0]) {
		if ops, ok := m[keys[0]].(map[string]any); ok && onlyEqualityOrNullity(ops) {
			return w.rewriteOwnerID(table, qual, rel, ops)
		}
	}

	return w.walkExists(table, qual, rel, m)
}

func isPKKey(s *meta.Schema, rel *meta.Relation, key string) bool {
	if key == "id" {
		return true
	}
	target, err := s.Table(rel.TargetTable)
	if err != nil {
		return false
	}
	pk := target.PrimaryKey()
	return pk != nil && pk.Name == key
}

func onlyEqualityOrNullity(ops map[string]any) bool {
	if len(ops) == 0 {
		return false
	}
	for k := range ops {
		switch k {
		case "_eq", "_neq", "_is_null", "_is_not_null":
		default:
			return false
		}
	}
	return true
}

// rewriteOwnerID compares the local foreign key directly against the
// target primary key value.
func (w *expWalker) rewriteOwnerID(table *meta.Table, qual string, rel *meta.Relation, ops map[string]any) (*Exp, error) {
	ri, err := w.co.relInfo(table, rel)
	if err != nil {
		return nil, err
	}
	fk := w.fkColumn(table, ri)
	return w.walkField(qual, fk, ops)
}

// fkColumn returns the declared foreign-key column, or a synthetic one
// typed like the target primary key when the metadata omits it.
func (w *expWalker) fkColumn(table *meta.Table, ri relInfo) *meta.Column {
	if col := table.Column(ri.localCol); col != nil {
		return col
	}
	pk := ri.target.PrimaryKey()
	return &meta.Column{Name: ri.localCol, Type: pk.Type, Nullable: true}
}

func (w *expWalker) walkMembership(table *meta.Table, qual string, rel *meta.Relation, op string, operand any) (*Exp, error) {
	ri, err := w.co.relInfo(table, rel)
	if err != nil {
		return nil, err
	}
	pk := ri.target.PrimaryKey()
	list, err := coerceList(pk, operand)
	if err != nil {
		return nil, err
	}
	negate := op == "_not_in"

	if len(list) == 0 {
		if negate {
			return &Exp{Op: OpTrue}, nil
		}
		return &Exp{Op: OpFalse}, nil
	}

	// Owner side holds the target primary key locally; an embedded
	// collection holds the whole id array locally.
	if rel.IsOwner() || ri.embedded {
		ex := &Exp{Col: w.fkColumn(table, ri), Table: qual, List: list}
		if negate {
			ex.Op = OpNotIn
		} else {
			ex.Op = OpIn
		}
		return ex, nil
	}

	rx := w.newRelExp(qual, rel, ri)
	if ri.junction != nil {
		// Junction-only subquery; no need to join the target.
		rx.Filter = &Exp{
			Op:    OpIn,
			Col:   &meta.Column{Name: ri.junction.TargetColumn, Type: pk.Type},
			Table: ri.junction.Table,
			List:  list,
		}
	} else {
		rx.Filter = &Exp{Op: OpIn, Col: pk, Table: rx.Alias, List: list}
	}

	ex := &Exp{Op: OpExists, Rel: rx}
	if negate {
		return &Exp{Op: OpNot, Children: []*Exp{ex}}, nil
	}
	return ex, nil
}

func (w *expWalker) walkAggregate(table *meta.Table, qual string, rel *meta.Relation, fnKey string, operand any) (*Exp, error) {
	if !rel.IsCollection() {
		return nil, fmt.Errorf("%w: aggregate %s over singular relation %q", ErrValidation, fnKey, rel.PropertyName)
	}
	ri, err := w.co.relInfo(table, rel)
	if err != nil {
		return nil, err
	}

	agg := &AggExp{Fn: aggFns[fnKey]}
	ops, ok := operand.(map[string]any)
	if !ok || len(ops) == 0 {
		return nil, fmt.Errorf("%w: aggregate %s on relation %q expects an object", ErrValidation, fnKey, rel.PropertyName)
	}

	if fnKey != "_count" {
		// { _sum: { column: { op: value } } }
		if len(ops) != 1 {
			return nil, fmt.Errorf("%w: aggregate %s on relation %q expects exactly one column", ErrValidation, fnKey, rel.PropertyName)
		}
		colName := sortedKeys(ops)[0]
		col := ri.target.Column(colName)
		if col == nil || col.Hidden {
			return nil, fmt.Errorf("%w: unknown aggregate column %q on table %q", ErrValidation, colName, ri.target.Name)
		}
		if (fnKey == "_sum" || fnKey == "_avg") && !col.Type.Numeric() {
			return nil, fmt.Errorf("%w: aggregate %s needs a numeric column, %q is %s", ErrValidation, fnKey, col.Name, col.Type)
		}
		agg.Col = col
		ops, ok = ops[colName].(map[string]any)
		if !ok || len(ops) == 0 {
			return nil, fmt.Errorf("%w: aggregate %s on column %q expects an operator object", ErrValidation, fnKey, colName)
		}
	}

	if len(ops) != 1 {
		return nil, fmt.Errorf("%w: aggregate %s on relation %q expects exactly one comparison", ErrValidation, fnKey, rel.PropertyName)
	}
	opKey := sortedKeys(ops)[0]
	agg.Op = scalarOp(opKey)
	if agg.Op == OpNop {
		return nil, fmt.Errorf("%w: unknown aggregate comparison %q on relation %q", ErrValidation, opKey, rel.PropertyName)
	}

	val, err := coerceAggValue(agg, ops[opKey])
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate %s on relation %q: %v", ErrValidation, fnKey, rel.PropertyName, err)
	}
	agg.Val = val

	rx := w.newRelExp(qual, rel, ri)
	rx.Agg = agg
	return &Exp{Op: OpAggregate, Rel: rx}, nil
}

func (w *expWalker) walkExists(table *meta.Table, qual string, rel *meta.Relation, m map[string]any) (*Exp, error) {
	ri, err := w.co.relInfo(table, rel)
	if err != nil {
		return nil, err
	}
	rx := w.newRelExp(qual, rel, ri)

	w.quals = append(w.quals, rx.Alias)
	w.depth++
	inner, err := w.walkMap(ri.target, rx.Alias, m)
	w.depth--
	w.quals = w.quals[:len(w.quals)-1]
	if err != nil {
		return nil, err
	}
	rx.Filter = inner
	return &Exp{Op: OpExists, Rel: rx}, nil
}

// newRelExp resolves the subquery alias for a relation predicate. The
// target table name is used as-is unless an enclosing scope already
// shows that name.
func (w *expWalker) newRelExp(qual string, rel *meta.Relation, ri relInfo) *RelExp {
	alias := ri.target.Name
	for _, q := range w.quals {
		if q == alias {
			alias = fmt.Sprintf("%s_%d", ri.target.Name, w.depth+1)
			break
		}
	}
	return &RelExp{
		Name:       rel.PropertyName,
		Type:       rel.Type,
		Target:     ri.target,
		Alias:      alias,
		LocalTable: qual,
		LocalCol:   ri.localCol,
		TargetCol:  ri.targetCol,
		Junction:   ri.junction,
		Embedded:   ri.embedded,
	}
}
