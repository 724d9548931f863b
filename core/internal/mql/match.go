package mql

import (
	"fmt"
	"regexp"

	"github.com/enfyra/server-sub006/core/internal/dialect"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// matchDoc turns a filter tree into a match document. Owner-side id
// rewrites and membership over local id fields arrive here as plain
// column predicates; correlated subqueries have no match equivalent and
// are refused.
func matchDoc(ex *qcode.Exp) (map[string]any, error) {
	switch ex.Op {
	case qcode.OpAnd, qcode.OpOr:
		kids := make([]any, 0, len(ex.Children))
		for _, child := range ex.Children {
			m, err := matchDoc(child)
			if err != nil {
				return nil, err
			}
			kids = append(kids, m)
		}
		key := "$and"
		if ex.Op == qcode.OpOr {
			key = "$or"
		}
		return map[string]any{key: kids}, nil

	case qcode.OpNot:
		m, err := matchDoc(ex.Children[0])
		if err != nil {
			return nil, err
		}
		return map[string]any{"$nor": []any{m}}, nil

	case qcode.OpFalse:
		return map[string]any{"$expr": false}, nil

	case qcode.OpTrue:
		return map[string]any{"$expr": true}, nil

	case qcode.OpExists, qcode.OpAggregate:
		return nil, fmt.Errorf("%w: relation predicate %q cannot run in a pipeline",
			dialect.ErrUnsupported, ex.Rel.Name)
	}

	return fieldDoc(ex)
}

func fieldDoc(ex *qcode.Exp) (map[string]any, error) {
	field := ex.Col.Name

	switch ex.Op {
	case qcode.OpEquals:
		return cmp(field, "$eq", docValue(ex.Val)), nil
	case qcode.OpNotEquals:
		return cmp(field, "$ne", docValue(ex.Val)), nil
	case qcode.OpGreaterThan:
		return cmp(field, "$gt", docValue(ex.Val)), nil
	case qcode.OpGreaterOrEquals:
		return cmp(field, "$gte", docValue(ex.Val)), nil
	case qcode.OpLesserThan:
		return cmp(field, "$lt", docValue(ex.Val)), nil
	case qcode.OpLesserOrEquals:
		return cmp(field, "$lte", docValue(ex.Val)), nil

	case qcode.OpIn:
		return cmp(field, "$in", docList(ex.List)), nil
	case qcode.OpNotIn:
		return cmp(field, "$nin", docList(ex.List)), nil

	case qcode.OpBetween:
		return map[string]any{field: map[string]any{
			"$gte": docValue(ex.List[0]),
			"$lte": docValue(ex.List[1]),
		}}, nil

	case qcode.OpContains:
		return regex(field, regexp.QuoteMeta(ex.Val.(string))), nil
	case qcode.OpStartsWith:
		return regex(field, "^"+regexp.QuoteMeta(ex.Val.(string))), nil
	case qcode.OpEndsWith:
		return regex(field, regexp.QuoteMeta(ex.Val.(string))+"$"), nil

	case qcode.OpIsNull:
		return cmp(field, "$eq", nil), nil
	case qcode.OpIsNotNull:
		return cmp(field, "$ne", nil), nil
	}

	return nil, fmt.Errorf("unhandled operator %d in plan", ex.Op)
}

func cmp(field, op string, v any) map[string]any {
	return map[string]any{field: map[string]any{op: v}}
}

func regex(field, pattern string) map[string]any {
	return map[string]any{field: map[string]any{
		"$regex":   pattern,
		"$options": "i",
	}}
}
