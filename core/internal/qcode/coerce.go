package qcode

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/enfyra/server-sub006/core/internal/meta"
)

// coerceValue converts a request operand to the column's logical type.
// Inputs arrive as decoded JSON (float64, string, bool) or as native Go
// values when the request was built in code. Failures are validation
// errors carrying the column name.
func coerceValue(col *meta.Column, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: null operand for column %q; use _is_null", ErrValidation, col.Name)
	}

	switch {
	case col.Type.Integral():
		return coerceInt(col, v)
	case col.Type.Numeric():
		return coerceFloat(col, v)
	case col.Type == meta.TypeBoolean:
		return coerceBool(col, v)
	case col.Type.Temporal():
		return coerceTime(col, v)
	case col.Type == meta.TypeUUID:
		s, ok := v.(string)
		if !ok {
			return nil, typeErr(col, v)
		}
		return s, nil
	case col.Type == meta.TypeEnum:
		s, ok := v.(string)
		if !ok {
			return nil, typeErr(col, v)
		}
		if len(col.Options) != 0 && !contains(col.Options, s) {
			return nil, fmt.Errorf("%w: %q is not a member of enum column %q", ErrValidation, s, col.Name)
		}
		return s, nil
	case col.Type == meta.TypeJSON:
		switch s := v.(type) {
		case string:
			return s, nil
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, typeErr(col, v)
			}
			return string(b), nil
		}
	default: // text, varchar
		s, ok := v.(string)
		if !ok {
			return nil, typeErr(col, v)
		}
		return s, nil
	}
}

// coerceList coerces every element of a membership operand.
func coerceList(col *meta.Column, v any) ([]any, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: column %q expects a list operand", ErrValidation, col.Name)
	}
	out := make([]any, 0, len(raw))
	for _, item := range raw {
		cv, err := coerceValue(col, item)
		if err != nil {
			return nil, err
		}
		out = append(out, cv)
	}
	return out, nil
}

// coerceAggValue coerces the comparison operand of an aggregate. COUNT
// compares against an integer; SUM and AVG against a number; MIN and
// MAX against the aggregated column's type.
func coerceAggValue(agg *AggExp, v any) (any, error) {
	switch agg.Fn {
	case "COUNT":
		return coerceInt(&meta.Column{Name: "count", Type: meta.TypeBigInt}, v)
	case "SUM", "AVG":
		return coerceFloat(&meta.Column{Name: strings.ToLower(agg.Fn), Type: meta.TypeFloat}, v)
	default:
		return coerceValue(agg.Col, v)
	}
}

func coerceInt(col *meta.Column, v any) (any, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("%w: column %q expects an integer, got %v", ErrValidation, col.Name, n)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return nil, typeErr(col, v)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil, typeErr(col, v)
		}
		return i, nil
	}
	return nil, typeErr(col, v)
}

func coerceFloat(col *meta.Column, v any) (any, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, typeErr(col, v)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, typeErr(col, v)
		}
		return f, nil
	}
	return nil, typeErr(col, v)
}

func coerceBool(col *meta.Column, v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		switch b {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case int:
		switch b {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case string:
		switch b {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
	}
	return nil, typeErr(col, v)
}

// timeFormats are tried in order when parsing temporal operands.
var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func coerceTime(col *meta.Column, v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range timeFormats {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
	}
	return nil, typeErr(col, v)
}

func typeErr(col *meta.Column, v any) error {
	return fmt.Errorf("%w: cannot coerce %T to %s for column %q", ErrValidation, v, col.Type, col.Name)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
