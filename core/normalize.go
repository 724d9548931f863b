package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// normaliseRows rewrites one page of raw rows into the public record
// shape: booleans from driver integers, JSON columns parsed, temporal
// values as stable ISO 8601 strings, missing singular relations as
// explicit nulls and missing collections as empty arrays. It walks the
// plan tree so only planned properties are touched.
func normaliseRows(rows []Record, fields []qcode.Field, rels []*qcode.SelectRel) {
	for _, row := range rows {
		for _, f := range fields {
			row[f.Col.Name] = normaliseValue(f.Col, row[f.Col.Name])
		}
	}
	for _, sr := range rels {
		normaliseRel(rows, sr)
	}
}

func normaliseRel(rows []Record, sr *qcode.SelectRel) {
	var children []Record
	for _, row := range rows {
		switch t := row[sr.Name].(type) {
		case map[string]any:
			children = append(children, t)
		case []any:
			for _, el := range t {
				if m, ok := el.(map[string]any); ok {
					children = append(children, m)
				}
			}
		case []Record:
			children = append(children, t...)
		case nil:
			if sr.Singular {
				row[sr.Name] = nil
			} else {
				row[sr.Name] = []Record{}
			}
		}
	}

	normaliseRows(children, sr.Fields, sr.Rels)

	if sr.PKHidden {
		pk := sr.Target.PrimaryKey()
		for _, child := range children {
			delete(child, pk.Name)
		}
	}
}

func normaliseValue(col *meta.Column, v any) any {
	if v == nil {
		return nil
	}
	switch {
	case col.Type == meta.TypeBoolean:
		return normaliseBool(v)
	case col.Type == meta.TypeJSON:
		parsed, err := decodeJSONValue(v)
		if err != nil {
			return v
		}
		return parsed
	case col.Type.Temporal():
		return normaliseTime(col.Type, v)
	case col.Type.Numeric():
		return normaliseNumber(v)
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func normaliseBool(v any) any {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case json.Number:
		return t.String() != "0"
	case []byte:
		return boolFromString(string(t))
	case string:
		return boolFromString(t)
	}
	return v
}

func boolFromString(s string) bool {
	return s == "1" || strings.EqualFold(s, "true") || s == "\x01"
}

// normaliseNumber keeps numeric fidelity: text-protocol and decimal
// values become json.Number so they marshal unquoted and unrounded.
func normaliseNumber(v any) any {
	switch t := v.(type) {
	case []byte:
		return json.Number(t)
	case string:
		return json.Number(t)
	}
	return v
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func normaliseTime(t meta.ColType, v any) any {
	var ts time.Time
	switch x := v.(type) {
	case time.Time:
		ts = x
	case []byte:
		p, ok := parseTimestamp(string(x))
		if !ok {
			return string(x)
		}
		ts = p
	case string:
		p, ok := parseTimestamp(x)
		if !ok {
			return x
		}
		ts = p
	default:
		return v
	}
	if t == meta.TypeDate {
		return ts.Format("2006-01-02")
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// decodeJSONValue parses a JSON value arriving as raw bytes or text.
// Already structured values pass through; numbers decode as
// json.Number.
func decodeJSONValue(v any) (any, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		return v, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// groupKey canonicalises a correlation value so ids compare equal
// across the driver representations: integral floats fold onto their
// integer form, byte slices onto their text.
func groupKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case uint64:
		return strconv.FormatUint(t, 10)
	case json.Number:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}
