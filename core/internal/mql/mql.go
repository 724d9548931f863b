// Package mql renders compiled query plans into the JSON operation
// envelopes the document driver executes. Where the SQL compilers emit
// statements with bind parameters, mql embeds the values in the
// document itself: a pipeline is data, not text. Envelopes are built
// from maps and marshalled with sorted keys, so identical plans always
// serialise to identical documents.
package mql

import (
	"encoding/json"
	"time"

	"github.com/enfyra/server-sub006/core/internal/qcode"
)

// Compiler renders QCode plans for the document store.
type Compiler struct{}

func NewCompiler() *Compiler {
	return &Compiler{}
}

// CompileTotalCount renders the unfiltered document count of the base
// collection.
func (co *Compiler) CompileTotalCount(qc *qcode.QCode) (string, error) {
	return envelope(qc.Table.Name, "count", map[string]any{
		"filter": map[string]any{},
	})
}

// CompileFilterCount renders the filtered count. A matched document is
// one result row, so counting matches is already distinct by id.
func (co *Compiler) CompileFilterCount(qc *qcode.QCode) (string, error) {
	filter := map[string]any{}
	if qc.Filter != nil {
		m, err := matchDoc(qc.Filter)
		if err != nil {
			return "", err
		}
		filter = m
	}
	return envelope(qc.Table.Name, "count", map[string]any{"filter": filter})
}

// envelope wraps an operation body into the driver's JSON contract.
func envelope(collection, op string, body map[string]any) (string, error) {
	doc := map[string]any{
		"collection": collection,
		"op":         op,
	}
	for k, v := range body {
		doc[k] = v
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// stage builds a single-key pipeline stage.
func stage(name string, body any) map[string]any {
	return map[string]any{name: body}
}

func unwindStage(field string) map[string]any {
	return stage("$unwind", map[string]any{
		"path":                       "$" + field,
		"preserveNullAndEmptyArrays": true,
	})
}

// docValue maps a coerced plan value to its document encoding. Times
// ride as extended-JSON dates so the driver can restore them to native
// timestamps.
func docValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return map[string]any{"$date": val.UTC().Format(time.RFC3339Nano)}
	case []any:
		return docList(val)
	}
	return v
}

func docList(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = docValue(v)
	}
	return out
}
